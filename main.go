package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	config "github.com/drummonds/pdfpager/config"
	document "github.com/drummonds/pdfpager/document"
	engine "github.com/drummonds/pdfpager/engine"
	source "github.com/drummonds/pdfpager/source"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// injectGlobals injects all of our globals into their packages
func injectGlobals(logger *slog.Logger) {
	Logger = logger
	config.Logger = Logger
	engine.Logger = Logger
}

// newServer wires the viewer manager into an echo instance with all routes registered
func newServer(viewerConfig config.ViewerConfig, backend document.Backend) (*echo.Echo, *engine.ServerHandler) {
	resolver := source.NewResolver(source.ResolverConfig{
		ScratchDir: viewerConfig.ScratchDir,
		Timeout:    viewerConfig.DownloadTimeout,
		Attempts:   viewerConfig.DownloadRetries,
		Logger:     Logger,
	})
	manager := engine.NewManager(viewerConfig, resolver, backend, Logger)

	e := echo.New()
	e.HideBanner = true

	// API errors are always JSON
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		if code == http.StatusNotFound && strings.HasPrefix(c.Request().URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, map[string]string{
				"error":   "Not Found",
				"message": "The requested API endpoint does not exist",
				"path":    c.Request().URL.Path,
			})
			return
		}
		e.DefaultHTTPErrorHandler(err, c)
	}

	e.Use(middleware.CORSWithConfig(middleware.DefaultCORSConfig))

	serverHandler := &engine.ServerHandler{Manager: manager, Echo: e, ViewerConfig: viewerConfig}
	serverHandler.RegisterRoutes()
	return e, serverHandler
}

func main() {
	viewerConfig, logger := config.SetupViewer()
	injectGlobals(logger) //inject the logger into all of the packages

	backend, err := document.NewBackend(viewerConfig.RenderBackend)
	if err != nil {
		Logger.Error("Unable to start render backend", "backend", viewerConfig.RenderBackend, "error", err)
		os.Exit(1)
	}
	defer backend.Close()
	Logger.Info("Render backend ready", "backend", backend.Name())

	e, serverHandler := newServer(viewerConfig, backend)
	defer serverHandler.Manager.Close()

	Logger.Info("About to initialize schedules")
	scheduler := serverHandler.InitializeSchedules() //initialize the scratch sweeper
	defer scheduler.Stop()
	if err := serverHandler.StartupChecks(); err != nil { //Run all the sanity checks
		Logger.Error("Startup checks failed", "error", err)
		os.Exit(1)
	}
	Logger.Info("Startup checks complete")

	if viewerConfig.ListenAddrIP == "" {
		Logger.Info("No Ip Addr set, binding on ALL addresses")
	}

	// Try to start server with automatic port increment if port is in use
	maxRetries := 5
	startPort := viewerConfig.ListenAddrPort
	var startErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		addr := fmt.Sprintf("%s:%s", viewerConfig.ListenAddrIP, viewerConfig.ListenAddrPort)
		Logger.Info("Attempting to start server", "address", addr, "attempt", attempt+1)

		startErr = e.Start(addr)

		if startErr != nil && isAddressInUse(startErr) {
			Logger.Warn("Port already in use, trying next port",
				"port", viewerConfig.ListenAddrPort,
				"attempt", attempt+1,
				"max_attempts", maxRetries)

			portNum := 0
			fmt.Sscanf(viewerConfig.ListenAddrPort, "%d", &portNum)
			portNum++
			viewerConfig.ListenAddrPort = fmt.Sprintf("%d", portNum)

			if attempt == maxRetries-1 {
				Logger.Error("Failed to find available port after maximum retries",
					"start_port", startPort,
					"end_port", viewerConfig.ListenAddrPort,
					"max_retries", maxRetries)
				return
			}
		} else if startErr != nil && startErr != http.ErrServerClosed {
			Logger.Error("Failed to start server", "error", startErr)
			return
		} else {
			break
		}
	}
}

// isAddressInUse checks if the error is due to address already in use
func isAddressInUse(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "address already in use")
}
