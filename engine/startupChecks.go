package engine

import (
	"fmt"
	"os"
)

// StartupChecks performs all the checks to make sure everything works
func (serverHandler *ServerHandler) StartupChecks() error {
	if err := scratchDirectoryChecks(serverHandler.ViewerConfig.ScratchDir); err != nil {
		return err
	}
	backendChecks(serverHandler.ViewerConfig.RenderBackend)
	return nil
}

// scratchDirectoryChecks ensures the scratch directory exists and is writable
func scratchDirectoryChecks(path string) error {
	if path == "" {
		Logger.Warn("Scratch path not configured, using system temp dir")
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			Logger.Info("Creating scratch directory", "path", path)
			if err := os.MkdirAll(path, 0755); err != nil {
				Logger.Error("Failed to create scratch directory", "path", path, "error", err)
				return err
			}
			return nil
		}
		Logger.Error("Error checking scratch directory", "path", path, "error", err)
		return err
	}
	if !info.IsDir() {
		Logger.Error("Scratch path exists but is not a directory", "path", path)
		return fmt.Errorf("scratch path is not a directory: %s", path)
	}

	probe, err := os.CreateTemp(path, ".probe-*")
	if err != nil {
		Logger.Error("Scratch directory is not writable", "path", path, "error", err)
		return fmt.Errorf("scratch directory is not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	Logger.Info("Scratch directory exists", "path", path)
	return nil
}

// backendChecks only warns; an unknown backend fails when it is created
func backendChecks(name string) {
	switch name {
	case "", "pdfium":
		Logger.Info("Using PDFium WebAssembly render backend")
	case "fitz", "mupdf":
		Logger.Info("Using MuPDF render backend, requires CGo build")
	default:
		Logger.Warn("Unknown render backend configured", "backend", name)
	}
}
