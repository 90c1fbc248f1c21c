package engine

import (
	"errors"
	"image/png"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/drummonds/pdfpager/config"
	"github.com/drummonds/pdfpager/document"
	"github.com/drummonds/pdfpager/pager"
	"github.com/drummonds/pdfpager/viewport"
)

// Version is set at build time.
var Version = "dev"

// ServerHandler will inject the variables needed into routes
type ServerHandler struct {
	Manager      *Manager
	Echo         *echo.Echo
	ViewerConfig config.ViewerConfig
}

// RegisterRoutes adds the viewer API to the handler's echo instance
func (serverHandler *ServerHandler) RegisterRoutes() {
	e := serverHandler.Echo
	e.POST("/api/viewer/open", serverHandler.OpenViewer)
	e.POST("/api/viewer/close", serverHandler.CloseViewer)
	e.GET("/api/viewer", serverHandler.GetViewer)
	e.POST("/api/viewer/active", serverHandler.SetActivePage)
	e.POST("/api/viewer/slots/:slot/bind", serverHandler.BindSlot)
	e.POST("/api/viewer/slots/:slot/layout", serverHandler.ReportSlotLayout)
	e.POST("/api/viewer/slots/:slot/gesture", serverHandler.SlotGesture)
	e.GET("/api/viewer/slots/:slot/image", serverHandler.GetSlotImage)
	e.GET("/api/about", serverHandler.GetAboutInfo)
}

// errorStatus maps session errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrUnknownSlot), errors.Is(err, pager.ErrBlank):
		return http.StatusNotFound
	case errors.Is(err, ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, ErrNoSource), errors.Is(err, ErrBadGesture), errors.Is(err, document.ErrIndexOutOfRange):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func jsonError(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), map[string]interface{}{
		"error": err.Error(),
	})
}

// OpenViewer opens a document, closing whatever was open before
// @Summary Open a document
// @Description Resolve the source and open it in a new viewing session. With wait=true the response is sent once the document is ready or has failed.
// @Tags Viewer
// @Accept json
// @Produce json
// @Param request body OpenRequest true "Document source, title and top offset"
// @Param wait query bool false "Wait for the document to load"
// @Success 200 {object} Status "Session ready"
// @Success 202 {object} Status "Session loading"
// @Failure 400 {object} map[string]interface{} "Missing source"
// @Failure 422 {object} Status "Document could not be opened"
// @Router /viewer/open [post]
func (serverHandler *ServerHandler) OpenViewer(c echo.Context) error {
	var req OpenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid request body",
		})
	}

	session, err := serverHandler.Manager.Open(c.Request().Context(), req)
	if err != nil {
		Logger.Warn("Open request rejected", "error", err)
		return jsonError(c, err)
	}

	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); !wait {
		return c.JSON(http.StatusAccepted, session.Status())
	}
	state, err := session.Await(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusAccepted, session.Status())
	}
	if state == Failed {
		return c.JSON(http.StatusUnprocessableEntity, session.Status())
	}
	return c.JSON(http.StatusOK, session.Status())
}

// CloseViewer closes the current document
// @Summary Close the viewer
// @Description Tear down the current session, deleting any temporary copy. Closing with nothing open succeeds.
// @Tags Viewer
// @Produce json
// @Success 200 {object} map[string]interface{} "closed: whether a session was open"
// @Router /viewer/close [post]
func (serverHandler *ServerHandler) CloseViewer(c echo.Context) error {
	closed := serverHandler.Manager.Close()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"closed": closed,
	})
}

// GetViewer returns the current session status
// @Summary Get viewer status
// @Tags Viewer
// @Produce json
// @Success 200 {object} Status "Current session"
// @Failure 404 {object} map[string]interface{} "No document open"
// @Router /viewer [get]
func (serverHandler *ServerHandler) GetViewer(c echo.Context) error {
	session, err := serverHandler.Manager.Current()
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, session.Status())
}

type activeRequest struct {
	Index int `json:"index"`
}

// SetActivePage records which page is most visible
// @Summary Set the active page
// @Description Only the slot bound to the active page may change the shared zoom
// @Tags Viewer
// @Accept json
// @Produce json
// @Param request body activeRequest true "Page index"
// @Success 200 {object} map[string]interface{} "Active page"
// @Failure 409 {object} map[string]interface{} "Document not ready"
// @Router /viewer/active [post]
func (serverHandler *ServerHandler) SetActivePage(c echo.Context) error {
	var req activeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid request body",
		})
	}
	session, err := serverHandler.Manager.Current()
	if err != nil {
		return jsonError(c, err)
	}
	if err := session.SetActive(req.Index); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"active": req.Index,
	})
}

// slotParam resolves the current session and the :slot path parameter
func (serverHandler *ServerHandler) slotParam(c echo.Context) (*Session, int, error) {
	id, err := strconv.Atoi(c.Param("slot"))
	if err != nil {
		return nil, 0, ErrUnknownSlot
	}
	session, err := serverHandler.Manager.Current()
	if err != nil {
		return nil, 0, err
	}
	return session, id, nil
}

type bindRequest struct {
	Index int `json:"index"`
}

// BindSlot binds a slot to a page and renders it
// @Summary Bind a slot to a page
// @Tags Slots
// @Accept json
// @Produce json
// @Param slot path int true "Slot ID"
// @Param request body bindRequest true "Page index"
// @Success 200 {object} pager.SlotStatus "Slot after binding"
// @Failure 400 {object} map[string]interface{} "Page index out of range"
// @Failure 404 {object} map[string]interface{} "Unknown slot"
// @Failure 409 {object} map[string]interface{} "Document not ready"
// @Router /viewer/slots/{slot}/bind [post]
func (serverHandler *ServerHandler) BindSlot(c echo.Context) error {
	session, id, err := serverHandler.slotParam(c)
	if err != nil {
		return jsonError(c, err)
	}
	var req bindRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid request body",
		})
	}
	status, err := session.Bind(id, req.Index)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// ReportSlotLayout tells the viewer a slot has been laid out
// @Summary Report slot layout
// @Description An empty body fits the slot's raster into the session viewport
// @Tags Slots
// @Accept json
// @Produce json
// @Param slot path int true "Slot ID"
// @Param request body viewport.Layout false "Measured layout"
// @Success 200 {object} map[string]interface{} "Whether the slot settled, and its status"
// @Router /viewer/slots/{slot}/layout [post]
func (serverHandler *ServerHandler) ReportSlotLayout(c echo.Context) error {
	session, id, err := serverHandler.slotParam(c)
	if err != nil {
		return jsonError(c, err)
	}
	var layout viewport.Layout
	if err := c.Bind(&layout); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid request body",
		})
	}
	settled, status, err := session.Layout(id, layout)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"settled": settled,
		"slot":    status,
	})
}

// SlotGesture applies a zoom or pan to a slot
// @Summary Apply a gesture
// @Tags Slots
// @Accept json
// @Produce json
// @Param slot path int true "Slot ID"
// @Param request body Gesture true "zoom, pan or set"
// @Success 200 {object} map[string]interface{} "Whether the gesture became the shared transform"
// @Failure 400 {object} map[string]interface{} "Invalid gesture"
// @Router /viewer/slots/{slot}/gesture [post]
func (serverHandler *ServerHandler) SlotGesture(c echo.Context) error {
	session, id, err := serverHandler.slotParam(c)
	if err != nil {
		return jsonError(c, err)
	}
	var g Gesture
	if err := c.Bind(&g); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "Invalid request body",
		})
	}
	accepted, err := session.Gesture(id, g)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"accepted": accepted,
	})
}

// GetSlotImage returns what a slot displays as PNG
// @Summary Get slot image
// @Description The page composed through the slot's transform, or the bare raster with raw=true
// @Tags Slots
// @Produce png
// @Param slot path int true "Slot ID"
// @Param raw query bool false "Return the unscaled page raster"
// @Success 200 {file} binary "PNG image"
// @Failure 404 {object} map[string]interface{} "Unknown or blank slot"
// @Router /viewer/slots/{slot}/image [get]
func (serverHandler *ServerHandler) GetSlotImage(c echo.Context) error {
	session, id, err := serverHandler.slotParam(c)
	if err != nil {
		return jsonError(c, err)
	}
	raw, _ := strconv.ParseBool(c.QueryParam("raw"))
	img, err := session.Compose(id, raw)
	if err != nil {
		return jsonError(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentType, "image/png")
	c.Response().WriteHeader(http.StatusOK)
	return png.Encode(c.Response(), img)
}

// GetAboutInfo returns build and configuration information
// @Summary Get application information
// @Tags Admin
// @Produce json
// @Success 200 {object} map[string]interface{} "Application information"
// @Router /about [get]
func (serverHandler *ServerHandler) GetAboutInfo(c echo.Context) error {
	cfg := serverHandler.ViewerConfig
	return c.JSON(http.StatusOK, map[string]interface{}{
		"version":         Version,
		"backend":         serverHandler.Manager.Backend(),
		"poolSize":        cfg.PoolSize,
		"displayWidthPx":  cfg.DisplayWidthPx,
		"displayHeightPx": cfg.DisplayHeightPx,
		"asyncRender":     cfg.AsyncRender,
		"scratchDir":      cfg.ScratchDir,
	})
}
