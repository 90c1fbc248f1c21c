package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/drummonds/pdfpager/config"
	"github.com/drummonds/pdfpager/document"
	"github.com/drummonds/pdfpager/source"
)

var (
	// ErrNoSession is returned when there is no current session.
	ErrNoSession = errors.New("no document is open")
	// ErrNoSource is returned by Open for an empty source string.
	ErrNoSource = errors.New("no document source given")
)

// OpenRequest mirrors the host's open command.
type OpenRequest struct {
	Source string `json:"url"`
	Title  string `json:"title"`
	// TopOffsetPx is the height reserved above the viewer by the host.
	TopOffsetPx *int `json:"top,omitempty"`
}

// Manager owns at most one viewing session at a time.
type Manager struct {
	cfg      config.ViewerConfig
	resolver *source.Resolver
	backend  document.Backend
	logger   *slog.Logger

	mu      sync.Mutex
	current *Session
}

// NewManager creates a manager that opens documents through resolver and
// renders them with backend.
func NewManager(cfg config.ViewerConfig, resolver *source.Resolver, backend document.Backend, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		resolver: resolver,
		backend:  backend,
		logger:   logger,
	}
}

// Open closes any current session and starts loading req in a new one. It
// returns as soon as loading has been queued; use Session.Await to wait for
// the outcome.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	ref := strings.TrimSpace(req.Source)
	if ref == "" {
		return nil, ErrNoSource
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.logger.Info("Closing previous session before opening a new one", "session", m.current.ID())
		m.current.Close()
		m.current = nil
	}

	top := 0
	if req.TopOffsetPx != nil && *req.TopOffsetPx > 0 {
		top = *req.TopOffsetPx
	}
	s := newSession(source.Parse(ref), req.Title, top, SessionConfig{
		Resolver:       m.resolver,
		Backend:        m.backend,
		PoolSize:       m.cfg.PoolSize,
		DisplayWidthPx: m.cfg.DisplayWidthPx,
		ViewportWidth:  float64(m.cfg.DisplayWidthPx),
		ViewportHeight: float64(m.cfg.ViewportHeight(top)),
		AsyncRender:    m.cfg.AsyncRender,
		Logger:         m.logger,
	})
	s.start(ctx)
	m.current = s
	return s, nil
}

// Close tears down the current session. Closing with nothing open is a
// no-op; it reports whether a session was closed.
func (m *Manager) Close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return false
	}
	m.current.Close()
	m.current = nil
	return true
}

// Current returns the open session.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// InUse reports whether path is the temporary copy of the current session,
// including a copy that is still being downloaded.
func (m *Manager) InUse(path string) bool {
	if path == "" {
		return false
	}
	if m.resolver != nil && m.resolver.Writing(path) {
		return true
	}
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	return s != nil && s.TempPath() == path
}

// Backend returns the render backend name.
func (m *Manager) Backend() string {
	return m.backend.Name()
}
