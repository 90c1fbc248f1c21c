package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/drummonds/pdfpager/dispatch"
	"github.com/drummonds/pdfpager/document"
	"github.com/drummonds/pdfpager/pager"
	"github.com/drummonds/pdfpager/source"
	"github.com/drummonds/pdfpager/viewport"
)

var (
	// ErrNotReady is returned by slot operations on a session that has not
	// reached Ready, or has left it.
	ErrNotReady = errors.New("session is not ready")
	// ErrUnknownSlot is returned for a slot ID outside the pool.
	ErrUnknownSlot = errors.New("no such slot")
)

// State is the lifecycle position of a session.
type State int

const (
	NotStarted State = iota
	Resolving
	Opening
	Ready
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Resolving:
		return "resolving"
	case Opening:
		return "opening"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// settled states are the ones a caller waiting on the load can stop at.
func (s State) settled() bool {
	return s == Ready || s == Failed || s == Closed
}

// SessionConfig is everything a session needs from its manager.
type SessionConfig struct {
	Resolver       *source.Resolver
	Backend        document.Backend
	PoolSize       int
	DisplayWidthPx int
	ViewportWidth  float64
	ViewportHeight float64
	AsyncRender    bool
	Logger         *slog.Logger
}

// Session is one document being viewed. Loading happens on a background
// worker loop; every slot and viewport mutation happens on the foreground
// loop, and the exported methods marshal onto it.
type Session struct {
	id        ulid.ULID
	src       source.Source
	title     string
	topOffset int
	cfg       SessionConfig
	logger    *slog.Logger

	worker *dispatch.Loop
	fg     *dispatch.Loop
	render *dispatch.Loop

	mu      sync.Mutex
	state   State
	reason  error
	local   *source.Local
	handle  *document.Handle
	cancel  context.CancelFunc
	settled chan struct{}

	// Owned by the foreground loop.
	sync *viewport.Synchronizer
	pool *pager.Pool
}

func newSession(src source.Source, title string, topOffset int, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	id := ulid.Make()
	logger := cfg.Logger.With("session", id.String())
	s := &Session{
		id:        id,
		src:       src,
		title:     title,
		topOffset: topOffset,
		cfg:       cfg,
		logger:    logger,
		worker:    dispatch.NewLoop("worker", logger),
		fg:        dispatch.NewLoop("foreground", logger),
		settled:   make(chan struct{}),
	}
	if cfg.AsyncRender {
		s.render = dispatch.NewLoop("render", logger)
	}
	return s
}

func (s *Session) ID() string    { return s.id.String() }
func (s *Session) Title() string { return s.title }

// Source is the document source as given to Open.
func (s *Session) Source() source.Source { return s.src }

// State returns the current lifecycle state and, when Failed, the reason.
func (s *Session) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// TempPath is the path of the temporary copy backing the session, or "" if
// the document is read in place or not yet resolved.
func (s *Session) TempPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil || !s.local.Temporary {
		return ""
	}
	return s.local.Path
}

// start queues resolve + open on the worker.
func (s *Session) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("Opening document", "source", s.src.String(), "kind", s.src.Kind.String(), "title", s.title)
	s.worker.Post(func() { s.load(ctx) })
}

// load runs on the worker.
func (s *Session) load(ctx context.Context) {
	if !s.transition(NotStarted, Resolving) {
		return
	}
	local, err := s.cfg.Resolver.Resolve(ctx, s.src)
	if err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	if s.state != Resolving {
		s.mu.Unlock()
		s.logger.Debug("Session closed while resolving, discarding copy")
		local.Release()
		return
	}
	s.state = Opening
	s.local = local
	s.mu.Unlock()

	h, err := document.Open(s.cfg.Backend, local.Path, s.logger)
	if err != nil {
		s.fail(err)
		return
	}
	if !s.fg.Post(func() { s.attach(h) }) {
		s.logger.Debug("Session closed while opening, closing document")
		h.Close()
		s.releaseLocal()
	}
}

// attach is the single handoff from worker to foreground.
func (s *Session) attach(h *document.Handle) {
	if st, _ := s.State(); st != Opening {
		s.logger.Debug("Session closed before handoff, closing document")
		h.Close()
		s.releaseLocal()
		return
	}

	vs := viewport.NewSynchronizer(s.post, s.logger)
	cfg := pager.Config{
		Size:           s.cfg.PoolSize,
		DisplayWidthPx: s.cfg.DisplayWidthPx,
		Async:          s.render != nil,
		Post:           s.post,
		Logger:         s.logger,
	}
	if s.render != nil {
		cfg.Render = func(fn func()) { s.render.Post(fn) }
	}
	pool, err := pager.NewPool(h, vs, cfg)
	if err != nil {
		h.Close()
		s.fail(err)
		return
	}

	s.mu.Lock()
	if s.state != Opening {
		s.mu.Unlock()
		s.logger.Debug("Session closed during handoff, closing document")
		pool.Close()
		h.Close()
		s.releaseLocal()
		return
	}
	s.handle = h
	s.state = Ready
	s.mu.Unlock()
	s.sync, s.pool = vs, pool
	close(s.settled)
	s.logger.Info("Document ready", "pages", h.PageCount(), "slots", len(pool.Slots()))
}

// releaseLocal deletes the copy still held by a load that lost a race with
// Close. The handle reading it must already be closed.
func (s *Session) releaseLocal() {
	s.mu.Lock()
	local := s.local
	s.local = nil
	s.mu.Unlock()
	if local != nil {
		local.Release()
	}
}

func (s *Session) post(fn func()) {
	s.fg.Post(fn)
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// fail moves the session to Failed and releases whatever it holds. A load
// that fails after Close still deletes the copy Close left to it.
func (s *Session) fail(err error) {
	s.mu.Lock()
	local, h := s.local, s.handle
	s.local, s.handle = nil, nil
	prev := s.state
	if prev != Closed && prev != Failed {
		s.state = Failed
		s.reason = err
	}
	s.mu.Unlock()

	if h != nil {
		h.Close()
	}
	if local != nil {
		local.Release()
	}
	if prev == Closed || prev == Failed {
		s.logger.Debug("Load failed after session ended", "error", err)
		return
	}
	s.logger.Error("Failed to open document", "source", s.src.String(), "error", err)
	close(s.settled)
}

// Await blocks until the session is Ready, Failed or Closed, or ctx ends.
// The error is only ever ctx's; a failure reason is available from State.
func (s *Session) Await(ctx context.Context) (State, error) {
	select {
	case <-s.settled:
		st, _ := s.State()
		return st, nil
	case <-ctx.Done():
		return NotStarted, ctx.Err()
	}
}

// Close tears the session down: binds stop being accepted, the document is
// released, the temporary copy deleted, and the worker stopped once its
// current task finishes. Close is safe in any state and idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = Closed
	h, cancel := s.handle, s.cancel
	s.handle = nil
	// A load still in flight owns the copy until its handle is closed.
	var local *source.Local
	if prev != Resolving && prev != Opening {
		local = s.local
		s.local = nil
	}
	s.mu.Unlock()
	// Ready and Failed closed it on the way in.
	if !prev.settled() {
		close(s.settled)
	}

	if cancel != nil {
		cancel()
	}
	s.fg.Do(func() {
		if s.pool != nil {
			s.pool.Close()
		}
	})
	if h != nil {
		h.Close()
	}
	if local != nil {
		local.Release()
	}
	s.worker.StopAsync()
	if s.render != nil {
		s.render.StopAsync()
	}
	s.fg.Stop()
	s.logger.Info("Session closed", "previous", prev.String())
}

// Done is closed once every loop of a closed session has exited, i.e. once
// any load still in flight at Close has finished and cleaned up.
func (s *Session) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-s.worker.Done()
		<-s.fg.Done()
		if s.render != nil {
			<-s.render.Done()
		}
		close(done)
	}()
	return done
}

// onPool runs fn on the foreground loop if the session is Ready.
func (s *Session) onPool(fn func(p *pager.Pool) error) error {
	var err error
	doErr := s.fg.Do(func() {
		if st, _ := s.State(); st != Ready || s.pool == nil {
			err = fmt.Errorf("%w: %s", ErrNotReady, st)
			return
		}
		err = fn(s.pool)
	})
	if doErr != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, doErr)
	}
	return err
}

func (s *Session) onSlot(id int, fn func(p *pager.Pool, slot *pager.Slot) error) error {
	return s.onPool(func(p *pager.Pool) error {
		slot, ok := p.Slot(id)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownSlot, id)
		}
		return fn(p, slot)
	})
}

// Bind points slot id at page index.
func (s *Session) Bind(id, index int) (pager.SlotStatus, error) {
	var st pager.SlotStatus
	err := s.onSlot(id, func(p *pager.Pool, slot *pager.Slot) error {
		err := p.Bind(slot, index)
		st = slot.Status()
		return err
	})
	return st, err
}

// Layout reports a layout pass for slot id. A zero layout means "fit the
// current raster into the session viewport". It reports whether the slot's
// post-layout continuation ran.
func (s *Session) Layout(id int, layout viewport.Layout) (bool, pager.SlotStatus, error) {
	var ran bool
	var st pager.SlotStatus
	err := s.onSlot(id, func(p *pager.Pool, slot *pager.Slot) error {
		if layout.ViewportWidth <= 0 {
			layout = pager.FitLayout(slot, s.cfg.ViewportWidth, s.cfg.ViewportHeight)
		}
		ran = p.ReportLayout(slot, layout)
		st = slot.Status()
		return nil
	})
	return ran, st, err
}

// Gesture is a user manipulation of one slot.
type Gesture struct {
	// Kind is "zoom", "pan" or "set".
	Kind   string              `json:"kind"`
	Factor float64             `json:"factor,omitempty"`
	X      float64             `json:"x,omitempty"`
	Y      float64             `json:"y,omitempty"`
	DX     float64             `json:"dx,omitempty"`
	DY     float64             `json:"dy,omitempty"`
	Matrix *viewport.Transform `json:"matrix,omitempty"`
}

// ErrBadGesture is returned for a gesture that cannot be applied.
var ErrBadGesture = errors.New("invalid gesture")

// Gesture applies g to slot id and reports whether it became the shared
// transform.
func (s *Session) Gesture(id int, g Gesture) (bool, error) {
	var accepted bool
	err := s.onSlot(id, func(p *pager.Pool, slot *pager.Slot) error {
		switch g.Kind {
		case "zoom":
			if g.Factor <= 0 {
				return fmt.Errorf("%w: zoom factor %v", ErrBadGesture, g.Factor)
			}
			accepted = p.Zoom(slot, g.Factor, g.X, g.Y)
		case "pan":
			accepted = p.Pan(slot, g.DX, g.DY)
		case "set":
			if g.Matrix == nil {
				return fmt.Errorf("%w: set without matrix", ErrBadGesture)
			}
			accepted = p.Gesture(slot, *g.Matrix)
		default:
			return fmt.Errorf("%w: unknown kind %q", ErrBadGesture, g.Kind)
		}
		return nil
	})
	return accepted, err
}

// SetActive records the most visible page.
func (s *Session) SetActive(index int) error {
	return s.onPool(func(p *pager.Pool) error {
		p.SetActive(index)
		return nil
	})
}

// Compose returns what slot id displays. With raw set the bare page raster
// is returned instead.
func (s *Session) Compose(id int, raw bool) (image.Image, error) {
	var img image.Image
	err := s.onSlot(id, func(p *pager.Pool, slot *pager.Slot) error {
		if raw {
			if slot.Raster() == nil {
				return pager.ErrBlank
			}
			img = slot.Raster()
			return nil
		}
		var err error
		img, err = slot.Compose()
		return err
	})
	return img, err
}

// Status is a snapshot of a session for the host.
type Status struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	Source          string              `json:"source"`
	SourceKind      string              `json:"sourceKind"`
	State           string              `json:"state"`
	Reason          string              `json:"reason,omitempty"`
	TopOffsetPx     int                 `json:"topOffsetPx"`
	ViewportWidth   float64             `json:"viewportWidth"`
	ViewportHeight  float64             `json:"viewportHeight"`
	PageCount       int                 `json:"pageCount"`
	ActivePage      int                 `json:"activePage"`
	InitialScaleSet bool                `json:"initialScaleSet"`
	SharedScale     float64             `json:"sharedScale"`
	Shared          *viewport.Transform `json:"shared,omitempty"`
	Slots           []pager.SlotStatus  `json:"slots,omitempty"`
	Pool            *pager.Stats        `json:"pool,omitempty"`
	Sync            *viewport.Stats     `json:"sync,omitempty"`
}

// Status snapshots the session. Slot details are only present when Ready.
func (s *Session) Status() Status {
	st, reason := s.State()
	out := Status{
		ID:             s.ID(),
		Title:          s.title,
		Source:         s.src.String(),
		SourceKind:     s.src.Kind.String(),
		State:          st.String(),
		TopOffsetPx:    s.topOffset,
		ViewportWidth:  s.cfg.ViewportWidth,
		ViewportHeight: s.cfg.ViewportHeight,
	}
	if reason != nil {
		out.Reason = reason.Error()
	}
	if st != Ready {
		return out
	}
	s.onPool(func(p *pager.Pool) error {
		vs := p.Synchronizer()
		shared := vs.Shared()
		poolStats, syncStats := p.Stats(), vs.Stats()
		out.PageCount = s.handlePageCount()
		out.ActivePage = vs.Active()
		out.InitialScaleSet = vs.InitialScaleSet()
		out.SharedScale = viewport.ScaleOf(shared)
		out.Shared = &shared
		out.Slots = p.Status()
		out.Pool = &poolStats
		out.Sync = &syncStats
		return nil
	})
	return out
}

func (s *Session) handlePageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return 0
	}
	return s.handle.PageCount()
}
