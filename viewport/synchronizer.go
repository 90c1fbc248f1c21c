package viewport

import (
	"log/slog"

	"github.com/gogpu/gg"
)

// Target is a page slot as seen by the synchronizer.
type Target interface {
	ID() int
	// BoundIndex is the page the slot shows, or -1 when unbound.
	BoundIndex() int
	// Ready reports whether the slot may take part in transform updates.
	Ready() bool
	Transform() Transform
	// SetTransform replaces the slot's display transform and fires the
	// slot's change notification, exactly as a user gesture would.
	SetTransform(m Transform)
}

// Stats counts synchronizer decisions, for status reporting and tests.
type Stats struct {
	Accepted         int `json:"accepted"`
	RejectedFlight   int `json:"rejectedInFlight"`
	RejectedActive   int `json:"rejectedInactive"`
	RejectedNotReady int `json:"rejectedNotReady"`
	Applied          int `json:"applied"`
}

// Synchronizer owns the shared transform. All methods must be called from
// the session's foreground loop; it has no lock of its own.
//
// Pushing the shared transform into a slot triggers the same change path a
// user gesture does. While such a push is in flight every capture is
// refused, otherwise the slot would immediately re-capture the value it
// was just given. The in-flight state is cleared by a task posted to the
// foreground loop, which runs only after the slot's own notification has
// been handled.
type Synchronizer struct {
	shared          Transform
	initialScaleSet bool
	inFlight        int
	active          int

	targets map[int]Target
	post    func(func())
	logger  *slog.Logger
	stats   Stats
}

// NewSynchronizer creates a synchronizer whose deferred work is scheduled
// with post, normally the foreground loop's Post.
func NewSynchronizer(post func(func()), logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		shared:  gg.Identity(),
		targets: make(map[int]Target),
		post:    post,
		logger:  logger.With("component", "viewport"),
	}
}

// Register adds a slot that receives propagated transforms.
func (s *Synchronizer) Register(t Target) {
	s.targets[t.ID()] = t
}

// Unregister removes a slot.
func (s *Synchronizer) Unregister(t Target) {
	delete(s.targets, t.ID())
}

// SetActive records the most prominently visible page. Only the slot bound
// to it may capture.
func (s *Synchronizer) SetActive(index int) {
	s.active = index
}

// Active returns the active page index.
func (s *Synchronizer) Active() int {
	return s.active
}

// Shared returns the current shared transform.
func (s *Synchronizer) Shared() Transform {
	return s.shared
}

// InitialScaleSet reports whether the baseline zoom has been established.
func (s *Synchronizer) InitialScaleSet() bool {
	return s.initialScaleSet
}

// UpdateInFlight reports whether a programmatic push has not been cleared yet.
func (s *Synchronizer) UpdateInFlight() bool {
	return s.inFlight > 0
}

// Stats returns decision counters.
func (s *Synchronizer) Stats() Stats {
	return s.stats
}

// Capture offers a slot's new transform. It is accepted only from the slot
// bound to the active page, when that slot is ready and no programmatic
// push is in flight. An accepted capture replaces the shared transform
// outright and is pushed to every other ready slot.
func (s *Synchronizer) Capture(t Target, m Transform) bool {
	switch {
	case s.inFlight > 0:
		s.stats.RejectedFlight++
		return false
	case !t.Ready():
		s.stats.RejectedNotReady++
		return false
	case t.BoundIndex() < 0 || t.BoundIndex() != s.active:
		s.stats.RejectedActive++
		return false
	}

	s.shared = m
	s.stats.Accepted++
	s.logger.Debug("Captured transform", "slot", t.ID(), "index", t.BoundIndex(), "scale", ScaleOf(m))

	for id, other := range s.targets {
		if id == t.ID() || !other.Ready() || other.BoundIndex() < 0 {
			continue
		}
		s.push(other)
	}
	return true
}

// Settle runs in a slot's post-layout continuation, before the slot is
// marked ready. The first slot of the session establishes the baseline:
// a page narrower than its viewport is scaled up to fill the width, and
// that transform becomes the shared one. Every later slot receives the
// shared transform instead.
func (s *Synchronizer) Settle(t Target, layout Layout) {
	if !s.initialScaleSet {
		m := t.Transform()
		if layout.DisplayedWidth > 0 && layout.DisplayedWidth < layout.ViewportWidth {
			f := layout.ViewportWidth / layout.DisplayedWidth
			m = gg.Scale(f, f).Multiply(m)
			t.SetTransform(m)
		}
		s.shared = m
		s.initialScaleSet = true
		s.logger.Info("Initial scale set", "slot", t.ID(), "index", t.BoundIndex(), "scale", ScaleOf(m))
		return
	}
	s.push(t)
}

// push applies the shared transform to t with captures suppressed.
func (s *Synchronizer) push(t Target) {
	s.inFlight++
	t.SetTransform(s.shared)
	s.stats.Applied++
	s.post(func() {
		s.inFlight--
	})
}
