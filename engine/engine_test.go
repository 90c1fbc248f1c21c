package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/drummonds/pdfpager/config"
	"github.com/drummonds/pdfpager/document"
	"github.com/drummonds/pdfpager/source"
	"github.com/drummonds/pdfpager/testutil"
	"github.com/drummonds/pdfpager/viewport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func letterPages(n int) []document.PageSize {
	pages := make([]document.PageSize, n)
	for i := range pages {
		pages[i] = document.PageSize{Width: testutil.Letter[0], Height: testutil.Letter[1]}
	}
	return pages
}

func testConfig(t *testing.T) config.ViewerConfig {
	cfg := config.Defaults()
	cfg.ScratchDir = t.TempDir()
	cfg.DisplayWidthPx = 1000
	cfg.DisplayHeightPx = 1600
	cfg.PoolSize = 5
	cfg.ScratchMaxAge = time.Minute
	return cfg
}

func newTestManager(t *testing.T, cfg config.ViewerConfig, backend document.Backend) *Manager {
	t.Helper()
	Logger = testLogger()
	resolver := source.NewResolver(source.ResolverConfig{
		ScratchDir: cfg.ScratchDir,
		Attempts:   1,
		Logger:     Logger,
	})
	m := NewManager(cfg, resolver, backend, Logger)
	t.Cleanup(func() { m.Close() })
	return m
}

func awaitState(t *testing.T, s *Session, want State) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := s.Await(ctx)
	if err != nil {
		t.Fatalf("timed out waiting for %s", want)
	}
	if got != want {
		_, reason := s.State()
		t.Fatalf("expected state %s, got %s (reason: %v)", want, got, reason)
	}
	_, reason := s.State()
	return reason
}

func awaitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session loops did not stop")
	}
}

func scratchFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read scratch dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSession_InitialScaleAndPropagation(t *testing.T) {
	cfg := testConfig(t)
	backend := testutil.NewFakeBackend(letterPages(3)...)
	m := newTestManager(t, cfg, backend)
	path := testutil.WritePDF(t, t.TempDir(), "three.pdf", [][2]float64{testutil.Letter, testutil.Letter, testutil.Letter})

	s, err := m.Open(context.Background(), OpenRequest{Source: path, Title: "Three pages"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	awaitState(t, s, Ready)

	narrow := viewport.Layout{ViewportWidth: 1000, ViewportHeight: 1600, DisplayedWidth: 800}

	st, err := s.Bind(0, 0)
	if err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if st.RasterWidth != 1000 || st.Ready {
		t.Errorf("expected a 1000px raster that is not ready yet, got %+v", st)
	}
	if settled, _, err := s.Layout(0, narrow); err != nil || !settled {
		t.Fatalf("first layout should settle, settled=%v err=%v", settled, err)
	}

	status := s.Status()
	if !status.InitialScaleSet {
		t.Error("initial scale should be set")
	}
	if math.Abs(status.SharedScale-1.25) > 1e-9 {
		t.Errorf("expected shared scale 1.25, got %v", status.SharedScale)
	}
	if status.PageCount != 3 || status.Title != "Three pages" {
		t.Errorf("unexpected status %+v", status)
	}

	s.Bind(1, 1)
	_, slot1, _ := s.Layout(1, narrow)
	if math.Abs(slot1.Scale-1.25) > 1e-9 || !slot1.Ready {
		t.Errorf("page 1 should join at scale 1.25 and be ready, got %+v", slot1)
	}

	if err := s.SetActive(0); err != nil {
		t.Fatalf("set active failed: %v", err)
	}
	accepted, err := s.Gesture(0, Gesture{Kind: "zoom", Factor: 2})
	if err != nil || !accepted {
		t.Fatalf("zoom on the active page should be accepted, accepted=%v err=%v", accepted, err)
	}
	status = s.Status()
	if math.Abs(status.Slots[1].Scale-2.5) > 1e-9 {
		t.Errorf("zoom should propagate to page 1, got scale %v", status.Slots[1].Scale)
	}
	if status.Sync.Accepted != 1 {
		t.Errorf("expected one accepted capture, got %+v", status.Sync)
	}

	if accepted, _ := s.Gesture(1, Gesture{Kind: "pan", DX: 50}); accepted {
		t.Error("gesture on a background page should be rejected")
	}
	if got := s.Status().SharedScale; math.Abs(got-2.5) > 1e-9 {
		t.Errorf("shared scale changed by a rejected gesture: %v", got)
	}
}

func TestSession_TopOffsetShrinksViewport(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, testutil.NewFakeBackend(letterPages(2)...))
	path := testutil.WritePDF(t, t.TempDir(), "doc.pdf", [][2]float64{testutil.Letter, testutil.Letter})

	top := 600
	s, _ := m.Open(context.Background(), OpenRequest{Source: path, TopOffsetPx: &top})
	awaitState(t, s, Ready)

	if s.Status().ViewportHeight != 1000 {
		t.Errorf("expected viewport height 1000, got %v", s.Status().ViewportHeight)
	}

	s.Bind(0, 0)
	s.Layout(0, viewport.Layout{})
	// 1000x1294 fits into 1000x1000 at 772.8px wide, then fills the width.
	want := 1000 / (1000 * 1000 / 1294.0)
	if got := s.Status().SharedScale; math.Abs(got-want) > 1e-6 {
		t.Errorf("expected initial scale %v, got %v", want, got)
	}
}

func TestSession_RemoteFailureMidDownload(t *testing.T) {
	cfg := testConfig(t)
	backend := testutil.NewFakeBackend(letterPages(1)...)
	m := newTestManager(t, cfg, backend)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "200000")
		w.Write(make([]byte, 20000))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	s, _ := m.Open(context.Background(), OpenRequest{Source: srv.URL + "/doc.pdf"})
	reason := awaitState(t, s, Failed)

	if !errors.Is(reason, source.ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", reason)
	}
	if files := scratchFiles(t, cfg.ScratchDir); len(files) != 0 {
		t.Errorf("expected no partial files, found %v", files)
	}
	if backend.OpenDocuments() != 0 {
		t.Error("no document should have been opened")
	}
	if _, err := s.Bind(0, 0); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady on a failed session, got %v", err)
	}
}

func TestSession_OpenFailureDeletesCopy(t *testing.T) {
	cfg := testConfig(t)
	backend := testutil.NewFakeBackend()
	backend.OpenErr = errors.New("not a PDF")
	m := newTestManager(t, cfg, backend)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>login page</html>"))
	}))
	defer srv.Close()

	s, _ := m.Open(context.Background(), OpenRequest{Source: srv.URL})
	reason := awaitState(t, s, Failed)

	if !errors.Is(reason, document.ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", reason)
	}
	if files := scratchFiles(t, cfg.ScratchDir); len(files) != 0 {
		t.Errorf("expected temporary copy to be deleted, found %v", files)
	}
	if s.Status().Reason == "" {
		t.Error("status should carry the failure reason")
	}
}

func TestSession_CloseWhileOpening(t *testing.T) {
	cfg := testConfig(t)
	backend := testutil.NewFakeBackend(letterPages(2)...)
	backend.OpenGate = make(chan struct{})
	backend.OpenStarted = make(chan struct{})
	m := newTestManager(t, cfg, backend)
	path := testutil.WritePDF(t, t.TempDir(), "doc.pdf", [][2]float64{testutil.Letter, testutil.Letter})

	s, _ := m.Open(context.Background(), OpenRequest{Source: path})
	select {
	case <-backend.OpenStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("backend open never started")
	}

	if !m.Close() {
		t.Fatal("close should report an open session")
	}
	if st, _ := s.State(); st != Closed {
		t.Errorf("expected closed, got %s", st)
	}

	// The open completes after teardown and must release what it acquired.
	close(backend.OpenGate)
	awaitDone(t, s)

	if backend.OpenDocuments() != 0 {
		t.Errorf("document opened after close must be released, %d still open", backend.OpenDocuments())
	}
	if st, _ := s.State(); st != Closed {
		t.Errorf("late completion must not change state, got %s", st)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("the caller's file must never be deleted: %v", err)
	}
}

func TestSession_CloseWhileOpeningKeepsCopyUntilHandleReleased(t *testing.T) {
	cfg := testConfig(t)
	backend := testutil.NewFakeBackend(letterPages(1)...)
	backend.OpenGate = make(chan struct{})
	backend.OpenStarted = make(chan struct{})
	m := newTestManager(t, cfg, backend)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(testutil.BuildPDF([][2]float64{testutil.Letter}))
	}))
	defer srv.Close()

	s, _ := m.Open(context.Background(), OpenRequest{Source: srv.URL + "/doc.pdf"})
	select {
	case <-backend.OpenStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("backend open never started")
	}
	temp := s.TempPath()
	if temp == "" {
		t.Fatal("remote source should be backed by a temporary copy")
	}

	m.Close()
	if _, err := os.Stat(temp); err != nil {
		t.Errorf("copy must stay while the backend is still opening it: %v", err)
	}

	close(backend.OpenGate)
	awaitDone(t, s)

	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Errorf("copy should be deleted once the late handle is closed, stat err=%v", err)
	}
	if backend.OpenDocuments() != 0 {
		t.Errorf("late handle must be closed, %d still open", backend.OpenDocuments())
	}
}

func TestSession_OpenFailureAfterCloseDeletesCopy(t *testing.T) {
	cfg := testConfig(t)
	backend := testutil.NewFakeBackend()
	backend.OpenErr = errors.New("not a PDF")
	backend.OpenGate = make(chan struct{})
	backend.OpenStarted = make(chan struct{})
	m := newTestManager(t, cfg, backend)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a pdf"))
	}))
	defer srv.Close()

	s, _ := m.Open(context.Background(), OpenRequest{Source: srv.URL})
	<-backend.OpenStarted
	m.Close()
	close(backend.OpenGate)
	awaitDone(t, s)

	if files := scratchFiles(t, cfg.ScratchDir); len(files) != 0 {
		t.Errorf("expected the copy to be deleted, found %v", files)
	}
	if st, _ := s.State(); st != Closed {
		t.Errorf("a late failure must not change state, got %s", st)
	}
}

// gateHandler blocks the first record with message msg until resume is closed.
type gateHandler struct {
	slog.Handler
	msg     string
	once    *sync.Once
	reached chan struct{}
	resume  chan struct{}
}

func (h gateHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.once.Do(func() {
			close(h.reached)
			<-h.resume
		})
	}
	return h.Handler.Handle(ctx, r)
}

func (h gateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.Handler = h.Handler.WithAttrs(attrs)
	return h
}

func (h gateHandler) WithGroup(name string) slog.Handler {
	h.Handler = h.Handler.WithGroup(name)
	return h
}

func TestSession_CloseDuringHandoffStaysClosed(t *testing.T) {
	cfg := testConfig(t)
	backend := testutil.NewFakeBackend(letterPages(2)...)
	gate := gateHandler{
		Handler: slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}),
		msg:     "Page pool created",
		once:    &sync.Once{},
		reached: make(chan struct{}),
		resume:  make(chan struct{}),
	}
	logger := slog.New(gate)
	resolver := source.NewResolver(source.ResolverConfig{ScratchDir: cfg.ScratchDir, Attempts: 1, Logger: logger})
	m := NewManager(cfg, resolver, backend, logger)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(testutil.BuildPDF([][2]float64{testutil.Letter, testutil.Letter}))
	}))
	defer srv.Close()

	s, _ := m.Open(context.Background(), OpenRequest{Source: srv.URL})
	select {
	case <-gate.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("pool was never created")
	}

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for st, _ := s.State(); st != Closed; st, _ = s.State() {
		if time.Now().After(deadline) {
			t.Fatal("close never marked the session closed")
		}
		time.Sleep(time.Millisecond)
	}
	close(gate.resume)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}
	awaitDone(t, s)

	if st, _ := s.State(); st != Closed {
		t.Errorf("session closed during handoff must stay closed, got %s", st)
	}
	if backend.OpenDocuments() != 0 {
		t.Errorf("handle must be closed, %d still open", backend.OpenDocuments())
	}
	if files := scratchFiles(t, cfg.ScratchDir); len(files) != 0 {
		t.Errorf("expected the copy to be deleted, found %v", files)
	}
	if _, err := s.Bind(0, 0); !errors.Is(err, ErrNotReady) {
		t.Errorf("binds must be refused, got %v", err)
	}
}

func TestManager_InUseCoversDownloadInProgress(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, testutil.NewFakeBackend(letterPages(1)...))

	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer unblock()

	s, _ := m.Open(context.Background(), OpenRequest{Source: srv.URL})
	var path string
	deadline := time.Now().Add(5 * time.Second)
	for path == "" && time.Now().Before(deadline) {
		if files := scratchFiles(t, cfg.ScratchDir); len(files) == 1 {
			path = filepath.Join(cfg.ScratchDir, files[0])
		} else {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if path == "" {
		t.Fatal("download never started")
	}
	if !m.InUse(path) {
		t.Error("a copy still downloading must be reported in use")
	}

	cfg.ScratchMaxAge = 0
	serverHandler := &ServerHandler{Manager: m, ViewerConfig: cfg}
	serverHandler.sweepScratch()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("sweep must not delete a copy being downloaded: %v", err)
	}

	unblock()
	m.Close()
	awaitDone(t, s)
}

func TestSession_CloseReleasesEverything(t *testing.T) {
	cfg := testConfig(t)
	backend := testutil.NewFakeBackend(letterPages(3)...)
	m := newTestManager(t, cfg, backend)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(testutil.BuildPDF([][2]float64{testutil.Letter}))
	}))
	defer srv.Close()

	s, _ := m.Open(context.Background(), OpenRequest{Source: srv.URL})
	awaitState(t, s, Ready)
	temp := s.TempPath()
	if temp == "" {
		t.Fatal("remote source should be backed by a temporary copy")
	}
	s.Bind(0, 0)

	m.Close()
	awaitDone(t, s)

	if _, err := os.Stat(temp); !os.IsNotExist(err) {
		t.Errorf("temporary copy should be gone, stat err=%v", err)
	}
	if backend.OpenDocuments() != 0 {
		t.Error("document handle should be released")
	}
	if _, err := s.Bind(0, 1); !errors.Is(err, ErrNotReady) {
		t.Errorf("binds must be refused after close, got %v", err)
	}
	s.Close()
}

func TestManager_OpenReplacesSession(t *testing.T) {
	cfg := testConfig(t)
	backend := testutil.NewFakeBackend(letterPages(2)...)
	m := newTestManager(t, cfg, backend)
	path := testutil.WritePDF(t, t.TempDir(), "doc.pdf", [][2]float64{testutil.Letter, testutil.Letter})

	first, _ := m.Open(context.Background(), OpenRequest{Source: path, Title: "first"})
	awaitState(t, first, Ready)
	second, _ := m.Open(context.Background(), OpenRequest{Source: "file://" + path, Title: "second"})
	awaitState(t, second, Ready)

	if st, _ := first.State(); st != Closed {
		t.Errorf("previous session should be closed, got %s", st)
	}
	if backend.OpenDocuments() != 1 {
		t.Errorf("expected exactly one open document, got %d", backend.OpenDocuments())
	}
	current, err := m.Current()
	if err != nil || current != second {
		t.Errorf("expected the second session to be current")
	}
}

func TestManager_EdgeCases(t *testing.T) {
	m := newTestManager(t, testConfig(t), testutil.NewFakeBackend(letterPages(1)...))

	if m.Close() {
		t.Error("close with nothing open should be a no-op")
	}
	if _, err := m.Current(); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
	if _, err := m.Open(context.Background(), OpenRequest{Source: "  "}); !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource, got %v", err)
	}

	s, _ := m.Open(context.Background(), OpenRequest{Source: filepath.Join(t.TempDir(), "missing.pdf")})
	if reason := awaitState(t, s, Failed); !errors.Is(reason, source.ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable for a missing file, got %v", reason)
	}
	if st, err := s.Await(context.Background()); st != Failed || err != nil {
		t.Errorf("await on a failed session should report failed without error, got %s, %v", st, err)
	}
	if !m.Close() {
		t.Error("closing a failed session should succeed")
	}
}

func TestSession_SlotErrors(t *testing.T) {
	m := newTestManager(t, testConfig(t), testutil.NewFakeBackend(letterPages(2)...))
	path := testutil.WritePDF(t, t.TempDir(), "doc.pdf", [][2]float64{testutil.Letter, testutil.Letter})
	s, _ := m.Open(context.Background(), OpenRequest{Source: path})
	awaitState(t, s, Ready)

	if len(s.Status().Slots) != 2 {
		t.Errorf("pool should be capped at the page count, got %d slots", len(s.Status().Slots))
	}
	if _, err := s.Bind(9, 0); !errors.Is(err, ErrUnknownSlot) {
		t.Errorf("expected ErrUnknownSlot, got %v", err)
	}
	if _, err := s.Bind(0, 5); !errors.Is(err, document.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := s.Gesture(0, Gesture{Kind: "rotate"}); !errors.Is(err, ErrBadGesture) {
		t.Errorf("expected ErrBadGesture, got %v", err)
	}
	if _, err := s.Gesture(0, Gesture{Kind: "zoom"}); !errors.Is(err, ErrBadGesture) {
		t.Errorf("expected ErrBadGesture for a zero factor, got %v", err)
	}
	if _, err := s.Compose(1, false); err == nil {
		t.Error("composing an unbound slot should fail")
	}
}

func TestSession_AsyncRender(t *testing.T) {
	cfg := testConfig(t)
	cfg.AsyncRender = true
	pages := append(letterPages(2), document.PageSize{Width: 400, Height: 400})
	m := newTestManager(t, cfg, testutil.NewFakeBackend(pages...))
	path := testutil.WritePDF(t, t.TempDir(), "doc.pdf", [][2]float64{testutil.Letter, testutil.Letter, {400, 400}})
	s, _ := m.Open(context.Background(), OpenRequest{Source: path})
	awaitState(t, s, Ready)

	s.Bind(0, 0)
	s.Bind(0, 2)

	deadline := time.Now().Add(5 * time.Second)
	settled := false
	var st = s.Status().Slots[0]
	for !settled && time.Now().Before(deadline) {
		settled, st, _ = s.Layout(0, viewport.Layout{})
		if !settled {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if !settled {
		t.Fatal("async render never arrived")
	}
	if st.Index != 2 || !st.Ready || st.RasterWidth != 1000 || st.RasterHeight != 1000 {
		t.Errorf("expected slot ready with the page 2 raster, got %+v", st)
	}
	// The first render is either installed and then replaced, or discarded.
	if pool := s.Status().Pool; pool.Renders+pool.Discarded != 2 {
		t.Errorf("expected two renders accounted for, got %+v", pool)
	}
}

func TestSweepScratch(t *testing.T) {
	cfg := testConfig(t)
	m := newTestManager(t, cfg, testutil.NewFakeBackend(letterPages(1)...))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(testutil.BuildPDF([][2]float64{testutil.Letter}))
	}))
	defer srv.Close()
	s, _ := m.Open(context.Background(), OpenRequest{Source: srv.URL})
	awaitState(t, s, Ready)

	stale := filepath.Join(cfg.ScratchDir, source.TempPrefix+"leftover.pdf")
	if err := os.WriteFile(stale, []byte("%PDF"), 0o600); err != nil {
		t.Fatalf("failed to write stale copy: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	for _, p := range []string{stale, s.TempPath()} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("failed to age %s: %v", p, err)
		}
	}

	serverHandler := &ServerHandler{Manager: m, ViewerConfig: cfg}
	serverHandler.sweepScratch()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale copy should be swept")
	}
	if _, err := os.Stat(s.TempPath()); err != nil {
		t.Errorf("live session copy must be kept: %v", err)
	}
}

func TestStartupChecks(t *testing.T) {
	Logger = testLogger()
	dir := filepath.Join(t.TempDir(), "scratch")

	serverHandler := &ServerHandler{ViewerConfig: config.ViewerConfig{ScratchDir: dir, RenderBackend: "pdfium"}}
	if err := serverHandler.StartupChecks(); err != nil {
		t.Fatalf("startup checks failed: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("scratch dir should have been created")
	}

	file := filepath.Join(t.TempDir(), "file")
	os.WriteFile(file, nil, 0o644)
	serverHandler.ViewerConfig.ScratchDir = file
	if err := serverHandler.StartupChecks(); err == nil {
		t.Error("expected error when scratch path is a file")
	}
}
