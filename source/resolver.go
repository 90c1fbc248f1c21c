package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/oklog/ulid/v2"
)

// TempPrefix names every materialized copy so stale ones can be swept.
const TempPrefix = "pdfpager-"

// copyChunkSize bounds each read while materializing a copy.
const copyChunkSize = 8 * 1024

// Provider opens a provider-backed reference for reading.
type Provider interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, ref string) (io.ReadCloser, error)

// Open calls f.
func (f ProviderFunc) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return f(ctx, ref)
}

// Local is a resolved, locally readable document.
type Local struct {
	Path string
	// Temporary is true when Path is a copy that must be deleted on teardown.
	Temporary bool

	mu       sync.Mutex
	released bool
}

// Release deletes the temporary copy, if any. It is idempotent.
func (l *Local) Release() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || !l.Temporary {
		l.released = true
		return nil
	}
	l.released = true
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete temporary copy %s: %w", l.Path, err)
	}
	return nil
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	ScratchDir string
	HTTPClient *http.Client

	// Timeout is applied when HTTPClient is nil (default 120s)
	Timeout time.Duration

	// Attempts for establishing a remote request; at least 1
	Attempts   uint
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Resolver materializes document sources into local files.
type Resolver struct {
	scratchDir string
	client     *http.Client
	attempts   uint
	retryDelay time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	providers map[string]Provider
	writing   map[string]struct{}
}

// NewResolver creates a resolver writing temporary copies into cfg.ScratchDir.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 1
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	return &Resolver{
		scratchDir: scratch,
		client:     client,
		attempts:   attempts,
		retryDelay: retryDelay,
		logger:     logger.With("component", "resolver"),
		providers:  make(map[string]Provider),
		writing:    make(map[string]struct{}),
	}
}

// Writing reports whether path is a temporary copy still being downloaded.
func (r *Resolver) Writing(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.writing[path]
	return ok
}

// ScratchDir returns the directory temporary copies are written to.
func (r *Resolver) ScratchDir() string {
	return r.scratchDir
}

// RegisterProvider makes content://<authority>/... references resolvable.
func (r *Resolver) RegisterProvider(authority string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[authority] = p
}

// Resolve returns a local, readable copy of src. Local paths are returned
// unchanged. Remote and provider sources are streamed into a new temporary
// file that the caller must Release. On failure no temporary file is left
// behind.
func (r *Resolver) Resolve(ctx context.Context, src Source) (*Local, error) {
	switch src.Kind {
	case LocalPath:
		info, err := os.Stat(src.Ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrSourceUnavailable, src.Ref)
		}
		return &Local{Path: src.Ref}, nil

	case Remote:
		body, err := r.openRemote(ctx, src.Ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return r.materialize(ctx, src, body)

	case ProviderRef:
		r.mu.RLock()
		p, ok := r.providers[src.Authority()]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: no provider registered for %q", ErrSourceUnavailable, src.Authority())
		}
		body, err := p.Open(ctx, src.Ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return r.materialize(ctx, src, body)
	}
	return nil, fmt.Errorf("%w: unknown source kind %d", ErrSourceUnavailable, src.Kind)
}

// openRemote issues the GET, retrying transport errors and 5xx responses.
// Nothing has been written to disk yet, so a retry cannot corrupt the copy.
func (r *Resolver) openRemote(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := retry.DoWithData(
		func() (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			resp, err := r.client.Do(req)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= http.StatusInternalServerError {
				resp.Body.Close()
				return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				return nil, retry.Unrecoverable(fmt.Errorf("server returned status %d", resp.StatusCode))
			}
			return resp, nil
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.retryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("Retrying remote document request", "url", url, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// materialize streams body into a new temporary file in bounded chunks.
func (r *Resolver) materialize(ctx context.Context, src Source, body io.ReadCloser) (*Local, error) {
	defer body.Close()

	path := filepath.Join(r.scratchDir, TempPrefix+ulid.Make().String()+".pdf")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create temporary copy: %v", ErrSourceUnavailable, err)
	}
	r.mu.Lock()
	r.writing[path] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.writing, path)
		r.mu.Unlock()
	}()

	written, copyErr := copyChunked(ctx, f, body)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			r.logger.Error("Failed to delete partial copy", "path", path, "error", rmErr)
		}
		return nil, fmt.Errorf("%w: copy of %s failed after %d bytes: %v", ErrSourceUnavailable, src, written, copyErr)
	}

	r.logger.Debug("Materialized document", "source", src.String(), "path", path, "bytes", written)
	return &Local{Path: path, Temporary: true}, nil
}

func copyChunked(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			w, err := dst.Write(buf[:n])
			written += int64(w)
			if err != nil {
				return written, err
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
