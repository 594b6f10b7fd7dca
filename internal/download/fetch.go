package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/potato-launcher/instancesync/internal/integrity"
	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/plan"
	"github.com/potato-launcher/instancesync/internal/syncerr"
)

const copyBufferSize = 32 * 1024

// fetcher performs single download attempts. It is shared by all workers of
// one Execute call and holds no per-attempt state.
type fetcher struct {
	fs       afero.Fs
	client   *http.Client
	resolver *Resolver
	verifier *integrity.Verifier
	limiter  *rate.Limiter
	token    string
	timeout  time.Duration
	root     string
	// transferred counts body bytes received across all workers
	transferred *atomic.Int64
}

// attemptResult is what a worker reports back to the dispatcher
type attemptResult struct {
	task   *Task
	digest string
	size   int64
	bytes  int64
	err    error
}

// fetch downloads t into <dest>.part, verifies it and renames it over dest.
// A cancelled attempt keeps its temp file for a later resume; a corrupt one
// is discarded.
func (f *fetcher) fetch(ctx context.Context, t *Task) attemptResult {
	res := attemptResult{task: t}
	rel := t.Entry.RelativePath

	dest, err := manifest.ResolvePath(f.root, rel)
	if err != nil {
		res.err = err
		return res
	}
	tmp := dest + plan.TempSuffix

	if err := f.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		res.err = syncerr.Filesystem("mkdir", rel, err)
		return res
	}

	offset := f.partialSize(tmp)
	if t.Entry.Size > 0 && offset > t.Entry.Size {
		_ = f.fs.Remove(tmp)
		offset = 0
	}

	// A complete leftover needs no request
	if t.Entry.Size > 0 && offset == t.Entry.Size {
		res.digest, res.size, res.err = f.install(tmp, dest, t.Entry)
		return res
	}

	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	res.bytes, res.err = f.transfer(ctx, attemptCtx, t, tmp, offset)
	if res.err != nil {
		return res
	}
	res.digest, res.size, res.err = f.install(tmp, dest, t.Entry)
	return res
}

// transfer streams the response body into tmp, resuming from offset when the
// server honours the range request
func (f *fetcher) transfer(parent, ctx context.Context, t *Task, tmp string, offset int64) (int64, error) {
	rel := t.Entry.RelativePath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return 0, &syncerr.Error{Kind: syncerr.KindManifest, Op: "request", Path: rel, URL: t.URL, Err: err}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	if f.token != "" && f.resolver.Authorized(req.URL) {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, f.classify(parent, rel, t.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); !ok || start != offset {
			_ = f.fs.Remove(tmp)
			return 0, syncerr.Network(t.URL, fmt.Errorf("range response starts at %d, want %d", start, offset))
		}
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		// server ignored the range, start over
		flags |= os.O_TRUNC
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		_ = f.fs.Remove(tmp)
		return 0, syncerr.HTTPStatus(t.URL, resp.StatusCode)
	default:
		return 0, syncerr.HTTPStatus(t.URL, resp.StatusCode)
	}

	out, err := f.fs.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return 0, syncerr.Filesystem("open", rel, err)
	}

	var body io.Reader = &ctxReader{ctx: ctx, r: resp.Body}
	if f.limiter != nil {
		body = &throttledReader{ctx: ctx, r: body, limiter: f.limiter}
	}
	body = &countingReader{r: body, n: f.transferred}

	n, err := io.CopyBuffer(&fsWriter{w: out}, body, make([]byte, copyBufferSize))
	closeErr := out.Close()
	if err != nil {
		var we *writeError
		if errors.As(err, &we) {
			return n, syncerr.Filesystem("write", rel, we.err)
		}
		return n, f.classify(parent, rel, t.URL, err)
	}
	if closeErr != nil {
		return n, syncerr.Filesystem("close", rel, closeErr)
	}
	return n, nil
}

// install verifies tmp against the entry and atomically renames it over dest
func (f *fetcher) install(tmp, dest string, entry manifest.FileEntry) (string, int64, error) {
	rel := entry.RelativePath

	size, ok := f.verifier.Stat(tmp)
	if !ok {
		return "", 0, syncerr.Filesystem("stat", rel, fmt.Errorf("temp file missing"))
	}
	if entry.Size > 0 && size != entry.Size {
		_ = f.fs.Remove(tmp)
		return "", size, syncerr.Integrity(rel, fmt.Sprintf("%d bytes", entry.Size), fmt.Sprintf("%d bytes", size))
	}

	want, err := integrity.ParseDigest(entry.ExpectedHash)
	if err != nil {
		return "", size, syncerr.Manifest(rel, "malformed hash: %v", err)
	}
	got, err := f.verifier.Hash(tmp, want.Algorithm())
	if err != nil {
		return "", size, syncerr.Filesystem("read", rel, err)
	}
	if got != want {
		_ = f.fs.Remove(tmp)
		return "", size, syncerr.Integrity(rel, want.String(), got.String())
	}

	if err := f.fs.Rename(tmp, dest); err != nil {
		return "", size, syncerr.Filesystem("rename", rel, err)
	}
	return integrity.Format(got), size, nil
}

func (f *fetcher) partialSize(tmp string) int64 {
	size, ok := f.verifier.Stat(tmp)
	if !ok {
		return 0
	}
	return size
}

// classify maps a transport error to cancellation when the caller gave up and
// to a retryable network error otherwise (including per-attempt timeouts)
func (f *fetcher) classify(parent context.Context, rel, url string, err error) error {
	if parent.Err() != nil {
		return syncerr.Cancelled(rel, parent.Err())
	}
	return syncerr.Network(url, err)
}

func contentRangeStart(h string) (int64, bool) {
	// bytes 100-199/200
	spec, ok := strings.CutPrefix(h, "bytes ")
	if !ok {
		return 0, false
	}
	startStr, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

// ctxReader stops a transfer at the next read once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// throttledReader waits on a shared limiter for every chunk read
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// writeError tags errors from the destination so they are not mistaken for
// network failures
type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

type fsWriter struct{ w io.Writer }

func (w *fsWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if err != nil {
		return n, &writeError{err: err}
	}
	return n, nil
}

// newLimiter returns nil for an unlimited cap
func newLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(bytesPerSecond)
	if burst > copyBufferSize {
		burst = copyBufferSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}
