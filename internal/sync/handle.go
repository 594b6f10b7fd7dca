package sync

import (
	"context"

	"github.com/potato-launcher/instancesync/internal/manifest"
)

// Handle is a sync session running in the background
type Handle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	reports []InstanceReport
	err     error
}

// Start runs Sync in the background
func (e *Engine) Start(ctx context.Context, manifests []*manifest.InstanceManifest, rootDir string, opts Options) *Handle {
	return start(ctx, func(ctx context.Context) ([]InstanceReport, error) {
		return e.Sync(ctx, manifests, rootDir, opts), nil
	})
}

// StartIndex runs SyncIndex in the background
func (e *Engine) StartIndex(ctx context.Context, rootDir string, opts Options) *Handle {
	return start(ctx, func(ctx context.Context) ([]InstanceReport, error) {
		return e.SyncIndex(ctx, rootDir, opts)
	})
}

func start(parent context.Context, fn func(context.Context) ([]InstanceReport, error)) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		h.reports, h.err = fn(ctx)
	}()
	return h
}

// Cancel stops the session. In-flight attempts finish as cancelled, partial
// downloads are kept for resume and deletions are skipped.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the session has finished
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the session finishes and returns its reports
func (h *Handle) Wait() ([]InstanceReport, error) {
	<-h.done
	return h.reports, h.err
}
