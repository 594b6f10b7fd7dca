// Package download executes sync plans: adaptive concurrent fetches with
// verification, retry and atomic install, followed by scoped deletion.
package download

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/potato-launcher/instancesync/internal/integrity"
	"github.com/potato-launcher/instancesync/internal/logfields"
	"github.com/potato-launcher/instancesync/internal/metrics"
	"github.com/potato-launcher/instancesync/internal/plan"
	"github.com/potato-launcher/instancesync/internal/syncerr"
)

// Downloader executes plans against an instance root
type Downloader struct {
	fs       afero.Fs
	client   *http.Client
	logger   *slog.Logger
	recorder metrics.Recorder
	now      func() time.Time
}

// New creates a downloader. A nil client uses a transport without an overall
// timeout; attempts are bounded by Options.AttemptTimeout instead.
func New(fs afero.Fs, client *http.Client, logger *slog.Logger, recorder metrics.Recorder) *Downloader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Downloader{fs: fs, client: client, logger: logger, recorder: recorder, now: time.Now}
}

// Execute fetches every entry in p.ToFetch, then deletes p.ToDelete. Per-file
// failures are collected in the report; the returned error is reserved for
// problems that prevent execution altogether.
func (d *Downloader) Execute(ctx context.Context, root string, p *plan.Plan, opts Options) (*Report, error) {
	opts = opts.withDefaults()
	resolver, err := NewResolver(opts.Mirror)
	if err != nil {
		return nil, err
	}

	start := d.now()
	logger := d.logger.With(logfields.Instance(p.Instance))
	r := &run{
		d:        d,
		opts:     opts,
		logger:   logger,
		instance: p.Instance,
		report:   &Report{},
		ctrl: NewController(opts.InitialConcurrency, opts.MinConcurrency, opts.MaxConcurrency,
			opts.Window, opts.ErrorRateThreshold, start),
		fetcher: &fetcher{
			fs:          d.fs,
			client:      d.client,
			resolver:    resolver,
			verifier:    integrity.NewVerifier(d.fs),
			limiter:     newLimiter(opts.BandwidthCap),
			token:       opts.Token,
			timeout:     opts.AttemptTimeout,
			root:        root,
			transferred: &atomic.Int64{},
		},
		total:      len(p.ToFetch) + len(p.ToDelete),
		bytesTotal: p.FetchBytes(),
	}

	for _, entry := range p.ToFetch {
		u, err := resolver.Resolve(entry)
		t := NewTask(entry, u)
		if err != nil {
			_ = t.Start()
			_, _ = t.Fail(err, 0)
			r.finish(t)
			continue
		}
		r.queue = append(r.queue, t)
	}

	r.emit(Progress{Kind: ProgressStarted})
	d.recorder.SetConcurrency(p.Instance, r.ctrl.Limit())
	r.dispatch(ctx)

	if ctx.Err() != nil {
		r.report.Interrupted = true
		logger.Warn("sync interrupted, skipping deletions", logfields.Error(ctx.Err()))
	} else {
		r.deleteAll(root, p)
	}

	r.report.BytesTransferred = r.fetcher.transferred.Load()
	r.report.PeakConcurrency = r.ctrl.Peak()
	r.report.FinalConcurrency = r.ctrl.Limit()
	r.report.Duration = d.now().Sub(start)
	d.recorder.AddBytes(p.Instance, r.report.BytesTransferred)
	r.emit(Progress{Kind: ProgressFinished})

	sort.Slice(r.report.Installed, func(i, j int) bool { return r.report.Installed[i].Path < r.report.Installed[j].Path })
	sort.Slice(r.report.Failures, func(i, j int) bool { return r.report.Failures[i].Path < r.report.Failures[j].Path })
	sort.Strings(r.report.Cancelled)
	return r.report, nil
}

// run is the state of one Execute call. Only the dispatch goroutine touches it.
type run struct {
	d        *Downloader
	opts     Options
	logger   *slog.Logger
	instance string
	report   *Report
	ctrl     *Controller
	fetcher  *fetcher

	queue    []*Task
	delayed  []*Task
	inFlight int

	completed  int
	total      int
	bytesTotal int64
}

func (r *run) dispatch(ctx context.Context) {
	results := make(chan attemptResult)
	ticker := time.NewTicker(r.opts.ProgressInterval)
	defer ticker.Stop()

	var (
		retryTimer *time.Timer
		retryC     <-chan time.Time
	)
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}()

	done := ctx.Done()
	for {
		if ctx.Err() == nil {
			for r.inFlight < r.ctrl.Limit() && len(r.queue) > 0 {
				t := r.queue[0]
				r.queue = r.queue[1:]
				if err := t.Start(); err != nil {
					r.logger.Error("task out of order", logfields.Error(err))
					continue
				}
				r.inFlight++
				go func(t *Task) {
					results <- r.fetcher.fetch(ctx, t)
				}(t)
			}
		} else if r.inFlight == 0 {
			r.cancelRemaining(ctx.Err())
			return
		}

		if r.inFlight == 0 && len(r.queue) == 0 && len(r.delayed) == 0 {
			return
		}

		if retryC == nil && len(r.delayed) > 0 && ctx.Err() == nil {
			wait := r.nextReady().Sub(r.d.now())
			if wait < 0 {
				wait = 0
			}
			retryTimer = time.NewTimer(wait)
			retryC = retryTimer.C
		}

		select {
		case res := <-results:
			r.inFlight--
			waiting := len(r.delayed)
			r.handle(res)
			if len(r.delayed) != waiting && retryTimer != nil {
				// re-arm for the earliest retry
				retryTimer.Stop()
				retryC = nil
			}
		case <-retryC:
			retryC = nil
			r.promoteReady()
		case <-ticker.C:
			r.emit(Progress{Kind: ProgressBytes})
		case <-done:
			// wait for in-flight workers to observe cancellation
			done = nil
			if retryTimer != nil {
				retryTimer.Stop()
				retryC = nil
			}
		}
	}
}

func (r *run) handle(res attemptResult) {
	t := res.task
	now := r.d.now()

	if res.err == nil {
		_ = t.Succeed()
		r.report.Installed = append(r.report.Installed, Installed{
			Path:     t.Entry.RelativePath,
			Digest:   res.digest,
			Size:     res.size,
			Attempts: t.Attempts,
		})
		r.observe(res.bytes, false, now)
		r.finish(t)
		return
	}

	if syncerr.IsCancelled(res.err) {
		_ = t.Cancel(res.err)
		r.finish(t)
		return
	}

	r.observe(res.bytes, true, now)
	state, _ := t.Fail(res.err, r.opts.MaxRetries)
	if state == Retrying {
		delay := t.ScheduleRetry(now, r.opts.BackoffInitial, r.opts.BackoffMax)
		r.delayed = append(r.delayed, t)
		r.d.recorder.IncRetry(r.instance, string(syncerr.KindOf(res.err)))
		r.logger.Debug("retrying download",
			logfields.Path(t.Entry.RelativePath),
			logfields.Attempt(t.Attempts),
			logfields.Error(res.err),
			"delay", delay)
		r.emit(Progress{Kind: ProgressRetrying, Path: t.Entry.RelativePath, Attempt: t.Attempts, Err: res.err})
		return
	}
	r.finish(t)
}

// finish records a task that reached a terminal state
func (r *run) finish(t *Task) {
	rel := t.Entry.RelativePath
	switch t.State {
	case Succeeded:
		r.completed++
		r.d.recorder.IncFileResult(r.instance, metrics.ResultInstalled)
		r.logger.Debug("installed file", logfields.Path(rel), logfields.Attempt(t.Attempts))
		r.emit(Progress{Kind: ProgressInstalled, Path: rel, Attempt: t.Attempts})
	case Failed:
		r.completed++
		r.report.Failures = append(r.report.Failures, Failure{
			Path:     rel,
			Kind:     syncerr.KindOf(t.LastErr),
			Attempts: t.Attempts,
			Err:      t.LastErr,
		})
		r.d.recorder.IncFileResult(r.instance, metrics.ResultFailed)
		r.logger.Warn("download failed",
			logfields.Path(rel),
			logfields.Attempt(t.Attempts),
			logfields.Kind(string(syncerr.KindOf(t.LastErr))),
			logfields.Error(t.LastErr))
		r.emit(Progress{Kind: ProgressFailed, Path: rel, Attempt: t.Attempts, Err: t.LastErr})
	case Cancelled:
		r.report.Cancelled = append(r.report.Cancelled, rel)
		r.d.recorder.IncFileResult(r.instance, metrics.ResultCancelled)
		r.emit(Progress{Kind: ProgressCancelled, Path: rel})
	}
}

func (r *run) observe(n int64, failed bool, now time.Time) {
	before := r.ctrl.Limit()
	if !r.ctrl.Observe(n, failed, now) {
		return
	}
	r.d.recorder.SetConcurrency(r.instance, r.ctrl.Limit())
	r.logger.Debug("adjusted concurrency",
		"from", before,
		logfields.Concurrency(r.ctrl.Limit()))
	r.emit(Progress{Kind: ProgressConcurrency})
}

func (r *run) nextReady() time.Time {
	next := r.delayed[0].ReadyAt
	for _, t := range r.delayed[1:] {
		if t.ReadyAt.Before(next) {
			next = t.ReadyAt
		}
	}
	return next
}

// promoteReady moves retries whose backoff elapsed back onto the queue
func (r *run) promoteReady() {
	now := r.d.now()
	waiting := r.delayed[:0]
	for _, t := range r.delayed {
		if !t.ReadyAt.After(now) {
			r.queue = append(r.queue, t)
		} else {
			waiting = append(waiting, t)
		}
	}
	r.delayed = waiting
}

func (r *run) cancelRemaining(cause error) {
	for _, t := range append(r.queue, r.delayed...) {
		_ = t.Cancel(syncerr.Cancelled(t.Entry.RelativePath, cause))
		r.finish(t)
	}
	r.queue, r.delayed = nil, nil
}

func (r *run) emit(p Progress) {
	if r.opts.OnProgress == nil {
		return
	}
	p.FilesCompleted = r.completed
	p.FilesTotal = r.total
	p.BytesTransferred = r.fetcher.transferred.Load()
	p.BytesTotal = r.bytesTotal
	p.Concurrency = r.ctrl.Limit()
	r.opts.OnProgress(p)
}
