package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/potato-launcher/instancesync/internal/download"
	"github.com/potato-launcher/instancesync/internal/extract"
	"github.com/potato-launcher/instancesync/internal/logfields"
	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/metrics"
	"github.com/potato-launcher/instancesync/internal/plan"
	"github.com/potato-launcher/instancesync/internal/state"
	"github.com/potato-launcher/instancesync/internal/syncerr"
	"github.com/potato-launcher/instancesync/internal/telemetry"
)

// DefaultParallelInstances bounds how many instances sync at once
const DefaultParallelInstances = 2

// ErrNoSource is returned by SyncIndex when the engine has no manifest source
var ErrNoSource = errors.New("no manifest source configured")

// Source is where SyncIndex reads the instance index and manifests from
type Source interface {
	manifest.Source
	IndexURL() string
}

// Resolver builds manifests for instances that publish none
type Resolver interface {
	Instance(ctx context.Context, entry manifest.IndexEntry, indexURL string) (*manifest.InstanceManifest, error)
}

// Options tunes one sync session
type Options struct {
	// DryRun stops after planning
	DryRun bool
	// Verify re-hashes every installed file instead of trusting the lockfile
	Verify bool
	// Force ignores the lockfile and rebuilds it from disk
	Force bool
	// ParallelInstances bounds concurrent instance syncs
	ParallelInstances int
	// Instances restricts SyncIndex to the named instances; empty means all
	Instances []string
	Download  download.Options
	// Sink receives progress events; it is called concurrently for different instances
	Sink Sink
}

// Engine orchestrates instance syncs
type Engine struct {
	fs         afero.Fs
	store      *state.Store
	downloader *download.Downloader
	extractor  *extract.Extractor
	recorder   metrics.Recorder
	logger     *slog.Logger
	source     Source
	resolver   Resolver
	now        func() time.Time
}

// NewEngine creates a new sync engine
func NewEngine(fs afero.Fs, store *state.Store, downloader *download.Downloader, recorder metrics.Recorder, logger *slog.Logger) *Engine {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Engine{
		fs:         fs,
		store:      store,
		downloader: downloader,
		extractor:  extract.New(fs),
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
	}
}

// WithSource sets where SyncIndex reads manifests from and how instances
// without a published manifest are resolved
func (e *Engine) WithSource(src Source, resolver Resolver) *Engine {
	e.source = src
	e.resolver = resolver
	return e
}

// job is one instance to sync; load yields its manifest
type job struct {
	name string
	load func(ctx context.Context) (*manifest.InstanceManifest, error)
}

// Sync brings every manifest's instance under rootDir in line. Instances are
// independent: a failure in one is reported and never stops the others.
func (e *Engine) Sync(ctx context.Context, manifests []*manifest.InstanceManifest, rootDir string, opts Options) []InstanceReport {
	jobs := make([]job, 0, len(manifests))
	for _, m := range manifests {
		jobs = append(jobs, job{
			name: m.Name,
			load: func(context.Context) (*manifest.InstanceManifest, error) { return m, nil },
		})
	}
	return e.run(ctx, jobs, rootDir, opts)
}

// SyncIndex fetches the index and the selected instance manifests fresh and
// syncs them. Only a failure to read the index itself is returned as error;
// per-instance manifest failures are fatal instance reports.
func (e *Engine) SyncIndex(ctx context.Context, rootDir string, opts Options) ([]InstanceReport, error) {
	if e.source == nil {
		return nil, ErrNoSource
	}
	idx, err := e.source.FetchIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instance index: %w", err)
	}

	var jobs []job
	for _, name := range selectInstances(idx, opts.Instances) {
		entry, ok := idx.Find(name)
		jobs = append(jobs, job{
			name: name,
			load: func(ctx context.Context) (*manifest.InstanceManifest, error) {
				if !ok {
					return nil, syncerr.Manifest(name, "instance not in index")
				}
				return e.loadManifest(ctx, entry)
			},
		})
	}
	return e.run(ctx, jobs, rootDir, opts), nil
}

func selectInstances(idx *manifest.Index, want []string) []string {
	if len(want) > 0 {
		return want
	}
	names := make([]string, 0, len(idx.Instances))
	for _, entry := range idx.Instances {
		names = append(names, entry.Name)
	}
	return names
}

func (e *Engine) loadManifest(ctx context.Context, entry manifest.IndexEntry) (*manifest.InstanceManifest, error) {
	manifestURL, err := entry.ManifestURL(e.source.IndexURL())
	if err != nil {
		return nil, syncerr.Manifest(entry.Name, "%v", err)
	}
	if manifestURL != "" {
		return e.source.FetchInstance(ctx, entry)
	}
	if e.resolver == nil {
		return nil, syncerr.Manifest(entry.Name, "instance publishes no manifest and no version resolver is configured")
	}
	return e.resolver.Instance(ctx, entry, e.source.IndexURL())
}

func (e *Engine) run(ctx context.Context, jobs []job, rootDir string, opts Options) []InstanceReport {
	sessionID := uuid.NewString()
	limit := opts.ParallelInstances
	if limit <= 0 {
		limit = DefaultParallelInstances
	}

	e.logger.Info("starting sync session",
		logfields.Session(sessionID),
		"instances", len(jobs),
		"dry_run", opts.DryRun,
		"verify", opts.Verify)

	reports := make([]InstanceReport, len(jobs))
	claimed := make(map[string]bool, len(jobs))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, j := range jobs {
		if claimed[j.name] {
			reports[i] = InstanceReport{SessionID: sessionID, Instance: j.name,
				Fatal: syncerr.Manifest(j.name, "instance listed twice in one session")}
			continue
		}
		claimed[j.name] = true
		g.Go(func() error {
			reports[i] = e.syncInstance(ctx, sessionID, j, rootDir, opts)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range reports {
		if !r.OK() {
			failed++
		}
	}
	e.logger.Info("sync session finished",
		logfields.Session(sessionID),
		"instances", len(reports),
		"failed", failed)
	return reports
}

func (e *Engine) syncInstance(ctx context.Context, sessionID string, j job, rootDir string, opts Options) InstanceReport {
	start := e.now()
	report := InstanceReport{SessionID: sessionID, Instance: j.name, DryRun: opts.DryRun}
	logger := e.logger.With(logfields.Session(sessionID), logfields.Instance(j.name))
	emit := newEmitter(opts.Sink, sessionID, j.name)

	ctx, span := telemetry.Tracer().Start(ctx, "instancesync.instance",
		trace.WithAttributes(
			attribute.String("instancesync.session", sessionID),
			attribute.String("instancesync.instance", j.name),
			attribute.Bool("instancesync.dry_run", opts.DryRun),
		))
	defer span.End()

	fail := func(err error) InstanceReport {
		report.Fatal = err
		report.Duration = e.now().Sub(start)
		logger.Error("instance sync failed", logfields.Kind(string(syncerr.KindOf(err))), logfields.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		emit.send(Event{Kind: EventFailed, Err: err})
		e.recorder.ObserveSyncDuration(j.name, report.Duration, false)
		return report
	}

	// cancellation is not a failure: the instance is left as it was
	interrupt := func(err error) InstanceReport {
		report.Interrupted = true
		report.Duration = e.now().Sub(start)
		logger.Warn("instance sync interrupted", logfields.Error(err))
		span.SetAttributes(attribute.Bool("instancesync.interrupted", true))
		emit.send(Event{Kind: EventInterrupted, Err: err})
		e.recorder.ObserveSyncDuration(j.name, report.Duration, false)
		return report
	}

	emit.send(Event{Kind: EventPlanning})

	m, err := j.load(ctx)
	if err != nil {
		if ctx.Err() != nil || syncerr.IsCancelled(err) {
			return interrupt(err)
		}
		return fail(err)
	}
	if err := m.Validate(); err != nil {
		return fail(err)
	}
	if m.Name != j.name {
		return fail(syncerr.Manifest(j.name, "manifest describes instance %q", m.Name))
	}

	if err := ctx.Err(); err != nil {
		return interrupt(err)
	}

	root := filepath.Join(rootDir, m.Name)
	if !opts.DryRun {
		if err := e.fs.MkdirAll(root, 0o755); err != nil {
			return fail(syncerr.Filesystem("mkdir", root, err))
		}
	}

	prev := e.loadState(logger, m.Name, opts.Force)

	snap, err := plan.Scan(ctx, e.fs, root, m, prev, plan.ScanOptions{Verify: opts.Verify})
	if err != nil {
		if ctx.Err() != nil {
			return interrupt(syncerr.Cancelled(root, ctx.Err()))
		}
		return fail(fmt.Errorf("failed to scan instance: %w", err))
	}
	p, err := plan.Build(m, prev, m.DeleteScopes, snap)
	if err != nil {
		return fail(fmt.Errorf("failed to build sync plan: %w", err))
	}
	report.Plan = p

	logger.Info("sync plan",
		"fetch", len(p.ToFetch),
		"delete", len(p.ToDelete),
		"adopt", len(p.Adopt),
		"preserved", len(p.Preserved),
		"unchanged", p.Unchanged,
		logfields.Bytes(p.FetchBytes()))
	span.SetAttributes(
		attribute.Int("instancesync.fetch", len(p.ToFetch)),
		attribute.Int("instancesync.delete", len(p.ToDelete)),
	)
	emit.send(Event{Kind: EventPlanned, FilesTotal: len(p.ToFetch) + len(p.ToDelete), BytesTotal: p.FetchBytes()})

	if opts.DryRun {
		e.logPlanDetails(logger, p)
		logger.Info("dry-run complete, no changes applied")
		report.Duration = e.now().Sub(start)
		emit.send(Event{Kind: EventDone})
		return report
	}

	dlOpts := opts.Download
	if dlOpts.Mirror.ResourcesURLBase == "" {
		dlOpts.Mirror.ResourcesURLBase = m.ResourcesURLBase
	}
	dlOpts.OnProgress = emit.progress

	rep, err := e.downloader.Execute(ctx, root, p, dlOpts)
	if err != nil {
		if ctx.Err() != nil {
			return interrupt(err)
		}
		return fail(fmt.Errorf("failed to execute sync plan: %w", err))
	}
	report.Download = rep
	report.Interrupted = rep.Interrupted

	if !rep.Interrupted {
		report.Extracted, report.ExtractFailures = e.extractArchives(root, m, p, rep, emit, logger)
	}

	next := rebuildState(prev, m, snap, p, rep, e.now())
	if err := e.store.Save(next); err != nil {
		return fail(syncerr.Filesystem("save", e.store.Path(m.Name), err))
	}
	for range p.Adopt {
		e.recorder.IncFileResult(m.Name, metrics.ResultAdopted)
	}

	report.Duration = e.now().Sub(start)
	e.recorder.ObserveSyncDuration(m.Name, report.Duration, report.OK())

	if !report.OK() {
		span.SetStatus(codes.Error, "sync incomplete")
	}
	logger.Info("instance sync finished",
		"installed", report.Installed(),
		"skipped", report.Skipped(),
		"deleted", report.Deleted(),
		"failed", report.Failed(),
		"cancelled", len(rep.Cancelled),
		logfields.Bytes(rep.BytesTransferred),
		"duration", report.Duration)
	if report.Interrupted {
		emit.send(Event{Kind: EventInterrupted, BytesTransferred: rep.BytesTransferred})
		return report
	}
	emit.send(Event{Kind: EventDone, BytesTransferred: rep.BytesTransferred})
	return report
}

// extractArchives unpacks every entry with an extract directory whose archive
// is in place after execution. Archives that failed to download are skipped;
// they are already reported as download failures.
func (e *Engine) extractArchives(root string, m *manifest.InstanceManifest, p *plan.Plan, rep *download.Report, emit *emitter, logger *slog.Logger) ([]string, []download.Failure) {
	missing := make(map[string]struct{}, len(p.ToFetch))
	for _, f := range p.ToFetch {
		missing[f.RelativePath] = struct{}{}
	}
	for _, in := range rep.Installed {
		delete(missing, in.Path)
	}

	var (
		extracted []string
		failures  []download.Failure
	)
	for _, f := range m.Files {
		if f.ExtractTo == "" {
			continue
		}
		if _, ok := missing[f.RelativePath]; ok {
			continue
		}

		res, err := e.unpack(root, f)
		if err != nil {
			logger.Error("failed to extract archive", logfields.Path(f.RelativePath), logfields.Error(err))
			failures = append(failures, download.Failure{Path: f.RelativePath, Kind: syncerr.KindOf(err), Attempts: 1, Err: err})
			continue
		}
		if len(res.Skipped) > 0 {
			logger.Warn("skipped unsafe archive entries", logfields.Path(f.RelativePath), "entries", res.Skipped)
		}
		logger.Debug("archive extracted", logfields.Path(f.RelativePath), "dir", f.ExtractTo, "files", res.Files)
		extracted = append(extracted, f.RelativePath)
		emit.send(Event{Kind: EventExtracted, Path: f.RelativePath})
	}
	return extracted, failures
}

func (e *Engine) unpack(root string, f manifest.FileEntry) (extract.Result, error) {
	archive, err := manifest.ResolvePath(root, f.RelativePath)
	if err != nil {
		return extract.Result{}, err
	}
	dest, err := manifest.ResolvePath(root, f.ExtractTo)
	if err != nil {
		return extract.Result{}, err
	}
	return e.extractor.Zip(archive, dest)
}

// loadState reads the lockfile; a corrupt lockfile is treated as a fresh sync
func (e *Engine) loadState(logger *slog.Logger, instance string, force bool) *state.State {
	if force {
		logger.Info("ignoring lockfile", "path", e.store.Path(instance))
		return state.New(instance)
	}
	st, err := e.store.Load(instance)
	if err != nil {
		logger.Warn("failed to load previous state (will treat as fresh sync)", logfields.Error(err))
		return state.New(instance)
	}
	return st
}

func (e *Engine) logPlanDetails(logger *slog.Logger, p *plan.Plan) {
	for _, f := range p.ToFetch {
		logger.Info("would fetch file", logfields.Path(f.RelativePath), logfields.Bytes(f.Size))
	}
	for _, rel := range p.ToDelete {
		logger.Info("would delete file", logfields.Path(rel))
	}
	for _, a := range p.Adopt {
		logger.Info("would adopt file", logfields.Path(a.Path))
	}
}
