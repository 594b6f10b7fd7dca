package vanilla

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/potato-launcher/instancesync/internal/integrity"
	"github.com/potato-launcher/instancesync/internal/logfields"
	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/syncerr"
)

const (
	maxDocumentSize = 64 << 20
	maxInheritance  = 8
	fetchAttempts   = 3
)

// Opener fetches a document by URL
type Opener interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// Option configures a Resolver
type Option func(*Resolver)

// WithManifestURL overrides the public version manifest location
func WithManifestURL(u string) Option {
	return func(r *Resolver) { r.manifestURL = u }
}

// WithPlatform resolves libraries for p instead of the running machine
func WithPlatform(p Platform) Option {
	return func(r *Resolver) { r.platform = p }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver turns version metadata into file entries
type Resolver struct {
	src         Opener
	manifestURL string
	platform    Platform
	logger      *slog.Logger
	retryDelay  time.Duration

	mu       sync.Mutex
	versions *VersionManifest
}

// NewResolver creates a resolver reading documents through src
func NewResolver(src Opener, opts ...Option) *Resolver {
	r := &Resolver{
		src:         src,
		manifestURL: DefaultManifestURL,
		platform:    CurrentPlatform(),
		logger:      slog.Default(),
		retryDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Version is a loaded metadata document and where it came from
type Version struct {
	Meta *VersionMetadata
	URL  string
	SHA1 string
	Size int64
	// Upstream is set for documents listed in the public version manifest
	Upstream bool
}

// Manifest returns the public version manifest, fetched once per resolver
func (r *Resolver) Manifest(ctx context.Context) (*VersionManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.versions != nil {
		return r.versions, nil
	}

	data, err := r.fetch(ctx, r.manifestURL)
	if err != nil {
		return nil, err
	}
	var m VersionManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &syncerr.Error{Kind: syncerr.KindManifest, Op: "parse", URL: r.manifestURL, Err: err}
	}
	r.versions = &m
	return r.versions, nil
}

// Load fetches the metadata of a version listed in the public manifest and
// checks it against the published hash
func (r *Resolver) Load(ctx context.Context, id string) (Version, error) {
	m, err := r.Manifest(ctx)
	if err != nil {
		return Version{}, err
	}
	ref, ok := m.Find(id)
	if !ok {
		return Version{}, syncerr.Manifest(id, "unknown minecraft version")
	}

	v, err := r.loadDocument(ctx, ref.URL, ref.SHA1)
	if err != nil {
		return Version{}, err
	}
	v.Upstream = true
	return v, nil
}

// LoadURL fetches a metadata document published outside the public manifest,
// typically loader metadata on the distribution server
func (r *Resolver) LoadURL(ctx context.Context, url string) (Version, error) {
	return r.loadDocument(ctx, url, "")
}

func (r *Resolver) loadDocument(ctx context.Context, url, want string) (Version, error) {
	data, err := r.fetch(ctx, url)
	if err != nil {
		return Version{}, err
	}
	sum, err := checkSum(url, data, want)
	if err != nil {
		return Version{}, err
	}

	var meta VersionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Version{}, &syncerr.Error{Kind: syncerr.KindManifest, Op: "parse", URL: url, Err: err}
	}
	if meta.ID == "" {
		return Version{}, syncerr.Manifest(url, "version metadata without id")
	}
	return Version{Meta: &meta, URL: url, SHA1: sum, Size: int64(len(data))}, nil
}

// Chain follows inheritsFrom from child up to its vanilla base. The result is
// ordered parent first.
func (r *Resolver) Chain(ctx context.Context, child Version) ([]Version, error) {
	chain := []Version{child}
	seen := map[string]bool{child.Meta.ID: true}
	for cur := child; cur.Meta.InheritsFrom != ""; {
		parentID := cur.Meta.InheritsFrom
		if seen[parentID] || len(chain) >= maxInheritance {
			return nil, syncerr.Manifest(child.Meta.ID, "inheritance loop through %s", parentID)
		}
		seen[parentID] = true

		parent, err := r.Load(ctx, parentID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Files resolves a parent-first chain into file entries: version documents,
// the client jar, platform libraries and natives, the asset index and every
// asset object. Libraries of later documents override earlier ones with the
// same group and artifact.
func (r *Resolver) Files(ctx context.Context, chain []Version, resourcesBase string) ([]manifest.FileEntry, error) {
	if len(chain) == 0 {
		return nil, errors.New("empty version chain")
	}
	if resourcesBase == "" {
		resourcesBase = DefaultResourcesURLBase
	}
	base, top := chain[0], chain[len(chain)-1]
	c := &collector{index: make(map[string]bool)}

	for _, v := range chain {
		category := manifest.LoaderArtifact
		if v.Upstream {
			category = manifest.VanillaLibrary
		}
		id := v.Meta.ID
		c.add(manifest.FileEntry{
			RelativePath: "versions/" + id + "/" + id + ".json",
			SourceURL:    v.URL,
			ExpectedHash: v.SHA1,
			Size:         v.Size,
			Category:     category,
		})
	}

	if base.Meta.Downloads == nil || base.Meta.Downloads.Client == nil {
		return nil, syncerr.Manifest(base.Meta.ID, "missing client download")
	}
	client := base.Meta.Downloads.Client
	topID := top.Meta.ID
	c.add(manifest.FileEntry{
		RelativePath: "versions/" + topID + "/" + topID + ".jar",
		SourceURL:    client.URL,
		ExpectedHash: client.SHA1,
		Size:         client.Size,
		Category:     manifest.VanillaLibrary,
	})

	if err := r.libraries(ctx, chain, c); err != nil {
		return nil, err
	}
	if err := r.assets(ctx, base, resourcesBase, c); err != nil {
		return nil, err
	}
	return c.files, nil
}

// NativesDir is where natives archives of version id are unpacked
func NativesDir(id string) string {
	return "versions/" + id + "/natives"
}

func (r *Resolver) libraries(ctx context.Context, chain []Version, c *collector) error {
	nativesDir := NativesDir(chain[0].Meta.ID)
	seen := make(map[string]bool)
	for i := len(chain) - 1; i >= 0; i-- {
		for _, lib := range chain[i].Meta.Libraries {
			if !RulesAllow(lib.Rules, r.platform) {
				continue
			}
			key := lib.Key()
			if seen[key] {
				r.logger.Debug("library overridden", "library", lib.Name, "version", chain[i].Meta.ID)
				continue
			}
			seen[key] = true

			art, ok, err := lib.Artifact()
			if err != nil {
				return syncerr.Manifest(chain[i].Meta.ID, "%v", err)
			}
			if ok {
				entry, err := r.libraryEntry(ctx, lib, art)
				if err != nil {
					return err
				}
				c.add(entry)
			}

			if native, ok := lib.Native(r.platform); ok {
				c.add(manifest.FileEntry{
					RelativePath: "libraries/" + native.Path,
					SourceURL:    native.URL,
					ExpectedHash: native.SHA1,
					Size:         native.Size,
					Category:     manifest.VanillaLibrary,
					ExtractTo:    nativesDir,
				})
			}
		}
	}
	return nil
}

// libraryEntry maps one artifact. Artifacts without a URL exist only on the
// distribution server; maven artifacts without a hash use the .sha1 sidecar.
func (r *Resolver) libraryEntry(ctx context.Context, lib Library, art Download) (manifest.FileEntry, error) {
	entry := manifest.FileEntry{
		RelativePath: "libraries/" + art.Path,
		SourceURL:    art.URL,
		ExpectedHash: art.SHA1,
		Size:         art.Size,
		Category:     manifest.VanillaLibrary,
	}
	if art.URL == "" {
		entry.Category = manifest.LoaderArtifact
	}
	if entry.ExpectedHash != "" {
		return entry, nil
	}
	if art.URL == "" {
		return entry, syncerr.Manifest(lib.Name, "library has neither url nor hash")
	}

	sidecar, err := r.fetch(ctx, art.URL+".sha1")
	if err != nil {
		return entry, fmt.Errorf("failed to fetch hash of %s: %w", lib.Name, err)
	}
	fields := strings.Fields(string(sidecar))
	if len(fields) == 0 {
		return entry, syncerr.Manifest(lib.Name, "empty .sha1 sidecar")
	}
	entry.ExpectedHash = strings.ToLower(fields[0])
	return entry, nil
}

func (r *Resolver) assets(ctx context.Context, base Version, resourcesBase string, c *collector) error {
	ref := base.Meta.AssetIndex
	if ref == nil {
		return syncerr.Manifest(base.Meta.ID, "missing asset index")
	}
	c.add(manifest.FileEntry{
		RelativePath: "assets/indexes/" + ref.ID + ".json",
		SourceURL:    ref.URL,
		ExpectedHash: ref.SHA1,
		Size:         ref.Size,
		Category:     manifest.VanillaAsset,
	})

	data, err := r.fetch(ctx, ref.URL)
	if err != nil {
		return err
	}
	if _, err := checkSum(ref.URL, data, ref.SHA1); err != nil {
		return err
	}
	var idx AssetIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return &syncerr.Error{Kind: syncerr.KindManifest, Op: "parse", URL: ref.URL, Err: err}
	}

	names := make([]string, 0, len(idx.Objects))
	for name := range idx.Objects {
		names = append(names, name)
	}
	sort.Strings(names)

	objects := strings.TrimSuffix(resourcesBase, "/")
	for _, name := range names {
		obj := idx.Objects[name]
		c.add(manifest.FileEntry{
			RelativePath: "assets/objects/" + obj.ObjectPath(),
			SourceURL:    objects + "/" + obj.ObjectPath(),
			ExpectedHash: obj.Hash,
			Size:         obj.Size,
			Category:     manifest.VanillaAsset,
		})
	}
	return nil
}

// Instance builds a manifest for an index entry without a published
// per-instance manifest, from loader metadata when the entry names one and
// from the public version manifest otherwise
func (r *Resolver) Instance(ctx context.Context, entry manifest.IndexEntry, indexURL string) (*manifest.InstanceManifest, error) {
	metadataURL, err := entry.MetadataURL(indexURL)
	if err != nil {
		return nil, syncerr.Manifest(entry.Name, "%v", err)
	}

	var child Version
	switch {
	case metadataURL != "":
		child, err = r.LoadURL(ctx, metadataURL)
	case entry.MinecraftVersion != "":
		child, err = r.Load(ctx, entry.MinecraftVersion)
	default:
		return nil, syncerr.Manifest(entry.Name, "no minecraft version")
	}
	if err != nil {
		return nil, err
	}

	chain, err := r.Chain(ctx, child)
	if err != nil {
		return nil, err
	}

	m := &manifest.InstanceManifest{
		Name:             entry.Name,
		MinecraftVersion: entry.MinecraftVersion,
		LoaderName:       entry.LoaderName,
		LoaderVersion:    entry.LoaderVersion,
	}
	if m.MinecraftVersion == "" {
		m.MinecraftVersion = chain[0].Meta.ID
	}
	m.Files, err = r.Files(ctx, chain, DefaultResourcesURLBase)
	if err != nil {
		return nil, err
	}
	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	r.logger.Info("resolved instance from version metadata",
		logfields.Instance(entry.Name),
		"version", child.Meta.ID,
		"files", len(m.Files))
	return m, nil
}

// fetch reads a whole document, retrying transient failures
func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.retryDelay,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         10 * r.retryDelay,
	}
	return backoff.Retry(ctx, func() ([]byte, error) {
		body, err := r.src.Open(ctx, url)
		if err != nil {
			if !syncerr.IsRetryable(err) || clientError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		defer func() { _ = body.Close() }()

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(body, maxDocumentSize)); err != nil {
			return nil, syncerr.Network(url, err)
		}
		return buf.Bytes(), nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(fetchAttempts))
}

func clientError(err error) bool {
	var se *syncerr.Error
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

// checkSum returns the sha1 of data and fails when want is set and differs
func checkSum(url string, data []byte, want string) (string, error) {
	got, _, err := integrity.HashReader(bytes.NewReader(data), integrity.SHA1)
	if err != nil {
		return "", err
	}
	sum := integrity.Format(got)
	if want != "" && !integrity.Equal(sum, want) {
		return "", &syncerr.Error{Kind: syncerr.KindIntegrity, Op: "verify", URL: url,
			Err: fmt.Errorf("expected %s, got %s", want, sum)}
	}
	return sum, nil
}

// collector keeps the first entry for every path
type collector struct {
	files []manifest.FileEntry
	index map[string]bool
}

func (c *collector) add(e manifest.FileEntry) {
	if c.index[e.RelativePath] {
		return
	}
	c.index[e.RelativePath] = true
	e.Policy = manifest.OverwriteIfHashMismatch
	c.files = append(c.files, e)
}
