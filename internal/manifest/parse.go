package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
)

// LoaderVanilla names instances without a mod loader
const LoaderVanilla = "vanilla"

// Index is the top-level version_manifest.json listing all instances
type Index struct {
	Instances []IndexEntry `json:"instances"`
}

// IndexEntry describes one instance in the index
type IndexEntry struct {
	Name             string `json:"name"`
	MinecraftVersion string `json:"minecraft_version"`
	LoaderName       string `json:"loader_name"`
	LoaderVersion    string `json:"loader_version"`
	Manifest         string `json:"manifest,omitempty"`
	// Metadata points at loader version metadata that inherits from a vanilla
	// version; used only when no per-instance manifest is published
	Metadata string `json:"metadata,omitempty"`
}

// IsVanilla reports whether the instance runs without a mod loader
func (e IndexEntry) IsVanilla() bool {
	return e.LoaderName == "" || strings.EqualFold(e.LoaderName, LoaderVanilla)
}

// ManifestURL resolves the per-instance manifest location against the index URL.
// Instances without an explicit manifest that are vanilla or carry loader
// metadata return "" and are resolved from version metadata instead.
func (e IndexEntry) ManifestURL(indexURL string) (string, error) {
	ref := e.Manifest
	if ref == "" {
		if e.IsVanilla() || e.Metadata != "" {
			return "", nil
		}
		ref = path.Join("instances", e.Name, "manifest.json")
	}
	return resolveRef(indexURL, ref)
}

// MetadataURL resolves the loader metadata reference against the index URL
func (e IndexEntry) MetadataURL(indexURL string) (string, error) {
	if e.Metadata == "" {
		return "", nil
	}
	return resolveRef(indexURL, e.Metadata)
}

func resolveRef(indexURL, ref string) (string, error) {
	base, err := url.Parse(indexURL)
	if err != nil {
		return "", fmt.Errorf("invalid index url %q: %w", indexURL, err)
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	return base.ResolveReference(rel).String(), nil
}

// Find returns the index entry for name
func (idx *Index) Find(name string) (IndexEntry, bool) {
	for _, e := range idx.Instances {
		if e.Name == name {
			return e, true
		}
	}
	return IndexEntry{}, false
}

// ParseIndex decodes version_manifest.json
func ParseIndex(r io.Reader) (*Index, error) {
	var idx Index
	if err := json.NewDecoder(r).Decode(&idx); err != nil {
		return nil, fmt.Errorf("failed to parse index: %w", err)
	}
	return &idx, nil
}

// rawManifest is the wire form, which may carry include rules alongside files
type rawManifest struct {
	InstanceManifest
	Include []IncludeRule `json:"include,omitempty"`
}

// Parse decodes a per-instance manifest, expands include rules into file
// entries and delete scopes, and fills in default policy and category.
// It does not validate; call Validate before using the result.
func Parse(r io.Reader) (*InstanceManifest, error) {
	var raw rawManifest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	m := raw.InstanceManifest
	for _, rule := range raw.Include {
		files, scope := rule.Expand()
		m.Files = append(m.Files, files...)
		if scope != nil {
			m.DeleteScopes = append(m.DeleteScopes, *scope)
		}
	}
	m.ApplyDefaults()
	return &m, nil
}

// ApplyDefaults fills empty policies and categories
func (m *InstanceManifest) ApplyDefaults() {
	for i := range m.Files {
		if m.Files[i].Policy == "" {
			m.Files[i].Policy = OverwriteIfHashMismatch
		}
		if m.Files[i].Category == "" {
			m.Files[i].Category = UserInclude
		}
	}
}

// Overwrites returns the rule's overwrite flag, defaulting to true
func (r IncludeRule) Overwrites() bool {
	return r.Overwrite == nil || *r.Overwrite
}

// Expand turns an include rule into user_include entries and, when the rule
// both overwrites and deletes extras, a delete scope rooted at the rule path.
func (r IncludeRule) Expand() ([]FileEntry, *DeleteScope) {
	policy := OverwriteIfHashMismatch
	if !r.Overwrites() {
		policy = PreserveIfExists
	}

	objects := append([]IncludeObject(nil), r.Objects...)
	sort.Slice(objects, func(i, j int) bool { return objects[i].Path < objects[j].Path })

	files := make([]FileEntry, 0, len(objects))
	for _, obj := range objects {
		files = append(files, FileEntry{
			RelativePath: obj.Path,
			SourceURL:    obj.URL,
			ExpectedHash: obj.SHA1,
			Size:         obj.Size,
			Policy:       policy,
			Category:     UserInclude,
		})
	}

	if r.DeleteExtra && r.Overwrites() {
		return files, &DeleteScope{Root: strings.TrimSuffix(r.Path, "/"), Recursive: r.Recursive}
	}
	return files, nil
}
