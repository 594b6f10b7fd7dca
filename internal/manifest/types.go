// Package manifest defines the per-instance file manifest consumed by the sync engine.
package manifest

import "encoding/json"

// InstallPolicy controls how an existing local file is treated
type InstallPolicy string

const (
	AlwaysOverwrite         InstallPolicy = "always_overwrite"
	PreserveIfExists        InstallPolicy = "preserve_if_exists"
	OverwriteIfHashMismatch InstallPolicy = "overwrite_if_hash_mismatch"
)

// Valid reports whether p is a known policy
func (p InstallPolicy) Valid() bool {
	switch p {
	case AlwaysOverwrite, PreserveIfExists, OverwriteIfHashMismatch:
		return true
	}
	return false
}

// Category tags an entry with where its bytes come from. Together with the
// mirror settings it decides the resolved download URL.
type Category string

const (
	VanillaAsset   Category = "vanilla_asset"
	VanillaLibrary Category = "vanilla_library"
	LoaderArtifact Category = "loader_artifact"
	UserInclude    Category = "user_include"
)

// Valid reports whether c is a known category
func (c Category) Valid() bool {
	switch c {
	case VanillaAsset, VanillaLibrary, LoaderArtifact, UserInclude:
		return true
	}
	return false
}

// IsVanilla reports whether the entry originates from the public vanilla CDN
func (c Category) IsVanilla() bool {
	return c == VanillaAsset || c == VanillaLibrary
}

// FileEntry is one file an instance requires
type FileEntry struct {
	RelativePath string        `json:"path"`
	SourceURL    string        `json:"url,omitempty"`
	ExpectedHash string        `json:"sha1"`
	Size         int64         `json:"size"`
	Policy       InstallPolicy `json:"policy,omitempty"`
	Category     Category      `json:"category,omitempty"`
	// ExtractTo names a root-relative directory the entry is unpacked into
	// once installed; used for natives archives
	ExtractTo    string        `json:"extract,omitempty"`
}

// DeleteScope marks a directory whose unlisted files are removed on sync
type DeleteScope struct {
	Root      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

// InstanceManifest is the complete file set for one instance. It is not
// modified once a sync pass starts.
type InstanceManifest struct {
	Name             string          `json:"name"`
	MinecraftVersion string          `json:"minecraft_version"`
	LoaderName       string          `json:"loader_name"`
	LoaderVersion    string          `json:"loader_version"`
	Files            []FileEntry     `json:"files"`
	DeleteScopes     []DeleteScope   `json:"delete_scopes,omitempty"`
	AuthBackend      json.RawMessage `json:"auth_backend,omitempty"`
	RecommendedXmx   string          `json:"recommended_xmx,omitempty"`
	ResourcesURLBase string          `json:"resources_url_base,omitempty"`
}

// IncludeObject is a single file listed under an include rule
type IncludeObject struct {
	Path string `json:"path"`
	SHA1 string `json:"sha1"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size"`
}

// IncludeRule is the generator's grouped form of user-included files
type IncludeRule struct {
	Path        string          `json:"path"`
	Overwrite   *bool           `json:"overwrite,omitempty"`
	Recursive   bool            `json:"recursive"`
	DeleteExtra bool            `json:"delete_extra"`
	Objects     []IncludeObject `json:"objects"`
}

// Entry returns the manifest entry for path, if listed
func (m *InstanceManifest) Entry(path string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.RelativePath == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// Paths returns the set of relative paths listed in the manifest
func (m *InstanceManifest) Paths() map[string]struct{} {
	set := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		set[f.RelativePath] = struct{}{}
	}
	return set
}
