// Package vanilla reads the public Minecraft version metadata and the loader
// metadata layered on top of it, and resolves both into instance file entries.
package vanilla

import "time"

const (
	// DefaultManifestURL is the public version manifest
	DefaultManifestURL = "https://piston-meta.mojang.com/mc/game/version_manifest_v2.json"
	// DefaultResourcesURLBase serves asset objects by hash
	DefaultResourcesURLBase = "https://resources.download.minecraft.net"
	// DefaultLibrariesURL is the maven base for libraries that only carry a name
	DefaultLibrariesURL = "https://libraries.minecraft.net/"
)

// VersionManifest is version_manifest_v2.json
type VersionManifest struct {
	Latest   Latest       `json:"latest"`
	Versions []VersionRef `json:"versions"`
}

// Latest names the newest release and snapshot
type Latest struct {
	Release  string `json:"release"`
	Snapshot string `json:"snapshot"`
}

// VersionRef points at the metadata document of one version
type VersionRef struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	URL             string    `json:"url"`
	Time            time.Time `json:"time"`
	ReleaseTime     time.Time `json:"releaseTime"`
	SHA1            string    `json:"sha1"`
	ComplianceLevel int       `json:"complianceLevel"`
}

// Find returns the reference for id
func (m *VersionManifest) Find(id string) (VersionRef, bool) {
	for _, v := range m.Versions {
		if v.ID == id {
			return v, true
		}
	}
	return VersionRef{}, false
}

// Download is a single downloadable artifact
type Download struct {
	Path string `json:"path,omitempty"`
	SHA1 string `json:"sha1"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// AssetIndexRef points at the asset index of a version
type AssetIndexRef struct {
	ID        string `json:"id"`
	SHA1      string `json:"sha1"`
	Size      int64  `json:"size"`
	TotalSize int64  `json:"totalSize"`
	URL       string `json:"url"`
}

// Downloads holds the client jar of a version
type Downloads struct {
	Client *Download `json:"client,omitempty"`
}

// VersionMetadata is one version document. Loader documents set InheritsFrom
// and usually carry only libraries and a main class.
type VersionMetadata struct {
	ID           string         `json:"id"`
	InheritsFrom string         `json:"inheritsFrom,omitempty"`
	Type         string         `json:"type,omitempty"`
	MainClass    string         `json:"mainClass,omitempty"`
	AssetIndex   *AssetIndexRef `json:"assetIndex,omitempty"`
	Assets       string         `json:"assets,omitempty"`
	Downloads    *Downloads     `json:"downloads,omitempty"`
	Libraries    []Library      `json:"libraries"`
}

// AssetIndex maps asset names to content-addressed objects
type AssetIndex struct {
	Objects map[string]AssetObject `json:"objects"`
}

// AssetObject is one entry of an asset index
type AssetObject struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// ObjectPath is the content-addressed location of an asset under assets/objects
func (o AssetObject) ObjectPath() string {
	if len(o.Hash) < 2 {
		return o.Hash
	}
	return o.Hash[:2] + "/" + o.Hash
}
