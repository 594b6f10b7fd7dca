package vanilla

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/syncerr"
)

var linux = Platform{OS: "linux", Arch: "x86_64"}

func sum(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}

type docServer struct {
	*httptest.Server
	mu   sync.Mutex
	docs map[string][]byte
	hits map[string]int
}

func newDocServer(t *testing.T) *docServer {
	t.Helper()
	s := &docServer{docs: make(map[string][]byte), hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		data, ok := s.docs[r.URL.Path]
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *docServer) put(path string, data []byte) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[path] = data
	return s.URL + path, sum(data)
}

func (s *docServer) putJSON(t *testing.T, path string, v any) (string, string, int64) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	u, h := s.put(path, data)
	return u, h, int64(len(data))
}

func (s *docServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

const (
	hashA = "0a1b2c3d4e5f60718293a4b5c6d7e8f901234567"
	hashB = "f0e1d2c3b4a5968778695a4b3c2d1e0f98765432"
	hashL = "1111111111111111111111111111111111111111"
)

// publishVanilla serves a small 1.20.1 release and returns the manifest URL
func publishVanilla(t *testing.T, s *docServer) string {
	t.Helper()

	indexURL, indexHash, indexSize := s.putJSON(t, "/assets/5.json", AssetIndex{Objects: map[string]AssetObject{
		"minecraft/sounds/a.ogg": {Hash: hashA, Size: 3},
		"icons/icon.png":         {Hash: hashB, Size: 4},
		"minecraft/sounds/b.ogg": {Hash: hashA, Size: 3},
	}})

	meta := VersionMetadata{
		ID:         "1.20.1",
		Type:       "release",
		MainClass:  "net.minecraft.client.main.Main",
		AssetIndex: &AssetIndexRef{ID: "5", SHA1: indexHash, Size: indexSize, URL: indexURL},
		Assets:     "5",
		Downloads:  &Downloads{Client: &Download{SHA1: hashL, Size: 100, URL: "https://piston-data.mojang.com/client.jar"}},
		Libraries: []Library{
			{
				Name: "com.mojang:logging:0.1",
				Downloads: &LibraryDownloads{Artifact: &Download{
					Path: "com/mojang/logging/0.1/logging-0.1.jar", SHA1: hashL, Size: 10,
					URL: "https://libraries.minecraft.net/com/mojang/logging/0.1/logging-0.1.jar",
				}},
			},
			{
				Name: "org.lwjgl:lwjgl:3.3.1:natives-windows",
				Downloads: &LibraryDownloads{Artifact: &Download{
					Path: "org/lwjgl/lwjgl/3.3.1/lwjgl-3.3.1-natives-windows.jar", SHA1: hashL, Size: 10,
					URL: "https://libraries.minecraft.net/org/lwjgl/lwjgl/3.3.1/lwjgl-3.3.1-natives-windows.jar",
				}},
				Rules: []Rule{{Action: "allow", OS: &OSRule{Name: "windows"}}},
			},
			{
				Name: "org.ow2.asm:asm:9.5",
				Downloads: &LibraryDownloads{Artifact: &Download{
					Path: "org/ow2/asm/asm/9.5/asm-9.5.jar", SHA1: hashL, Size: 10,
					URL: "https://libraries.minecraft.net/org/ow2/asm/asm/9.5/asm-9.5.jar",
				}},
			},
			{
				Name:    "org.lwjgl.lwjgl:lwjgl-platform:2.9.4",
				Natives: map[string]string{"linux": "natives-linux", "windows": "natives-windows-${arch}"},
				Downloads: &LibraryDownloads{Classifiers: map[string]Download{
					"natives-linux": {
						Path: "org/lwjgl/lwjgl/lwjgl-platform/2.9.4/lwjgl-platform-2.9.4-natives-linux.jar",
						SHA1: hashB, Size: 20,
						URL: "https://libraries.minecraft.net/org/lwjgl/lwjgl/lwjgl-platform/2.9.4/lwjgl-platform-2.9.4-natives-linux.jar",
					},
				}},
			},
		},
	}
	metaURL, metaHash, _ := s.putJSON(t, "/v/1.20.1.json", meta)

	manifestURL, _, _ := s.putJSON(t, "/mc/version_manifest_v2.json", VersionManifest{
		Latest:   Latest{Release: "1.20.1", Snapshot: "1.20.1"},
		Versions: []VersionRef{{ID: "1.20.1", Type: "release", URL: metaURL, SHA1: metaHash}},
	})
	return manifestURL
}

func newResolver(s *docServer, manifestURL string) *Resolver {
	r := NewResolver(manifest.NewHTTPClient(nil, s.URL+"/index.json", ""),
		WithManifestURL(manifestURL), WithPlatform(linux))
	r.retryDelay = 0
	return r
}

func byPath(files []manifest.FileEntry) map[string]manifest.FileEntry {
	out := make(map[string]manifest.FileEntry, len(files))
	for _, f := range files {
		out[f.RelativePath] = f
	}
	return out
}

func TestResolveVanillaInstance(t *testing.T) {
	s := newDocServer(t)
	r := newResolver(s, publishVanilla(t, s))

	m, err := r.Instance(context.Background(), manifest.IndexEntry{Name: "plain", MinecraftVersion: "1.20.1", LoaderName: "vanilla"}, s.URL+"/index.json")
	require.NoError(t, err)
	assert.Equal(t, "plain", m.Name)
	assert.Empty(t, m.ResourcesURLBase, "mirror settings decide where replaced assets come from")

	files := byPath(m.Files)
	assert.Len(t, m.Files, 8)

	client := files["versions/1.20.1/1.20.1.jar"]
	assert.Equal(t, "https://piston-data.mojang.com/client.jar", client.SourceURL)
	assert.Equal(t, manifest.VanillaLibrary, client.Category)
	assert.Equal(t, manifest.OverwriteIfHashMismatch, client.Policy)

	doc := files["versions/1.20.1/1.20.1.json"]
	assert.Equal(t, manifest.VanillaLibrary, doc.Category)
	assert.Equal(t, s.URL+"/v/1.20.1.json", doc.SourceURL)

	assert.Contains(t, files, "libraries/com/mojang/logging/0.1/logging-0.1.jar")
	assert.Contains(t, files, "libraries/org/ow2/asm/asm/9.5/asm-9.5.jar")
	assert.NotContains(t, files, "libraries/org/lwjgl/lwjgl/3.3.1/lwjgl-3.3.1-natives-windows.jar")

	native := files["libraries/org/lwjgl/lwjgl/lwjgl-platform/2.9.4/lwjgl-platform-2.9.4-natives-linux.jar"]
	assert.Equal(t, hashB, native.ExpectedHash)
	assert.Equal(t, "versions/1.20.1/natives", native.ExtractTo)
	assert.Empty(t, client.ExtractTo)

	index := files["assets/indexes/5.json"]
	assert.Equal(t, manifest.VanillaAsset, index.Category)

	obj := files["assets/objects/0a/"+hashA]
	assert.Equal(t, DefaultResourcesURLBase+"/0a/"+hashA, obj.SourceURL)
	assert.Equal(t, manifest.VanillaAsset, obj.Category)
	assert.Equal(t, int64(3), obj.Size)
	assert.Contains(t, files, "assets/objects/f0/"+hashB)
}

func TestResolveLoaderOverlay(t *testing.T) {
	s := newDocServer(t)
	r := newResolver(s, publishVanilla(t, s))

	_, sidecarHash := s.put("/maven/net/fabricmc/fabric-loader/0.15.0/fabric-loader-0.15.0.jar.sha1",
		[]byte(strings.ToUpper(hashA)+"  fabric-loader-0.15.0.jar\n"))
	require.NotEmpty(t, sidecarHash)

	loader := VersionMetadata{
		ID:           "fabric-loader-0.15.0-1.20.1",
		InheritsFrom: "1.20.1",
		MainClass:    "net.fabricmc.loader.impl.launch.knot.KnotClient",
		Libraries: []Library{
			{Name: "net.fabricmc:fabric-loader:0.15.0", URL: s.URL + "/maven"},
			{Name: "org.ow2.asm:asm:9.6", URL: "https://maven.fabricmc.net/", SHA1: hashB, Size: 30},
			{
				Name: "net.minecraftforge:forge:1.20.1-47.2.0:client",
				Downloads: &LibraryDownloads{Artifact: &Download{
					Path: "net/minecraftforge/forge/1.20.1-47.2.0/forge-1.20.1-47.2.0-client.jar", SHA1: hashL, Size: 40,
				}},
			},
		},
	}
	_, loaderHash, _ := s.putJSON(t, "/meta/loader/fabric.json", loader)

	entry := manifest.IndexEntry{Name: "modded", MinecraftVersion: "1.20.1", LoaderName: "fabric", LoaderVersion: "0.15.0", Metadata: "loader/fabric.json"}
	m, err := r.Instance(context.Background(), entry, s.URL+"/meta/index.json")
	require.NoError(t, err)

	files := byPath(m.Files)

	doc := files["versions/fabric-loader-0.15.0-1.20.1/fabric-loader-0.15.0-1.20.1.json"]
	assert.Equal(t, manifest.LoaderArtifact, doc.Category)
	assert.Equal(t, loaderHash, doc.ExpectedHash)
	assert.Contains(t, files, "versions/1.20.1/1.20.1.json")
	assert.Contains(t, files, "versions/fabric-loader-0.15.0-1.20.1/fabric-loader-0.15.0-1.20.1.jar")

	fabric := files["libraries/net/fabricmc/fabric-loader/0.15.0/fabric-loader-0.15.0.jar"]
	assert.Equal(t, hashA, fabric.ExpectedHash, "hash read from the .sha1 sidecar")
	assert.Equal(t, s.URL+"/maven/net/fabricmc/fabric-loader/0.15.0/fabric-loader-0.15.0.jar", fabric.SourceURL)
	assert.Equal(t, manifest.VanillaLibrary, fabric.Category)

	assert.Contains(t, files, "libraries/org/ow2/asm/asm/9.6/asm-9.6.jar")
	assert.NotContains(t, files, "libraries/org/ow2/asm/asm/9.5/asm-9.5.jar", "loader library overrides vanilla one")

	forge := files["libraries/net/minecraftforge/forge/1.20.1-47.2.0/forge-1.20.1-47.2.0-client.jar"]
	assert.Equal(t, manifest.LoaderArtifact, forge.Category)
	assert.Empty(t, forge.SourceURL)

	assert.Equal(t, 1, s.hitCount("/mc/version_manifest_v2.json"))
}

func TestResolveRejectsTamperedMetadata(t *testing.T) {
	s := newDocServer(t)
	manifestURL := publishVanilla(t, s)
	s.put("/v/1.20.1.json", []byte(`{"id":"1.20.1","libraries":[]}`))

	r := newResolver(s, manifestURL)
	_, err := r.Load(context.Background(), "1.20.1")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindIntegrity, syncerr.KindOf(err))
}

func TestResolveUnknownVersion(t *testing.T) {
	s := newDocServer(t)
	r := newResolver(s, publishVanilla(t, s))

	_, err := r.Instance(context.Background(), manifest.IndexEntry{Name: "old", MinecraftVersion: "b1.7.3"}, s.URL+"/index.json")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindManifest, syncerr.KindOf(err))
}

func TestResolveMissingDocumentIsNotRetried(t *testing.T) {
	s := newDocServer(t)
	r := newResolver(s, s.URL+"/missing.json")

	_, err := r.Manifest(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, s.hitCount("/missing.json"))
}

func TestMavenPath(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "com.mojang:logging:0.1", want: "com/mojang/logging/0.1/logging-0.1.jar"},
		{name: "org.lwjgl:lwjgl:3.3.1:natives-linux", want: "org/lwjgl/lwjgl/3.3.1/lwjgl-3.3.1-natives-linux.jar"},
		{name: "net.neoforged:neoforge:20.4.80@jar", want: "net/neoforged/neoforge/20.4.80/neoforge-20.4.80.jar"},
		{name: "de.oceanlabs.mcp:mcp_config:1.20.1@zip", want: "de/oceanlabs/mcp/mcp_config/1.20.1/mcp_config-1.20.1.zip"},
		{name: "broken:name", wantErr: true},
		{name: "a::1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MavenPath(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "org.lwjgl:lwjgl:natives-linux", Library{Name: "org.lwjgl:lwjgl:3.3.1:natives-linux"}.Key())
}

func TestRulesAllow(t *testing.T) {
	osx := Platform{OS: "osx", Arch: "arm64"}

	tests := []struct {
		name  string
		rules []Rule
		want  map[string]bool
	}{
		{name: "no rules", want: map[string]bool{"linux": true, "osx": true}},
		{
			name:  "allow only osx",
			rules: []Rule{{Action: "allow", OS: &OSRule{Name: "osx"}}},
			want:  map[string]bool{"linux": false, "osx": true},
		},
		{
			name:  "allow all but osx",
			rules: []Rule{{Action: "allow"}, {Action: "disallow", OS: &OSRule{Name: "osx"}}},
			want:  map[string]bool{"linux": true, "osx": false},
		},
		{
			name:  "arch constraint",
			rules: []Rule{{Action: "allow", OS: &OSRule{Arch: "arm64"}}},
			want:  map[string]bool{"linux": false, "osx": true},
		},
		{
			name:  "feature not enabled",
			rules: []Rule{{Action: "allow", Features: map[string]bool{"is_demo_user": true}}},
			want:  map[string]bool{"linux": false, "osx": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want["linux"], RulesAllow(tt.rules, linux))
			assert.Equal(t, tt.want["osx"], RulesAllow(tt.rules, osx))
		})
	}
}

func TestNativeArchSubstitution(t *testing.T) {
	lib := Library{
		Name:    "org.lwjgl.lwjgl:lwjgl-platform:2.9.4",
		Natives: map[string]string{"windows": "natives-windows-${arch}"},
		Downloads: &LibraryDownloads{Classifiers: map[string]Download{
			"natives-windows-64": {SHA1: hashA, URL: "https://example.com/n64.jar"},
		}},
	}
	d, ok := lib.Native(Platform{OS: "windows", Arch: "x86_64"})
	require.True(t, ok)
	assert.Equal(t, "org/lwjgl/lwjgl/lwjgl-platform/2.9.4/lwjgl-platform-2.9.4-natives-windows-64.jar", d.Path)

	_, ok = lib.Native(Platform{OS: "windows", Arch: "x86"})
	assert.False(t, ok)
	_, ok = lib.Native(linux)
	assert.False(t, ok)
}
