package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/potato-launcher/instancesync/internal/syncerr"
)

const (
	hashA = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	hashB = "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"
)

func TestParseExpandsIncludeRules(t *testing.T) {
	doc := `{
		"name": "survival",
		"minecraft_version": "1.20.1",
		"loader_name": "fabric",
		"files": [
			{"path": "libraries/x.jar", "url": "https://libraries.minecraft.net/x.jar", "sha1": "` + hashA + `", "size": 1, "category": "vanilla_library"}
		],
		"include": [
			{"path": "mods", "recursive": true, "delete_extra": true,
			 "objects": [{"path": "mods/b.jar", "sha1": "` + hashB + `", "size": 4}, {"path": "mods/a.jar", "sha1": "` + hashA + `", "size": 0}]},
			{"path": "config", "overwrite": false, "delete_extra": true,
			 "objects": [{"path": "config/mod.cfg", "sha1": "` + hashA + `", "size": 0}]}
		]
	}`

	m, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	require.Len(t, m.Files, 4)
	assert.Equal(t, VanillaLibrary, m.Files[0].Category)
	assert.Equal(t, OverwriteIfHashMismatch, m.Files[0].Policy)

	assert.Equal(t, "mods/a.jar", m.Files[1].RelativePath, "include objects are sorted")
	assert.Equal(t, UserInclude, m.Files[1].Category)
	assert.Equal(t, OverwriteIfHashMismatch, m.Files[1].Policy)

	cfg, ok := m.Entry("config/mod.cfg")
	require.True(t, ok)
	assert.Equal(t, PreserveIfExists, cfg.Policy)

	// delete_extra only yields a scope when the rule also overwrites
	assert.Equal(t, []DeleteScope{{Root: "mods", Recursive: true}}, m.DeleteScopes)
}

func TestValidate(t *testing.T) {
	valid := func() *InstanceManifest {
		return &InstanceManifest{
			Name: "survival",
			Files: []FileEntry{
				{RelativePath: "mods/a.jar", ExpectedHash: hashA, Policy: OverwriteIfHashMismatch, Category: UserInclude},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(m *InstanceManifest)
		substr string
	}{
		{name: "empty name", mutate: func(m *InstanceManifest) { m.Name = "" }, substr: "instance name is required"},
		{name: "separator in name", mutate: func(m *InstanceManifest) { m.Name = "a/b" }, substr: "path separators"},
		{name: "parent segment", mutate: func(m *InstanceManifest) { m.Files[0].RelativePath = "../evil.jar" }, substr: "parent segment"},
		{name: "nested parent segment", mutate: func(m *InstanceManifest) { m.Files[0].RelativePath = "mods/../../evil" }, substr: "parent segment"},
		{name: "absolute", mutate: func(m *InstanceManifest) { m.Files[0].RelativePath = "/etc/passwd" }, substr: "absolute"},
		{name: "backslash", mutate: func(m *InstanceManifest) { m.Files[0].RelativePath = `mods\a.jar` }, substr: "backslash"},
		{name: "drive letter", mutate: func(m *InstanceManifest) { m.Files[0].RelativePath = "C:evil" }, substr: "drive letter"},
		{name: "empty path", mutate: func(m *InstanceManifest) { m.Files[0].RelativePath = "" }, substr: "empty path"},
		{name: "duplicate", mutate: func(m *InstanceManifest) { m.Files = append(m.Files, m.Files[0]) }, substr: "duplicate path"},
		{name: "policy", mutate: func(m *InstanceManifest) { m.Files[0].Policy = "sometimes" }, substr: "unknown install policy"},
		{name: "category", mutate: func(m *InstanceManifest) { m.Files[0].Category = "shader" }, substr: "unknown category"},
		{name: "hash", mutate: func(m *InstanceManifest) { m.Files[0].ExpectedHash = "xyz" }, substr: "malformed hash"},
		{name: "size", mutate: func(m *InstanceManifest) { m.Files[0].Size = -1 }, substr: "negative size"},
		{name: "scope", mutate: func(m *InstanceManifest) { m.DeleteScopes = []DeleteScope{{Root: ".."}} }, substr: "unsafe delete scope"},
		{name: "temp suffix", mutate: func(m *InstanceManifest) {
			m.Files = append(m.Files, FileEntry{RelativePath: "mods/a.jar" + TempSuffix, ExpectedHash: hashA, Policy: OverwriteIfHashMismatch, Category: UserInclude})
		}, substr: "reserved suffix"},
		{name: "unsafe extract dir", mutate: func(m *InstanceManifest) { m.Files[0].ExtractTo = "../natives" }, substr: "unsafe extract directory"},
	}

	require.NoError(t, valid().Validate())

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := valid()
			tc.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			assert.Equal(t, syncerr.KindManifest, syncerr.KindOf(err))
			assert.Contains(t, err.Error(), tc.substr)
		})
	}
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()

	dest, err := ResolvePath(root, "mods/a.jar")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "mods", "a.jar"), dest)

	_, err = ResolvePath(root, "../outside")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindFilesystem, syncerr.KindOf(err))
}

func TestIndexManifestURL(t *testing.T) {
	const indexURL = "https://cdn.example.com/meta/version_manifest.json"

	u, err := IndexEntry{Name: "survival", LoaderName: "fabric"}.ManifestURL(indexURL)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/meta/instances/survival/manifest.json", u)

	u, err = IndexEntry{Name: "custom", LoaderName: "forge", Manifest: "/m/custom.json"}.ManifestURL(indexURL)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/m/custom.json", u)

	u, err = IndexEntry{Name: "plain", LoaderName: "vanilla"}.ManifestURL(indexURL)
	require.NoError(t, err)
	assert.Empty(t, u)

	loader := IndexEntry{Name: "lite", LoaderName: "fabric", Metadata: "versions/fabric-1.20.1/fabric-1.20.1.json"}
	u, err = loader.ManifestURL(indexURL)
	require.NoError(t, err)
	assert.Empty(t, u, "loader metadata replaces the default manifest location")
	u, err = loader.MetadataURL(indexURL)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/meta/versions/fabric-1.20.1/fabric-1.20.1.json", u)
}

func TestHTTPClientFetch(t *testing.T) {
	var (
		mu      sync.Mutex
		gotAuth []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		mu.Unlock()
		switch r.URL.Path {
		case "/version_manifest.json":
			_, _ = w.Write([]byte(`{"instances":[{"name":"survival","minecraft_version":"1.20.1","loader_name":"fabric","loader_version":"0.15.0"}]}`))
		case "/instances/survival/manifest.json":
			_, _ = w.Write([]byte(`{"files":[{"path":"mods/a.jar","sha1":"` + hashA + `","size":0}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.Client(), srv.URL+"/version_manifest.json", "secret")
	ctx := context.Background()

	idx, err := client.FetchIndex(ctx)
	require.NoError(t, err)
	entry, ok := idx.Find("survival")
	require.True(t, ok)

	m, err := client.FetchInstance(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, "survival", m.Name)
	assert.Equal(t, "1.20.1", m.MinecraftVersion)
	assert.Equal(t, "0.15.0", m.LoaderVersion)
	require.Len(t, m.Files, 1)
	mu.Lock()
	assert.Equal(t, []string{"Bearer secret", "Bearer secret"}, gotAuth)
	mu.Unlock()

	_, err = client.FetchInstance(ctx, IndexEntry{Name: "missing", LoaderName: "forge"})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindNetwork, syncerr.KindOf(err))
}

func TestHTTPClientRejectsUnsafeManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"evil","files":[{"path":"../../.bashrc","sha1":"` + hashA + `","size":0}]}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.Client(), srv.URL+"/version_manifest.json", "")
	_, err := client.FetchInstance(context.Background(), IndexEntry{Name: "evil", Manifest: "evil.json"})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindManifest, syncerr.KindOf(err))
}
