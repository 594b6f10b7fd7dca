package sync

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/testutil"
)

func nativesJar(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.String()
}

func TestSyncExtractsNatives(t *testing.T) {
	f := newFixture(t)
	jar := f.publish("libraries/lwjgl-platform-natives-linux.jar", nativesJar(t, map[string]string{
		"liblwjgl.so":          "lwjgl",
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\n",
	}), manifest.OverwriteIfHashMismatch)
	jar.Category = manifest.VanillaLibrary
	jar.ExtractTo = "versions/1.12.2/natives"
	// vanilla entries are mirrored from the download server in this fixture
	opts := f.opts()
	opts.Download.Mirror.ReplaceDownloadURLs = true

	m := &manifest.InstanceManifest{
		Name:         "classic",
		Files:        []manifest.FileEntry{jar},
		DeleteScopes: []manifest.DeleteScope{{Root: "versions", Recursive: true}},
	}

	r := f.engine.Sync(context.Background(), []*manifest.InstanceManifest{m}, f.rootDir, opts)[0]
	require.NoError(t, r.Fatal)
	require.True(t, r.OK(), "extract failures: %v", r.ExtractFailures)
	assert.Equal(t, []string{"libraries/lwjgl-platform-natives-linux.jar"}, r.Extracted)
	assert.Equal(t, "lwjgl", f.read("classic", "versions/1.12.2/natives/liblwjgl.so"))

	// extracted files are not deletion candidates, so a second run is a no-op
	r = f.engine.Sync(context.Background(), []*manifest.InstanceManifest{m}, f.rootDir, opts)[0]
	require.True(t, r.OK())
	require.NotNil(t, r.Plan)
	assert.True(t, r.Plan.IsEmpty())
	assert.Zero(t, r.Deleted())
	assert.FileExists(t, f.path("classic", "versions/1.12.2/natives/liblwjgl.so"))
	assert.Equal(t, 1, f.srv.Requests("libraries/lwjgl-platform-natives-linux.jar"))
}

func TestSyncSkipsExtractionOfFailedArchive(t *testing.T) {
	f := newFixture(t)
	jar := f.publish("libraries/natives.jar", nativesJar(t, map[string]string{"lib.so": "x"}), manifest.OverwriteIfHashMismatch)
	jar.ExtractTo = "natives"
	f.srv.Fail("libraries/natives.jar", testutil.Fault{Status: 500})

	m := &manifest.InstanceManifest{Name: "classic", Files: []manifest.FileEntry{jar}}
	r := f.engine.Sync(context.Background(), []*manifest.InstanceManifest{m}, f.rootDir, f.opts())[0]
	require.NoError(t, r.Fatal)
	assert.Equal(t, 1, r.Failed(), "only the download failure is counted")
	assert.Empty(t, r.Extracted)
	assert.Empty(t, r.ExtractFailures)
	assert.NoDirExists(t, f.path("classic", "natives"))
}

func TestSyncReportsCorruptArchive(t *testing.T) {
	f := newFixture(t)
	jar := f.publish("libraries/natives.jar", "definitely not a zip", manifest.OverwriteIfHashMismatch)
	jar.ExtractTo = "natives"

	m := &manifest.InstanceManifest{Name: "classic", Files: []manifest.FileEntry{jar}}
	r := f.engine.Sync(context.Background(), []*manifest.InstanceManifest{m}, f.rootDir, f.opts())[0]
	require.NoError(t, r.Fatal)
	assert.False(t, r.OK())
	require.Len(t, r.ExtractFailures, 1)
	assert.Equal(t, "libraries/natives.jar", r.ExtractFailures[0].Path)
	assert.Equal(t, 1, r.Installed(), "the archive itself is installed and verified")
}
