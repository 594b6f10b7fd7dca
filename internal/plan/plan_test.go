package plan

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/state"
)

const root = "/instances/survival"

func sum(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func entry(path, content string, policy manifest.InstallPolicy) manifest.FileEntry {
	return manifest.FileEntry{
		RelativePath: path,
		ExpectedHash: sum(content),
		Size:         int64(len(content)),
		Policy:       policy,
		Category:     manifest.UserInclude,
	}
}

func writeFile(t *testing.T, fs afero.Fs, rel, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, root+"/"+rel, []byte(content), 0o644))
}

func scanAndBuild(t *testing.T, fs afero.Fs, m *manifest.InstanceManifest, st *state.State, opts ScanOptions) *Plan {
	t.Helper()
	snap, err := Scan(context.Background(), fs, root, m, st, opts)
	require.NoError(t, err)
	p, err := Build(m, st, m.DeleteScopes, snap)
	require.NoError(t, err)
	return p
}

func fetchPaths(p *Plan) []string {
	out := make([]string, 0, len(p.ToFetch))
	for _, f := range p.ToFetch {
		out = append(out, f.RelativePath)
	}
	return out
}

func TestBuildScenarioABC(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "a.txt", "one")
	writeFile(t, fs, "b.txt", "old")

	st := state.New("survival")
	st.Put(state.Entry{Path: "a.txt", SHA1: sum("one"), Size: 3})
	st.Put(state.Entry{Path: "b.txt", SHA1: sum("old"), Size: 3})

	m := &manifest.InstanceManifest{
		Name: "survival",
		Files: []manifest.FileEntry{
			entry("a.txt", "one", manifest.OverwriteIfHashMismatch),
			entry("b.txt", "two", manifest.AlwaysOverwrite),
			entry("c.txt", "three", manifest.OverwriteIfHashMismatch),
		},
	}

	p := scanAndBuild(t, fs, m, st, ScanOptions{})
	assert.Equal(t, []string{"b.txt", "c.txt"}, fetchPaths(p))
	assert.Empty(t, p.ToDelete)
	assert.Empty(t, p.Adopt)
	assert.Equal(t, 1, p.Unchanged)
}

func TestBuildPreserveIfExists(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "config/mod.cfg", "hand-edited")

	st := state.New("survival")
	m := &manifest.InstanceManifest{
		Name:  "survival",
		Files: []manifest.FileEntry{entry("config/mod.cfg", "shipped", manifest.PreserveIfExists)},
	}

	p := scanAndBuild(t, fs, m, st, ScanOptions{Verify: true})
	assert.Empty(t, p.ToFetch)
	assert.Equal(t, []string{"config/mod.cfg"}, p.Preserved)

	// a missing preserved file is still installed
	require.NoError(t, fs.Remove(root+"/config/mod.cfg"))
	p = scanAndBuild(t, fs, m, st, ScanOptions{})
	assert.Equal(t, []string{"config/mod.cfg"}, fetchPaths(p))
}

func TestBuildDeleteScopes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "mods/keep.jar", "keep")
	writeFile(t, fs, "mods/old.jar", "old")
	writeFile(t, fs, "mods/sub/nested-old.jar", "nested")
	writeFile(t, fs, "config/extra.cfg", "extra")
	writeFile(t, fs, "config/sub/untouched.cfg", "deep")
	writeFile(t, fs, "saves/world.dat", "world")

	st := state.New("survival")
	m := &manifest.InstanceManifest{
		Name: "survival",
		Files: []manifest.FileEntry{
			entry("mods/keep.jar", "keep", manifest.OverwriteIfHashMismatch),
		},
		DeleteScopes: []manifest.DeleteScope{
			{Root: "mods", Recursive: true},
			{Root: "config", Recursive: false},
		},
	}

	p := scanAndBuild(t, fs, m, st, ScanOptions{})
	assert.Equal(t, []string{"config/extra.cfg", "mods/old.jar", "mods/sub/nested-old.jar"}, p.ToDelete)
	assert.NotContains(t, p.ToDelete, "config/sub/untouched.cfg")
	assert.NotContains(t, p.ToDelete, "saves/world.dat")

	// keep.jar is correct on disk but unknown to the lockfile
	require.Len(t, p.Adopt, 1)
	assert.Equal(t, "mods/keep.jar", p.Adopt[0].Path)
}

func TestBuildKeepsExtractedNatives(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "libraries/lwjgl-natives-linux.jar", "archive")
	writeFile(t, fs, "versions/1.12.2/natives/liblwjgl.so", "native")
	writeFile(t, fs, "versions/1.12.2/stray.txt", "stray")

	natives := entry("libraries/lwjgl-natives-linux.jar", "archive", manifest.OverwriteIfHashMismatch)
	natives.ExtractTo = "versions/1.12.2/natives"
	m := &manifest.InstanceManifest{
		Name:         "survival",
		Files:        []manifest.FileEntry{natives},
		DeleteScopes: []manifest.DeleteScope{{Root: "versions", Recursive: true}},
	}

	p := scanAndBuild(t, fs, m, state.New("survival"), ScanOptions{})
	assert.Equal(t, []string{"versions/1.12.2/stray.txt"}, p.ToDelete)
}

func TestBuildKeepsPartialDownloadForResume(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "mods/big.jar.part", "partial")
	writeFile(t, fs, "mods/gone.jar.part", "stale")

	m := &manifest.InstanceManifest{
		Name:         "survival",
		Files:        []manifest.FileEntry{entry("mods/big.jar", "complete-content", manifest.OverwriteIfHashMismatch)},
		DeleteScopes: []manifest.DeleteScope{{Root: "mods", Recursive: true}},
	}

	p := scanAndBuild(t, fs, m, state.New("survival"), ScanOptions{})
	assert.Equal(t, []string{"mods/big.jar"}, fetchPaths(p))
	assert.Equal(t, []string{"mods/gone.jar.part"}, p.ToDelete)
}

func TestBuildTrustsLockfileUnlessVerifying(t *testing.T) {
	fs := afero.NewMemMapFs()
	// same size as recorded but different content
	writeFile(t, fs, "mods/a.jar", "AAAA")

	st := state.New("survival")
	st.Put(state.Entry{Path: "mods/a.jar", SHA1: sum("aaaa"), Size: 4})
	m := &manifest.InstanceManifest{
		Name:  "survival",
		Files: []manifest.FileEntry{entry("mods/a.jar", "aaaa", manifest.OverwriteIfHashMismatch)},
	}

	p := scanAndBuild(t, fs, m, st, ScanOptions{})
	assert.True(t, p.IsEmpty())

	p = scanAndBuild(t, fs, m, st, ScanOptions{Verify: true})
	assert.Equal(t, []string{"mods/a.jar"}, fetchPaths(p))
}

func TestBuildSizeChangeForcesRehash(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "mods/a.jar", "truncated")

	st := state.New("survival")
	st.Put(state.Entry{Path: "mods/a.jar", SHA1: sum("aaaa"), Size: 4})
	m := &manifest.InstanceManifest{
		Name:  "survival",
		Files: []manifest.FileEntry{entry("mods/a.jar", "aaaa", manifest.OverwriteIfHashMismatch)},
	}

	p := scanAndBuild(t, fs, m, st, ScanOptions{})
	assert.Equal(t, []string{"mods/a.jar"}, fetchPaths(p))
}

func TestBuildIsPure(t *testing.T) {
	m := &manifest.InstanceManifest{
		Name: "survival",
		Files: []manifest.FileEntry{
			entry("z.jar", "z", manifest.OverwriteIfHashMismatch),
			entry("a.jar", "a", manifest.AlwaysOverwrite),
		},
		DeleteScopes: []manifest.DeleteScope{{Root: "mods"}},
	}
	snap := &Snapshot{
		Files: map[string]FileStatus{
			"z.jar": {},
			"a.jar": {Present: true, Size: 1, Hash: sum("a")},
		},
		OnDisk: []string{"mods/x.jar", "mods/deep/y.jar"},
	}

	first, err := Build(m, state.New("survival"), m.DeleteScopes, snap)
	require.NoError(t, err)
	second, err := Build(m, state.New("survival"), m.DeleteScopes, snap)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"z.jar"}, fetchPaths(first))
	assert.Equal(t, []string{"mods/x.jar"}, first.ToDelete)
	assert.Equal(t, []Adoption{{Path: "a.jar", Hash: sum("a"), Size: 1}}, first.Adopt)
}
