package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/potato-launcher/instancesync/internal/download"
	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/plan"
	"github.com/potato-launcher/instancesync/internal/state"
)

func TestRebuildState(t *testing.T) {
	then := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := then.Add(time.Hour)

	m := &manifest.InstanceManifest{
		Name: "survival",
		Files: []manifest.FileEntry{
			{RelativePath: "mods/kept.jar"},
			{RelativePath: "mods/gone.jar"},
			{RelativePath: "mods/adopted.jar"},
			{RelativePath: "mods/fetched.jar"},
			{RelativePath: "mods/failed.jar"},
		},
	}

	prev := state.New("survival")
	prev.Put(state.Entry{Path: "mods/kept.jar", SHA1: "k", Size: 1, InstalledAt: then})
	prev.Put(state.Entry{Path: "mods/gone.jar", SHA1: "g", Size: 1, InstalledAt: then})
	prev.Put(state.Entry{Path: "mods/failed.jar", SHA1: "old", Size: 1, InstalledAt: then})
	prev.Put(state.Entry{Path: "mods/removed-from-manifest.jar", SHA1: "r", Size: 1, InstalledAt: then})

	snap := &plan.Snapshot{Files: map[string]plan.FileStatus{
		"mods/kept.jar":    {Present: true, Size: 1},
		"mods/adopted.jar": {Present: true, Size: 2},
		"mods/failed.jar":  {Present: true, Size: 1},
	}}
	p := &plan.Plan{
		Instance: "survival",
		ToFetch: []manifest.FileEntry{
			{RelativePath: "mods/fetched.jar"},
			{RelativePath: "mods/failed.jar"},
		},
		Adopt: []plan.Adoption{{Path: "mods/adopted.jar", Hash: "a", Size: 2}},
	}
	rep := &download.Report{
		Installed: []download.Installed{{Path: "mods/fetched.jar", Digest: "f", Size: 3, Attempts: 1}},
		Failures:  []download.Failure{{Path: "mods/failed.jar"}},
	}

	next := rebuildState(prev, m, snap, p, rep, now)

	var got []string
	for _, e := range next.Entries() {
		got = append(got, e.Path)
	}
	assert.Equal(t, []string{"mods/adopted.jar", "mods/fetched.jar", "mods/kept.jar"}, got)

	kept, _ := next.Get("mods/kept.jar")
	assert.Equal(t, then, kept.InstalledAt, "untouched entries keep their install time")
	fetched, _ := next.Get("mods/fetched.jar")
	assert.Equal(t, "f", fetched.SHA1)
	assert.Equal(t, now, fetched.InstalledAt)
}

func TestRebuildStateDryRunKeepsPrior(t *testing.T) {
	m := &manifest.InstanceManifest{Name: "survival", Files: []manifest.FileEntry{{RelativePath: "a.txt"}}}
	prev := state.New("survival")
	prev.Put(state.Entry{Path: "a.txt", SHA1: "x", Size: 1})
	snap := &plan.Snapshot{Files: map[string]plan.FileStatus{"a.txt": {Present: true, Size: 1}}}

	next := rebuildState(prev, m, snap, &plan.Plan{}, nil, time.Now())
	assert.Equal(t, 1, next.Len())
}
