package sync

import (
	"time"

	"github.com/potato-launcher/instancesync/internal/download"
	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/plan"
	"github.com/potato-launcher/instancesync/internal/state"
)

// rebuildState derives the lockfile after execution: prior entries for
// manifest paths still on disk and not refetched, plus adoptions and installs.
// Paths that were planned for fetch but not installed are dropped so the next
// run re-examines them.
func rebuildState(prev *state.State, m *manifest.InstanceManifest, snap *plan.Snapshot, p *plan.Plan, rep *download.Report, now time.Time) *state.State {
	next := state.New(m.Name)

	fetching := make(map[string]struct{}, len(p.ToFetch))
	for _, f := range p.ToFetch {
		fetching[f.RelativePath] = struct{}{}
	}

	for _, f := range m.Files {
		if _, ok := fetching[f.RelativePath]; ok {
			continue
		}
		if !snap.Files[f.RelativePath].Present {
			continue
		}
		if e, ok := prev.Get(f.RelativePath); ok {
			next.Put(e)
		}
	}

	for _, a := range p.Adopt {
		next.Put(state.Entry{Path: a.Path, SHA1: a.Hash, Size: a.Size, InstalledAt: now})
	}
	if rep != nil {
		for _, in := range rep.Installed {
			next.Put(state.Entry{Path: in.Path, SHA1: in.Digest, Size: in.Size, InstalledAt: now})
		}
	}
	return next
}
