// Package plan diffs an instance manifest against the lockfile and the disk.
//
// Planning is split in two: Scan observes the filesystem, Build decides. Build
// is a pure function of its inputs so every decision can be tested without I/O.
package plan

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/potato-launcher/instancesync/internal/integrity"
	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/state"
)

// Adoption is a file already correct on disk that the lockfile does not
// record yet (or records wrongly)
type Adoption struct {
	Path string
	Hash string
	Size int64
}

// Plan is the work needed to bring one instance in line with its manifest
type Plan struct {
	Instance  string
	ToFetch   []manifest.FileEntry
	ToDelete  []string
	Adopt     []Adoption
	Preserved []string
	Unchanged int
	// Scopes are the delete scopes ToDelete was derived from
	Scopes []manifest.DeleteScope
}

// IsEmpty reports whether executing the plan would change nothing
func (p *Plan) IsEmpty() bool {
	return len(p.ToFetch) == 0 && len(p.ToDelete) == 0 && len(p.Adopt) == 0
}

// FetchBytes sums the declared sizes of all entries to fetch
func (p *Plan) FetchBytes() int64 {
	var total int64
	for _, f := range p.ToFetch {
		total += f.Size
	}
	return total
}

// Build decides per manifest entry whether to fetch, preserve, adopt or keep
// it, and which scoped files to delete.
func Build(m *manifest.InstanceManifest, st *state.State, scopes []manifest.DeleteScope, snap *Snapshot) (*Plan, error) {
	p := &Plan{Instance: m.Name, Scopes: scopes}

	fetching := make(map[string]struct{})
	for _, f := range m.Files {
		disk := snap.Files[f.RelativePath]

		// 1. absent on disk
		if !disk.Present {
			p.ToFetch = append(p.ToFetch, f)
			fetching[f.RelativePath] = struct{}{}
			continue
		}

		// 2. user-owned copy wins
		if f.Policy == manifest.PreserveIfExists {
			p.Preserved = append(p.Preserved, f.RelativePath)
			continue
		}

		// 3. content already matches
		prev, hasPrev := st.Get(f.RelativePath)
		effective := disk.Hash
		if effective == "" && hasPrev && f.Policy != manifest.AlwaysOverwrite {
			effective = prev.SHA1
		}
		if effective != "" && integrity.Equal(effective, f.ExpectedHash) {
			p.Unchanged++
			if !hasPrev || !integrity.Equal(prev.SHA1, f.ExpectedHash) || prev.Size != disk.Size {
				p.Adopt = append(p.Adopt, Adoption{Path: f.RelativePath, Hash: effective, Size: disk.Size})
			}
			continue
		}

		// 4. stale or unknown content
		p.ToFetch = append(p.ToFetch, f)
		fetching[f.RelativePath] = struct{}{}
	}

	listed := m.Paths()
	extracted := extractDirs(m)
	deleting := make(map[string]struct{})
	for _, rel := range snap.OnDisk {
		if !inAnyScope(rel, scopes) {
			continue
		}
		if _, ok := listed[rel]; ok {
			continue
		}
		if underAny(rel, extracted) {
			// unpacked from a listed archive
			continue
		}
		if strings.HasSuffix(rel, TempSuffix) {
			if _, ok := fetching[strings.TrimSuffix(rel, TempSuffix)]; ok {
				// partial download kept for resume
				continue
			}
		}
		deleting[rel] = struct{}{}
	}
	for rel := range deleting {
		p.ToDelete = append(p.ToDelete, rel)
	}

	sort.Slice(p.ToFetch, func(i, j int) bool { return p.ToFetch[i].RelativePath < p.ToFetch[j].RelativePath })
	sort.Strings(p.ToDelete)
	sort.Slice(p.Adopt, func(i, j int) bool { return p.Adopt[i].Path < p.Adopt[j].Path })
	sort.Strings(p.Preserved)

	for _, rel := range p.ToDelete {
		if _, ok := fetching[rel]; ok {
			return nil, fmt.Errorf("plan for %s both fetches and deletes %s", m.Name, rel)
		}
	}
	return p, nil
}

func extractDirs(m *manifest.InstanceManifest) []string {
	var dirs []string
	for _, f := range m.Files {
		if f.ExtractTo != "" {
			dirs = append(dirs, f.ExtractTo)
		}
	}
	return dirs
}

func underAny(rel string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	return false
}

// inAnyScope reports whether rel is a deletion candidate under some scope.
// Non-recursive scopes only cover their direct children.
func inAnyScope(rel string, scopes []manifest.DeleteScope) bool {
	for _, s := range scopes {
		if s.Recursive {
			if strings.HasPrefix(rel, s.Root+"/") {
				return true
			}
			continue
		}
		if path.Dir(rel) == s.Root {
			return true
		}
	}
	return false
}
