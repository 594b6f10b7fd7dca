package plan

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/potato-launcher/instancesync/internal/integrity"
	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/state"
)

// TempSuffix marks in-progress downloads beside their destination
const TempSuffix = manifest.TempSuffix

// FileStatus is what the scanner observed for one manifest path
type FileStatus struct {
	Present bool
	Size    int64
	// Hash is the on-disk digest in stored form, empty when not computed
	Hash string
}

// Snapshot is the disk observation the planner works from
type Snapshot struct {
	Files map[string]FileStatus
	// OnDisk lists regular files found under delete scopes, slash-separated
	// and relative to the instance root
	OnDisk []string
}

// ScanOptions tunes how much the scanner trusts the lockfile
type ScanOptions struct {
	// Verify re-hashes every present file regardless of the lockfile
	Verify bool
}

// Scan observes the instance root for every manifest path and every delete
// scope. It is the only part of planning that touches the filesystem.
func Scan(ctx context.Context, fsys afero.Fs, root string, m *manifest.InstanceManifest, st *state.State, opts ScanOptions) (*Snapshot, error) {
	verifier := integrity.NewVerifier(fsys)
	snap := &Snapshot{Files: make(map[string]FileStatus, len(m.Files))}

	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dest, err := manifest.ResolvePath(root, f.RelativePath)
		if err != nil {
			return nil, err
		}
		size, ok := verifier.Stat(dest)
		if !ok {
			snap.Files[f.RelativePath] = FileStatus{}
			continue
		}
		status := FileStatus{Present: true, Size: size}

		if needsHash(f, st, size, opts) {
			alg := integrity.AlgorithmOf(f.ExpectedHash)
			d, err := verifier.Hash(dest, alg)
			if err != nil {
				// unreadable counts as not installed
				snap.Files[f.RelativePath] = FileStatus{}
				continue
			}
			status.Hash = integrity.Format(d)
		}
		snap.Files[f.RelativePath] = status
	}

	seen := make(map[string]struct{})
	for _, scope := range m.DeleteScopes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files, err := listScope(fsys, root, scope)
		if err != nil {
			return nil, err
		}
		for _, rel := range files {
			if _, dup := seen[rel]; !dup {
				seen[rel] = struct{}{}
				snap.OnDisk = append(snap.OnDisk, rel)
			}
		}
	}
	sort.Strings(snap.OnDisk)

	return snap, nil
}

func needsHash(f manifest.FileEntry, st *state.State, size int64, opts ScanOptions) bool {
	if f.Policy == manifest.PreserveIfExists {
		// present preserved files are kept whatever their content
		return false
	}
	if opts.Verify || f.Policy == manifest.AlwaysOverwrite {
		return true
	}
	prev, ok := st.Get(f.RelativePath)
	if !ok || prev.Size != size {
		return true
	}
	return integrity.AlgorithmOf(prev.SHA1) != integrity.AlgorithmOf(f.ExpectedHash)
}

// listScope returns regular files under scope: the whole subtree when
// recursive, direct children only otherwise. A missing scope root is empty.
func listScope(fsys afero.Fs, root string, scope manifest.DeleteScope) ([]string, error) {
	dir, err := manifest.ResolvePath(root, scope.Root)
	if err != nil {
		return nil, err
	}
	info, err := fsys.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, nil
	}

	var files []string
	if !scope.Recursive {
		entries, err := afero.ReadDir(fsys, dir)
		if err != nil {
			return nil, nil
		}
		for _, e := range entries {
			if e.Mode().IsRegular() {
				files = append(files, path.Join(scope.Root, e.Name()))
			}
		}
		return files, nil
	}

	err = afero.Walk(fsys, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			// skip unreadable subtrees
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}
