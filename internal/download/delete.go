package download

import (
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/potato-launcher/instancesync/internal/logfields"
	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/metrics"
	"github.com/potato-launcher/instancesync/internal/plan"
	"github.com/potato-launcher/instancesync/internal/syncerr"
)

// deleteAll removes every planned path once all fetches are final, then
// prunes directories left empty below the delete scope roots
func (r *run) deleteAll(root string, p *plan.Plan) {
	fs := r.d.fs
	dirs := make(map[string]struct{})

	for _, rel := range p.ToDelete {
		dest, err := manifest.ResolvePath(root, rel)
		if err == nil {
			err = fs.Remove(dest)
			if os.IsNotExist(err) {
				err = nil
			}
		}
		if err != nil {
			r.report.DeleteFailures = append(r.report.DeleteFailures, Failure{
				Path: rel,
				Kind: syncerr.KindFilesystem,
				Err:  syncerr.Filesystem("remove", rel, err),
			})
			r.logger.Warn("failed to delete file", logfields.Path(rel), logfields.Error(err))
			continue
		}

		r.completed++
		r.report.Deleted = append(r.report.Deleted, rel)
		r.d.recorder.IncFileResult(r.instance, metrics.ResultDeleted)
		r.logger.Debug("deleted file", logfields.Path(rel))
		r.emit(Progress{Kind: ProgressDeleted, Path: rel})
		dirs[path.Dir(rel)] = struct{}{}
	}

	for dir := range dirs {
		pruneEmpty(fs, root, dir, p.Scopes)
	}
}

// pruneEmpty removes dir and its ancestors while they are empty and strictly
// inside a delete scope. Scope roots themselves are kept.
func pruneEmpty(fs afero.Fs, root, dir string, scopes []manifest.DeleteScope) {
	for dir != "." && dir != "/" && strictlyInsideScope(dir, scopes) {
		abs := filepath.Join(root, filepath.FromSlash(dir))
		empty, err := afero.IsEmpty(fs, abs)
		if err != nil || !empty {
			return
		}
		if err := fs.Remove(abs); err != nil {
			return
		}
		dir = path.Dir(dir)
	}
}

func strictlyInsideScope(dir string, scopes []manifest.DeleteScope) bool {
	for _, s := range scopes {
		if len(dir) > len(s.Root) && dir[:len(s.Root)] == s.Root && dir[len(s.Root)] == '/' {
			return true
		}
	}
	return false
}
