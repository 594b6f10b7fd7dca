// Package extract unpacks archives listed in a manifest, such as natives
// jars, into a directory of the instance.
package extract

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/syncerr"
)

// MaxFileSize caps a single unpacked entry
const MaxFileSize = 100 * 1024 * 1024

// Result describes one unpacked archive
type Result struct {
	Files int
	// Skipped lists entry names that would leave the target directory or
	// are not regular files
	Skipped []string
}

// Extractor unpacks zip archives on a filesystem
type Extractor struct {
	fs afero.Fs
}

// New creates an extractor over fs; nil means the OS filesystem
func New(fs afero.Fs) *Extractor {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Extractor{fs: fs}
}

// Zip unpacks the archive at archivePath into destDir. Each entry is written
// to a temp file and renamed into place, so a failed run never leaves a
// truncated file behind.
func (x *Extractor) Zip(archivePath, destDir string) (Result, error) {
	var res Result

	f, err := x.fs.Open(archivePath)
	if err != nil {
		return res, syncerr.Filesystem("open", archivePath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return res, syncerr.Filesystem("stat", archivePath, err)
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return res, syncerr.Filesystem("unzip", archivePath, err)
	}

	if err := x.fs.MkdirAll(destDir, 0o755); err != nil {
		return res, syncerr.Filesystem("mkdir", destDir, err)
	}

	for _, zf := range zr.File {
		name := strings.TrimSuffix(zf.Name, "/")
		if zf.FileInfo().IsDir() {
			if dir, err := manifest.ResolvePath(destDir, name); err == nil {
				if err := x.fs.MkdirAll(dir, 0o755); err != nil {
					return res, syncerr.Filesystem("mkdir", dir, err)
				}
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			res.Skipped = append(res.Skipped, zf.Name)
			continue
		}
		dest, err := manifest.ResolvePath(destDir, name)
		if err != nil {
			res.Skipped = append(res.Skipped, zf.Name)
			continue
		}
		if err := x.writeEntry(zf, dest); err != nil {
			return res, err
		}
		res.Files++
	}
	return res, nil
}

func (x *Extractor) writeEntry(zf *zip.File, dest string) error {
	if zf.UncompressedSize64 > MaxFileSize {
		return syncerr.Filesystem("unzip", zf.Name, fmt.Errorf("entry exceeds %d bytes", MaxFileSize))
	}
	if err := x.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return syncerr.Filesystem("mkdir", filepath.Dir(dest), err)
	}

	rc, err := zf.Open()
	if err != nil {
		return syncerr.Filesystem("unzip", zf.Name, err)
	}
	defer func() { _ = rc.Close() }()

	tmp, err := afero.TempFile(x.fs, filepath.Dir(dest), "."+filepath.Base(dest)+"-*")
	if err != nil {
		return syncerr.Filesystem("create", dest, err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, io.LimitReader(rc, MaxFileSize+1))
	if err == nil && n > MaxFileSize {
		err = fmt.Errorf("entry exceeds %d bytes", MaxFileSize)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = x.fs.Remove(tmpPath)
		return syncerr.Filesystem("write", dest, err)
	}
	if err := x.fs.Rename(tmpPath, dest); err != nil {
		_ = x.fs.Remove(tmpPath)
		return syncerr.Filesystem("rename", dest, err)
	}
	return nil
}
