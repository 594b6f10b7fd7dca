package manifest

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/potato-launcher/instancesync/internal/integrity"
	"github.com/potato-launcher/instancesync/internal/syncerr"
)

// TempSuffix marks in-progress downloads beside their destination. Manifest
// paths may not use it, so a temp file never shadows a listed file.
const TempSuffix = ".part"

// Validate rejects malformed or unsafe manifests before any I/O happens.
// The returned error is always a syncerr.Error of kind manifest.
func (m *InstanceManifest) Validate() error {
	if err := ValidateInstanceName(m.Name); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		if err := CheckRelativePath(f.RelativePath); err != nil {
			return syncerr.Manifest(f.RelativePath, "unsafe path: %v", err)
		}
		if strings.HasSuffix(f.RelativePath, TempSuffix) {
			return syncerr.Manifest(f.RelativePath, "path uses reserved suffix %q", TempSuffix)
		}
		if _, dup := seen[f.RelativePath]; dup {
			return syncerr.Manifest(f.RelativePath, "duplicate path")
		}
		seen[f.RelativePath] = struct{}{}

		if !f.Policy.Valid() {
			return syncerr.Manifest(f.RelativePath, "unknown install policy %q", f.Policy)
		}
		if !f.Category.Valid() {
			return syncerr.Manifest(f.RelativePath, "unknown category %q", f.Category)
		}
		if _, err := integrity.ParseDigest(f.ExpectedHash); err != nil {
			return syncerr.Manifest(f.RelativePath, "malformed hash: %v", err)
		}
		if f.Size < 0 {
			return syncerr.Manifest(f.RelativePath, "negative size %d", f.Size)
		}
		if f.ExtractTo != "" {
			if err := CheckRelativePath(f.ExtractTo); err != nil {
				return syncerr.Manifest(f.RelativePath, "unsafe extract directory: %v", err)
			}
		}
	}

	for _, s := range m.DeleteScopes {
		if err := CheckRelativePath(s.Root); err != nil {
			return syncerr.Manifest(s.Root, "unsafe delete scope: %v", err)
		}
	}
	return nil
}

// ValidateInstanceName checks that name can be used as a directory and file name
func ValidateInstanceName(name string) error {
	switch {
	case name == "":
		return syncerr.Manifest("", "instance name is required")
	case name == "." || name == "..":
		return syncerr.Manifest(name, "invalid instance name")
	case strings.ContainsAny(name, `/\:`):
		return syncerr.Manifest(name, "instance name must not contain path separators")
	}
	return nil
}

// CheckRelativePath reports why p is not a safe root-relative, slash-separated path
func CheckRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.Contains(p, `\`) {
		return fmt.Errorf("backslash in %q", p)
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("absolute path %q", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return fmt.Errorf("drive letter in %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "..":
			return fmt.Errorf("parent segment in %q", p)
		case "", ".":
			return fmt.Errorf("non-canonical path %q", p)
		}
	}
	if path.Clean(p) != p {
		return fmt.Errorf("non-canonical path %q", p)
	}
	return nil
}

// ResolvePath joins rel onto root and verifies the result stays inside root
func ResolvePath(root, rel string) (string, error) {
	if err := CheckRelativePath(rel); err != nil {
		return "", syncerr.Filesystem("resolve", rel, err)
	}
	dest := filepath.Join(root, filepath.FromSlash(rel))
	within, err := filepath.Rel(root, dest)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", syncerr.Filesystem("resolve", rel, fmt.Errorf("path escapes instance root"))
	}
	return dest, nil
}
