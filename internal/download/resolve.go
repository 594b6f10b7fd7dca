package download

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/syncerr"
)

const assetObjectsPrefix = "assets/objects/"

// Resolver maps a file entry to the URL it is downloaded from. The decision
// is driven by the entry category, never by its path or extension.
type Resolver struct {
	mirror   Mirror
	baseHost string
}

// NewResolver validates the mirror settings
func NewResolver(m Mirror) (*Resolver, error) {
	r := &Resolver{mirror: m}
	r.mirror.DownloadServerBase = strings.TrimSuffix(m.DownloadServerBase, "/")
	r.mirror.ResourcesURLBase = strings.TrimSuffix(m.ResourcesURLBase, "/")
	if r.mirror.DownloadServerBase != "" {
		u, err := url.Parse(r.mirror.DownloadServerBase)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid download_server_base %q", m.DownloadServerBase)
		}
		r.baseHost = u.Host
	}
	if m.ReplaceDownloadURLs && r.mirror.DownloadServerBase == "" {
		return nil, fmt.Errorf("replace_download_urls requires download_server_base")
	}
	return r, nil
}

// Resolve returns the source URL for f
func (r *Resolver) Resolve(f manifest.FileEntry) (string, error) {
	switch f.Category {
	case manifest.VanillaAsset, manifest.VanillaLibrary:
		if !r.mirror.ReplaceDownloadURLs {
			if f.SourceURL == "" {
				return "", r.unresolvable(f, "vanilla entry has no upstream url")
			}
			return f.SourceURL, nil
		}
		if f.Category == manifest.VanillaAsset && r.mirror.ResourcesURLBase != "" &&
			strings.HasPrefix(f.RelativePath, assetObjectsPrefix) {
			return r.mirror.ResourcesURLBase + "/" + strings.TrimPrefix(f.RelativePath, assetObjectsPrefix), nil
		}
		return r.mirror.DownloadServerBase + "/" + f.RelativePath, nil

	default:
		// user includes and loader artifacts exist only on the download
		// server; an absolute URL elsewhere is served from <base>/<path>
		if isAbsoluteURL(f.SourceURL) {
			if r.mirror.DownloadServerBase == "" || r.onBaseHost(f.SourceURL) {
				return f.SourceURL, nil
			}
			return r.mirror.DownloadServerBase + "/" + f.RelativePath, nil
		}
		if r.mirror.DownloadServerBase == "" {
			return "", r.unresolvable(f, "no download_server_base configured")
		}
		ref := f.SourceURL
		if ref == "" {
			ref = f.RelativePath
		}
		return r.mirror.DownloadServerBase + "/" + strings.TrimPrefix(ref, "/"), nil
	}
}

// Authorized reports whether a request to u may carry the bearer token
func (r *Resolver) Authorized(u *url.URL) bool {
	return r.baseHost != "" && u.Host == r.baseHost
}

func (r *Resolver) onBaseHost(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && r.Authorized(u)
}

func (r *Resolver) unresolvable(f manifest.FileEntry, reason string) error {
	return &syncerr.Error{Kind: syncerr.KindManifest, Op: "resolve", Path: f.RelativePath, Err: errors.New(reason)}
}

func isAbsoluteURL(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
