package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/potato-launcher/instancesync/internal/syncerr"
)

// Source fetches manifests from the distribution server
type Source interface {
	// FetchIndex downloads and decodes version_manifest.json
	FetchIndex(ctx context.Context) (*Index, error)
	// FetchInstance downloads the per-instance manifest for entry
	FetchInstance(ctx context.Context, entry IndexEntry) (*InstanceManifest, error)
}

// HTTPClient implements Source over HTTP. Manifests are always fetched fresh.
type HTTPClient struct {
	http     *http.Client
	indexURL string
	token    string
	authHost string
}

// NewHTTPClient creates a manifest client for the index at indexURL. The
// bearer token, if any, is sent only to the index host.
func NewHTTPClient(httpClient *http.Client, indexURL, token string) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	c := &HTTPClient{http: httpClient, indexURL: indexURL, token: token}
	if u, err := url.Parse(indexURL); err == nil {
		c.authHost = u.Host
	}
	return c
}

// IndexURL returns the configured index location
func (c *HTTPClient) IndexURL() string {
	return c.indexURL
}

// FetchIndex downloads and decodes the instance index
func (c *HTTPClient) FetchIndex(ctx context.Context) (*Index, error) {
	body, err := c.Open(ctx, c.indexURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	idx, err := ParseIndex(body)
	if err != nil {
		return nil, &syncerr.Error{Kind: syncerr.KindManifest, Op: "parse", URL: c.indexURL, Err: err}
	}
	return idx, nil
}

// FetchInstance downloads, parses and validates the manifest for entry. Index
// metadata fills in fields the manifest leaves empty.
func (c *HTTPClient) FetchInstance(ctx context.Context, entry IndexEntry) (*InstanceManifest, error) {
	manifestURL, err := entry.ManifestURL(c.indexURL)
	if err != nil {
		return nil, syncerr.Manifest(entry.Name, "%v", err)
	}
	if manifestURL == "" {
		return nil, syncerr.Manifest(entry.Name, "no manifest published for instance")
	}

	body, err := c.Open(ctx, manifestURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	m, err := Parse(body)
	if err != nil {
		return nil, &syncerr.Error{Kind: syncerr.KindManifest, Op: "parse", URL: manifestURL, Err: err}
	}
	m.fillFrom(entry)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Open issues a GET for rawURL and returns the response body on 200
func (c *HTTPClient) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, syncerr.Network(rawURL, fmt.Errorf("failed to build request: %w", err))
	}
	if c.token != "" && req.URL.Host == c.authHost {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncerr.Cancelled("", ctx.Err())
		}
		return nil, syncerr.Network(rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, syncerr.HTTPStatus(rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

func (m *InstanceManifest) fillFrom(entry IndexEntry) {
	if m.Name == "" {
		m.Name = entry.Name
	}
	if m.MinecraftVersion == "" {
		m.MinecraftVersion = entry.MinecraftVersion
	}
	if m.LoaderName == "" {
		m.LoaderName = entry.LoaderName
	}
	if m.LoaderVersion == "" {
		m.LoaderVersion = entry.LoaderVersion
	}
}
