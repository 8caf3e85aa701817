// Package apiclient provides typed calls to peer supervisors' control
// APIs, reused by the operator CLI to call the local supervisor too. It
// is a small, hand-written client rather than one generated from an
// OpenAPI schema.
package apiclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jutuon/app-manager/internal/apperr"
	"github.com/jutuon/app-manager/internal/model"
)

// Client calls one peer's control API over HTTPS with the configured
// x-api-key.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// keyFetchTimeout bounds only GetEncryptionKey calls: that fetch sits
	// on the reboot critical path and must not stall shutdown indefinitely.
	// Zero means no explicit timeout beyond ctx.
	keyFetchTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithKeyFetchTimeout sets the bound used only by GetEncryptionKey.
func WithKeyFetchTimeout(d time.Duration) Option {
	return func(c *Client) { c.keyFetchTimeout = d }
}

// New constructs a Client. tlsConfig is nil for plaintext (used only for
// the operator's loopback listener); production peer calls always pass a
// non-nil tls.Config built via internal/tlsutil, pinned to a single root
// only when the peer sets root_certificate.
func New(baseURL, apiKey string, tlsConfig *tls.Config, opts ...Option) *Client {
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Transport: transport},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindNetworkRequest, "building request")
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.KindNetworkRequest, "%s %s", method, path)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, apperr.New(apperr.KindNetworkRequest, fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data)))
	}
	return resp, nil
}

// GetEncryptionKey fetches the named data-encryption key's bytes.
func (c *Client) GetEncryptionKey(ctx context.Context, server string) ([]byte, error) {
	if c.keyFetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.keyFetchTimeout)
		defer cancel()
	}
	resp, err := c.do(ctx, http.MethodGet, "/manager_api/encryption_key/"+url.PathEscape(server), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindNetworkRequest, "reading encryption key body")
	}
	return data, nil
}

// GetLatestBuildInfo fetches the BuildInfo record for kind from latest/.
func (c *Client) GetLatestBuildInfo(ctx context.Context, kind model.SoftwareKind) (model.BuildInfo, error) {
	q := url.Values{"software_options": {kind.String()}, "download_type": {"info"}}
	resp, err := c.do(ctx, http.MethodGet, "/manager_api/latest_software", q, nil)
	if err != nil {
		return model.BuildInfo{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.BuildInfo{}, apperr.Wrap(err, apperr.KindNetworkRequest, "reading build info body")
	}
	bi, err := model.DecodeBuildInfo(data)
	if err != nil {
		return model.BuildInfo{}, apperr.Wrap(err, apperr.KindDecode, "decoding build info")
	}
	return bi, nil
}

// DownloadArtifact streams the encrypted binary for kind from latest/.
// Callers must close the returned ReadCloser.
func (c *Client) DownloadArtifact(ctx context.Context, kind model.SoftwareKind) (io.ReadCloser, error) {
	q := url.Values{"software_options": {kind.String()}, "download_type": {"binary"}}
	resp, err := c.do(ctx, http.MethodGet, "/manager_api/latest_software", q, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// RequestBuild enqueues a build.
func (c *Client) RequestBuild(ctx context.Context, kind model.SoftwareKind) error {
	q := url.Values{"software_options": {kind.String()}}
	resp, err := c.do(ctx, http.MethodPost, "/manager_api/request_build_software", q, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// RequestUpdate enqueues a software update.
func (c *Client) RequestUpdate(ctx context.Context, kind model.SoftwareKind, reboot, resetData bool) error {
	q := url.Values{
		"software_options": {kind.String()},
		"reboot":           {boolQuery(reboot)},
		"reset_data":       {boolQuery(resetData)},
	}
	resp, err := c.do(ctx, http.MethodPost, "/manager_api/request_software_update", q, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// RequestRestart enqueues a backend restart/reset.
func (c *Client) RequestRestart(ctx context.Context, resetData bool) error {
	q := url.Values{"reset_data": {boolQuery(resetData)}}
	resp, err := c.do(ctx, http.MethodPost, "/manager_api/request_restart_or_reset_backend", q, nil)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// SoftwareInfo mirrors the JSON shape returned by GET software_info: the
// current and previous installed records, keyed by SoftwareKind.
type SoftwareInfo struct {
	Installed    map[string]model.BuildInfo `json:"installed"`
	InstalledOld map[string]model.BuildInfo `json:"installed_old"`
}

// GetSoftwareInfo fetches both installed records.
func (c *Client) GetSoftwareInfo(ctx context.Context) (SoftwareInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/manager_api/software_info", nil, nil)
	if err != nil {
		return SoftwareInfo{}, err
	}
	defer resp.Body.Close()
	var info SoftwareInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return SoftwareInfo{}, apperr.Wrap(err, apperr.KindDecode, "decoding software info")
	}
	return info, nil
}

// GetSystemInfo fetches concatenated diagnostic output.
func (c *Client) GetSystemInfo(ctx context.Context, all bool) (string, error) {
	path := "/manager_api/system_info"
	if all {
		path = "/manager_api/system_info_all"
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindNetworkRequest, "reading system info body")
	}
	return string(data), nil
}

func boolQuery(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
