// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package release discovers and downloads the server binary.

The release manifest is the GitHub releases API response: either a single
release object (".../releases/latest") or an array of them
(".../releases"). Drafts and prereleases are skipped, the remaining
releases are ordered by semantic version, and the newest one with an asset
for the target platform wins.

An asset matches when its name ends in "-<goos>-<goarch>" (plus ".exe" on
Windows) and does not contain "debug" or "collector". Signatures and
variant builds ("-musl") never match because the pattern is anchored.

Downloads go to a temporary file in the destination directory, are checked
for a non-zero size, made executable, and renamed into place, so a failed
download never leaves a partial binary at the final path.
*/
package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/RaptorSetup/cmd/raptorsetup/internal/settings"
	"github.com/AleutianAI/RaptorSetup/pkg/logging"
)

var (
	// ErrNoRelease is returned when the manifest has no usable release.
	ErrNoRelease = errors.New("no stable release found in manifest")

	// ErrNoAsset is returned when no release has an asset for the platform.
	ErrNoAsset = errors.New("no release asset matches this platform")

	// ErrEmptyDownload is returned when the downloaded file has zero bytes.
	ErrEmptyDownload = errors.New("downloaded binary is empty")

	// ErrHTTPStatus is returned for a non-200 response.
	ErrHTTPStatus = errors.New("unexpected HTTP status")
)

// Excluded asset name fragments.
var excludedFragments = []string{"debug", "collector"}

// DefaultTimeout bounds a single manifest fetch or download.
const DefaultTimeout = 10 * time.Minute

// Asset is one downloadable file of a release.
type Asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
	Size int64  `json:"size"`
}

// Release is one entry of the manifest.
type Release struct {
	TagName    string  `json:"tag_name"`
	Draft      bool    `json:"draft"`
	Prerelease bool    `json:"prerelease"`
	Assets     []Asset `json:"assets"`
}

// Version returns the tag as a canonical semver string, or "" if the tag is
// not a version.
func (r Release) Version() string {
	v := r.TagName
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// ParseManifest decodes a manifest holding one release or an array.
func ParseManifest(data []byte) ([]Release, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var releases []Release
		if err := json.Unmarshal(data, &releases); err != nil {
			return nil, fmt.Errorf("decode release list: %w", err)
		}
		return releases, nil
	}
	var r Release
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	return []Release{r}, nil
}

// AssetPattern returns the name pattern for goos/goarch.
func AssetPattern(goos, goarch string) *regexp.Regexp {
	suffix := ""
	if goos == "windows" {
		suffix = `(\.exe)?`
	}
	return regexp.MustCompile(`-` + regexp.QuoteMeta(goos) + `-` + regexp.QuoteMeta(goarch) + suffix + `$`)
}

// MatchAsset returns the first asset of r matching pattern and not
// containing an excluded fragment.
func MatchAsset(r Release, pattern *regexp.Regexp) (Asset, bool) {
	for _, a := range r.Assets {
		name := strings.ToLower(a.Name)
		if !pattern.MatchString(name) {
			continue
		}
		if slices.ContainsFunc(excludedFragments, func(f string) bool { return strings.Contains(name, f) }) {
			continue
		}
		return a, true
	}
	return Asset{}, false
}

// Select picks the newest stable release with an asset for goos/goarch.
//
// # Outputs
//
//   - Release, Asset: the winner
//   - error: ErrNoRelease if nothing stable exists, ErrNoAsset if no stable
//     release has a matching asset
func Select(releases []Release, goos, goarch string) (Release, Asset, error) {
	var stable []Release
	for _, r := range releases {
		if r.Draft || r.Prerelease {
			continue
		}
		v := r.Version()
		if v != "" && semver.Prerelease(v) != "" {
			continue
		}
		stable = append(stable, r)
	}
	if len(stable) == 0 {
		return Release{}, Asset{}, ErrNoRelease
	}

	// Newest first; untagged releases sort last.
	slices.SortStableFunc(stable, func(a, b Release) int {
		return semver.Compare(b.Version(), a.Version())
	})

	pattern := AssetPattern(goos, goarch)
	for _, r := range stable {
		if a, ok := MatchAsset(r, pattern); ok {
			return r, a, nil
		}
	}
	return Release{}, Asset{}, fmt.Errorf("%w: %s/%s", ErrNoAsset, goos, goarch)
}

// =============================================================================
// Client
// =============================================================================

// Client fetches manifests and downloads assets.
type Client struct {
	http   *http.Client
	logger *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *logging.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// NewClient creates a Client that routes through proxy when non-nil.
func NewClient(proxy *settings.ProxySettings, opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != nil {
		transport.Proxy = http.ProxyURL(ProxyURL(*proxy))
	}
	c := &Client{
		http:   &http.Client{Timeout: DefaultTimeout, Transport: transport},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProxyURL returns the http:// URL for p.
func ProxyURL(p settings.ProxySettings) *url.URL {
	return &url.URL{Scheme: "http", Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
}

// FetchManifest downloads and parses the manifest at manifestURL.
func (c *Client) FetchManifest(ctx context.Context, manifestURL string) ([]Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", manifestURL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close manifest body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w %d from %s", ErrHTTPStatus, resp.StatusCode, manifestURL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Download streams assetURL into dest atomically and returns the size.
func (c *Client) Download(ctx context.Context, assetURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Accept", "application/octet-stream")

	c.logger.Info("Downloading release asset", "url", assetURL, "dest", dest)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", assetURL, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close download body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w %d from %s", ErrHTTPStatus, resp.StatusCode, assetURL)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrEmptyDownload
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("install binary: %w", err)
	}
	return n, nil
}

// =============================================================================
// Acquirer
// =============================================================================

// Request describes the binary an installation needs.
type Request struct {
	ManifestURL string
	Dest        string
	Proxy       *settings.ProxySettings
}

// Result reports what Acquire did.
type Result struct {
	Path       string
	Downloaded bool
	Version    string
	Asset      string
	Size       int64
}

// Acquirer makes the server binary available at a path.
type Acquirer interface {
	Acquire(ctx context.Context, req Request) (Result, error)
}

// DefaultAcquirer downloads from the release manifest when the binary is
// absent or empty.
type DefaultAcquirer struct {
	goos, goarch string
	newClient    func(proxy *settings.ProxySettings) *Client
}

// NewAcquirer creates an Acquirer for the running platform.
func NewAcquirer(logger *logging.Logger) *DefaultAcquirer {
	return &DefaultAcquirer{
		goos:   runtime.GOOS,
		goarch: runtime.GOARCH,
		newClient: func(proxy *settings.ProxySettings) *Client {
			return NewClient(proxy, WithLogger(logger))
		},
	}
}

// Acquire returns the existing binary or downloads the newest release.
func (a *DefaultAcquirer) Acquire(ctx context.Context, req Request) (Result, error) {
	if info, err := os.Stat(req.Dest); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		return Result{Path: req.Dest, Size: info.Size()}, nil
	}

	client := a.newClient(req.Proxy)
	releases, err := client.FetchManifest(ctx, req.ManifestURL)
	if err != nil {
		return Result{}, err
	}
	rel, asset, err := Select(releases, a.goos, a.goarch)
	if err != nil {
		return Result{}, err
	}
	n, err := client.Download(ctx, asset.URL, req.Dest)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Path:       req.Dest,
		Downloaded: true,
		Version:    rel.TagName,
		Asset:      asset.Name,
		Size:       n,
	}, nil
}

// MockAcquirer is a test double for Acquirer.
type MockAcquirer struct {
	AcquireFunc func(ctx context.Context, req Request) (Result, error)
	Requests    []Request
}

// Acquire records req and delegates to AcquireFunc.
func (m *MockAcquirer) Acquire(ctx context.Context, req Request) (Result, error) {
	m.Requests = append(m.Requests, req)
	if m.AcquireFunc == nil {
		return Result{Path: req.Dest}, nil
	}
	return m.AcquireFunc(ctx, req)
}

var (
	_ Acquirer = (*DefaultAcquirer)(nil)
	_ Acquirer = (*MockAcquirer)(nil)
)
