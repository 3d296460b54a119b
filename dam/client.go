// Package dam is the HTTP client for the digital asset management backend,
// the system of record for assets and their metadata. It authenticates with
// OAuth2 client credentials and exposes the small surface the gateway needs:
// find-by-field search, metadata updates, and rendition downloads.
package dam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnavailable is returned when the backend cannot be reached or
	// responds with a server error. The gateway does not retry.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrConflict is returned when a metadata update races a concurrent
	// write to the same field.
	ErrConflict = errors.New("metadata write conflict")

	// ErrAssetNotFound is returned when an asset href no longer exists.
	ErrAssetNotFound = errors.New("asset not found")
)

// Config holds client configuration.
type Config struct {
	// BaseURL is the backend host, e.g. "https://tenant.example.cloud".
	BaseURL string

	// ClientID and ClientSecret authenticate the gateway with the backend's
	// OAuth2 client-credentials grant.
	ClientID     string
	ClientSecret string

	// Archive is the identifier of the archive searched by default.
	Archive string

	// SearchSuffix is an extra search expression appended to every query,
	// e.g. to restrict results to released assets.
	SearchSuffix string

	// HTTPClient is the underlying HTTP client. Defaults to a client with
	// a 30 second timeout.
	HTTPClient *http.Client

	// Logger for backend interactions.
	Logger *slog.Logger
}

// Client talks to the DAM backend. It is safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	tokenGroup singleflight.Group
	tokenMu    sync.RWMutex
	cachedTok  accessToken
}

type accessToken struct {
	value   string
	expires time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a backend client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	c := &Client{
		cfg:        cfg,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search finds all assets in the configured archive where field carries
// value. Results are ordered oldest first by the backend; zero, one, or many
// records are all normal outcomes for the caller to interpret.
func (c *Client) Search(ctx context.Context, field, value string) ([]Asset, error) {
	return c.search(ctx, c.cfg.Archive, fmt.Sprintf("%s:%q", field, value), 0)
}

// SearchMissing finds up to limit assets lacking a value in any of the given
// fields. An empty archive falls back to the configured default. Used by the
// metadata sweep.
func (c *Client) SearchMissing(ctx context.Context, archive string, fields []string, limit int) ([]Asset, error) {
	if archive == "" {
		archive = c.cfg.Archive
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, fmt.Sprintf("%s:\"\"", f))
	}
	return c.search(ctx, archive, strings.Join(terms, " OR "), limit)
}

// SearchIdentified finds up to limit assets that carry a value in field,
// ordered oldest modified first by the backend. A non-zero since restricts
// the results to assets modified at or after that instant, which is how
// manifest readers paginate. An empty archive falls back to the configured
// default.
func (c *Client) SearchIdentified(ctx context.Context, archive, field string, since time.Time, limit int) ([]Asset, error) {
	if archive == "" {
		archive = c.cfg.Archive
	}
	query := fmt.Sprintf("NOT %s:\"\"", field)
	if !since.IsZero() {
		query += fmt.Sprintf(" mtf:%q", since.Format(time.RFC3339))
	}
	return c.search(ctx, archive, query, limit)
}

func (c *Client) search(ctx context.Context, archive, query string, limit int) ([]Asset, error) {
	if c.cfg.SearchSuffix != "" {
		query += " " + c.cfg.SearchSuffix
	}

	params := url.Values{"q": {query}}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	path := fmt.Sprintf("/api/archives/%s/assets?%s", url.PathEscape(archive), params.Encode())

	var result struct {
		Assets struct {
			Data []Asset `json:"data"`
		} `json:"assets"`
	}
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}

	c.logger.Debug("backend search", "query", query, "results", len(result.Assets.Data))
	return result.Assets.Data, nil
}

// GetAsset fetches a single asset snapshot by its backend href.
func (c *Client) GetAsset(ctx context.Context, href string) (*Asset, error) {
	var asset Asset
	if err := c.getJSON(ctx, href, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

// UpdateMetadata writes the given metadata fields to the asset at href.
// A 409 from the backend indicates a concurrent write to the same fields and
// surfaces as ErrConflict.
func (c *Client) UpdateMetadata(ctx context.Context, href string, fields Metadata) error {
	body, err := json.Marshal(struct {
		Metadata Metadata `json:"metadata"`
	}{Metadata: fields})
	if err != nil {
		return fmt.Errorf("encoding metadata update: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPatch, href, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrAssetNotFound, href)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: metadata update returned status %d", ErrUnavailable, resp.StatusCode)
	}

	c.logger.Debug("backend metadata update", "href", href, "fields", len(fields))
	return nil
}

// OpenRendition opens a byte stream of the asset's rendition. The caller
// must close the returned reader. The second return value is the content
// type reported by the backend.
func (c *Client) OpenRendition(ctx context.Context, asset *Asset, kind RenditionKind) (io.ReadCloser, string, error) {
	href := asset.Href + "/renditions/" + string(kind)

	req, err := c.newRequest(ctx, http.MethodGet, href, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, "", fmt.Errorf("%w: %s", ErrAssetNotFound, href)
	case resp.StatusCode >= 400:
		_ = resp.Body.Close()
		return nil, "", fmt.Errorf("%w: rendition returned status %d", ErrUnavailable, resp.StatusCode)
	}

	return resp.Body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrAssetNotFound, path)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: %s returned status %d", ErrUnavailable, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	u := path
	if strings.HasPrefix(path, "/") {
		u = c.cfg.BaseURL + path
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building backend request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// token returns a valid access token, requesting a fresh one when the cached
// token is absent or within a minute of expiry. Concurrent refreshes share a
// single token request.
func (c *Client) token(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	cached := c.cachedTok
	c.tokenMu.RUnlock()

	if cached.value != "" && c.now().Add(time.Minute).Before(cached.expires) {
		return cached.value, nil
	}

	v, err, _ := c.tokenGroup.Do("token", func() (any, error) {
		fresh, err := c.requestToken(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.tokenMu.Lock()
		c.cachedTok = fresh
		c.tokenMu.Unlock()
		return fresh.value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) requestToken(ctx context.Context) (accessToken, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return accessToken{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return accessToken{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return accessToken{}, fmt.Errorf("%w: token endpoint returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return accessToken{}, fmt.Errorf("%w: decoding token response: %v", ErrUnavailable, err)
	}
	if payload.AccessToken == "" {
		return accessToken{}, fmt.Errorf("%w: token endpoint returned no access token", ErrUnavailable)
	}

	c.logger.Debug("backend access token refreshed", "expires_in", payload.ExpiresIn)
	return accessToken{
		value:   payload.AccessToken,
		expires: c.now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}
