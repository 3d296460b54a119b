package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	assetgateway "github.com/wolfeidau/asset-gateway"
	"github.com/wolfeidau/asset-gateway/assign"
	"github.com/wolfeidau/asset-gateway/credentials"
	"github.com/wolfeidau/asset-gateway/dam"
	"github.com/wolfeidau/asset-gateway/token"
)

const signingSecret = "test-signing-secret"

// fakeDAM is an in-memory stand-in for the backend DAM, speaking just
// enough of its API for the gateway: OAuth2 token endpoint, archive search,
// asset read/update, rendition download.
type fakeDAM struct {
	mu       sync.Mutex
	assets   map[string]*dam.Asset
	content  []byte
	searches atomic.Int64

	srv *httptest.Server
}

func newFakeDAM(t *testing.T, assets ...*dam.Asset) *fakeDAM {
	t.Helper()

	f := &fakeDAM{
		assets:  map[string]*dam.Asset{},
		content: []byte("rendition bytes"),
	}
	for _, a := range assets {
		f.assets[a.Href] = a
	}

	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDAM) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth2/token" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "backend-token", "expires_in": 3600}`))
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/archives/") {
		f.handleSearch(w, r)
		return
	}

	if strings.Contains(r.URL.Path, "/renditions/") {
		f.handleRendition(w, r)
		return
	}

	f.handleAsset(w, r)
}

func (f *fakeDAM) handleSearch(w http.ResponseWriter, r *http.Request) {
	f.searches.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	matched := f.match(r.URL.Query().Get("q"))
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err == nil && limit > 0 && len(matched) > limit {
			matched = matched[:limit]
		}
	}

	out := make([]dam.Asset, 0, len(matched))
	for _, a := range matched {
		out = append(out, *a)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"assets": map[string]any{"data": out},
	})
}

// match evaluates the gateway's query language: alternatives joined by OR,
// each a space-joined conjunction of field:"value" terms. An empty value
// matches assets lacking the field, NOT negates the following term, and
// mtf:"t" bounds the modified date from below, mirroring the backend.
// Results come back oldest modified first, as the backend orders them.
func (f *fakeDAM) match(q string) []*dam.Asset {
	var matched []*dam.Asset
	for _, a := range f.assets {
		for _, alt := range strings.Split(q, " OR ") {
			if f.matchTerms(a, alt) {
				matched = append(matched, a)
				break
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Modified.Equal(matched[j].Modified) {
			return matched[i].Modified.Before(matched[j].Modified)
		}
		return matched[i].Href < matched[j].Href
	})
	return matched
}

func (f *fakeDAM) matchTerms(a *dam.Asset, alt string) bool {
	negate := false
	for _, tok := range strings.Fields(alt) {
		if tok == "NOT" {
			negate = true
			continue
		}
		field, rest, ok := strings.Cut(tok, ":")
		if !ok {
			continue
		}
		value := strings.Trim(rest, `"`)

		var hit bool
		switch {
		case field == "mtf":
			t, err := time.Parse(time.RFC3339, value)
			hit = err == nil && !a.Modified.Before(t)
		case value == "":
			hit = !a.HasField(field)
		default:
			hit = a.Field(field) == value
		}
		if negate {
			hit = !hit
			negate = false
		}
		if !hit {
			return false
		}
	}
	return true
}

func (f *fakeDAM) handleRendition(w http.ResponseWriter, r *http.Request) {
	href, kind, _ := strings.Cut(r.URL.Path, "/renditions/")

	f.mu.Lock()
	_, ok := f.assets[href]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	switch kind {
	case "preview":
		w.Header().Set("Content-Type", "image/jpeg")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	_, _ = w.Write(f.content)
}

func (f *fakeDAM) handleAsset(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.assets[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var body struct {
			Metadata dam.Metadata `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if a.Metadata == nil {
			a.Metadata = dam.Metadata{}
		}
		for k, v := range body.Metadata {
			a.Metadata[k] = v
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a)
	}
}

func newTestGateway(t *testing.T, fake *fakeDAM, mutate ...func(*Config)) http.Handler {
	t.Helper()

	cfg := Config{
		BackendURL: fake.srv.URL,
		Archive:    "photos",
		Credentials: &credentials.Credentials{
			DAM:   &credentials.DAMCredentials{ClientID: "gateway", ClientSecret: "secret"},
			Token: &credentials.TokenCredentials{SigningSecret: signingSecret},
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	return srv.Handler()
}

func mintToken(t *testing.T, aud token.Audience, sub string) string {
	t.Helper()

	svc, err := token.New(token.Config{Secret: []byte(signingSecret)})
	require.NoError(t, err)

	signed, err := svc.Issue(aud, sub, 5*time.Minute)
	require.NoError(t, err)
	return signed
}

const testID = "rxkq6nfbqfmvgy3sknxwg2dshaq"

func testAsset(id string) *dam.Asset {
	return &dam.Asset{
		Href:     "/docs/doc.jpg",
		Filename: "doc.jpg",
		Metadata: dam.Metadata{"identifier": {Value: id}},
	}
}

func TestResolveMalformedIdentifier(t *testing.T) {
	fake := newFakeDAM(t)
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/id/123-bad", nil))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Zero(t, fake.searches.Load(), "malformed identifiers must not reach the backend")
}

func TestResolveJSON(t *testing.T) {
	fake := newFakeDAM(t, testAsset(testID))
	handler := newTestGateway(t, fake)

	req := httptest.NewRequest(http.MethodGet, "/id/"+testID, nil)
	req.Header.Set("Accept", "application/json")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, testID, body["identifier"])
	assert.Equal(t, "doc.jpg", body["filename"])
}

func TestResolveRedirectsToSluggedDocument(t *testing.T) {
	asset := testAsset(testID)
	asset.Filename = "Harbour Bridge at Night.jpg"

	fake := newFakeDAM(t, asset)
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/id/"+testID, nil))

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/doc/"+testID+"/harbour-bridge-at-night.jpg", rec.Header().Get("Location"))
}

func TestSluggedDocumentServesPreview(t *testing.T) {
	asset := testAsset(testID)
	asset.Public = true

	fake := newFakeDAM(t, asset)
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/doc/"+testID+"/doc.jpg", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "rendition bytes", rec.Body.String())
}

func TestSluggedDocumentOfPrivateAssetRequiresToken(t *testing.T) {
	fake := newFakeDAM(t, testAsset(testID))
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/doc/"+testID+"/doc.jpg", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResolveNotFound(t *testing.T) {
	fake := newFakeDAM(t)
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/id/"+testID, nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveAmbiguousReadsAsNotFound(t *testing.T) {
	second := testAsset(testID)
	second.Href = "/docs/dupe.jpg"

	fake := newFakeDAM(t, testAsset(testID), second)
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/id/"+testID, nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveCachesAcrossRequests(t *testing.T) {
	fake := newFakeDAM(t, testAsset(testID))
	handler := newTestGateway(t, fake)

	for range 3 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/id/"+testID, nil))
		require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	}

	assert.Equal(t, int64(1), fake.searches.Load())
}

func TestOriginalRequiresToken(t *testing.T) {
	fake := newFakeDAM(t, testAsset(testID))
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/doc/"+testID+"/original", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestOriginalWithQueryToken(t *testing.T) {
	fake := newFakeDAM(t, testAsset(testID))
	handler := newTestGateway(t, fake)

	tok := mintToken(t, token.AudienceOriginal, testID)
	target := "/doc/" + testID + "/original?token=" + url.QueryEscape(tok)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rendition bytes", rec.Body.String())
}

func TestOriginalWithBearerToken(t *testing.T) {
	fake := newFakeDAM(t, testAsset(testID))
	handler := newTestGateway(t, fake)

	req := httptest.NewRequest(http.MethodGet, "/doc/"+testID+"/original", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, token.AudienceOriginal, testID))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOriginalWrongAudience(t *testing.T) {
	fake := newFakeDAM(t, testAsset(testID))
	handler := newTestGateway(t, fake)

	// A preview token must not unlock the original bytes.
	tok := mintToken(t, token.AudiencePreview, testID)
	target := "/doc/" + testID + "/original?token=" + url.QueryEscape(tok)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOriginalWrongSubject(t *testing.T) {
	fake := newFakeDAM(t, testAsset(testID))
	handler := newTestGateway(t, fake)

	tok := mintToken(t, token.AudienceOriginal, "zother2other2other2otherxyz")
	target := "/doc/" + testID + "/original?token=" + url.QueryEscape(tok)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPreviewOfPublicAssetNeedsNoToken(t *testing.T) {
	asset := testAsset(testID)
	asset.Public = true

	fake := newFakeDAM(t, asset)
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/doc/"+testID+"/preview", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
}

func TestPreviewOfPrivateAssetRequiresToken(t *testing.T) {
	fake := newFakeDAM(t, testAsset(testID))
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/doc/"+testID+"/preview", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAssignsIdentifier(t *testing.T) {
	asset := &dam.Asset{
		Href:     "/docs/fresh.jpg",
		Filename: "fresh.jpg",
		Metadata: dam.Metadata{},
	}
	fake := newFakeDAM(t, asset)
	handler := newTestGateway(t, fake)

	payload, err := json.Marshal(map[string]any{"data": asset})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/-/webhooks/assign-metadata", strings.NewReader(string(payload)))
	req.Header.Set("Authorization", "Bearer "+mintToken(t, token.AudienceMetadataUpdate, "webhook"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	id, _ := body["identifier"].(string)
	assert.True(t, assetgateway.Valid(id), "webhook response should carry the minted identifier, got %q", id)

	// The write reached the backend.
	fake.mu.Lock()
	stored := fake.assets[asset.Href].Field("identifier")
	fake.mu.Unlock()
	assert.Equal(t, id, stored)
}

func TestWebhookRequiresToken(t *testing.T) {
	fake := newFakeDAM(t)
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/-/webhooks/assign-metadata", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSweepHonoursLimit(t *testing.T) {
	fake := newFakeDAM(t,
		&dam.Asset{Href: "/docs/1.jpg", Metadata: dam.Metadata{}},
		&dam.Asset{Href: "/docs/2.jpg", Metadata: dam.Metadata{}},
		&dam.Asset{Href: "/docs/3.jpg", Metadata: dam.Metadata{}},
	)
	handler := newTestGateway(t, fake)

	req := httptest.NewRequest(http.MethodGet, "/-/background-worker/assign-metadata?limit=2", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, token.AudienceMetadataUpdate, "worker"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result assign.SweepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, assign.SweepResult{Processed: 2, Assigned: 2}, result)
}

func TestManifestRequiresToken(t *testing.T) {
	fake := newFakeDAM(t, testAsset(testID))
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/data/jsonld-manifest", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestManifestListsOnlyIdentifiedAssets(t *testing.T) {
	modified := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	identified := testAsset(testID)
	identified.Filename = "Harbour Bridge at Night.jpg"
	identified.Modified = modified

	fake := newFakeDAM(t,
		identified,
		&dam.Asset{Href: "/docs/unidentified.jpg", Filename: "new.jpg", Metadata: dam.Metadata{}},
	)
	handler := newTestGateway(t, fake)

	req := httptest.NewRequest(http.MethodGet, "/-/data/jsonld-manifest", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, token.AudienceManifest, "reader"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var docs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, testID, docs[0]["identifier"])
	assert.Equal(t, "Harbour Bridge at Night", docs[0]["name"])
	assert.Equal(t, "/doc/"+testID+"/harbour-bridge-at-night.jpg", docs[0]["url"])
	assert.Equal(t, modified.Format(time.RFC3339), docs[0]["dateModified"])

	assert.Contains(t, rec.Header().Get("Link"), `rel="next"`)
	assert.Contains(t, rec.Header().Get("Link"), "/-/data/jsonld-manifest?")
}

func TestManifestPaginatesByModifiedDate(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	manifestAsset := func(n int, modified time.Time) *dam.Asset {
		return &dam.Asset{
			Href:     fmt.Sprintf("/docs/%d.jpg", n),
			Filename: fmt.Sprintf("%d.jpg", n),
			Modified: modified,
			Metadata: dam.Metadata{"identifier": {Value: fmt.Sprintf("id-%d", n)}},
		}
	}

	fake := newFakeDAM(t,
		manifestAsset(1, base),
		manifestAsset(2, base.Add(time.Hour)),
		manifestAsset(3, base.Add(2*time.Hour)),
	)
	handler := newTestGateway(t, fake)
	bearer := "Bearer " + mintToken(t, token.AudienceManifest, "reader")

	req := httptest.NewRequest(http.MethodGet, "/-/data/jsonld-manifest?limit=2", nil)
	req.Header.Set("Authorization", bearer)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var page []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page, 2)
	assert.Equal(t, "id-1", page[0]["identifier"])
	assert.Equal(t, "id-2", page[1]["identifier"])

	since := base.Add(time.Hour).Format(time.RFC3339)
	assert.Contains(t, rec.Header().Get("Link"), "since="+url.QueryEscape(since))

	// The next page starts at the last seen modified date, inclusive, so
	// the reader never skips assets sharing a timestamp.
	req = httptest.NewRequest(http.MethodGet, "/-/data/jsonld-manifest?limit=2&since="+url.QueryEscape(since), nil)
	req.Header.Set("Authorization", bearer)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page, 2)
	assert.Equal(t, "id-2", page[0]["identifier"])
	assert.Equal(t, "id-3", page[1]["identifier"])
}

func TestManifestRejectsBadSince(t *testing.T) {
	fake := newFakeDAM(t)
	handler := newTestGateway(t, fake)

	req := httptest.NewRequest(http.MethodGet, "/-/data/jsonld-manifest?since=yesterday", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, token.AudienceManifest, "reader"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenNewInDevMode(t *testing.T) {
	fake := newFakeDAM(t)
	handler := newTestGateway(t, fake, func(cfg *Config) { cfg.DevTokens = true })

	form := url.Values{"aud": {"ori"}, "sub": {testID}, "ttl": {"5m"}}
	req := httptest.NewRequest(http.MethodPost, "/-/token/new", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	svc, err := token.New(token.Config{Secret: []byte(signingSecret)})
	require.NoError(t, err)
	claims, err := svc.Verify(body["token"], token.AudienceOriginal, testID)
	require.NoError(t, err)
	assert.Equal(t, testID, claims.Subject)
}

func TestTokenNewDisabledByDefault(t *testing.T) {
	fake := newFakeDAM(t)
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/-/token/new", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	fake := newFakeDAM(t)
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRobotsDeniesAll(t *testing.T) {
	fake := newFakeDAM(t)
	handler := newTestGateway(t, fake)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/robots.txt", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Disallow: /")
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	_, err := New(Config{BackendURL: "http://localhost"})
	require.Error(t, err)
}

func TestShutdown(t *testing.T) {
	fake := newFakeDAM(t)

	srv, err := New(Config{
		BackendURL: fake.srv.URL,
		Credentials: &credentials.Credentials{
			DAM:   &credentials.DAMCredentials{ClientID: "gateway", ClientSecret: "secret"},
			Token: &credentials.TokenCredentials{SigningSecret: signingSecret},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
