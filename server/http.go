// Package server provides the HTTP surface of the asset gateway.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	assetgateway "github.com/wolfeidau/asset-gateway"
	"github.com/wolfeidau/asset-gateway/assign"
	"github.com/wolfeidau/asset-gateway/cache"
	"github.com/wolfeidau/asset-gateway/cache/boltstore"
	"github.com/wolfeidau/asset-gateway/credentials"
	"github.com/wolfeidau/asset-gateway/dam"
	"github.com/wolfeidau/asset-gateway/resolve"
	"github.com/wolfeidau/asset-gateway/telemetry"
	"github.com/wolfeidau/asset-gateway/token"
)

// maxWebhookBody caps webhook payload size (1MB).
const maxWebhookBody = 1 << 20

// defaultManifestLimit is the manifest page size when the reader names none.
const defaultManifestLimit = 100

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// BackendURL is the base URL of the DAM backend.
	BackendURL string

	// Archive is the default backend archive for sweeps.
	Archive string

	// IdentifierField is the backend metadata field holding the public
	// identifier.
	IdentifierField string

	// ContentHashField is the backend metadata field holding the content
	// hash. Empty disables the hashing task.
	ContentHashField string

	// ResolveTTL is how long resolved assets stay cached.
	// Default: 5 minutes.
	ResolveTTL time.Duration

	// CacheEntries is the in-memory resolution cache capacity.
	// Default: 4096 entries.
	CacheEntries int

	// CachePath is an optional bbolt file backing the resolution cache
	// across restarts. Empty disables persistence.
	CachePath string

	// ReapInterval is how often expired persistent cache entries are
	// removed. Default: 1 hour.
	ReapInterval time.Duration

	// SweepLimit is the default per-sweep asset cap. Default: 100.
	SweepLimit int

	// HardAmbiguity surfaces multi-match resolutions as hard errors
	// instead of not-found.
	HardAmbiguity bool

	// DevTokens enables the POST /-/token/new endpoint. Never enable this
	// outside local development.
	DevTokens bool

	// Credentials holds the DAM client secret and token signing key.
	Credentials *credentials.Credentials

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the asset gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	backend  *dam.Client
	cache    *cache.Cache[*dam.Asset]
	bolt     *boltstore.Store
	resolver *resolve.Resolver
	assigner *assign.Assigner
	tokens   *token.Service

	reapStop chan struct{}
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.IdentifierField == "" {
		cfg.IdentifierField = "identifier"
	}
	if cfg.CacheEntries == 0 {
		cfg.CacheEntries = 4096
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = 1 * time.Hour
	}
	if cfg.SweepLimit == 0 {
		cfg.SweepLimit = 100
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("server: credentials are required")
	}
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}
	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("server: backend URL is required")
	}

	backend := dam.New(dam.Config{
		BaseURL:      cfg.BackendURL,
		ClientID:     cfg.Credentials.DAM.ClientID,
		ClientSecret: cfg.Credentials.DAM.ClientSecret,
		Archive:      cfg.Archive,
		HTTPClient: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport),
			Timeout:   60 * time.Second,
		},
		Logger: cfg.Logger.With("component", "dam"),
	})

	cacheOpts := []cache.Option[*dam.Asset]{
		cache.WithLogger[*dam.Asset](cfg.Logger.With("component", "cache")),
	}

	var bolt *boltstore.Store
	if cfg.CachePath != "" {
		var err error
		bolt, err = boltstore.Open(cfg.CachePath,
			boltstore.WithLogger(cfg.Logger.With("component", "boltstore")))
		if err != nil {
			return nil, fmt.Errorf("opening cache store: %w", err)
		}
		cacheOpts = append(cacheOpts, cache.WithBacking[*dam.Asset](bolt))
	}

	assetCache := cache.New(cfg.CacheEntries, cacheOpts...)

	resolver := resolve.New(resolve.Config{
		IdentifierField: cfg.IdentifierField,
		TTL:             cfg.ResolveTTL,
		HardAmbiguity:   cfg.HardAmbiguity,
		Logger:          cfg.Logger.With("component", "resolve"),
	}, backend, assetCache)

	assigner := assign.New(assign.Config{
		IdentifierField:  cfg.IdentifierField,
		ContentHashField: cfg.ContentHashField,
		Logger:           cfg.Logger.With("component", "assign"),
	}, backend, assetCache)

	tokens, err := token.New(token.Config{
		Secret: []byte(cfg.Credentials.Token.SigningSecret),
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		backend:  backend,
		cache:    assetCache,
		bolt:     bolt,
		resolver: resolver,
		assigner: assigner,
		tokens:   tokens,
		reapStop: make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long timeout for original downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Public resolution
	mux.HandleFunc("GET /id/{identifier}", s.handleResolve)

	// Asset bytes, token-gated per rendition kind. The trailing wildcard
	// serves the slugged document path the resolver redirects to; the
	// literal segments take precedence over it.
	mux.HandleFunc("GET /doc/{identifier}/original", s.handleRendition(dam.RenditionOriginal, token.AudienceOriginal))
	mux.HandleFunc("GET /doc/{identifier}/preview", s.handleRendition(dam.RenditionPreview, token.AudiencePreview))
	mux.HandleFunc("GET /doc/{identifier}/{filename}", s.handleRendition(dam.RenditionPreview, token.AudiencePreview))

	// Metadata assignment entry points
	mux.HandleFunc("POST /-/webhooks/assign-metadata", s.handleWebhook)
	mux.HandleFunc("GET /-/background-worker/assign-metadata", s.handleSweep)

	// Token-gated listing of every identified asset
	mux.HandleFunc("GET /-/data/jsonld-manifest", s.handleManifest)

	// Sample token minting, local development only
	if s.config.DevTokens {
		mux.HandleFunc("POST /-/token/new", s.handleTokenNew)
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())
	mux.HandleFunc("GET /robots.txt", s.handleRobots)
}

// handleResolve resolves a public identifier and either renders the asset
// summary as JSON or redirects to the slugged document path.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "resolve")

	id := r.PathValue("identifier")

	asset, err := s.resolver.ResolveByID(r.Context(), id)
	if err != nil {
		s.writeResolveError(w, r, err)
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, assetSummary(id, asset))
		return
	}

	http.Redirect(w, r, documentPath(id, asset), http.StatusTemporaryRedirect)
}

// handleRendition streams asset bytes for one rendition kind. The original
// always requires a token; previews of public assets are open.
func (s *Server) handleRendition(kind dam.RenditionKind, aud token.Audience) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetEndpoint(r, "rendition_"+string(kind))

		id := r.PathValue("identifier")

		asset, err := s.resolver.ResolveByID(r.Context(), id)
		if err != nil {
			s.writeResolveError(w, r, err)
			return
		}

		open := kind == dam.RenditionPreview && asset.Public
		if !open {
			if !s.authorize(w, r, aud, id) {
				return
			}
		}

		body, contentType, err := s.backend.OpenRendition(r.Context(), asset, kind)
		if err != nil {
			s.logger.Error("opening rendition", "identifier", id, "kind", kind, "error", err)
			writeError(w, http.StatusBadGateway, "backend unavailable")
			return
		}
		defer body.Close() //nolint:errcheck

		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		if asset.Size > 0 && kind == dam.RenditionOriginal {
			w.Header().Set("Content-Length", strconv.FormatInt(asset.Size, 10))
		}

		if _, err := io.Copy(w, body); err != nil {
			// Headers are gone, nothing to send to the client.
			s.logger.Warn("streaming rendition interrupted", "identifier", id, "kind", kind, "error", err)
		}
	}
}

// handleWebhook assigns metadata to the single asset carried in the event
// payload.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "webhook_assign")

	if !s.authorize(w, r, token.AudienceMetadataUpdate, "") {
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading payload")
		return
	}

	asset, err := s.assigner.AssignViaWebhook(r.Context(), payload, r.URL.Query()["task"])
	if err != nil {
		s.logger.Error("webhook assignment failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, assetSummary(asset.Field(s.config.IdentifierField), asset))
}

// handleSweep runs a bulk assignment pass and reports the summary.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sweep_assign")

	if !s.authorize(w, r, token.AudienceMetadataUpdate, "") {
		return
	}

	req := assign.SweepRequest{
		Archive: r.URL.Query().Get("archive"),
		Limit:   s.config.SweepLimit,
		Tasks:   r.URL.Query()["task"],
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = n
	}

	result, err := s.assigner.Sweep(r.Context(), req)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleManifest lists every asset carrying an identifier as a JSON-LD
// document array, oldest modified first. Readers paginate by passing the
// dateModified of the last result back as ?since=; the Link header carries
// the ready-made next page URL.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "manifest")

	if !s.authorize(w, r, token.AudienceManifest, "") {
		return
	}

	limit := defaultManifestLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since, want RFC 3339")
			return
		}
		since = t
	}

	archive := r.URL.Query().Get("archive")

	assets, err := s.backend.SearchIdentified(r.Context(), archive, s.config.IdentifierField, since, limit)
	if err != nil {
		s.logger.Error("manifest search failed", "error", err)
		writeError(w, http.StatusBadGateway, "backend unavailable")
		return
	}

	docs := make([]map[string]any, 0, len(assets))
	for i := range assets {
		asset := &assets[i]
		id := asset.Field(s.config.IdentifierField)
		if id == "" {
			continue
		}
		docs = append(docs, s.jsonldDocument(id, asset))
	}

	if len(assets) > 0 {
		next := url.Values{
			"limit": {strconv.Itoa(limit)},
			"since": {assets[len(assets)-1].Modified.Format(time.RFC3339)},
		}
		if archive != "" {
			next.Set("archive", archive)
		}
		w.Header().Set("Link", fmt.Sprintf(`</-/data/jsonld-manifest?%s>; rel="next"`, next.Encode()))
	}

	writeJSON(w, http.StatusOK, docs)
}

// jsonldDocument renders one identified asset as a schema.org description.
func (s *Server) jsonldDocument(id string, asset *dam.Asset) map[string]any {
	name := asset.Filename
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}

	doc := map[string]any{
		"@context":         "https://schema.org/docs/jsonldcontext.json",
		"@id":              "/id/" + id,
		"identifier":       id,
		"name":             name,
		"url":              documentPath(id, asset),
		"mainEntityOfPage": s.config.BackendURL + asset.Href,
	}
	if asset.ContentType != "" {
		doc["encodingFormat"] = asset.ContentType
	}
	if asset.Size > 0 {
		doc["fileSize"] = asset.Size
	}
	if !asset.Created.IsZero() {
		doc["dateCreated"] = asset.Created.Format(time.RFC3339)
	}
	if !asset.Modified.IsZero() {
		doc["dateModified"] = asset.Modified.Format(time.RFC3339)
	}
	return doc
}

// handleTokenNew mints a sample token. Registered only when DevTokens is set.
func (s *Server) handleTokenNew(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "token_new")

	aud := token.Audience(r.FormValue("aud"))
	sub := r.FormValue("sub")

	ttl := 5 * time.Minute
	if v := r.FormValue("ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}

	signed, err := s.tokens.Issue(aud, sub, ttl)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": signed})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleRobots denies all crawlers. Every asset URL is either tokened or
// intentionally unlisted.
func (s *Server) handleRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
}

// writeResolveError maps resolution failures onto HTTP status codes.
// Ambiguous matches surface as not-found unless hard ambiguity is on.
func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, assetgateway.ErrInvalidIdentifier):
		writeError(w, http.StatusUnprocessableEntity, "malformed identifier")
	case errors.Is(err, resolve.ErrNotFound):
		writeError(w, http.StatusNotFound, "asset not found")
	case errors.Is(err, resolve.ErrAmbiguous):
		writeError(w, http.StatusConflict, "identifier matches multiple assets")
	default:
		s.logger.Error("resolution failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "backend unavailable")
	}
}

// documentPath is the canonical slugged path an identifier resolves to.
func documentPath(id string, asset *dam.Asset) string {
	return "/doc/" + id + "/" + slugFilename(asset.Filename)
}

// assetSummary is the public JSON representation of one resolved asset.
func assetSummary(id string, asset *dam.Asset) map[string]any {
	out := map[string]any{
		"identifier":   id,
		"filename":     asset.Filename,
		"content_type": asset.ContentType,
		"public":       asset.Public,
		"links": map[string]string{
			"document": documentPath(id, asset),
			"preview":  "/doc/" + id + "/preview",
			"original": "/doc/" + id + "/original",
		},
	}
	if asset.Size > 0 {
		out["size"] = asset.Size
	}
	if !asset.Created.IsZero() {
		out["created"] = asset.Created.Format(time.RFC3339)
	}
	if !asset.Modified.IsZero() {
		out["modified"] = asset.Modified.Format(time.RFC3339)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// wantsJSON reports whether the client asked for a JSON representation.
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and the persistent cache reaper.
func (s *Server) Start() error {
	if s.bolt != nil {
		go s.reapLoop()
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// reapLoop periodically removes expired entries from the persistent cache.
func (s *Server) reapLoop() {
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := s.bolt.Reap()
			if err != nil {
				s.logger.Warn("cache reap failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("reaped expired cache entries", "removed", removed)
			}
		case <-s.reapStop:
			return
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	close(s.reapStop)

	err := s.httpServer.Shutdown(ctx)

	if s.bolt != nil {
		if cerr := s.bolt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the fully wired HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
