// Package resolve maps public identifiers (and legacy field/value pairs)
// back to exactly one backend asset. Lookups are cached and deduplicated so
// concurrent resolutions of the same key share one backend search.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	assetgateway "github.com/wolfeidau/asset-gateway"
	"github.com/wolfeidau/asset-gateway/cache"
	"github.com/wolfeidau/asset-gateway/dam"
	"github.com/wolfeidau/asset-gateway/telemetry"
)

var (
	// ErrNotFound is returned when no backend asset matches.
	ErrNotFound = errors.New("asset not found")

	// ErrAmbiguous is returned when more than one backend asset matches a
	// key that must be unique. This is a data-integrity violation on the
	// backend, not a normal multiplicity case.
	ErrAmbiguous = errors.New("multiple assets match")
)

// Backend is the search surface the resolver needs from the DAM client.
type Backend interface {
	Search(ctx context.Context, field, value string) ([]dam.Asset, error)
}

// Config holds resolver configuration.
type Config struct {
	// IdentifierField is the backend metadata field holding the public
	// identifier.
	IdentifierField string

	// TTL is how long resolved assets stay cached. Default 5 minutes.
	TTL time.Duration

	// HardAmbiguity controls whether an ambiguous match is surfaced as a
	// hard error. When false (the default) the returned error matches both
	// ErrNotFound and ErrAmbiguous, so callers treat it as not-found while
	// the warning still reaches the logs.
	HardAmbiguity bool

	// Logger for diagnostics.
	Logger *slog.Logger
}

// Resolver resolves identifiers to single backend assets.
type Resolver struct {
	cfg     Config
	backend Backend
	cache   *cache.Cache[*dam.Asset]
	logger  *slog.Logger
}

// New creates a resolver using the given cache and backend.
func New(cfg Config, backend Backend, c *cache.Cache[*dam.Asset]) *Resolver {
	if cfg.TTL == 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Resolver{
		cfg:     cfg,
		backend: backend,
		cache:   c,
		logger:  cfg.Logger,
	}
}

// Key returns the canonical cache key for a field/value lookup. The metadata
// assigner uses the same keys to invalidate entries after writes.
func Key(field, value string) string {
	return "resolve|" + field + "|" + value
}

// ResolveByID resolves a public identifier to exactly one asset. Malformed
// identifiers fail with assetgateway.ErrInvalidIdentifier before any backend
// interaction.
func (r *Resolver) ResolveByID(ctx context.Context, id string) (*dam.Asset, error) {
	parsed, err := assetgateway.ParseIdentifier(id)
	if err != nil {
		telemetry.RecordResolution(ctx, "by_id", "invalid")
		return nil, err
	}
	return r.resolve(ctx, "by_id", r.cfg.IdentifierField, parsed.String())
}

// ResolveByField resolves an arbitrary backend field/value pair to exactly
// one asset. Used by the legacy path-based lookup.
func (r *Resolver) ResolveByField(ctx context.Context, field, value string) (*dam.Asset, error) {
	return r.resolve(ctx, "by_field", field, value)
}

func (r *Resolver) resolve(ctx context.Context, kind, field, value string) (*dam.Asset, error) {
	asset, cached, err := r.cache.GetOrCompute(ctx, Key(field, value), r.cfg.TTL, func(ctx context.Context) (*dam.Asset, error) {
		return r.lookup(ctx, field, value)
	})
	if err != nil {
		telemetry.RecordResolution(ctx, kind, outcomeForError(err))
		return nil, err
	}

	// The cache reports the source per flight, so waiters that shared a
	// cold lookup count as misses along with the caller that ran it.
	if cached {
		telemetry.RecordResolution(ctx, kind, "hit")
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
	} else {
		telemetry.RecordResolution(ctx, kind, "miss")
		telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
	}
	return asset, nil
}

func (r *Resolver) lookup(ctx context.Context, field, value string) (*dam.Asset, error) {
	assets, err := r.backend.Search(ctx, field, value)
	if err != nil {
		return nil, err
	}

	switch len(assets) {
	case 0:
		return nil, fmt.Errorf("%w: %s=%q", ErrNotFound, field, value)
	case 1:
		return &assets[0], nil
	default:
		hrefs := make([]string, 0, len(assets))
		for _, a := range assets {
			hrefs = append(hrefs, a.Href)
		}
		r.logger.Warn("data-integrity violation: unique field matches multiple assets",
			"field", field, "value", value, "matches", len(assets), "hrefs", hrefs)

		if r.cfg.HardAmbiguity {
			return nil, fmt.Errorf("%w: %s=%q (%d matches)", ErrAmbiguous, field, value, len(assets))
		}
		return nil, fmt.Errorf("%w (%w): %s=%q (%d matches)", ErrNotFound, ErrAmbiguous, field, value, len(assets))
	}
}

func outcomeForError(err error) string {
	switch {
	case errors.Is(err, ErrAmbiguous):
		return "ambiguous"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
