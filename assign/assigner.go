// Package assign is the write path of the gateway: it mints public
// identifiers and computes derived metadata for backend assets that lack
// them, persisting the values on the backend. The same idempotent core
// operation serves both the bulk background sweep and the single-asset
// webhook trigger.
package assign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	assetgateway "github.com/wolfeidau/asset-gateway"
	"github.com/wolfeidau/asset-gateway/dam"
	"github.com/wolfeidau/asset-gateway/resolve"
	"github.com/wolfeidau/asset-gateway/telemetry"
)

// Backend is the surface the assigner needs from the DAM client.
type Backend interface {
	SearchMissing(ctx context.Context, archive string, fields []string, limit int) ([]dam.Asset, error)
	GetAsset(ctx context.Context, href string) (*dam.Asset, error)
	UpdateMetadata(ctx context.Context, href string, fields dam.Metadata) error
	OpenRendition(ctx context.Context, asset *dam.Asset, kind dam.RenditionKind) (io.ReadCloser, string, error)
}

// Invalidator removes cache entries after writes. Satisfied by the
// resolver's cache.
type Invalidator interface {
	Invalidate(key string)
}

// Config holds assigner configuration.
type Config struct {
	// IdentifierField is the backend metadata field holding the public
	// identifier.
	IdentifierField string

	// ContentHashField is the backend metadata field holding the content
	// hash. Empty disables the hashing task.
	ContentHashField string

	// HashAlgorithm selects the content hash algorithm. Default sha256.
	HashAlgorithm assetgateway.Algorithm

	// Logger for assignment events.
	Logger *slog.Logger
}

// SweepRequest describes one bulk assignment pass.
type SweepRequest struct {
	// Archive restricts the sweep to one archive. Empty means the
	// backend's default archive.
	Archive string

	// Limit caps how many assets one sweep processes.
	Limit int

	// Tasks names the tasks to run. Empty means just the identifier task.
	Tasks []string
}

// SweepResult summarises one bulk assignment pass.
type SweepResult struct {
	Processed int `json:"processed"`
	Assigned  int `json:"assigned"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Assigner runs metadata assignment tasks against the backend.
type Assigner struct {
	cfg     Config
	backend Backend
	cache   Invalidator
	tasks   taskSet
	logger  *slog.Logger
}

// New creates an assigner. The cache invalidator may be nil when no cache
// is in use.
func New(cfg Config, backend Backend, cache Invalidator) *Assigner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HashAlgorithm == "" {
		cfg.HashAlgorithm = assetgateway.AlgSHA256
	}

	byName := map[string]Task{
		TaskIdentifier: identifierTask{field: cfg.IdentifierField},
	}
	if cfg.ContentHashField != "" {
		byName[TaskContentHash] = contentHashTask{
			field:      cfg.ContentHashField,
			alg:        cfg.HashAlgorithm,
			downloader: backend,
		}
	}

	return &Assigner{
		cfg:     cfg,
		backend: backend,
		cache:   cache,
		tasks:   taskSet{byName: byName},
		logger:  cfg.Logger,
	}
}

// Tasks resolves task names, defaulting to the identifier task.
func (a *Assigner) Tasks(names []string) ([]Task, error) {
	return a.tasks.resolve(names)
}

// AssignOne runs the given tasks on one asset and persists any newly
// computed values. It is idempotent: fields that already carry a value are
// skipped, and calling it again on a fully assigned asset issues no backend
// write. When a concurrent worker wins the write race the backend's current
// record is re-read and returned unchanged: first assignment wins.
func (a *Assigner) AssignOne(ctx context.Context, asset *dam.Asset, tasks []Task) (*dam.Asset, error) {
	updated, _, err := a.assignOne(ctx, asset, tasks)
	return updated, err
}

func (a *Assigner) assignOne(ctx context.Context, asset *dam.Asset, tasks []Task) (*dam.Asset, bool, error) {
	updates := dam.Metadata{}

	for _, task := range tasks {
		if asset.HasField(task.Field()) {
			telemetry.RecordSweepTask(ctx, task.Name(), "skipped")
			continue
		}

		value, err := task.Compute(ctx, asset)
		if err != nil {
			telemetry.RecordSweepTask(ctx, task.Name(), "failed")
			return nil, false, fmt.Errorf("task %s on %s: %w", task.Name(), asset.Href, err)
		}
		updates[task.Field()] = dam.FieldValue{Value: value}
		telemetry.RecordSweepTask(ctx, task.Name(), "assigned")
	}

	if len(updates) == 0 {
		return asset, false, nil
	}

	err := a.backend.UpdateMetadata(ctx, asset.Href, updates)
	switch {
	case errors.Is(err, dam.ErrConflict):
		// Another worker assigned the fields first. Re-read and return
		// the winner's values; ours are discarded.
		a.logger.Info("assignment lost write race, keeping existing values", "href", asset.Href)
		current, readErr := a.backend.GetAsset(ctx, asset.Href)
		if readErr != nil {
			return nil, false, fmt.Errorf("re-reading %s after write conflict: %w", asset.Href, readErr)
		}
		a.invalidate(current)
		return current, false, nil
	case err != nil:
		return nil, false, err
	}

	updated := *asset
	updated.Metadata = make(dam.Metadata, len(asset.Metadata)+len(updates))
	for k, v := range asset.Metadata {
		updated.Metadata[k] = v
	}
	for k, v := range updates {
		updated.Metadata[k] = v
	}

	a.invalidate(&updated)
	a.logger.Info("assigned metadata", "href", asset.Href, "fields", len(updates))
	return &updated, true, nil
}

// invalidate drops cached resolutions for every field the asset carries a
// value in, so the next lookup observes the fresh backend state.
func (a *Assigner) invalidate(asset *dam.Asset) {
	if a.cache == nil {
		return
	}
	for field, v := range asset.Metadata {
		if v.Value != "" {
			a.cache.Invalidate(resolve.Key(field, v.Value))
		}
	}
}

// Sweep runs tasks over backend assets missing any of the tasks' fields,
// up to the request limit. Individual asset failures are recorded and
// skipped; they never abort the sweep.
func (a *Assigner) Sweep(ctx context.Context, req SweepRequest) (SweepResult, error) {
	tasks, err := a.tasks.resolve(req.Tasks)
	if err != nil {
		return SweepResult{}, err
	}

	assets, err := a.backend.SearchMissing(ctx, req.Archive, fields(tasks), req.Limit)
	if err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	for i := range assets {
		result.Processed++

		_, wrote, err := a.assignOne(ctx, &assets[i], tasks)
		switch {
		case err != nil:
			result.Failed++
			a.logger.Warn("sweep task failed for asset", "href", assets[i].Href, "error", err)
		case wrote:
			result.Assigned++
		default:
			result.Skipped++
		}
	}

	a.logger.Info("sweep finished",
		"archive", req.Archive,
		"processed", result.Processed,
		"assigned", result.Assigned,
		"skipped", result.Skipped,
		"failed", result.Failed)
	return result, nil
}

// webhookPayload is the event body delivered by the backend on ingestion.
type webhookPayload struct {
	Data *dam.Asset `json:"data"`
}

// AssignViaWebhook handles a single-asset assignment event. The payload
// carries the asset snapshot under "data"; the same idempotency and
// conflict rules as AssignOne apply.
func (a *Assigner) AssignViaWebhook(ctx context.Context, payload []byte, taskNames []string) (*dam.Asset, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decoding webhook payload: %w", err)
	}
	if body.Data == nil || body.Data.Href == "" {
		return nil, errors.New("webhook payload carries no asset")
	}

	tasks, err := a.tasks.resolve(taskNames)
	if err != nil {
		return nil, err
	}

	return a.AssignOne(ctx, body.Data, tasks)
}
