package assign

import (
	"context"
	"fmt"
	"io"
	"sort"

	assetgateway "github.com/wolfeidau/asset-gateway"
	"github.com/wolfeidau/asset-gateway/dam"
)

// Downloader is the byte-access surface tasks need from the DAM client.
type Downloader interface {
	OpenRendition(ctx context.Context, asset *dam.Asset, kind dam.RenditionKind) (rc io.ReadCloser, contentType string, err error)
}

// Task computes one derived metadata value for an asset. Tasks only run for
// assets whose target field is still empty; a value already present is never
// recalculated.
type Task interface {
	// Name is the stable task name used in requests and logs.
	Name() string

	// Field is the backend metadata field the task fills.
	Field() string

	// Compute produces the field value for one asset.
	Compute(ctx context.Context, asset *dam.Asset) (string, error)
}

// TaskIdentifier is the name of the public-identifier minting task.
const TaskIdentifier = "identifier"

// TaskContentHash is the name of the content hashing task.
const TaskContentHash = "sha256"

// identifierTask mints a fresh public identifier.
type identifierTask struct {
	field string
}

func (t identifierTask) Name() string  { return TaskIdentifier }
func (t identifierTask) Field() string { return t.field }

func (t identifierTask) Compute(ctx context.Context, asset *dam.Asset) (string, error) {
	id, err := assetgateway.Mint()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// contentHashTask downloads the original rendition and hashes it.
type contentHashTask struct {
	field      string
	alg        assetgateway.Algorithm
	downloader Downloader
}

func (t contentHashTask) Name() string  { return TaskContentHash }
func (t contentHashTask) Field() string { return t.field }

func (t contentHashTask) Compute(ctx context.Context, asset *dam.Asset) (string, error) {
	rc, _, err := t.downloader.OpenRendition(ctx, asset, dam.RenditionOriginal)
	if err != nil {
		return "", fmt.Errorf("fetching original for hashing: %w", err)
	}
	defer rc.Close() //nolint:errcheck

	h, n, err := assetgateway.HashReader(t.alg, rc)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("original rendition of %s is empty", asset.Href)
	}
	return h.String(), nil
}

// taskSet resolves task names to Task implementations.
type taskSet struct {
	byName map[string]Task
}

func (s taskSet) resolve(names []string) ([]Task, error) {
	if len(names) == 0 {
		names = []string{TaskIdentifier}
	}

	tasks := make([]Task, 0, len(names))
	for _, name := range names {
		t, ok := s.byName[name]
		if !ok {
			known := make([]string, 0, len(s.byName))
			for k := range s.byName {
				known = append(known, k)
			}
			sort.Strings(known)
			return nil, fmt.Errorf("unknown task %q, known tasks: %v", name, known)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// fields returns the distinct backend fields the given tasks fill.
func fields(tasks []Task) []string {
	seen := make(map[string]bool, len(tasks))
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if !seen[t.Field()] {
			seen[t.Field()] = true
			out = append(out, t.Field())
		}
	}
	return out
}
