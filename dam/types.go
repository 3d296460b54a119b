package dam

import "time"

// FieldValue is the value of a single metadata field on a backend asset.
type FieldValue struct {
	Value string `json:"value"`
}

// Metadata holds the named metadata fields of an asset.
type Metadata map[string]FieldValue

// Asset is an immutable-per-fetch snapshot of one backend asset. The Href is
// the backend's own physical identifier; it is archive-scoped and not
// globally unique. The globally unique public identifier lives in a metadata
// field whose name is configured by the caller.
type Asset struct {
	Href        string    `json:"href"`
	ArchiveHref string    `json:"archiveHREF,omitempty"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"filesize,omitempty"`
	Created     time.Time `json:"created,omitzero"`
	Modified    time.Time `json:"modified,omitzero"`
	Public      bool      `json:"public,omitempty"`
	Metadata    Metadata  `json:"metadata,omitempty"`
}

// Field returns the value of a named metadata field, or "" when unset.
func (a *Asset) Field(name string) string {
	if a.Metadata == nil {
		return ""
	}
	return a.Metadata[name].Value
}

// HasField reports whether the named metadata field carries a non-empty value.
func (a *Asset) HasField(name string) bool {
	return a.Field(name) != ""
}

// RenditionKind selects which byte representation of an asset to download.
type RenditionKind string

const (
	RenditionOriginal RenditionKind = "original"
	RenditionPreview  RenditionKind = "preview"
)
