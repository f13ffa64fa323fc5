package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

const (
	// MetadataID is the key of the single metadata row.
	MetadataID = "main"

	// Expiry is the cache validity window, checked against the metadata
	// row's cachedAt on every read.
	Expiry = 24 * time.Hour

	// BatchSize is how many records go into one write transaction.
	BatchSize = 100

	SchemaVersion = 1
)

// CachedVulnerability is the stored envelope around a flattened record.
// CachedAt is milliseconds since epoch, shared by every row of one put.
type CachedVulnerability struct {
	types.FlattenedVulnerability
	CachedAt int64 `json:"cachedAt"`
}

// CachedMetadata is the single "main" metadata row.
type CachedMetadata struct {
	ID string `json:"id"`
	types.Metadata
	SchemaVersion uint  `json:"schemaVersion,omitempty"`
	CachedAt      int64 `json:"cachedAt"`
}

// Valid reports whether a cachedAt stamp is still inside the expiry window.
func Valid(cachedAt int64, now time.Time) bool {
	return now.UnixMilli()-cachedAt < Expiry.Milliseconds()
}

// NormalizePublished rewrites a published date that uses a space instead of
// the date/time separator and attaches the derived millisecond timestamp
// used for sorting. Backends call this on every read, not at write time.
func NormalizePublished(v *types.FlattenedVulnerability) {
	p := strings.Replace(v.Published, " ", "T", 1)
	v.Published = p
	v.PublishedTimestamp = 0
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, p); err == nil {
			v.PublishedTimestamp = t.UnixMilli()
			break
		}
	}
}

// IndexKaiStatus normalizes an empty kaiStatus to the "unknown" bucket so
// index lookups and metadata buckets agree.
func IndexKaiStatus(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// CacheError is an underlying storage failure during a store operation.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %s", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}
