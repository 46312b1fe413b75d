package pagestate

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

const (
	// StorageKey is the single KV key holding the whole record set.
	StorageKey        = "pagekit:page-cache"
	DefaultTTL        = 30 * time.Minute
	DefaultMaxRecords = 50
)

// Record is the saved view of one page.
type Record struct {
	Key            string          `json:"key"`
	Path           string          `json:"path"`
	State          json.RawMessage `json:"state,omitempty"`
	ScrollPosition int             `json:"scrollPosition"`
	StoredAt       time.Time       `json:"storedAt"`
	TTL            time.Duration   `json:"ttl"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	// Seq orders records saved within the same clock tick.
	Seq uint64 `json:"seq"`
}

// Expired reports whether the record is stale at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.StoredAt.Add(r.TTL))
}

// olderThan orders records by StoredAt, then by save sequence.
func olderThan(a, b *Record) bool {
	if !a.StoredAt.Equal(b.StoredAt) {
		return a.StoredAt.Before(b.StoredAt)
	}
	return a.Seq < b.Seq
}

// DecodeState unmarshals the saved state into out.
func (r *Record) DecodeState(out any) error {
	if len(r.State) == 0 {
		return nil
	}
	return json.Unmarshal(r.State, out)
}

func (r *Record) clone() *Record {
	cp := *r
	cp.State = append(json.RawMessage(nil), r.State...)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// NormalizePath strips query and fragment and trailing slashes.
func NormalizePath(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

// KeyForPath derives the record key: the normalized path with every
// non-alphanumeric rune replaced by '_'.
func KeyForPath(path string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, NormalizePath(path))
}
