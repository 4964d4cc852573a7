package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("blob not found")

// Signed URL expiry bounds.
const (
	DefaultURLTTL = 10 * time.Minute
	MaxURLTTL     = 60 * time.Minute
)

// Store holds tenant artifacts: original uploads, query-ready extracts and
// synthesized audio.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// PresignPut returns a URL a client can upload key to until ttl passes.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	// PresignGet returns a URL that serves key until ttl passes.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// EntryKey is the key of an artifact that belongs to a corpus entry.
func EntryKey(tenantID, entryID, name string) string {
	return path.Join("tenants", tenantID, "acervo", entryID, name)
}

// AudioKey is the key of a synthesized reply for an attempt.
func AudioKey(tenantID, attemptID, ext string) string {
	return path.Join("tenants", tenantID, "audio", attemptID+ext)
}

// ClampTTL applies the default and upper bound to a signed URL expiry.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultURLTTL
	}
	if ttl > MaxURLTTL {
		return MaxURLTTL
	}
	return ttl
}

// ValidateKey rejects keys that could escape the tenant prefix.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid blob key %q", key)
		}
	}
	return nil
}
