package blob

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kalambet/meirobo/internal/config"
)

// Open returns the blob store selected by cfg.Blob.Backend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.Blob.Backend {
	case "", "local":
		return NewLocal(filepath.Join(cfg.Storage.DataDir, "blobs"), cfg.Server.PublicURL, []byte(localSigningKey(cfg)))
	case "s3":
		return NewS3(ctx, S3Options{
			Bucket:    cfg.Blob.Bucket,
			Region:    cfg.Blob.Region,
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}

func localSigningKey(cfg config.Config) string {
	if cfg.Blob.SecretKey != "" {
		return cfg.Blob.SecretKey
	}
	return cfg.Auth.JWTSecret + "/blob"
}
