// Package backend adapts object storage provider SDKs to storage.ObjectStore.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/eteran/objgate/pkg/storage"
)

const (
	ProviderMinio = "minio"
	ProviderS3    = "s3"
)

// Config describes how to reach the provider and which bucket to use.
type Config struct {
	Provider     string
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
	PathStyle    bool
}

// New returns the ObjectStore for cfg.Provider.
func New(ctx context.Context, cfg Config) (storage.ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderMinio, "":
		store, err := NewMinioStore(cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	case ProviderS3:
		store, err := NewS3Store(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
