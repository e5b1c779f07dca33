package gateway

import (
	"github.com/google/uuid"

	"github.com/eteran/objgate/pkg/storage"
)

// DefaultMaxUploadBytes bounds the size of an uploaded file. The request body
// may exceed it by a small allowance for the multipart envelope.
const DefaultMaxUploadBytes int64 = 32 << 20

type Config struct {
	Store          storage.ObjectStore
	MaxUploadBytes int64
	NewKey         func() string
	Metrics        *Metrics
}

type ConfigOption func(*Config)

func WithStore(store storage.ObjectStore) ConfigOption {
	return func(cfg *Config) {
		cfg.Store = store
	}
}

func WithMaxUploadBytes(n int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MaxUploadBytes = n
	}
}

// WithKeyGenerator overrides how keys for uploaded objects are generated.
func WithKeyGenerator(fn func() string) ConfigOption {
	return func(cfg *Config) {
		cfg.NewKey = fn
	}
}

func WithMetrics(m *Metrics) ConfigOption {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		MaxUploadBytes: DefaultMaxUploadBytes,
		NewKey:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
