// Package config loads the objgate process configuration from command line
// flags, OBJGATE_* environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/eteran/objgate/internal/backend"
)

// EnvPrefix is prepended to every environment variable, so "store.bucket"
// is read from OBJGATE_STORE_BUCKET.
const EnvPrefix = "OBJGATE"

// DefaultMinioEndpoint is used by the minio provider when no endpoint is set.
// The s3 provider leaves an empty endpoint to the AWS SDK.
const DefaultMinioEndpoint = "localhost:9000"

type TLSConfig struct {
	Listen   string
	CertFile string
	KeyFile  string
}

// Enabled reports whether both halves of the key pair were provided.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

type Config struct {
	Listen         string
	TLS            TLSConfig
	MetricsListen  string
	LogLevel       log.Level
	Store          backend.Config
	CreateBucket   bool
	MaxUploadBytes int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

type binding struct {
	key  string
	flag string
}

var bindings = []binding{
	{"config", "config"},
	{"listen", "listen"},
	{"tls.listen", "tls-listen"},
	{"tls.cert-file", "tls-cert"},
	{"tls.key-file", "tls-key"},
	{"metrics.listen", "metrics-listen"},
	{"log.level", "log-level"},
	{"store.provider", "provider"},
	{"store.endpoint", "endpoint"},
	{"store.bucket", "bucket"},
	{"store.region", "region"},
	{"store.access-key", "access-key"},
	{"store.secret-key", "secret-key"},
	{"store.session-token", "session-token"},
	{"store.use-ssl", "use-ssl"},
	{"store.path-style", "path-style"},
	{"store.create-bucket", "create-bucket"},
	{"upload.max-bytes", "max-upload-bytes"},
	{"http.read-timeout", "read-timeout"},
	{"http.write-timeout", "write-timeout"},
}

// RegisterFlags defines every configuration flag on fs along with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml or json)")

	fs.String("listen", ":8080", "HTTP listen address")
	fs.String("tls-listen", ":8443", "HTTPS listen address")
	fs.String("tls-cert", "", "TLS certificate file, HTTPS is disabled when empty")
	fs.String("tls-key", "", "TLS private key file")
	fs.String("metrics-listen", ":9090", "Prometheus metrics listen address, disabled when empty")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")

	fs.String("provider", backend.ProviderMinio, "object store provider (minio or s3)")
	fs.String("endpoint", "", "object store endpoint, host:port or URL (minio defaults to "+DefaultMinioEndpoint+")")
	fs.String("bucket", "", "bucket holding the images")
	fs.String("region", "us-east-1", "object store region")
	fs.String("access-key", "", "object store access key")
	fs.String("secret-key", "", "object store secret key")
	fs.String("session-token", "", "object store session token")
	fs.Bool("use-ssl", false, "use TLS when the endpoint has no scheme")
	fs.Bool("path-style", true, "address buckets by path instead of virtual host")
	fs.Bool("create-bucket", false, "create the bucket on startup if it does not exist")

	fs.Int64("max-upload-bytes", 32<<20, "maximum size of an uploaded file in bytes")
	fs.Duration("read-timeout", 5*time.Minute, "HTTP server read timeout")
	fs.Duration("write-timeout", 5*time.Minute, "HTTP server write timeout")
}

// Load resolves the configuration. Explicitly set flags win over the
// environment, which wins over the config file and then the flag defaults.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	for _, b := range bindings {
		flag := fs.Lookup(b.flag)
		if flag == nil {
			return nil, fmt.Errorf("flag %q is not registered", b.flag)
		}
		if err := v.BindPFlag(b.key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %q: %w", b.flag, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	level, err := log.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", v.GetString("log.level"), err)
	}

	cfg := &Config{
		Listen: v.GetString("listen"),
		TLS: TLSConfig{
			Listen:   v.GetString("tls.listen"),
			CertFile: v.GetString("tls.cert-file"),
			KeyFile:  v.GetString("tls.key-file"),
		},
		MetricsListen: v.GetString("metrics.listen"),
		LogLevel:      level,
		Store: backend.Config{
			Provider:     strings.ToLower(v.GetString("store.provider")),
			Endpoint:     v.GetString("store.endpoint"),
			Bucket:       v.GetString("store.bucket"),
			Region:       v.GetString("store.region"),
			AccessKey:    v.GetString("store.access-key"),
			SecretKey:    v.GetString("store.secret-key"),
			SessionToken: v.GetString("store.session-token"),
			UseSSL:       v.GetBool("store.use-ssl"),
			PathStyle:    v.GetBool("store.path-style"),
		},
		CreateBucket:   v.GetBool("store.create-bucket"),
		MaxUploadBytes: v.GetInt64("upload.max-bytes"),
		ReadTimeout:    v.GetDuration("http.read-timeout"),
		WriteTimeout:   v.GetDuration("http.write-timeout"),
	}

	if cfg.Store.Provider == backend.ProviderMinio && cfg.Store.Endpoint == "" {
		cfg.Store.Endpoint = DefaultMinioEndpoint
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if c.Store.Bucket == "" {
		errs = append(errs, errors.New("store.bucket is required"))
	}

	switch c.Store.Provider {
	case backend.ProviderMinio, backend.ProviderS3:
	default:
		errs = append(errs, fmt.Errorf("unknown store.provider %q, expected %q or %q", c.Store.Provider, backend.ProviderMinio, backend.ProviderS3))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert-file and tls.key-file must be set together"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("upload.max-bytes must be positive, got %d", c.MaxUploadBytes))
	}

	return errors.Join(errs...)
}
