// Package config loads runtime settings from DIRECTORY_* environment
// variables (and an optional config file) through viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissing marks a required setting that was not provided.
var ErrMissing = errors.New("missing required setting")

// Config is the full runtime configuration.
type Config struct {
	Places   Places   `mapstructure:"places"`
	Photo    Photo    `mapstructure:"photo"`
	Storage  Storage  `mapstructure:"storage"`
	Store    Store    `mapstructure:"store"`
	NATS     NATS     `mapstructure:"nats"`
	Geocoder Geocoder `mapstructure:"geocoder"`
	Log      Log      `mapstructure:"log"`
	// MetricsAddr is where long-running binaries serve /metrics and /healthz.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type Places struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	MinRating  float64       `mapstructure:"min_rating"`
	MinReviews int           `mapstructure:"min_reviews"`
	MaxPages   int           `mapstructure:"max_pages"`
	PageDelay  time.Duration `mapstructure:"page_delay"`
	QPS        float64       `mapstructure:"qps"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type Photo struct {
	// Proxies are fetch route templates tried after the direct route.
	// "{url}" is replaced by the escaped source URL, "{raw}" by the raw one.
	Proxies  []string      `mapstructure:"proxies"`
	MinBytes int           `mapstructure:"min_bytes"`
	MaxWidth int           `mapstructure:"max_width"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Prefix   string        `mapstructure:"prefix"`
}

type Storage struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
	PathStyle       bool   `mapstructure:"path_style"`
}

type Store struct {
	// Backend is "postgres", "neo4j" or "memory" (dry runs and tests).
	Backend     string `mapstructure:"backend"`
	DatabaseURL string `mapstructure:"database_url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	ViaBouncer  bool   `mapstructure:"via_bouncer"`
	Neo4jURL    string `mapstructure:"neo4j_url"`
	Neo4jUser   string `mapstructure:"neo4j_user"`
	Neo4jPass   string `mapstructure:"neo4j_pass"`
}

type NATS struct {
	URL string `mapstructure:"url"`
}

type Geocoder struct {
	Enabled   bool    `mapstructure:"enabled"`
	BaseURL   string  `mapstructure:"base_url"`
	UserAgent string  `mapstructure:"user_agent"`
	Rate      float64 `mapstructure:"rate"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Need names a group of settings a binary cannot start without.
type Need int

const (
	NeedPlaces Need = iota
	NeedStore
	NeedStorage
	NeedNATS
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("places.api_key", "")
	v.SetDefault("places.base_url", "https://maps.googleapis.com/maps/api/place")
	v.SetDefault("places.min_rating", 4.0)
	v.SetDefault("places.min_reviews", 10)
	v.SetDefault("places.max_pages", 3)
	v.SetDefault("places.page_delay", 2*time.Second)
	v.SetDefault("places.qps", 5.0)
	v.SetDefault("places.timeout", 15*time.Second)

	v.SetDefault("photo.proxies", []string{})
	v.SetDefault("photo.min_bytes", 1000)
	v.SetDefault("photo.max_width", 800)
	v.SetDefault("photo.timeout", 10*time.Second)
	v.SetDefault("photo.prefix", "businesses")

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.path_style", false)

	v.SetDefault("store.backend", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.via_bouncer", false)
	v.SetDefault("store.neo4j_url", "neo4j://localhost:7687")
	v.SetDefault("store.neo4j_user", "neo4j")
	v.SetDefault("store.neo4j_pass", "")

	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("geocoder.enabled", false)
	v.SetDefault("geocoder.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocoder.user_agent", "localbiz-directory/1.0")
	v.SetDefault("geocoder.rate", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics_addr", ":9091")
}

// Load reads defaults, the optional file at path and the environment.
// Environment variables use the DIRECTORY_ prefix with "." mapped to "_",
// e.g. DIRECTORY_PLACES_API_KEY.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("directory")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// Validate reports every missing setting required by needs.
func (c Config) Validate(needs ...Need) error {
	var errs []error
	missing := func(env string) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, env))
	}
	for _, n := range needs {
		switch n {
		case NeedPlaces:
			if c.Places.APIKey == "" {
				missing("DIRECTORY_PLACES_API_KEY")
			}
		case NeedStore:
			switch c.Store.Backend {
			case "postgres":
				if c.Store.DatabaseURL == "" {
					missing("DIRECTORY_STORE_DATABASE_URL")
				}
			case "neo4j":
				if c.Store.Neo4jURL == "" {
					missing("DIRECTORY_STORE_NEO4J_URL")
				}
			case "memory":
			default:
				errs = append(errs, fmt.Errorf("config: unknown store backend %q", c.Store.Backend))
			}
		case NeedStorage:
			if c.Storage.Bucket == "" {
				missing("DIRECTORY_STORAGE_BUCKET")
			}
		case NeedNATS:
			if c.NATS.URL == "" {
				missing("DIRECTORY_NATS_URL")
			}
		}
	}
	return errors.Join(errs...)
}

// Logger builds the process logger from the log settings.
func (c Config) Logger() *slog.Logger {
	return NewLogger(os.Stderr, c.Log)
}

// NewLogger builds a text or JSON slog logger writing to w.
func NewLogger(w io.Writer, l Log) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
