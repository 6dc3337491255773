package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Inference  InferenceConfig
	Ingest     IngestConfig
	Dictionary DictionaryConfig
	Corpus     CorpusConfig
}

type ServerConfig struct {
	Port           int
	MaxConnections int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

type InferenceConfig struct {
	Backend        string
	BaseURL        string
	Timeout        time.Duration
	ModelPath      string
	MetadataPath   string
	RuntimeLibrary string
	MinConfidence  float64
	// Labels is the fruit vocabulary; empty means the built-in list.
	Labels []string
}

type IngestConfig struct {
	MaxImageBytes  int
	DefinitionWait time.Duration
	// PendingExpiry is the age after which a pending submission is failed.
	PendingExpiry time.Duration
}

type DictionaryConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	MaxAttempts   int
	FreshFor      time.Duration
	FailureTTL    time.Duration
	Cache         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type CorpusConfig struct {
	Sink        string
	Dir         string
	S3Bucket    string
	S3Prefix    string
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
}

const (
	SinkNone = "none"
	SinkFile = "file"
	SinkS3   = "s3"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           4100,
			MaxConnections: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Inference: InferenceConfig{
			Backend:       "http",
			BaseURL:       "http://127.0.0.1:4101",
			Timeout:       30 * time.Second,
			MinConfidence: 0.5,
		},
		Ingest: IngestConfig{
			MaxImageBytes:  10 << 20,
			DefinitionWait: 2 * time.Second,
			PendingExpiry:  10 * time.Minute,
		},
		Dictionary: DictionaryConfig{
			BaseURL:     "https://dictionaryapi.com/api/v3/references/collegiate/json",
			Timeout:     5 * time.Second,
			MaxAttempts: 3,
			FreshFor:    24 * time.Hour,
			FailureTTL:  5 * time.Minute,
			Cache:       CacheMemory,
			RedisAddr:   "127.0.0.1:6379",
		},
		Corpus: CorpusConfig{
			Sink:     SinkNone,
			S3Region: "us-east-1",
		},
	}
}

// Load reads configuration from $XDG_CONFIG_HOME/fruitlens/config.yaml,
// FRUITLENS_* environment variables, and the secrets file.
//
// Environment variables override file values. Secrets are read from the
// environment first and from the secrets file otherwise.
func Load() (Config, error) {
	b, err := newFileBackend(configFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, NewSecretStore())
}

// LoadFrom is Load with an explicit config file.
func LoadFrom(path string) (Config, error) {
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b, NewSecretStore())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if cfg.Corpus.Sink == SinkFile && cfg.Corpus.Dir == "" {
		cfg.Corpus.Dir = filepath.Join(cfg.Storage.DataDir, "corpus")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that would stop the server from starting.
func (c Config) Validate() error {
	switch c.Inference.Backend {
	case "http":
		if c.Inference.BaseURL == "" {
			return fmt.Errorf("inference.base_url is required for the http backend")
		}
	case "onnx":
		if c.Inference.ModelPath == "" || c.Inference.MetadataPath == "" {
			return fmt.Errorf("inference.model_path and inference.metadata_path are required for the onnx backend")
		}
	default:
		return fmt.Errorf("unknown inference.backend %q (want http or onnx)", c.Inference.Backend)
	}
	if c.Inference.MinConfidence < 0 || c.Inference.MinConfidence > 1 {
		return fmt.Errorf("inference.min_confidence must be within [0,1], got %v", c.Inference.MinConfidence)
	}
	if c.Ingest.MaxImageBytes <= 0 {
		return fmt.Errorf("ingest.max_image_bytes must be positive")
	}
	// Zero disables expiry. Otherwise a classification still within its
	// inference timeout must never be expired.
	if c.Ingest.PendingExpiry < 0 {
		return fmt.Errorf("ingest.pending_expiry must not be negative")
	}
	if c.Ingest.PendingExpiry > 0 && c.Ingest.PendingExpiry <= c.Inference.Timeout {
		return fmt.Errorf("ingest.pending_expiry (%v) must be longer than inference.timeout (%v)",
			c.Ingest.PendingExpiry, c.Inference.Timeout)
	}

	switch c.Dictionary.Cache {
	case CacheMemory:
	case CacheRedis:
		if c.Dictionary.RedisAddr == "" {
			return fmt.Errorf("dictionary.redis_addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown dictionary.cache %q (want memory or redis)", c.Dictionary.Cache)
	}

	switch c.Corpus.Sink {
	case "", SinkNone, SinkFile:
	case SinkS3:
		if c.Corpus.S3Bucket == "" {
			return fmt.Errorf("corpus.s3_bucket is required for the s3 sink")
		}
	default:
		return fmt.Errorf("unknown corpus.sink %q (want none, file or s3)", c.Corpus.Sink)
	}
	return nil
}

// ExportEnabled reports whether confirmed samples are copied to a corpus.
func (c Config) ExportEnabled() bool {
	return c.Corpus.Sink == SinkFile || c.Corpus.Sink == SinkS3
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "fruitlens-data"
		}
	}
	return filepath.Join(dir, "fruitlens")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "fruitlens")
}

func configFilePath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// FilePath returns the config file Load reads.
func FilePath() string {
	return configFilePath()
}
