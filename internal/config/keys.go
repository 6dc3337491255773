package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FRUITLENS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_connections", typ: kInt, env: "FRUITLENS_SERVER_MAX_CONNECTIONS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConnections = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConnections },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FRUITLENS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "FRUITLENS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "FRUITLENS_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "inference.backend", typ: kString, env: "FRUITLENS_INFERENCE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Inference.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.Backend },
	},
	{
		key: "inference.base_url", typ: kString, env: "FRUITLENS_INFERENCE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inference.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.BaseURL },
	},
	{
		key: "inference.timeout", typ: kDuration, env: "FRUITLENS_INFERENCE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Inference.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Inference.Timeout },
	},
	{
		key: "inference.model_path", typ: kString, env: "FRUITLENS_INFERENCE_MODEL_PATH",
		apply:   func(cfg *Config, v any) { cfg.Inference.ModelPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.ModelPath },
	},
	{
		key: "inference.metadata_path", typ: kString, env: "FRUITLENS_INFERENCE_METADATA_PATH",
		apply:   func(cfg *Config, v any) { cfg.Inference.MetadataPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.MetadataPath },
	},
	{
		key: "inference.runtime_library", typ: kString, env: "FRUITLENS_INFERENCE_RUNTIME_LIBRARY",
		apply:   func(cfg *Config, v any) { cfg.Inference.RuntimeLibrary = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.RuntimeLibrary },
	},
	{
		key: "inference.min_confidence", typ: kFloat, env: "FRUITLENS_INFERENCE_MIN_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Inference.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Inference.MinConfidence },
	},
	{
		key: "inference.labels", typ: kList, env: "FRUITLENS_INFERENCE_LABELS",
		apply:   func(cfg *Config, v any) { cfg.Inference.Labels = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Inference.Labels, ",") },
	},
	{
		key: "ingest.max_image_bytes", typ: kInt, env: "FRUITLENS_INGEST_MAX_IMAGE_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxImageBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxImageBytes },
	},
	{
		key: "ingest.definition_wait", typ: kDuration, env: "FRUITLENS_INGEST_DEFINITION_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Ingest.DefinitionWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.DefinitionWait },
	},
	{
		key: "ingest.pending_expiry", typ: kDuration, env: "FRUITLENS_INGEST_PENDING_EXPIRY",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PendingExpiry = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.PendingExpiry },
	},
	{
		key: "dictionary.base_url", typ: kString, env: "FRUITLENS_DICTIONARY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Dictionary.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Dictionary.BaseURL },
	},
	{
		key: "dictionary.api_key", typ: kString, env: "FRUITLENS_DICTIONARY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Dictionary.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Dictionary.APIKey },
	},
	{
		key: "dictionary.timeout", typ: kDuration, env: "FRUITLENS_DICTIONARY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Dictionary.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dictionary.Timeout },
	},
	{
		key: "dictionary.max_attempts", typ: kInt, env: "FRUITLENS_DICTIONARY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Dictionary.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Dictionary.MaxAttempts },
	},
	{
		key: "dictionary.fresh_for", typ: kDuration, env: "FRUITLENS_DICTIONARY_FRESH_FOR",
		apply:   func(cfg *Config, v any) { cfg.Dictionary.FreshFor = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dictionary.FreshFor },
	},
	{
		key: "dictionary.failure_ttl", typ: kDuration, env: "FRUITLENS_DICTIONARY_FAILURE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Dictionary.FailureTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dictionary.FailureTTL },
	},
	{
		key: "dictionary.cache", typ: kString, env: "FRUITLENS_DICTIONARY_CACHE",
		apply:   func(cfg *Config, v any) { cfg.Dictionary.Cache = v.(string) },
		extract: func(cfg Config) any { return cfg.Dictionary.Cache },
	},
	{
		key: "dictionary.redis_addr", typ: kString, env: "FRUITLENS_DICTIONARY_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Dictionary.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Dictionary.RedisAddr },
	},
	{
		key: "dictionary.redis_password", typ: kString, env: "FRUITLENS_DICTIONARY_REDIS_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Dictionary.RedisPassword = v.(string) },
		extract: func(cfg Config) any { return cfg.Dictionary.RedisPassword },
	},
	{
		key: "dictionary.redis_db", typ: kInt, env: "FRUITLENS_DICTIONARY_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Dictionary.RedisDB = v.(int) },
		extract: func(cfg Config) any { return cfg.Dictionary.RedisDB },
	},
	{
		key: "corpus.sink", typ: kString, env: "FRUITLENS_CORPUS_SINK",
		apply:   func(cfg *Config, v any) { cfg.Corpus.Sink = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.Sink },
	},
	{
		key: "corpus.dir", typ: kString, env: "FRUITLENS_CORPUS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Corpus.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.Dir },
	},
	{
		key: "corpus.s3_bucket", typ: kString, env: "FRUITLENS_CORPUS_S3_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Corpus.S3Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.S3Bucket },
	},
	{
		key: "corpus.s3_prefix", typ: kString, env: "FRUITLENS_CORPUS_S3_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Corpus.S3Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.S3Prefix },
	},
	{
		key: "corpus.s3_endpoint", typ: kString, env: "FRUITLENS_CORPUS_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Corpus.S3Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.S3Endpoint },
	},
	{
		key: "corpus.s3_region", typ: kString, env: "FRUITLENS_CORPUS_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.Corpus.S3Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.S3Region },
	},
	{
		key: "corpus.s3_access_key", typ: kString, env: "FRUITLENS_CORPUS_S3_ACCESS_KEY",
		apply:   func(cfg *Config, v any) { cfg.Corpus.S3AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.S3AccessKey },
	},
	{
		key: "corpus.s3_secret_key", typ: kString, env: "FRUITLENS_CORPUS_S3_SECRET_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Corpus.S3SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Corpus.S3SecretKey },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw into the Go type of s.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	}
	return raw, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kList:
			v, ok, err := b.GetStrings(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s, raw)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", s.key, err)
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" || s.secret {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets fills secret keys from the environment, falling back to the
// secrets file.
func applySecrets(cfg *Config, store SecretStore) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v := os.Getenv(s.env); v != "" {
			s.apply(cfg, v)
			continue
		}
		if store == nil {
			continue
		}
		if v, err := store.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
