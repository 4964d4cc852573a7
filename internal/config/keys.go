package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

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
		key: "server.port", typ: kInt, env: "MEIROBO_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.public_url", typ: kString, env: "MEIROBO_PUBLIC_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.PublicURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.PublicURL },
	},
	{
		key: "log.level", typ: kString, env: "MEIROBO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEIROBO_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.dsn", typ: kString, env: "MEIROBO_STORAGE_DSN",
		apply:   func(cfg *Config, v any) { cfg.Storage.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DSN },
	},
	{
		key: "engine.provider", typ: kString, env: "MEIROBO_ENGINE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Engine.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Provider },
	},
	{
		key: "engine.ollama_url", typ: kString, env: "MEIROBO_OLLAMA_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OllamaURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OllamaURL },
	},
	{
		key: "engine.gemini_api_key", typ: kString, env: "MEIROBO_GEMINI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Engine.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.GeminiAPIKey },
	},
	{
		key: "engine.openrouter_api_key", typ: kString, env: "MEIROBO_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenRouterAPIKey },
	},
	{
		key: "engine.openrouter_url", typ: kString, env: "MEIROBO_OPENROUTER_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenRouterURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenRouterURL },
	},
	{
		key: "engine.chat_model", typ: kString, env: "MEIROBO_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.ChatModel },
	},
	{
		key: "engine.embed_model", typ: kString, env: "MEIROBO_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.EmbedModel },
	},
	{
		key: "engine.speech_model", typ: kString, env: "MEIROBO_SPEECH_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.SpeechModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.SpeechModel },
	},
	{
		key: "engine.voice", typ: kString, env: "MEIROBO_VOICE",
		apply:   func(cfg *Config, v any) { cfg.Engine.Voice = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Voice },
	},
	{
		key: "engine.timeout", typ: kDuration, env: "MEIROBO_ENGINE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Engine.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Engine.Timeout },
	},
	{
		key: "retrieval.max_tokens", typ: kInt, env: "MEIROBO_RETRIEVAL_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxTokens },
	},
	{
		key: "retrieval.min_similarity", typ: kFloat, env: "MEIROBO_RETRIEVAL_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinSimilarity },
	},
	{
		key: "retrieval.candidates", typ: kInt, env: "MEIROBO_RETRIEVAL_CANDIDATES",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Candidates = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.Candidates },
	},
	{
		key: "quota.default_max_bytes", typ: kInt, env: "MEIROBO_DEFAULT_STORAGE_MAX_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Quota.DefaultMaxBytes = int64(v.(int)) },
		extract: func(cfg Config) any { return int(cfg.Quota.DefaultMaxBytes) },
	},
	{
		key: "dedup.stale_after", typ: kDuration, env: "MEIROBO_DEDUP_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Dedup.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dedup.StaleAfter },
	},
	{
		key: "dispatch.mode", typ: kString, env: "MEIROBO_DISPATCH_MODE",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Dispatch.Mode },
	},
	{
		key: "dispatch.tasks_secret", typ: kString, env: "MEIROBO_TASKS_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Dispatch.TasksSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Dispatch.TasksSecret },
	},
	{
		key: "dispatch.max_attempts", typ: kInt, env: "MEIROBO_DISPATCH_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Dispatch.MaxAttempts },
	},
	{
		key: "dispatch.visibility_timeout", typ: kDuration, env: "MEIROBO_DISPATCH_VISIBILITY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.VisibilityTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.VisibilityTimeout },
	},
	{
		key: "dispatch.poll_interval", typ: kDuration, env: "MEIROBO_DISPATCH_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Dispatch.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Dispatch.PollInterval },
	},
	{
		key: "pipeline.step_retries", typ: kInt, env: "MEIROBO_PIPELINE_STEP_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StepRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.StepRetries },
	},
	{
		key: "pipeline.fallback_text", typ: kString, env: "MEIROBO_PIPELINE_FALLBACK_TEXT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.FallbackText = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.FallbackText },
	},
	{
		key: "channel.base_url", typ: kString, env: "MEIROBO_CHANNEL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Channel.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Channel.BaseURL },
	},
	{
		key: "channel.api_key", typ: kString, env: "MEIROBO_CHANNEL_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Channel.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Channel.APIKey },
	},
	{
		key: "channel.from", typ: kString, env: "MEIROBO_CHANNEL_FROM",
		apply:   func(cfg *Config, v any) { cfg.Channel.From = v.(string) },
		extract: func(cfg Config) any { return cfg.Channel.From },
	},
	{
		key: "blob.backend", typ: kString, env: "MEIROBO_BLOB_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Blob.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Backend },
	},
	{
		key: "blob.bucket", typ: kString, env: "MEIROBO_BLOB_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Blob.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Bucket },
	},
	{
		key: "blob.region", typ: kString, env: "MEIROBO_BLOB_REGION",
		apply:   func(cfg *Config, v any) { cfg.Blob.Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Region },
	},
	{
		key: "blob.endpoint", typ: kString, env: "MEIROBO_BLOB_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Blob.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Endpoint },
	},
	{
		key: "blob.access_key", typ: kString, env: "MEIROBO_BLOB_ACCESS_KEY",
		apply:   func(cfg *Config, v any) { cfg.Blob.AccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.AccessKey },
	},
	{
		key: "blob.secret_key", typ: kString, env: "MEIROBO_BLOB_SECRET_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Blob.SecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.SecretKey },
	},
	{
		key: "blob.signed_url_ttl", typ: kDuration, env: "MEIROBO_BLOB_SIGNED_URL_TTL",
		apply:   func(cfg *Config, v any) { cfg.Blob.SignedURLTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Blob.SignedURLTTL },
	},
	{
		key: "auth.jwt_secret", typ: kString, env: "MEIROBO_JWT_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Auth.JWTSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.JWTSecret },
	},
	{
		key: "auth.authority_gate", typ: kBool, env: "MEIROBO_AUTHORITY_GATE",
		apply:   func(cfg *Config, v any) { cfg.Auth.AuthorityGate = v.(bool) },
		extract: func(cfg Config) any { return cfg.Auth.AuthorityGate },
	},
	{
		key: "auth.restricted_path", typ: kString, env: "MEIROBO_RESTRICTED_PATH",
		apply:   func(cfg *Config, v any) { cfg.Auth.RestrictedPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.RestrictedPath },
	},
	{
		key: "webhook.verify_token", typ: kString, env: "MEIROBO_WEBHOOK_VERIFY_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Webhook.VerifyToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.VerifyToken },
	},
	{
		key: "webhook.signing_secret", typ: kString, env: "MEIROBO_WEBHOOK_SIGNING_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Webhook.SigningSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.SigningSecret },
	},
	{
		key: "tenants.seed_file", typ: kString, env: "MEIROBO_TENANTS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Tenants.SeedFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Tenants.SeedFile },
	},
}

// parseValue converts a raw string into the Go type expected by typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
