package config

import (
	"fmt"
	"regexp"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Engine    EngineConfig
	Retrieval RetrievalConfig
	Quota     QuotaConfig
	Dedup     DedupConfig
	Dispatch  DispatchConfig
	Pipeline  PipelineConfig
	Channel   ChannelConfig
	Blob      BlobConfig
	Auth      AuthConfig
	Webhook   WebhookConfig
	Tenants   TenantsConfig
}

type ServerConfig struct {
	Port int
	// PublicURL is the externally reachable base URL; queued tasks are
	// delivered to PublicURL + "/tasks/inbound".
	PublicURL string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
	// DSN selects the backend. "postgres://..." uses Postgres, anything
	// else is treated as a sqlite path. Empty means DataDir/meirobo.db.
	DSN string
}

type EngineConfig struct {
	// Provider is "ollama", "gemini" or "openrouter".
	Provider         string
	OllamaURL        string
	GeminiAPIKey     string
	OpenRouterAPIKey string
	// OpenRouterURL overrides the OpenAI-compatible base URL.
	OpenRouterURL string
	ChatModel     string
	EmbedModel    string
	SpeechModel   string
	Voice         string
	Timeout       time.Duration
}

type RetrievalConfig struct {
	MaxTokens     int
	MinSimilarity float64
	Candidates    int
}

type QuotaConfig struct {
	DefaultMaxBytes int64
}

type DedupConfig struct {
	StaleAfter time.Duration
}

type DispatchConfig struct {
	// Mode is "inline" or "queued".
	Mode              string
	TasksSecret       string
	MaxAttempts       int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

type PipelineConfig struct {
	StepRetries int
	// FallbackText is sent to the contact when an attempt fails.
	FallbackText string
}

type ChannelConfig struct {
	BaseURL string
	APIKey  string
	// From is the business number replies are sent from.
	From string
}

type BlobConfig struct {
	// Backend is "local" or "s3".
	Backend      string
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	SignedURLTTL time.Duration
}

type AuthConfig struct {
	JWTSecret      string
	AuthorityGate  bool
	RestrictedPath string
}

type WebhookConfig struct {
	VerifyToken   string
	SigningSecret string
}

type TenantsConfig struct {
	// SeedFile is a YAML file with tenant profiles, watched for changes.
	SeedFile string
}

const (
	DispatchInline = "inline"
	DispatchQueued = "queued"
)

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:      8080,
			PublicURL: "http://127.0.0.1:8080",
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Engine: EngineConfig{
			Provider:    "ollama",
			OllamaURL:   "http://localhost:11434",
			ChatModel:   "llama3.2",
			EmbedModel:  "nomic-embed-text",
			SpeechModel: "gemini-2.5-flash-preview-tts",
			Voice:       "Kore",
			Timeout:     20 * time.Second,
		},
		Retrieval: RetrievalConfig{
			MaxTokens:     120,
			MinSimilarity: 0.55,
			Candidates:    8,
		},
		Quota: QuotaConfig{
			DefaultMaxBytes: 2147483648,
		},
		Dedup: DedupConfig{
			StaleAfter: 10 * time.Minute,
		},
		Dispatch: DispatchConfig{
			Mode:              DispatchInline,
			MaxAttempts:       5,
			VisibilityTimeout: 2 * time.Minute,
			PollInterval:      time.Second,
		},
		Pipeline: PipelineConfig{
			StepRetries:  2,
			FallbackText: "Recebi sua mensagem! Já já te respondo por aqui.",
		},
		Channel: ChannelConfig{
			BaseURL: "https://api.ycloud.com/v2",
		},
		Blob: BlobConfig{
			Backend:      "local",
			Region:       "us-east-1",
			SignedURLTTL: 10 * time.Minute,
		},
		Auth: AuthConfig{
			RestrictedPath: "^/v1/tenants/",
		},
	}
}

// Load reads configuration in increasing precedence: defaults, the YAML
// file at ConfigFilePath, MEIROBO_* environment variables. Secret keys left
// empty are then read from SecretsDir.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretDir(SecretsDir()))
}

func loadWith(b ConfigBackend, secrets secretSource) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills empty secret keys from the secret source.
func applySecrets(cfg *Config, secrets secretSource) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(secretAccount(s.key)); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func (c Config) validate() error {
	switch c.Dispatch.Mode {
	case DispatchInline:
	case DispatchQueued:
		if c.Dispatch.TasksSecret == "" {
			return fmt.Errorf("missing required config: tasks secret for queued dispatch. "+
				"Set it via environment variable MEIROBO_TASKS_SECRET%s", secretHint("dispatch.tasks_secret"))
		}
	default:
		return fmt.Errorf("invalid dispatch.mode %q: want %q or %q", c.Dispatch.Mode, DispatchInline, DispatchQueued)
	}

	switch c.Engine.Provider {
	case "ollama":
	case "gemini":
		if c.Engine.GeminiAPIKey == "" {
			return fmt.Errorf("missing required config: Gemini API key. "+
				"Set it via environment variable MEIROBO_GEMINI_API_KEY%s", secretHint("engine.gemini_api_key"))
		}
	case "openrouter":
		if c.Engine.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. "+
				"Set it via environment variable MEIROBO_OPENROUTER_API_KEY%s", secretHint("engine.openrouter_api_key"))
		}
	default:
		return fmt.Errorf("invalid engine.provider %q", c.Engine.Provider)
	}

	if _, err := regexp.Compile(c.Auth.RestrictedPath); err != nil {
		return fmt.Errorf("invalid auth.restricted_path %q: %w", c.Auth.RestrictedPath, err)
	}

	switch c.Blob.Backend {
	case "local":
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid blob.backend %q", c.Blob.Backend)
	}
	return nil
}
