package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/keyprovider"
	"github.com/Kocoro-lab/Shannon/go/callbacks/internal/tracing"
)

const (
	defaultConfigPath = "/app/config/callbacks.yaml"
	envPrefix         = "CALLBACKS"
)

// Config is the service configuration. It is loaded once at startup and not modified
// afterwards.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service"`
	BaseURL       string              `mapstructure:"base_url"`
	Issuer        string              `mapstructure:"issuer"`
	Encryption    EncryptionConfig    `mapstructure:"encryption"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Temporal      TemporalConfig      `mapstructure:"temporal"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Tracing       tracing.Config      `mapstructure:"tracing"`
	Logging       LoggingConfig       `mapstructure:"logging"`

	// DisableOutputParameters makes every resolution ignore caller-supplied data.
	DisableOutputParameters bool `mapstructure:"disable_output_parameters"`
}

type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	AdminPort       int           `mapstructure:"admin_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type EncryptionConfig struct {
	Enabled   bool              `mapstructure:"enabled"`
	Provider  string            `mapstructure:"provider"`
	KeyID     string            `mapstructure:"key_id"`
	LocalKeys map[string]string `mapstructure:"local_keys"`
	KMS       struct {
		Region   string `mapstructure:"region"`
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"kms"`
}

type OrchestrationConfig struct {
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type TemporalConfig struct {
	Host          string `mapstructure:"host"`
	Namespace     string `mapstructure:"namespace"`
	TaskQueue     string `mapstructure:"task_queue"`
	WorkerEnabled bool   `mapstructure:"worker_enabled"`
}

type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	// SkipAuth admits unauthenticated calls to the admin endpoints. Development only.
	SkipAuth bool `mapstructure:"skip_auth"`
}

// WebhookConfig configures delivery of issued URLs from the activity worker.
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.admin_port", 8081)
	v.SetDefault("service.read_timeout", 10*time.Second)
	v.SetDefault("service.write_timeout", 30*time.Second)
	v.SetDefault("service.shutdown_timeout", 15*time.Second)
	v.SetDefault("base_url", "")
	v.SetDefault("issuer", "shannon-callbacks")
	v.SetDefault("disable_output_parameters", false)
	v.SetDefault("encryption.enabled", false)
	v.SetDefault("encryption.provider", "kms")
	v.SetDefault("encryption.key_id", "")
	v.SetDefault("encryption.kms.region", "")
	v.SetDefault("encryption.kms.endpoint", "")
	v.SetDefault("orchestration.call_timeout", 10*time.Second)
	v.SetDefault("orchestration.retry_backoff", 200*time.Millisecond)
	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "callbacks")
	v.SetDefault("temporal.worker_enabled", false)
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.issuer", "shannon-callbacks")
	v.SetDefault("admin.skip_auth", false)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "shannon-callbacks")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("logging.level", "info")
}

// Load reads the YAML file at path, or CALLBACKS_CONFIG, or the default location, and
// applies CALLBACKS_* environment overrides. A missing file is only an error when a
// path was given explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		if p := os.Getenv("CALLBACKS_CONFIG"); p != "" {
			path, explicit = p, true
		} else {
			path = defaultConfigPath
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Shared with the rest of the Shannon deployment.
	_ = v.BindEnv("temporal.host", envPrefix+"_TEMPORAL_HOST", "TEMPORAL_HOST")
	_ = v.BindEnv("temporal.namespace", envPrefix+"_TEMPORAL_NAMESPACE", "TEMPORAL_NAMESPACE")
	_ = v.BindEnv("tracing.otlp_endpoint", envPrefix+"_TRACING_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Viper lowercases map keys.
	if secret, ok := cfg.Encryption.LocalKeys[strings.ToLower(cfg.Encryption.KeyID)]; ok {
		cfg.Encryption.LocalKeys[cfg.Encryption.KeyID] = secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if c.BaseURL == "" || err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: base_url must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("config: base_url must not carry a query or fragment")
	}
	if c.Service.Port <= 0 || c.Service.AdminPort <= 0 {
		return fmt.Errorf("config: service ports must be positive")
	}
	if c.Service.Port == c.Service.AdminPort {
		return fmt.Errorf("config: service.port and service.admin_port must differ")
	}
	if c.Orchestration.CallTimeout <= 0 {
		return fmt.Errorf("config: orchestration.call_timeout must be positive")
	}
	if c.Orchestration.RetryBackoff < 0 {
		return fmt.Errorf("config: orchestration.retry_backoff must not be negative")
	}
	// Room for the call, one retry and the backoff between them.
	if need := 2*c.Orchestration.CallTimeout + 4*c.Orchestration.RetryBackoff; c.Service.WriteTimeout < need {
		return fmt.Errorf("config: service.write_timeout must be at least %s", need)
	}

	if c.Encryption.Enabled {
		if c.Encryption.KeyID == "" {
			return fmt.Errorf("config: encryption.key_id is required when encryption is enabled")
		}
		switch c.Encryption.Provider {
		case "kms":
		case "local":
			if _, err := keyprovider.NewLocalProviderFromConfig(c.Encryption.KeyID, c.Encryption.LocalKeys); err != nil {
				return fmt.Errorf("config: encryption.local_keys: %w", err)
			}
		default:
			return fmt.Errorf("config: unknown encryption.provider %q", c.Encryption.Provider)
		}
	}

	if c.Webhook.URL != "" {
		w, err := url.Parse(c.Webhook.URL)
		if err != nil || !w.IsAbs() {
			return fmt.Errorf("config: webhook.url must be an absolute URL")
		}
	}
	return nil
}

// KeyProvider returns the key provider settings, or nil when encryption is disabled.
func (c *Config) KeyProvider() *keyprovider.Config {
	if !c.Encryption.Enabled {
		return nil
	}
	return &keyprovider.Config{
		Provider:  c.Encryption.Provider,
		KeyID:     c.Encryption.KeyID,
		LocalKeys: c.Encryption.LocalKeys,
		Region:    c.Encryption.KMS.Region,
		Endpoint:  c.Encryption.KMS.Endpoint,
	}
}

// AuthEnabled reports whether the admin endpoints verify service tokens.
func (c *Config) AuthEnabled() bool {
	return !c.Admin.SkipAuth
}
