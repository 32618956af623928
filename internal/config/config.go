// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_ZOOM_TOKEN.
const EnvPrefix = "RELAY"

// Config holds all configuration for our application.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HttpListenAddr       string          `mapstructure:"http_listen_addr" validate:"required"`
	DefaultDestinationID string          `mapstructure:"default_destination_id"`
	Store                StoreConfig     `mapstructure:"store"`
	Etcd                 EtcdConfig      `mapstructure:"etcd"`
	Poll                 PollConfig      `mapstructure:"poll"`
	Runner               RunnerConfig    `mapstructure:"runner"`
	Dispatch             DispatchConfig  `mapstructure:"dispatch"`
	Zoom                 ZoomConfig      `mapstructure:"zoom"`
	Chatwork             ChatworkConfig  `mapstructure:"chatwork"`
	Generator            GeneratorConfig `mapstructure:"generator"`
	Webhook              WebhookConfig   `mapstructure:"webhook"`
	Tracing              TracingConfig   `mapstructure:"tracing"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=file etcd"`
	Path    string `mapstructure:"path" validate:"required_if=Backend file"`
}

type EtcdConfig struct {
	Endpoints []string      `mapstructure:"endpoints"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval" validate:"gte=0"` // 0 disables polling
	ListTimeout time.Duration `mapstructure:"list_timeout" validate:"gte=0"`
	Lookback    time.Duration `mapstructure:"lookback" validate:"gte=0"` // 0 uses the provider's default range
	RunOnStart  bool          `mapstructure:"run_on_start"`
}

type RunnerConfig struct {
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	TransformTimeout time.Duration `mapstructure:"transform_timeout" validate:"gt=0"`
	DeliverTimeout   time.Duration `mapstructure:"deliver_timeout" validate:"gt=0"`
	StagingDir       string        `mapstructure:"staging_dir" validate:"required"`
}

type DispatchConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=0"` // 0 means unbounded
}

type ZoomConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	Token   string `mapstructure:"token"`
	UserID  string `mapstructure:"user_id"`
}

type ChatworkConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"required,url"`
	Token      string        `mapstructure:"token"`
	MaxChunk   int           `mapstructure:"max_chunk" validate:"gt=0,lte=20000"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	Backoff    time.Duration `mapstructure:"backoff" validate:"gte=0"`
}

type GeneratorConfig struct {
	Command    string `mapstructure:"command" validate:"required"`
	DailyLimit int    `mapstructure:"daily_limit" validate:"gte=0"` // 0 means unlimited
}

type WebhookConfig struct {
	SecretToken string `mapstructure:"secret_token"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"` // spans go to stderr as JSON
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("default_destination_id", "")

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "data/mappings.json")

	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.timeout", "5s")

	v.SetDefault("poll.interval", "5m")
	v.SetDefault("poll.list_timeout", "30s")
	v.SetDefault("poll.lookback", "720h")
	v.SetDefault("poll.run_on_start", true)

	v.SetDefault("runner.fetch_timeout", "10m")
	v.SetDefault("runner.transform_timeout", "15m")
	v.SetDefault("runner.deliver_timeout", "30s")
	v.SetDefault("runner.staging_dir", filepath.Join(os.TempDir(), "minutes-relay"))

	v.SetDefault("dispatch.max_attempts", 0)

	v.SetDefault("zoom.base_url", "https://api.zoom.us/v2")
	v.SetDefault("zoom.token", "")
	v.SetDefault("zoom.user_id", "me")

	v.SetDefault("chatwork.base_url", "https://api.chatwork.com/v2")
	v.SetDefault("chatwork.token", "")
	v.SetDefault("chatwork.max_chunk", 20000)
	v.SetDefault("chatwork.max_retries", 2)
	v.SetDefault("chatwork.backoff", "2s")

	v.SetDefault("generator.command", "")
	v.SetDefault("generator.daily_limit", 100)

	v.SetDefault("webhook.secret_token", "")

	v.SetDefault("tracing.enabled", false)
}

// Load loads configuration from a .env file, the config file and environment
// variables, in increasing order of precedence. configFile may be empty, in
// which case config.yaml is looked up in ./configs and the working directory.
func Load(configFile string) (*Config, error) {
	// Credentials usually live in .env; a missing file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")    // name of config file (without extension)
		v.SetConfigType("yaml")      // or "json", "toml"
		v.AddConfigPath("./configs") // path to look for the config file in
		v.AddConfigPath(".")         // optionally look for config in the working directory
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file; defaults and env vars are enough.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)
		if cfg.Store.Backend == "etcd" && len(cfg.Etcd.Endpoints) == 0 {
			sl.ReportError(cfg.Etcd.Endpoints, "Endpoints", "endpoints", "required_for_etcd", "")
		}
	}, Config{})

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, 0, len(verrs))
			for _, e := range verrs {
				details = append(details, fmt.Sprintf("%s failed on '%s'", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(details, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
