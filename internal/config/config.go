package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	LMStudio   LMStudioConfig   `mapstructure:"lmstudio"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type LMStudioConfig struct {
	Host        string  `mapstructure:"host"`
	Port        int     `mapstructure:"port"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`

	// Seconds in config and env (LM_REQUEST_TIMEOUT), converted in LoadConfig.
	RequestTimeout time.Duration `mapstructure:"-"`
}

// BaseURL returns the LM Studio server root, e.g. http://192.168.80.1:1234
func (c *LMStudioConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

func (c *LMStudioConfig) ModelsURL() string {
	return c.BaseURL() + "/v1/models"
}

func (c *LMStudioConfig) ChatCompletionsURL() string {
	return c.BaseURL() + "/v1/chat/completions"
}

func (c *LMStudioConfig) CompletionsURL() string {
	return c.BaseURL() + "/v1/completions"
}

type RelayConfig struct {
	// MaxHistory is the number of conversation turns kept per sender and
	// sent to the backend as context.
	MaxHistory int `mapstructure:"max_history"`

	// AllowedSenders is parsed from a comma-separated list (ALLOWED_JIDS).
	// Empty means unrestricted.
	AllowedSenders []string `mapstructure:"-"`
}

// SenderAllowed reports whether the given sender id may receive automated
// replies. An empty allow-list admits everyone.
func (c *RelayConfig) SenderAllowed(senderID string) bool {
	if len(c.AllowedSenders) == 0 {
		return true
	}
	for _, id := range c.AllowedSenders {
		if id == senderID {
			return true
		}
	}
	return false
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoadConfig loads configuration from an optional YAML file and environment
// variables. Env variables keep the names the relay has always used
// (LM_STUDIO_HOST, ALLOWED_JIDS, ...) and win over file values.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.BindEnv("server.host", "HOST")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("lmstudio.host", "LM_STUDIO_HOST")
	v.BindEnv("lmstudio.port", "LM_STUDIO_PORT")
	v.BindEnv("lmstudio.model", "LM_STUDIO_MODEL")
	v.BindEnv("lmstudio.temperature", "LM_TEMPERATURE")
	v.BindEnv("lmstudio.max_tokens", "LM_MAX_TOKENS")
	v.BindEnv("lmstudio.request_timeout", "LM_REQUEST_TIMEOUT")
	v.BindEnv("relay.allowed_senders", "ALLOWED_JIDS")
	v.BindEnv("logging.level", "LOG_LEVEL")

	// The config file is optional; env-only deployments are the common case.
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.LMStudio.RequestTimeout = secondsDuration(v.GetFloat64("lmstudio.request_timeout"))
	config.Relay.AllowedSenders = splitList(v.GetString("relay.allowed_senders"))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	v.SetDefault("lmstudio.host", "192.168.80.1")
	v.SetDefault("lmstudio.port", 1234)
	v.SetDefault("lmstudio.model", "auto")
	v.SetDefault("lmstudio.temperature", 0.7)
	v.SetDefault("lmstudio.max_tokens", 300)
	v.SetDefault("lmstudio.request_timeout", 20)

	v.SetDefault("relay.max_history", 8)
	v.SetDefault("relay.allowed_senders", "")

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.max_size", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("monitoring.metrics.enabled", false)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")
}

func secondsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.LMStudio.Host == "" {
		return fmt.Errorf("lmstudio host is required")
	}
	if cfg.LMStudio.Port <= 0 || cfg.LMStudio.Port > 65535 {
		return fmt.Errorf("invalid lmstudio port: %d", cfg.LMStudio.Port)
	}
	if cfg.LMStudio.Temperature < 0 || cfg.LMStudio.Temperature > 2 {
		return fmt.Errorf("temperature out of range: %f", cfg.LMStudio.Temperature)
	}
	if cfg.LMStudio.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive: %d", cfg.LMStudio.MaxTokens)
	}
	if cfg.LMStudio.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive: %s", cfg.LMStudio.RequestTimeout)
	}
	if cfg.Relay.MaxHistory <= 0 {
		return fmt.Errorf("max_history must be positive: %d", cfg.Relay.MaxHistory)
	}
	return nil
}
