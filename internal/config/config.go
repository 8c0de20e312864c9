package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Service  ServiceConfig  `yaml:"service"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Database DatabaseConfig `yaml:"database"`
	AI       AIConfig       `yaml:"ai"`
	Backend  BackendConfig  `yaml:"backend"`
	Queue    QueueConfig    `yaml:"queue"`
	Logging  LoggingConfig  `yaml:"logging"`
	Output   OutputConfig   `yaml:"output"`
}

// ServerConfig is the local control server
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ServiceConfig points at the generation service
type ServiceConfig struct {
	BaseURL          string        `yaml:"base_url"`
	WebsocketPath    string        `yaml:"websocket_path"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// DefaultsConfig seeds requests built by the CLI and the control server
type DefaultsConfig struct {
	TargetWidth     int     `yaml:"target_width"`
	TargetHeight    int     `yaml:"target_height"`
	Steps           int     `yaml:"num_inference_steps"`
	GuidanceScale   float64 `yaml:"guidance_scale"`
	NegativePrompt  string  `yaml:"negative_prompt"`
	Seed            int64   `yaml:"seed"`
	EnableUpscaling bool    `yaml:"enable_upscaling"`
	UpscaleModel    string  `yaml:"upscale_model"`
}

// Request builds a request for prompt from the configured defaults
func (d DefaultsConfig) Request(prompt string) models.GenerationRequest {
	return models.GenerationRequest{
		Prompt:          prompt,
		NegativePrompt:  d.NegativePrompt,
		TargetWidth:     d.TargetWidth,
		TargetHeight:    d.TargetHeight,
		Steps:           d.Steps,
		GuidanceScale:   d.GuidanceScale,
		Seed:            d.Seed,
		EnableUpscaling: d.EnableUpscaling,
		UpscaleModel:    d.UpscaleModel,
	}
}

type DatabaseConfig struct {
	Redis   RedisConfig   `yaml:"redis"`
	History HistoryConfig `yaml:"history"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	MaxRecent int           `yaml:"max_recent"`
	TTL       time.Duration `yaml:"ttl"`
}

// HistoryConfig selects the gorm driver for the generation history.
// Driver is "sqlite" (Path) or "mysql" (MySQL).
type HistoryConfig struct {
	Enabled bool        `yaml:"enabled"`
	Driver  string      `yaml:"driver"`
	Path    string      `yaml:"path"`
	MySQL   MySQLConfig `yaml:"mysql"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AIConfig struct {
	Enhancer EnhancerConfig `yaml:"enhancer"`
}

type EnhancerConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// BackendConfig optionally launches the generation service locally
type BackendConfig struct {
	AutoStart      bool          `yaml:"auto_start"`
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	WorkDir        string        `yaml:"work_dir"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

type QueueConfig struct {
	ItemTimeout time.Duration `yaml:"item_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type OutputConfig struct {
	Dir          string `yaml:"dir"`
	Download     bool   `yaml:"download"`
	SaveMetadata bool   `yaml:"save_metadata"`
}

// Default returns a configuration that works without a file
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8787,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Service: ServiceConfig{
			BaseURL:          "http://localhost:8000",
			WebsocketPath:    "/ws/generate",
			HandshakeTimeout: 10 * time.Second,
			RequestTimeout:   30 * time.Second,
		},
		Defaults: DefaultsConfig{
			TargetWidth:     models.DefaultTargetWidth,
			TargetHeight:    models.DefaultTargetHeight,
			Steps:           models.DefaultSteps,
			GuidanceScale:   models.DefaultGuidanceScale,
			NegativePrompt:  models.DefaultNegativePrompt,
			Seed:            models.RandomSeed,
			EnableUpscaling: true,
			UpscaleModel:    models.DefaultUpscaleModel,
		},
		Database: DatabaseConfig{
			Redis: RedisConfig{
				Host:      "localhost",
				Port:      6379,
				PoolSize:  10,
				KeyPrefix: "wallgen",
				MaxRecent: 50,
				TTL:       7 * 24 * time.Hour,
			},
			History: HistoryConfig{
				Driver: "sqlite",
				Path:   "wallgen.db",
				MySQL: MySQLConfig{
					Host:            "localhost",
					Port:            3306,
					Username:        "wallgen",
					Database:        "wallgen",
					MaxOpenConns:    10,
					MaxIdleConns:    5,
					ConnMaxLifetime: time.Hour,
				},
			},
		},
		AI: AIConfig{
			Enhancer: EnhancerConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
				Timeout: 30 * time.Second,
			},
		},
		Backend: BackendConfig{
			Command:        "uvicorn",
			Args:           []string{"api.main:app", "--port", "8000"},
			StartupTimeout: 2 * time.Minute,
		},
		Queue: QueueConfig{
			ItemTimeout: 15 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Output: OutputConfig{
			Dir:          "outputs",
			Download:     true,
			SaveMetadata: true,
		},
	}
}

// Load reads configuration from a YAML file over the defaults.
// An empty path or a missing file yields the defaults. A .env file in the
// working directory is loaded before environment overrides are applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// Missing .env is fine
	_ = godotenv.Load()

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply environment variable overrides
func applyEnv(cfg *Config) {
	if v := os.Getenv("WALLGEN_SERVICE_URL"); v != "" {
		cfg.Service.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.AI.Enhancer.APIKey = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Database.Redis.Password = v
	}
	if v := os.Getenv("WALLGEN_MYSQL_PASSWORD"); v != "" {
		cfg.Database.History.MySQL.Password = v
	}
	if v := os.Getenv("WALLGEN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WALLGEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// Validate checks the values the client cannot run without
func (c *Config) Validate() error {
	u, err := url.Parse(c.Service.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid service base_url %q", c.Service.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("service base_url must be http or https, got %q", u.Scheme)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Database.History.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown history driver %q", c.Database.History.Driver)
	}
	return nil
}
