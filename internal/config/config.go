package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all settings of the linker
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Linkage  LinkageConfig  `mapstructure:"linkage"`
	Web      WebConfig      `mapstructure:"web"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig selects the runtime environment
type AppConfig struct {
	Env string `mapstructure:"env"`
}

// LogConfig controls logger construction
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig contains connection settings
type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// LinkageConfig controls the yearly linking job
type LinkageConfig struct {
	ChunkSize           int    `mapstructure:"chunk_size"`
	Workers             int    `mapstructure:"workers"`
	StrictPendingStages bool   `mapstructure:"strict_pending_stages"`
	RulesFile           string `mapstructure:"rules_file"`
	MinYear             int    `mapstructure:"min_year"`
}

// WebConfig contains HTTP server settings
type WebConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// ExportConfig sets where link exports are written
type ExportConfig struct {
	Dir string `mapstructure:"dir"`
}

// DSN returns the connection string, built from the parts when no URL is set
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

// Load reads configuration from defaults, an optional config file and the
// environment. An empty configFile looks for linker.yaml in the working
// directory and is not an error when absent.
func Load(configFile string) (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("linker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the job cannot run with
func (c *Config) Validate() error {
	if c.Linkage.ChunkSize <= 0 {
		return fmt.Errorf("linkage.chunk_size must be positive, got %d", c.Linkage.ChunkSize)
	}
	if c.Linkage.Workers <= 0 {
		return fmt.Errorf("linkage.workers must be positive, got %d", c.Linkage.Workers)
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port out of range: %d", c.Web.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 15432)
	v.SetDefault("database.user", "user")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "ppd_epc")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("linkage.chunk_size", 5000)
	v.SetDefault("linkage.workers", 4)
	v.SetDefault("linkage.strict_pending_stages", false)
	v.SetDefault("linkage.rules_file", "")
	v.SetDefault("linkage.min_year", 1995)

	v.SetDefault("web.host", "0.0.0.0")
	v.SetDefault("web.port", 8080)
	v.SetDefault("web.api_key", "")

	v.SetDefault("export.dir", "export")
}

// bindLegacyEnv keeps the libpq variables working alongside the
// DATABASE_* names
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("database.host", "DATABASE_HOST", "PGHOST")
	_ = v.BindEnv("database.port", "DATABASE_PORT", "PGPORT")
	_ = v.BindEnv("database.user", "DATABASE_USER", "PGUSER")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD", "PGPASSWORD")
	_ = v.BindEnv("database.name", "DATABASE_NAME", "PGDATABASE")
	_ = v.BindEnv("database.url", "DATABASE_URL")
}
