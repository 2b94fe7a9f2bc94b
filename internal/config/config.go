package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Metadata  MetadataConfig `mapstructure:"metadata"`
	Audit     AuditConfig    `mapstructure:"audit"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	JWTSecret string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MetadataConfig selects where entity definitions come from.
type MetadataConfig struct {
	Source string `mapstructure:"source"` // "file" or "database"
	Path   string `mapstructure:"path"`   // entities file when Source is "file"
}

type AuditConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Entities        []string `mapstructure:"entities"` // empty or "*" means every entity
	BufferSize      int      `mapstructure:"buffer_size"`
	FlushIntervalMs int      `mapstructure:"flush_interval_ms"`
	RetentionDays   int      `mapstructure:"retention_days"` // 0 keeps entries forever
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ConnString returns the PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, sslMode)
}

// SetDefaults registers every default on v. Exposed so tests can load a
// config without touching the global viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fieldops")
	v.SetDefault("database.name", "fieldops")
	v.SetDefault("database.pool_size", 10)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("metadata.source", "file")
	v.SetDefault("metadata.path", "./entities.yaml")
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.entities", []string{"*"})
	v.SetDefault("audit.buffer_size", 200)
	v.SetDefault("audit.flush_interval_ms", 250)
	v.SetDefault("audit.retention_days", 0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("jwt_secret", "changeme-secret")
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("../..")

	SetDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Metadata.Source != "file" && cfg.Metadata.Source != "database" {
		return nil, fmt.Errorf("metadata.source must be \"file\" or \"database\", got %q", cfg.Metadata.Source)
	}
	return &cfg, nil
}
