// Package config loads service settings from an optional .env file, an
// optional YAML file and PHARMATRACK_* environment variables, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "PHARMATRACK"

type HTTP struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type GRPC struct {
	Addr string `mapstructure:"addr"`
}

type Database struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Cache struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

type Auth struct {
	Secret    string        `mapstructure:"secret"`
	Issuer    string        `mapstructure:"issuer"`
	AccessTTL time.Duration `mapstructure:"access_ttl"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimit struct {
	Enabled   bool `mapstructure:"enabled"`
	Burst     int  `mapstructure:"burst"`
	PerSecond int  `mapstructure:"per_second"`
}

type Bootstrap struct {
	AdminEmail    string `mapstructure:"admin_email"`
	AdminPassword string `mapstructure:"admin_password"`
}

type Loader struct {
	Wait time.Duration `mapstructure:"wait"`
}

type Config struct {
	HTTP            HTTP          `mapstructure:"http"`
	GRPC            GRPC          `mapstructure:"grpc"`
	Database        Database      `mapstructure:"database"`
	Redis           Redis         `mapstructure:"redis"`
	Cache           Cache         `mapstructure:"cache"`
	Auth            Auth          `mapstructure:"auth"`
	Log             Log           `mapstructure:"log"`
	RateLimit       RateLimit     `mapstructure:"ratelimit"`
	Bootstrap       Bootstrap     `mapstructure:"bootstrap"`
	Loader          Loader        `mapstructure:"loader"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 0) // SSE streams stay open
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.monitor_interval", 15*time.Second)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "pharmatrack")
	v.SetDefault("auth.access_ttl", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.per_second", 10)
	v.SetDefault("bootstrap.admin_email", "")
	v.SetDefault("bootstrap.admin_password", "")
	v.SetDefault("loader.wait", 2*time.Millisecond)
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// Load reads the configuration. path may be empty, in which case
// PHARMATRACK_CONFIG or configs/pharmatrack.yaml is tried.
func Load(path string) (Config, error) {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pharmatrack")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("auth.secret is required (PHARMATRACK_AUTH_SECRET)")
	}
	if c.Auth.AccessTTL <= 0 {
		return errors.New("auth.access_ttl must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Burst <= 0 || c.RateLimit.PerSecond <= 0) {
		return errors.New("ratelimit.burst and ratelimit.per_second must be positive when enabled")
	}
	if (c.Bootstrap.AdminEmail == "") != (c.Bootstrap.AdminPassword == "") {
		return errors.New("bootstrap.admin_email and bootstrap.admin_password must be set together")
	}
	return nil
}
