package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "KLEAR"

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// VaultConfig names the program-controlled custody accounts and the signer
// allowed to move funds out of them.
type VaultConfig struct {
	CollateralAccount string `mapstructure:"collateral_account"`
	LoanAccount       string `mapstructure:"loan_account"`
	Signer            string `mapstructure:"signer"`
	BorrowSigner      string `mapstructure:"borrow_signer"`
}

type LockerConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type RateLimitConfig struct {
	AuthPerMinute int `mapstructure:"auth_per_minute"`
	OpsPerMinute  int `mapstructure:"ops_per_minute"`
}

type Config struct {
	Env       string          `mapstructure:"env"`
	LogLevel  string          `mapstructure:"log_level"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Locker    LockerConfig    `mapstructure:"locker"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// Load reads configuration from defaults, an optional YAML file and KLEAR_*
// environment variables, in increasing order of precedence. A .env file in
// the working directory is loaded first when present. An empty path looks for
// config.yaml in the working directory and tolerates its absence.
// The returned Config has not been validated.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("database.path", "klear-lend.db")
	v.SetDefault("auth.jwt_secret", "klear-secret-key")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("vault.collateral_account", "vault:collateral")
	v.SetDefault("vault.loan_account", "vault:loan")
	v.SetDefault("vault.signer", "klear-vault")
	v.SetDefault("vault.borrow_signer", "vault")
	v.SetDefault("locker.backend", "local")
	v.SetDefault("locker.ttl", "10s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("rate_limit.auth_per_minute", 10)
	v.SetDefault("rate_limit.ops_per_minute", 600)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret required")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Vault.CollateralAccount == "" || c.Vault.LoanAccount == "" {
		return errors.New("vault accounts required")
	}
	if c.Vault.CollateralAccount == c.Vault.LoanAccount {
		return errors.New("vault.collateral_account and vault.loan_account must differ")
	}
	if c.Vault.Signer == "" {
		return errors.New("vault.signer required")
	}
	switch c.Vault.BorrowSigner {
	case "vault", "participant":
	default:
		return fmt.Errorf("vault.borrow_signer must be vault or participant, got %q", c.Vault.BorrowSigner)
	}
	switch c.Locker.Backend {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr required for redis locker")
		}
		if c.Locker.TTL <= 0 {
			return errors.New("locker.ttl must be positive")
		}
	default:
		return fmt.Errorf("locker.backend must be local or redis, got %q", c.Locker.Backend)
	}
	if c.Monitor.Interval <= 0 {
		return errors.New("monitor.interval must be positive")
	}
	if c.RateLimit.AuthPerMinute < 0 || c.RateLimit.OpsPerMinute < 0 {
		return errors.New("rate limits must not be negative")
	}
	return nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}
