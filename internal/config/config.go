// Package config loads raffled configuration from YAML, an optional .env
// file and RAFFLE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/raffle/internal/notify"
	"github.com/R3E-Network/raffle/internal/raffle"
	"github.com/R3E-Network/raffle/pkg/logger"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Oracle modes.
const (
	OracleLocal  = "local"
	OracleManual = "manual"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Raffle   RaffleConfig         `yaml:"raffle"`
	Oracle   OracleConfig         `yaml:"oracle"`
	Keeper   KeeperConfig         `yaml:"keeper"`
	Database DatabaseConfig       `yaml:"database"`
	Redis    notify.RedisConfig   `yaml:"redis"`
	Auth     AuthConfig           `yaml:"auth"`
	Logging  logger.LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"RAFFLE_HTTP_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"RAFFLE_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"RAFFLE_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"RAFFLE_HTTP_SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"RAFFLE_HTTP_CORS_ORIGINS"`
	// EntryRateLimit is entries per second per caller; EntryBurst its burst.
	EntryRateLimit float64 `yaml:"entry_rate_limit" env:"RAFFLE_HTTP_ENTRY_RATE_LIMIT"`
	EntryBurst     int     `yaml:"entry_burst" env:"RAFFLE_HTTP_ENTRY_BURST"`
	EventBuffer    int     `yaml:"event_buffer" env:"RAFFLE_HTTP_EVENT_BUFFER"`
}

type RaffleConfig struct {
	EntranceFee          int64         `yaml:"entrance_fee" env:"RAFFLE_ENTRANCE_FEE"`
	Interval             time.Duration `yaml:"interval" env:"RAFFLE_INTERVAL"`
	KeyHash              string        `yaml:"key_hash" env:"RAFFLE_KEY_HASH"`
	SubscriptionID       uint64        `yaml:"subscription_id" env:"RAFFLE_SUBSCRIPTION_ID"`
	RequestConfirmations uint16        `yaml:"request_confirmations" env:"RAFFLE_REQUEST_CONFIRMATIONS"`
	CallbackGasLimit     uint32        `yaml:"callback_gas_limit" env:"RAFFLE_CALLBACK_GAS_LIMIT"`
	NumWords             uint32        `yaml:"num_words" env:"RAFFLE_NUM_WORDS"`
}

// Machine converts the section into the state machine's config.
func (c RaffleConfig) Machine() raffle.Config {
	return raffle.Config{
		EntranceFee: c.EntranceFee,
		Interval:    c.Interval,
		Request: raffle.RequestConfig{
			KeyHash:              c.KeyHash,
			SubscriptionID:       c.SubscriptionID,
			RequestConfirmations: c.RequestConfirmations,
			CallbackGasLimit:     c.CallbackGasLimit,
			NumWords:             c.NumWords,
		},
	}
}

type OracleConfig struct {
	Mode       string        `yaml:"mode" env:"RAFFLE_ORACLE_MODE"`
	PrivateKey string        `yaml:"private_key" env:"RAFFLE_ORACLE_PRIVATE_KEY"`
	Delay      time.Duration `yaml:"delay" env:"RAFFLE_ORACLE_DELAY"`
	QueueSize  int           `yaml:"queue_size" env:"RAFFLE_ORACLE_QUEUE_SIZE"`
}

type KeeperConfig struct {
	Enabled  bool   `yaml:"enabled" env:"RAFFLE_KEEPER_ENABLED"`
	Schedule string `yaml:"schedule" env:"RAFFLE_KEEPER_SCHEDULE"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"RAFFLE_DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"RAFFLE_DB_DSN"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"RAFFLE_JWT_SECRET"`
}

// Default returns a configuration suitable for local development.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EntryRateLimit:  5,
			EntryBurst:      10,
			EventBuffer:     1000,
		},
		Raffle: RaffleConfig{
			EntranceFee:          10_000_000,
			Interval:             30 * time.Second,
			RequestConfirmations: raffle.DefaultRequestConfirmations,
			CallbackGasLimit:     raffle.DefaultCallbackGasLimit,
			NumWords:             raffle.DefaultNumWords,
		},
		Oracle: OracleConfig{
			Mode:      OracleLocal,
			QueueSize: 100,
		},
		Keeper: KeeperConfig{
			Enabled:  true,
			Schedule: "@every 5s",
		},
		Database: DatabaseConfig{Driver: DriverMemory},
		Redis:    notify.RedisConfig{Channel: notify.DefaultChannel},
		Logging:  logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file;
// envFile may be empty, and a missing envFile is not an error.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := c.Raffle.Machine().Validate(); err != nil {
		return fmt.Errorf("%w: raffle: %v", ErrInvalid, err)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalid)
	}
	if c.Server.EntryRateLimit < 0 || c.Server.EntryBurst < 0 {
		return fmt.Errorf("%w: entry rate limit must not be negative", ErrInvalid)
	}
	switch c.Oracle.Mode {
	case OracleLocal, OracleManual:
	default:
		return fmt.Errorf("%w: oracle.mode %q (want %s or %s)", ErrInvalid, c.Oracle.Mode, OracleLocal, OracleManual)
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("%w: database.dsn is required for postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: database.driver %q", ErrInvalid, c.Database.Driver)
	}
	if c.Keeper.Enabled {
		if _, err := cron.ParseStandard(c.Keeper.Schedule); err != nil {
			return fmt.Errorf("%w: keeper.schedule: %v", ErrInvalid, err)
		}
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: auth.jwt_secret is required", ErrInvalid)
	}
	return nil
}
