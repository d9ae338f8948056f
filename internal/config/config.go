package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "SIMFLOW"
	configName     = "simflow"
	defaultEnvFile = ".env"
)

// DB selects and configures the state store backend.
type DB struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	Path   string `mapstructure:"path" validate:"required_if=Driver sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required_if=Driver postgres"`
}

// Cache configures the model cache.
type Cache struct {
	Size   int    `mapstructure:"size" validate:"gte=1"`
	Policy string `mapstructure:"policy" validate:"oneof=fifo lru"`
}

// Inference configures the batch inference processor.
type Inference struct {
	Workers   int           `mapstructure:"workers" validate:"gte=1"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
	ResultTTL time.Duration `mapstructure:"result_ttl" validate:"gt=0"`
}

// Workers configures the stage consumers.
type Workers struct {
	PerStage     int           `mapstructure:"per_stage" validate:"gte=0"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gte=1"`
	Visibility   time.Duration `mapstructure:"visibility" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gte=1"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// Capacity configures the training pool optimizer.
type Capacity struct {
	Min        int           `mapstructure:"min" validate:"gte=0"`
	Max        int           `mapstructure:"max" validate:"gtefield=Min"`
	Hysteresis int           `mapstructure:"hysteresis" validate:"gte=0"`
	Period     time.Duration `mapstructure:"period" validate:"gt=0"`
	Window     time.Duration `mapstructure:"window" validate:"gt=0"`
}

// Retention configures how long completed work is kept.
type Retention struct {
	Workflows     time.Duration `mapstructure:"workflows" validate:"gt=0"`
	Models        time.Duration `mapstructure:"models" validate:"gt=0"`
	JanitorPeriod time.Duration `mapstructure:"janitor_period" validate:"gt=0"`
}

// Config holds application configuration loaded from an optional .env
// file, an optional simflow.yaml and SIMFLOW_* environment variables, in
// increasing order of precedence.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	LogLevel        slog.Level    `mapstructure:"-"`
	RedisURL        string        `mapstructure:"redis_url"`
	BlobPath        string        `mapstructure:"blob_path" validate:"required"`
	SolverURL       string        `mapstructure:"solver_url" validate:"omitempty,url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	DB        DB        `mapstructure:"db"`
	Cache     Cache     `mapstructure:"cache"`
	Inference Inference `mapstructure:"inference"`
	Workers   Workers   `mapstructure:"workers"`
	Capacity  Capacity  `mapstructure:"capacity"`
	Retention Retention `mapstructure:"retention"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("redis_url", "")
	v.SetDefault("blob_path", "simflow-blobs.db")
	v.SetDefault("solver_url", "")
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "simflow.db")
	v.SetDefault("db.dsn", "")

	v.SetDefault("cache.size", 3)
	v.SetDefault("cache.policy", "fifo")

	v.SetDefault("inference.workers", 4)
	v.SetDefault("inference.timeout", 30*time.Second)
	v.SetDefault("inference.result_ttl", time.Hour)

	v.SetDefault("workers.per_stage", 2)
	v.SetDefault("workers.max_attempts", 3)
	v.SetDefault("workers.visibility", 15*time.Minute)
	v.SetDefault("workers.batch_size", 10)
	v.SetDefault("workers.poll_interval", time.Second)

	v.SetDefault("capacity.min", 0)
	v.SetDefault("capacity.max", 5)
	v.SetDefault("capacity.hysteresis", 1)
	v.SetDefault("capacity.period", 60*time.Second)
	v.SetDefault("capacity.window", 5*time.Minute)

	v.SetDefault("retention.workflows", 7*24*time.Hour)
	v.SetDefault("retention.models", 30*24*time.Hour)
	v.SetDefault("retention.janitor_period", time.Hour)
}

// Load reads the configuration. configFile names an explicit YAML file;
// when empty, simflow.yaml is looked up in the working directory and
// /etc/simflow and skipped if absent.
func Load(configFile string) (Config, error) {
	if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", defaultEnvFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/simflow")
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
	cfg.LogLevel = parseLogLevel(v.GetString("log_level"))

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
