// Package config loads graphdiff settings from .graphdiff.yaml, GRAPHDIFF_*
// environment variables and command line flags through viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/systemshift/graphdiff/internal/server/graph"
)

// Supported storage backends.
const (
	BackendSQLite = "sqlite"
	BackendNeo4j  = "neo4j"
)

// EnvPrefix is prepended to every environment variable, GRAPHDIFF_SQLITE_PATH
// for sqlite.path.
const EnvPrefix = "GRAPHDIFF"

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type SchemaConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config holds all runtime configuration.
type Config struct {
	Backend       string       `mapstructure:"backend"`
	DefaultBranch string       `mapstructure:"default_branch"`
	SQLite        SQLiteConfig `mapstructure:"sqlite"`
	Neo4j         Neo4jConfig  `mapstructure:"neo4j"`
	Schema        SchemaConfig `mapstructure:"schema"`
	Server        ServerConfig `mapstructure:"server"`
	Log           LogConfig    `mapstructure:"log"`
}

// Init points viper at the config file and the environment. An explicit
// cfgFile must exist; otherwise .graphdiff.yaml is looked up in the working
// directory and the home directory and is optional.
func Init(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".graphdiff")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}
	return nil
}

// Load reads configuration from viper, applying built-in defaults for any
// values not set by config file, environment, or flags.
func Load() (Config, error) {
	viper.SetDefault("backend", BackendSQLite)
	viper.SetDefault("default_branch", "main")
	viper.SetDefault("sqlite.path", "graphdiff.db")
	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.user", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")
	viper.SetDefault("schema.path", "schema.yaml")
	viper.SetDefault("schema.watch", false)
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 60*time.Second)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that viper cannot type check.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendNeo4j:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendSQLite, BackendNeo4j)
	}
	if c.DefaultBranch == "" {
		return errors.New("default_branch must not be empty")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Store returns the change store settings of c.
func (c Config) Store(labels graph.LabelFields, logger *slog.Logger) graph.Config {
	return graph.Config{
		Backend:    c.Backend,
		SQLitePath: c.SQLite.Path,
		Neo4j: graph.Neo4jConfig{
			URI:      c.Neo4j.URI,
			Username: c.Neo4j.User,
			Password: c.Neo4j.Password,
			Database: c.Neo4j.Database,
		},
		DefaultBranch: c.DefaultBranch,
		Labels:        labels,
		Logger:        logger,
	}
}

// NewLogger builds the process logger described by c, writing to stderr.
func (c LogConfig) NewLogger() *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
