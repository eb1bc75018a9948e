// Package worker is the SQLite worker process: its configuration, HTTP
// surface, heartbeat lifecycle, and metrics.
package worker

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config is the top-level configuration object of a SQLite worker.
type Config struct {
	Worker struct {
		Hostname     string        `long:"hostname" env:"HOSTNAME" description:"Pod name under which this worker registers with core"`
		CoreAPI      string        `long:"core-api" env:"CORE_API" description:"Base URL of the core API"`
		Port         int           `long:"port" env:"PORT" default:"3005" description:"Port to listen on (all interfaces)"`
		QueryTimeout time.Duration `long:"query-timeout" env:"QUERY_TIMEOUT" default:"30s" description:"Per-query wall-clock timeout"`
		IdleEviction time.Duration `long:"idle-eviction" env:"IDLE_EVICTION" default:"5m" description:"Evict engines idle for longer than this"`
	} `group:"Worker" namespace:"worker"`

	Store struct {
		URI string `long:"uri" env:"DATABASES_STORE_DATABASE_URI" description:"Connection string of the row store"`
	} `group:"Store" namespace:"store"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// ConfigError is a missing or invalid configuration value, fatal at startup.
type ConfigError struct {
	Name string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s not set", e.Name)
}

// Validate checks required configuration.
func (c *Config) Validate() error {
	if c.Worker.Hostname == "" {
		return &ConfigError{Name: "HOSTNAME"}
	}
	if c.Worker.CoreAPI == "" {
		return &ConfigError{Name: "CORE_API"}
	}
	if c.Store.URI == "" {
		return &ConfigError{Name: "DATABASES_STORE_DATABASE_URI"}
	}
	return nil
}

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog applies the logging configuration.
func InitLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	} else if cfg.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}
