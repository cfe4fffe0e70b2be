package protocol

import (
	"fmt"
	"time"

	"github.com/turtacn/Cohort/pkg/consts"
	"github.com/turtacn/Cohort/pkg/errors"
)

// Config represents the root configuration file of a Cohort cluster.
type Config struct {
	Version       string              `yaml:"version"`
	Cluster       ClusterConfig       `yaml:"cluster"`
	Server        ServerConfig        `yaml:"server"`
	Hooks         HooksConfig         `yaml:"hooks"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ClusterConfig struct {
	Workers               int    `yaml:"workers"`
	Tag                   string `yaml:"tag"`                 // Shown in process titles
	ForkWorker            bool   `yaml:"fork_worker"`         // Worker 0 spawns its siblings
	CompactBeforeFork     bool   `yaml:"compact_before_fork"` // Return freed heap to the OS before spawning
	WorkerCheckInterval   string `yaml:"worker_check_interval"`
	WorkerShutdownTimeout string `yaml:"worker_shutdown_timeout"`
}

type ServerConfig struct {
	Bind          string `yaml:"bind"`
	Root          string `yaml:"root"` // Static document root preloaded at boot
	ShutdownGrace string `yaml:"shutdown_grace"`
}

type Hook struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
	Timeout string   `yaml:"timeout"`
}

type HooksConfig struct {
	BeforeWorkerBoot     []Hook `yaml:"before_worker_boot"`
	BeforeRefork         []Hook `yaml:"before_refork"`
	BeforeWorkerShutdown []Hook `yaml:"before_worker_shutdown"`
	BeforeWorkerFork     []Hook `yaml:"before_worker_fork"`
	AfterWorkerFork      []Hook `yaml:"after_worker_fork"`
}

type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
}

// Validate checks the fields that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Cluster.Workers < 1 {
		return errors.New(errors.ErrCodeConfigInvalid, "Validate",
			fmt.Sprintf("cluster.workers must be at least 1, got %d", c.Cluster.Workers), nil)
	}
	if c.Server.Bind == "" {
		return errors.New(errors.ErrCodeConfigInvalid, "Validate", "server.bind is required", nil)
	}
	durations := map[string]string{
		"cluster.worker_check_interval":   c.Cluster.WorkerCheckInterval,
		"cluster.worker_shutdown_timeout": c.Cluster.WorkerShutdownTimeout,
		"server.shutdown_grace":           c.Server.ShutdownGrace,
	}
	for field, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return errors.New(errors.ErrCodeConfigInvalid, "Validate", field+" is not a duration", err)
		}
	}
	return nil
}

// CheckInterval is the stats ping period.
func (c ClusterConfig) CheckInterval() time.Duration {
	return DurationOr(c.WorkerCheckInterval, consts.WorkerCheckInterval)
}

// ShutdownTimeout bounds how long the master waits for workers to report Terminated.
func (c ClusterConfig) ShutdownTimeout() time.Duration {
	return DurationOr(c.WorkerShutdownTimeout, consts.DefaultWorkerShutdown)
}

func (s ServerConfig) Grace() time.Duration {
	return DurationOr(s.ShutdownGrace, consts.DefaultShutdownGrace)
}

// DurationOr parses v, returning def when v is empty, invalid or not positive.
func DurationOr(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Personal.AI order the ending
