package cli

import (
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/protocol"
)

// loadConfig reads the YAML file at path, applies COHORT_* environment
// overrides and validates the result.
func loadConfig(path string) (*protocol.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "cannot read "+path, err)
	}
	var cfg protocol.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "cannot parse "+path, err)
	}

	env := viper.New()
	env.SetEnvPrefix("cohort")
	for _, key := range []string{"log_level", "workers", "fork_worker"} {
		if err := env.BindEnv(key); err != nil {
			return nil, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "bind "+key, err)
		}
	}
	if env.IsSet("log_level") {
		cfg.Observability.LogLevel = env.GetString("log_level")
	}
	if env.IsSet("workers") {
		cfg.Cluster.Workers = env.GetInt("workers")
	}
	if env.IsSet("fork_worker") {
		cfg.Cluster.ForkWorker = env.GetBool("fork_worker")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Personal.AI order the ending
