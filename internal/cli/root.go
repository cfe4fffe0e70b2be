package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/turtacn/Cohort/internal/cluster"
	"github.com/turtacn/Cohort/internal/supervisor"
	"github.com/turtacn/Cohort/pkg/consts"
	"github.com/turtacn/Cohort/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "cohort",
	Short: "Cohort: a pre-forking worker cluster for a static HTTP application",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cluster master",
	Run: func(cmd *cobra.Command, args []string) {
		// 1. Load Config
		path, err := filepath.Abs(cfgFile)
		if err != nil {
			fmt.Printf("Error resolving config path: %v\n", err)
			os.Exit(1)
		}
		cfg, err := loadConfig(path)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}

		// 2. Init Logger
		logger.InitLogger(cfg.Observability.LogLevel)
		logger.Log.Info("Booting Cohort master...", "config", path, "workers", cfg.Cluster.Workers, "pid", os.Getpid())

		// 3. Run the cluster; workers re-exec this binary
		spawner, err := supervisor.New("worker")
		if err != nil {
			logger.Log.Error("Cannot prepare worker spawner", "err", err)
			os.Exit(1)
		}
		spawner.Env = []string{consts.EnvConfigPath + "=" + path}

		if err := cluster.New(cfg, spawner).Run(context.Background()); err != nil {
			logger.Log.Error("Cluster fatal error", "err", err)
			os.Exit(1)
		}
	},
}

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a cluster worker (started by the master)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context())
	},
	SilenceUsage: true,
}

var reforkCmd = &cobra.Command{
	Use:   "refork",
	Short: "Trigger a refork from worker 0 (SIGUSR1)",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Please send SIGUSR1 to the running Cohort master, e.g. pkill -USR1 -f 'cohort start'.")
		fmt.Println("Refork requires cluster.fork_worker: true.")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "cohort.yaml", "config file path")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(reforkCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
