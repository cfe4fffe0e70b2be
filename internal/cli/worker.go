package cli

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/turtacn/Cohort/internal/engine"
	"github.com/turtacn/Cohort/internal/handoff"
	"github.com/turtacn/Cohort/internal/hooks"
	"github.com/turtacn/Cohort/internal/ipc"
	"github.com/turtacn/Cohort/internal/monitor"
	"github.com/turtacn/Cohort/internal/resource"
	"github.com/turtacn/Cohort/internal/supervisor"
	"github.com/turtacn/Cohort/internal/worker"
	"github.com/turtacn/Cohort/pkg/consts"
	"github.com/turtacn/Cohort/pkg/errors"
	"github.com/turtacn/Cohort/pkg/logger"
	"github.com/turtacn/Cohort/pkg/protocol"
)

// runWorker is the entry point of a re-executed worker process. Its
// descriptors and identity come from the environment set by the spawner.
func runWorker(ctx context.Context) error {
	path := os.Getenv(consts.EnvConfigPath)
	if path == "" {
		path = cfgFile
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	logger.InitLogger(cfg.Observability.LogLevel)

	index, err := envInt(consts.EnvWorkerIndex)
	if err != nil {
		return err
	}
	masterID, err := envInt(consts.EnvMasterID)
	if err != nil {
		return err
	}

	inherited, err := ipc.InheritFromEnv()
	if err != nil {
		return errors.New(errors.ErrCodeConfigInvalid, "Worker", "bad descriptor layout", err)
	}
	sockets := resource.NewSocketManager()
	sockets.Adopt(inherited[ipc.FDListener])

	metrics := monitor.NewMetrics(strconv.Itoa(index))
	runner := hooks.NewRunner(cfg.Hooks)
	runner.OnComplete(func(name hooks.Name, d time.Duration) {
		metrics.HookDuration.WithLabelValues(string(name)).Observe(d.Seconds())
	})

	l := &launcher{
		cfg:     cfg,
		hooks:   runner,
		sockets: sockets,
		metrics: metrics,
		events:  logger.Log.With("pid", os.Getpid()),
	}
	l.events.Info("Worker process started", "index", index, "config", path, "executable", os.Args[0])

	opts := []worker.Option{worker.WithMetrics(metrics)}
	if e := inheritEngine(l, inherited.File(ipc.FDHandoff)); e != nil {
		opts = append(opts, worker.WithEngine(e))
	}
	if cfg.Cluster.ForkWorker && index == 0 {
		spawner, err := supervisor.New("worker")
		if err != nil {
			return err
		}
		spawner.Env = []string{consts.EnvConfigPath + "=" + path}
		opts = append(opts, worker.WithSpawner(&worker.ExecSpawner{
			Spawner:  spawner,
			Sockets:  sockets,
			MasterID: masterID,
		}))
	}

	w := worker.New(workerOptions(cfg, index, masterID), l, inherited.Pipes(), opts...)
	return w.Run(ctx)
}

func workerOptions(cfg *protocol.Config, index, masterID int) worker.Options {
	return worker.Options{
		Index:             index,
		MasterID:          masterID,
		Tag:               cfg.Cluster.Tag,
		ForkWorker:        cfg.Cluster.ForkWorker,
		CompactBeforeFork: cfg.Cluster.CompactBeforeFork,
		StatsInterval:     cfg.Cluster.CheckInterval(),
	}
}

// inheritEngine builds an engine from the snapshot sent by the origin
// worker. It returns nil when there is no handoff or it failed; the worker
// then loads the application itself.
func inheritEngine(l *launcher, f *os.File) engine.Engine {
	if f == nil {
		return nil
	}
	defer f.Close()

	snapshot, err := handoff.Receive(f, consts.DefaultHandoffTimeout)
	if err != nil {
		l.events.Warn("Engine handoff failed, loading application", "err", err)
		return nil
	}
	assets, err := engine.AssetsFromSnapshot(snapshot)
	if err != nil {
		l.events.Warn("Engine snapshot unusable, loading application", "err", err)
		return nil
	}
	return l.newEngine(assets)
}

func envInt(key string) (int, error) {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0, errors.New(errors.ErrCodeConfigInvalid, "Worker", key+" is not set", err)
	}
	return v, nil
}

// Personal.AI order the ending
