package cli

import (
	"context"

	"github.com/turtacn/Cohort/internal/engine"
	"github.com/turtacn/Cohort/internal/hooks"
	"github.com/turtacn/Cohort/internal/monitor"
	"github.com/turtacn/Cohort/internal/resource"
	"github.com/turtacn/Cohort/pkg/logger"
	"github.com/turtacn/Cohort/pkg/protocol"
)

// launcher boots the HTTP engine of a worker process and runs its hooks.
type launcher struct {
	cfg     *protocol.Config
	hooks   *hooks.Runner
	sockets *resource.SocketManager
	metrics *monitor.Metrics
	events  logger.Logger
}

func (l *launcher) StartEngine(ctx context.Context) (engine.Engine, error) {
	assets, err := engine.LoadAssets(l.cfg.Server.Root)
	if err != nil {
		return nil, err
	}
	l.events.Info("Application loaded", "root", l.cfg.Server.Root, "files", len(assets.Files))
	return l.newEngine(assets), nil
}

func (l *launcher) newEngine(assets *engine.Assets) *engine.HTTPEngine {
	return engine.NewHTTPEngine(engine.Options{
		Bind:    l.cfg.Server.Bind,
		Grace:   l.cfg.Server.Grace(),
		Metrics: l.metrics,
	}, l.sockets, assets)
}

func (l *launcher) RunHooks(ctx context.Context, name hooks.Name, index int) error {
	return l.hooks.Run(ctx, name, index, l.events)
}

func (l *launcher) Events() logger.Logger { return l.events }

// Personal.AI order the ending
