package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/turtacn/Cohort/pkg/protocol"
)

// reportStats pings the observer with engine stats every StatsInterval. It
// stops at the first failed write: the observer is gone.
func (w *Worker) reportStats(ctx context.Context) {
	ticker := time.NewTicker(w.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(w.engine.Stats())
			if err != nil {
				w.log.Warn("Failed to encode stats", "err", err)
				continue
			}
			if err := w.status.Send(protocol.Stats(w.pid, payload)); err != nil {
				w.log.Debug("Stats reporter stopped", "err", err)
				return
			}
		}
	}
}

// Personal.AI order the ending
