package collector

import (
	"context"
	"time"

	"github.com/lmtoy/pipeline-web/internal/daemon/store"
	"github.com/lmtoy/pipeline-web/logging"
	"github.com/lmtoy/pipeline-web/pkg/fleet"
	"github.com/sirupsen/logrus"
)

// FleetStatus summarizes the repository fleet.
type FleetStatus interface {
	Summary(ctx context.Context) (*fleet.Summary, error)
}

// FleetCollector refreshes the fleet summary periodically. It only reads the
// repositories; reconciliation stays an explicit operation.
type FleetCollector struct {
	fleet    FleetStatus
	interval time.Duration
	logger   *logrus.Entry
}

// NewFleetCollector creates a new FleetCollector.
func NewFleetCollector(f FleetStatus, interval time.Duration) *FleetCollector {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &FleetCollector{
		fleet:    f,
		interval: interval,
		logger:   logging.NewLogger("fleet-collector"),
	}
}

// Name returns the collector's name.
func (c *FleetCollector) Name() string { return "fleet" }

// Run starts the fleet status loop.
func (c *FleetCollector) Run(ctx context.Context, st *store.Store, updates chan<- store.Update) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	scan := func() {
		summary, err := c.fleet.Summary(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("Fleet status unavailable")
			return
		}
		emit(ctx, updates, store.Update{
			Type:    store.UpdateFleet,
			Source:  c.Name(),
			Scanned: summary.Total,
			Payload: summary,
		})
	}

	scan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			scan()
		}
	}
}
