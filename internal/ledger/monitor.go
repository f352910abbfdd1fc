package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Monitor periodically reports positions that have become liquidatable. It
// never liquidates: that takes a liquidator calling Liquidate.
type Monitor struct {
	service  *Service
	metrics  *Metrics
	interval time.Duration
}

func NewMonitor(service *Service, metrics *Metrics, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		service:  service,
		metrics:  metrics,
		interval: interval,
	}
}

// Start runs the health check loop until ctx is cancelled
func (m *Monitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "health_monitor").Logger()
	logger.Info().Dur("interval", m.interval).Msg("starting position health monitor")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down position health monitor")
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to check position health")
			}
		}
	}
}

// Check scans all positions once and returns the number of liquidatable ones
func (m *Monitor) Check(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "health_monitor").Logger()

	positions, err := m.service.Liquidatable(ctx)
	if err != nil {
		return 0, err
	}

	for _, pos := range positions {
		logger.Warn().
			Str("owner", pos.Owner).
			Uint64("collateral", pos.Collateral).
			Uint64("borrowed", pos.Borrowed).
			Uint64("borrow_limit", pos.BorrowLimit()).
			Msg("position is liquidatable")
	}

	m.metrics.setLiquidatable(len(positions))
	logger.Debug().Int("liquidatable_count", len(positions)).Msg("position health check complete")
	return len(positions), nil
}
