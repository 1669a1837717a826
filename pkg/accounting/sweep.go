package accounting

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/radius"
)

// IdleTimeout is how long a session may go without accounting traffic
// before it is considered lost
func (m *Machine) IdleTimeout() time.Duration {
	return m.cfg.InterimInterval*time.Duration(m.cfg.IdleMultiplier) + m.cfg.IdleGrace
}

// Sweep closes sessions that have not reported within IdleTimeout with
// cause Lost-Service. It returns the number of sessions closed.
func (m *Machine) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.IdleTimeout())
	closed := 0
	for _, stale := range m.sessions.Stale(cutoff) {
		k := stale.Key()
		unlock := m.locks.Lock(k)
		// a request may have refreshed the session meanwhile
		if o, ok := m.sessions.Get(k); ok && o.LastUpdate.Before(cutoff) {
			m.sessions.Delete(k)
			m.finish(ctx, o, m.now(), radius.TerminateCauseLostService, true, "lost")
			closed++
		}
		unlock()
	}

	if closed > 0 {
		m.logger.Info("Closed idle sessions",
			zap.Int("closed", closed),
			zap.Duration("idle_timeout", m.IdleTimeout()),
		)
	}
	return closed
}

// Run sweeps idle sessions every SweepInterval until ctx is cancelled
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
