package engram

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LifecycleManager runs the §4.8 periodic sweep: salience decay, low-salience
// archival, dangling-edge and orphaned-entity cleanup, and an invariant
// check. A violation halts further writes on the store (§7 ErrCorrupt) until
// an operator repairs the data and calls Store.ClearCorrupt; the sweep
// itself only detects and logs, it never corrects.
type LifecycleManager struct {
	store  *Store
	cfg    *VaultConfig
	log    *zap.SugaredLogger
	cancel context.CancelFunc
}

// NewLifecycleManager constructs a LifecycleManager bound to a store.
func NewLifecycleManager(store *Store, cfg *VaultConfig) *LifecycleManager {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LifecycleManager{store: store, cfg: cfg, log: log}
}

// Start launches the background sweep goroutine on cfg.DecayInterval. Call
// Stop to shut it down.
func (l *LifecycleManager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	go func() {
		ticker := time.NewTicker(l.cfg.DecayInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the background sweep goroutine, if running.
func (l *LifecycleManager) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

// Sweep runs one pass of decay, archival, garbage collection, and invariant
// checking (§4.8). Safe to call directly (e.g. from consolidate()'s step 5)
// in addition to the ticker-driven background loop.
func (l *LifecycleManager) Sweep() {
	decayed, err := l.store.ApplyDecay(0.01)
	if err != nil {
		l.log.Errorw("decay sweep failed", "error", err)
	} else if decayed > 0 {
		l.log.Infow("applied salience decay", "memories", decayed)
	}

	archived, err := l.store.ArchiveLowSalience(l.cfg.ArchiveThreshold, 7*24*time.Hour)
	if err != nil {
		l.log.Errorw("archive low-salience sweep failed", "error", err)
	} else if archived > 0 {
		l.log.Infow("archived low-salience memories", "count", archived)
	}

	danglingEdges, err := l.store.DeleteDanglingEdges()
	if err != nil {
		l.log.Errorw("dangling edge cleanup failed", "error", err)
	} else if danglingEdges > 0 {
		l.log.Infow("deleted dangling edges", "count", danglingEdges)
	}

	orphans, err := l.store.DeleteOrphanedEntities()
	if err != nil {
		l.log.Errorw("orphaned entity cleanup failed", "error", err)
	} else if orphans > 0 {
		l.log.Infow("deleted orphaned entities", "count", orphans)
	}

	violations, err := l.store.CheckInvariants()
	if err != nil {
		l.log.Errorw("invariant check failed", "error", err)
		return
	}
	for _, v := range violations {
		l.log.Warnw("invariant violation detected", "detail", v)
	}
	if len(violations) > 0 {
		l.log.Errorw("writes halted pending repair", "violations", len(violations))
	}
}
