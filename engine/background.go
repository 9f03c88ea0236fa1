package engine

import (
	"context"
	"time"
)

// runFlushLoop drains frozen memtables to level 0. A ticker backs up
// the signal channel so a missed signal only delays work.
func (e *Engine) runFlushLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.BackgroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-e.flushCh:
		case <-ticker.C:
		}
		e.dispatchFlush()
	}
}

func (e *Engine) dispatchFlush() {
	if !e.flushing.CompareAndSwap(false, true) {
		return
	}
	ok := e.pool.TrySubmit(func() {
		defer e.flushing.Store(false)
		for {
			e.mu.RLock()
			pending := len(e.immutables)
			e.mu.RUnlock()
			if pending == 0 {
				return
			}
			if err := e.flushOne(); err != nil {
				e.logger.Error("flush failed", "error", err)
				return
			}
		}
	})
	if !ok {
		e.flushing.Store(false)
	}
}

// runCompactionLoop schedules compaction whenever level 0 crosses its
// threshold or a level outgrows its size target. Successful runs
// immediately re-arm in case more work is eligible.
func (e *Engine) runCompactionLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.BackgroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-e.compactCh:
		case <-ticker.C:
		}

		if !e.rc.TryAcquireBackground() {
			continue
		}
		submitted := e.pool.TrySubmit(func() {
			defer e.rc.ReleaseBackground()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				select {
				case <-e.closeCh:
					cancel()
				case <-ctx.Done():
				}
			}()

			ran, err := e.compactor.RunOnce(ctx)
			if err != nil {
				e.logger.Error("compaction failed", "error", err)
				return
			}
			if ran {
				e.signalCompaction()
			}
		})
		if !submitted {
			e.rc.ReleaseBackground()
		}
	}
}

// runPromotionLoop migrates the oldest cold-level segments into
// external columnar files once they pass ColdPromotionAge.
func (e *Engine) runPromotionLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.BackgroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
		}
		e.promoteCold()
	}
}

func (e *Engine) promoteCold() {
	cutoff := time.Now().Add(-e.opts.ColdPromotionAge).Unix()
	snap := e.Snapshot()
	for _, lvl := range snap.Levels {
		if lvl.Level < e.opts.ColdLevel {
			continue
		}
		for _, s := range lvl.Segments {
			if s.Tiered || s.CreatedAt > cutoff {
				continue
			}
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-e.closeCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			err := e.extMgr.PromoteSegment(ctx, s)
			cancel()
			if err != nil {
				e.logger.Error("segment promotion failed", "segment", s.ID, "error", err)
				return
			}
			e.logger.Info("segment promoted to external file", "segment", s.ID, "level", lvl.Level)
			return // one promotion per tick
		}
	}
}

// runTieringLoop periodically offers cold segments to the tiering
// policy.
func (e *Engine) runTieringLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.BackgroundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-e.closeCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		moved, err := e.tieredMgr.RunOnce(ctx)
		cancel()
		if err != nil {
			e.logger.Error("tiering failed", "error", err)
			continue
		}
		if moved > 0 {
			e.logger.Info("segments tiered", "count", moved)
		}
	}
}
