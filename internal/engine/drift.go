package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopsync/loopsync/internal/amcp"
	"github.com/loopsync/loopsync/internal/timecode"
)

// driftLoop fires a measurement tick every autosync interval. Interval
// changes take effect on the next tick. A tick that lands while the
// previous one is still running is dropped and counted, never queued.
func (c *Controller) driftLoop(ctx context.Context) {
	defer c.loopWG.Done()

	c.mu.Lock()
	interval := c.intervalLocked()
	c.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if next := c.intervalLocked(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
			c.mu.Unlock()
			c.fireTick(ctx)
		}
	}
}

// fireTick spawns one measurement tick unless the previous one is still
// running, in which case the tick is dropped and counted. The snapshot
// still goes out on a dropped tick.
func (c *Controller) fireTick(ctx context.Context) bool {
	c.mu.Lock()
	if c.ticking {
		c.droppedTicks++
		c.logger.Warn("drift tick dropped, previous still running",
			slog.Uint64("dropped_total", c.droppedTicks))
		c.publishLocked(c.snapshotLocked())
		c.mu.Unlock()
		return false
	}
	c.ticking = true
	c.mu.Unlock()

	c.loopWG.Add(1)
	go func() {
		defer c.loopWG.Done()
		c.runTick(ctx)
		c.mu.Lock()
		c.ticking = false
		c.mu.Unlock()
	}()
	return true
}

func (c *Controller) intervalLocked() time.Duration {
	sec := c.doc.AutosyncIntervalSec
	if sec < 1 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}

// runTick samples every playing slot's active layer, records drift, and
// triggers a resync when any slot is beyond tolerance. A snapshot goes
// out every tick whether or not sampling ran.
func (c *Controller) runTick(ctx context.Context) {
	c.mu.Lock()
	if c.mode != ModeAuto {
		c.publishLocked(c.snapshotLocked())
		c.mu.Unlock()
		return
	}
	now := c.clock()
	tolerance := c.doc.DriftToleranceFrames
	resyncMode := c.doc.ResyncMode
	plans := c.planLocked(func(st *slotState) bool { return st.phase == PhasePlaying })
	targets := make(map[int]int64, len(plans))
	for _, p := range plans {
		targets[p.index] = timecode.TargetFrame(c.t0, now, c.doc.FPS, c.doc.Frames, p.startFrames)
	}
	c.mu.Unlock()

	samples := c.sampleFrames(ctx, plans)

	trigger := false
	c.mu.Lock()
	for _, p := range plans {
		st := c.slots[p.id]
		if st == nil || st.pair != p.pair {
			continue
		}
		cur, ok := samples[p.index]
		if !ok {
			st.currentFrame = nil
			st.drift = nil
			continue
		}
		drift := cur - targets[p.index]
		cf, d := cur, drift
		st.currentFrame = &cf
		st.drift = &d
		if abs64(drift) > tolerance {
			trigger = true
		}
	}
	// Mode may have flipped while sampling; leaving auto cancels a
	// resync that has not started.
	trigger = trigger && c.mode == ModeAuto
	c.publishLocked(c.snapshotLocked())
	c.mu.Unlock()

	if trigger {
		c.logger.Info("drift beyond tolerance, resyncing",
			slog.Int64("tolerance_frames", tolerance))
		if err := c.ResyncAll(ctx, resyncMode, nil); err != nil {
			c.logger.Error("automatic resync failed", slog.Any("error", err))
		}
	}
}

// sampleFrames queries the current frame of each plan's active layer,
// one connection at a time in parallel. A missing entry means the sample
// failed or did not parse.
func (c *Controller) sampleFrames(ctx context.Context, plans []slotPlan) map[int]int64 {
	conns := groupByConn(plans)
	var (
		mu      sync.Mutex
		samples = make(map[int]int64)
		wg      sync.WaitGroup
	)
	for _, cp := range conns {
		wg.Add(1)
		go func(cp connPlan) {
			defer wg.Done()
			sender := c.pool.Get(cp.host, cp.port)
			for _, p := range cp.slots {
				reply, err := sender.Query(ctx, fmt.Sprintf("CALL %d-%d FRAME", p.channel, p.pair.active))
				if err != nil {
					c.logger.Warn("frame sample failed",
						slog.Int("slot", p.index),
						slog.String("addr", cp.addr),
						slog.Any("error", err))
					if amcp.IsNetworkError(err) {
						return
					}
					continue
				}
				frame, ok := reply.IntPayload()
				if !ok {
					c.logger.Warn("frame sample unparsable",
						slog.Int("slot", p.index),
						slog.String("addr", cp.addr),
						slog.String("raw", reply.Raw))
					continue
				}
				mu.Lock()
				samples[p.index] = frame
				mu.Unlock()
			}
		}(cp)
	}
	wg.Wait()
	return samples
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
