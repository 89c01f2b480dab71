package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loopsync/loopsync/internal/amcp"
	"github.com/loopsync/loopsync/internal/config"
	"github.com/loopsync/loopsync/internal/timecode"
)

// slotPlan is the immutable per-slot picture an operation works from,
// captured under the mutex before any wire traffic.
type slotPlan struct {
	index       int
	id          string
	host        string
	port        int
	channel     int
	pair        layerPair
	clip        string
	startFrames int64
	armFrame    int64
}

// connPlan groups the slots of one engine address, in slot order.
type connPlan struct {
	addr  string
	host  string
	port  int
	slots []slotPlan
}

// planLocked captures the wire-relevant view of every effective slot,
// optionally filtered by runtime state.
func (c *Controller) planLocked(filter func(*slotState) bool) []slotPlan {
	plans := make([]slotPlan, 0, len(c.doc.Slots))
	for i := range c.doc.Slots {
		s := &c.doc.Slots[i]
		if !s.Effective() {
			continue
		}
		st := c.slots[s.ID]
		if st == nil {
			st = newSlotState(s.BaseLayer)
			c.slots[s.ID] = st
		}
		if filter != nil && !filter(st) {
			continue
		}
		plans = append(plans, slotPlan{
			index:       i,
			id:          s.ID,
			host:        s.Host,
			port:        s.EnginePort(),
			channel:     s.Channel,
			pair:        st.pair,
			clip:        s.Clip,
			startFrames: timecode.Parse(s.Timecode, c.doc.FPS),
		})
	}
	return plans
}

// groupByConn buckets plans by engine address, preserving slot order
// within each bucket and first-appearance order across buckets.
func groupByConn(plans []slotPlan) []connPlan {
	index := make(map[string]int)
	conns := make([]connPlan, 0, len(plans))
	for _, p := range plans {
		addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
		i, ok := index[addr]
		if !ok {
			i = len(conns)
			index[addr] = i
			conns = append(conns, connPlan{addr: addr, host: p.host, port: p.port})
		}
		conns[i].slots = append(conns[i].slots, p)
	}
	return conns
}

// sendPerConn ships one batch per connection in parallel and reports
// failures keyed by address. Commands within a batch are strictly
// ordered by the connection; across connections there is no ordering.
// Batches are not cancellable once submitted; the connection's command
// timeout bounds them instead.
func (c *Controller) sendPerConn(ctx context.Context, op string, conns []connPlan, build func(connPlan) *amcp.Batch) map[string]error {
	var (
		mu   sync.Mutex
		errs = make(map[string]error)
		wg   sync.WaitGroup
	)
	for _, cp := range conns {
		wg.Add(1)
		go func(cp connPlan) {
			defer wg.Done()
			sender := c.pool.Get(cp.host, cp.port)
			if _, err := sender.Send(context.WithoutCancel(ctx), build(cp)); err != nil {
				c.logger.Warn("batch failed",
					slog.String("op", op),
					slog.String("addr", cp.addr),
					slog.Any("error", err))
				mu.Lock()
				errs[cp.addr] = err
				mu.Unlock()
			}
		}(cp)
	}
	wg.Wait()
	return errs
}

// flattenConnErrors expands per-connection errors into per-slot errors,
// sorted by slot index.
func flattenConnErrors(conns []connPlan, errs map[string]error) []*SlotError {
	var out []*SlotError
	for _, cp := range conns {
		err := errs[cp.addr]
		if err == nil {
			continue
		}
		for _, p := range cp.slots {
			out = append(out, &SlotError{Index: p.index, Err: err})
		}
	}
	sortSlotErrors(out)
	return out
}

func sortSlotErrors(errs []*SlotError) {
	sort.Slice(errs, func(i, j int) bool { return errs[i].Index < errs[j].Index })
}

func opResult(op string, failures []*SlotError) error {
	if len(failures) == 0 {
		return nil
	}
	sortSlotErrors(failures)
	return &OpError{Op: op, Slots: failures}
}

// PreloadAll loads every effective slot's clip paused and invisible on
// both layers of its pair. Slots keep their current pair assignment.
func (c *Controller) PreloadAll(ctx context.Context) error {
	c.mu.Lock()
	plans := c.planLocked(nil)
	c.mu.Unlock()

	if len(plans) == 0 {
		return nil
	}

	conns := groupByConn(plans)
	errs := c.sendPerConn(ctx, "preload", conns, func(cp connPlan) *amcp.Batch {
		b := amcp.NewBatch()
		for _, p := range cp.slots {
			b.LoadBG(p.channel, p.pair.active, p.clip, 0).
				Pause(p.channel, p.pair.active).
				MixerOpacity(p.channel, p.pair.active, 0, 0).
				MixerVolume(p.channel, p.pair.active, 1, 0)
			b.LoadBG(p.channel, p.pair.standby, p.clip, 0).
				Pause(p.channel, p.pair.standby).
				MixerOpacity(p.channel, p.pair.standby, 0, 0).
				MixerVolume(p.channel, p.pair.standby, 0, 0)
		}
		return b
	})

	failed := failedIndexes(conns, errs)
	c.mu.Lock()
	for _, p := range plans {
		if failed[p.index] {
			continue
		}
		st := c.slots[p.id]
		if st == nil || st.pair != p.pair {
			continue
		}
		st.phase = PhasePreloaded
		st.currentFrame = nil
		st.drift = nil
	}
	c.publishLocked(c.snapshotLocked())
	c.mu.Unlock()

	c.logger.Info("preload finished",
		slog.Int("slots", len(plans)),
		slog.Int("failed", len(failed)))
	return opResult("preload", flattenConnErrors(conns, errs))
}

// StartAll re-bases the shared clock and restarts every effective slot
// from its start timecode. The clock moves and every pair resets to
// canonical before any command goes out.
func (c *Controller) StartAll(ctx context.Context) error {
	c.mu.Lock()
	c.t0 = c.clock()
	for _, s := range c.doc.Slots {
		if st := c.slots[s.ID]; st != nil {
			st.pair = canonicalPair(s.BaseLayer)
		}
	}
	plans := c.planLocked(nil)
	c.mu.Unlock()

	if len(plans) == 0 {
		return nil
	}

	conns := groupByConn(plans)
	errs := c.sendPerConn(ctx, "start", conns, func(cp connPlan) *amcp.Batch {
		b := amcp.NewBatch()
		for _, p := range cp.slots {
			b.LoadBG(p.channel, p.pair.active, p.clip, p.startFrames).
				LoadBG(p.channel, p.pair.standby, p.clip, p.startFrames).
				Pause(p.channel, p.pair.active).
				Pause(p.channel, p.pair.standby).
				MixerOpacity(p.channel, p.pair.active, 0, 0).
				MixerOpacity(p.channel, p.pair.standby, 0, 0).
				MixerVolume(p.channel, p.pair.active, 1, 0).
				MixerVolume(p.channel, p.pair.standby, 0, 0).
				Play(p.channel, p.pair.active).
				MixerOpacity(p.channel, p.pair.active, 1, 0)
		}
		return b
	})

	failed := failedIndexes(conns, errs)
	c.mu.Lock()
	for _, p := range plans {
		if failed[p.index] {
			continue
		}
		st := c.slots[p.id]
		if st == nil || st.pair != p.pair {
			continue
		}
		st.phase = PhasePlaying
		st.currentFrame = nil
		st.drift = nil
	}
	c.publishLocked(c.snapshotLocked())
	c.mu.Unlock()

	c.logger.Info("start finished",
		slog.Int("slots", len(plans)),
		slog.Int("failed", len(failed)))
	return opResult("start", flattenConnErrors(conns, errs))
}

// PauseAll freezes every playing slot on both layers. Slots that are not
// playing are left alone.
func (c *Controller) PauseAll(ctx context.Context) error {
	c.mu.Lock()
	plans := c.planLocked(func(st *slotState) bool { return st.phase == PhasePlaying })
	c.mu.Unlock()

	if len(plans) == 0 {
		return nil
	}

	conns := groupByConn(plans)
	errs := c.sendPerConn(ctx, "pause", conns, func(cp connPlan) *amcp.Batch {
		b := amcp.NewBatch()
		for _, p := range cp.slots {
			b.Pause(p.channel, p.pair.active).
				Pause(p.channel, p.pair.standby)
		}
		return b
	})

	failed := failedIndexes(conns, errs)
	c.mu.Lock()
	for _, p := range plans {
		if failed[p.index] {
			continue
		}
		st := c.slots[p.id]
		if st == nil || st.pair != p.pair {
			continue
		}
		st.phase = PhasePaused
		st.drift = nil
	}
	c.publishLocked(c.snapshotLocked())
	c.mu.Unlock()

	c.logger.Info("pause finished",
		slog.Int("slots", len(plans)),
		slog.Int("failed", len(failed)))
	return opResult("pause", flattenConnErrors(conns, errs))
}

// ResyncAll re-seeks every playing slot's standby layer to the target
// frame and swaps it on air, either as a hard cut or a crossfade. A nil
// frame resyncs each slot to its own computed target; a non-nil frame
// forces one uniform position. A slot whose arm batch failed keeps its
// pair untouched; an armed but unswapped standby stays invisible, which
// is benign.
func (c *Controller) ResyncAll(ctx context.Context, mode string, frame *int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if mode == "" {
		mode = c.doc.ResyncMode
	}
	if mode != config.ResyncModeCut && mode != config.ResyncModeFade {
		c.mu.Unlock()
		return fmt.Errorf("resyncMode must be one of: cut, fade")
	}
	fadeFrames := 0
	delay := time.Duration(0)
	if mode == config.ResyncModeFade {
		fadeFrames = c.doc.FadeFrames
		delay = time.Duration(c.doc.PostFadeDelay()) * time.Millisecond
	}
	now := c.clock()
	plans := c.planLocked(func(st *slotState) bool { return st.phase == PhasePlaying })
	for i := range plans {
		if frame != nil {
			plans[i].armFrame = *frame
		} else {
			plans[i].armFrame = timecode.TargetFrame(c.t0, now, c.doc.FPS, c.doc.Frames, plans[i].startFrames)
		}
	}
	c.mu.Unlock()

	if len(plans) == 0 {
		return nil
	}

	conns := groupByConn(plans)
	armErrs := c.sendPerConn(ctx, "resync arm", conns, func(cp connPlan) *amcp.Batch {
		b := amcp.NewBatch()
		for _, p := range cp.slots {
			b.LoadBG(p.channel, p.pair.standby, p.clip, p.armFrame).
				Pause(p.channel, p.pair.standby).
				MixerOpacity(p.channel, p.pair.standby, 0, 0).
				MixerVolume(p.channel, p.pair.standby, 0, 0)
		}
		return b
	})

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("resync aborted after arm: %w", err)
	}

	var (
		resMu    sync.Mutex
		failures []*SlotError
		swapped  []slotPlan
		wg       sync.WaitGroup
	)
	fail := func(p slotPlan, err error) {
		resMu.Lock()
		failures = append(failures, &SlotError{Index: p.index, Err: err})
		resMu.Unlock()
	}

	for _, cp := range conns {
		if err := armErrs[cp.addr]; err != nil {
			for _, p := range cp.slots {
				fail(p, err)
			}
			continue
		}
		wg.Add(1)
		go func(cp connPlan) {
			defer wg.Done()
			sender := c.pool.Get(cp.host, cp.port)
			sendCtx := context.WithoutCancel(ctx)
			for i, p := range cp.slots {
				if err := ctx.Err(); err != nil {
					for _, rest := range cp.slots[i:] {
						fail(rest, err)
					}
					return
				}

				on := amcp.NewBatch().
					Play(p.channel, p.pair.standby).
					MixerOpacity(p.channel, p.pair.standby, 1, fadeFrames).
					MixerVolume(p.channel, p.pair.standby, 1, fadeFrames).
					MixerOpacity(p.channel, p.pair.active, 0, fadeFrames).
					MixerVolume(p.channel, p.pair.active, 0, fadeFrames)
				if _, err := sender.Send(sendCtx, on); err != nil {
					c.logger.Warn("swap batch failed",
						slog.Int("slot", p.index),
						slog.String("addr", cp.addr),
						slog.Any("error", err))
					fail(p, err)
					if amcp.IsNetworkError(err) {
						for _, rest := range cp.slots[i+1:] {
							fail(rest, err)
						}
						return
					}
					continue
				}

				if delay > 0 {
					time.Sleep(delay)
				}

				off := amcp.NewBatch().Pause(p.channel, p.pair.active)
				if _, err := sender.Send(sendCtx, off); err != nil {
					c.logger.Warn("swap settle failed",
						slog.Int("slot", p.index),
						slog.String("addr", cp.addr),
						slog.Any("error", err))
					fail(p, err)
					if amcp.IsNetworkError(err) {
						for _, rest := range cp.slots[i+1:] {
							fail(rest, err)
						}
						return
					}
					continue
				}

				resMu.Lock()
				swapped = append(swapped, p)
				resMu.Unlock()
			}
		}(cp)
	}
	wg.Wait()

	c.mu.Lock()
	for _, p := range swapped {
		st := c.slots[p.id]
		if st == nil || st.pair != p.pair || st.phase != PhasePlaying {
			continue
		}
		st.pair = st.pair.swapped()
		st.currentFrame = nil
		st.drift = nil
	}
	c.publishLocked(c.snapshotLocked())
	c.mu.Unlock()

	c.logger.Info("resync finished",
		slog.String("mode", mode),
		slog.Int("slots", len(plans)),
		slog.Int("swapped", len(swapped)),
		slog.Int("failed", len(failures)))
	return opResult("resync", failures)
}

// failedIndexes maps per-connection errors back to the slot indexes they
// cover.
func failedIndexes(conns []connPlan, errs map[string]error) map[int]bool {
	failed := make(map[int]bool)
	for _, cp := range conns {
		if errs[cp.addr] == nil {
			continue
		}
		for _, p := range cp.slots {
			failed[p.index] = true
		}
	}
	return failed
}
