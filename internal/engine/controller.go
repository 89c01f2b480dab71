// Package engine keeps a fleet of independently looping playouts
// phase-locked to one logical clock. It owns the shared clock, per-slot
// runtime state (phase and layer pair), the four sync operations, and the
// periodic drift controller. All control-plane state is serialized by a
// single mutex that is never held across a wire await.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/loopsync/loopsync/internal/amcp"
	"github.com/loopsync/loopsync/internal/config"
	"github.com/loopsync/loopsync/internal/timecode"
)

// Drift-controller modes.
const (
	ModeOff    = "off"
	ModeManual = "manual"
	ModeAuto   = "auto"
)

// Sender is the slice of the connection API the engine drives: enveloped
// batches and bare queries, both serialized by the connection.
type Sender interface {
	Send(ctx context.Context, batch *amcp.Batch) ([]amcp.Reply, error)
	Query(ctx context.Context, command string) (amcp.Reply, error)
}

// Pool hands out one Sender per engine address and retires the ones no
// slot references anymore. Keys in keep are host:port strings.
type Pool interface {
	Get(host string, port int) Sender
	Prune(ctx context.Context, keep map[string]bool)
}

// Store persists the playout document.
type Store interface {
	Load() (*config.Playout, error)
	Save(doc *config.Playout) error
}

// Controller is the sync engine. It holds the authoritative in-memory
// copy of the playout document; every save goes through the Store and
// replaces that copy atomically.
type Controller struct {
	store  Store
	pool   Pool
	logger *slog.Logger
	clock  func() time.Time

	mu           sync.Mutex
	doc          *config.Playout
	mode         string
	t0           time.Time
	slots        map[string]*slotState
	droppedTicks uint64
	ticking      bool
	subscribers  map[string]*Subscriber

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup
}

// NewController creates a controller around the given document. The drift
// loop does not run until Start.
func NewController(doc *config.Playout, store Store, pool Pool) *Controller {
	c := &Controller{
		store:       store,
		pool:        pool,
		logger:      slog.Default(),
		clock:       time.Now,
		doc:         doc.Clone(),
		mode:        ModeOff,
		slots:       make(map[string]*slotState),
		subscribers: make(map[string]*Subscriber),
	}
	for _, s := range c.doc.Slots {
		c.slots[s.ID] = newSlotState(s.BaseLayer)
	}
	return c
}

// WithLogger sets a custom logger.
func (c *Controller) WithLogger(logger *slog.Logger) *Controller {
	c.logger = logger.With(slog.String("component", "engine"))
	return c
}

// WithClock overrides the time source. Tests use this; production code
// never should.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// Start begins the drift-controller loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loopCancel != nil {
		return fmt.Errorf("engine already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.loopCancel = cancel

	c.loopWG.Add(1)
	go c.driftLoop(loopCtx)

	c.logger.Info("engine started",
		slog.Int("interval_seconds", c.doc.AutosyncIntervalSec),
		slog.Int64("tolerance_frames", c.doc.DriftToleranceFrames))
	return nil
}

// Stop halts the drift loop and waits for any in-flight tick to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.loopCancel
	c.loopCancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.loopWG.Wait()
	c.logger.Info("engine stopped")
}

// Mode returns the current drift-controller mode.
func (c *Controller) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the drift-controller mode.
func (c *Controller) SetMode(mode string) error {
	switch mode {
	case ModeOff, ModeManual, ModeAuto:
	default:
		return fmt.Errorf("mode must be one of: off, manual, auto")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == c.mode {
		return nil
	}
	c.logger.Info("mode changed",
		slog.String("from", c.mode),
		slog.String("to", mode))
	c.mode = mode
	c.publishLocked(c.snapshotLocked())
	return nil
}

// ResetClock re-bases the shared clock at the current instant.
func (c *Controller) ResetClock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t0 = c.clock()
	c.logger.Info("clock reset")
	c.publishLocked(c.snapshotLocked())
}

// DroppedTicks reports how many drift ticks were skipped because the
// previous one was still running.
func (c *Controller) DroppedTicks() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedTicks
}

// Config returns a copy of the current document.
func (c *Controller) Config() *config.Playout {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Clone()
}

// UpdateConfig merges a patch into the document, persists it, and adopts
// the result as the authoritative copy. A slot whose baseLayer changed is
// reset to cold with a canonical pair; connections that no effective slot
// references anymore are closed.
func (c *Controller) UpdateConfig(ctx context.Context, patch *config.PlayoutPatch) (*config.Playout, error) {
	c.mu.Lock()
	next := c.doc.Clone()
	patch.Apply(next)
	if err := next.Validate(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := c.store.Save(next); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("persisting config: %w", err)
	}
	c.adoptLocked(next)
	keep := c.keepAddrsLocked()
	out := c.doc.Clone()
	c.publishLocked(c.snapshotLocked())
	c.mu.Unlock()

	c.pool.Prune(ctx, keep)
	c.logger.Info("config updated", slog.Int("slots", len(out.Slots)))
	return out, nil
}

// ReloadConfig replaces the whole document, persisting it and resetting
// every slot to cold. Used by backup restore.
func (c *Controller) ReloadConfig(ctx context.Context, doc *config.Playout) error {
	next := doc.Clone()
	next.Normalize()
	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.store.Save(next); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persisting config: %w", err)
	}
	c.doc = next
	c.slots = make(map[string]*slotState, len(next.Slots))
	for _, s := range next.Slots {
		c.slots[s.ID] = newSlotState(s.BaseLayer)
	}
	keep := c.keepAddrsLocked()
	c.publishLocked(c.snapshotLocked())
	c.mu.Unlock()

	c.pool.Prune(ctx, keep)
	c.logger.Info("config reloaded", slog.Int("slots", len(next.Slots)))
	return nil
}

// adoptLocked swaps in a new document, carrying over runtime state for
// slots whose pair geometry is unchanged.
func (c *Controller) adoptLocked(next *config.Playout) {
	prev := make(map[string]config.Slot, len(c.doc.Slots))
	for _, s := range c.doc.Slots {
		prev[s.ID] = s
	}

	states := make(map[string]*slotState, len(next.Slots))
	for _, s := range next.Slots {
		st, known := c.slots[s.ID]
		if !known {
			states[s.ID] = newSlotState(s.BaseLayer)
			continue
		}
		if old, existed := prev[s.ID]; existed && old.BaseLayer != s.BaseLayer {
			// The pair moved; the operator restarts the playout.
			states[s.ID] = newSlotState(s.BaseLayer)
			continue
		}
		states[s.ID] = st
	}

	c.doc = next
	c.slots = states
}

// keepAddrsLocked returns the set of engine addresses the current
// document still references through effective slots.
func (c *Controller) keepAddrsLocked() map[string]bool {
	keep := make(map[string]bool)
	for i := range c.doc.Slots {
		s := &c.doc.Slots[i]
		if s.Effective() {
			keep[net.JoinHostPort(s.Host, strconv.Itoa(s.EnginePort()))] = true
		}
	}
	return keep
}

// targetFrameLocked computes where a slot should be at the given instant,
// with the slot's start timecode folded in.
func (c *Controller) targetFrameLocked(s *config.Slot, now time.Time) int64 {
	start := timecode.Parse(s.Timecode, c.doc.FPS)
	return timecode.TargetFrame(c.t0, now, c.doc.FPS, c.doc.Frames, start)
}
