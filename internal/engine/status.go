package engine

import (
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// SlotStatus is one row of the status table. CurrentFrame and Drift are
// nil until a drift tick has sampled the slot, and go back to nil when a
// sample fails.
type SlotStatus struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Channel      int    `json:"channel"`
	BaseLayer    int    `json:"baseLayer"`
	ActiveLayer  int    `json:"activeLayer"`
	StandbyLayer int    `json:"standbyLayer"`
	Clip         string `json:"clip"`
	Timecode     string `json:"timecode"`
	CurrentFrame *int64 `json:"currentFrame"`
	TargetFrame  int64  `json:"targetFrame"`
	Drift        *int64 `json:"drift"`
	Phase        string `json:"phase"`
}

// Snapshot is a point-in-time view of the whole engine.
type Snapshot struct {
	Mode                 string       `json:"mode"`
	ResyncMode           string       `json:"resyncMode"`
	FadeFrames           int          `json:"fadeFrames"`
	T0                   *time.Time   `json:"t0"`
	FPS                  float64      `json:"fps"`
	Frames               int64        `json:"frames"`
	AutosyncIntervalSec  int          `json:"autosyncIntervalSec"`
	DriftToleranceFrames int64        `json:"driftToleranceFrames"`
	DroppedTicks         uint64       `json:"droppedTicks"`
	Rows                 []SlotStatus `json:"rows"`
}

// Subscriber receives a snapshot after every drift tick and after state
// changes worth broadcasting.
type Subscriber struct {
	ID     string
	Events chan *Snapshot
}

// Subscribe registers a snapshot listener. The returned subscriber's
// channel is buffered; slow consumers have snapshots dropped rather than
// stalling the engine.
func (c *Controller) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:     ulid.Make().String(),
		Events: make(chan *Snapshot, 16),
	}

	c.mu.Lock()
	c.subscribers[sub.ID] = sub
	c.mu.Unlock()

	c.logger.Debug("status subscriber added", slog.String("subscriber_id", sub.ID))
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (c *Controller) Unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subscribers[id]
	if ok {
		delete(c.subscribers, id)
	}
	c.mu.Unlock()

	if ok {
		close(sub.Events)
		c.logger.Debug("status subscriber removed", slog.String("subscriber_id", id))
	}
}

// Status returns a snapshot of the engine at this instant.
func (c *Controller) Status() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// PublishStatus pushes a fresh snapshot to every subscriber. Called by the
// control surface after mutations so feeds update between drift ticks.
func (c *Controller) PublishStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(c.snapshotLocked())
}

// snapshotLocked assembles a snapshot from current state. Target frames
// are computed at snapshot time so consecutive reads advance even without
// a drift tick in between.
func (c *Controller) snapshotLocked() *Snapshot {
	now := c.clock()

	snap := &Snapshot{
		Mode:                 c.mode,
		ResyncMode:           c.doc.ResyncMode,
		FadeFrames:           c.doc.FadeFrames,
		FPS:                  c.doc.FPS,
		Frames:               c.doc.Frames,
		AutosyncIntervalSec:  c.doc.AutosyncIntervalSec,
		DriftToleranceFrames: c.doc.DriftToleranceFrames,
		DroppedTicks:         c.droppedTicks,
		Rows:                 make([]SlotStatus, 0, len(c.doc.Slots)),
	}
	if !c.t0.IsZero() {
		t0 := c.t0
		snap.T0 = &t0
	}

	for i := range c.doc.Slots {
		s := &c.doc.Slots[i]
		if !s.Effective() {
			continue
		}
		st := c.slots[s.ID]
		if st == nil {
			st = newSlotState(s.BaseLayer)
		}

		row := SlotStatus{
			Index:        i,
			Name:         s.Name,
			Host:         s.Host,
			Port:         s.EnginePort(),
			Channel:      s.Channel,
			BaseLayer:    s.BaseLayer,
			ActiveLayer:  st.pair.active,
			StandbyLayer: st.pair.standby,
			Clip:         s.Clip,
			Timecode:     s.Timecode,
			TargetFrame:  c.targetFrameLocked(s, now),
			Phase:        st.phase.String(),
		}
		if st.currentFrame != nil {
			v := *st.currentFrame
			row.CurrentFrame = &v
		}
		if st.drift != nil {
			v := *st.drift
			row.Drift = &v
		}
		snap.Rows = append(snap.Rows, row)
	}

	return snap
}

// publishLocked fans a snapshot out to all subscribers without blocking.
func (c *Controller) publishLocked(snap *Snapshot) {
	for _, sub := range c.subscribers {
		select {
		case sub.Events <- snap:
		default:
			c.logger.Warn("dropping status snapshot for slow subscriber",
				slog.String("subscriber_id", sub.ID))
		}
	}
}
