package config

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Resync visual modes.
const (
	ResyncModeCut  = "cut"
	ResyncModeFade = "fade"
)

// DefaultSlotCapacity is how many slots the engine manages unless the
// document raises it.
const DefaultSlotCapacity = 20

// DefaultPlayoutPort is the TCP port playout engines listen on.
const DefaultPlayoutPort = 5250

// Slot describes one playout: where it runs and what it loops.
type Slot struct {
	// ID is a stable identifier assigned when the slot is created.
	ID string `json:"id"`
	// Name is a free-form operator label.
	Name string `json:"name"`
	// Host is the playout engine address. Empty disables the slot.
	Host string `json:"host"`
	// Port is the engine's AMCP port. Zero means DefaultPlayoutPort.
	Port int `json:"port"`
	// Channel is the output channel on the engine.
	Channel int `json:"channel"`
	// BaseLayer is the lower layer of the slot's layer pair; the standby
	// twin sits at BaseLayer+10.
	BaseLayer int `json:"baseLayer"`
	// Clip is the media name to loop. Empty disables the slot.
	Clip string `json:"clip"`
	// Timecode is the slot's start offset as HH:MM:SS:FF.
	Timecode string `json:"timecode"`
	// Enabled gates the slot without deleting it.
	Enabled bool `json:"enabled"`
}

// Effective reports whether the slot takes part in sync operations:
// it must be enabled and carry both a host and a clip.
func (s *Slot) Effective() bool {
	return s.Enabled && s.Host != "" && s.Clip != ""
}

// EnginePort returns the slot's port, defaulted.
func (s *Slot) EnginePort() int {
	if s.Port == 0 {
		return DefaultPlayoutPort
	}
	return s.Port
}

// Playout is the persisted state document: the shared clock parameters and
// the slot table.
type Playout struct {
	// FPS is the frame rate all slots share.
	FPS float64 `json:"fps"`
	// Frames is the loop length in frames.
	Frames int64 `json:"frames"`
	// AutosyncIntervalSec is the drift check period in seconds.
	AutosyncIntervalSec int `json:"autosyncIntervalSec"`
	// DriftToleranceFrames is the per-slot drift that triggers a resync.
	DriftToleranceFrames int64 `json:"driftToleranceFrames"`
	// ResyncMode selects the visual strategy: cut or fade.
	ResyncMode string `json:"resyncMode"`
	// FadeFrames is the crossfade length when ResyncMode is fade.
	FadeFrames int `json:"fadeFrames"`
	// PostFadeDelayMs is how long to wait after starting a fade before
	// parking the old layer. Null derives the delay from FadeFrames.
	PostFadeDelayMs *int `json:"postFadeDelayMs"`
	// SlotCapacity is the number of slots the engine manages.
	SlotCapacity int `json:"slotCapacity"`
	// Slots is the slot table, at most SlotCapacity entries.
	Slots []Slot `json:"slots"`
}

// DefaultPlayout returns the document used when no state file exists yet.
func DefaultPlayout() *Playout {
	return &Playout{
		FPS:                  50,
		Frames:               30000,
		AutosyncIntervalSec:  60,
		DriftToleranceFrames: 2,
		ResyncMode:           ResyncModeCut,
		FadeFrames:           12,
		SlotCapacity:         DefaultSlotCapacity,
	}
}

// Validate checks the document for errors, naming the offending field.
func (p *Playout) Validate() error {
	if p.FPS <= 0 {
		return fmt.Errorf("fps must be positive")
	}
	if p.Frames < 1 {
		return fmt.Errorf("frames must be at least 1")
	}
	if p.AutosyncIntervalSec < 1 {
		return fmt.Errorf("autosyncIntervalSec must be at least 1")
	}
	if p.DriftToleranceFrames < 0 {
		return fmt.Errorf("driftToleranceFrames must not be negative")
	}
	if p.ResyncMode != ResyncModeCut && p.ResyncMode != ResyncModeFade {
		return fmt.Errorf("resyncMode must be one of: cut, fade")
	}
	if p.FadeFrames < 0 {
		return fmt.Errorf("fadeFrames must not be negative")
	}
	if p.ResyncMode == ResyncModeFade && p.FadeFrames < 1 {
		return fmt.Errorf("fadeFrames must be at least 1 when resyncMode is fade")
	}
	if p.PostFadeDelayMs != nil && *p.PostFadeDelayMs < 0 {
		return fmt.Errorf("postFadeDelayMs must not be negative")
	}
	if p.SlotCapacity < DefaultSlotCapacity {
		return fmt.Errorf("slotCapacity must be at least %d", DefaultSlotCapacity)
	}
	for i := range p.Slots {
		if err := p.Slots[i].validate(); err != nil {
			return fmt.Errorf("slots[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *Slot) validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	if s.Channel < 0 {
		return fmt.Errorf("channel must not be negative")
	}
	if s.BaseLayer < 0 {
		return fmt.Errorf("baseLayer must not be negative")
	}
	// Half-filled rows are tolerated; a slot that would produce wire
	// traffic needs a real channel and layer.
	if s.Effective() {
		if s.Channel < 1 {
			return fmt.Errorf("channel must be at least 1")
		}
		if s.BaseLayer < 1 {
			return fmt.Errorf("baseLayer must be at least 1")
		}
	}
	return nil
}

// Normalize fills derived defaults, assigns ids to new slots, and
// truncates the slot table to capacity. Called after every load and
// before every save.
func (p *Playout) Normalize() {
	if p.SlotCapacity == 0 {
		p.SlotCapacity = DefaultSlotCapacity
	}
	if len(p.Slots) > p.SlotCapacity {
		p.Slots = p.Slots[:p.SlotCapacity]
	}
	for i := range p.Slots {
		if p.Slots[i].ID == "" {
			p.Slots[i].ID = ulid.Make().String()
		}
	}
}

// PostFadeDelay returns the effective delay in milliseconds before the old
// layer is parked after a fade resync. When unset it is derived from the
// fade length, rounded up to whole milliseconds.
func (p *Playout) PostFadeDelay() int {
	if p.PostFadeDelayMs != nil {
		return *p.PostFadeDelayMs
	}
	if p.FPS <= 0 || p.FadeFrames <= 0 {
		return 0
	}
	ms := float64(p.FadeFrames) / p.FPS * 1000
	n := int(ms)
	if float64(n) < ms {
		n++
	}
	return n
}

// Clone returns a deep copy of the document.
func (p *Playout) Clone() *Playout {
	out := *p
	if p.PostFadeDelayMs != nil {
		v := *p.PostFadeDelayMs
		out.PostFadeDelayMs = &v
	}
	out.Slots = make([]Slot, len(p.Slots))
	copy(out.Slots, p.Slots)
	return &out
}

// PlayoutPatch is a partial update over the whitelisted document fields.
// Nil fields keep their current values; a present Slots replaces the
// whole table.
type PlayoutPatch struct {
	FPS                  *float64 `json:"fps,omitempty"`
	Frames               *int64   `json:"frames,omitempty"`
	AutosyncIntervalSec  *int     `json:"autosyncIntervalSec,omitempty"`
	DriftToleranceFrames *int64   `json:"driftToleranceFrames,omitempty"`
	ResyncMode           *string  `json:"resyncMode,omitempty"`
	FadeFrames           *int     `json:"fadeFrames,omitempty"`
	PostFadeDelayMs      *int     `json:"postFadeDelayMs,omitempty"`
	SlotCapacity         *int     `json:"slotCapacity,omitempty"`
	Slots                *[]Slot  `json:"slots,omitempty"`
}

// Apply merges the patch into doc and normalizes the result.
func (p *PlayoutPatch) Apply(doc *Playout) {
	if p.FPS != nil {
		doc.FPS = *p.FPS
	}
	if p.Frames != nil {
		doc.Frames = *p.Frames
	}
	if p.AutosyncIntervalSec != nil {
		doc.AutosyncIntervalSec = *p.AutosyncIntervalSec
	}
	if p.DriftToleranceFrames != nil {
		doc.DriftToleranceFrames = *p.DriftToleranceFrames
	}
	if p.ResyncMode != nil {
		doc.ResyncMode = *p.ResyncMode
	}
	if p.FadeFrames != nil {
		doc.FadeFrames = *p.FadeFrames
	}
	if p.PostFadeDelayMs != nil {
		v := *p.PostFadeDelayMs
		doc.PostFadeDelayMs = &v
	}
	if p.SlotCapacity != nil {
		doc.SlotCapacity = *p.SlotCapacity
	}
	if p.Slots != nil {
		doc.Slots = append([]Slot(nil), (*p.Slots)...)
	}
	doc.Normalize()
}
