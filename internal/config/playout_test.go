package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func effectiveSlot() Slot {
	return Slot{
		ID:        "01J5M3Y8B0N0Q6Q0D1K8B3GM0A",
		Name:      "wall",
		Host:      "10.0.0.5",
		Port:      5250,
		Channel:   1,
		BaseLayer: 10,
		Clip:      "loops/wall.mov",
		Timecode:  "00:00:00:00",
		Enabled:   true,
	}
}

func validPlayout() *Playout {
	doc := DefaultPlayout()
	doc.Slots = []Slot{effectiveSlot()}
	return doc
}

func TestSlotEffective(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Slot)
		want   bool
	}{
		{"fully configured", func(s *Slot) {}, true},
		{"disabled", func(s *Slot) { s.Enabled = false }, false},
		{"no host", func(s *Slot) { s.Host = "" }, false},
		{"no clip", func(s *Slot) { s.Clip = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := effectiveSlot()
			tt.modify(&s)
			assert.Equal(t, tt.want, s.Effective())
		})
	}
}

func TestSlotEnginePort(t *testing.T) {
	s := effectiveSlot()
	s.Port = 0
	assert.Equal(t, 5250, s.EnginePort())

	s.Port = 5251
	assert.Equal(t, 5251, s.EnginePort())
}

func TestPlayoutValidate(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Playout)
		errContains string
	}{
		{"valid", func(p *Playout) {}, ""},
		{"zero fps", func(p *Playout) { p.FPS = 0 }, "fps"},
		{"negative fps", func(p *Playout) { p.FPS = -25 }, "fps"},
		{"zero frames", func(p *Playout) { p.Frames = 0 }, "frames"},
		{"zero interval", func(p *Playout) { p.AutosyncIntervalSec = 0 }, "autosyncIntervalSec"},
		{"negative tolerance", func(p *Playout) { p.DriftToleranceFrames = -1 }, "driftToleranceFrames"},
		{"bad resync mode", func(p *Playout) { p.ResyncMode = "wipe" }, "resyncMode"},
		{"negative fade frames", func(p *Playout) { p.FadeFrames = -1 }, "fadeFrames"},
		{"fade mode without fade frames", func(p *Playout) {
			p.ResyncMode = ResyncModeFade
			p.FadeFrames = 0
		}, "fadeFrames"},
		{"negative post fade delay", func(p *Playout) { v := -1; p.PostFadeDelayMs = &v }, "postFadeDelayMs"},
		{"capacity below floor", func(p *Playout) { p.SlotCapacity = 5 }, "slotCapacity"},
		{"slot port out of range", func(p *Playout) { p.Slots[0].Port = 70000 }, "slots[0]"},
		{"effective slot needs channel", func(p *Playout) { p.Slots[0].Channel = 0 }, "channel"},
		{"effective slot needs base layer", func(p *Playout) { p.Slots[0].BaseLayer = 0 }, "baseLayer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validPlayout()
			tt.modify(doc)
			err := doc.Validate()
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestPlayoutValidate_HalfFilledSlotTolerated(t *testing.T) {
	doc := DefaultPlayout()
	doc.Slots = []Slot{{Name: "being configured"}}
	assert.NoError(t, doc.Validate())
}

func TestPlayoutNormalize(t *testing.T) {
	doc := &Playout{}
	doc.Normalize()
	assert.Equal(t, DefaultSlotCapacity, doc.SlotCapacity)

	doc.Slots = make([]Slot, 25)
	doc.Normalize()
	assert.Len(t, doc.Slots, 20)
}

func TestPlayoutNormalize_AssignsSlotIDs(t *testing.T) {
	doc := DefaultPlayout()
	doc.Slots = []Slot{
		{ID: "existing", Name: "keeps its id"},
		{Name: "gets one"},
	}
	doc.Normalize()

	assert.Equal(t, "existing", doc.Slots[0].ID)
	assert.NotEmpty(t, doc.Slots[1].ID)
	assert.NotEqual(t, doc.Slots[0].ID, doc.Slots[1].ID)
}

func TestPostFadeDelay(t *testing.T) {
	doc := DefaultPlayout()

	// Derived from fade length: 12 frames at 50 fps is 240 ms.
	doc.FPS = 50
	doc.FadeFrames = 12
	doc.PostFadeDelayMs = nil
	assert.Equal(t, 240, doc.PostFadeDelay())

	// Fractional results round up.
	doc.FPS = 29.97
	doc.FadeFrames = 1
	assert.Equal(t, 34, doc.PostFadeDelay())

	// Explicit value wins.
	v := 100
	doc.PostFadeDelayMs = &v
	assert.Equal(t, 100, doc.PostFadeDelay())

	// Explicit zero means park immediately.
	zero := 0
	doc.PostFadeDelayMs = &zero
	assert.Equal(t, 0, doc.PostFadeDelay())

	// No fade, nothing to wait for.
	doc.PostFadeDelayMs = nil
	doc.FadeFrames = 0
	assert.Equal(t, 0, doc.PostFadeDelay())
}

func TestPlayoutClone(t *testing.T) {
	doc := validPlayout()
	v := 120
	doc.PostFadeDelayMs = &v

	clone := doc.Clone()
	clone.FPS = 25
	clone.Slots[0].Name = "mutated"
	*clone.PostFadeDelayMs = 999

	assert.Equal(t, float64(50), doc.FPS)
	assert.Equal(t, "wall", doc.Slots[0].Name)
	assert.Equal(t, 120, *doc.PostFadeDelayMs)
}

func TestPatchApply(t *testing.T) {
	doc := validPlayout()

	fps := 25.0
	mode := ResyncModeFade
	patch := &PlayoutPatch{FPS: &fps, ResyncMode: &mode}
	patch.Apply(doc)

	assert.Equal(t, 25.0, doc.FPS)
	assert.Equal(t, ResyncModeFade, doc.ResyncMode)
	// Untouched fields keep their values.
	assert.Equal(t, int64(30000), doc.Frames)
	assert.Equal(t, 60, doc.AutosyncIntervalSec)
	assert.Len(t, doc.Slots, 1)
}

func TestPatchApply_ReplacesSlotTable(t *testing.T) {
	doc := validPlayout()

	slots := []Slot{{Name: "a"}, {Name: "b"}}
	patch := &PlayoutPatch{Slots: &slots}
	patch.Apply(doc)

	require.Len(t, doc.Slots, 2)
	assert.Equal(t, "a", doc.Slots[0].Name)
	// Replacement slots get ids assigned.
	assert.NotEmpty(t, doc.Slots[0].ID)
	assert.NotEmpty(t, doc.Slots[1].ID)
}

func TestPatchApply_TruncatesToCapacity(t *testing.T) {
	doc := validPlayout()

	slots := make([]Slot, 30)
	patch := &PlayoutPatch{Slots: &slots}
	patch.Apply(doc)

	assert.Len(t, doc.Slots, 20)
}

func TestPatchApply_EmptyPatchIsNoop(t *testing.T) {
	doc := validPlayout()
	before := doc.Clone()

	(&PlayoutPatch{}).Apply(doc)

	assert.Equal(t, before, doc)
}
