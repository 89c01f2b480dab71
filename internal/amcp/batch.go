package amcp

import (
	"fmt"
	"strconv"
	"strings"
)

// Batch is an ordered list of command lines that the remote applies in a
// single render cycle. Lines returns the commands framed by the
// DEFER/RESUME envelope; the envelope commands receive replies like any
// other line.
//
// A batch must never mix slots that live on different connections, and a
// visibility-swapping PLAY/MIXER batch must never carry the follow-up
// PAUSE that parks the old layer (that is always a second batch).
type Batch struct {
	cmds []string
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// LoadBG background-loads a looping clip on a layer, seeked to the given
// frame. The clip is always quoted.
func (b *Batch) LoadBG(channel, layer int, clip string, seekFrame int64) *Batch {
	b.cmds = append(b.cmds, fmt.Sprintf("LOADBG %d-%d %s SEEK %d LOOP",
		channel, layer, quoteClip(clip), seekFrame))
	return b
}

// Play starts playback of a previously loaded background on a layer.
func (b *Batch) Play(channel, layer int) *Batch {
	b.cmds = append(b.cmds, fmt.Sprintf("PLAY %d-%d", channel, layer))
	return b
}

// Pause pauses a layer.
func (b *Batch) Pause(channel, layer int) *Batch {
	b.cmds = append(b.cmds, fmt.Sprintf("PAUSE %d-%d", channel, layer))
	return b
}

// MixerOpacity sets layer opacity, instantaneous when frames is 0 or as a
// linear ramp over the given frame count.
func (b *Batch) MixerOpacity(channel, layer int, value float64, frames int) *Batch {
	return b.mixer(channel, layer, "OPACITY", value, frames)
}

// MixerVolume sets layer volume, instantaneous when frames is 0 or as a
// linear ramp over the given frame count.
func (b *Batch) MixerVolume(channel, layer int, value float64, frames int) *Batch {
	return b.mixer(channel, layer, "VOLUME", value, frames)
}

func (b *Batch) mixer(channel, layer int, property string, value float64, frames int) *Batch {
	line := fmt.Sprintf("MIXER %d-%d %s %s %d",
		channel, layer, property, formatLevel(value), frames)
	if frames > 0 {
		line += " LINEAR"
	}
	b.cmds = append(b.cmds, line)
	return b
}

// Len returns the number of commands, excluding the envelope.
func (b *Batch) Len() int {
	return len(b.cmds)
}

// Empty reports whether the batch carries no commands.
func (b *Batch) Empty() bool {
	return len(b.cmds) == 0
}

// Lines returns the full wire sequence: DEFER, the commands, RESUME.
func (b *Batch) Lines() []string {
	lines := make([]string, 0, len(b.cmds)+2)
	lines = append(lines, "DEFER")
	lines = append(lines, b.cmds...)
	lines = append(lines, "RESUME")
	return lines
}

// Commands returns the command lines without the envelope.
func (b *Batch) Commands() []string {
	out := make([]string, len(b.cmds))
	copy(out, b.cmds)
	return out
}

// formatLevel renders an opacity/volume level without a trailing exponent
// or spurious zeros: 0, 1, 0.5.
func formatLevel(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// quoteClip wraps a clip name in double quotes, escaping backslashes and
// embedded quotes.
func quoteClip(clip string) string {
	var sb strings.Builder
	sb.Grow(len(clip) + 2)
	sb.WriteByte('"')
	for i := 0; i < len(clip); i++ {
		c := clip[i]
		if c == '"' || c == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
	}
	sb.WriteByte('"')
	return sb.String()
}
