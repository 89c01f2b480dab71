// Package timecode converts between HH:MM:SS:FF timecodes and absolute
// frame counts, and derives the loop-relative target frame from a
// monotonic reference instant.
package timecode

import (
	"fmt"
	"time"
)

// Parse converts an HH:MM:SS:FF timecode to an absolute frame count at the
// given frame rate. Each field must be exactly two digits. Malformed input
// (wrong shape, non-numeric) yields 0; Parse never fails.
//
// The frames field is intentionally not clamped to fps-1: a timecode like
// 00:00:00:75 at 50 fps continues arithmetically past the second boundary.
func Parse(tc string, fps float64) int64 {
	if len(tc) != 11 || tc[2] != ':' || tc[5] != ':' || tc[8] != ':' {
		return 0
	}

	hh, ok := parseField(tc[0:2])
	if !ok {
		return 0
	}
	mm, ok := parseField(tc[3:5])
	if !ok {
		return 0
	}
	ss, ok := parseField(tc[6:8])
	if !ok {
		return 0
	}
	ff, ok := parseField(tc[9:11])
	if !ok {
		return 0
	}

	seconds := hh*3600 + mm*60 + ss
	return int64(float64(seconds)*fps) + int64(ff)
}

// parseField parses a two-digit decimal field.
func parseField(s string) (int, bool) {
	if s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}

// Format converts an absolute frame count back to HH:MM:SS:FF.
// It is the exact inverse of Parse whenever the frames field is below fps;
// negative input or a non-positive rate formats as 00:00:00:00.
func Format(frames int64, fps float64) string {
	if frames < 0 || fps <= 0 {
		return "00:00:00:00"
	}

	seconds := int64(float64(frames) / fps)
	// Float division can land one second high near boundaries; step back
	// until the whole-second frame count fits.
	for seconds > 0 && int64(float64(seconds)*fps) > frames {
		seconds--
	}
	ff := frames - int64(float64(seconds)*fps)

	hh := seconds / 3600
	mm := (seconds % 3600) / 60
	ss := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hh, mm, ss, ff)
}

// TargetFrame returns the frame index a slot should be on at instant now,
// given the shared start instant t0, the frame rate, the loop length, and
// the slot's start-timecode offset in frames. The result is in
// [0, loopFrames). A zero t0 means the clock has not been started and the
// target is 0.
//
// Both instants must come from time.Now so the subtraction rides the
// monotonic clock, not wall time.
func TargetFrame(t0, now time.Time, fps float64, loopFrames, startFrames int64) int64 {
	if t0.IsZero() || loopFrames <= 0 {
		return 0
	}

	elapsed := now.Sub(t0)
	frames := int64(elapsed.Seconds()*fps) + startFrames

	m := frames % loopFrames
	if m < 0 {
		m += loopFrames
	}
	return m
}
