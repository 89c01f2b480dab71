package handlers_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/loopsync/loopsync/internal/config"
	"github.com/loopsync/loopsync/internal/engine"
)

func newTestRouter() (*chi.Mux, huma.API) {
	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	return router, api
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine implements handlers.Engine with canned state, recording what
// the handlers call so tests can assert on it.
type fakeEngine struct {
	mu sync.Mutex

	mode string
	doc  *config.Playout

	calls       []string
	resyncMode  string
	resyncFrame *int64

	preloadErr error
	startErr   error
	pauseErr   error
	resyncErr  error
	updateErr  error

	nextSubID   int
	subscribers map[string]*engine.Subscriber
}

func newFakeEngine() *fakeEngine {
	doc := config.DefaultPlayout()
	doc.Slots = []config.Slot{
		{
			ID:        "slot-1",
			Name:      "lobby loop",
			Host:      "10.0.0.5",
			Port:      5250,
			Channel:   1,
			BaseLayer: 10,
			Clip:      "LOBBY_LOOP",
			Timecode:  "00:00:00:00",
			Enabled:   true,
		},
	}
	return &fakeEngine{
		mode:        engine.ModeOff,
		doc:         doc,
		subscribers: map[string]*engine.Subscriber{},
	}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeEngine) Status() *engine.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := &engine.Snapshot{
		Mode:                 f.mode,
		ResyncMode:           f.doc.ResyncMode,
		FadeFrames:           f.doc.FadeFrames,
		FPS:                  f.doc.FPS,
		Frames:               f.doc.Frames,
		AutosyncIntervalSec:  f.doc.AutosyncIntervalSec,
		DriftToleranceFrames: f.doc.DriftToleranceFrames,
		Rows:                 make([]engine.SlotStatus, 0, len(f.doc.Slots)),
	}
	for i, slot := range f.doc.Slots {
		if !slot.Effective() {
			continue
		}
		snap.Rows = append(snap.Rows, engine.SlotStatus{
			Index:        i,
			Name:         slot.Name,
			Host:         slot.Host,
			Port:         slot.EnginePort(),
			Channel:      slot.Channel,
			BaseLayer:    slot.BaseLayer,
			ActiveLayer:  slot.BaseLayer,
			StandbyLayer: slot.BaseLayer + 10,
			Clip:         slot.Clip,
			Timecode:     slot.Timecode,
			Phase:        "cold",
		})
	}
	return snap
}

func (f *fakeEngine) Mode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

func (f *fakeEngine) SetMode(mode string) error {
	switch mode {
	case engine.ModeOff, engine.ModeManual, engine.ModeAuto:
	default:
		return fmt.Errorf("invalid mode %q: must be one of: off, manual, auto", mode)
	}
	f.mu.Lock()
	f.mode = mode
	f.mu.Unlock()
	f.record("setMode")
	return nil
}

func (f *fakeEngine) ResetClock() {
	f.record("resetClock")
}

func (f *fakeEngine) DroppedTicks() uint64 { return 0 }

func (f *fakeEngine) Config() *config.Playout {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doc.Clone()
}

func (f *fakeEngine) UpdateConfig(_ context.Context, patch *config.PlayoutPatch) (*config.Playout, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	patch.Apply(f.doc)
	f.calls = append(f.calls, "updateConfig")
	return f.doc.Clone(), nil
}

func (f *fakeEngine) PreloadAll(context.Context) error {
	f.record("preload")
	return f.preloadErr
}

func (f *fakeEngine) StartAll(context.Context) error {
	f.record("start")
	return f.startErr
}

func (f *fakeEngine) PauseAll(context.Context) error {
	f.record("pause")
	return f.pauseErr
}

func (f *fakeEngine) ResyncAll(_ context.Context, mode string, frame *int64) error {
	f.mu.Lock()
	f.resyncMode = mode
	f.resyncFrame = frame
	f.calls = append(f.calls, "resync")
	f.mu.Unlock()
	return f.resyncErr
}

func (f *fakeEngine) Subscribe() *engine.Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSubID++
	sub := &engine.Subscriber{
		ID:     fmt.Sprintf("sub-%d", f.nextSubID),
		Events: make(chan *engine.Snapshot, 16),
	}
	f.subscribers[sub.ID] = sub
	return sub
}

func (f *fakeEngine) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subscribers[id]; ok {
		delete(f.subscribers, id)
		close(sub.Events)
	}
}

func (f *fakeEngine) publish(snap *engine.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subscribers {
		select {
		case sub.Events <- snap:
		default:
		}
	}
}

func (f *fakeEngine) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}
