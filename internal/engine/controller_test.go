package engine

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopsync/loopsync/internal/amcp"
	"github.com/loopsync/loopsync/internal/config"
)

// fakeSender records every batch and query it receives. Error injection
// and query replies are scriptable per call.
type fakeSender struct {
	mu      sync.Mutex
	batches [][]string
	queries []string
	sendErr func(cmds []string) error
	queryFn func(cmd string) (amcp.Reply, error)
}

func (f *fakeSender) Send(ctx context.Context, b *amcp.Batch) ([]amcp.Reply, error) {
	if b == nil || b.Empty() {
		return nil, nil
	}
	cmds := b.Commands()

	f.mu.Lock()
	f.batches = append(f.batches, cmds)
	fail := f.sendErr
	f.mu.Unlock()

	if fail != nil {
		if err := fail(cmds); err != nil {
			return nil, err
		}
	}
	replies := make([]amcp.Reply, len(cmds))
	for i := range replies {
		replies[i] = amcp.Reply{Code: 202, Disposition: "OK"}
	}
	return replies, nil
}

func (f *fakeSender) Query(ctx context.Context, cmd string) (amcp.Reply, error) {
	f.mu.Lock()
	f.queries = append(f.queries, cmd)
	fn := f.queryFn
	f.mu.Unlock()

	if fn != nil {
		return fn(cmd)
	}
	return amcp.Reply{Code: 201, Verb: "CALL", Disposition: "OK", Payload: []string{"0"}}, nil
}

func (f *fakeSender) setSendErr(fn func(cmds []string) error) {
	f.mu.Lock()
	f.sendErr = fn
	f.mu.Unlock()
}

func (f *fakeSender) setQueryFn(fn func(cmd string) (amcp.Reply, error)) {
	f.mu.Lock()
	f.queryFn = fn
	f.mu.Unlock()
}

func (f *fakeSender) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeSender) batch(t *testing.T, i int) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Less(t, i, len(f.batches))
	out := make([]string, len(f.batches[i]))
	copy(out, f.batches[i])
	return out
}

func (f *fakeSender) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// fakePool hands out fakeSenders by address and records prune calls.
type fakePool struct {
	mu      sync.Mutex
	senders map[string]*fakeSender
	pruned  []map[string]bool
}

func newFakePool() *fakePool {
	return &fakePool{senders: make(map[string]*fakeSender)}
}

func (p *fakePool) Get(host string, port int) Sender {
	return p.sender(net.JoinHostPort(host, strconv.Itoa(port)))
}

func (p *fakePool) Prune(ctx context.Context, keep map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruned = append(p.pruned, keep)
}

func (p *fakePool) sender(addr string) *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.senders[addr]
	if !ok {
		s = &fakeSender{}
		p.senders[addr] = s
	}
	return s
}

func (p *fakePool) lastPruned() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pruned) == 0 {
		return nil
	}
	return p.pruned[len(p.pruned)-1]
}

// fakeStore keeps saves in memory.
type fakeStore struct {
	mu      sync.Mutex
	saved   []*config.Playout
	saveErr error
}

func (s *fakeStore) Load() (*config.Playout, error) {
	return config.DefaultPlayout(), nil
}

func (s *fakeStore) Save(doc *config.Playout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, doc.Clone())
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// fakeClock is a hand-advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testDoc builds a three-slot document: two slots share one engine, the
// third lives on another. Fade settle delay is zeroed so fade tests do
// not sleep.
func testDoc() *config.Playout {
	doc := config.DefaultPlayout()
	zero := 0
	doc.PostFadeDelayMs = &zero
	doc.Slots = []config.Slot{
		{ID: "s0", Name: "Wall A", Host: "10.0.0.1", Port: 5250, Channel: 1, BaseLayer: 10, Clip: "loops/a.mov", Timecode: "00:00:00:00", Enabled: true},
		{ID: "s1", Name: "Wall B", Host: "10.0.0.1", Port: 5250, Channel: 2, BaseLayer: 10, Clip: "loops/b.mov", Timecode: "00:00:02:00", Enabled: true},
		{ID: "s2", Name: "Pylon", Host: "10.0.0.2", Port: 5250, Channel: 1, BaseLayer: 20, Clip: "loops/c.mov", Enabled: true},
	}
	return doc
}

func newTestController(doc *config.Playout) (*Controller, *fakePool, *fakeStore, *fakeClock) {
	pool := newFakePool()
	store := &fakeStore{}
	clk := newFakeClock()
	c := NewController(doc, store, pool).
		WithLogger(discardLogger()).
		WithClock(clk.Now)
	return c, pool, store, clk
}

func TestControllerInitialState(t *testing.T) {
	c, _, _, _ := newTestController(testDoc())

	assert.Equal(t, ModeOff, c.Mode())
	assert.Equal(t, uint64(0), c.DroppedTicks())

	snap := c.Status()
	assert.Nil(t, snap.T0)
	assert.Equal(t, 50.0, snap.FPS)
	assert.Equal(t, int64(30000), snap.Frames)
	require.Len(t, snap.Rows, 3)

	for _, row := range snap.Rows {
		assert.Equal(t, "cold", row.Phase)
		assert.Equal(t, row.BaseLayer, row.ActiveLayer)
		assert.Equal(t, row.BaseLayer+10, row.StandbyLayer)
		assert.Nil(t, row.CurrentFrame)
		assert.Nil(t, row.Drift)
		assert.Equal(t, int64(0), row.TargetFrame)
	}
}

func TestControllerSetMode(t *testing.T) {
	c, _, _, _ := newTestController(testDoc())

	require.Error(t, c.SetMode("turbo"))
	assert.Equal(t, ModeOff, c.Mode())

	require.NoError(t, c.SetMode(ModeManual))
	assert.Equal(t, ModeManual, c.Mode())

	require.NoError(t, c.SetMode(ModeAuto))
	require.NoError(t, c.SetMode(ModeAuto))
	assert.Equal(t, ModeAuto, c.Mode())
}

func TestControllerResetClock(t *testing.T) {
	c, _, _, clk := newTestController(testDoc())

	c.ResetClock()
	snap := c.Status()
	require.NotNil(t, snap.T0)
	assert.Equal(t, clk.Now(), *snap.T0)
}

func TestStatusSkipsIneffectiveSlots(t *testing.T) {
	doc := testDoc()
	doc.Slots = append(doc.Slots,
		config.Slot{ID: "s3", Name: "disabled", Host: "10.0.0.3", Channel: 1, BaseLayer: 10, Clip: "x.mov"},
		config.Slot{ID: "s4", Name: "no host", Channel: 1, BaseLayer: 10, Clip: "y.mov", Enabled: true},
	)
	c, _, _, _ := newTestController(doc)

	snap := c.Status()
	require.Len(t, snap.Rows, 3)
	assert.Equal(t, 0, snap.Rows[0].Index)
	assert.Equal(t, 1, snap.Rows[1].Index)
	assert.Equal(t, 2, snap.Rows[2].Index)
}

func TestStatusTargetAdvancesBetweenSnapshots(t *testing.T) {
	c, _, _, clk := newTestController(testDoc())
	require.NoError(t, c.StartAll(context.Background()))

	clk.Advance(10 * time.Second)
	snap := c.Status()
	assert.Equal(t, int64(500), snap.Rows[0].TargetFrame)
	assert.Equal(t, int64(600), snap.Rows[1].TargetFrame)

	clk.Advance(1 * time.Second)
	snap = c.Status()
	assert.Equal(t, int64(550), snap.Rows[0].TargetFrame)
}

func TestSubscribeReceivesPublishedSnapshots(t *testing.T) {
	c, _, _, _ := newTestController(testDoc())

	sub := c.Subscribe()
	defer c.Unsubscribe(sub.ID)

	c.PublishStatus()

	select {
	case snap := <-sub.Events:
		require.NotNil(t, snap)
		assert.Len(t, snap.Rows, 3)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	c, _, _, _ := newTestController(testDoc())

	sub := c.Subscribe()
	c.Unsubscribe(sub.ID)

	_, open := <-sub.Events
	assert.False(t, open)

	c.Unsubscribe(sub.ID)
}

func TestSlowSubscriberDropsSnapshots(t *testing.T) {
	c, _, _, _ := newTestController(testDoc())

	sub := c.Subscribe()
	defer c.Unsubscribe(sub.ID)

	for i := 0; i < cap(sub.Events)+5; i++ {
		c.PublishStatus()
	}

	assert.Equal(t, cap(sub.Events), len(sub.Events))
}

func TestUpdateConfigAppliesPatchAndPersists(t *testing.T) {
	c, pool, store, _ := newTestController(testDoc())

	fps := 25.0
	tolerance := int64(5)
	out, err := c.UpdateConfig(context.Background(), &config.PlayoutPatch{
		FPS:                  &fps,
		DriftToleranceFrames: &tolerance,
	})
	require.NoError(t, err)
	assert.Equal(t, 25.0, out.FPS)
	assert.Equal(t, int64(5), out.DriftToleranceFrames)

	require.Equal(t, 1, store.saveCount())
	assert.Equal(t, 25.0, store.saved[0].FPS)

	keep := pool.lastPruned()
	require.NotNil(t, keep)
	assert.True(t, keep["10.0.0.1:5250"])
	assert.True(t, keep["10.0.0.2:5250"])
	assert.Len(t, keep, 2)

	snap := c.Status()
	assert.Equal(t, 25.0, snap.FPS)
}

func TestUpdateConfigRejectsInvalidPatch(t *testing.T) {
	c, _, store, _ := newTestController(testDoc())

	fps := -1.0
	_, err := c.UpdateConfig(context.Background(), &config.PlayoutPatch{FPS: &fps})
	require.Error(t, err)
	assert.Equal(t, 0, store.saveCount())
	assert.Equal(t, 50.0, c.Status().FPS)
}

func TestUpdateConfigSaveFailureKeepsDocument(t *testing.T) {
	c, _, store, _ := newTestController(testDoc())
	store.saveErr = assert.AnError

	fps := 25.0
	_, err := c.UpdateConfig(context.Background(), &config.PlayoutPatch{FPS: &fps})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisting config")
	assert.Equal(t, 50.0, c.Status().FPS)
}

func TestUpdateConfigSlotChangesResetState(t *testing.T) {
	c, _, _, _ := newTestController(testDoc())
	ctx := context.Background()

	require.NoError(t, c.StartAll(ctx))
	require.NoError(t, c.ResyncAll(ctx, config.ResyncModeCut, nil))

	snap := c.Status()
	assert.Equal(t, 20, snap.Rows[0].ActiveLayer)

	slots := testDoc().Slots
	slots[0].BaseLayer = 40
	_, err := c.UpdateConfig(ctx, &config.PlayoutPatch{Slots: &slots})
	require.NoError(t, err)

	snap = c.Status()
	assert.Equal(t, 40, snap.Rows[0].ActiveLayer)
	assert.Equal(t, 50, snap.Rows[0].StandbyLayer)
	assert.Equal(t, "cold", snap.Rows[0].Phase)

	assert.Equal(t, 20, snap.Rows[1].ActiveLayer)
	assert.Equal(t, "playing", snap.Rows[1].Phase)
}

func TestUpdateConfigPrunesRetiredEngines(t *testing.T) {
	c, pool, _, _ := newTestController(testDoc())

	slots := testDoc().Slots[:2]
	_, err := c.UpdateConfig(context.Background(), &config.PlayoutPatch{Slots: &slots})
	require.NoError(t, err)

	keep := pool.lastPruned()
	require.NotNil(t, keep)
	assert.True(t, keep["10.0.0.1:5250"])
	assert.NotContains(t, keep, "10.0.0.2:5250")
}

func TestReloadConfigResetsEverySlot(t *testing.T) {
	c, _, store, _ := newTestController(testDoc())
	ctx := context.Background()

	require.NoError(t, c.StartAll(ctx))
	require.NoError(t, c.ResyncAll(ctx, config.ResyncModeCut, nil))

	next := testDoc()
	require.NoError(t, c.ReloadConfig(ctx, next))
	require.Equal(t, 1, store.saveCount())

	snap := c.Status()
	for _, row := range snap.Rows {
		assert.Equal(t, "cold", row.Phase)
		assert.Equal(t, row.BaseLayer, row.ActiveLayer)
	}
	require.NotNil(t, snap.T0)
}

func TestStartStopLifecycle(t *testing.T) {
	c, _, _, _ := newTestController(testDoc())

	require.NoError(t, c.Start(context.Background()))
	require.Error(t, c.Start(context.Background()))

	c.Stop()
	c.Stop()
}
