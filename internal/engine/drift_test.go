package engine

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopsync/loopsync/internal/amcp"
	"github.com/loopsync/loopsync/internal/config"
)

func frameReply(frame int64) amcp.Reply {
	return amcp.Reply{Code: 201, Verb: "CALL", Disposition: "OK", Payload: []string{strconv.FormatInt(frame, 10)}}
}

// startAuto brings a controller to playing in auto mode.
func startAuto(t *testing.T, doc *config.Playout) (*Controller, *fakePool, *fakeClock) {
	t.Helper()
	c, pool, _, clk := newTestController(doc)
	require.NoError(t, c.StartAll(context.Background()))
	require.NoError(t, c.SetMode(ModeAuto))
	return c, pool, clk
}

func TestRunTickManualModePublishesWithoutSampling(t *testing.T) {
	c, pool, _, _ := newTestController(testDoc())
	require.NoError(t, c.StartAll(context.Background()))
	require.NoError(t, c.SetMode(ModeManual))

	sub := c.Subscribe()
	defer c.Unsubscribe(sub.ID)

	c.runTick(context.Background())

	select {
	case snap := <-sub.Events:
		assert.Equal(t, ModeManual, snap.Mode)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	assert.Equal(t, 0, pool.sender("10.0.0.1:5250").queryCount())
	assert.Equal(t, 0, pool.sender("10.0.0.2:5250").queryCount())
}

func TestRunTickRecordsDriftWithinTolerance(t *testing.T) {
	c, pool, clk := startAuto(t, testDoc())
	clk.Advance(10 * time.Second)

	host1 := pool.sender("10.0.0.1:5250")
	host1.setQueryFn(func(cmd string) (amcp.Reply, error) {
		switch cmd {
		case "CALL 1-10 FRAME":
			return frameReply(501), nil
		case "CALL 2-10 FRAME":
			return frameReply(599), nil
		}
		return frameReply(0), nil
	})
	host2 := pool.sender("10.0.0.2:5250")
	host2.setQueryFn(func(cmd string) (amcp.Reply, error) {
		return frameReply(500), nil
	})

	c.runTick(context.Background())

	snap := c.Status()
	require.NotNil(t, snap.Rows[0].CurrentFrame)
	assert.Equal(t, int64(501), *snap.Rows[0].CurrentFrame)
	require.NotNil(t, snap.Rows[0].Drift)
	assert.Equal(t, int64(1), *snap.Rows[0].Drift)

	require.NotNil(t, snap.Rows[1].Drift)
	assert.Equal(t, int64(-1), *snap.Rows[1].Drift)

	require.NotNil(t, snap.Rows[2].Drift)
	assert.Equal(t, int64(0), *snap.Rows[2].Drift)

	// Within tolerance, so no resync went out.
	assert.Equal(t, 1, host1.batchCount())
	assert.Equal(t, 1, host2.batchCount())
}

func TestRunTickTriggersResyncBeyondTolerance(t *testing.T) {
	c, pool, clk := startAuto(t, testDoc())
	clk.Advance(10 * time.Second)

	host1 := pool.sender("10.0.0.1:5250")
	host1.setQueryFn(func(cmd string) (amcp.Reply, error) {
		switch cmd {
		case "CALL 1-10 FRAME":
			return frameReply(500), nil
		case "CALL 2-10 FRAME":
			return frameReply(600), nil
		}
		return frameReply(0), nil
	})
	host2 := pool.sender("10.0.0.2:5250")
	host2.setQueryFn(func(cmd string) (amcp.Reply, error) {
		return frameReply(490), nil
	})

	c.runTick(context.Background())

	// One slot past tolerance resyncs the whole fleet.
	assert.Equal(t, 6, host1.batchCount())
	assert.Equal(t, 4, host2.batchCount())

	snap := c.Status()
	for _, row := range snap.Rows {
		assert.Equal(t, row.BaseLayer+10, row.ActiveLayer)
	}
}

func TestRunTickUnparsableSampleExcluded(t *testing.T) {
	c, pool, clk := startAuto(t, testDoc())
	clk.Advance(10 * time.Second)

	host1 := pool.sender("10.0.0.1:5250")
	host1.setQueryFn(func(cmd string) (amcp.Reply, error) {
		switch cmd {
		case "CALL 1-10 FRAME":
			return frameReply(500), nil
		case "CALL 2-10 FRAME":
			return frameReply(600), nil
		}
		return frameReply(0), nil
	})
	host2 := pool.sender("10.0.0.2:5250")
	host2.setQueryFn(func(cmd string) (amcp.Reply, error) {
		return amcp.Reply{Code: 201, Verb: "CALL", Disposition: "OK", Payload: []string{"garbage"}}, nil
	})

	c.runTick(context.Background())

	snap := c.Status()
	assert.Nil(t, snap.Rows[2].CurrentFrame)
	assert.Nil(t, snap.Rows[2].Drift)

	// The failed sample never counts toward the trigger.
	assert.Equal(t, 1, host1.batchCount())
	assert.Equal(t, 1, host2.batchCount())
}

func TestRunTickQueryErrorExcluded(t *testing.T) {
	c, pool, clk := startAuto(t, testDoc())
	clk.Advance(10 * time.Second)

	host1 := pool.sender("10.0.0.1:5250")
	host1.setQueryFn(func(cmd string) (amcp.Reply, error) {
		switch cmd {
		case "CALL 1-10 FRAME":
			return frameReply(500), nil
		case "CALL 2-10 FRAME":
			return frameReply(600), nil
		}
		return frameReply(0), nil
	})
	host2 := pool.sender("10.0.0.2:5250")
	host2.setQueryFn(func(cmd string) (amcp.Reply, error) {
		return amcp.Reply{}, &amcp.NetworkError{Op: "read", Addr: "10.0.0.2:5250", Err: errors.New("timeout")}
	})

	c.runTick(context.Background())

	snap := c.Status()
	assert.Nil(t, snap.Rows[2].Drift)
	assert.Equal(t, 1, host1.batchCount())
	assert.Equal(t, 1, host2.batchCount())
}

func TestRunTickDriftIsRawNeverWrapped(t *testing.T) {
	doc := testDoc()
	doc.DriftToleranceFrames = 100000
	c, pool, clk := startAuto(t, doc)

	// 599.8s at 50fps puts the target at frame 29990, ten frames short
	// of the loop seam.
	clk.Advance(599800 * time.Millisecond)

	host1 := pool.sender("10.0.0.1:5250")
	host1.setQueryFn(func(cmd string) (amcp.Reply, error) {
		if cmd == "CALL 1-10 FRAME" {
			return frameReply(10), nil
		}
		return frameReply(0), nil
	})

	c.runTick(context.Background())

	snap := c.Status()
	assert.Equal(t, int64(29990), snap.Rows[0].TargetFrame)
	require.NotNil(t, snap.Rows[0].Drift)
	assert.Equal(t, int64(-29980), *snap.Rows[0].Drift)
}

func TestRunTickModeFlipDuringSamplingCancelsResync(t *testing.T) {
	c, pool, clk := startAuto(t, testDoc())
	clk.Advance(10 * time.Second)

	host2 := pool.sender("10.0.0.2:5250")
	host2.setQueryFn(func(cmd string) (amcp.Reply, error) {
		require.NoError(t, c.SetMode(ModeManual))
		return frameReply(400), nil
	})

	c.runTick(context.Background())

	// Drift was far past tolerance but the mode left auto before the
	// resync started.
	host1 := pool.sender("10.0.0.1:5250")
	assert.Equal(t, 1, host1.batchCount())
	assert.Equal(t, 1, host2.batchCount())
}

func TestFireTickDropsOverlappingTicks(t *testing.T) {
	doc := testDoc()
	doc.DriftToleranceFrames = 100000
	c, pool, _ := startAuto(t, doc)

	gate := make(chan struct{})
	host1 := pool.sender("10.0.0.1:5250")
	host1.setQueryFn(func(cmd string) (amcp.Reply, error) {
		<-gate
		return frameReply(0), nil
	})

	sub := c.Subscribe()
	defer c.Unsubscribe(sub.ID)

	ctx := context.Background()
	require.True(t, c.fireTick(ctx))
	require.False(t, c.fireTick(ctx))
	require.False(t, c.fireTick(ctx))
	assert.Equal(t, uint64(2), c.DroppedTicks())

	// The dropped ticks still published snapshots.
	select {
	case snap := <-sub.Events:
		assert.Equal(t, uint64(1), snap.DroppedTicks)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dropped-tick snapshot")
	}

	close(gate)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.ticking
	}, time.Second, 10*time.Millisecond)
}

func TestDriftLoopPublishesEachTick(t *testing.T) {
	doc := testDoc()
	doc.AutosyncIntervalSec = 1
	c, _, _, _ := newTestController(doc)
	require.NoError(t, c.SetMode(ModeManual))

	sub := c.Subscribe()
	defer c.Unsubscribe(sub.ID)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-sub.Events:
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for tick snapshot")
		}
	}
}
