package amcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedEngine is an in-process stand-in for a playout engine. Each
// accepted connection is driven by the next session in the list; once the
// list runs out every further connection gets sessionOK.
type scriptedEngine struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	lines    []string
	sessions []session
	accepted int

	wg sync.WaitGroup
}

type session func(e *scriptedEngine, conn net.Conn)

func newScriptedEngine(t *testing.T, sessions ...session) *scriptedEngine {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	e := &scriptedEngine{t: t, ln: ln, sessions: sessions}
	e.wg.Add(1)
	go e.acceptLoop()
	return e
}

func (e *scriptedEngine) acceptLoop() {
	defer e.wg.Done()
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.mu.Lock()
		idx := e.accepted
		e.accepted++
		run := sessionOK
		if idx < len(e.sessions) {
			run = e.sessions[idx]
		}
		e.mu.Unlock()
		run(e, conn)
		conn.Close()
	}
}

func (e *scriptedEngine) record(line string) {
	e.mu.Lock()
	e.lines = append(e.lines, line)
	e.mu.Unlock()
}

func (e *scriptedEngine) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.lines))
	copy(out, e.lines)
	return out
}

func (e *scriptedEngine) acceptCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accepted
}

func (e *scriptedEngine) hostPort() (string, int) {
	addr := e.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (e *scriptedEngine) close() {
	e.ln.Close()
	e.wg.Wait()
}

// sessionOK answers every line with 202 <verb> OK.
func sessionOK(e *scriptedEngine, conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		e.record(line)
		fmt.Fprintf(conn, "202 %s OK\r\n", firstWord(line))
	}
}

// sessionReplies answers by command word, falling back to 202 OK.
func sessionReplies(replies map[string]string) session {
	return func(e *scriptedEngine, conn net.Conn) {
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			e.record(line)
			if rep, ok := replies[firstWord(line)]; ok {
				fmt.Fprintf(conn, "%s\r\n", rep)
			} else {
				fmt.Fprintf(conn, "202 %s OK\r\n", firstWord(line))
			}
		}
	}
}

func firstWord(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i]
	}
	return line
}

func testConfig() Config {
	return Config{
		DialTimeout:    time.Second,
		CommandTimeout: time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestConnSendSuccess(t *testing.T) {
	engine := newScriptedEngine(t)
	defer engine.close()
	host, port := engine.hostPort()

	conn := NewConn(host, port, testConfig())
	defer conn.Close(context.Background())

	batch := NewBatch().LoadBG(1, 20, "clip", 0).Play(1, 20)
	replies, err := conn.Send(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, replies, 4)
	for _, rep := range replies {
		assert.True(t, rep.OK(), "reply %q", rep.Raw)
	}
	assert.Equal(t, batch.Lines(), engine.received())
}

func TestConnSendEmptyBatch(t *testing.T) {
	engine := newScriptedEngine(t)
	defer engine.close()
	host, port := engine.hostPort()

	conn := NewConn(host, port, testConfig())
	defer conn.Close(context.Background())

	replies, err := conn.Send(context.Background(), NewBatch())
	require.NoError(t, err)
	assert.Nil(t, replies)

	replies, err = conn.Send(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, replies)
}

func TestConnQueryHasNoEnvelope(t *testing.T) {
	engine := newScriptedEngine(t, sessionReplies(map[string]string{
		"CALL": "201 CALL OK\r\n512",
	}))
	defer engine.close()
	host, port := engine.hostPort()

	conn := NewConn(host, port, testConfig())
	defer conn.Close(context.Background())

	rep, err := conn.Query(context.Background(), "CALL 1-20 FRAME")
	require.NoError(t, err)
	n, ok := rep.IntPayload()
	assert.True(t, ok)
	assert.Equal(t, int64(512), n)

	assert.Equal(t, []string{"CALL 1-20 FRAME"}, engine.received())
}

func TestConnRemoteErrorKeepsSession(t *testing.T) {
	engine := newScriptedEngine(t, sessionReplies(map[string]string{
		"PAUSE": "603 PAUSE FAILED",
	}))
	defer engine.close()
	host, port := engine.hostPort()

	conn := NewConn(host, port, testConfig())
	defer conn.Close(context.Background())

	replies, err := conn.Send(context.Background(), NewBatch().Play(1, 20).Pause(1, 10))
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 603, rerr.Code)

	// Every reply is drained even though one failed.
	require.Len(t, replies, 4)
	assert.Equal(t, 603, replies[2].Code)

	// The session survives a remote rejection.
	_, err = conn.Send(context.Background(), NewBatch().Play(1, 20))
	require.NoError(t, err)
	assert.Equal(t, 1, engine.acceptCount())
}

func TestConnProtocolErrorRedials(t *testing.T) {
	engine := newScriptedEngine(t, sessionReplies(map[string]string{
		"PLAY": "complete garbage here",
	}))
	defer engine.close()
	host, port := engine.hostPort()

	conn := NewConn(host, port, testConfig())
	defer conn.Close(context.Background())

	_, err := conn.Send(context.Background(), NewBatch().Play(1, 20))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)

	// The connection is dropped and redialed; the next batch succeeds on a
	// fresh session.
	_, err = conn.Send(context.Background(), NewBatch().Play(1, 20))
	require.NoError(t, err)
	assert.Equal(t, 2, engine.acceptCount())
}

func TestConnNetworkErrorFailsQueuedBatches(t *testing.T) {
	gate := make(chan struct{})
	engine := newScriptedEngine(t, func(e *scriptedEngine, conn net.Conn) {
		br := bufio.NewReader(conn)
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		e.record(strings.TrimRight(line, "\r\n"))
		// Hold the exchange open, then sever without replying.
		<-gate
	})
	defer engine.close()
	host, port := engine.hostPort()

	conn := NewConn(host, port, testConfig())
	defer conn.Close(context.Background())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = conn.Send(context.Background(), NewBatch().Play(1, 10))
	}()

	// First batch on the wire.
	require.Eventually(t, func() bool {
		return len(engine.received()) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = conn.Send(context.Background(), NewBatch().Play(1, 11))
	}()

	// Second batch queued behind the stalled one.
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.queue) == 1
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	wg.Wait()

	assert.True(t, IsNetworkError(errs[0]), "in-flight: %v", errs[0])
	assert.True(t, IsNetworkError(errs[1]), "queued: %v", errs[1])

	// Reconnects eagerly and serves new batches.
	_, err := conn.Send(context.Background(), NewBatch().Play(1, 12))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, engine.acceptCount(), 2)
}

func TestConnSendAfterClose(t *testing.T) {
	engine := newScriptedEngine(t)
	defer engine.close()
	host, port := engine.hostPort()

	conn := NewConn(host, port, testConfig())
	require.NoError(t, conn.Close(context.Background()))

	_, err := conn.Send(context.Background(), NewBatch().Play(1, 10))
	assert.ErrorIs(t, err, ErrClosed)

	// Closing twice is fine.
	require.NoError(t, conn.Close(context.Background()))
}

func TestConnContextCancelAbandonsWait(t *testing.T) {
	gate := make(chan struct{})
	engine := newScriptedEngine(t, func(e *scriptedEngine, conn net.Conn) {
		br := bufio.NewReader(conn)
		if _, err := br.ReadString('\n'); err != nil {
			return
		}
		<-gate
	})
	defer engine.close()
	host, port := engine.hostPort()

	conn := NewConn(host, port, testConfig())
	defer conn.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := conn.Send(ctx, NewBatch().Play(1, 10))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
}

func TestConnDialFailureEntersReconnecting(t *testing.T) {
	// Grab a free port and close it again so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	conn := NewConn("127.0.0.1", port, testConfig())
	defer conn.Close(context.Background())

	require.Eventually(t, func() bool {
		return conn.State() == StateReconnecting
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateBusy, "busy"},
		{StateReconnecting, "reconnecting"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}
