package amcp

import (
	"bufio"
	"context"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Reconnect backoff bounds.
const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
	backoffFactor  = 2
	jitterFactor   = 0.2
)

// State describes where a connection is in its lifecycle.
type State int

// Connection lifecycle states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBusy
	StateReconnecting
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Config holds connection tuning.
type Config struct {
	// DialTimeout bounds each TCP dial attempt.
	DialTimeout time.Duration
	// CommandTimeout bounds the write of a batch and the read of each reply.
	CommandTimeout time.Duration
	// Logger receives connection lifecycle and batch events.
	Logger *slog.Logger
}

// DefaultConfig returns the default connection tuning.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    5 * time.Second,
		CommandTimeout: 5 * time.Second,
	}
}

// request is one queued exchange: the wire lines and a completion signal.
type request struct {
	id       string
	lines    []string
	replies  []Reply
	err      error
	done     chan struct{}
	canceled atomic.Bool
}

// Conn is one persistent session to a playout engine. A single worker
// goroutine owns the socket and executes queued exchanges in FIFO order,
// so at most one batch is ever in flight per connection. On transport
// failure the in-flight and queued exchanges fail with NetworkError and
// the worker redials with exponential backoff.
type Conn struct {
	addr           string
	dialTimeout    time.Duration
	commandTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	queue  []*request
	state  State
	closed bool
	sock   net.Conn

	// br wraps sock and is touched only by the worker goroutine.
	br *bufio.Reader

	notify  chan struct{}
	closing chan struct{}
	done    chan struct{}
}

// NewConn creates a connection to host:port and starts its worker.
// The worker dials immediately and keeps the session alive until Close.
func NewConn(host string, port int, cfg Config) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultConfig().CommandTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c := &Conn{
		addr:           addr,
		dialTimeout:    cfg.DialTimeout,
		commandTimeout: cfg.CommandTimeout,
		logger:         logger.With(slog.String("component", "amcp"), slog.String("addr", addr)),
		notify:         make(chan struct{}, 1),
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
	}

	go c.run()
	return c
}

// Addr returns the remote address in host:port form.
func (c *Conn) Addr() string {
	return c.addr
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send queues a batch and blocks until it completes. The returned replies
// are one per wire line, envelope included; they are fully drained even
// when the error is a RemoteError. A ctx cancellation abandons the wait
// but cannot recall a batch already written to the socket.
func (c *Conn) Send(ctx context.Context, batch *Batch) ([]Reply, error) {
	if batch == nil || batch.Empty() {
		return nil, nil
	}
	return c.submit(ctx, batch.Lines())
}

// Query runs a single command outside any envelope and returns its reply.
func (c *Conn) Query(ctx context.Context, command string) (Reply, error) {
	replies, err := c.submit(ctx, []string{command})
	if err != nil {
		return Reply{}, err
	}
	return replies[0], nil
}

// submit enqueues the lines and waits for the worker to complete them.
func (c *Conn) submit(ctx context.Context, lines []string) ([]Reply, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	req := &request{
		id:    ulid.Make().String(),
		lines: lines,
		done:  make(chan struct{}),
	}
	c.queue = append(c.queue, req)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}

	select {
	case <-req.done:
		return req.replies, req.err
	case <-ctx.Done():
		req.canceled.Store(true)
		return nil, ctx.Err()
	}
}

// Close shuts the connection down. It waits for the in-flight exchange to
// finish; when ctx expires first the socket is closed out from under it.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	close(c.closing)
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		c.mu.Lock()
		if c.sock != nil {
			c.sock.Close()
		}
		c.mu.Unlock()
		<-c.done
	}
	return nil
}

// run is the worker loop: keep the session dialed, pull one request at a
// time, exchange it, classify the outcome.
func (c *Conn) run() {
	defer close(c.done)

	for {
		if !c.ensureConnected() {
			break
		}

		req := c.next()
		if req == nil {
			break
		}
		if req.canceled.Load() {
			continue
		}

		c.setState(StateBusy)
		c.logger.Debug("dispatching batch",
			slog.String("batch_id", req.id),
			slog.Int("lines", len(req.lines)))

		replies, err := c.exchange(req.lines)
		switch err.(type) {
		case nil:
			c.complete(req, replies, nil)
			c.setState(StateConnected)
		case *RemoteError:
			c.logger.Warn("batch rejected by remote",
				slog.String("batch_id", req.id),
				slog.String("error", err.Error()))
			c.complete(req, replies, err)
			c.setState(StateConnected)
		case *ProtocolError:
			c.logger.Error("malformed reply, dropping connection",
				slog.String("batch_id", req.id),
				slog.String("error", err.Error()))
			c.complete(req, replies, err)
			c.dropSocket()
		default:
			c.logger.Warn("transport failure",
				slog.String("batch_id", req.id),
				slog.String("error", err.Error()))
			c.complete(req, replies, err)
			c.failQueued(err)
			c.dropSocket()
		}
	}

	c.failQueued(ErrClosed)
	c.dropSocket()
	c.setState(StateDisconnected)
}

// ensureConnected dials until the session is up, backing off between
// attempts. Returns false when the connection is closing.
func (c *Conn) ensureConnected() bool {
	c.mu.Lock()
	if c.sock != nil {
		c.mu.Unlock()
		return true
	}
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	delay := initialBackoff
	for {
		c.setState(StateConnecting)
		sock, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				sock.Close()
				return false
			}
			c.sock = sock
			c.br = bufio.NewReader(sock)
			c.state = StateConnected
			c.mu.Unlock()
			c.logger.Info("connected")
			return true
		}

		c.setState(StateReconnecting)
		wait := jitter(delay)
		c.logger.Warn("dial failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", wait))

		select {
		case <-c.closing:
			return false
		case <-time.After(wait):
		}

		delay *= backoffFactor
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

// next blocks until a request is available or the connection is closing.
func (c *Conn) next() *request {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			req := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return req
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}

		select {
		case <-c.notify:
		case <-c.closing:
		}
	}
}

// exchange writes the lines and reads one reply per line. All replies are
// drained before a RemoteError is surfaced so the session stays in step.
func (c *Conn) exchange(lines []string) ([]Reply, error) {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()

	payload := strings.Join(lines, "\r\n") + "\r\n"
	sock.SetWriteDeadline(time.Now().Add(c.commandTimeout))
	if _, err := sock.Write([]byte(payload)); err != nil {
		return nil, &NetworkError{Op: "write", Addr: c.addr, Err: err}
	}

	replies := make([]Reply, 0, len(lines))
	var remoteErr error
	for range lines {
		sock.SetReadDeadline(time.Now().Add(c.commandTimeout))
		rep, err := readReply(c.br)
		if err != nil {
			if perr, ok := err.(*ProtocolError); ok {
				return replies, perr
			}
			return replies, &NetworkError{Op: "read", Addr: c.addr, Err: err}
		}
		replies = append(replies, rep)
		if !rep.OK() && remoteErr == nil {
			remoteErr = &RemoteError{Code: rep.Code, Message: rep.Raw}
		}
	}
	return replies, remoteErr
}

// complete finishes a request and wakes its submitter.
func (c *Conn) complete(req *request, replies []Reply, err error) {
	req.replies = replies
	req.err = err
	close(req.done)
}

// failQueued fails every queued request with the given error.
func (c *Conn) failQueued(err error) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, req := range pending {
		c.complete(req, nil, err)
	}
	if len(pending) > 0 {
		c.logger.Warn("failed queued batches",
			slog.Int("count", len(pending)),
			slog.String("error", err.Error()))
	}
}

// dropSocket closes and forgets the socket so the worker redials.
func (c *Conn) dropSocket() {
	c.mu.Lock()
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
		c.br = nil
	}
	c.mu.Unlock()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// jitter spreads a delay by ±jitterFactor to avoid reconnect stampedes.
func jitter(d time.Duration) time.Duration {
	f := 1 + jitterFactor*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
