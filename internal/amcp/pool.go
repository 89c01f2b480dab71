package amcp

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

// Pool shares one Conn per remote address. Slots pointing at the same
// host:port ride the same session, which is what serializes their batches.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewPool creates an empty pool. Connections are dialed lazily on first Get.
func NewPool(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Get returns the connection for host:port, creating it if needed.
func (p *Pool) Get(host string, port int) *Conn {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	p.mu.RLock()
	conn, ok := p.conns[addr]
	p.mu.RUnlock()
	if ok {
		return conn
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		return conn
	}
	conn = NewConn(host, port, p.cfg)
	p.conns[addr] = conn
	p.logger.Debug("opened connection", slog.String("addr", addr))
	return conn
}

// Lookup returns the connection for host:port without creating one.
func (p *Pool) Lookup(host string, port int) (*Conn, bool) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[addr]
	return conn, ok
}

// States reports the lifecycle state of every pooled connection.
func (p *Pool) States() map[string]State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	states := make(map[string]State, len(p.conns))
	for addr, conn := range p.conns {
		states[addr] = conn.State()
	}
	return states
}

// Prune closes connections whose address is not in keep. Called after a
// configuration change retires a playout engine.
func (p *Pool) Prune(ctx context.Context, keep map[string]bool) {
	p.mu.Lock()
	var stale []*Conn
	for addr, conn := range p.conns {
		if !keep[addr] {
			stale = append(stale, conn)
			delete(p.conns, addr)
		}
	}
	p.mu.Unlock()

	for _, conn := range stale {
		p.logger.Info("closing retired connection", slog.String("addr", conn.Addr()))
		conn.Close(ctx)
	}
}

// CloseAll closes every connection, in parallel, honoring ctx as the
// collective deadline.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.Close(ctx)
		}(conn)
	}
	wg.Wait()
}
