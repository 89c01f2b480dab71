package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	// wsWriteWait bounds how long a single frame write may block.
	wsWriteWait = 10 * time.Second

	// wsPongWait is how long we wait for a pong before declaring the
	// client gone. Pings go out at a fraction of this so a healthy
	// client always answers in time.
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusFeed streams engine snapshots to WebSocket clients. Each
// connection gets its own engine subscription; the engine drops
// snapshots for consumers that fall behind, so one stalled dashboard
// cannot back-pressure the drift loop or other clients.
type StatusFeed struct {
	engine Engine
	logger *slog.Logger
}

// NewStatusFeed creates the WebSocket status feed.
func NewStatusFeed(engine Engine) *StatusFeed {
	return &StatusFeed{
		engine: engine,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the feed.
func (f *StatusFeed) WithLogger(logger *slog.Logger) *StatusFeed {
	f.logger = logger
	return f
}

// Register mounts the feed on the router. This is a raw chi route, not a
// huma operation: the connection hijacks the response writer.
func (f *StatusFeed) Register(r chi.Router) {
	r.Get("/ws", f.handle)
}

func (f *StatusFeed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := statusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		f.logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	sub := f.engine.Subscribe()
	defer f.engine.Unsubscribe(sub.ID)

	f.logger.Debug("websocket client connected",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("subscriber_id", sub.ID))

	// Send the current state immediately so the client does not have to
	// wait for the next drift tick to render something.
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(f.engine.Status()); err != nil {
		f.logger.Debug("websocket initial snapshot write failed", slog.Any("error", err))
		return
	}

	// The feed is one-way. We still have to read so close frames and
	// pongs are processed; any read error means the client is gone.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			f.logger.Debug("websocket client disconnected",
				slog.String("subscriber_id", sub.ID))
			return
		case snap, ok := <-sub.Events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(snap); err != nil {
				f.logger.Debug("websocket snapshot write failed",
					slog.String("subscriber_id", sub.ID),
					slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
