package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/pickup-ops/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// LiveMessage is the frame written for every activity event.
type LiveMessage struct {
	Type    string               `json:"type"`
	Event   models.ActivityEvent `json:"event"`
	Display models.Display       `json:"display"`
}

func NewLiveMessage(evt models.ActivityEvent) LiveMessage {
	return LiveMessage{Type: "activity", Event: evt, Display: evt.Action.Display()}
}

// ServeWS subscribes conn to the registry and pumps events to it until the
// client goes away, the session is evicted, or ctx ends. It owns conn.
// Anything the client sends is read and discarded.
func ServeWS(ctx context.Context, reg *Registry, conn *websocket.Conn, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sess := reg.Subscribe()
	log := logger.With("component", "live", "session_id", sess.ID())
	defer func() {
		reg.Unsubscribe(sess)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readPump(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			writeClose(conn, websocket.CloseGoingAway, "server closing")
			return
		case <-sess.Done():
			if errors.Is(sess.Err(), ErrSlowConsumer) {
				writeClose(conn, websocket.CloseTryAgainLater, "too far behind; resync from activity history")
			} else {
				writeClose(conn, websocket.CloseNormalClosure, "")
			}
			return
		case <-sess.Ready():
			for _, evt := range sess.Drain() {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(NewLiveMessage(evt)); err != nil {
					log.Info("ws send error; dropping session", "error", err)
					return
				}
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Info("ws ping failed; dropping session", "error", err)
				return
			}
		}
	}
}

func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
