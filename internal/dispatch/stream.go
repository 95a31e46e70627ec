package dispatch

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-bidding/internal/models"
)

const pingPeriod = 30 * time.Second

// OrderFeed is a closable source of one order's events.
type OrderFeed interface {
	Events() <-chan models.OrderEvent
	// Ended reports a deliberate close; otherwise a closed feed fell behind.
	Ended() bool
}

// StreamOrder writes every event of feed to conn until the feed is closed,
// ctx ends or the peer goes away. The caller owns conn.
func StreamOrder(ctx context.Context, conn *websocket.Conn, feed OrderFeed) error {
	events := feed.Events()
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-gone:
			return nil
		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "stream lagged")
				if feed.Ended() {
					msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				}
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}
