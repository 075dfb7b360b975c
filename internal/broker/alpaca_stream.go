// alpaca_stream.go maintains the Alpaca trade-updates WebSocket feed.
//
// The stream pushes order lifecycle events (fill, partial_fill, canceled,
// rejected) as they happen. Fill events are buffered on the adapter so the
// runner's next PollFills call picks them up without a REST round trip; the
// REST fallback in PollFills covers anything the stream missed during a
// reconnect. The feed auto-reconnects with exponential backoff (1s to 30s
// max) and uses a read deadline so a silent server failure is detected.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"policygate/pkg/types"
)

const (
	streamReadTimeout  = 90 * time.Second
	streamWriteTimeout = 10 * time.Second
	maxReconnectWait   = 30 * time.Second
)

// StreamTradeUpdates connects to the trade-updates stream and keeps the
// connection alive with auto-reconnect. Blocks until ctx is cancelled. The
// adapter works without it; running it just makes fill pickup immediate.
func (a *Alpaca) StreamTradeUpdates(ctx context.Context) error {
	backoff := time.Second

	for {
		err := a.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.logger.Warn("trade-updates stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (a *Alpaca) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.cfg.StreamURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.StreamURL, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	authMsg := marshalStreamMsg("authenticate", map[string]string{
		"key_id":     a.key,
		"secret_key": a.secret,
	})
	if err := conn.WriteMessage(websocket.TextMessage, authMsg); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	listenMsg := marshalStreamMsg("listen", map[string]any{
		"streams": []string{"trade_updates"},
	})
	if err := conn.WriteMessage(websocket.TextMessage, listenMsg); err != nil {
		return fmt.Errorf("send listen: %w", err)
	}

	a.logger.Info("trade-updates stream connected", "url", a.cfg.StreamURL)

	// Close the connection when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.handleStreamMessage(raw)
	}
}

func (a *Alpaca) handleStreamMessage(raw []byte) {
	var update tradeUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		a.logger.Warn("unparseable stream message", "error", err)
		return
	}
	if update.Stream != "trade_updates" {
		return
	}

	switch update.Data.Event {
	case "fill":
		order := update.Data.Order
		a.bufferFill(types.Fill{
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Side:      types.Side(order.Side),
			Qty:       parseFloat(order.Qty),
			Price:     parseFloat(update.Data.Price),
			Timestamp: update.Data.Timestamp,
		})
		a.logger.Info("fill received on stream",
			"order_id", order.ID,
			"symbol", order.Symbol,
			"price", update.Data.Price,
		)
	case "partial_fill":
		// Partial fills stay pending until the terminal fill event; the
		// four-state order contract has no partial state.
		a.logger.Debug("partial fill", "order_id", update.Data.Order.ID, "qty", update.Data.Qty)
	case "canceled", "rejected", "expired":
		a.logger.Info("order closed on stream",
			"order_id", update.Data.Order.ID,
			"event", update.Data.Event,
		)
	}
}
