package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"policygate/internal/config"
	"policygate/pkg/types"
)

// Alpaca routes orders to the Alpaca trading API (paper by default).
// Credentials are read from APCA_API_KEY_ID and APCA_API_SECRET_KEY.
//
// Fills arrive two ways: the trade-updates WebSocket stream (when
// StreamTradeUpdates is running) buffers them for the next PollFills call,
// and PollFills falls back to per-order REST polling for any open order the
// stream has not reported. Either path reports a given order's fill at most
// once.
type Alpaca struct {
	http   *resty.Client
	cfg    config.AlpacaConfig
	key    string
	secret string
	logger *slog.Logger

	mu       sync.Mutex
	buffered []types.Fill
	reported map[string]bool // order IDs whose fill was already returned
}

// alpacaOrder mirrors the fields of Alpaca's order JSON that the adapter
// reads. Numeric fields are strings on the wire.
type alpacaOrder struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Qty            string `json:"qty"`
	Type           string `json:"type"`
	LimitPrice     string `json:"limit_price"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	FilledAt       string `json:"filled_at"`
}

// alpacaStatus maps Alpaca order states onto the four-state contract.
var alpacaStatus = map[string]types.OrderStatus{
	"new":              types.OrderPending,
	"accepted":         types.OrderPending,
	"pending_new":      types.OrderPending,
	"partially_filled": types.OrderPending,
	"pending_cancel":   types.OrderPending,
	"pending_replace":  types.OrderPending,
	"filled":           types.OrderFilled,
	"canceled":         types.OrderCancelled,
	"expired":          types.OrderCancelled,
	"rejected":         types.OrderRejected,
}

// NewAlpaca creates the Alpaca adapter. Fails fast when credentials are
// missing so a misconfigured run never reaches the submit path.
func NewAlpaca(cfg config.AlpacaConfig, logger *slog.Logger) (*Alpaca, error) {
	key := os.Getenv("APCA_API_KEY_ID")
	secret := os.Getenv("APCA_API_SECRET_KEY")
	if key == "" || secret == "" {
		return nil, fmt.Errorf("alpaca credentials required: set APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("APCA-API-KEY-ID", key).
		SetHeader("APCA-API-SECRET-KEY", secret).
		SetHeader("Content-Type", "application/json")

	return &Alpaca{
		http:     httpClient,
		cfg:      cfg,
		key:      key,
		secret:   secret,
		logger:   logger.With("component", "broker_alpaca"),
		reported: make(map[string]bool),
	}, nil
}

func (a *Alpaca) Submit(ctx context.Context, intent *types.OrderIntent, _ *types.MarketSnapshot) (SubmitResult, error) {
	body := map[string]string{
		"symbol":        intent.Instrument.Symbol,
		"qty":           strconv.FormatFloat(intent.Qty, 'f', -1, 64),
		"side":          string(intent.Side),
		"type":          string(intent.OrderType),
		"time_in_force": "day",
	}
	if intent.OrderType == types.OrderTypeLimit {
		if intent.LimitPrice == nil {
			return SubmitResult{}, fmt.Errorf("limit order %s requires a limit_price", intent.IntentID)
		}
		body["limit_price"] = strconv.FormatFloat(*intent.LimitPrice, 'f', -1, 64)
	}

	var order alpacaOrder
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&order).
		Post("/v2/orders")
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return SubmitResult{}, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}

	a.logger.Info("order submitted", "order_id", order.ID, "symbol", order.Symbol, "status", order.Status)
	return SubmitResult{OrderID: order.ID, Status: mapAlpacaStatus(order.Status)}, nil
}

func (a *Alpaca) Cancel(ctx context.Context, orderID string) (types.OrderStatus, error) {
	resp, err := a.http.R().
		SetContext(ctx).
		Delete("/v2/orders/" + orderID)
	if err != nil {
		return "", fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusNoContent {
		return "", fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return types.OrderCancelled, nil
}

func (a *Alpaca) GetOrder(ctx context.Context, orderID string) (*types.BrokerOrder, error) {
	order, err := a.fetchOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return toBrokerOrder(order), nil
}

// PollFills drains stream-delivered fills for the open orders, then falls
// back to REST polling for any open order the stream has not covered.
func (a *Alpaca) PollFills(ctx context.Context, openOrderIDs []string) ([]types.Fill, error) {
	open := make(map[string]bool, len(openOrderIDs))
	for _, id := range openOrderIDs {
		open[id] = true
	}

	a.mu.Lock()
	var fills []types.Fill
	var keep []types.Fill
	for _, f := range a.buffered {
		if open[f.OrderID] && !a.reported[f.OrderID] {
			fills = append(fills, f)
			a.reported[f.OrderID] = true
		} else if !a.reported[f.OrderID] {
			keep = append(keep, f)
		}
	}
	a.buffered = keep
	covered := make(map[string]bool, len(fills))
	for _, f := range fills {
		covered[f.OrderID] = true
	}
	a.mu.Unlock()

	for _, id := range openOrderIDs {
		a.mu.Lock()
		already := covered[id] || a.reported[id]
		a.mu.Unlock()
		if already {
			continue
		}
		order, err := a.fetchOrder(ctx, id)
		if err != nil {
			return fills, err
		}
		if mapAlpacaStatus(order.Status) != types.OrderFilled {
			continue
		}
		a.mu.Lock()
		a.reported[id] = true
		a.mu.Unlock()
		fills = append(fills, types.Fill{
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Side:      types.Side(order.Side),
			Qty:       parseFloat(order.FilledQty),
			Price:     parseFloat(order.FilledAvgPrice),
			Timestamp: order.FilledAt,
		})
	}
	return fills, nil
}

func (a *Alpaca) fetchOrder(ctx context.Context, orderID string) (*alpacaOrder, error) {
	var order alpacaOrder
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&order).
		Get("/v2/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &order, nil
}

// bufferFill queues a stream-delivered fill for the next PollFills call.
func (a *Alpaca) bufferFill(f types.Fill) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reported[f.OrderID] {
		return
	}
	a.buffered = append(a.buffered, f)
}

func toBrokerOrder(o *alpacaOrder) *types.BrokerOrder {
	bo := &types.BrokerOrder{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      types.Side(o.Side),
		Qty:       parseFloat(o.Qty),
		OrderType: types.OrderType(o.Type),
		Status:    mapAlpacaStatus(o.Status),
	}
	if o.LimitPrice != "" {
		lp := parseFloat(o.LimitPrice)
		bo.LimitPrice = &lp
	}
	return bo
}

func mapAlpacaStatus(s string) types.OrderStatus {
	if st, ok := alpacaStatus[s]; ok {
		return st
	}
	return types.OrderPending
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// tradeUpdate is one message on the trade_updates stream.
type tradeUpdate struct {
	Stream string `json:"stream"`
	Data   struct {
		Event     string      `json:"event"`
		Price     string      `json:"price"`
		Qty       string      `json:"qty"`
		Timestamp string      `json:"timestamp"`
		Order     alpacaOrder `json:"order"`
	} `json:"data"`
}

func marshalStreamMsg(action string, data any) []byte {
	msg, _ := json.Marshal(map[string]any{"action": action, "data": data})
	return msg
}
