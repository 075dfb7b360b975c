package broker

import (
	"context"
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

const (
	tradierSandboxURL = "https://sandbox.tradier.com"
	tradierLiveURL    = "https://api.tradier.com"
)

// Tradier routes equity orders to the Tradier brokerage API. The token and
// account come from TRADIER_TOKEN and TRADIER_ACCOUNT_ID; TRADIER_ENV
// (sandbox or live) overrides the configured environment.
//
// Tradier has no push stream for order updates on the sandbox tier, so
// PollFills lists the account's orders in one call and matches the open IDs
// against it, falling back to per-order lookups if the listing fails.
type Tradier struct {
	http    *resty.Client
	account string
	logger  *slog.Logger

	mu       sync.Mutex
	reported map[string]bool
}

// tradierOrder mirrors the fields of Tradier's order JSON that the adapter
// reads. IDs are numeric on the wire.
type tradierOrder struct {
	ID              int64   `json:"id"`
	Status          string  `json:"status"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Quantity        float64 `json:"quantity"`
	Type            string  `json:"type"`
	Price           float64 `json:"price"`
	AvgFillPrice    float64 `json:"avg_fill_price"`
	ExecQuantity    float64 `json:"exec_quantity"`
	TransactionDate string  `json:"transaction_date"`
}

var tradierStatus = map[string]types.OrderStatus{
	"pending":              types.OrderPending,
	"open":                 types.OrderPending,
	"partially_filled":     types.OrderPending,
	"calculated":           types.OrderPending,
	"accepted_for_bidding": types.OrderPending,
	"filled":               types.OrderFilled,
	"expired":              types.OrderCancelled,
	"canceled":             types.OrderCancelled,
	"rejected":             types.OrderRejected,
	"error":                types.OrderRejected,
}

// NewTradier creates the Tradier adapter. Fails fast on missing credentials
// or an unknown environment.
func NewTradier(cfg config.TradierConfig, logger *slog.Logger) (*Tradier, error) {
	token := os.Getenv("TRADIER_TOKEN")
	account := os.Getenv("TRADIER_ACCOUNT_ID")
	if token == "" || account == "" {
		return nil, fmt.Errorf("tradier credentials required: set TRADIER_TOKEN and TRADIER_ACCOUNT_ID")
	}

	env := cfg.Env
	if v := os.Getenv("TRADIER_ENV"); v != "" {
		env = v
	}
	var baseURL string
	switch env {
	case "sandbox":
		baseURL = tradierSandboxURL
	case "live":
		baseURL = tradierLiveURL
	default:
		return nil, fmt.Errorf("tradier env must be sandbox or live (got %q)", env)
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Authorization", "Bearer "+token).
		SetHeader("Accept", "application/json")

	return &Tradier{
		http:     httpClient,
		account:  account,
		logger:   logger.With("component", "broker_tradier", "env", env),
		reported: make(map[string]bool),
	}, nil
}

func (t *Tradier) Submit(ctx context.Context, intent *types.OrderIntent, _ *types.MarketSnapshot) (SubmitResult, error) {
	form := map[string]string{
		"class":    "equity",
		"symbol":   intent.Instrument.Symbol,
		"side":     string(intent.Side),
		"quantity": strconv.FormatFloat(intent.Qty, 'f', -1, 64),
		"type":     string(intent.OrderType),
		"duration": "day",
	}
	if intent.OrderType == types.OrderTypeLimit {
		if intent.LimitPrice == nil {
			return SubmitResult{}, fmt.Errorf("limit order %s requires a limit_price", intent.IntentID)
		}
		form["price"] = strconv.FormatFloat(*intent.LimitPrice, 'f', -1, 64)
	}

	var out struct {
		Order struct {
			ID     int64  `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&out).
		Post("/v1/accounts/" + t.account + "/orders")
	if err != nil {
		return SubmitResult{}, fmt.Errorf("submit order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return SubmitResult{}, fmt.Errorf("submit order: status %d: %s", resp.StatusCode(), resp.String())
	}

	orderID := strconv.FormatInt(out.Order.ID, 10)
	t.logger.Info("order submitted", "order_id", orderID, "symbol", intent.Instrument.Symbol)
	// Tradier acknowledges with status "ok"; the real lifecycle state comes
	// from subsequent polling.
	return SubmitResult{OrderID: orderID, Status: types.OrderPending}, nil
}

func (t *Tradier) Cancel(ctx context.Context, orderID string) (types.OrderStatus, error) {
	resp, err := t.http.R().
		SetContext(ctx).
		Delete("/v1/accounts/" + t.account + "/orders/" + orderID)
	if err != nil {
		return "", fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	order, err := t.fetchOrder(ctx, orderID)
	if err != nil {
		return types.OrderCancelled, nil
	}
	return mapTradierStatus(order.Status), nil
}

func (t *Tradier) GetOrder(ctx context.Context, orderID string) (*types.BrokerOrder, error) {
	order, err := t.fetchOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return tradierToBrokerOrder(order), nil
}

func (t *Tradier) PollFills(ctx context.Context, openOrderIDs []string) ([]types.Fill, error) {
	byID, err := t.listOrders(ctx)
	if err != nil {
		// Listing can fail independently of individual lookups; fall back
		// to fetching the open orders one by one.
		t.logger.Warn("account order listing failed, falling back to per-order lookups", "error", err)
		byID = make(map[string]*tradierOrder, len(openOrderIDs))
		for _, id := range openOrderIDs {
			order, ferr := t.fetchOrder(ctx, id)
			if ferr != nil {
				return nil, ferr
			}
			byID[id] = order
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var fills []types.Fill
	for _, id := range openOrderIDs {
		order, ok := byID[id]
		if !ok || t.reported[id] {
			continue
		}
		if mapTradierStatus(order.Status) != types.OrderFilled {
			continue
		}
		t.reported[id] = true
		fills = append(fills, types.Fill{
			OrderID:   id,
			Symbol:    order.Symbol,
			Side:      types.Side(order.Side),
			Qty:       order.ExecQuantity,
			Price:     order.AvgFillPrice,
			Timestamp: order.TransactionDate,
		})
	}
	return fills, nil
}

func (t *Tradier) fetchOrder(ctx context.Context, orderID string) (*tradierOrder, error) {
	var out struct {
		Order tradierOrder `json:"order"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/accounts/" + t.account + "/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &out.Order, nil
}

func (t *Tradier) listOrders(ctx context.Context) (map[string]*tradierOrder, error) {
	var out struct {
		Orders struct {
			Order []tradierOrder `json:"order"`
		} `json:"orders"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/accounts/" + t.account + "/orders")
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	byID := make(map[string]*tradierOrder, len(out.Orders.Order))
	for i := range out.Orders.Order {
		o := &out.Orders.Order[i]
		byID[strconv.FormatInt(o.ID, 10)] = o
	}
	return byID, nil
}

func tradierToBrokerOrder(o *tradierOrder) *types.BrokerOrder {
	bo := &types.BrokerOrder{
		OrderID:   strconv.FormatInt(o.ID, 10),
		Symbol:    o.Symbol,
		Side:      types.Side(o.Side),
		Qty:       o.Quantity,
		OrderType: types.OrderType(o.Type),
		Status:    mapTradierStatus(o.Status),
	}
	if o.Type == string(types.OrderTypeLimit) && o.Price > 0 {
		lp := o.Price
		bo.LimitPrice = &lp
	}
	return bo
}

func mapTradierStatus(s string) types.OrderStatus {
	if st, ok := tradierStatus[s]; ok {
		return st
	}
	return types.OrderPending
}
