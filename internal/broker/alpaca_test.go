package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"policygate/internal/config"
	"policygate/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAlpaca(serverURL string) *Alpaca {
	return &Alpaca{
		http: resty.New().
			SetBaseURL(serverURL).
			SetTimeout(5 * time.Second).
			SetHeader("Content-Type", "application/json"),
		cfg:      config.AlpacaConfig{BaseURL: serverURL},
		logger:   testLogger().With("component", "broker_alpaca"),
		reported: make(map[string]bool),
	}
}

func TestNewAlpacaRequiresCredentials(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "")
	t.Setenv("APCA_API_SECRET_KEY", "")
	if _, err := NewAlpaca(config.AlpacaConfig{BaseURL: "https://paper-api.alpaca.markets"}, testLogger()); err == nil {
		t.Error("expected error without credentials")
	}
}

func TestAlpacaSubmit(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/orders" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["symbol"] != "AAPL" || body["qty"] != "10" || body["side"] != "buy" {
			t.Errorf("body = %v", body)
		}
		if body["limit_price"] != "199.5" {
			t.Errorf("limit_price = %q, want 199.5", body["limit_price"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"ord-1","status":"new","symbol":"AAPL","side":"buy","qty":"10","type":"limit"}`)
	}))
	defer server.Close()

	a := newTestAlpaca(server.URL)
	lp := 199.5
	res, err := a.Submit(context.Background(), &types.OrderIntent{
		IntentID:   "int-001",
		Timestamp:  "2026-08-24T14:30:00Z",
		StrategyID: "momo-1",
		AccountID:  "acct-1",
		Instrument: types.Instrument{Symbol: "AAPL", AssetClass: "equity"},
		Side:       types.SideBuy,
		OrderType:  types.OrderTypeLimit,
		Qty:        10,
		LimitPrice: &lp,
	}, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.OrderID != "ord-1" {
		t.Errorf("order id = %s, want ord-1", res.OrderID)
	}
	if res.Status != types.OrderPending {
		t.Errorf("status = %s, want pending for new", res.Status)
	}
}

func TestAlpacaSubmitErrorStatus(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"insufficient buying power"}`, http.StatusForbidden)
	}))
	defer server.Close()

	a := newTestAlpaca(server.URL)
	_, err := a.Submit(context.Background(), &types.OrderIntent{
		IntentID:   "int-001",
		Instrument: types.Instrument{Symbol: "AAPL"},
		Side:       types.SideBuy,
		OrderType:  types.OrderTypeMarket,
		Qty:        10,
	}, nil)
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestAlpacaPollFillsRESTFallback(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/orders/ord-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"ord-1","status":"filled","symbol":"AAPL","side":"buy","qty":"10","type":"market","filled_qty":"10","filled_avg_price":"200.5","filled_at":"2026-08-24T14:30:01Z"}`)
	}))
	defer server.Close()

	a := newTestAlpaca(server.URL)
	fills, err := a.PollFills(context.Background(), []string{"ord-1"})
	if err != nil {
		t.Fatalf("PollFills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}
	if fills[0].Price != 200.5 || fills[0].Qty != 10 {
		t.Errorf("fill = %+v", fills[0])
	}

	// The REST fallback must not re-report an already reported fill.
	fills, err = a.PollFills(context.Background(), []string{"ord-1"})
	if err != nil {
		t.Fatalf("PollFills: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("second poll returned %d fills, want 0", len(fills))
	}
}

func TestAlpacaPollFillsDrainsStreamBuffer(t *testing.T) {
	t.Parallel()
	// No server: a buffered stream fill must satisfy the poll without any
	// REST call.
	a := newTestAlpaca("http://127.0.0.1:0")
	a.bufferFill(types.Fill{OrderID: "ord-1", Symbol: "AAPL", Side: types.SideBuy, Qty: 10, Price: 200})

	fills, err := a.PollFills(context.Background(), []string{"ord-1"})
	if err != nil {
		t.Fatalf("PollFills: %v", err)
	}
	if len(fills) != 1 || fills[0].OrderID != "ord-1" {
		t.Fatalf("fills = %+v, want the buffered fill", fills)
	}

	// Buffering after the fill was reported is a no-op.
	a.bufferFill(types.Fill{OrderID: "ord-1"})
	fills, err = a.PollFills(context.Background(), []string{"ord-1"})
	if err != nil {
		t.Fatalf("PollFills: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("got %d fills after re-buffer, want 0", len(fills))
	}
}

func TestAlpacaStatusMapping(t *testing.T) {
	t.Parallel()
	cases := map[string]types.OrderStatus{
		"new":              types.OrderPending,
		"accepted":         types.OrderPending,
		"partially_filled": types.OrderPending,
		"filled":           types.OrderFilled,
		"canceled":         types.OrderCancelled,
		"expired":          types.OrderCancelled,
		"rejected":         types.OrderRejected,
		"something_else":   types.OrderPending,
	}
	for in, want := range cases {
		if got := mapAlpacaStatus(in); got != want {
			t.Errorf("mapAlpacaStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAlpacaHandleStreamMessage(t *testing.T) {
	t.Parallel()
	a := newTestAlpaca("http://127.0.0.1:0")

	a.handleStreamMessage([]byte(`{"stream":"trade_updates","data":{"event":"fill","price":"200.5","qty":"10","timestamp":"2026-08-24T14:30:01Z","order":{"id":"ord-1","status":"filled","symbol":"AAPL","side":"buy","qty":"10"}}}`))
	a.handleStreamMessage([]byte(`{"stream":"authorization","data":{}}`))
	a.handleStreamMessage([]byte(`not json`))

	fills, err := a.PollFills(context.Background(), []string{"ord-1"})
	if err != nil {
		t.Fatalf("PollFills: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1 from the fill event", len(fills))
	}
	if fills[0].Price != 200.5 || fills[0].Symbol != "AAPL" {
		t.Errorf("fill = %+v", fills[0])
	}
}
