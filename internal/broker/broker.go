// Package broker defines the order-routing contract the stream runner
// drives, plus the three adapters behind the policygate-run --broker flag:
// a deterministic simulator, Alpaca (paper API), and Tradier
// (sandbox/live).
//
// The contract is intentionally minimal: submit, cancel, poll fills, fetch
// one order. No retries, no timeouts, no broker-specific leakage; a broker
// error propagates to the runner, which records ORDER_REJECTED and halts
// (fail-loud). Timeouts and backoff are an adapter's own concern.
package broker

import (
	"context"

	"policygate/pkg/types"
)

// SubmitResult is what a broker returns for an accepted submission.
type SubmitResult struct {
	OrderID string
	Status  types.OrderStatus
}

// Broker is the abstract order-routing interface.
//
// PollFills takes the order IDs the runner still considers open and returns
// any fills for them, at most once per fill. Live adapters may not know the
// originating intent; they leave Fill.IntentID empty and the runner joins it
// back via its own order-to-intent map.
type Broker interface {
	Submit(ctx context.Context, intent *types.OrderIntent, market *types.MarketSnapshot) (SubmitResult, error)
	Cancel(ctx context.Context, orderID string) (types.OrderStatus, error)
	PollFills(ctx context.Context, openOrderIDs []string) ([]types.Fill, error)
	GetOrder(ctx context.Context, orderID string) (*types.BrokerOrder, error)
}
