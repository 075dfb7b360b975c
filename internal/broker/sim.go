package broker

import (
	"context"
	"fmt"
	"sync"

	"policygate/pkg/types"
)

// Sim is a deterministic paper broker for tests, demos, and dry runs.
//
// Fill rules:
//   - Market orders fill immediately at the snapshot price.
//   - Limit buys fill iff limit_price >= snapshot price (at the snapshot price).
//   - Limit sells fill iff limit_price <= snapshot price.
//   - No partial fills, no slippage, no fees.
//
// A symbol without a valid price rejects the order. Order IDs are
// sequential (SIM-000001, ...), so a run with the same inputs produces the
// same event stream.
type Sim struct {
	mu     sync.Mutex
	orders map[string]types.BrokerOrder
	fills  map[string]types.Fill // keyed by order ID, consumed by PollFills
	nextID int
}

// NewSim creates an empty simulated broker.
func NewSim() *Sim {
	return &Sim{
		orders: make(map[string]types.BrokerOrder),
		fills:  make(map[string]types.Fill),
		nextID: 1,
	}
}

func (s *Sim) Submit(_ context.Context, intent *types.OrderIntent, market *types.MarketSnapshot) (SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	symbol := intent.Instrument.Symbol
	orderID := fmt.Sprintf("SIM-%06d", s.nextID)
	s.nextID++

	order := types.BrokerOrder{
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       intent.Side,
		Qty:        intent.Qty,
		OrderType:  intent.OrderType,
		LimitPrice: intent.LimitPrice,
		Status:     types.OrderPending,
	}

	price, ok := market.Price(symbol)
	if !ok {
		order.Status = types.OrderRejected
		s.orders[orderID] = order
		return SubmitResult{OrderID: orderID, Status: order.Status}, nil
	}

	filled := false
	switch {
	case intent.OrderType == types.OrderTypeMarket:
		filled = true
	case intent.LimitPrice != nil && intent.Side == types.SideBuy:
		filled = *intent.LimitPrice >= price
	case intent.LimitPrice != nil && intent.Side == types.SideSell:
		filled = *intent.LimitPrice <= price
	}

	if filled {
		order.Status = types.OrderFilled
		s.fills[orderID] = types.Fill{
			IntentID:  intent.IntentID,
			OrderID:   orderID,
			Symbol:    symbol,
			Side:      intent.Side,
			Qty:       intent.Qty,
			Price:     price,
			Timestamp: intent.Timestamp,
		}
	} else {
		order.Status = types.OrderRejected
	}
	s.orders[orderID] = order
	return SubmitResult{OrderID: orderID, Status: order.Status}, nil
}

func (s *Sim) Cancel(_ context.Context, orderID string) (types.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return "", fmt.Errorf("unknown order %q", orderID)
	}
	if order.Status == types.OrderPending {
		order.Status = types.OrderCancelled
		s.orders[orderID] = order
	}
	return order.Status, nil
}

// PollFills returns each fill exactly once, in the order the open IDs were
// requested.
func (s *Sim) PollFills(_ context.Context, openOrderIDs []string) ([]types.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fills []types.Fill
	for _, id := range openOrderIDs {
		if f, ok := s.fills[id]; ok {
			fills = append(fills, f)
			delete(s.fills, id)
		}
	}
	return fills, nil
}

func (s *Sim) GetOrder(_ context.Context, orderID string) (*types.BrokerOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown order %q", orderID)
	}
	return &order, nil
}
