package broker

import (
	"context"
	"time"
)

// Position is one held equity position as reported by the broker.
type Position struct {
	Symbol       string
	Qty          float64
	EntryPrice   float64
	CurrentPrice float64
	EnteredAt    time.Time
}

// Clock reports the exchange session state.
type Clock struct {
	Now       time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// OrderStatus is the broker-side lifecycle state of a close order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
)

// Terminal reports whether the order has reached a final state.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// Order is the broker's view of a liquidating order.
type Order struct {
	ID          string
	Symbol      string
	Qty         float64
	Status      OrderStatus
	FilledQty   float64
	FilledPrice float64
	FilledAt    time.Time
}

// Broker is the minimal surface the exit manager needs: read positions
// and the session clock, close a position at market, and confirm fills.
// Entry placement, rebalancing, and account management stay outside.
type Broker interface {
	Positions(ctx context.Context) ([]Position, error)
	Clock(ctx context.Context) (Clock, error)
	ClosePosition(ctx context.Context, symbol string) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
}
