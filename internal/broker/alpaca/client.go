// Package alpaca adapts the Alpaca trading API to the broker interface
// used by the exit manager. Only the position/clock/close surface is
// exposed; entries and account management are out of scope here.
package alpaca

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/quantrun/profittaker/internal/broker"
)

// Client wraps the Alpaca REST client. The SDK manages its own HTTP
// transport; the context arguments gate our polling loops, not the
// individual SDK calls.
type Client struct {
	api *alpaca.Client
}

// Config holds Alpaca credentials and endpoint.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// ConfigFromEnv reads ALPACA_API_KEY, ALPACA_SECRET_KEY and
// ALPACA_BASE_URL, defaulting the endpoint to the paper API.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		APIKey:    os.Getenv("ALPACA_API_KEY"),
		APISecret: os.Getenv("ALPACA_SECRET_KEY"),
		BaseURL:   os.Getenv("ALPACA_BASE_URL"),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return Config{}, fmt.Errorf("alpaca: ALPACA_API_KEY or ALPACA_SECRET_KEY not set")
	}
	return cfg, nil
}

// New creates a broker client from the given credentials.
func New(cfg Config) *Client {
	return &Client{
		api: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
	}
}

// Positions returns all currently open long positions.
func (c *Client) Positions(ctx context.Context) ([]broker.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := c.api.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("alpaca: get positions: %w", err)
	}

	positions := make([]broker.Position, 0, len(raw))
	for _, p := range raw {
		pos := broker.Position{
			Symbol:     p.Symbol,
			Qty:        p.Qty.InexactFloat64(),
			EntryPrice: p.AvgEntryPrice.InexactFloat64(),
			// Alpaca does not report entry time on the position; the
			// session controller stamps discovery time instead.
			EnteredAt: time.Now(),
		}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = p.CurrentPrice.InexactFloat64()
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// Clock returns the exchange session clock.
func (c *Client) Clock(ctx context.Context) (broker.Clock, error) {
	if err := ctx.Err(); err != nil {
		return broker.Clock{}, err
	}
	clk, err := c.api.GetClock()
	if err != nil {
		return broker.Clock{}, fmt.Errorf("alpaca: get clock: %w", err)
	}
	return broker.Clock{
		Now:       clk.Timestamp,
		IsOpen:    clk.IsOpen,
		NextOpen:  clk.NextOpen,
		NextClose: clk.NextClose,
	}, nil
}

// ClosePosition submits a market order liquidating the full tracked
// quantity of symbol.
func (c *Client) ClosePosition(ctx context.Context, symbol string) (broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return broker.Order{}, err
	}
	order, err := c.api.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		return broker.Order{}, fmt.Errorf("alpaca: close %s: %w", symbol, err)
	}
	return convertOrder(order), nil
}

// GetOrder fetches the current state of a previously submitted order.
func (c *Client) GetOrder(ctx context.Context, id string) (broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return broker.Order{}, err
	}
	order, err := c.api.GetOrder(id)
	if err != nil {
		return broker.Order{}, fmt.Errorf("alpaca: get order %s: %w", id, err)
	}
	return convertOrder(order), nil
}

func convertOrder(o *alpaca.Order) broker.Order {
	out := broker.Order{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Status:    broker.OrderStatus(o.Status),
		FilledQty: o.FilledQty.InexactFloat64(),
	}
	out.Qty = qtyOf(o.Qty)
	if o.FilledAvgPrice != nil {
		out.FilledPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.FilledAt != nil {
		out.FilledAt = *o.FilledAt
	}
	return out
}

func qtyOf(qty *decimal.Decimal) float64 {
	if qty == nil {
		return 0
	}
	return qty.InexactFloat64()
}
