// Package broker defines the capability the trading engine depends on:
// quote, place order, close position, list positions, balance.
// Exchange-specific clients implement this interface; the engine never
// depends on a concrete exchange.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lowtide/convergence/internal/models"
)

// Fill describes the result of an open or close call. TradeIndex/PairID are
// exchange-assigned fill identifiers; 0 is accepted by some exchanges as
// "match the latest trade" — callers should prefer the real value from here
// and only fall back to scanning positions when it is unavailable.
type Fill struct {
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	TradeIndex int64
	PairID     string
	FilledAt   time.Time
}

// Broker is the capability set a TradingEngine instance depends on. It holds
// no state of its own beyond exchange connectivity; one Broker is
// instantiated per Instance and must be concurrency-safe.
type Broker interface {
	// Name identifies the exchange/account this broker talks to.
	Name() string

	// Quote returns the current mark/last price for symbol.
	Quote(ctx context.Context, symbol string) (decimal.Decimal, error)

	// OpenMarketPosition places a market order opening side on symbol with
	// the given quantity and leverage, committing collateral.
	OpenMarketPosition(ctx context.Context, symbol string, side models.PositionSide, quantity, collateral decimal.Decimal, leverage int) (*Fill, error)

	// ClosePosition closes the open position on symbol. pairID/tradeIndex
	// identify which position to close when a broker can hold more than
	// one; tradeIndex==0 is accepted as "match the latest".
	ClosePosition(ctx context.Context, symbol, pairID string, tradeIndex int64) (*Fill, error)

	// GetPositions lists all currently open positions held by this broker.
	GetPositions(ctx context.Context) ([]models.Position, error)

	// GetPosition returns the open position for symbol, if any.
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)

	// GetBalance returns account balance.
	GetBalance(ctx context.Context) (models.Balance, error)
}
