package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lowtide/convergence/internal/apperr"
	"github.com/lowtide/convergence/internal/models"
)

// SimulatedBroker is a paper-trading Broker: every fill is instant, at the
// last price set via SetPrice. No real order reaches an exchange. Adapted
// from a cash-equity paper broker to perpetual futures: positions carry
// side, leverage and collateral instead of an average cost basis.
type SimulatedBroker struct {
	name string

	mu           sync.RWMutex
	connected    bool
	balance      models.Balance
	positions    map[string]models.Position // keyed by symbol; at most one open per symbol
	fillCounter  int64
	latestPrices map[string]decimal.Decimal
}

// NewSimulatedBroker creates a simulated broker seeded with initialCash.
func NewSimulatedBroker(name string, initialCash decimal.Decimal) *SimulatedBroker {
	return &SimulatedBroker{
		name:      name,
		connected: true,
		balance: models.Balance{
			Symbol: "USDT",
			Cash:   initialCash,
			Equity: initialCash,
		},
		positions:    make(map[string]models.Position),
		latestPrices: make(map[string]decimal.Decimal),
	}
}

func (b *SimulatedBroker) Name() string { return b.name }

// SetPrice sets the latest mark price for symbol, used for market fills and
// quotes.
func (b *SimulatedBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latestPrices[symbol] = price
}

func (b *SimulatedBroker) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	price, ok := b.latestPrices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("simulated broker: no price set for %s: %w", symbol, apperr.ErrNetwork)
	}
	return price, nil
}

// OpenMarketPosition opens side on symbol, instantly filled at the latest
// known price. Collateral is deducted from cash. At most one open position
// per symbol is held: opening a symbol that already has one is rejected with
// ErrBrokerRejected.
func (b *SimulatedBroker) OpenMarketPosition(ctx context.Context, symbol string, side models.PositionSide, quantity, collateral decimal.Decimal, leverage int) (*Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, fmt.Errorf("simulated broker: not connected: %w", apperr.ErrNetwork)
	}
	price, ok := b.latestPrices[symbol]
	if !ok {
		return nil, fmt.Errorf("simulated broker: no price for %s: %w", symbol, apperr.ErrNetwork)
	}
	if collateral.GreaterThan(b.balance.Cash) {
		return nil, fmt.Errorf("simulated broker: insufficient balance for %s: %w", symbol, apperr.ErrBrokerRejected)
	}
	if _, exists := b.positions[symbol]; exists {
		return nil, fmt.Errorf("simulated broker: position already open for %s: %w", symbol, apperr.ErrBrokerRejected)
	}

	b.fillCounter++
	fill := &Fill{
		Price:      price,
		Quantity:   quantity,
		TradeIndex: b.fillCounter,
		PairID:     fmt.Sprintf("%s-%d", symbol, b.fillCounter),
		FilledAt:   time.Now(),
	}

	b.balance.Cash = b.balance.Cash.Sub(collateral)

	b.positions[symbol] = models.Position{
		Symbol:       symbol,
		Side:         side,
		Quantity:     quantity,
		EntryPrice:   price,
		Collateral:   collateral,
		CurrentPrice: price,
		TradeIndex:   fill.TradeIndex,
		PairID:       fill.PairID,
		OpenedAt:     fill.FilledAt,
	}

	log.Info().Str("broker", b.name).Str("symbol", symbol).Str("side", string(side)).
		Str("quantity", quantity.String()).Int("leverage", leverage).Msg("simulated market open filled")

	return fill, nil
}

// ClosePosition closes the open position on symbol at the latest known
// price. tradeIndex/pairID are accepted but not required to match exactly —
// a simulated broker only ever holds one position per symbol.
func (b *SimulatedBroker) ClosePosition(ctx context.Context, symbol, pairID string, tradeIndex int64) (*Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, exists := b.positions[symbol]
	if !exists {
		return nil, fmt.Errorf("simulated broker: no open position for %s: %w", symbol, apperr.ErrNotFound)
	}
	price, ok := b.latestPrices[symbol]
	if !ok {
		return nil, fmt.Errorf("simulated broker: no price for %s: %w", symbol, apperr.ErrNetwork)
	}

	b.balance.Cash = b.balance.Cash.Add(pos.Collateral)
	delete(b.positions, symbol)

	log.Info().Str("broker", b.name).Str("symbol", symbol).Str("close_price", price.String()).
		Msg("simulated position closed")

	return &Fill{
		Price:      price,
		Quantity:   pos.Quantity,
		TradeIndex: pos.TradeIndex,
		PairID:     pos.PairID,
		FilledAt:   time.Now(),
	}, nil
}

func (b *SimulatedBroker) GetPositions(ctx context.Context) ([]models.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out, nil
}

func (b *SimulatedBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, exists := b.positions[symbol]
	if !exists {
		return nil, fmt.Errorf("simulated broker: no open position for %s: %w", symbol, apperr.ErrNotFound)
	}
	return &p, nil
}

func (b *SimulatedBroker) GetBalance(ctx context.Context) (models.Balance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balance, nil
}

var _ Broker = (*SimulatedBroker)(nil)
