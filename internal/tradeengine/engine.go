// Package tradeengine implements the per-instance TradingEngine state
// machine: signal intent parsing, self-heal reconciliation,
// flatten-then-reverse position management, and risk/market-hours
// watchdogs.
package tradeengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/lowtide/convergence/internal/apperr"
	brokerpkg "github.com/lowtide/convergence/internal/broker"
	"github.com/lowtide/convergence/internal/models"
	"github.com/lowtide/convergence/internal/store"
)

const (
	riskWatchdogInterval        = 15 * time.Second
	marketHoursWatchdogInterval = 60 * time.Second
	watchdogStopJoinTimeout     = 2 * time.Second
	minMarginAmount             = 0.1
)

var shanghai = mustLoadShanghai()

func mustLoadShanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// Alerter is the subset of alert.Sink the engine needs.
type Alerter interface {
	Send(ctx context.Context, symbol, timeframe, body string) error
}

// Engine is a per-instance trading state machine. Every public operation is
// serialized by mu.
type Engine struct {
	store  store.SignalStore
	broker brokerpkg.Broker
	alerts Alerter

	mu            sync.Mutex
	cfg           models.InstanceConfig
	positionState models.InstanceState // StateFlat, StateLong or StateShort only
	isStopped     bool
	syncing       bool
	lastResetTime time.Time
	lastSignal    *models.SignalType
	lastIntent    *models.Intent

	runMu            sync.Mutex
	watchdogsRunning bool
	stopCh           chan struct{}
	wg               sync.WaitGroup
}

// New builds an Engine for one registered instance.
func New(cfg models.InstanceConfig, b brokerpkg.Broker, s store.SignalStore, alerts Alerter) *Engine {
	return &Engine{
		cfg:           cfg,
		broker:        b,
		store:         s,
		alerts:        alerts,
		positionState: models.StateFlat,
	}
}

// UpdateConfig applies a subset of configurable fields in place.
func (e *Engine) UpdateConfig(fn func(*models.InstanceConfig)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.cfg)
}

// Config returns a copy of the current instance configuration.
func (e *Engine) Config() models.InstanceConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// State returns the engine's current state and stop flag. HALTED (while
// stopped) and SYNCING take precedence over the FLAT/LONG/SHORT position state.
func (e *Engine) State() (models.InstanceState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isStopped {
		return models.StateHalted, true
	}
	if e.syncing {
		return models.StateSyncing, false
	}
	return e.positionState, false
}

// Reset clears is_stopped and records the reset time. It does NOT clear
// last_signal/last_intent — the next signal is evaluated fresh against
// whatever those still hold.
func (e *Engine) Reset(ctx context.Context) {
	e.mu.Lock()
	e.isStopped = false
	e.lastResetTime = time.Now()
	e.mu.Unlock()

	if e.alerts != nil {
		if err := e.alerts.Send(ctx, e.cfg.Symbol, "", "manual reset issued, engine resumed"); err != nil {
			log.Warn().Err(err).Str("instance_id", e.cfg.InstanceID).Msg("reset alert dispatch failed")
		}
	}
}

// SyncPosition resynchronizes in-memory state from the store (authoritative)
// and falls back to the broker if the store has no record.
func (e *Engine) SyncPosition(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncPositionLocked(ctx)
}

func (e *Engine) syncPositionLocked(ctx context.Context) {
	pos, err := e.store.GetOpenPosition(e.cfg.InstanceID, e.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", e.cfg.InstanceID).Msg("position resync from store failed")
		return
	}
	if pos != nil {
		e.positionState = sideToState(pos.Side)
		return
	}

	bpos, err := e.broker.GetPosition(ctx, e.cfg.Symbol)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			log.Warn().Err(err).Str("instance_id", e.cfg.InstanceID).Msg("position resync from broker failed")
		}
		e.positionState = models.StateFlat
		return
	}
	if bpos == nil {
		e.positionState = models.StateFlat
		return
	}
	e.positionState = sideToState(bpos.Side)
}

func sideToState(side models.PositionSide) models.InstanceState {
	if side == models.PositionSideLong {
		return models.StateLong
	}
	return models.StateShort
}

func stateToSide(state models.InstanceState) models.PositionSide {
	if state == models.StateShort {
		return models.PositionSideShort
	}
	return models.PositionSideLong
}

// ExecuteSignal is the entry point for an inbound webhook signal. It never
// returns an error to the caller path that matters (the HTTP handler):
// every broker/IO failure is logged and swallowed.
func (e *Engine) ExecuteSignal(ctx context.Context, sig models.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isStopped {
		log.Info().Str("instance_id", e.cfg.InstanceID).Msg("engine halted, dropping signal")
		return
	}
	if !models.SymbolsMatch(e.cfg.Symbol, sig.Symbol) {
		log.Info().Str("instance_id", e.cfg.InstanceID).Str("engine_symbol", e.cfg.Symbol).
			Str("signal_symbol", sig.Symbol).Msg("signal symbol mismatch, dropping")
		return
	}

	e.syncPositionLocked(ctx)

	intent := models.ParseIntent(sig.PrevPosition, sig.PrevSize)
	if intent == models.IntentUnknown {
		intent = models.IntentOpen // backward-compat default
	}

	prevSignal, prevIntent := e.lastSignal, e.lastIntent

	if (e.positionState == models.StateLong || e.positionState == models.StateShort) &&
		prevSignal != nil && *prevSignal == sig.SignalType &&
		intent == models.IntentOpen && prevIntent != nil && *prevIntent == models.IntentOpen {
		e.selfHeal(ctx)
		e.recordLastSignal(sig.SignalType, intent)
		return
	}

	if e.syncing {
		e.syncing = false
		e.recordLastSignal(sig.SignalType, intent)
		return
	}

	if sig.SignalType == models.SignalClose || intent == models.IntentClose {
		e.closeLocked(ctx, "signal close")
		e.recordLastSignal(sig.SignalType, intent)
		return
	}

	if intent == models.IntentOpen {
		if e.inForbiddenHour(time.Now()) {
			log.Info().Str("instance_id", e.cfg.InstanceID).Msg("open rejected: forbidden trading hour")
			e.recordLastSignal(sig.SignalType, intent)
			return
		}

		target := sig.SignalType.TargetSide()
		switch e.positionState {
		case models.StateLong, models.StateShort:
			if stateToSide(e.positionState) != target {
				e.closeLocked(ctx, "flatten before reverse")
			}
			// else: already at target side, no-op.
		case models.StateFlat:
			e.openLocked(ctx, target)
		}
	}

	e.recordLastSignal(sig.SignalType, intent)
}

func (e *Engine) recordLastSignal(st models.SignalType, intent models.Intent) {
	e.lastSignal = &st
	e.lastIntent = &intent
}

// selfHeal reconciles engine state with reality when a close signal has
// apparently been lost: the engine believes it holds a position and
// receives a repeat of the same open signal it already processed.
func (e *Engine) selfHeal(ctx context.Context) {
	e.closeLocked(ctx, "self-heal lost-signal reconciliation")
	e.syncing = true
	if e.alerts != nil {
		if err := e.alerts.Send(ctx, e.cfg.Symbol, "", "self-heal: forced close, repeated open signal while already positioned"); err != nil {
			log.Warn().Err(err).Str("instance_id", e.cfg.InstanceID).Msg("self-heal alert dispatch failed")
		}
	}
}

// openLocked places a market order and persists Order/Position/Trade on
// success. Broker rejection is logged and persisted as a medium risk_event;
// no state transition occurs.
func (e *Engine) openLocked(ctx context.Context, side models.PositionSide) {
	price, err := e.broker.Quote(ctx, e.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", e.cfg.InstanceID).Msg("quote failed, open aborted")
		return
	}

	margin := e.computeMarginAmount()
	leverage := decimal.NewFromFloat(e.cfg.Leverage)
	quantity := margin.Mul(leverage).Div(price)

	fill, err := e.broker.OpenMarketPosition(ctx, e.cfg.Symbol, side, quantity, margin, int(e.cfg.Leverage))
	if err != nil {
		e.persistBrokerRejection(fmt.Sprintf("open %s rejected: %v", side, err))
		return
	}

	now := time.Now()
	orderSide := models.OrderSideBuy
	if side == models.PositionSideShort {
		orderSide = models.OrderSideSell
	}

	order := models.Order{
		OrderID: uuid.New().String(), Source: e.cfg.InstanceID, Symbol: e.cfg.Symbol,
		Side: orderSide, Type: models.OrderTypeMarket, Quantity: fill.Quantity, Price: fill.Price,
		Status: models.OrderStatusFilled, CreatedAt: now,
	}
	if err := e.store.SaveOrder(order); err != nil {
		log.Warn().Err(err).Msg("save order failed")
	}

	pos := models.Position{
		Source: e.cfg.InstanceID, Symbol: e.cfg.Symbol, Side: side,
		Quantity: fill.Quantity, EntryPrice: fill.Price, Collateral: margin,
		CurrentPrice: fill.Price, UnrealizedPnL: decimal.Zero,
		TradeIndex: fill.TradeIndex, PairID: fill.PairID, OpenedAt: fill.FilledAt,
	}
	if err := e.store.SavePosition(pos); err != nil {
		log.Warn().Err(err).Msg("save position failed")
	}

	trade := models.Trade{
		TradeID: uuid.New().String(), OrderID: order.OrderID, Source: e.cfg.InstanceID,
		Symbol: e.cfg.Symbol, Side: orderSide, Quantity: fill.Quantity, Price: fill.Price,
		CreatedAt: now,
	}
	if err := e.store.SaveTrade(trade); err != nil {
		log.Warn().Err(err).Msg("save trade failed")
	}

	e.positionState = sideToState(side)
}

// closeLocked closes the instance's open position, if any, persisting the
// position update and a Trade with PnL. A no-op if no position is open.
func (e *Engine) closeLocked(ctx context.Context, reason string) {
	pos, err := e.store.GetOpenPosition(e.cfg.InstanceID, e.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", e.cfg.InstanceID).Msg("load open position for close failed")
		return
	}
	if pos == nil {
		e.positionState = models.StateFlat
		return
	}

	price, err := e.broker.Quote(ctx, e.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", e.cfg.InstanceID).Msg("quote failed, close aborted")
		return
	}

	fill, err := e.broker.ClosePosition(ctx, e.cfg.Symbol, pos.PairID, pos.TradeIndex)
	if err != nil {
		e.persistBrokerRejection(fmt.Sprintf("close %s rejected: %v", e.cfg.Symbol, err))
		return
	}

	now := time.Now()
	pnlPct, pnlOK := pnlPercent(pos.Side, pos.EntryPrice, fill.Price, e.cfg.Leverage)

	pos.ClosedAt = &now
	pos.CurrentPrice = fill.Price
	if pnlOK {
		pos.UnrealizedPnL = pnlPct
	}
	if err := e.store.SavePosition(*pos); err != nil {
		log.Warn().Err(err).Msg("save closed position failed")
	}

	closeSide := models.OrderSideSell
	if pos.Side == models.PositionSideShort {
		closeSide = models.OrderSideBuy
	}
	trade := models.Trade{
		TradeID: uuid.New().String(), OrderID: "", Source: e.cfg.InstanceID, Symbol: e.cfg.Symbol,
		Side: closeSide, Quantity: fill.Quantity, Price: pos.EntryPrice, Reason: reason, CreatedAt: now,
	}
	trade.ClosePrice = &fill.Price
	if pnlOK {
		pnlAmt := pnlPct.Div(decimal.NewFromInt(100)).Mul(pos.Collateral)
		trade.PnLPercent = &pnlPct
		trade.PnLAmount = &pnlAmt
	}
	if err := e.store.SaveTrade(trade); err != nil {
		log.Warn().Err(err).Msg("save close trade failed")
	}

	e.positionState = models.StateFlat
}

func (e *Engine) persistBrokerRejection(description string) {
	log.Warn().Str("instance_id", e.cfg.InstanceID).Str("description", description).Msg("broker rejected order")
	ev := models.RiskEvent{
		Source: e.cfg.InstanceID, EventType: "broker_rejected", Severity: models.RiskSeverityMedium,
		Description: description, AffectedSymbols: e.cfg.Symbol, CreatedAt: time.Now(),
	}
	if err := e.store.SaveRiskEvent(ev); err != nil {
		log.Warn().Err(err).Msg("save risk event failed")
	}
}

// pnlPercent computes leverage*direction*(current/entry-1)*100. The second
// return is false when either price is below the 0.01 sanity floor.
func pnlPercent(side models.PositionSide, entry, current decimal.Decimal, leverage float64) (decimal.Decimal, bool) {
	floor := decimal.NewFromFloat(0.01)
	if entry.LessThan(floor) || current.LessThan(floor) {
		return decimal.Zero, false
	}
	ratio := current.Div(entry).Sub(decimal.NewFromInt(1))
	pct := decimal.NewFromFloat(leverage).Mul(ratio).Mul(decimal.NewFromInt(100))
	if side == models.PositionSideShort {
		pct = pct.Neg()
	}
	return pct, true
}

// computeMarginAmount resolves the instance's margin_spec to a concrete
// amount, uniform-random over [min,max] for a range spec, rounded to 4
// decimals with a 0.1 floor.
func (e *Engine) computeMarginAmount() decimal.Decimal {
	var amount float64
	if e.cfg.Margin.Fixed {
		amount = e.cfg.Margin.Value
	} else {
		lo, hi := e.cfg.Margin.Min, e.cfg.Margin.Max
		amount = lo + rand.Float64()*(hi-lo)
	}
	amount = math.Round(amount*10000) / 10000
	if amount < minMarginAmount {
		amount = minMarginAmount
	}
	return decimal.NewFromFloat(amount)
}

func (e *Engine) inForbiddenHour(t time.Time) bool {
	hour := t.In(shanghai).Hour()
	return e.cfg.ForbiddenHours[hour]
}
