package tradeengine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lowtide/convergence/internal/models"
)

// StartWatchdogs launches the risk (15s) and market-hours (60s) background
// watchdogs for this instance. Idempotent.
func (e *Engine) StartWatchdogs() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.watchdogsRunning {
		return
	}
	e.stopCh = make(chan struct{})
	e.watchdogsRunning = true

	e.wg.Add(2)
	go e.riskWatchdogLoop()
	go e.marketHoursWatchdogLoop()
}

// StopWatchdogs signals termination and joins both loops within 2s.
func (e *Engine) StopWatchdogs() {
	e.runMu.Lock()
	if !e.watchdogsRunning {
		e.runMu.Unlock()
		return
	}
	close(e.stopCh)
	e.watchdogsRunning = false
	e.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(watchdogStopJoinTimeout):
		log.Warn().Str("instance_id", e.cfg.InstanceID).Msg("watchdogs did not stop within join timeout, abandoning")
	}
}

func (e *Engine) riskWatchdogLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(riskWatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.riskTick(context.Background())
		}
	}
}

// riskTick closes the open position and halts the engine if its PnL has
// breached -stop_loss_pct.
func (e *Engine) riskTick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isStopped {
		return
	}
	pos, err := e.store.GetOpenPosition(e.cfg.InstanceID, e.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", e.cfg.InstanceID).Msg("risk watchdog: load position failed")
		return
	}
	if pos == nil {
		return
	}

	price, err := e.broker.Quote(ctx, e.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", e.cfg.InstanceID).Msg("risk watchdog: quote failed")
		return
	}

	pnlPct, ok := pnlPercent(pos.Side, pos.EntryPrice, price, e.cfg.Leverage)
	if !ok {
		return
	}
	if pnlPct.InexactFloat64() > -e.cfg.StopLossPct {
		return
	}

	e.closeLocked(ctx, "single-trade stop-loss")
	e.isStopped = true

	ev := models.RiskEvent{
		Source: e.cfg.InstanceID, EventType: "stop_loss_breach", Severity: models.RiskSeverityHigh,
		Description: "single-trade stop-loss breached, engine halted", AffectedSymbols: e.cfg.Symbol,
		CreatedAt: time.Now(),
	}
	if err := e.store.SaveRiskEvent(ev); err != nil {
		log.Warn().Err(err).Msg("save stop-loss risk event failed")
	}
	if e.alerts != nil {
		if err := e.alerts.Send(ctx, e.cfg.Symbol, "", "stop-loss breached, engine halted — operator reset required"); err != nil {
			log.Warn().Err(err).Msg("stop-loss alert dispatch failed")
		}
	}
}

func (e *Engine) marketHoursWatchdogLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(marketHoursWatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.marketHoursTick(context.Background())
		}
	}
}

// marketHoursTick closes any open position once the current Shanghai hour
// enters the instance's forbidden set.
func (e *Engine) marketHoursTick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isStopped || !e.inForbiddenHour(time.Now()) {
		return
	}
	pos, err := e.store.GetOpenPosition(e.cfg.InstanceID, e.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("instance_id", e.cfg.InstanceID).Msg("market-hours watchdog: load position failed")
		return
	}
	if pos == nil {
		return
	}
	e.closeLocked(ctx, "market-hours auto-close")
}
