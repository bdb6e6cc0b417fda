// Package monitor implements the MonitorService: concurrent, deduplicated,
// cooldown-gated polling of candle batches against the SpecialK strategy,
// with alert dispatch on trigger.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lowtide/convergence/internal/models"
	"github.com/lowtide/convergence/internal/strategy"
)

const (
	defaultPollInterval = 60 * time.Second
	defaultCooldown     = 10 * time.Minute
	defaultCandleLimit  = 500
	stopJoinTimeout     = 2 * time.Second
)

// CandleFetcher is the subset of candles.BinanceCandleFetcher the monitor
// needs, narrowed so tests can substitute a fake.
type CandleFetcher interface {
	FetchBatch(ctx context.Context, symbol, interval string, totalLimit int, endTimeMs int64) ([]models.Candle, error)
}

// Alerter is the subset of alert.Sink the monitor needs.
type Alerter interface {
	Send(ctx context.Context, symbol, timeframe, body string) error
}

// MonitorService owns the active (symbol, timeframe) pair set and runs the
// single background polling loop.
type MonitorService struct {
	fetcher         CandleFetcher
	sink            Alerter
	referenceSymbol string
	params          strategy.Params
	pollInterval    time.Duration
	cooldown        time.Duration
	candleLimit     int

	mu        sync.Mutex
	order     []string
	byKey     map[string]models.Pair
	lastSeen  map[string]int64
	alertedAt map[string]time.Time

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewMonitorService builds a MonitorService. referenceSymbol is the asset
// SpecialK compares the subject's momentum against (ETHUSDT by default).
func NewMonitorService(fetcher CandleFetcher, sink Alerter, referenceSymbol string) *MonitorService {
	return &MonitorService{
		fetcher:         fetcher,
		sink:            sink,
		referenceSymbol: referenceSymbol,
		params:          strategy.DefaultParams,
		pollInterval:    defaultPollInterval,
		cooldown:        defaultCooldown,
		candleLimit:     defaultCandleLimit,
		byKey:           make(map[string]models.Pair),
		lastSeen:        make(map[string]int64),
		alertedAt:       make(map[string]time.Time),
	}
}

// Start launches the background loop over the given initial pairs. Idempotent:
// calling Start while already running is a no-op.
func (m *MonitorService) Start(pairs []models.Pair) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}

	m.mu.Lock()
	for _, p := range pairs {
		m.addPairLocked(p)
	}
	configured := append([]string(nil), m.order...)
	m.mu.Unlock()

	log.Info().Strs("pairs", configured).Msg("monitor service starting")

	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true

	go m.loop()
}

// Stop signals termination and joins the loop within 2s, after which the
// worker is abandoned.
func (m *MonitorService) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	close(m.stopCh)
	done := m.done
	m.running = false
	m.runMu.Unlock()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		log.Warn().Msg("monitor service loop did not stop within join timeout, abandoning")
	}
}

func (m *MonitorService) loop() {
	defer close(m.done)
	for {
		m.sweep()
		select {
		case <-m.stopCh:
			return
		case <-time.After(m.pollInterval):
		}
	}
}

// AddPair adds a pair to the active set under lock. A re-add of an existing
// key is a no-op.
func (m *MonitorService) AddPair(p models.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addPairLocked(p)
}

func (m *MonitorService) addPairLocked(p models.Pair) {
	key := p.Key()
	if _, exists := m.byKey[key]; exists {
		return
	}
	m.byKey[key] = p
	m.order = append(m.order, key)
}

// RemovePair drops a pair and its last_seen/alerted_at state.
func (m *MonitorService) RemovePair(p models.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.Key()
	if _, exists := m.byKey[key]; !exists {
		return
	}
	delete(m.byKey, key)
	delete(m.lastSeen, key)
	delete(m.alertedAt, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// AlertedPairs returns pairs whose alerted_at falls within the cooldown
// window.
func (m *MonitorService) AlertedPairs() []models.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Pair
	for _, key := range m.order {
		at, ok := m.alertedAt[key]
		if ok && time.Since(at) < m.cooldown {
			out = append(out, m.byKey[key])
		}
	}
	return out
}

// sweep iterates the current pair set in insertion order, fetching fresh
// candles and running SpecialK on each. A per-pair fetch failure is logged
// and the pair skipped; the sweep never aborts.
func (m *MonitorService) sweep() {
	m.mu.Lock()
	pairs := make([]models.Pair, 0, len(m.order))
	for _, key := range m.order {
		pairs = append(pairs, m.byKey[key])
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, pair := range pairs {
		m.evaluatePair(ctx, pair)
	}
}

func (m *MonitorService) evaluatePair(ctx context.Context, pair models.Pair) {
	subject, err := m.fetcher.FetchBatch(ctx, pair.Symbol, pair.Interval, m.candleLimit, 0)
	if err != nil {
		log.Warn().Err(err).Str("symbol", pair.Symbol).Str("timeframe", pair.Timeframe).Msg("candle fetch failed, skipping pair for this tick")
		return
	}
	if len(subject) == 0 {
		return
	}

	reference, err := m.fetcher.FetchBatch(ctx, m.referenceSymbol, pair.Interval, m.candleLimit, 0)
	if err != nil || len(reference) == 0 {
		log.Warn().Err(err).Str("reference", m.referenceSymbol).Msg("reference candle fetch failed, skipping pair for this tick")
		return
	}

	key := pair.Key()
	last := subject[len(subject)-1]

	m.mu.Lock()
	if prev, ok := m.lastSeen[key]; ok && prev == last.CloseTimeMs {
		m.mu.Unlock()
		return
	}
	m.lastSeen[key] = last.CloseTimeMs
	m.mu.Unlock()

	n := len(subject)
	if len(reference) < n {
		n = len(reference)
	}
	subject = subject[len(subject)-n:]
	reference = reference[len(reference)-n:]

	closes := make([]float64, n)
	opens := make([]float64, n)
	refCloses := make([]float64, n)
	for i := 0; i < n; i++ {
		closes[i] = subject[i].Close
		opens[i] = subject[i].Open
		refCloses[i] = reference[i].Close
	}

	triggered, err := strategy.Detect(closes, opens, refCloses, m.params)
	if err != nil {
		log.Warn().Err(err).Str("symbol", pair.Symbol).Msg("strategy evaluation failed")
		return
	}
	if !triggered {
		return
	}

	m.mu.Lock()
	at, had := m.alertedAt[key]
	shouldSend := !had || time.Since(at) >= m.cooldown
	m.alertedAt[key] = time.Now()
	m.mu.Unlock()

	if !shouldSend {
		return
	}

	body := fmt.Sprintf("最新收盘价: %.8f", last.Close)
	if err := m.sink.Send(ctx, pair.Symbol, pair.Timeframe, body); err != nil {
		log.Warn().Err(err).Str("symbol", pair.Symbol).Msg("alert dispatch failed")
	}
}
