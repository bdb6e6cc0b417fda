package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowtide/convergence/internal/models"
)

// buildTriggerCandles reproduces an end-to-end SpecialK trigger fixture as
// a Candle series, so sweep() reliably triggers.
func buildTriggerCandles(symbol string, baseCloseTimeMs int64) []models.Candle {
	var closes []float64
	c := 100.0
	for i := 0; i < 60; i++ {
		closes = append(closes, c)
		c -= 0.15
	}
	c = 91.0
	for i := 0; i < 35; i++ {
		closes = append(closes, c)
		c += 0.25
	}
	dip := closes[len(closes)-1] - 1.0
	closes = append(closes, dip)
	c = dip
	for i := 0; i < 4; i++ {
		c *= 1.0122
		closes = append(closes, c)
	}

	out := make([]models.Candle, len(closes))
	prevClose := closes[0]
	for i, cl := range closes {
		out[i] = models.Candle{
			Symbol:      symbol,
			OpenTimeMs:  baseCloseTimeMs + int64(i)*1000,
			CloseTimeMs: baseCloseTimeMs + int64(i)*1000 + 999,
			Open:        prevClose,
			Close:       cl,
			High:        cl + 1,
			Low:         cl - 1,
			Volume:      1,
		}
		prevClose = cl
	}
	return out
}

func buildReferenceCandles(symbol string, baseCloseTimeMs int64, n int) []models.Candle {
	out := make([]models.Candle, n)
	r := 3000.0
	for i := 0; i < n; i++ {
		if i >= n-4 {
			r *= 1.0025
		} else {
			r += 0.1
		}
		out[i] = models.Candle{
			Symbol:      symbol,
			OpenTimeMs:  baseCloseTimeMs + int64(i)*1000,
			CloseTimeMs: baseCloseTimeMs + int64(i)*1000 + 999,
			Open:        r,
			Close:       r,
			High:        r + 1,
			Low:         r - 1,
		}
	}
	return out
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	// byCall maps a sweep index (advanced by advance()) to per-symbol candles
	byCall map[int]map[string][]models.Candle
}

func (f *fakeFetcher) FetchBatch(ctx context.Context, symbol, interval string, totalLimit int, endTimeMs int64) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.calls
	set, ok := f.byCall[call]
	if !ok {
		// reuse the last configured call's data once calls run out
		maxCall := 0
		for k := range f.byCall {
			if k > maxCall {
				maxCall = k
			}
		}
		set = f.byCall[maxCall]
	}
	return set[symbol], nil
}

func (f *fakeFetcher) advance() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

type fakeAlerter struct {
	mu   sync.Mutex
	sent int
}

func (a *fakeAlerter) Send(ctx context.Context, symbol, timeframe, body string) error {
	a.mu.Lock()
	a.sent++
	a.mu.Unlock()
	return nil
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

func TestSweep_DedupBySameCloseTime(t *testing.T) {
	subject := buildTriggerCandles("BTCUSDT", 1_000_000)
	reference := buildReferenceCandles("ETHUSDT", 1_000_000, len(subject))

	fetcher := &fakeFetcher{byCall: map[int]map[string][]models.Candle{
		0: {"BTCUSDT": subject, "ETHUSDT": reference},
	}}
	alerter := &fakeAlerter{}

	m := NewMonitorService(fetcher, alerter, "ETHUSDT")
	pair := models.Pair{Symbol: "BTCUSDT", Timeframe: "1小时", Interval: "1h"}
	m.AddPair(pair)

	m.sweep()
	require.Equal(t, 1, alerter.count(), "first sweep must trigger exactly one alert")

	m.mu.Lock()
	firstAlertedAt := m.alertedAt[pair.Key()]
	m.mu.Unlock()

	m.sweep() // identical candles, identical final close_time
	m.mu.Lock()
	secondAlertedAt := m.alertedAt[pair.Key()]
	m.mu.Unlock()

	assert.True(t, firstAlertedAt.Equal(secondAlertedAt), "alerted_at must not change when the terminal close_time repeats: strategy must not re-run")
}

func TestSweep_CooldownSuppressesRepeatAlert(t *testing.T) {
	subject0 := buildTriggerCandles("BTCUSDT", 1_000_000)
	reference0 := buildReferenceCandles("ETHUSDT", 1_000_000, len(subject0))
	subject1 := buildTriggerCandles("BTCUSDT", 2_000_000)
	reference1 := buildReferenceCandles("ETHUSDT", 2_000_000, len(subject1))

	fetcher := &fakeFetcher{byCall: map[int]map[string][]models.Candle{
		0: {"BTCUSDT": subject0, "ETHUSDT": reference0},
		1: {"BTCUSDT": subject1, "ETHUSDT": reference1},
	}}
	alerter := &fakeAlerter{}

	m := NewMonitorService(fetcher, alerter, "ETHUSDT")
	pair := models.Pair{Symbol: "BTCUSDT", Timeframe: "1小时", Interval: "1h"}
	m.AddPair(pair)

	m.sweep()
	require.Equal(t, 1, alerter.count())

	fetcher.advance()
	m.sweep() // new close_time, still triggers, but within the 10m cooldown
	assert.Equal(t, 1, alerter.count(), "a second trigger within the cooldown window must not send a second alert")
}

func TestAlertedPairs_ReflectsCooldownWindow(t *testing.T) {
	subject := buildTriggerCandles("BTCUSDT", 1_000_000)
	reference := buildReferenceCandles("ETHUSDT", 1_000_000, len(subject))
	fetcher := &fakeFetcher{byCall: map[int]map[string][]models.Candle{
		0: {"BTCUSDT": subject, "ETHUSDT": reference},
	}}
	alerter := &fakeAlerter{}

	m := NewMonitorService(fetcher, alerter, "ETHUSDT")
	pair := models.Pair{Symbol: "BTCUSDT", Timeframe: "1小时", Interval: "1h"}
	m.AddPair(pair)

	assert.Empty(t, m.AlertedPairs())
	m.sweep()
	assert.Equal(t, []models.Pair{pair}, m.AlertedPairs())

	m.mu.Lock()
	m.alertedAt[pair.Key()] = time.Now().Add(-11 * time.Minute)
	m.mu.Unlock()
	assert.Empty(t, m.AlertedPairs(), "an alerted_at older than 10m must be excluded")
}

func TestAddRemovePair(t *testing.T) {
	fetcher := &fakeFetcher{byCall: map[int]map[string][]models.Candle{0: {}}}
	m := NewMonitorService(fetcher, &fakeAlerter{}, "ETHUSDT")

	p1 := models.Pair{Symbol: "BTCUSDT", Timeframe: "1小时", Interval: "1h"}
	p2 := models.Pair{Symbol: "ETHUSDT", Timeframe: "1小时", Interval: "1h"}
	m.AddPair(p1)
	m.AddPair(p2)
	m.AddPair(p1) // duplicate add is a no-op

	m.mu.Lock()
	require.Equal(t, []string{p1.Key(), p2.Key()}, m.order)
	m.mu.Unlock()

	m.mu.Lock()
	m.lastSeen[p1.Key()] = 123
	m.alertedAt[p1.Key()] = time.Now()
	m.mu.Unlock()

	m.RemovePair(p1)
	m.mu.Lock()
	_, hasLastSeen := m.lastSeen[p1.Key()]
	_, hasAlertedAt := m.alertedAt[p1.Key()]
	require.Equal(t, []string{p2.Key()}, m.order)
	m.mu.Unlock()
	assert.False(t, hasLastSeen)
	assert.False(t, hasAlertedAt)
}

func TestStartStop_JoinsWithinTimeout(t *testing.T) {
	fetcher := &fakeFetcher{byCall: map[int]map[string][]models.Candle{0: {}}}
	m := NewMonitorService(fetcher, &fakeAlerter{}, "ETHUSDT")
	m.pollInterval = time.Millisecond

	m.Start(nil)
	time.Sleep(5 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}
