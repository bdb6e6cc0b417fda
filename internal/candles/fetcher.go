// Package candles fetches OHLCV candle batches and the tradable USDT
// perpetual symbol universe from Binance's USDT-margined futures API.
package candles

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"github.com/lowtide/convergence/internal/apperr"
	"github.com/lowtide/convergence/internal/models"
)

const (
	defaultBatchSize  = 1000
	minPageInterval   = 1 * time.Second
	symbolsCacheTTL   = 1 * time.Hour
	fetchBatchTimeout = 20 * time.Second
)

// fallbackSymbols is returned by FetchSymbolsUSDT when the exchange-info
// call fails and there is no cached value yet, matching the eight common
// symbols the original monitor hard-codes as a last resort.
var fallbackSymbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT",
	"XRPUSDT", "1000SHIBUSDT", "1000PEPEUSDT", "DOGEUSDT",
}

// klineAPI narrows the futures client down to what the fetcher needs, so
// tests can substitute a fake without a network dependency.
type klineAPI interface {
	GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]*futures.Kline, error)
	GetExchangeInfo(ctx context.Context) (*futures.ExchangeInfo, error)
}

type defaultKlineAPI struct {
	client *futures.Client
}

func (a *defaultKlineAPI) GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]*futures.Kline, error) {
	svc := a.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
	if startTime > 0 {
		svc = svc.StartTime(startTime)
	}
	if endTime > 0 {
		svc = svc.EndTime(endTime)
	}
	return svc.Do(ctx)
}

func (a *defaultKlineAPI) GetExchangeInfo(ctx context.Context) (*futures.ExchangeInfo, error) {
	return a.client.NewExchangeInfoService().Do(ctx)
}

// BinanceCandleFetcher implements CandleFetcher against Binance
// USDT-margined perpetual futures.
type BinanceCandleFetcher struct {
	api klineAPI

	mu           sync.Mutex
	cachedSyms   []string
	cachedAt     time.Time
}

// NewBinanceCandleFetcher builds a fetcher. apiKey/apiSecret may be empty;
// public endpoints (klines, exchange info) do not require authentication.
func NewBinanceCandleFetcher(apiKey, apiSecret string) *BinanceCandleFetcher {
	client := futures.NewClient(apiKey, apiSecret)
	return &BinanceCandleFetcher{api: &defaultKlineAPI{client: client}}
}

// FetchBatch pages backwards from endTimeMs (or now, if zero) until
// totalLimit candles are collected or the first page of history is
// exhausted. Pages wait ≥1s apart. A transport failure on any page after the
// first returns the candles collected so far; a failure on the first page
// returns apperr.ErrUnavailable.
func (f *BinanceCandleFetcher) FetchBatch(ctx context.Context, symbol, interval string, totalLimit int, endTimeMs int64) ([]models.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchBatchTimeout)
	defer cancel()

	var all []models.Candle
	nextEnd := endTimeMs
	firstPage := true

	for len(all) < totalLimit {
		limit := defaultBatchSize
		if remaining := totalLimit - len(all); remaining < limit {
			limit = remaining
		}

		klines, err := f.api.GetKlines(ctx, symbol, interval, 0, nextEnd, limit)
		if err != nil {
			if firstPage {
				return nil, fmt.Errorf("candles: fetch first page for %s %s: %w", symbol, interval, apperr.ErrUnavailable)
			}
			break
		}
		if len(klines) == 0 {
			break
		}

		page := make([]models.Candle, 0, len(klines))
		for _, k := range klines {
			page = append(page, klineToCandle(symbol, k))
		}
		// Prepend: klines for this page arrive ascending; pages walk backward.
		all = append(page, all...)

		firstKline := klines[0]
		nextEnd = firstKline.OpenTime - 1
		firstPage = false

		if len(klines) < limit {
			break
		}

		select {
		case <-ctx.Done():
			return all, nil
		case <-time.After(minPageInterval):
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].OpenTimeMs < all[j].OpenTimeMs })
	if len(all) > totalLimit {
		all = all[len(all)-totalLimit:]
	}
	return all, nil
}

// FetchSymbolsUSDT returns the sorted list of TRADING-status USDT perpetual
// symbols, cached for one hour. On failure it returns the last cached value,
// or the hard-coded fallback if nothing has ever been cached.
func (f *BinanceCandleFetcher) FetchSymbolsUSDT(ctx context.Context) []string {
	f.mu.Lock()
	if time.Since(f.cachedAt) < symbolsCacheTTL && f.cachedSyms != nil {
		cached := f.cachedSyms
		f.mu.Unlock()
		return cached
	}
	f.mu.Unlock()

	info, err := f.api.GetExchangeInfo(ctx)
	if err != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.cachedSyms != nil {
			return f.cachedSyms
		}
		return fallbackSymbols
	}

	var syms []string
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == "USDT" && s.ContractType == "PERPETUAL" {
			syms = append(syms, s.Symbol)
		}
	}
	if len(syms) == 0 {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.cachedSyms != nil {
			return f.cachedSyms
		}
		return fallbackSymbols
	}
	sort.Strings(syms)

	f.mu.Lock()
	f.cachedSyms = syms
	f.cachedAt = time.Now()
	f.mu.Unlock()

	return syms
}

func klineToCandle(symbol string, k *futures.Kline) models.Candle {
	open, _ := strconv.ParseFloat(k.Open, 64)
	high, _ := strconv.ParseFloat(k.High, 64)
	low, _ := strconv.ParseFloat(k.Low, 64)
	closePrice, _ := strconv.ParseFloat(k.Close, 64)
	volume, _ := strconv.ParseFloat(k.Volume, 64)

	return models.Candle{
		Symbol:      symbol,
		OpenTimeMs:  k.OpenTime,
		CloseTimeMs: k.CloseTime,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
	}
}

// TimeframeToInterval maps the Chinese timeframe labels used as
// models.Pair.Timeframe to Binance kline interval strings.
var TimeframeToInterval = map[string]string{
	"1小时": "1h",
	"2小时": "2h",
	"4小时": "4h",
	"天":   "1d",
	"周":   "1w",
}
