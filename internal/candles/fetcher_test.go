package candles

import (
	"context"
	"errors"
	"testing"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKlineAPI struct {
	pages       [][]*futures.Kline
	call        int
	failAtCall  int // 1-indexed; 0 means never fail
	exchangeErr error
	exchangeInf *futures.ExchangeInfo
}

func (f *fakeKlineAPI) GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]*futures.Kline, error) {
	f.call++
	if f.failAtCall == f.call {
		return nil, errors.New("simulated transport failure")
	}
	idx := f.call - 1
	if idx >= len(f.pages) {
		return nil, nil
	}
	return f.pages[idx], nil
}

func (f *fakeKlineAPI) GetExchangeInfo(ctx context.Context) (*futures.ExchangeInfo, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchangeInf, nil
}

func mkKline(openTime, closeTime int64) *futures.Kline {
	return &futures.Kline{
		OpenTime:  openTime,
		CloseTime: closeTime,
		Open:      "100.0",
		High:      "101.0",
		Low:       "99.0",
		Close:     "100.5",
		Volume:    "10.0",
	}
}

func TestFetchBatch_SinglePage(t *testing.T) {
	api := &fakeKlineAPI{
		pages: [][]*futures.Kline{
			{mkKline(1000, 1999), mkKline(2000, 2999), mkKline(3000, 3999)},
		},
	}
	f := &BinanceCandleFetcher{api: api}

	candles, err := f.FetchBatch(context.Background(), "BTCUSDT", "1h", 3, 0)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.Equal(t, int64(1000), candles[0].OpenTimeMs)
	assert.Equal(t, int64(3000), candles[2].OpenTimeMs)
	assert.Less(t, candles[0].OpenTimeMs, candles[1].OpenTimeMs)
}

func TestFetchBatch_FirstPageFailureIsUnavailable(t *testing.T) {
	api := &fakeKlineAPI{failAtCall: 1}
	f := &BinanceCandleFetcher{api: api}

	_, err := f.FetchBatch(context.Background(), "BTCUSDT", "1h", 10, 0)
	require.Error(t, err)
}

func TestFetchBatch_PartialResultsOnLaterPageFailure(t *testing.T) {
	api := &fakeKlineAPI{
		pages: [][]*futures.Kline{
			make([]*futures.Kline, 1000),
		},
		failAtCall: 2,
	}
	for i := range api.pages[0] {
		api.pages[0][i] = mkKline(int64(i*1000), int64(i*1000+999))
	}
	f := &BinanceCandleFetcher{api: api}

	candles, err := f.FetchBatch(context.Background(), "BTCUSDT", "1h", 1500, 0)
	require.NoError(t, err, "a failure past the first page must return partial results, not an error")
	assert.Len(t, candles, 1000)
}

func TestFetchSymbolsUSDT_FiltersTradingPerpetualUSDT(t *testing.T) {
	api := &fakeKlineAPI{
		exchangeInf: &futures.ExchangeInfo{
			Symbols: []futures.Symbol{
				{Symbol: "BTCUSDT", Status: "TRADING", QuoteAsset: "USDT", ContractType: "PERPETUAL"},
				{Symbol: "ETHUSDT", Status: "TRADING", QuoteAsset: "USDT", ContractType: "PERPETUAL"},
				{Symbol: "BTCUSD_PERP", Status: "TRADING", QuoteAsset: "USD", ContractType: "PERPETUAL"},
				{Symbol: "XYZUSDT", Status: "BREAK", QuoteAsset: "USDT", ContractType: "PERPETUAL"},
			},
		},
	}
	f := &BinanceCandleFetcher{api: api}

	syms := f.FetchSymbolsUSDT(context.Background())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, syms)
}

func TestFetchSymbolsUSDT_FallsBackOnError(t *testing.T) {
	api := &fakeKlineAPI{exchangeErr: errors.New("network down")}
	f := &BinanceCandleFetcher{api: api}

	syms := f.FetchSymbolsUSDT(context.Background())
	assert.Equal(t, fallbackSymbols, syms)
}

func TestFetchSymbolsUSDT_UsesCacheOnSubsequentError(t *testing.T) {
	api := &fakeKlineAPI{
		exchangeInf: &futures.ExchangeInfo{
			Symbols: []futures.Symbol{
				{Symbol: "BTCUSDT", Status: "TRADING", QuoteAsset: "USDT", ContractType: "PERPETUAL"},
			},
		},
	}
	f := &BinanceCandleFetcher{api: api}

	first := f.FetchSymbolsUSDT(context.Background())
	require.Equal(t, []string{"BTCUSDT"}, first)

	api.exchangeInf = nil
	api.exchangeErr = errors.New("now failing")
	second := f.FetchSymbolsUSDT(context.Background())
	assert.Equal(t, []string{"BTCUSDT"}, second, "a prior successful fetch must be served while still fresh/on later failure")
}
