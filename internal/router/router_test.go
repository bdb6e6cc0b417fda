package router

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokerpkg "github.com/lowtide/convergence/internal/broker"
	"github.com/lowtide/convergence/internal/models"
)

type fakeBroker struct {
	mu        sync.Mutex
	price     decimal.Decimal
	openCalls int
}

func (b *fakeBroker) Name() string { return "fake" }
func (b *fakeBroker) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}
func (b *fakeBroker) OpenMarketPosition(ctx context.Context, symbol string, side models.PositionSide, quantity, collateral decimal.Decimal, leverage int) (*brokerpkg.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openCalls++
	return &brokerpkg.Fill{Price: decimal.NewFromInt(100), Quantity: quantity, TradeIndex: int64(b.openCalls), PairID: "p", FilledAt: time.Now()}, nil
}
func (b *fakeBroker) ClosePosition(ctx context.Context, symbol, pairID string, tradeIndex int64) (*brokerpkg.Fill, error) {
	return &brokerpkg.Fill{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), FilledAt: time.Now()}, nil
}
func (b *fakeBroker) GetPositions(ctx context.Context) ([]models.Position, error) { return nil, nil }
func (b *fakeBroker) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	return nil, nil
}
func (b *fakeBroker) GetBalance(ctx context.Context) (models.Balance, error) {
	return models.Balance{Symbol: "USDT", Cash: decimal.NewFromInt(1000), Equity: decimal.NewFromInt(1000)}, nil
}
func (b *fakeBroker) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openCalls
}

type fakeStore struct {
	mu       sync.Mutex
	bindings map[string]models.UserInstanceBinding
}

func newFakeStore() *fakeStore { return &fakeStore{bindings: make(map[string]models.UserInstanceBinding)} }

func (s *fakeStore) SaveOrder(order models.Order) error                      { return nil }
func (s *fakeStore) GetOrder(orderID string) (*models.Order, error)          { return nil, nil }
func (s *fakeStore) GetOrdersBySource(source string) ([]models.Order, error) { return nil, nil }
func (s *fakeStore) SaveTrade(trade models.Trade) error                      { return nil }
func (s *fakeStore) GetTradesBySource(source string) ([]models.Trade, error) { return nil, nil }
func (s *fakeStore) SavePosition(pos models.Position) error                 { return nil }
func (s *fakeStore) GetOpenPosition(source, symbol string) (*models.Position, error) {
	return nil, nil
}
func (s *fakeStore) GetAllPositions(source string) ([]models.Position, error) { return nil, nil }
func (s *fakeStore) SaveRiskEvent(ev models.RiskEvent) error                  { return nil }
func (s *fakeStore) SavePortfolioSnapshot(snap models.PortfolioSnapshot) error { return nil }
func (s *fakeStore) SaveMarketData(timeframe string, candle models.Candle) error { return nil }
func (s *fakeStore) SaveUserInstance(b models.UserInstanceBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.InstanceID] = b
	return nil
}
func (s *fakeStore) DeleteUserInstance(userID, instanceType, instanceID string) error { return nil }
func (s *fakeStore) GetUserInstanceIDs(userID, instanceType string) ([]string, error) {
	return nil, nil
}
func (s *fakeStore) GetUserInstanceConfigs(userID, instanceType string) ([]models.UserInstanceBinding, error) {
	return nil, nil
}
func (s *fakeStore) SaveCurrencyMonitorConfig(configJSON string) error { return nil }
func (s *fakeStore) GetCurrencyMonitorConfig() (string, bool, error)  { return "", false, nil }
func (s *fakeStore) DeleteCurrencyMonitorConfig() error               { return nil }

type fakeAlerter struct{}

func (fakeAlerter) Send(ctx context.Context, symbol, timeframe, body string) error { return nil }

func newTestRouter(webhookSecret string) (*Router, *fakeBroker) {
	b := &fakeBroker{}
	factory := func(exchange, instanceID, privateKey string) (brokerpkg.Broker, error) { return b, nil }
	rt := New(newFakeStore(), fakeAlerter{}, factory, "", webhookSecret)
	return rt, b
}

func doJSON(rt *Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	return rec
}

func registerInstance(t *testing.T, rt *Router, id, symbol, strategy string) {
	t.Helper()
	rec := doJSON(rt, http.MethodPost, "/register_instance", RegisterInstanceRequest{
		InstanceID: id, Exchange: "fake", Symbol: symbol, Leverage: 5,
		StopLossRatio: 5, TakeProfitRatio: 10, StrategyName: strategy,
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, cond(), "condition not met within timeout")
}

func TestRegisterInstance_CreatesAndReregisterUpdates(t *testing.T) {
	rt, _ := newTestRouter("")
	registerInstance(t, rt, "inst-1", "ETHUSDT", "s1")

	rec := doJSON(rt, http.MethodGet, "/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["count"])

	rec = doJSON(rt, http.MethodPost, "/register_instance", RegisterInstanceRequest{
		InstanceID: "inst-1", Exchange: "fake", Symbol: "BTCUSDT", Leverage: 10, StrategyName: "s1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(rt, http.MethodGet, "/instances", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["count"], "re-registering the same instance_id must update in place")
}

func TestUnregisterInstance_RemovesAndIsIdempotentlyRejected(t *testing.T) {
	rt, _ := newTestRouter("")
	registerInstance(t, rt, "inst-1", "ETHUSDT", "s1")

	rec := doJSON(rt, http.MethodPost, "/unregister_instance/inst-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(rt, http.MethodPost, "/unregister_instance/inst-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBalance_ReturnsBrokerBalance(t *testing.T) {
	rt, _ := newTestRouter("")
	registerInstance(t, rt, "inst-1", "ETHUSDT", "s1")

	rec := doJSON(rt, http.MethodGet, "/balance/inst-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ETHUSDT", resp["symbol"])
}

func TestWebhookSingle_DispatchesToNamedInstance(t *testing.T) {
	rt, b := newTestRouter("")
	registerInstance(t, rt, "inst-1", "ETHUSDT", "s1")

	rec := doJSON(rt, http.MethodPost, "/webhook/inst-1", models.Signal{
		SignalType: models.SignalBuy, Symbol: "ETHUSDT", PrevPosition: "flat", PrevSize: "0",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	pollUntil(t, time.Second, func() bool { return b.openCount() == 1 })
}

func TestWebhookBroadcast_FiltersByStrategyAndSymbol(t *testing.T) {
	rt, _ := newTestRouter("")
	bA := &fakeBroker{}
	bB := &fakeBroker{}
	rt.brokerFactory = func(exchange, instanceID, privateKey string) (brokerpkg.Broker, error) {
		if instanceID == "A" {
			return bA, nil
		}
		return bB, nil
	}
	rec := doJSON(rt, http.MethodPost, "/register_instance", RegisterInstanceRequest{
		InstanceID: "A", Exchange: "fake", Symbol: "ETHUSDT", StrategyName: "S1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(rt, http.MethodPost, "/register_instance", RegisterInstanceRequest{
		InstanceID: "B", Exchange: "fake", Symbol: "ETHUSDT", StrategyName: "S2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(rt, http.MethodPost, "/webhook", models.Signal{
		SignalType: models.SignalBuy, Symbol: "ETH", StrategyName: "S1",
		PrevPosition: "flat", PrevSize: "0",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["broadcast_count"], "scenario 6: only the matching-strategy instance is targeted")

	pollUntil(t, time.Second, func() bool { return bA.openCount() == 1 })
	assert.Equal(t, 0, bB.openCount(), "non-matching strategy instance must not receive the broadcast")
}

func TestTestSignal_DispatchesWithoutSignatureEvenWhenSecretConfigured(t *testing.T) {
	rt, b := newTestRouter("sekrit")
	registerInstance(t, rt, "inst-1", "ETHUSDT", "s1")

	rec := doJSON(rt, http.MethodPost, "/test/inst-1", models.Signal{
		SignalType: models.SignalBuy, Symbol: "ETHUSDT", PrevPosition: "flat", PrevSize: "0",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test signal accepted", resp["status"])
	pollUntil(t, time.Second, func() bool { return b.openCount() == 1 })
}

func TestTestSignal_UnknownInstanceReturns404(t *testing.T) {
	rt, _ := newTestRouter("")
	rec := doJSON(rt, http.MethodPost, "/test/ghost", models.Signal{
		SignalType: models.SignalBuy, Symbol: "ETHUSDT", PrevPosition: "flat", PrevSize: "0",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_HMACRejectsBadSignature(t *testing.T) {
	rt, b := newTestRouter("sekrit")
	registerInstance(t, rt, "inst-1", "ETHUSDT", "s1")

	body, _ := json.Marshal(models.Signal{SignalType: models.SignalBuy, Symbol: "ETHUSDT", PrevPosition: "flat", PrevSize: "0"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/inst-1", bytes.NewReader(body))
	req.Header.Set("X-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, b.openCount(), "P8: an invalid signature must not result in dispatch")
}

func TestWebhook_HMACAcceptsValidSignature(t *testing.T) {
	rt, b := newTestRouter("sekrit")
	registerInstance(t, rt, "inst-1", "ETHUSDT", "s1")

	body, _ := json.Marshal(models.Signal{SignalType: models.SignalBuy, Symbol: "ETHUSDT", PrevPosition: "flat", PrevSize: "0"})
	mac := hmac.New(sha256.New, []byte("sekrit"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook/inst-1", bytes.NewReader(body))
	req.Header.Set("X-Signature", sig)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	pollUntil(t, time.Second, func() bool { return b.openCount() == 1 })
}

func TestUpdateConfig_AppliesSubsetOfFields(t *testing.T) {
	rt, _ := newTestRouter("")
	registerInstance(t, rt, "inst-1", "ETHUSDT", "s1")

	newMargin := "200"
	rec := doJSON(rt, http.MethodPost, "/update_config/inst-1", UpdateConfigRequest{MarginAmount: &newMargin})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	updated, ok := resp["updated"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, updated, "margin_amount")

	inst, ok := rt.reg.get("inst-1")
	require.True(t, ok)
	assert.Equal(t, 200.0, inst.engine.Config().Margin.Value)
}

func TestReset_ClearsHalt(t *testing.T) {
	rt, _ := newTestRouter("")
	registerInstance(t, rt, "inst-1", "ETHUSDT", "s1")

	rec := doJSON(rt, http.MethodPost, "/reset/inst-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	inst, ok := rt.reg.get("inst-1")
	require.True(t, ok)
	_, halted := inst.engine.State()
	assert.False(t, halted, "reset must leave the engine un-halted")
}

func TestUnknownInstance_Returns404(t *testing.T) {
	rt, _ := newTestRouter("")
	rec := doJSON(rt, http.MethodGet, "/balance/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
