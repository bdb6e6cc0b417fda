// Package router implements the SignalRouter HTTP surface: instance
// registration/unregistration, balance lookup, webhook dispatch (single
// or broadcast), manual test-signal dispatch, and per-instance config
// update/reset, to per-instance TradingEngines.
package router

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	brokerpkg "github.com/lowtide/convergence/internal/broker"
	"github.com/lowtide/convergence/internal/models"
	"github.com/lowtide/convergence/internal/store"
	"github.com/lowtide/convergence/internal/tradeengine"
)

var validate = validator.New()

// BrokerFactory builds the Broker an instance trades through. The router
// never persists the credentials it's handed here; only the constructed
// Broker retains them, in memory, for its own process lifetime.
type BrokerFactory func(exchange, instanceID, privateKey string) (brokerpkg.Broker, error)

// Alerter is the subset of alert.Sink the router's engines need.
type Alerter interface {
	Send(ctx context.Context, symbol, timeframe, body string) error
}

// Router wires the instance registry to chi and owns every registered
// engine's lifecycle (create on register, stop watchdogs on unregister).
type Router struct {
	store         store.SignalStore
	alerts        Alerter
	brokerFactory BrokerFactory
	apiKey        string
	webhookSecret string

	reg *registry
	mux http.Handler
}

// New builds a Router. apiKey, if non-empty, is required via
// X-Signal-Router-Key on every endpoint, read-only ones included. webhookSecret, if
// non-empty, is required (as an HMAC-SHA256 hex digest of the raw body) via
// X-Signature on /webhook and /webhook/{id}.
func New(s store.SignalStore, alerts Alerter, factory BrokerFactory, apiKey, webhookSecret string) *Router {
	rt := &Router{
		store:         s,
		alerts:        alerts,
		brokerFactory: factory,
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
		reg:           newRegistry(),
	}
	rt.mux = rt.buildMux()
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

func (rt *Router) buildMux() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(httprate.LimitByIP(120, 1*time.Minute))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
			next.ServeHTTP(w, r)
		})
	})
	r.Use(rt.apiKeyMiddleware)

	r.Post("/register_instance", rt.handleRegisterInstance)
	r.Post("/unregister_instance/{id}", rt.handleUnregisterInstance)
	r.Get("/instances", rt.handleListInstances)
	r.Get("/balance/{id}", rt.handleBalance)
	r.Post("/webhook", rt.handleWebhookBroadcast)
	r.Post("/webhook/{id}", rt.handleWebhookSingle)
	r.Post("/test/{id}", rt.handleTestSignal)
	r.Post("/reset/{id}", rt.handleReset)
	r.Post("/update_config/{id}", rt.handleUpdateConfig)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("duration", time.Since(start)).Msg("request completed")
	})
}

// apiKeyMiddleware requires a matching X-Signal-Router-Key when rt.apiKey is
// configured. With no key configured, requests pass through (dev mode).
func (rt *Router) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-Signal-Router-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(rt.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verifySignature checks X-Signature against HMAC-SHA256(secret, body) in
// constant time. With no secret configured, every signature is accepted
// (P8 only binds when a secret is configured).
func verifySignature(secret string, body []byte, sig string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// instanceConfigView is the safe (secret-free) config shape returned to
// callers and persisted in the user_instances binding.
func instanceConfigView(cfg models.InstanceConfig) map[string]interface{} {
	hours := make([]int, 0, len(cfg.ForbiddenHours))
	for h, on := range cfg.ForbiddenHours {
		if on {
			hours = append(hours, h)
		}
	}
	return map[string]interface{}{
		"instance_id":      cfg.InstanceID,
		"exchange":         cfg.Exchange,
		"symbol":           cfg.Symbol,
		"leverage":         cfg.Leverage,
		"stop_loss_pct":    cfg.StopLossPct,
		"take_profit_pct":  cfg.TakeProfitPct,
		"forbidden_hours":  hours,
		"strategy_name":    cfg.StrategyName,
		"margin_spec":      cfg.Margin.Literal,
	}
}

func forbiddenHoursSet(hours []int) map[int]bool {
	out := make(map[int]bool, len(hours))
	for _, h := range hours {
		out[h] = true
	}
	return out
}

// RegisterInstanceRequest is the /register_instance payload.
type RegisterInstanceRequest struct {
	InstanceID      string  `json:"instance_id" validate:"required"`
	PrivateKey      string  `json:"private_key"`
	Exchange        string  `json:"exchange"`
	Symbol          string  `json:"symbol"`
	Leverage        float64 `json:"leverage"`
	MarginAmount    string  `json:"margin_amount"`
	StopLossRatio   float64 `json:"stop_loss_ratio"`
	TakeProfitRatio float64 `json:"take_profit_ratio"`
	ForbiddenHours  []int   `json:"forbidden_hours"`
	StrategyName    string  `json:"strategy_name"`
}

func (rt *Router) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	var req RegisterInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	margin := models.MarginSpec{Fixed: true, Value: 100, Literal: "100"}
	if req.MarginAmount != "" {
		m, err := parseMarginSpec(req.MarginAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		margin = m
	}

	cfg := models.InstanceConfig{
		InstanceID:     req.InstanceID,
		Exchange:       req.Exchange,
		Symbol:         req.Symbol,
		Leverage:       req.Leverage,
		StopLossPct:    req.StopLossRatio,
		TakeProfitPct:  req.TakeProfitRatio,
		ForbiddenHours: forbiddenHoursSet(req.ForbiddenHours),
		StrategyName:   req.StrategyName,
		Margin:         margin,
	}

	ctx := r.Context()

	if existing, ok := rt.reg.get(req.InstanceID); ok {
		existing.engine.UpdateConfig(func(c *models.InstanceConfig) { *c = cfg })
		rt.persistBinding(cfg)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "updated", "instance_id": req.InstanceID, "config": instanceConfigView(cfg),
		})
		return
	}

	b, err := rt.brokerFactory(req.Exchange, req.InstanceID, req.PrivateKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("broker init failed: %v", err))
		return
	}

	eng := tradeengine.New(cfg, b, rt.store, rt.alerts)
	eng.SyncPosition(ctx)
	eng.StartWatchdogs()
	rt.reg.put(req.InstanceID, &instance{engine: eng, broker: b})
	rt.persistBinding(cfg)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "registered", "instance_id": req.InstanceID, "config": instanceConfigView(cfg),
	})
}

func (rt *Router) persistBinding(cfg models.InstanceConfig) {
	blob, err := json.Marshal(instanceConfigView(cfg))
	if err != nil {
		log.Warn().Err(err).Msg("marshal instance config binding failed")
		return
	}
	b := models.UserInstanceBinding{
		InstanceType: "live", InstanceID: cfg.InstanceID,
		ConfigJSON: string(blob), CreatedAt: time.Now(),
	}
	if err := rt.store.SaveUserInstance(b); err != nil {
		log.Warn().Err(err).Str("instance_id", cfg.InstanceID).Msg("save instance binding failed")
	}
}

func (rt *Router) handleUnregisterInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := rt.reg.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}
	inst.engine.StopWatchdogs()
	rt.reg.delete(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered", "message": "instance stopped"})
}

func (rt *Router) handleListInstances(w http.ResponseWriter, r *http.Request) {
	all := rt.reg.all()
	list := make([]map[string]interface{}, 0, len(all))
	for id, inst := range all {
		cfg := inst.engine.Config()
		list = append(list, map[string]interface{}{
			"instance_id": id, "symbol": cfg.Symbol, "exchange": cfg.Exchange, "strategy": cfg.StrategyName,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(list), "instances": list})
}

func (rt *Router) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := rt.reg.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}
	bal, err := inst.broker.GetBalance(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("balance lookup failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": bal, "symbol": inst.engine.Config().Symbol})
}

func (rt *Router) handleWebhookSingle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !verifySignature(rt.webhookSecret, body, r.Header.Get("X-Signature")) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	var sig models.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signal JSON")
		return
	}

	inst, ok := rt.reg.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}
	go inst.engine.ExecuteSignal(context.Background(), sig)

	writeJSON(w, http.StatusOK, map[string]string{"status": "dispatched", "instance_id": id})
}

// handleTestSignal is the manual-test variant of handleWebhookSingle: same
// fire-and-forget dispatch to one instance, but it skips X-Signature
// verification since callers are trusted operators probing an instance, not
// an external webhook source.
func (rt *Router) handleTestSignal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var sig models.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signal JSON")
		return
	}

	inst, ok := rt.reg.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}
	go inst.engine.ExecuteSignal(context.Background(), sig)

	writeJSON(w, http.StatusOK, map[string]string{"status": "test signal accepted", "instance_id": id})
}

func (rt *Router) handleWebhookBroadcast(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !verifySignature(rt.webhookSecret, body, r.Header.Get("X-Signature")) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	var sig models.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid signal JSON")
		return
	}

	if sig.InstanceID != "" {
		inst, ok := rt.reg.get(sig.InstanceID)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown instance")
			return
		}
		go inst.engine.ExecuteSignal(context.Background(), sig)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "dispatched", "mode": "single", "instances": []string{sig.InstanceID}, "broadcast_count": 1,
		})
		return
	}

	var targets []string
	for id, inst := range rt.reg.all() {
		cfg := inst.engine.Config()
		if sig.StrategyName != "" && cfg.StrategyName != sig.StrategyName {
			continue
		}
		if sig.Symbol != "" && !models.SymbolsMatch(cfg.Symbol, sig.Symbol) {
			continue
		}
		targets = append(targets, id)
		go inst.engine.ExecuteSignal(context.Background(), sig)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "dispatched", "mode": "broadcast", "instances": targets, "broadcast_count": len(targets),
	})
}

func (rt *Router) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := rt.reg.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}
	inst.engine.Reset(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// UpdateConfigRequest carries any subset of configurable fields; nil/zero
// string pointers mean "leave unchanged".
type UpdateConfigRequest struct {
	MarginAmount    *string  `json:"margin_amount"`
	StopLossRatio   *float64 `json:"stop_loss_ratio"`
	TakeProfitRatio *float64 `json:"take_profit_ratio"`
	Leverage        *float64 `json:"leverage"`
	Symbol          *string  `json:"symbol"`
}

func (rt *Router) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := rt.reg.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instance")
		return
	}

	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var updated []string
	var parseErr error
	inst.engine.UpdateConfig(func(c *models.InstanceConfig) {
		if req.MarginAmount != nil {
			m, err := parseMarginSpec(*req.MarginAmount)
			if err != nil {
				parseErr = err
				return
			}
			c.Margin = m
			updated = append(updated, "margin_amount")
		}
		if req.StopLossRatio != nil {
			c.StopLossPct = *req.StopLossRatio
			updated = append(updated, "stop_loss_ratio")
		}
		if req.TakeProfitRatio != nil {
			c.TakeProfitPct = *req.TakeProfitRatio
			updated = append(updated, "take_profit_ratio")
		}
		if req.Leverage != nil {
			c.Leverage = *req.Leverage
			updated = append(updated, "leverage")
		}
		if req.Symbol != nil {
			c.Symbol = *req.Symbol
			updated = append(updated, "symbol")
		}
	})
	if parseErr != nil {
		writeError(w, http.StatusBadRequest, parseErr.Error())
		return
	}

	cfg := inst.engine.Config()
	rt.persistBinding(cfg)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "updated", "updated": updated, "current_config": instanceConfigView(cfg),
	})
}
