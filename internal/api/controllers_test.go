package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clob-agent/internal/engine"
	"clob-agent/internal/events"
	"clob-agent/internal/monitor"
	"clob-agent/internal/order"
	"clob-agent/internal/ratelimit"
	"clob-agent/internal/state"
	"clob-agent/internal/strategy"
	"clob-agent/pkg/db"
	"clob-agent/pkg/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const testSecret = "test-secret"

type stubEngine struct {
	mu        sync.Mutex
	submitted []strategy.Intent
	result    engine.ExecutionResult
	cancelErr error
	orders    map[string]order.Order
}

func (e *stubEngine) Submit(_ context.Context, in strategy.Intent) engine.ExecutionResult {
	e.mu.Lock()
	e.submitted = append(e.submitted, in)
	e.mu.Unlock()
	res := e.result
	res.Intent = in.Kind()
	return res
}

func (e *stubEngine) Preview(_ context.Context, in strategy.Intent) engine.ExecutionResult {
	return engine.ExecutionResult{Intent: in.Kind(), Preview: true}
}

func (e *stubEngine) Cancel(_ context.Context, id string) (engine.CancelOutcome, error) {
	if e.cancelErr != nil {
		return engine.CancelOutcome{}, e.cancelErr
	}
	return engine.CancelOutcome{Canceled: []string{id}}, nil
}

func (e *stubEngine) CancelMarket(_ context.Context, token string) (engine.CancelOutcome, error) {
	return engine.CancelOutcome{Canceled: []string{token + "-1"}}, nil
}

func (e *stubEngine) CancelAll(context.Context) (engine.CancelOutcome, error) {
	return engine.CancelOutcome{Canceled: []string{}}, nil
}

func (e *stubEngine) Order(id string) (order.Order, bool) {
	o, ok := e.orders[id]
	return o, ok
}

func (e *stubEngine) Orders(f order.Filter) []order.Order {
	var out []order.Order
	for _, o := range e.orders {
		if f.TokenID == "" || o.TokenID == f.TokenID {
			out = append(out, o)
		}
	}
	return out
}

func (e *stubEngine) Positions() []state.Position        { return []state.Position{{TokenID: "tok", Size: 10}} }
func (e *stubEngine) Portfolio() state.PortfolioSnapshot { return state.PortfolioSnapshot{AvailableBalance: 100} }

func (e *stubEngine) Status() engine.SystemStatus {
	return engine.SystemStatus{
		DemoMode:   true,
		RateLimits: []ratelimit.ClassStatus{{Class: "order_submit", Capacity: 10}},
	}
}

type stubHistory struct{}

func (stubHistory) GetOrder(_ context.Context, id string) (db.Order, error) {
	if id != "o-1" {
		return db.Order{}, db.ErrNotFound
	}
	return db.Order{ID: id, Status: "FILLED"}, nil
}

func (stubHistory) Transitions(_ context.Context, id string) ([]db.Transition, error) {
	return []db.Transition{{OrderID: id, FromStatus: "ACKNOWLEDGED", ToStatus: "FILLED"}}, nil
}

func (stubHistory) Fills(context.Context, string) ([]db.Fill, error) { return nil, nil }

type fixture struct {
	ts  *httptest.Server
	eng *stubEngine
	bus *events.Bus
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	eng := &stubEngine{orders: map[string]order.Order{
		"o-1": {ID: "o-1", TokenID: "tok", Status: order.StatusAcknowledged},
	}}
	bus := events.NewBus()
	deps := Deps{
		Engine:               eng,
		Metrics:              monitor.New(nil),
		Alerts:               monitor.NewRecent(5),
		History:              stubHistory{},
		Bus:                  bus,
		Config:               map[string]any{"private_key": "0x12...cdef"},
		JWTSecret:            testSecret,
		OperatorPasswordHash: hash,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	ts := httptest.NewServer(NewServer(deps).Router)
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, eng: eng, bus: bus}
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func login(t *testing.T, f *fixture) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	status := doJSONRequest(t, f.ts.Client(), http.MethodPost, f.ts.URL+"/api/auth/token", "", map[string]string{
		"password": "hunter22",
	}, &resp)
	if status != http.StatusOK || resp.Token == "" {
		t.Fatalf("login failed status=%d", status)
	}
	return resp.Token
}

func TestHealthAndPublicResources(t *testing.T) {
	f := newFixture(t)
	client := f.ts.Client()

	var health map[string]any
	if status := doJSONRequest(t, client, http.MethodGet, f.ts.URL+"/health", "", nil, &health); status != http.StatusOK {
		t.Fatalf("health status=%d", status)
	}
	if health["demo_mode"] != true {
		t.Fatalf("expected demo_mode in health, got %+v", health)
	}

	var limits []ratelimit.ClassStatus
	if status := doJSONRequest(t, client, http.MethodGet, f.ts.URL+"/api/rate-limits", "", nil, &limits); status != http.StatusOK {
		t.Fatalf("rate-limits status=%d", status)
	}
	if len(limits) != 1 || limits[0].Class != "order_submit" {
		t.Fatalf("unexpected limits %+v", limits)
	}

	var cfg map[string]any
	doJSONRequest(t, client, http.MethodGet, f.ts.URL+"/api/config", "", nil, &cfg)
	if cfg["private_key"] != "0x12...cdef" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	resp, err := client.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status=%d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, f.ts.Client(), http.MethodGet, f.ts.URL+"/api/orders", "", nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "MISSING_TOKEN" {
		t.Fatalf("expected 401 MISSING_TOKEN, got %d %s", status, resp.Code)
	}

	status = doJSONRequest(t, f.ts.Client(), http.MethodGet, f.ts.URL+"/api/orders", "not-a-jwt", nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "INVALID_TOKEN" {
		t.Fatalf("expected 401 INVALID_TOKEN, got %d %s", status, resp.Code)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	f := newFixture(t)
	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, f.ts.Client(), http.MethodPost, f.ts.URL+"/api/auth/token", "", map[string]string{
		"password": "wrong",
	}, &resp)
	if status != http.StatusUnauthorized || resp.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected 401 INVALID_CREDENTIALS, got %d %s", status, resp.Code)
	}
}

func TestLoginDisabledWithoutHash(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.OperatorPasswordHash = "" })
	status := doJSONRequest(t, f.ts.Client(), http.MethodPost, f.ts.URL+"/api/auth/token", "", map[string]string{
		"password": "hunter22",
	}, nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestSubmitIntentDecodesTaggedJSON(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	var res engine.ExecutionResult
	status := doJSONRequest(t, f.ts.Client(), http.MethodPost, f.ts.URL+"/api/intents", token, map[string]any{
		"type":       "place_limit",
		"token_id":   "tok",
		"side":       "buy",
		"price":      0.5,
		"size":       10,
		"order_type": "gtc",
	}, &res)
	if status != http.StatusOK {
		t.Fatalf("submit status=%d", status)
	}
	if res.Intent != strategy.KindPlaceLimit {
		t.Fatalf("unexpected intent %s", res.Intent)
	}
	if len(f.eng.submitted) != 1 {
		t.Fatalf("expected one submitted intent, got %d", len(f.eng.submitted))
	}
	pl, ok := f.eng.submitted[0].(strategy.PlaceLimit)
	if !ok || pl.Side != "BUY" || pl.OrderType != "GTC" {
		t.Fatalf("intent not normalized: %+v", f.eng.submitted[0])
	}
}

func TestSubmitIntentRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, f.ts.Client(), http.MethodPost, f.ts.URL+"/api/intents", token, map[string]any{
		"type": "moon",
	}, &resp)
	if status != http.StatusBadRequest || resp.Code != "UNKNOWN_INTENT" {
		t.Fatalf("expected 400 UNKNOWN_INTENT, got %d %s", status, resp.Code)
	}
}

func TestIntentErrorKindsMapToStatus(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)
	f.eng.result = engine.ExecutionResult{Error: &engine.ErrorInfo{Kind: errs.KindAdmissionTimeout, Code: "ADMISSION_TIMEOUT"}}

	status := doJSONRequest(t, f.ts.Client(), http.MethodPost, f.ts.URL+"/api/intents", token, map[string]any{
		"type": "cancel_all",
	}, nil)
	if status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", status)
	}

	var preview engine.ExecutionResult
	status = doJSONRequest(t, f.ts.Client(), http.MethodPost, f.ts.URL+"/api/intents/preview", token, map[string]any{
		"type": "cancel_all",
	}, &preview)
	if status != http.StatusOK || !preview.Preview {
		t.Fatalf("expected preview result, got %d %+v", status, preview)
	}
}

func TestOrderRoutes(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)
	client := f.ts.Client()

	var o order.Order
	if status := doJSONRequest(t, client, http.MethodGet, f.ts.URL+"/api/orders/o-1", token, nil, &o); status != http.StatusOK || o.ID != "o-1" {
		t.Fatalf("get order status=%d order=%+v", status, o)
	}
	if status := doJSONRequest(t, client, http.MethodGet, f.ts.URL+"/api/orders/missing", token, nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}

	var list []order.Order
	if status := doJSONRequest(t, client, http.MethodGet, f.ts.URL+"/api/orders?token_id=tok&open=true", token, nil, &list); status != http.StatusOK || len(list) != 1 {
		t.Fatalf("list status=%d len=%d", status, len(list))
	}

	var history struct {
		Transitions []db.Transition `json:"transitions"`
	}
	if status := doJSONRequest(t, client, http.MethodGet, f.ts.URL+"/api/orders/o-1/history", token, nil, &history); status != http.StatusOK || len(history.Transitions) != 1 {
		t.Fatalf("history status=%d %+v", status, history)
	}

	var out engine.CancelOutcome
	if status := doJSONRequest(t, client, http.MethodDelete, f.ts.URL+"/api/markets/tok/orders", token, nil, &out); status != http.StatusOK || len(out.Canceled) != 1 {
		t.Fatalf("cancel market status=%d out=%+v", status, out)
	}

	f.eng.cancelErr = errs.New(errs.KindInvalidState, "ORDER_IN_FLIGHT", "order o-1 has not been acknowledged")
	var errResp struct {
		Code string `json:"code"`
	}
	if status := doJSONRequest(t, client, http.MethodDelete, f.ts.URL+"/api/orders/o-1", token, nil, &errResp); status != http.StatusConflict || errResp.Code != "ORDER_IN_FLIGHT" {
		t.Fatalf("expected 409 ORDER_IN_FLIGHT, got %d %s", status, errResp.Code)
	}
}

func TestHistoryDisabledWithoutJournal(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.History = nil })
	token := login(t, f)
	status := doJSONRequest(t, f.ts.Client(), http.MethodGet, f.ts.URL+"/api/orders/o-1/history", token, nil, nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestPortfolioRoutes(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	var positions []state.Position
	if status := doJSONRequest(t, f.ts.Client(), http.MethodGet, f.ts.URL+"/api/positions", token, nil, &positions); status != http.StatusOK || len(positions) != 1 {
		t.Fatalf("positions status=%d %+v", status, positions)
	}
	var pf state.PortfolioSnapshot
	if status := doJSONRequest(t, f.ts.Client(), http.MethodGet, f.ts.URL+"/api/portfolio", token, nil, &pf); status != http.StatusOK || pf.AvailableBalance != 100 {
		t.Fatalf("portfolio status=%d %+v", status, pf)
	}
}

func TestStreamPushesBusEvents(t *testing.T) {
	f := newFixture(t)
	token := login(t, f)

	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/stream"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	f.bus.Publish(events.EventOrderUpdate, order.Update{Order: order.Order{ID: "o-1", Status: order.StatusFilled}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Event string       `json:"event"`
		Data  order.Update `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Event != string(events.EventOrderUpdate) || frame.Data.Order.ID != "o-1" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}
