package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamblescope/wager-engine/internal/api"
	"github.com/gamblescope/wager-engine/internal/events"
	"github.com/gamblescope/wager-engine/internal/ledger"
	"github.com/gamblescope/wager-engine/internal/market"
	"github.com/gamblescope/wager-engine/internal/model"
	"github.com/gamblescope/wager-engine/internal/pricing"
	"github.com/gamblescope/wager-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires an in-memory store behind the full router and seeds
// an admin with 1000.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	bus := events.NewBus()
	l := ledger.New(ms, bus)
	reg := market.NewRegistry(ms, nil, bus, market.Options{})

	_, err := l.SeedAdmin(context.Background(), "admin", "admin", d(1000))
	require.NoError(t, err)

	svc := api.NewService(reg, l)
	return ms, api.NewRouter(svc, nil, api.RouterConfig{})
}

func do(t *testing.T, router chi.Router, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(api.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]any](t, w)["kind"].(string)
}

// openFunded registers username and deposits amount as the admin.
func openFunded(t *testing.T, router chi.Router, username string, amount float64) string {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/accounts", "", api.OpenAccountRequest{Username: username})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	acct := decodeBody[model.Account](t, w)

	if amount > 0 {
		w = do(t, router, "POST", "/api/v1/accounts/"+acct.ID+"/deposit", "admin", api.AmountRequest{Amount: d(amount)})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	return acct.ID
}

func createMarket(t *testing.T, router chi.Router, owner string, threshold float64) string {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/markets", owner, api.CreateMarketRequest{
		Threshold: d(threshold),
		Subject:   "Mathematics",
		TestName:  "Midterm",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeBody[model.MarketSnapshot](t, w).ID
}

func balance(t *testing.T, ms *store.MemoryStore, id string) decimal.Decimal {
	t.Helper()
	a, err := ms.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

// --- Health ---

func TestHealth(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

// --- Accounts ---

func TestAccounts_OpenDepositWithdraw(t *testing.T) {
	_, router := newTestEnv(t)
	id := openFunded(t, router, "alice", 0)

	// Self-service deposit.
	w := do(t, router, "POST", "/api/v1/accounts/"+id+"/deposit", id, api.AmountRequest{Amount: d(75)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeBody[model.Account](t, w).Balance.Equal(d(75)))

	w = do(t, router, "POST", "/api/v1/accounts/"+id+"/withdraw", id, api.AmountRequest{Amount: d(100)})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "InsufficientFundsError", errorKind(t, w))

	w = do(t, router, "POST", "/api/v1/accounts/"+id+"/withdraw", id, api.AmountRequest{Amount: d(0)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidAmountError", errorKind(t, w))

	w = do(t, router, "GET", "/api/v1/accounts/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[model.Account](t, w).Balance.Equal(d(75)))

	w = do(t, router, "GET", "/api/v1/accounts", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.Account](t, w), 2) // admin + alice
}

func TestAccounts_DepositForOthersNeedsAdmin(t *testing.T) {
	_, router := newTestEnv(t)
	alice := openFunded(t, router, "alice", 0)
	bob := openFunded(t, router, "bob", 0)

	w := do(t, router, "POST", "/api/v1/accounts/"+alice+"/deposit", bob, api.AmountRequest{Amount: d(5)})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PermissionError", errorKind(t, w))
}

func TestAccounts_DuplicateUsername(t *testing.T) {
	_, router := newTestEnv(t)
	openFunded(t, router, "alice", 0)

	w := do(t, router, "POST", "/api/v1/accounts", "", api.OpenAccountRequest{Username: "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", errorKind(t, w))
}

func TestAccounts_GrantAdmin(t *testing.T) {
	_, router := newTestEnv(t)
	alice := openFunded(t, router, "alice", 0)
	bob := openFunded(t, router, "bob", 0)

	w := do(t, router, "POST", "/api/v1/accounts/"+bob+"/admin", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, "POST", "/api/v1/accounts/"+alice+"/admin", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeBody[model.Account](t, w).IsPrivileged)
}

func TestAccounts_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/accounts/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFoundError", errorKind(t, w))
}

// --- Markets ---

func TestMarkets_CreateRequiresActor(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "POST", "/api/v1/markets", "", api.CreateMarketRequest{
		Threshold: d(70), Subject: "Physics", TestName: "Quiz",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMarkets_CreateValidation(t *testing.T) {
	_, router := newTestEnv(t)
	owner := openFunded(t, router, "owner", 0)

	w := do(t, router, "POST", "/api/v1/markets", owner, api.CreateMarketRequest{
		Threshold: d(120), Subject: "Physics", TestName: "Quiz",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", errorKind(t, w))
}

func TestMarkets_FullLifecycle(t *testing.T) {
	ms, router := newTestEnv(t)
	owner := openFunded(t, router, "owner", 0)
	a := openFunded(t, router, "a", 100)
	b := openFunded(t, router, "b", 300)
	id := createMarket(t, router, owner, 70)

	w := do(t, router, "POST", "/api/v1/markets/"+id+"/wagers", a, api.PlaceWagerRequest{Side: "higher", Stake: d(100)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decodeBody[market.Placement](t, w)
	assert.Equal(t, model.SideAbove, p.Wager.Side)

	w = do(t, router, "POST", "/api/v1/markets/"+id+"/wagers", b, api.PlaceWagerRequest{Side: "BELOW", Stake: d(300)})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, "GET", "/api/v1/markets/"+id+"/quote?side=above&stake=100", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	q := decodeBody[pricing.Quote](t, w)
	assert.True(t, q.Profit.Equal(d(150)), "got %s", q.Profit)

	w = do(t, router, "POST", "/api/v1/markets/"+id+"/settle", owner, map[string]any{"revealed_value": "80"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[model.SettlementResult](t, w)
	assert.Equal(t, model.SideAbove, res.WinningSide)

	assert.True(t, balance(t, ms, a).Equal(d(400)))
	assert.True(t, balance(t, ms, b).IsZero())

	w = do(t, router, "POST", "/api/v1/markets/"+id+"/settle", owner, map[string]any{"revealed_value": "80"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "InvalidStateError", errorKind(t, w))

	w = do(t, router, "GET", "/api/v1/markets", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeBody[[]model.MarketSnapshot](t, w))

	w = do(t, router, "GET", "/api/v1/markets?status=all", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.MarketSnapshot](t, w), 1)
}

func TestMarkets_WagerErrors(t *testing.T) {
	_, router := newTestEnv(t)
	owner := openFunded(t, router, "owner", 100)
	a := openFunded(t, router, "a", 10)
	id := createMarket(t, router, owner, 70)

	tests := []struct {
		name   string
		actor  string
		req    api.PlaceWagerRequest
		status int
		kind   string
	}{
		{"self wager", owner, api.PlaceWagerRequest{Side: "ABOVE", Stake: d(5)}, http.StatusConflict, "SelfWagerError"},
		{"overdraw", a, api.PlaceWagerRequest{Side: "ABOVE", Stake: d(50)}, http.StatusUnprocessableEntity, "InsufficientFundsError"},
		{"bad side", a, api.PlaceWagerRequest{Side: "MIDDLE", Stake: d(5)}, http.StatusBadRequest, "ValidationError"},
		{"zero stake", a, api.PlaceWagerRequest{Side: "ABOVE", Stake: d(0)}, http.StatusBadRequest, "ValidationError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/markets/"+id+"/wagers", tt.actor, tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, errorKind(t, w))
		})
	}

	w := do(t, router, "POST", "/api/v1/markets/nope/wagers", a, api.PlaceWagerRequest{Side: "ABOVE", Stake: d(1)})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMarkets_SettleRequiresValue(t *testing.T) {
	_, router := newTestEnv(t)
	owner := openFunded(t, router, "owner", 0)
	id := createMarket(t, router, owner, 70)

	w := do(t, router, "POST", "/api/v1/markets/"+id+"/settle", owner, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarkets_VoidAndClear(t *testing.T) {
	ms, router := newTestEnv(t)
	owner := openFunded(t, router, "owner", 0)
	a := openFunded(t, router, "a", 60)
	m1 := createMarket(t, router, owner, 50)
	m2 := createMarket(t, router, owner, 60)
	m3 := createMarket(t, router, owner, 70)

	for _, id := range []string{m1, m2, m3} {
		w := do(t, router, "POST", "/api/v1/markets/"+id+"/wagers", a, api.PlaceWagerRequest{Side: "ABOVE", Stake: d(20)})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	assert.True(t, balance(t, ms, a).IsZero())

	w := do(t, router, "POST", "/api/v1/markets/"+m1+"/void", owner, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, router, "POST", "/api/v1/markets/"+m1+"/void", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	vr := decodeBody[market.VoidResult](t, w)
	assert.Equal(t, model.StatusVoided, vr.Market.Status)
	assert.Len(t, vr.Refunds, 1)
	assert.True(t, balance(t, ms, a).Equal(d(20)))

	w = do(t, router, "DELETE", "/api/v1/markets?owner="+owner, "admin", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decodeBody[api.ClearResponse](t, w).Voided)
	assert.True(t, balance(t, ms, a).Equal(d(60)))
}

func TestMarkets_ListStatusFilter(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, "GET", "/api/v1/markets?status=closed", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMarkets_QuoteValidation(t *testing.T) {
	_, router := newTestEnv(t)
	owner := openFunded(t, router, "owner", 0)
	id := createMarket(t, router, owner, 70)

	w := do(t, router, "GET", "/api/v1/markets/"+id+"/quote?side=above&stake=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "GET", "/api/v1/markets/"+id+"/quote?side=sideways&stake=5", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Change feed ---

func TestWSHub_BroadcastsCommittedChanges(t *testing.T) {
	hub := api.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// No clients: broadcasting must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.HandleEvent(events.Event{Kind: events.WagerPlaced, MarketID: "m1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked")
	}
}

func TestWSHub_DeliversToClient(t *testing.T) {
	ms := store.NewMemoryStore()
	bus := events.NewBus()
	l := ledger.New(ms, bus)
	reg := market.NewRegistry(ms, nil, bus, market.Options{})
	hub := api.NewWSHub()
	bus.Subscribe(hub.HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(api.NewRouter(api.NewService(reg, l), hub, api.RouterConfig{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration races the dial returning, so keep publishing until the
	// client sees something.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish(events.Event{Kind: events.MarketCreated, MarketID: "m1"})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg api.WSMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, string(events.MarketCreated), msg.Type)
	assert.Equal(t, "m1", msg.MarketID)
}
