package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"reservebank/core/events"
	"reservebank/core/pricing"
	"reservebank/crypto"
	"reservebank/native/bank"
	nativecommon "reservebank/native/common"
	"reservebank/native/lending"
	"reservebank/services/lendingd/journal"
	"reservebank/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testEnv struct {
	t       *testing.T
	server  *httptest.Server
	ledger  *bank.Ledger
	hub     *Hub
	journal *journal.Journal
	admin   crypto.Address
	authCfg AuthConfig
	now     time.Time
}

func address(prefix crypto.AddressPrefix, b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	return crypto.NewAddress(prefix, raw)
}

func newTestEnv(t *testing.T, quota nativecommon.Quota) *testEnv {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	oracle := pricing.NewStaticOracle()
	oracle.SetClock(clock)
	oracle.SetPrice("USDC", big.NewRat(1, 1), time.Hour)
	oracle.SetPrice("SOL", big.NewRat(100, 1), time.Hour)
	feed, err := pricing.NewGuardedFeed(oracle, pricing.WithClock(clock))
	require.NoError(t, err)

	admin := address(crypto.AdminPrefix, 0xAD)
	engine := lending.NewEngine(lending.NewMemoryState(), feed)
	engine.SetClock(clock)
	engine.SetAuthority(lending.NewStaticAuthority(admin))
	ledger := bank.NewLedger(storage.NewMemDB())
	engine.SetTransfer(ledger)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	jrnl, err := journal.New(db, nil)
	require.NoError(t, err)
	hub := NewHub(nil)
	engine.SetEmitter(events.NewFanOut(jrnl, hub))

	authCfg := AuthConfig{HMACSecret: testSecret, Issuer: "lendingd-test"}
	srv := New(Config{
		Engine:      engine,
		Auth:        NewAuthenticator(authCfg, nil),
		RateLimiter: NewRateLimiter(RateLimit{}),
		Quota:       NewQuotaTracker(quota),
		Hub:         hub,
		Journal:     jrnl,
		Gatherer:    prometheus.NewRegistry(),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &testEnv{t: t, server: ts, ledger: ledger, hub: hub, journal: jrnl, admin: admin, authCfg: authCfg, now: now}
}

func (e *testEnv) token(subject crypto.Address, scopes ...string) string {
	e.t.Helper()
	token, err := IssueToken([]byte(testSecret), e.authCfg, subject, scopes, time.Hour, time.Now())
	require.NoError(e.t, err)
	return token
}

func (e *testEnv) do(method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(e.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) createBanks() {
	e.t.Helper()
	token := e.token(e.admin, ScopeWrite)
	for _, asset := range []string{"USDC", "SOL"} {
		resp, body := e.do(http.MethodPost, "/v1/banks", token, map[string]interface{}{
			"asset":                   asset,
			"maxLtvBps":               8000,
			"liquidationThresholdBps": 8500,
		})
		require.Equal(e.t, http.StatusCreated, resp.StatusCode, "body: %v", body)
	}
}

func (e *testEnv) fund(user crypto.Address, asset string, amount int64) {
	e.t.Helper()
	require.NoError(e.t, e.ledger.Mint(user, asset, big.NewInt(amount)))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nativecommon.Quota{})
	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateBankRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, nativecommon.Quota{})
	user := address(crypto.UserPrefix, 1)
	resp, body := env.do(http.MethodPost, "/v1/banks", env.token(user, ScopeWrite), map[string]interface{}{
		"asset": "USDC", "maxLtvBps": 8000, "liquidationThresholdBps": 8500,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "unauthorized", body["code"])

	env.createBanks()
	resp, body = env.do(http.MethodGet, "/v1/banks/USDC", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "USDC", body["asset"])
	resp, body = env.do(http.MethodGet, "/v1/banks/usdc", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "bank_not_found", body["code"])

	resp, body = env.do(http.MethodPost, "/v1/banks", env.token(env.admin, ScopeWrite), map[string]interface{}{
		"asset": "USDC", "maxLtvBps": 8000, "liquidationThresholdBps": 8500,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "already_exists", body["code"])
}

func TestWriteRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, nativecommon.Quota{})
	user := address(crypto.UserPrefix, 1)

	resp, body := env.do(http.MethodPost, "/v1/deposit", "", map[string]string{"asset": "USDC", "amount": "1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthenticated", body["code"])

	resp, body = env.do(http.MethodPost, "/v1/deposit", env.token(user, "lending:read"), map[string]string{"asset": "USDC", "amount": "1"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "forbidden", body["code"])

	bogus, err := IssueToken([]byte("another-secret-another-secret-xx"), env.authCfg, user, []string{ScopeWrite}, time.Hour, time.Now())
	require.NoError(t, err)
	resp, _ = env.do(http.MethodPost, "/v1/deposit", bogus, map[string]string{"asset": "USDC", "amount": "1"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDepositBorrowFlow(t *testing.T) {
	env := newTestEnv(t, nativecommon.Quota{})
	env.createBanks()
	lender := address(crypto.UserPrefix, 1)
	borrower := address(crypto.UserPrefix, 2)
	env.fund(lender, "USDC", 5_000)
	env.fund(borrower, "SOL", 10)

	resp, body := env.do(http.MethodPost, "/v1/deposit", env.token(lender, ScopeWrite), map[string]string{"asset": " USDC ", "amount": "5000"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	require.Equal(t, "5000", body["shares"])

	borrowerToken := env.token(borrower, ScopeWrite)
	resp, body = env.do(http.MethodPost, "/v1/deposit", borrowerToken, map[string]string{"asset": "SOL", "amount": "10"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)

	resp, body = env.do(http.MethodPost, "/v1/borrow", borrowerToken, map[string]string{"asset": "USDC", "amount": "800"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	balance, err := env.ledger.Balance(borrower, "USDC")
	require.NoError(t, err)
	require.Equal(t, int64(800), balance.Int64())

	resp, body = env.do(http.MethodPost, "/v1/borrow", borrowerToken, map[string]string{"asset": "USDC", "amount": "1"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "exceeds_ltv", body["code"])

	resp, body = env.do(http.MethodGet, "/v1/users/"+borrower.String()+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["state"])
	require.Equal(t, "800.000000", body["debt"])

	unfunded := env.token(address(crypto.UserPrefix, 6), ScopeWrite)
	resp, body = env.do(http.MethodPost, "/v1/deposit", unfunded, map[string]string{"asset": "USDC", "amount": "10"})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode, "body: %v", body)
	require.Equal(t, "transfer_failed", body["code"])

	resp, body = env.do(http.MethodPost, "/v1/repay", borrowerToken, map[string]string{"asset": "USDC", "amount": "300"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	require.Equal(t, "300", body["amount"])

	resp, body = env.do(http.MethodGet, "/v1/users/"+borrower.String(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	positions := body["positions"].([]interface{})
	require.Len(t, positions, 2)
	byAsset := map[string]map[string]interface{}{}
	for _, p := range positions {
		entry := p.(map[string]interface{})
		byAsset[entry["asset"].(string)] = entry
	}
	require.Equal(t, "500", byAsset["USDC"]["debt"])
	require.Equal(t, "10", byAsset["SOL"]["deposit"])
}

func TestInvalidRequests(t *testing.T) {
	env := newTestEnv(t, nativecommon.Quota{})
	env.createBanks()
	token := env.token(address(crypto.UserPrefix, 3), ScopeWrite)

	for _, amount := range []string{"0", "-5", "abc", "1" + strings.Repeat("0", 80)} {
		resp, body := env.do(http.MethodPost, "/v1/deposit", token, map[string]string{"asset": "USDC", "amount": amount})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "amount %q", amount)
		require.Equal(t, "invalid_amount", body["code"])
	}

	resp, body := env.do(http.MethodPost, "/v1/deposit", token, map[string]string{"asset": "DOGE", "amount": "5"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "bank_not_found", body["code"])

	resp, body = env.do(http.MethodPost, "/v1/deposit", token, map[string]string{"asset": "USDC", "amount": "5", "memo": "x"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", body["code"])

	resp, body = env.do(http.MethodGet, "/v1/users/not-an-address", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_address", body["code"])

	resp, body = env.do(http.MethodGet, "/v1/users/"+address(crypto.UserPrefix, 9).String(), "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "user_not_found", body["code"])
}

func TestQuotaRejectsExcessWrites(t *testing.T) {
	env := newTestEnv(t, nativecommon.Quota{MaxRequestsPerMin: 2, EpochSeconds: 3600})
	env.createBanks()
	user := address(crypto.UserPrefix, 4)
	env.fund(user, "USDC", 100)
	token := env.token(user, ScopeWrite)

	for i := 0; i < 2; i++ {
		resp, body := env.do(http.MethodPost, "/v1/deposit", token, map[string]string{"asset": "USDC", "amount": "1"})
		require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	}
	resp, body := env.do(http.MethodPost, "/v1/deposit", token, map[string]string{"asset": "USDC", "amount": "1"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "quota_requests", body["code"])
}

func TestRejectedBorrowKeepsAmountQuota(t *testing.T) {
	env := newTestEnv(t, nativecommon.Quota{MaxAmountPerEpoch: 150, EpochSeconds: 3600})
	env.createBanks()
	lender := address(crypto.UserPrefix, 6)
	borrower := address(crypto.UserPrefix, 7)
	env.fund(lender, "USDC", 120)
	env.fund(borrower, "SOL", 1)

	resp, body := env.do(http.MethodPost, "/v1/deposit", env.token(lender, ScopeWrite), map[string]string{"asset": "USDC", "amount": "120"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)
	borrowerToken := env.token(borrower, ScopeWrite)
	resp, body = env.do(http.MethodPost, "/v1/deposit", borrowerToken, map[string]string{"asset": "SOL", "amount": "1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)

	resp, body = env.do(http.MethodPost, "/v1/borrow", borrowerToken, map[string]string{"asset": "USDC", "amount": "100"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "exceeds_ltv", body["code"])

	// 1 + 80 fits the cap only if the rejected 100 was given back
	resp, body = env.do(http.MethodPost, "/v1/borrow", borrowerToken, map[string]string{"asset": "USDC", "amount": "80"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)

	resp, body = env.do(http.MethodPost, "/v1/borrow", borrowerToken, map[string]string{"asset": "USDC", "amount": "70"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "quota_amount", body["code"])
}

func TestJournalAndEventStream(t *testing.T) {
	env := newTestEnv(t, nativecommon.Quota{})
	env.createBanks()
	user := address(crypto.UserPrefix, 5)
	env.fund(user, "SOL", 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/events/ws?type=lending.deposited"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, body := env.do(http.MethodPost, "/v1/deposit", env.token(user, ScopeWrite), map[string]string{"asset": "SOL", "amount": "3"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %v", body)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg StreamMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, events.TypeLendingDeposited, msg.Type)
	require.Equal(t, "SOL", msg.Attributes["asset"])
	require.Equal(t, "3", msg.Attributes["amount"])

	resp, body = env.do(http.MethodGet, "/v1/journal?after=0&limit=50", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]interface{})
	// two bank creations, the lazily created user, then the deposit
	require.Len(t, entries, 4)
	last := entries[len(entries)-1].(map[string]interface{})
	require.Equal(t, events.TypeLendingDeposited, last["type"])
	require.Equal(t, body["head"], last["digest"])
	require.NoError(t, env.journal.Verify(ctx))

	resp, _ = env.do(http.MethodGet, "/v1/journal?limit=-1", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
