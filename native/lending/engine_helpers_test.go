package lending

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"reservebank/core/events"
	"reservebank/core/pricing"
	"reservebank/crypto"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transferCall struct {
	user   string
	asset  string
	amount string
	credit bool
}

type recordingTransfer struct {
	mu         sync.Mutex
	calls      []transferCall
	failCredit error
	failDebit  error
}

func (r *recordingTransfer) Credit(_ context.Context, user crypto.Address, asset string, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCredit != nil {
		return r.failCredit
	}
	r.calls = append(r.calls, transferCall{user: user.String(), asset: asset, amount: amount.String(), credit: true})
	return nil
}

func (r *recordingTransfer) Debit(_ context.Context, user crypto.Address, asset string, amount *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDebit != nil {
		return r.failDebit
	}
	r.calls = append(r.calls, transferCall{user: user.String(), asset: asset, amount: amount.String()})
	return nil
}

func (r *recordingTransfer) Calls() []transferCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transferCall(nil), r.calls...)
}

type failingState struct {
	*MemoryState
	fail error
}

func (s *failingState) Commit(batch *Batch) error {
	if s.fail != nil {
		return s.fail
	}
	return s.MemoryState.Commit(batch)
}

func makeAddress(prefix crypto.AddressPrefix, suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(prefix, raw)
}

type harness struct {
	t        *testing.T
	engine   *Engine
	state    *failingState
	oracle   *pricing.StaticOracle
	clock    *testClock
	transfer *recordingTransfer
	events   *events.Recorder
	admin    crypto.Address
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newTestClock()
	oracle := pricing.NewStaticOracle()
	oracle.SetClock(clock.Now)
	feed, err := pricing.NewGuardedFeed(oracle, pricing.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	state := &failingState{MemoryState: NewMemoryState()}
	admin := makeAddress(crypto.AdminPrefix, 0xAA)

	engine := NewEngine(state, feed)
	engine.SetClock(clock.Now)
	transfer := &recordingTransfer{}
	engine.SetTransfer(transfer)
	engine.SetAuthority(NewStaticAuthority(admin))
	recorder := &events.Recorder{}
	engine.SetEmitter(recorder)

	return &harness{
		t:        t,
		engine:   engine,
		state:    state,
		oracle:   oracle,
		clock:    clock,
		transfer: transfer,
		events:   recorder,
		admin:    admin,
	}
}

// flatParams describes a zero-interest bank so scenario balances stay exact.
func flatParams(maxLtv, threshold uint64) BankParams {
	return BankParams{MaxLtvBps: maxLtv, LiquidationThresholdBps: threshold, LiquidationBonusBps: 500}
}

func (h *harness) initBank(asset string, params BankParams, price int64) {
	h.t.Helper()
	if _, err := h.engine.InitBank(context.Background(), h.admin, asset, params); err != nil {
		h.t.Fatalf("init bank %s: %v", asset, err)
	}
	h.setPrice(asset, big.NewRat(price, 1))
}

func (h *harness) setPrice(asset string, price *big.Rat) {
	h.oracle.SetPrice(asset, price, time.Minute)
}

func (h *harness) deposit(user crypto.Address, asset string, amount int64) {
	h.t.Helper()
	if _, err := h.engine.Deposit(context.Background(), user, asset, big.NewInt(amount)); err != nil {
		h.t.Fatalf("deposit %d %s: %v", amount, asset, err)
	}
}

func (h *harness) borrow(user crypto.Address, asset string, amount int64) error {
	_, err := h.engine.Borrow(context.Background(), user, asset, big.NewInt(amount))
	return err
}

func (h *harness) position(user crypto.Address, asset string) *PositionView {
	h.t.Helper()
	view, err := h.engine.Position(context.Background(), user, asset)
	if err != nil {
		h.t.Fatalf("position: %v", err)
	}
	return view
}

func (h *harness) bank(asset string) *Bank {
	h.t.Helper()
	bank, err := h.engine.Bank(context.Background(), asset)
	if err != nil {
		h.t.Fatalf("bank: %v", err)
	}
	return bank
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func expectInt(t *testing.T, label string, got *big.Int, want int64) {
	t.Helper()
	if got == nil || got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s: got %v want %d", label, got, want)
	}
}
