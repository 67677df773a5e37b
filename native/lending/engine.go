package lending

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"reservebank/core/events"
	"reservebank/core/pricing"
	"reservebank/crypto"
	nativecommon "reservebank/native/common"
)

const moduleName = "lending"

// Engine orchestrates the state transitions for the lending module. Every
// mutating operation stages cloned records, validates them, moves funds and
// only then commits the batch.
type Engine struct {
	state     engineState
	feed      pricing.PriceFeed
	transfer  FundsTransfer
	authority Authority
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time
	period    time.Duration
	locks     *lockTable
}

// NewEngine constructs a lending engine over the supplied state and price feed.
func NewEngine(state engineState, feed pricing.PriceFeed) *Engine {
	return &Engine{
		state:   state,
		feed:    feed,
		emitter: events.NoopEmitter{},
		metrics: noopMetrics{},
		logger:  slog.Default().With("component", "lending-engine"),
		now:     time.Now,
		period:  DefaultAccrualPeriod,
		locks:   newLockTable(),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.state = state
}

func (e *Engine) SetPriceFeed(feed pricing.PriceFeed) {
	if e == nil {
		return
	}
	e.feed = feed
}

// SetTransfer configures the collaborator that moves underlying funds.
func (e *Engine) SetTransfer(t FundsTransfer) {
	if e == nil {
		return
	}
	e.transfer = t
}

// SetAuthority configures the administrative check used by InitBank.
func (e *Engine) SetAuthority(a Authority) {
	if e == nil {
		return
	}
	e.authority = a
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetMetrics(m Metrics) {
	if e == nil {
		return
	}
	if m == nil {
		m = noopMetrics{}
	}
	e.metrics = m
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.logger = logger.With("component", "lending-engine")
}

// SetClock overrides the wall clock driving accrual and event timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// SetAccrualPeriod sets the compounding period. Non-positive values are ignored.
func (e *Engine) SetAccrualPeriod(period time.Duration) {
	if e == nil || period <= 0 {
		return
	}
	e.period = period
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return nil
}

// InitBank creates the bank for asset. Only callers accepted by the
// configured Authority may create banks.
func (e *Engine) InitBank(ctx context.Context, caller crypto.Address, asset string, params BankParams) (bank *Bank, err error) {
	start := time.Now()
	defer func() { e.observe("init_bank", start, err) }()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.authority == nil || !e.authority.IsAdmin(caller) {
		return nil, ErrUnauthorized
	}
	asset = NormalizeAsset(asset)
	if asset == "" {
		return nil, fmt.Errorf("%w: asset required", ErrInvalidParameters)
	}
	params = params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	release := e.locks.lock(bankLockKey(asset))
	defer release()

	if _, exists, err := e.state.GetBank(asset); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: bank %s", ErrAlreadyExists, asset)
	}
	now := e.now().UTC()
	bank = NewBank(asset, params, now)
	batch := &Batch{}
	batch.PutBank(bank)
	if err := e.state.Commit(batch); err != nil {
		return nil, fmt.Errorf("lending engine: commit: %w", err)
	}
	e.metrics.RecordBank(bank.Asset, bank.DepositIndex, bank.BorrowIndex, 0)
	e.emit(events.LendingBankCreated{
		Asset:                   asset,
		Admin:                   caller,
		MaxLtvBps:               params.MaxLtvBps,
		LiquidationThresholdBps: params.LiquidationThresholdBps,
		Timestamp:               now.Unix(),
	})
	e.logger.Info("bank initialised", "asset", asset, "maxLtvBps", params.MaxLtvBps,
		"liquidationThresholdBps", params.LiquidationThresholdBps)
	return bank.Clone(), nil
}

// InitUser creates the user's record. Calling it again returns the existing
// record unchanged.
func (e *Engine) InitUser(ctx context.Context, user crypto.Address) (acct *UserAccount, err error) {
	start := time.Now()
	defer func() { e.observe("init_user", start, err) }()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if user.IsZero() {
		return nil, fmt.Errorf("%w: user address required", ErrInvalidParameters)
	}
	release := e.locks.lock(userLockKey(user))
	defer release()

	tx := e.begin(ctx)
	acct, err = tx.ensureAccount(user)
	if err != nil {
		return nil, err
	}
	if err := e.apply(tx, nil); err != nil {
		return nil, err
	}
	return acct.Clone(), nil
}

// Bank returns the accrued view of a bank without persisting the accrual.
func (e *Engine) Bank(ctx context.Context, asset string) (*Bank, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	asset = NormalizeAsset(asset)
	release := e.locks.lock(bankLockKey(asset))
	defer release()
	return e.begin(ctx).bank(asset)
}

// Banks lists every bank, accrued to now, ordered by asset.
func (e *Engine) Banks(ctx context.Context) ([]*Bank, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	banks, err := e.state.ListBanks()
	if err != nil {
		return nil, err
	}
	now := e.now()
	for _, bank := range banks {
		accrue(bank, now, e.period)
	}
	return banks, nil
}

// UserAccount returns the stored user record.
func (e *Engine) UserAccount(ctx context.Context, user crypto.Address) (*UserAccount, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	acct, ok, err := e.state.GetUserAccount(user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserNotFound
	}
	return acct, nil
}

// Position reports a user's shares and accrued amounts in one bank.
func (e *Engine) Position(ctx context.Context, user crypto.Address, asset string) (*PositionView, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	asset = NormalizeAsset(asset)
	releaseUser := e.locks.lock(userLockKey(user))
	defer releaseUser()
	releaseBank := e.locks.lock(bankLockKey(asset))
	defer releaseBank()

	tx := e.begin(ctx)
	bank, err := tx.bank(asset)
	if err != nil {
		return nil, err
	}
	pos, err := tx.position(user, asset)
	if err != nil {
		return nil, err
	}
	return &PositionView{
		Position: pos.Clone(),
		Deposit:  depositAmount(pos.DepositShares, bank.DepositIndex),
		Debt:     debtAmount(pos.BorrowShares, bank.BorrowIndex),
	}, nil
}

// Health values every position the user holds at current prices.
func (e *Engine) Health(ctx context.Context, user crypto.Address) (*HealthReport, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	releaseUser := e.locks.lock(userLockKey(user))
	defer releaseUser()
	acct, ok, err := e.state.GetUserAccount(user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserNotFound
	}
	releaseBanks := e.locks.lock(bankLockKeys(acct.Assets)...)
	defer releaseBanks()

	tx := e.begin(ctx)
	positions, err := tx.positionsOf(user, acct)
	if err != nil {
		return nil, err
	}
	prices, err := tx.prices(activeAssets(positions))
	if err != nil {
		return nil, err
	}
	return evaluateHealth(positions, tx.banks, prices)
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = ErrorCode(err)
		e.logger.Debug("lending operation rejected", "op", op, "error", err)
	}
	e.metrics.RecordOperation(op, outcome, time.Since(start))
}

// transferStep is the single funds movement an operation performs.
type transferStep struct {
	user   crypto.Address
	asset  string
	amount *big.Int
	credit bool
}

func (s *transferStep) run(ctx context.Context, t FundsTransfer) error {
	if s.credit {
		return t.Credit(ctx, s.user, s.asset, s.amount)
	}
	return t.Debit(ctx, s.user, s.asset, s.amount)
}

func (s *transferStep) reverse() *transferStep {
	return &transferStep{user: s.user, asset: s.asset, amount: s.amount, credit: !s.credit}
}

// apply moves funds and commits the staged records. A commit failure after a
// successful transfer is compensated by the reverse transfer.
func (e *Engine) apply(tx *txn, step *transferStep) error {
	if step != nil && e.transfer != nil {
		if err := step.run(tx.ctx, e.transfer); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
	}
	if err := e.state.Commit(tx.batch()); err != nil {
		if step != nil && e.transfer != nil {
			if cerr := step.reverse().run(context.WithoutCancel(tx.ctx), e.transfer); cerr != nil {
				e.logger.Error("compensating transfer failed", "user", step.user.String(),
					"asset", step.asset, "amount", step.amount.String(), "error", cerr)
			}
		}
		return fmt.Errorf("lending engine: commit: %w", err)
	}
	for asset := range tx.dirtyBanks {
		bank := tx.banks[asset]
		util, _ := bank.Utilisation().Float64()
		e.metrics.RecordBank(asset, bank.DepositIndex, bank.BorrowIndex, util)
	}
	for _, user := range tx.created {
		e.emit(events.LendingUserCreated{User: user, Timestamp: tx.now.Unix()})
	}
	return nil
}

// txn stages cloned records for one operation.
type txn struct {
	e         *Engine
	ctx       context.Context
	now       time.Time
	banks     map[string]*Bank
	accounts  map[string]*UserAccount
	positions map[string]*UserPosition

	dirtyBanks     map[string]struct{}
	dirtyAccounts  map[string]struct{}
	dirtyPositions map[string]struct{}
	created        []crypto.Address
}

func (e *Engine) begin(ctx context.Context) *txn {
	if ctx == nil {
		ctx = context.Background()
	}
	return &txn{
		e:              e,
		ctx:            ctx,
		now:            e.now().UTC(),
		banks:          make(map[string]*Bank),
		accounts:       make(map[string]*UserAccount),
		positions:      make(map[string]*UserPosition),
		dirtyBanks:     make(map[string]struct{}),
		dirtyAccounts:  make(map[string]struct{}),
		dirtyPositions: make(map[string]struct{}),
	}
}

// bank loads and accrues the bank. Accrual alone marks the bank dirty so it is
// persisted with the operation.
func (t *txn) bank(asset string) (*Bank, error) {
	if bank, ok := t.banks[asset]; ok {
		return bank, nil
	}
	bank, ok, err := t.e.state.GetBank(asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBankNotFound, asset)
	}
	if accrue(bank, t.now, t.e.period) {
		t.dirtyBanks[asset] = struct{}{}
	}
	t.banks[asset] = bank
	return bank, nil
}

func (t *txn) markBank(asset string) { t.dirtyBanks[asset] = struct{}{} }

func (t *txn) account(user crypto.Address) (*UserAccount, bool, error) {
	key := accountKey(user)
	if acct, ok := t.accounts[key]; ok {
		return acct, true, nil
	}
	acct, ok, err := t.e.state.GetUserAccount(user)
	if err != nil || !ok {
		return nil, false, err
	}
	t.accounts[key] = acct
	return acct, true, nil
}

// ensureAccount returns the user's record, creating it lazily.
func (t *txn) ensureAccount(user crypto.Address) (*UserAccount, error) {
	acct, ok, err := t.account(user)
	if err != nil {
		return nil, err
	}
	if ok {
		return acct, nil
	}
	acct = &UserAccount{Address: user, CreatedAt: t.now}
	key := accountKey(user)
	t.accounts[key] = acct
	t.dirtyAccounts[key] = struct{}{}
	t.created = append(t.created, user)
	return acct, nil
}

func (t *txn) addAsset(acct *UserAccount, asset string) {
	if acct.addAsset(asset) {
		t.dirtyAccounts[accountKey(acct.Address)] = struct{}{}
	}
}

// position loads the user's position, returning a zero position if absent.
func (t *txn) position(user crypto.Address, asset string) (*UserPosition, error) {
	key := positionKey(user, asset)
	if pos, ok := t.positions[key]; ok {
		return pos, nil
	}
	pos, ok, err := t.e.state.GetPosition(user, asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		pos = newPosition(user, asset)
	}
	t.positions[key] = pos
	return pos, nil
}

func (t *txn) markPosition(pos *UserPosition) {
	t.dirtyPositions[positionKey(pos.User, pos.Asset)] = struct{}{}
}

// positionsOf loads every position of the user keyed by asset, accruing the
// corresponding banks.
func (t *txn) positionsOf(user crypto.Address, acct *UserAccount) (map[string]*UserPosition, error) {
	out := make(map[string]*UserPosition, len(acct.Assets))
	for _, asset := range acct.Assets {
		if _, err := t.bank(asset); err != nil {
			return nil, err
		}
		pos, err := t.position(user, asset)
		if err != nil {
			return nil, err
		}
		out[asset] = pos
	}
	return out, nil
}

// prices resolves a fresh quote for each asset.
func (t *txn) prices(assets []string) (map[string]*big.Rat, error) {
	out := make(map[string]*big.Rat, len(assets))
	if len(assets) == 0 {
		return out, nil
	}
	if t.e.feed == nil {
		return nil, errNilFeed
	}
	for _, asset := range sortedUnique(assets) {
		quote, err := t.e.feed.Price(t.ctx, asset)
		if err != nil {
			return nil, err
		}
		out[asset] = quote.Price
	}
	return out, nil
}

func (t *txn) batch() *Batch {
	batch := &Batch{}
	for _, asset := range sortedKeys(t.dirtyBanks) {
		batch.PutBank(t.banks[asset])
	}
	for _, key := range sortedKeys(t.dirtyAccounts) {
		batch.PutAccount(t.accounts[key])
	}
	for _, key := range sortedKeys(t.dirtyPositions) {
		batch.PutPosition(t.positions[key])
	}
	return batch
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func activeAssets(positions map[string]*UserPosition) []string {
	assets := make([]string, 0, len(positions))
	for asset, pos := range positions {
		if !pos.IsEmpty() {
			assets = append(assets, asset)
		}
	}
	return assets
}

func positive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}
