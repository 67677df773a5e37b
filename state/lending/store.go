package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"reservebank/crypto"
	"reservebank/native/lending"
	"reservebank/storage"
)

var (
	bankPrefix     = []byte("lending/bank/")
	accountPrefix  = []byte("lending/account/")
	positionPrefix = []byte("lending/position/")
	bankIndexKey   = []byte("lending/index/banks")
	userIndexKey   = []byte("lending/index/users")
)

func hashedKey(prefix []byte, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(prefix)+64)
	buf = append(buf, prefix...)
	for i, part := range parts {
		if i > 0 {
			buf = append(buf, '/')
		}
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func bankKey(asset string) []byte { return hashedKey(bankPrefix, []byte(asset)) }

func accountKey(addr []byte) []byte { return hashedKey(accountPrefix, addr) }

func positionKey(addr []byte, asset string) []byte {
	return hashedKey(positionPrefix, addr, []byte(asset))
}

type storedParams struct {
	Decimals                uint64
	MaxLtvBps               uint64
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	CloseFactorBps          uint64
	ReserveFactorBps        uint64
	BaseRateBps             uint64
	Slope1Bps               uint64
	Slope2Bps               uint64
	KinkBps                 uint64
}

type storedBank struct {
	Asset              string
	TotalDepositShares *big.Int
	TotalBorrowShares  *big.Int
	DepositIndex       *big.Int
	BorrowIndex        *big.Int
	LastAccrual        uint64
	Reserves           *big.Int
	Params             storedParams
	CreatedAt          uint64
}

type storedAccount struct {
	Address   []byte
	Assets    []string
	CreatedAt uint64
}

type storedPosition struct {
	User          []byte
	Asset         string
	DepositShares *big.Int
	BorrowShares  *big.Int
}

func encodeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func decodeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v)).UTC()
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func newStoredBank(b *lending.Bank) *storedBank {
	p := b.Params
	return &storedBank{
		Asset:              b.Asset,
		TotalDepositShares: nonNil(b.TotalDepositShares),
		TotalBorrowShares:  nonNil(b.TotalBorrowShares),
		DepositIndex:       nonNil(b.DepositIndex),
		BorrowIndex:        nonNil(b.BorrowIndex),
		LastAccrual:        encodeTime(b.LastAccrual),
		Reserves:           nonNil(b.Reserves),
		Params: storedParams{
			Decimals:                uint64(p.Decimals),
			MaxLtvBps:               p.MaxLtvBps,
			LiquidationThresholdBps: p.LiquidationThresholdBps,
			LiquidationBonusBps:     p.LiquidationBonusBps,
			CloseFactorBps:          p.CloseFactorBps,
			ReserveFactorBps:        p.ReserveFactorBps,
			BaseRateBps:             p.BaseRateBps,
			Slope1Bps:               p.Slope1Bps,
			Slope2Bps:               p.Slope2Bps,
			KinkBps:                 p.KinkBps,
		},
		CreatedAt: encodeTime(b.CreatedAt),
	}
}

func (s *storedBank) toBank() (*lending.Bank, error) {
	if s.Params.Decimals > 255 {
		return nil, fmt.Errorf("state: bank %s decimals %d out of range", s.Asset, s.Params.Decimals)
	}
	return &lending.Bank{
		Asset:              s.Asset,
		TotalDepositShares: nonNil(s.TotalDepositShares),
		TotalBorrowShares:  nonNil(s.TotalBorrowShares),
		DepositIndex:       nonNil(s.DepositIndex),
		BorrowIndex:        nonNil(s.BorrowIndex),
		LastAccrual:        decodeTime(s.LastAccrual),
		Reserves:           nonNil(s.Reserves),
		Params: lending.BankParams{
			Decimals:                uint8(s.Params.Decimals),
			MaxLtvBps:               s.Params.MaxLtvBps,
			LiquidationThresholdBps: s.Params.LiquidationThresholdBps,
			LiquidationBonusBps:     s.Params.LiquidationBonusBps,
			CloseFactorBps:          s.Params.CloseFactorBps,
			ReserveFactorBps:        s.Params.ReserveFactorBps,
			BaseRateBps:             s.Params.BaseRateBps,
			Slope1Bps:               s.Params.Slope1Bps,
			Slope2Bps:               s.Params.Slope2Bps,
			KinkBps:                 s.Params.KinkBps,
		},
		CreatedAt: decodeTime(s.CreatedAt),
	}, nil
}

func addressFromBytes(b []byte) (crypto.Address, error) {
	if len(b) != crypto.AddressLength {
		return crypto.Address{}, fmt.Errorf("state: stored address has %d bytes", len(b))
	}
	return crypto.NewAddress(crypto.UserPrefix, b), nil
}

// Store persists lending engine records in a storage.Database. Records are
// RLP encoded under keccak hashed keys; two index records list the known
// banks and users so snapshots can enumerate them.
type Store struct {
	db storage.Database
	// mu serialises commits so index updates are not lost.
	mu sync.Mutex
}

// NewStore wraps db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) get(key []byte, out interface{}) (bool, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) index(key []byte) ([][]byte, error) {
	var list [][]byte
	if _, err := s.get(key, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetBank returns the stored bank for asset.
func (s *Store) GetBank(asset string) (*lending.Bank, bool, error) {
	var stored storedBank
	ok, err := s.get(bankKey(asset), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	bank, err := stored.toBank()
	if err != nil {
		return nil, false, err
	}
	return bank, true, nil
}

// ListBanks returns every bank sorted by asset.
func (s *Store) ListBanks() ([]*lending.Bank, error) {
	assets, err := s.index(bankIndexKey)
	if err != nil {
		return nil, err
	}
	out := make([]*lending.Bank, 0, len(assets))
	for _, asset := range assets {
		bank, ok, err := s.GetBank(string(asset))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("state: indexed bank %s missing", asset)
		}
		out = append(out, bank)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// GetUserAccount returns the account for addr.
func (s *Store) GetUserAccount(addr crypto.Address) (*lending.UserAccount, bool, error) {
	var stored storedAccount
	ok, err := s.get(accountKey(addr.Bytes()), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &lending.UserAccount{
		Address:   addr,
		Assets:    append([]string(nil), stored.Assets...),
		CreatedAt: decodeTime(stored.CreatedAt),
	}, true, nil
}

// ListAccounts returns every account in address byte order.
func (s *Store) ListAccounts() ([]*lending.UserAccount, error) {
	users, err := s.index(userIndexKey)
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool { return string(users[i]) < string(users[j]) })
	out := make([]*lending.UserAccount, 0, len(users))
	for _, raw := range users {
		addr, err := addressFromBytes(raw)
		if err != nil {
			return nil, err
		}
		acct, ok, err := s.GetUserAccount(addr)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("state: indexed account %s missing", addr)
		}
		out = append(out, acct)
	}
	return out, nil
}

// GetPosition returns the position of addr in asset.
func (s *Store) GetPosition(addr crypto.Address, asset string) (*lending.UserPosition, bool, error) {
	var stored storedPosition
	ok, err := s.get(positionKey(addr.Bytes(), asset), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &lending.UserPosition{
		User:          addr,
		Asset:         stored.Asset,
		DepositShares: nonNil(stored.DepositShares),
		BorrowShares:  nonNil(stored.BorrowShares),
	}, true, nil
}

// ListPositions returns every stored position, ordered by user then asset.
func (s *Store) ListPositions() ([]*lending.UserPosition, error) {
	accounts, err := s.ListAccounts()
	if err != nil {
		return nil, err
	}
	var out []*lending.UserPosition
	for _, acct := range accounts {
		for _, asset := range acct.Assets {
			pos, ok, err := s.GetPosition(acct.Address, asset)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, pos)
			}
		}
	}
	return out, nil
}

// Commit writes the batch and any index changes in one database batch.
func (s *Store) Commit(batch *lending.Batch) error {
	if batch.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wb := s.db.NewBatch()
	var newBanks, newUsers [][]byte
	for _, bank := range batch.Banks {
		encoded, err := rlp.EncodeToBytes(newStoredBank(bank))
		if err != nil {
			return fmt.Errorf("state: encode bank %s: %w", bank.Asset, err)
		}
		key := bankKey(bank.Asset)
		exists, err := s.db.Has(key)
		if err != nil {
			return err
		}
		if !exists {
			newBanks = append(newBanks, []byte(bank.Asset))
		}
		wb.Put(key, encoded)
	}
	for _, acct := range batch.Accounts {
		raw := acct.Address.Bytes()
		encoded, err := rlp.EncodeToBytes(&storedAccount{
			Address:   raw,
			Assets:    append([]string(nil), acct.Assets...),
			CreatedAt: encodeTime(acct.CreatedAt),
		})
		if err != nil {
			return fmt.Errorf("state: encode account: %w", err)
		}
		key := accountKey(raw)
		exists, err := s.db.Has(key)
		if err != nil {
			return err
		}
		if !exists {
			newUsers = append(newUsers, raw)
		}
		wb.Put(key, encoded)
	}
	for _, pos := range batch.Positions {
		raw := pos.User.Bytes()
		encoded, err := rlp.EncodeToBytes(&storedPosition{
			User:          raw,
			Asset:         pos.Asset,
			DepositShares: nonNil(pos.DepositShares),
			BorrowShares:  nonNil(pos.BorrowShares),
		})
		if err != nil {
			return fmt.Errorf("state: encode position: %w", err)
		}
		wb.Put(positionKey(raw, pos.Asset), encoded)
	}
	if err := s.appendIndex(wb, bankIndexKey, newBanks); err != nil {
		return err
	}
	if err := s.appendIndex(wb, userIndexKey, newUsers); err != nil {
		return err
	}
	return wb.Write()
}

func (s *Store) appendIndex(wb storage.Batch, key []byte, add [][]byte) error {
	if len(add) == 0 {
		return nil
	}
	list, err := s.index(key)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(list))
	for _, entry := range list {
		seen[string(entry)] = struct{}{}
	}
	for _, entry := range add {
		if _, ok := seen[string(entry)]; ok {
			continue
		}
		seen[string(entry)] = struct{}{}
		list = append(list, append([]byte(nil), entry...))
	}
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	wb.Put(key, encoded)
	return nil
}
