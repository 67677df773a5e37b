package lending

import (
	"sort"
	"sync"

	"reservebank/crypto"
)

// Batch is the set of records an operation writes. State implementations must
// apply it atomically.
type Batch struct {
	Banks     []*Bank
	Accounts  []*UserAccount
	Positions []*UserPosition
}

func (b *Batch) PutBank(bank *Bank)            { b.Banks = append(b.Banks, bank) }
func (b *Batch) PutAccount(acct *UserAccount)  { b.Accounts = append(b.Accounts, acct) }
func (b *Batch) PutPosition(pos *UserPosition) { b.Positions = append(b.Positions, pos) }
func (b *Batch) Empty() bool {
	return b == nil || len(b.Banks)+len(b.Accounts)+len(b.Positions) == 0
}

type engineState interface {
	GetBank(asset string) (*Bank, bool, error)
	ListBanks() ([]*Bank, error)
	GetUserAccount(addr crypto.Address) (*UserAccount, bool, error)
	GetPosition(addr crypto.Address, asset string) (*UserPosition, bool, error)
	Commit(batch *Batch) error
}

// MemoryState keeps engine records in process memory.
type MemoryState struct {
	mu        sync.RWMutex
	banks     map[string]*Bank
	accounts  map[string]*UserAccount
	positions map[string]*UserPosition
}

func NewMemoryState() *MemoryState {
	return &MemoryState{
		banks:     make(map[string]*Bank),
		accounts:  make(map[string]*UserAccount),
		positions: make(map[string]*UserPosition),
	}
}

func accountKey(addr crypto.Address) string { return string(addr.Bytes()) }

func positionKey(addr crypto.Address, asset string) string {
	return string(addr.Bytes()) + "/" + asset
}

func (m *MemoryState) GetBank(asset string) (*Bank, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bank, ok := m.banks[asset]
	return bank.Clone(), ok, nil
}

func (m *MemoryState) ListBanks() ([]*Bank, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Bank, 0, len(m.banks))
	for _, bank := range m.banks {
		out = append(out, bank.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *MemoryState) GetUserAccount(addr crypto.Address) (*UserAccount, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[accountKey(addr)]
	return acct.Clone(), ok, nil
}

func (m *MemoryState) GetPosition(addr crypto.Address, asset string) (*UserPosition, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[positionKey(addr, asset)]
	return pos.Clone(), ok, nil
}

// Commit applies the batch under a single write lock.
func (m *MemoryState) Commit(batch *Batch) error {
	if batch.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bank := range batch.Banks {
		m.banks[bank.Asset] = bank.Clone()
	}
	for _, acct := range batch.Accounts {
		m.accounts[accountKey(acct.Address)] = acct.Clone()
	}
	for _, pos := range batch.Positions {
		m.positions[positionKey(pos.User, pos.Asset)] = pos.Clone()
	}
	return nil
}
