package pricing

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// StaticOracle serves operator-configured prices. It backs local deployments
// and deterministic tests.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	now    func() time.Time
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{quotes: make(map[string]Quote), now: time.Now}
}

// SetClock overrides the timestamp applied by SetPrice.
func (o *StaticOracle) SetClock(now func() time.Time) {
	if o == nil || now == nil {
		return
	}
	o.mu.Lock()
	o.now = now
	o.mu.Unlock()
}

// SetPrice records a quote observed at the oracle's current time.
func (o *StaticOracle) SetPrice(asset string, price *big.Rat, window time.Duration) {
	o.mu.RLock()
	now := o.now()
	o.mu.RUnlock()
	o.SetQuote(Quote{Asset: asset, Price: price, AsOf: now, ConfidenceWindow: window})
}

// SetQuote stores a fully specified quote.
func (o *StaticOracle) SetQuote(q Quote) {
	if o == nil {
		return
	}
	key := strings.TrimSpace(q.Asset)
	q.Asset = key
	o.mu.Lock()
	o.quotes[key] = q.Clone()
	o.mu.Unlock()
}

// Remove drops the quote for asset so subsequent lookups fail.
func (o *StaticOracle) Remove(asset string) {
	o.mu.Lock()
	delete(o.quotes, strings.TrimSpace(asset))
	o.mu.Unlock()
}

// GetPrice implements Oracle.
func (o *StaticOracle) GetPrice(ctx context.Context, asset string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.quotes[strings.TrimSpace(asset)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: no price for %s", ErrOracleUnavailable, asset)
	}
	return q.Clone(), nil
}
