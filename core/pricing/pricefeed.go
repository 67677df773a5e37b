package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

var (
	// ErrStalePrice reports a quote older than its confidence window.
	ErrStalePrice = errors.New("pricing: price older than confidence window")
	// ErrOracleUnavailable reports that no usable quote could be obtained.
	ErrOracleUnavailable = errors.New("pricing: oracle unavailable")
)

// PriceStatus captures the health classification assigned to an oracle quote.
type PriceStatus string

const (
	// PriceStatusOK indicates the quote passed all configured guardrails.
	PriceStatusOK PriceStatus = "ok"
	// PriceStatusStale signals the quote exceeded the configured freshness window.
	PriceStatusStale PriceStatus = "stale"
)

// Quote is a single oracle observation for an asset.
type Quote struct {
	Asset string
	// Price is the value of one whole unit of the asset in the common quote
	// currency.
	Price *big.Rat
	// AsOf is the observation timestamp reported by the feed.
	AsOf time.Time
	// ConfidenceWindow bounds how long the observation may be used.
	ConfidenceWindow time.Duration
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := q
	if q.Price != nil {
		clone.Price = new(big.Rat).Set(q.Price)
	}
	return clone
}

// Status classifies the quote relative to now.
func (q Quote) Status(now time.Time) PriceStatus {
	if q.AsOf.IsZero() {
		return PriceStatusStale
	}
	if now.UTC().Sub(q.AsOf.UTC()) > q.ConfidenceWindow {
		return PriceStatusStale
	}
	return PriceStatusOK
}

// Oracle is the raw price source consulted by the guarded feed.
type Oracle interface {
	GetPrice(ctx context.Context, asset string) (Quote, error)
}

// PriceFeed exposes validated quotes to the lending engine.
type PriceFeed interface {
	// Price resolves a fresh quote or fails with ErrStalePrice or
	// ErrOracleUnavailable.
	Price(ctx context.Context, asset string) (Quote, error)
}

// GuardedFeed applies a call timeout and the staleness guard to an Oracle.
type GuardedFeed struct {
	oracle    Oracle
	timeout   time.Duration
	maxWindow time.Duration
	now       func() time.Time
}

// FeedOption customises a GuardedFeed.
type FeedOption func(*GuardedFeed)

// WithTimeout bounds each oracle call. Zero disables the bound.
func WithTimeout(d time.Duration) FeedOption {
	return func(f *GuardedFeed) { f.timeout = d }
}

// WithMaxConfidenceWindow caps the window accepted from the oracle.
func WithMaxConfidenceWindow(d time.Duration) FeedOption {
	return func(f *GuardedFeed) { f.maxWindow = d }
}

// WithClock overrides the wall clock used for staleness checks.
func WithClock(now func() time.Time) FeedOption {
	return func(f *GuardedFeed) {
		if now != nil {
			f.now = now
		}
	}
}

// NewGuardedFeed constructs the canonical price feed around the supplied oracle.
func NewGuardedFeed(oracle Oracle, opts ...FeedOption) (*GuardedFeed, error) {
	if oracle == nil {
		return nil, fmt.Errorf("pricing: oracle required")
	}
	feed := &GuardedFeed{oracle: oracle, timeout: 2 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(feed)
	}
	return feed, nil
}

// Price resolves the guarded quote for asset.
func (f *GuardedFeed) Price(ctx context.Context, asset string) (Quote, error) {
	if f == nil {
		return Quote{}, fmt.Errorf("%w: feed not initialised", ErrOracleUnavailable)
	}
	asset = strings.TrimSpace(asset)
	if ctx == nil {
		ctx = context.Background()
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	quote, err := f.oracle.GetPrice(ctx, asset)
	if err != nil {
		if errors.Is(err, ErrStalePrice) || errors.Is(err, ErrOracleUnavailable) {
			return Quote{}, err
		}
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, asset, err)
	}
	if quote.Price == nil || quote.Price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%w: %s: invalid oracle price", ErrOracleUnavailable, asset)
	}
	if f.maxWindow > 0 && (quote.ConfidenceWindow <= 0 || quote.ConfidenceWindow > f.maxWindow) {
		quote.ConfidenceWindow = f.maxWindow
	}
	now := f.now()
	if quote.Status(now) == PriceStatusStale {
		return Quote{}, fmt.Errorf("%w: %s aged %ds", ErrStalePrice, asset, computeAgeSeconds(quote.AsOf, now))
	}
	quote.Asset = asset
	return quote.Clone(), nil
}

func computeAgeSeconds(observed, now time.Time) uint32 {
	if observed.IsZero() || now.IsZero() {
		return math.MaxUint32
	}
	observed = observed.UTC()
	now = now.UTC()
	if observed.After(now) {
		return 0
	}
	seconds := now.Sub(observed) / time.Second
	if seconds < 0 {
		return 0
	}
	if seconds > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(seconds)
}
