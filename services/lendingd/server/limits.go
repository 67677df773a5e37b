package server

import (
	"errors"
	"math"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reservebank/crypto"
	nativecommon "reservebank/native/common"
	"reservebank/observability"
)

// RateLimit bounds requests per client.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	limit    RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
	now      func() time.Time
	idleTTL  time.Duration
}

func NewRateLimiter(limit RateLimit) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		visitors: make(map[string]*rateEntry),
		now:      time.Now,
		idleTTL:  5 * time.Minute,
	}
}

// Middleware throttles requests per client. Authenticated callers are keyed
// by address, anonymous ones by remote IP.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil || r.limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, req)
			return
		}
		if !r.allow(clientID(req)) {
			observability.ModuleMetrics().RecordThrottle("lending", "rate_limit")
			writeProblem(w, http.StatusTooManyRequests, "rate_limited", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allow(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.visitors, key)
		}
	}
	entry, ok := r.visitors[id]
	if !ok {
		burst := r.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), burst)}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func clientID(r *http.Request) string {
	if caller, ok := CallerFromContext(r.Context()); ok {
		return "addr:" + caller.String()
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// QuotaTracker enforces per-caller request and amount quotas on write routes.
type QuotaTracker struct {
	quota nativecommon.Quota
	mu    sync.Mutex
	usage map[string]nativecommon.QuotaNow
	now   func() time.Time
}

func NewQuotaTracker(q nativecommon.Quota) *QuotaTracker {
	return &QuotaTracker{quota: q, usage: make(map[string]nativecommon.QuotaNow), now: time.Now}
}

// Charge records one request moving amount for caller.
func (q *QuotaTracker) Charge(caller crypto.Address, amount *big.Int) error {
	if q == nil || (q.quota.MaxRequestsPerMin == 0 && q.quota.MaxAmountPerEpoch == 0) {
		return nil
	}
	key := caller.String()
	q.mu.Lock()
	defer q.mu.Unlock()
	epoch := q.quota.EpochFor(q.now().Unix())
	next, err := nativecommon.CheckQuota(q.quota, epoch, q.usage[key], 1, quotaAmount(amount))
	if err != nil {
		return err
	}
	q.usage[key] = next
	return nil
}

// Refund returns amount to caller's epoch allowance after the charged
// operation failed. The request itself stays counted.
func (q *QuotaTracker) Refund(caller crypto.Address, amount *big.Int) {
	if q == nil || q.quota.MaxAmountPerEpoch == 0 {
		return
	}
	sub := quotaAmount(amount)
	if sub == 0 {
		return
	}
	key := caller.String()
	q.mu.Lock()
	defer q.mu.Unlock()
	usage, ok := q.usage[key]
	if !ok || usage.EpochID != q.quota.EpochFor(q.now().Unix()) {
		return
	}
	if usage.AmountUsed < sub {
		usage.AmountUsed = 0
	} else {
		usage.AmountUsed -= sub
	}
	q.usage[key] = usage
}

func quotaAmount(amount *big.Int) uint64 {
	if amount == nil || amount.Sign() <= 0 {
		return 0
	}
	if !amount.IsUint64() {
		return math.MaxUint64
	}
	return amount.Uint64()
}

func quotaReason(err error) string {
	switch {
	case errors.Is(err, nativecommon.ErrQuotaRequestsExceeded):
		return "quota_requests"
	case errors.Is(err, nativecommon.ErrQuotaAmountCapExceeded):
		return "quota_amount"
	default:
		return "quota_exceeded"
	}
}
