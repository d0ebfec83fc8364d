package governance

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxBuckets bounds the number of admission keys held in memory.
	DefaultMaxBuckets = 100_000

	// sweepBatch bounds how many idle buckets one cache miss may evict.
	sweepBatch = 16
)

// Bandwidth is one capacity and refill-rate constraint of a bucket.
// RefillAmount tokens are added evenly over every RefillPeriod, up to Capacity.
type Bandwidth struct {
	Capacity     int
	RefillPeriod time.Duration
	RefillAmount int
}

// Validate checks that the bandwidth can admit at least one token.
func (b Bandwidth) Validate() error {
	if b.Capacity <= 0 {
		return fmt.Errorf("bandwidth capacity must be positive, got %d", b.Capacity)
	}
	if b.RefillPeriod <= 0 {
		return fmt.Errorf("bandwidth refill period must be positive, got %s", b.RefillPeriod)
	}
	if b.RefillAmount <= 0 {
		return fmt.Errorf("bandwidth refill amount must be positive, got %d", b.RefillAmount)
	}
	return nil
}

// fullRefill is how long an empty bandwidth takes to become full again.
func (b Bandwidth) fullRefill() time.Duration {
	return time.Duration(math.Ceil(float64(b.RefillPeriod) * float64(b.Capacity) / float64(b.RefillAmount)))
}

// Simple returns a bandwidth that refills its whole capacity once per period.
func Simple(capacity int, period time.Duration) Bandwidth {
	return Bandwidth{Capacity: capacity, RefillPeriod: period, RefillAmount: capacity}
}

// WindowBandwidths builds per-minute, per-hour and per-day bandwidths.
// Non-positive limits are omitted.
func WindowBandwidths(perMinute, perHour, perDay int) []Bandwidth {
	var out []Bandwidth
	if perMinute > 0 {
		out = append(out, Simple(perMinute, time.Minute))
	}
	if perHour > 0 {
		out = append(out, Simple(perHour, time.Hour))
	}
	if perDay > 0 {
		out = append(out, Simple(perDay, 24*time.Hour))
	}
	return out
}

// DefaultBandwidths returns 10 per minute, 100 per hour and 500 per day.
func DefaultBandwidths() []Bandwidth {
	return WindowBandwidths(10, 100, 500)
}

// RateLimiterConfig defines the bandwidths shared by every bucket and the cache bounds.
type RateLimiterConfig struct {
	Bandwidths []Bandwidth
	// MaxBuckets caps the cache; the least recently used bucket is dropped beyond it.
	MaxBuckets int
	// IdleTTL is how long a bucket may go unused before a cache miss may drop it.
	// It defaults to the longest full-refill time, after which a bucket is full
	// and dropping it loses nothing.
	IdleTTL time.Duration
	// Clock defaults to time.Now.
	Clock  func() time.Time
	Logger *slog.Logger
}

// RateLimiter hands out one Bucket per admission key.
//
// Buckets live in a bounded LRU cache. Hits only take the cache's own lock;
// misses serialise on mu so that replacing or sweeping a key cannot race
// with another insert. Consumption only locks the bucket involved.
type RateLimiter struct {
	mu         sync.Mutex
	bandwidths []Bandwidth
	idleTTL    time.Duration
	maxBuckets int
	clock      func() time.Time
	logger     *slog.Logger
	buckets    *lru.Cache[string, *Bucket]
	evictions  atomic.Uint64
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(cfg RateLimiterConfig) (*RateLimiter, error) {
	bandwidths := cfg.Bandwidths
	if len(bandwidths) == 0 {
		bandwidths = DefaultBandwidths()
	}

	var longest time.Duration
	for i, bw := range bandwidths {
		if err := bw.Validate(); err != nil {
			return nil, fmt.Errorf("rate limiter: bandwidth %d: %w", i, err)
		}
		if d := bw.fullRefill(); d > longest {
			longest = d
		}
	}

	maxBuckets := cfg.MaxBuckets
	if maxBuckets <= 0 {
		maxBuckets = DefaultMaxBuckets
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = longest
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		bandwidths: append([]Bandwidth(nil), bandwidths...),
		idleTTL:    idleTTL,
		maxBuckets: maxBuckets,
		clock:      clock,
		logger:     logger,
	}

	cache, err := lru.NewWithEvict[string, *Bucket](maxBuckets, rl.evicted)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: bucket cache: %w", err)
	}
	rl.buckets = cache
	return rl, nil
}

// ResolveBucket returns the bucket for key, creating it on first use.
// Concurrent first calls for the same key all receive the same bucket.
// The result may be retired by an idle sweep before it is used; callers that
// consume should go through TryConsumeAndProbe on the limiter.
func (rl *RateLimiter) ResolveBucket(key string) *Bucket {
	if b, ok := rl.buckets.Get(key); ok && !b.Retired() {
		b.touch()
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if b, ok := rl.buckets.Peek(key); ok {
		if !b.Retired() {
			rl.buckets.Get(key)
			b.touch()
			return b
		}
		rl.buckets.Remove(key)
	}

	rl.sweepIdleLocked()

	b := newBucket(rl.bandwidths, rl.clock)
	rl.buckets.Add(key, b)
	return b
}

// TryConsume resolves the bucket for key and attempts to take n tokens from it.
func (rl *RateLimiter) TryConsume(key string, n int) bool {
	return rl.TryConsumeAndProbe(key, n).Consumed
}

// TryConsumeAndProbe takes n tokens from the bucket for key. A bucket retired
// between resolving and consuming is resolved again, so no consumption lands
// on a bucket that has left the cache.
func (rl *RateLimiter) TryConsumeAndProbe(key string, n int) Probe {
	for {
		probe := rl.ResolveBucket(key).TryConsumeAndProbe(n)
		if !probe.Retired {
			return probe
		}
	}
}

// sweepIdleLocked drops least recently used buckets that have been idle past
// the TTL. It stops at the first bucket still in use. rl.mu must be held.
func (rl *RateLimiter) sweepIdleLocked() {
	now := rl.clock()
	for i := 0; i < sweepBatch; i++ {
		key, b, ok := rl.buckets.GetOldest()
		if !ok || !b.retireIfIdle(now, rl.idleTTL) {
			return
		}
		rl.buckets.Remove(key)
	}
}

func (rl *RateLimiter) evicted(key string, _ *Bucket) {
	rl.evictions.Add(1)
	rl.logger.Debug("rate limit bucket evicted", "key", key)
}

// Len returns the number of cached buckets.
func (rl *RateLimiter) Len() int {
	return rl.buckets.Len()
}

// Bandwidths returns the bandwidths applied to every bucket.
func (rl *RateLimiter) Bandwidths() []Bandwidth {
	return append([]Bandwidth(nil), rl.bandwidths...)
}

// Stats returns current cache statistics.
func (rl *RateLimiter) Stats() RateLimitStats {
	return RateLimitStats{
		Buckets:    rl.buckets.Len(),
		MaxBuckets: rl.maxBuckets,
		Evictions:  rl.evictions.Load(),
		IdleTTL:    rl.idleTTL.String(),
	}
}

// RateLimitStats exposes the state of the bucket cache.
type RateLimitStats struct {
	Buckets    int    `json:"buckets"`
	MaxBuckets int    `json:"maxBuckets"`
	Evictions  uint64 `json:"evictions"`
	IdleTTL    string `json:"idleTTL"`
}

// Probe is the outcome of a consume attempt.
type Probe struct {
	Consumed bool
	// Limit is the capacity of the bandwidth with the fewest tokens left.
	Limit int64
	// Remaining is the whole number of tokens left in that bandwidth.
	Remaining int64
	// RetryAfter is how long until the request could succeed. It is zero on
	// success and when n exceeds a bandwidth's capacity.
	RetryAfter time.Duration
	// Retired is set when the bucket was dropped by an idle sweep and nothing
	// was consumed. The key must be resolved again.
	Retired bool
}

// Bucket holds one token bucket per bandwidth. All of them must cover a
// request for it to be admitted.
type Bucket struct {
	mu       sync.Mutex
	bands    []Bandwidth
	limiters []*rate.Limiter
	clock    func() time.Time
	lastSeen atomic.Int64
	retired  atomic.Bool
}

func newBucket(bands []Bandwidth, clock func() time.Time) *Bucket {
	b := &Bucket{
		bands:    bands,
		limiters: make([]*rate.Limiter, len(bands)),
		clock:    clock,
	}
	for i, bw := range bands {
		perSecond := float64(bw.RefillAmount) / bw.RefillPeriod.Seconds()
		b.limiters[i] = rate.NewLimiter(rate.Limit(perSecond), bw.Capacity)
	}
	b.touch()
	return b
}

// TryConsume takes n tokens from every bandwidth, or from none.
func (b *Bucket) TryConsume(n int) bool {
	return b.TryConsumeAndProbe(n).Consumed
}

// TryConsumeAndProbe takes n tokens from every bandwidth, or from none, and
// reports the tightest bandwidth's state.
func (b *Bucket) TryConsumeAndProbe(n int) Probe {
	if n < 0 {
		n = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.retired.Load() {
		return Probe{Retired: true}
	}

	now := b.clock()
	b.lastSeen.Store(now.UnixNano())

	need := float64(n)
	admit := true
	var wait time.Duration
	for i, lim := range b.limiters {
		if n > b.bands[i].Capacity {
			admit = false
			wait = 0
			break
		}
		if deficit := need - lim.TokensAt(now); deficit > 0 {
			admit = false
			if d := durationFor(deficit, lim.Limit()); d > wait {
				wait = d
			}
		}
	}

	if admit {
		for _, lim := range b.limiters {
			lim.AllowN(now, n)
		}
		wait = 0
	}

	probe := b.probeLocked(now)
	probe.Consumed = admit
	probe.RetryAfter = wait
	return probe
}

// Available returns the whole tokens currently held by each bandwidth.
func (b *Bucket) Available() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	out := make([]int64, len(b.limiters))
	for i, lim := range b.limiters {
		out[i] = int64(math.Floor(lim.TokensAt(now)))
	}
	return out
}

// LastSeen returns the time of the last resolve or consume.
func (b *Bucket) LastSeen() time.Time {
	return time.Unix(0, b.lastSeen.Load())
}

// Retired reports whether an idle sweep has dropped the bucket.
func (b *Bucket) Retired() bool {
	return b.retired.Load()
}

// retireIfIdle marks the bucket retired when it has not been used for ttl.
// The check and the mark happen under b.mu, so a consume that wins the lock
// first keeps the bucket alive and one that loses it sees Retired.
func (b *Bucket) retireIfIdle(now time.Time, ttl time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired.Load() {
		return true
	}
	if now.Sub(b.LastSeen()) < ttl {
		return false
	}
	b.retired.Store(true)
	return true
}

func (b *Bucket) touch() {
	b.lastSeen.Store(b.clock().UnixNano())
}

func (b *Bucket) probeLocked(now time.Time) Probe {
	probe := Probe{Remaining: math.MaxInt64}
	for i, lim := range b.limiters {
		remaining := int64(math.Floor(lim.TokensAt(now)))
		if remaining < probe.Remaining {
			probe.Remaining = remaining
			probe.Limit = int64(b.bands[i].Capacity)
		}
	}
	if probe.Remaining < 0 {
		probe.Remaining = 0
	}
	return probe
}

func durationFor(tokens float64, limit rate.Limit) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(tokens / float64(limit) * float64(time.Second)))
}

// AdmissionKey selects the bucket key for a caller: the authenticated
// principal when present, otherwise "ip:" and the remote host.
func AdmissionKey(principal, remoteAddr string) string {
	if p := strings.TrimSpace(principal); p != "" {
		return p
	}
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
// Retry-After is set, in whole seconds rounded up, when retryAfter is positive.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int64, retryAfter time.Duration) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	if retryAfter > 0 {
		secs := int64(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}
