package governance

import (
	"fmt"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, clock *fakeClock, bands ...Bandwidth) *RateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(RateLimiterConfig{Bandwidths: bands, Clock: clock.Now})
	require.NoError(t, err)
	return rl
}

func TestTryConsumePerMinuteBound(t *testing.T) {
	rl := newTestLimiter(t, newFakeClock(), DefaultBandwidths()...)
	bucket := rl.ResolveBucket("user-1")

	admitted, rejected := 0, 0
	for i := 0; i < 15; i++ {
		if bucket.TryConsume(1) {
			admitted++
		} else {
			rejected++
		}
	}

	assert.Equal(t, 10, admitted)
	assert.Equal(t, 5, rejected)
}

func TestTryConsumeRefillsLazily(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, Simple(10, time.Minute))
	bucket := rl.ResolveBucket("user-1")

	for i := 0; i < 10; i++ {
		require.True(t, bucket.TryConsume(1))
	}
	require.False(t, bucket.TryConsume(1))

	clock.Advance(5 * time.Second)
	assert.False(t, bucket.TryConsume(1), "less than one token refilled")

	clock.Advance(1001 * time.Millisecond)
	assert.True(t, bucket.TryConsume(1))
	assert.False(t, bucket.TryConsume(1))

	clock.Advance(time.Hour)
	assert.Equal(t, []int64{10}, bucket.Available(), "refill is capped at capacity")
}

func TestTryConsumeTightestWindowGoverns(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, WindowBandwidths(10, 12, 500)...)
	bucket := rl.ResolveBucket("user-1")

	for i := 0; i < 10; i++ {
		require.True(t, bucket.TryConsume(1))
	}
	clock.Advance(time.Minute)

	admitted := 0
	for i := 0; i < 10; i++ {
		if bucket.TryConsume(1) {
			admitted++
		}
	}
	assert.Equal(t, 2, admitted, "hourly window allows only 12 in total")
}

func TestTryConsumeAllOrNothing(t *testing.T) {
	rl := newTestLimiter(t, newFakeClock(), Simple(5, time.Minute), Simple(3, time.Hour))
	bucket := rl.ResolveBucket("user-1")

	assert.False(t, bucket.TryConsume(4))
	assert.Equal(t, []int64{5, 3}, bucket.Available())

	assert.True(t, bucket.TryConsume(3))
	assert.Equal(t, []int64{2, 0}, bucket.Available())
}

func TestTryConsumeAndProbe(t *testing.T) {
	rl := newTestLimiter(t, newFakeClock(), DefaultBandwidths()...)
	bucket := rl.ResolveBucket("user-1")

	probe := bucket.TryConsumeAndProbe(1)
	assert.True(t, probe.Consumed)
	assert.Equal(t, int64(10), probe.Limit)
	assert.Equal(t, int64(9), probe.Remaining)
	assert.Zero(t, probe.RetryAfter)

	for i := 0; i < 9; i++ {
		require.True(t, bucket.TryConsume(1))
	}

	probe = bucket.TryConsumeAndProbe(1)
	assert.False(t, probe.Consumed)
	assert.Equal(t, int64(0), probe.Remaining)
	assert.InDelta(t, float64(6*time.Second), float64(probe.RetryAfter), float64(time.Millisecond))

	probe = bucket.TryConsumeAndProbe(11)
	assert.False(t, probe.Consumed)
	assert.Zero(t, probe.RetryAfter, "a request larger than capacity can never succeed")
}

func TestResolveBucketIdentityAndIsolation(t *testing.T) {
	rl := newTestLimiter(t, newFakeClock(), Simple(3, time.Minute))

	a := rl.ResolveBucket("user-A")
	b := rl.ResolveBucket("user-B")
	assert.Same(t, a, rl.ResolveBucket("user-A"))
	assert.NotSame(t, a, b)

	for a.TryConsume(1) {
	}
	assert.Equal(t, []int64{3}, b.Available())
	assert.True(t, rl.TryConsume("user-B", 1))
	assert.False(t, rl.TryConsume("user-A", 1))
}

func TestResolveBucketConcurrentFirstAccess(t *testing.T) {
	rl := newTestLimiter(t, newFakeClock(), DefaultBandwidths()...)

	const workers = 100
	got := make([]*Bucket, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i] = rl.ResolveBucket("shared")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, 1, rl.Len())
}

func TestTryConsumeNoOverAdmissionUnderRace(t *testing.T) {
	rl := newTestLimiter(t, newFakeClock(), DefaultBandwidths()...)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if rl.TryConsume("hot-key", 1) {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
}

func TestBucketCacheIsBounded(t *testing.T) {
	rl, err := NewRateLimiter(RateLimiterConfig{
		MaxBuckets: 2,
		Clock:      newFakeClock().Now,
	})
	require.NoError(t, err)

	rl.ResolveBucket("a")
	rl.ResolveBucket("b")
	rl.ResolveBucket("a")
	rl.ResolveBucket("c")

	assert.Equal(t, 2, rl.Len())
	assert.False(t, rl.buckets.Contains("b"), "least recently used bucket goes first")
	assert.True(t, rl.buckets.Contains("a"))
	assert.Equal(t, uint64(1), rl.Stats().Evictions)
}

func TestIdleBucketsSweptOnMiss(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, DefaultBandwidths()...)
	assert.Equal(t, (24 * time.Hour).String(), rl.Stats().IdleTTL)

	rl.ResolveBucket("idle")
	clock.Advance(time.Hour)
	rl.ResolveBucket("recent")
	assert.Equal(t, 2, rl.Len(), "buckets under the TTL are kept")

	clock.Advance(23*time.Hour + time.Minute)
	rl.ResolveBucket("new")

	assert.Equal(t, 2, rl.Len())
	assert.False(t, rl.buckets.Contains("idle"))
	assert.True(t, rl.buckets.Contains("recent"))
}

func TestIdleEvictionIsLossless(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, DefaultBandwidths()...)

	for rl.TryConsume("user-1", 1) {
	}
	clock.Advance(25 * time.Hour)
	rl.ResolveBucket("someone-else")

	fresh := rl.ResolveBucket("user-1")
	assert.Equal(t, []int64{10, 100, 500}, fresh.Available())
}

func TestRetiredBucketIsNeverConsumed(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, Simple(3, time.Minute))

	stale := rl.ResolveBucket("user-1")
	clock.Advance(2 * time.Minute)
	rl.ResolveBucket("someone-else")
	require.True(t, stale.Retired())

	probe := stale.TryConsumeAndProbe(1)
	assert.True(t, probe.Retired)
	assert.False(t, probe.Consumed)

	probe = rl.TryConsumeAndProbe("user-1", 1)
	assert.True(t, probe.Consumed)
	assert.False(t, probe.Retired)
	fresh := rl.ResolveBucket("user-1")
	assert.NotSame(t, stale, fresh)
	assert.Equal(t, []int64{2}, fresh.Available())
}

func TestRecentConsumeKeepsBucketFromSweep(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, Simple(3, time.Minute))

	held := rl.ResolveBucket("user-1")
	clock.Advance(2 * time.Minute)
	require.True(t, held.TryConsume(1))

	rl.ResolveBucket("someone-else")
	assert.False(t, held.Retired())
	assert.Same(t, held, rl.ResolveBucket("user-1"))
	assert.Equal(t, []int64{2}, held.Available())
}

// A sweep racing with consumption on the swept key must never lose a
// consumed token: every admitted request is visible in the bucket that
// the key resolves to afterwards.
func TestIdleSweepRacingConsumeLosesNothing(t *testing.T) {
	const iterations = 2000

	for i := 0; i < iterations; i++ {
		clock := newFakeClock()
		rl := newTestLimiter(t, clock, Simple(5, time.Hour))

		rl.ResolveBucket("victim")
		clock.Advance(2 * time.Hour)

		var admitted atomic.Int64
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			rl.ResolveBucket("newcomer")
		}()
		go func() {
			defer wg.Done()
			<-start
			if rl.TryConsume("victim", 1) {
				admitted.Add(1)
			}
		}()
		close(start)
		wg.Wait()

		require.Equal(t, int64(1), admitted.Load(), "iteration %d", i)
		require.Equal(t, []int64{4}, rl.ResolveBucket("victim").Available(), "iteration %d", i)
	}
}

func TestConcurrentSweepsNeverOverAdmit(t *testing.T) {
	clock := newFakeClock()
	rl := newTestLimiter(t, clock, Simple(20, time.Hour))
	rl.ResolveBucket("hot")
	clock.Advance(2 * time.Hour)

	var admitted atomic.Int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 10; j++ {
				if rl.TryConsume("hot", 1) {
					admitted.Add(1)
				}
			}
		}()
		go func(g int) {
			defer wg.Done()
			<-start
			for j := 0; j < 10; j++ {
				rl.ResolveBucket(fmt.Sprintf("cold-%d-%d", g, j))
			}
		}(g)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(20), admitted.Load())
	assert.Equal(t, []int64{0}, rl.ResolveBucket("hot").Available())
}

func TestNewRateLimiterValidatesBandwidths(t *testing.T) {
	_, err := NewRateLimiter(RateLimiterConfig{Bandwidths: []Bandwidth{{Capacity: 0, RefillPeriod: time.Minute, RefillAmount: 1}}})
	assert.Error(t, err)
	_, err = NewRateLimiter(RateLimiterConfig{Bandwidths: []Bandwidth{{Capacity: 1, RefillAmount: 1}}})
	assert.Error(t, err)
	_, err = NewRateLimiter(RateLimiterConfig{Bandwidths: []Bandwidth{{Capacity: 1, RefillPeriod: time.Minute}}})
	assert.Error(t, err)

	rl, err := NewRateLimiter(RateLimiterConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBandwidths(), rl.Bandwidths())
	assert.Equal(t, DefaultMaxBuckets, rl.Stats().MaxBuckets)
}

func TestWindowBandwidthsSkipsDisabledWindows(t *testing.T) {
	assert.Equal(t, []Bandwidth{Simple(5, time.Hour)}, WindowBandwidths(0, 5, -1))
}

func TestAdmissionKey(t *testing.T) {
	tests := []struct {
		principal string
		remote    string
		want      string
	}{
		{"user-42", "10.0.0.1:5555", "user-42"},
		{"  ", "10.0.0.1:5555", "ip:10.0.0.1"},
		{"", "[2001:db8::1]:443", "ip:2001:db8::1"},
		{"", "192.168.1.9", "ip:192.168.1.9"},
		{"", "", "ip:unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AdmissionKey(tt.principal, tt.remote))
	}
}

func TestWriteRateLimitHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRateLimitHeaders(rec, 10, 0, 5200*time.Millisecond)

	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "6", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	WriteRateLimitHeaders(rec, 10, 9, 0)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestBucketAdmitsAtMostCapacityWithoutTimePassing(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 50).Draw(t, "capacity")
		extra := rapid.IntRange(1, 50).Draw(t, "extra")

		rl, err := NewRateLimiter(RateLimiterConfig{
			Bandwidths: []Bandwidth{Simple(capacity, time.Minute)},
			Clock:      newFakeClock().Now,
		})
		if err != nil {
			t.Fatal(err)
		}
		bucket := rl.ResolveBucket("k")

		admitted := 0
		for i := 0; i < capacity+extra; i++ {
			ok := bucket.TryConsume(1)
			if ok {
				admitted++
			}
			if i == capacity && ok {
				t.Fatalf("call %d admitted past capacity %d", i+1, capacity)
			}
		}
		if admitted != capacity {
			t.Fatalf("admitted %d, want %d", admitted, capacity)
		}
	})
}

func TestFailedConsumeLeavesBucketUntouched(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		capA := rapid.IntRange(1, 20).Draw(t, "capA")
		capB := rapid.IntRange(1, 20).Draw(t, "capB")
		rl, err := NewRateLimiter(RateLimiterConfig{
			Bandwidths: []Bandwidth{Simple(capA, time.Minute), Simple(capB, time.Hour)},
			Clock:      clock.Now,
		})
		if err != nil {
			t.Fatal(err)
		}
		bucket := rl.ResolveBucket("k")

		steps := rapid.SliceOfN(rapid.IntRange(1, 25), 1, 30).Draw(t, "steps")
		for _, n := range steps {
			before := bucket.Available()
			if !bucket.TryConsume(n) {
				after := bucket.Available()
				if before[0] != after[0] || before[1] != after[1] {
					t.Fatalf("failed consume of %d changed %v to %v", n, before, after)
				}
			}
		}
	})
}
