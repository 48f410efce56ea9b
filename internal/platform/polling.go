package platform

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PollingOptions tune the shared request governor for the platform API.
type PollingOptions struct {
	RequestsPerMinute int
	CacheTTL          time.Duration
	BackoffMultiplier float64
	MaxJitter         time.Duration
}

func (o PollingOptions) withDefaults() PollingOptions {
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = 100
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Second
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = 1.5
	}
	if o.MaxJitter < 0 {
		o.MaxJitter = 0
	}
	return o
}

type cacheEntry struct {
	body []byte
	at   time.Time
}

// PollingManager is the single gate every platform call routes through. It
// enforces a global token bucket, memoizes identical GETs for a short TTL,
// supplies the exponential backoff used on retryable errors, and provides
// uniform jitter for scheduled polls so independent pollers don't
// synchronize into request storms.
type PollingManager struct {
	limiter     *rate.Limiter
	cacheTTL    time.Duration
	backoffMult float64
	maxJitter   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
	rng   *rand.Rand
}

func NewPollingManager(opts PollingOptions) *PollingManager {
	opts = opts.withDefaults()
	perSecond := rate.Limit(float64(opts.RequestsPerMinute) / 60.0)

	return &PollingManager{
		limiter:     rate.NewLimiter(perSecond, opts.RequestsPerMinute/10+1),
		cacheTTL:    opts.CacheTTL,
		backoffMult: opts.BackoffMultiplier,
		maxJitter:   opts.MaxJitter,
		cache:       make(map[string]cacheEntry),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire blocks until a request token is available or ctx is cancelled.
// Callers wait rather than fail when the bucket is empty.
func (m *PollingManager) Acquire(ctx context.Context) error {
	return m.limiter.Wait(ctx)
}

// CachedGET returns a memoized response body if one is fresh enough.
func (m *PollingManager) CachedGET(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[key]
	if !ok || time.Since(entry.at) > m.cacheTTL {
		return nil, false
	}
	return entry.body, true
}

// StoreGET memoizes a response body under the request key.
func (m *PollingManager) StoreGET(key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = cacheEntry{body: body, at: time.Now()}
}

// Backoff satisfies retryablehttp.Backoff: exponential growth from min with
// the configured multiplier, capped at max.
func (m *PollingManager) Backoff(min, max time.Duration, attemptNum int, _ *http.Response) time.Duration {
	wait := time.Duration(float64(min) * math.Pow(m.backoffMult, float64(attemptNum)))
	if wait > max {
		wait = max
	}
	return wait
}

// Jitter sleeps a uniform random duration in [0, maxJitter). Scheduled
// pollers call this before each request.
func (m *PollingManager) Jitter(ctx context.Context) error {
	if m.maxJitter <= 0 {
		return nil
	}
	m.mu.Lock()
	d := time.Duration(m.rng.Int63n(int64(m.maxJitter)))
	m.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
