package price

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Memo keeps the last quote per pair in process for ttl. Concurrent misses for
// one pair share a single call to the wrapped oracle.
type Memo struct {
	next Oracle
	ttl  time.Duration
	now  func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	rates map[Pair]memoEntry

	lookups *prometheus.CounterVec
}

type memoEntry struct {
	rate    decimal.Decimal
	expires time.Time
}

func NewMemo(next Oracle, ttl time.Duration) *Memo {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Memo{
		next:  next,
		ttl:   ttl,
		now:   time.Now,
		rates: make(map[Pair]memoEntry),
	}
}

// WithLookups counts lookups by source label: memory, feed or error.
func (m *Memo) WithLookups(v *prometheus.CounterVec) *Memo {
	m.lookups = v
	return m
}

func (m *Memo) observe(source string) {
	if m.lookups != nil {
		m.lookups.WithLabelValues(source).Inc()
	}
}

func (m *Memo) Rate(ctx context.Context, pair Pair) (decimal.Decimal, error) {
	if r, ok := m.cached(pair); ok {
		m.observe("memory")
		return r, nil
	}

	v, err, _ := m.group.Do(pair.String(), func() (interface{}, error) {
		if r, ok := m.cached(pair); ok {
			return r, nil
		}
		r, err := m.next.Rate(ctx, pair)
		if err != nil {
			return decimal.Zero, err
		}

		m.mu.Lock()
		m.rates[pair] = memoEntry{rate: r, expires: m.now().Add(m.ttl)}
		m.mu.Unlock()
		return r, nil
	})
	if err != nil {
		m.observe("error")
		return decimal.Zero, err
	}
	m.observe("feed")
	return v.(decimal.Decimal), nil
}

func (m *Memo) cached(pair Pair) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.rates[pair]
	if !ok || !m.now().Before(e.expires) {
		return decimal.Zero, false
	}
	return e.rate, true
}
