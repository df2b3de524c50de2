package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvzzle/cryptopay/internal/storage"
	"github.com/pvzzle/cryptopay/internal/storage/memory"
	"github.com/pvzzle/cryptopay/internal/storage/pg"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"
)

type opType int

const (
	opCommit opType = iota
	opRead
)

func main() {
	var (
		dsn     = flag.String("dsn", "", "Postgres DSN (empty = in-memory ledger)")
		dur     = flag.Duration("dur", 30*time.Second, "test duration")
		warmup  = flag.Duration("warmup", 3*time.Second, "warmup duration (not counted)")
		avgRPS  = flag.Int("avg-rps", 200, "avg RPS")
		peakRPS = flag.Int("peak-rps", 800, "peak RPS (during ramp)")
		ramp    = flag.Duration("ramp", 10*time.Second, "ramp-up duration to peak")
		rwRatio = flag.Int("rw", 10, "reads per 1 commit")
		dup     = flag.Int("dup", 4, "concurrent commit attempts per transaction hash")
		workers = flag.Int("workers", 32, "concurrent workers")
	)
	flag.Parse()

	ctx := context.Background()

	ledger, fx, closeFn, err := open(ctx, *dsn)
	if err != nil {
		panic(err)
	}
	defer closeFn()

	fmt.Println("starting warmup:", *warmup)
	runPhase(ctx, ledger, fx, phase{
		workers: *workers, avgRPS: *avgRPS, peakRPS: *avgRPS, dur: *warmup, rw: *rwRatio, dup: *dup,
	}, false)

	fmt.Println("starting measured test:", *dur)
	res := runPhase(ctx, ledger, fx, phase{
		workers: *workers, avgRPS: *avgRPS, peakRPS: *peakRPS, ramp: *ramp, dur: *dur, rw: *rwRatio, dup: *dup,
	}, true)

	printReport(res)
}

// fixtures creates a fresh payable order for every commit op.
type fixtures interface {
	newOrder(ctx context.Context) (int64, error)
}

type pgFixtures struct {
	repo      *pg.Postgres
	productID int64
}

func (f *pgFixtures) newOrder(ctx context.Context) (int64, error) {
	return f.repo.CreateOrder(ctx, storage.Order{UserID: 1, TotalAmount: 1000},
		[]storage.OrderItem{{ProductID: f.productID, Quantity: 1}})
}

type memFixtures struct {
	l      *memory.Ledger
	nextID atomic.Int64
}

func (f *memFixtures) newOrder(ctx context.Context) (int64, error) {
	id := f.nextID.Add(1)
	f.l.PutOrder(storage.Order{ID: id, UserID: 1, TotalAmount: 1000},
		storage.OrderItem{ProductID: 1, Quantity: 1})
	return id, nil
}

func open(ctx context.Context, dsn string) (storage.Ledger, fixtures, func(), error) {
	if dsn == "" {
		l := memory.New()
		l.PutProduct(storage.Product{ID: 1, Name: "loadtest", Stock: 1 << 30})
		return l, &memFixtures{l: l}, func() {}, nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	repo := pg.New(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	productID, err := repo.CreateProduct(ctx, storage.Product{Name: "loadtest", Stock: 1 << 30})
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return repo, &pgFixtures{repo: repo, productID: productID}, pool.Close, nil
}

type phase struct {
	workers int
	avgRPS  int
	peakRPS int
	ramp    time.Duration
	dur     time.Duration
	rw      int
	dup     int
}

type results struct {
	totalOps   uint64
	readOps    uint64
	commitOps  uint64
	errOps     uint64
	duplicates uint64 // losing attempts rejected with ErrPaymentExists
	violations uint64 // hashes recorded by more than one attempt
	latencies  []time.Duration
	startedAt  time.Time
	finishedAt time.Time
}

// hashPool remembers recorded hashes so reads hit real rows.
type hashPool struct {
	mu     sync.Mutex
	hashes []string
}

func (p *hashPool) add(h string) {
	p.mu.Lock()
	p.hashes = append(p.hashes, h)
	p.mu.Unlock()
}

func (p *hashPool) pick(r *rand.Rand) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.hashes) == 0 {
		return "", false
	}
	return p.hashes[r.Intn(len(p.hashes))], true
}

func runPhase(ctx context.Context, ledger storage.Ledger, fx fixtures, ph phase, collect bool) results {
	ctx, cancel := context.WithTimeout(ctx, ph.dur)
	defer cancel()

	lim := rate.NewLimiter(rate.Limit(ph.avgRPS), ph.avgRPS)
	jobs := make(chan opType, 1024)
	recorded := &hashPool{}

	var (
		res results
		mu  sync.Mutex
	)
	res.startedAt = time.Now()

	var wg sync.WaitGroup
	wg.Add(ph.workers)
	for i := 0; i < ph.workers; i++ {
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano()))
			for op := range jobs {
				t0 := time.Now()
				var err error
				if op == opRead {
					atomic.AddUint64(&res.readOps, 1)
					err = doRead(ctx, ledger, recorded, r)
				} else {
					atomic.AddUint64(&res.commitOps, 1)
					err = doCommit(ctx, ledger, fx, recorded, r, ph.dup, &res)
				}
				dt := time.Since(t0)

				atomic.AddUint64(&res.totalOps, 1)
				if err != nil {
					atomic.AddUint64(&res.errOps, 1)
					continue
				}
				if collect {
					mu.Lock()
					res.latencies = append(res.latencies, dt)
					mu.Unlock()
				}
			}
		}()
	}

	go func() {
		defer close(jobs)

		pattern := make([]opType, 0, ph.rw+1)
		for i := 0; i < ph.rw; i++ {
			pattern = append(pattern, opRead)
		}
		pattern = append(pattern, opCommit)
		idx := 0

		rampStart := time.Now()
		for {
			if err := lim.Wait(ctx); err != nil {
				return
			}

			if ph.ramp > 0 {
				el := time.Since(rampStart)
				if el < ph.ramp {
					cur := float64(ph.avgRPS) + (float64(ph.peakRPS-ph.avgRPS) * (float64(el) / float64(ph.ramp)))
					lim.SetLimit(rate.Limit(cur))
				} else {
					lim.SetLimit(rate.Limit(ph.peakRPS))
				}
			}

			select {
			case jobs <- pattern[idx]:
			case <-ctx.Done():
				return
			}
			idx = (idx + 1) % len(pattern)
		}
	}()

	wg.Wait()
	res.finishedAt = time.Now()
	return res
}

func doRead(ctx context.Context, ledger storage.Ledger, recorded *hashPool, r *rand.Rand) error {
	hash, ok := recorded.pick(r)
	if !ok {
		hash = fakeHash(r)
	}
	_, err := ledger.PaymentByTxHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// doCommit races dup attempts for one hash, the way concurrent sessions for
// the same transfer would, and checks that exactly one wins.
func doCommit(ctx context.Context, ledger storage.Ledger, fx fixtures, recorded *hashPool, r *rand.Rand, dup int, res *results) error {
	orderID, err := fx.newOrder(ctx)
	if err != nil {
		return err
	}

	hash := fakeHash(r)
	in := storage.ConfirmedPayment{
		TxHash:          hash,
		PayerAddr:       fmt.Sprintf("0x%040x", r.Uint64()),
		Confirmations:   8,
		UserID:          1,
		OrderID:         orderID,
		AmountFiatCents: 1000,
		AmountWei:       big.NewInt(1_000_000_000_000_000),
	}

	var (
		wins    atomic.Int32
		firstMu sync.Mutex
		first   error
		wg      sync.WaitGroup
	)
	wg.Add(dup)
	for i := 0; i < dup; i++ {
		go func() {
			defer wg.Done()
			_, err := ledger.RecordConfirmedPayment(ctx, in)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrPaymentExists):
				atomic.AddUint64(&res.duplicates, 1)
			default:
				firstMu.Lock()
				if first == nil {
					first = err
				}
				firstMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins.Load() > 1 {
		atomic.AddUint64(&res.violations, 1)
	}
	if wins.Load() == 1 {
		recorded.add(hash)
	}
	return first
}

func fakeHash(r *rand.Rand) string {
	return fmt.Sprintf("0x%016x%016x%016x%016x", r.Uint64(), r.Uint64(), r.Uint64(), r.Uint64())
}

func printReport(res results) {
	d := res.finishedAt.Sub(res.startedAt)
	total := atomic.LoadUint64(&res.totalOps)

	fmt.Printf("\n== REPORT ==\n")
	fmt.Printf("duration: %s\n", d)
	fmt.Printf("ops: total=%d read=%d commit=%d errors=%d\n",
		total, atomic.LoadUint64(&res.readOps), atomic.LoadUint64(&res.commitOps), atomic.LoadUint64(&res.errOps))
	fmt.Printf("commit races: duplicates rejected=%d double records=%d\n",
		atomic.LoadUint64(&res.duplicates), atomic.LoadUint64(&res.violations))
	if d > 0 {
		fmt.Printf("throughput: %.2f ops/s\n", float64(total)/d.Seconds())
	}
	if len(res.latencies) == 0 {
		fmt.Println("no latency samples")
		return
	}
	sort.Slice(res.latencies, func(i, j int) bool { return res.latencies[i] < res.latencies[j] })
	p := func(q float64) time.Duration {
		i := int(q * float64(len(res.latencies)-1))
		return res.latencies[i]
	}
	fmt.Printf("latency p50=%s p95=%s p99=%s max=%s\n",
		p(0.50), p(0.95), p(0.99), res.latencies[len(res.latencies)-1],
	)
}
