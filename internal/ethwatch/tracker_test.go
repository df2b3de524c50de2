package ethwatch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"
)

type scriptedChain struct {
	mu sync.Mutex

	tx    Transaction
	txErr error
	heads []uint64 // one per BlockHeight call, last one repeats

	// transport failures returned before the first successful tx read
	failReads int

	txCalls   int
	headCalls int
}

func (c *scriptedChain) TransactionByHash(ctx context.Context, hash string) (Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.txCalls++
	if c.failReads > 0 {
		c.failReads--
		return Transaction{}, errors.New("read tcp: i/o timeout")
	}
	if c.txErr != nil {
		return Transaction{}, c.txErr
	}
	return c.tx, nil
}

func (c *scriptedChain) BlockHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.headCalls
	if i >= len(c.heads) {
		i = len(c.heads) - 1
	}
	c.headCalls++
	return c.heads[i], nil
}

type fixedRate struct {
	cents int64
	err   error
}

func (f fixedRate) WeiToCents(ctx context.Context, wei *big.Int) (int64, error) {
	return f.cents, f.err
}

type orderSet map[int64]bool

func (o orderSet) OrderExists(ctx context.Context, id int64) (bool, error) {
	return o[id], nil
}

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func block(n uint64) *uint64 { return &n }

func newTestTracker(chain ChainClient, cfg TrackerConfig) (*Tracker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := NewTracker(chain, fixedRate{cents: 12500}, orderSet{42: true}, cfg, nil)
	tr.now = clk.Now
	tr.sleep = clk.Sleep
	return tr, clk
}

func minedTx(from string, included uint64) Transaction {
	return Transaction{
		Hash:          "0xabc",
		From:          from,
		ValueWei:      big.NewInt(5e16),
		IncludedBlock: block(included),
	}
}

func TestConfirmations(t *testing.T) {
	if got := confirmations(108, 100); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}
	if got := confirmations(100, 100); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	// head behind the inclusion block (lagging node)
	if got := confirmations(99, 100); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestTrack_ConfirmingThenCompleted(t *testing.T) {
	chain := &scriptedChain{tx: minedTx("0x111", 100), heads: []uint64{107, 108}}
	tr, clk := newTestTracker(chain, TrackerConfig{})

	var progress []State
	out := tr.Track(context.Background(), Session{TxHash: "0xabc", ExpectedSender: "0x111", OrderID: 42}, func(s State) {
		progress = append(progress, s)
	})

	if out.Err != nil {
		t.Fatalf("unexpected error: %v", out.Err)
	}
	if out.Status != StatusCompleted || out.Confirmations != 8 {
		t.Fatalf("expected Completed with 8 confirmations, got %s/%d", out.Status, out.Confirmations)
	}
	if out.AmountFiatCents != 12500 || out.AmountWei.Cmp(big.NewInt(5e16)) != 0 {
		t.Fatalf("unexpected amounts: %d / %s", out.AmountFiatCents, out.AmountWei)
	}
	if out.Polls != 2 {
		t.Fatalf("expected 2 polls, got %d", out.Polls)
	}

	if len(progress) != 1 {
		t.Fatalf("expected 1 progress update, got %d", len(progress))
	}
	if progress[0].Status != StatusConfirming || progress[0].Confirmations != 7 {
		t.Fatalf("expected Confirming/7, got %s/%d", progress[0].Status, progress[0].Confirmations)
	}
	if len(clk.sleeps) != 1 || clk.sleeps[0] != 15*time.Second {
		t.Fatalf("expected one 15s sleep, got %v", clk.sleeps)
	}
}

func TestTrack_PendingWithoutInclusionBlock(t *testing.T) {
	tx := minedTx("0x111", 0)
	tx.IncludedBlock = nil
	chain := &scriptedChain{tx: tx, heads: []uint64{500}}
	tr, _ := newTestTracker(chain, TrackerConfig{Deadline: 30 * time.Second})

	var first State
	out := tr.Track(context.Background(), Session{TxHash: "0xabc", ExpectedSender: "0x111", OrderID: 42}, func(s State) {
		if first.Polls == 0 {
			first = s
		}
	})

	if first.Status != StatusPending || first.Confirmations != 0 {
		t.Fatalf("expected Pending/0, got %s/%d", first.Status, first.Confirmations)
	}
	if chain.headCalls != 0 {
		t.Fatalf("head must not be read for a pending tx, got %d calls", chain.headCalls)
	}
	if !errors.Is(out.Err, ErrTimeoutExceeded) {
		t.Fatalf("expected timeout, got %v", out.Err)
	}
}

func TestTrack_SenderCaseInsensitive(t *testing.T) {
	chain := &scriptedChain{
		tx:    minedTx("0xABCDEF0000000000000000000000000000000001", 100),
		heads: []uint64{120},
	}
	tr, _ := newTestTracker(chain, TrackerConfig{})

	out := tr.Track(context.Background(), Session{
		TxHash:         "0xabc",
		ExpectedSender: "0xabcdef0000000000000000000000000000000001",
		OrderID:        42,
	}, nil)
	if out.Err != nil || out.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %s err=%v", out.Status, out.Err)
	}
}

func TestTrack_SenderMismatch(t *testing.T) {
	chain := &scriptedChain{
		tx:    minedTx("0xabcdef0000000000000000000000000000000002", 100),
		heads: []uint64{120},
	}
	tr, _ := newTestTracker(chain, TrackerConfig{})

	out := tr.Track(context.Background(), Session{
		TxHash:         "0xabc",
		ExpectedSender: "0xabcdef0000000000000000000000000000000001",
		OrderID:        42,
	}, nil)
	if !errors.Is(out.Err, ErrSenderMismatch) {
		t.Fatalf("expected ErrSenderMismatch, got %v", out.Err)
	}
	if out.Status != StatusError || out.Confirmations != 0 {
		t.Fatalf("expected Error/0, got %s/%d", out.Status, out.Confirmations)
	}
	if out.Message() != "Sender address does not match" {
		t.Fatalf("unexpected message %q", out.Message())
	}
}

func TestTrack_DeadlineAfterTwentyPolls(t *testing.T) {
	chain := &scriptedChain{tx: minedTx("0x111", 100), heads: []uint64{101}}
	tr, _ := newTestTracker(chain, TrackerConfig{
		RequiredConfirmations: 8,
		Deadline:              300 * time.Second,
		PollInterval:          15 * time.Second,
	})

	var updates int
	out := tr.Track(context.Background(), Session{TxHash: "0xabc", ExpectedSender: "0x111", OrderID: 42}, func(State) {
		updates++
	})

	if !errors.Is(out.Err, ErrTimeoutExceeded) {
		t.Fatalf("expected ErrTimeoutExceeded, got %v", out.Err)
	}
	if out.Polls != 20 || chain.txCalls != 20 {
		t.Fatalf("expected exactly 20 polls, got polls=%d tx reads=%d", out.Polls, chain.txCalls)
	}
	if updates != 20 {
		t.Fatalf("expected 20 progress updates, got %d", updates)
	}
	if out.Confirmations != 0 || out.LastObserved != 2 {
		t.Fatalf("expected reported 0 and last observed 2, got %d/%d", out.Confirmations, out.LastObserved)
	}
	if out.Message() != "Timeout exceeded: Confirmations not reached within allowed time." {
		t.Fatalf("unexpected message %q", out.Message())
	}
}

func TestTrack_TxNotFoundIsTerminal(t *testing.T) {
	chain := &scriptedChain{txErr: ErrTxNotFound}
	tr, _ := newTestTracker(chain, TrackerConfig{ReadRetries: 3})

	out := tr.Track(context.Background(), Session{TxHash: "0xabc", ExpectedSender: "0x111", OrderID: 42}, nil)
	if !errors.Is(out.Err, ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", out.Err)
	}
	if chain.txCalls != 1 {
		t.Fatalf("not found must not be retried, got %d reads", chain.txCalls)
	}
	if out.Message() != "Transaction not found" {
		t.Fatalf("unexpected message %q", out.Message())
	}
}

func TestTrack_OrderMissing(t *testing.T) {
	chain := &scriptedChain{tx: minedTx("0x111", 100), heads: []uint64{120}}
	tr, _ := newTestTracker(chain, TrackerConfig{})

	out := tr.Track(context.Background(), Session{TxHash: "0xabc", ExpectedSender: "0x111", OrderID: 7}, nil)
	if !errors.Is(out.Err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", out.Err)
	}
	if out.Message() != "Error: order not found" {
		t.Fatalf("unexpected message %q", out.Message())
	}
}

func TestTrack_FiatConversionFailure(t *testing.T) {
	chain := &scriptedChain{tx: minedTx("0x111", 100), heads: []uint64{120}}
	tr, _ := newTestTracker(chain, TrackerConfig{})
	tr.fiat = fixedRate{err: errors.New("feed down")}

	out := tr.Track(context.Background(), Session{TxHash: "0xabc", ExpectedSender: "0x111", OrderID: 42}, nil)
	if !errors.Is(out.Err, ErrFiatConversion) {
		t.Fatalf("expected ErrFiatConversion, got %v", out.Err)
	}
	if out.Message() != "Error calculating the value in USD" {
		t.Fatalf("unexpected message %q", out.Message())
	}
}

func TestTrack_RetriesTransportErrors(t *testing.T) {
	chain := &scriptedChain{tx: minedTx("0x111", 100), heads: []uint64{120}, failReads: 2}
	tr, clk := newTestTracker(chain, TrackerConfig{ReadRetries: 3, RetryBackoff: time.Second})

	out := tr.Track(context.Background(), Session{TxHash: "0xabc", ExpectedSender: "0x111", OrderID: 42}, nil)
	if out.Err != nil || out.Status != StatusCompleted {
		t.Fatalf("expected Completed after retries, got %s err=%v", out.Status, out.Err)
	}
	if chain.txCalls != 3 {
		t.Fatalf("expected 3 reads, got %d", chain.txCalls)
	}
	if len(clk.sleeps) != 2 || clk.sleeps[0] != time.Second || clk.sleeps[1] != 2*time.Second {
		t.Fatalf("expected 1s then 2s backoff, got %v", clk.sleeps)
	}
}

func TestTrack_ChainUnavailableAfterRetries(t *testing.T) {
	chain := &scriptedChain{tx: minedTx("0x111", 100), heads: []uint64{120}, failReads: 10}
	tr, _ := newTestTracker(chain, TrackerConfig{ReadRetries: 1, RetryBackoff: time.Second})

	out := tr.Track(context.Background(), Session{TxHash: "0xabc", ExpectedSender: "0x111", OrderID: 42}, nil)
	if !errors.Is(out.Err, ErrChainUnavailable) {
		t.Fatalf("expected ErrChainUnavailable, got %v", out.Err)
	}
	if chain.txCalls != 2 {
		t.Fatalf("expected 2 reads, got %d", chain.txCalls)
	}
}

func TestTrack_Cancelled(t *testing.T) {
	chain := &scriptedChain{tx: minedTx("0x111", 100), heads: []uint64{101}}
	tr, _ := newTestTracker(chain, TrackerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := tr.Track(ctx, Session{TxHash: "0xabc", ExpectedSender: "0x111", OrderID: 42}, func(State) {
		cancel()
	})
	if !errors.Is(out.Err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", out.Err)
	}
	if out.Polls != 1 {
		t.Fatalf("expected 1 poll, got %d", out.Polls)
	}
}

func TestTrack_ConcurrentSessionsAreIndependent(t *testing.T) {
	slow := &scriptedChain{tx: minedTx("0x111", 100), heads: []uint64{101, 102, 103, 104, 105, 106}}
	fast := &scriptedChain{tx: minedTx("0x222", 100), heads: []uint64{110}}

	trSlow, _ := newTestTracker(slow, TrackerConfig{})
	trFast, _ := newTestTracker(fast, TrackerConfig{})

	var wg sync.WaitGroup
	var a, b Outcome
	wg.Add(2)
	go func() {
		defer wg.Done()
		a = trSlow.Track(context.Background(), Session{TxHash: "0xa", ExpectedSender: "0x111", OrderID: 42}, nil)
	}()
	go func() {
		defer wg.Done()
		b = trFast.Track(context.Background(), Session{TxHash: "0xb", ExpectedSender: "0x222", OrderID: 42}, nil)
	}()
	wg.Wait()

	if b.Status != StatusCompleted || b.Confirmations != 11 || b.Polls != 1 {
		t.Fatalf("fast session: %s/%d polls=%d", b.Status, b.Confirmations, b.Polls)
	}
	if !errors.Is(a.Err, ErrTimeoutExceeded) || a.LastObserved != 8-1 {
		t.Fatalf("slow session: err=%v last=%d", a.Err, a.LastObserved)
	}
}
