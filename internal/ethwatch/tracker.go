package ethwatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
)

type Status string

const (
	StatusPending    Status = "Pending"
	StatusConfirming Status = "Confirming"
	StatusCompleted  Status = "Completed"
	StatusError      Status = "Error"
)

var (
	ErrSenderMismatch   = errors.New("sender address does not match")
	ErrOrderNotFound    = errors.New("order not found")
	ErrFiatConversion   = errors.New("fiat conversion failed")
	ErrTimeoutExceeded  = errors.New("confirmation deadline exceeded")
	ErrChainUnavailable = errors.New("chain node unavailable")
	ErrCancelled        = errors.New("verification cancelled")
)

// Message returns the user-facing text for a terminal session error.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrTxNotFound):
		return "Transaction not found"
	case errors.Is(err, ErrSenderMismatch):
		return "Sender address does not match"
	case errors.Is(err, ErrOrderNotFound):
		return "Error: order not found"
	case errors.Is(err, ErrFiatConversion):
		return "Error calculating the value in USD"
	case errors.Is(err, ErrTimeoutExceeded):
		return "Timeout exceeded: Confirmations not reached within allowed time."
	case errors.Is(err, ErrChainUnavailable):
		return "Blockchain node unavailable"
	case errors.Is(err, ErrCancelled):
		return "Verification cancelled"
	case err == nil:
		return ""
	default:
		return "Error verifying transaction"
	}
}

type FiatConverter interface {
	WeiToCents(ctx context.Context, wei *big.Int) (int64, error)
}

type OrderLookup interface {
	OrderExists(ctx context.Context, orderID int64) (bool, error)
}

type TrackerConfig struct {
	RequiredConfirmations int
	Deadline              time.Duration
	PollInterval          time.Duration
	// ReadRetries is the number of extra attempts for a failed chain read.
	ReadRetries  int
	RetryBackoff time.Duration
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.RequiredConfirmations <= 0 {
		c.RequiredConfirmations = 8
	}
	if c.Deadline <= 0 {
		c.Deadline = 300 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.ReadRetries < 0 {
		c.ReadRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

type Session struct {
	TxHash         string
	ExpectedSender string
	OrderID        int64
}

// State is the progress snapshot of one session. It is never shared between sessions.
type State struct {
	TxHash         string
	ExpectedSender string
	StartedAt      time.Time
	Status         Status
	Confirmations  int
	Polls          int
}

type Outcome struct {
	State
	AmountFiatCents int64
	AmountWei       *big.Int
	Payer           string
	// LastObserved keeps the confirmations seen before a failure; State.Confirmations is 0 then.
	LastObserved int
	Err          error
}

func (o Outcome) Message() string { return Message(o.Err) }

type Tracker struct {
	chain  ChainClient
	fiat   FiatConverter
	orders OrderLookup
	cfg    TrackerConfig
	logger *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewTracker(chain ChainClient, fiat FiatConverter, orders OrderLookup, cfg TrackerConfig, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		chain:  chain,
		fiat:   fiat,
		orders: orders,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func (t *Tracker) Config() TrackerConfig { return t.cfg }

// Track polls the chain until the transaction reaches the confirmation threshold,
// a check fails, the deadline passes or ctx is cancelled. onProgress, when set,
// receives a snapshot after every non-terminal poll.
func (t *Tracker) Track(ctx context.Context, s Session, onProgress func(State)) Outcome {
	st := State{
		TxHash:         s.TxHash,
		ExpectedSender: s.ExpectedSender,
		StartedAt:      t.now(),
		Status:         StatusPending,
	}
	deadline := st.StartedAt.Add(t.cfg.Deadline)
	log := t.logger.With(zap.String("tx_hash", s.TxHash), zap.Int64("order_id", s.OrderID))

	for {
		st.Polls++

		out, err := t.poll(ctx, s, deadline, &st)
		if err != nil {
			return t.fail(ctx, log, st, err)
		}
		if st.Status == StatusCompleted {
			out.State = st
			log.Info("confirmation threshold reached",
				zap.Int("confirmations", st.Confirmations),
				zap.Int("polls", st.Polls),
				zap.Int64("amount_cents", out.AmountFiatCents),
			)
			return out
		}

		if onProgress != nil {
			onProgress(st)
		}

		elapsed := t.now().Sub(st.StartedAt)
		if elapsed+t.cfg.PollInterval >= t.cfg.Deadline {
			return t.fail(ctx, log, st, ErrTimeoutExceeded)
		}

		if err := t.sleep(ctx, t.cfg.PollInterval); err != nil {
			return t.fail(ctx, log, st, ErrCancelled)
		}
	}
}

func (t *Tracker) poll(ctx context.Context, s Session, deadline time.Time, st *State) (Outcome, error) {
	tx, err := retryRead(ctx, t, deadline, func(ctx context.Context) (Transaction, error) {
		return t.chain.TransactionByHash(ctx, s.TxHash)
	})
	if err != nil {
		return Outcome{}, err
	}

	if !SameAddress(tx.From, s.ExpectedSender) {
		return Outcome{}, fmt.Errorf("%w: got %s", ErrSenderMismatch, tx.From)
	}

	cents, err := t.fiat.WeiToCents(ctx, tx.ValueWei)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrFiatConversion, err)
	}

	ok, err := t.orders.OrderExists(ctx, s.OrderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("order lookup: %w", err)
	}
	if !ok {
		return Outcome{}, ErrOrderNotFound
	}

	st.Status = StatusPending
	st.Confirmations = 0
	if tx.IncludedBlock != nil {
		head, err := retryRead(ctx, t, deadline, t.chain.BlockHeight)
		if err != nil {
			return Outcome{}, err
		}
		st.Status = StatusConfirming
		st.Confirmations = confirmations(head, *tx.IncludedBlock)
	}

	if st.Confirmations >= t.cfg.RequiredConfirmations {
		st.Status = StatusCompleted
	}

	return Outcome{
		AmountFiatCents: cents,
		AmountWei:       tx.ValueWei,
		Payer:           tx.From,
	}, nil
}

func (t *Tracker) fail(ctx context.Context, log *zap.Logger, st State, err error) Outcome {
	if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	log.Warn("confirmation session failed",
		zap.Error(err),
		zap.Int("last_confirmations", st.Confirmations),
		zap.Int("polls", st.Polls),
	)

	last := st.Confirmations
	st.Status = StatusError
	st.Confirmations = 0
	return Outcome{State: st, LastObserved: last, Err: err}
}

func confirmations(head, included uint64) int {
	if head < included {
		return 0
	}
	return int(head-included) + 1
}

// retryRead repeats a chain read on transport errors with exponential backoff.
// ErrTxNotFound is an answer, not a failure, and is returned at once.
func retryRead[T any](ctx context.Context, t *Tracker, deadline time.Time, read func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	backoff := t.cfg.RetryBackoff

	for attempt := 0; attempt <= t.cfg.ReadRetries; attempt++ {
		if attempt > 0 {
			if !t.now().Add(backoff).Before(deadline) {
				break
			}
			if err := t.sleep(ctx, backoff); err != nil {
				return zero, ErrCancelled
			}
			backoff *= 2
		}

		v, err := read(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrTxNotFound) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ErrCancelled
		}
		lastErr = err
		t.logger.Debug("chain read failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return zero, fmt.Errorf("%w: %v", ErrChainUnavailable, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
