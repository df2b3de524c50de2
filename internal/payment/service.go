package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pvzzle/cryptopay/internal/ethwatch"
	"github.com/pvzzle/cryptopay/internal/metrics"
	"github.com/pvzzle/cryptopay/internal/sessions"
	"github.com/pvzzle/cryptopay/internal/storage"

	"go.uber.org/zap"
)

type Tracker interface {
	Track(ctx context.Context, s ethwatch.Session, onProgress func(ethwatch.State)) ethwatch.Outcome
	Config() ethwatch.TrackerConfig
}

// Alerter notifies operators about conditions that need a human.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

type Config struct {
	// ClientWait bounds how long Verify waits for a session. Zero or less waits
	// for the whole session and cancels it if the only waiter goes away.
	ClientWait time.Duration
}

type Service struct {
	ledger   storage.Ledger
	tracker  Tracker
	sessions *sessions.Registry[Response]
	alerter  Alerter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	cfg      Config
	required int
}

func NewService(
	ledger storage.Ledger,
	tracker Tracker,
	reg *sessions.Registry[Response],
	alerter Alerter,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		ledger:   ledger,
		tracker:  tracker,
		sessions: reg,
		alerter:  alerter,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		required: tracker.Config().RequiredConfirmations,
	}
}

func (s *Service) RequiredConfirmations() int { return s.required }

func (s *Service) Verify(ctx context.Context, req Request) Response {
	resp := s.verify(ctx, req)
	s.metrics.VerifyRequestsTotal.WithLabelValues(string(resp.TransactionStatus)).Inc()
	return resp
}

func (s *Service) verify(ctx context.Context, req Request) Response {
	req.TransactionHash = NormalizeHash(req.TransactionHash)
	req.Address = strings.TrimSpace(req.Address)

	if req.TransactionHash == "" || req.Address == "" || req.OrderID == 0 || req.UserID == 0 {
		resp := Pending(s.required, msgMissingFields)
		resp.Kind = KindMissingFields
		return resp
	}

	if !ethwatch.IsEthAddress(req.Address) {
		return failed(s.required, KindRejected, msgBadAddress)
	}

	log := s.logger.With(
		zap.String("tx_hash", req.TransactionHash),
		zap.Int64("order_id", req.OrderID),
		zap.Int64("user_id", req.UserID),
	)

	existing, err := s.ledger.PaymentByTxHash(ctx, req.TransactionHash)
	switch {
	case err == nil:
		return s.alreadyRecorded(req.Address, existing.TxHash)
	case !errors.Is(err, storage.ErrNotFound):
		log.Error("payment lookup failed", zap.Error(err))
		return failed(s.required, KindInternal, msgInternal+retrySuffix)
	}

	key := sessions.Key{
		TxHash:  req.TransactionHash,
		OrderID: req.OrderID,
		UserID:  req.UserID,
		Payer:   strings.ToLower(req.Address),
	}
	sess, joined, err := s.sessions.Start(key, s.run(req))
	if errors.Is(err, sessions.ErrConflict) {
		log.Warn("session conflict")
		return failed(s.required, KindSessionConflict, msgConflict)
	}
	if err != nil {
		log.Error("start session failed", zap.Error(err))
		return failed(s.required, KindInternal, msgInternal+retrySuffix)
	}
	if joined {
		log.Info("joined running session", zap.String("session_id", sess.ID()))
	}

	if s.cfg.ClientWait > 0 {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.ClientWait)
		defer cancel()

		snap, done := s.sessions.Wait(wctx, sess)
		s.sessions.Leave(sess)
		if done {
			return withSession(snap.Result, snap.ID)
		}
		return s.inProgress(snap)
	}

	snap, done := s.sessions.Wait(ctx, sess)
	if left := s.sessions.Leave(sess); !done && left == 0 {
		log.Info("caller gone, cancelling session", zap.String("session_id", sess.ID()))
		s.sessions.Cancel(sess.ID())
	}
	if done {
		return withSession(snap.Result, snap.ID)
	}
	return s.inProgress(snap)
}

// Session reports the live or final state of a confirmation session started
// by userID. Sessions of other users are reported as absent.
func (s *Service) Session(id string, userID int64) (Response, bool) {
	sess, ok := s.sessions.Get(id)
	if !ok || sess.Key().UserID != userID {
		return Response{}, false
	}
	return s.describe(sess.Snapshot()), true
}

// LookupSession is Session without the owner check, for operators.
func (s *Service) LookupSession(id string) (Response, bool) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return Response{}, false
	}
	return s.describe(sess.Snapshot()), true
}

// Cancel stops a session started by userID.
func (s *Service) Cancel(id string, userID int64) bool {
	sess, ok := s.sessions.Get(id)
	if !ok || sess.Key().UserID != userID {
		return false
	}
	return s.sessions.Cancel(id)
}

func (s *Service) describe(snap sessions.Snapshot[Response]) Response {
	if snap.Done {
		return withSession(snap.Result, snap.ID)
	}
	return s.inProgress(snap)
}

func (s *Service) Payment(ctx context.Context, txHash string) (storage.Payment, error) {
	return s.ledger.PaymentByTxHash(ctx, NormalizeHash(txHash))
}

// NormalizeHash makes hex hashes that differ only in case map to one ledger key.
func NormalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

func (s *Service) run(req Request) sessions.RunFunc[Response] {
	return func(ctx context.Context, progress func(ethwatch.State)) Response {
		s.metrics.SessionsActive.Inc()
		defer s.metrics.SessionsActive.Dec()
		start := time.Now()

		out := s.tracker.Track(ctx, ethwatch.Session{
			TxHash:         req.TransactionHash,
			ExpectedSender: req.Address,
			OrderID:        req.OrderID,
		}, progress)
		s.metrics.ChainPollsTotal.Add(float64(out.Polls))

		resp := s.settle(ctx, req, out)
		s.metrics.SessionDuration.WithLabelValues(string(resp.TransactionStatus)).Observe(time.Since(start).Seconds())
		return resp
	}
}

func (s *Service) settle(ctx context.Context, req Request, out ethwatch.Outcome) Response {
	if out.Err != nil {
		resp := failed(s.required, KindRejected, out.Message()+retrySuffix)
		resp.CurrentConfirmations = out.Confirmations
		resp.RemainingConfirmations = remaining(s.required, out.Confirmations)
		return resp
	}

	payer := out.Payer
	if payer == "" {
		payer = req.Address
	}

	// the transfer is final on-chain; a late cancel must not abort the commit
	cctx := context.WithoutCancel(ctx)
	p, err := s.ledger.RecordConfirmedPayment(cctx, storage.ConfirmedPayment{
		TxHash:          req.TransactionHash,
		PayerAddr:       payer,
		Confirmations:   out.Confirmations,
		UserID:          req.UserID,
		OrderID:         req.OrderID,
		AmountFiatCents: out.AmountFiatCents,
		AmountWei:       out.AmountWei,
	})
	switch {
	case errors.Is(err, storage.ErrPaymentExists):
		return s.alreadyRecorded(req.Address, req.TransactionHash)
	case err != nil:
		return s.commitFailed(cctx, req, out, err)
	}

	s.metrics.PaymentsRecordedTotal.Inc()
	s.logger.Info("payment recorded",
		zap.Int64("payment_id", p.ID),
		zap.String("tx_hash", p.TxHash),
		zap.Int64("order_id", p.OrderID),
		zap.Int64("amount_cents", p.AmountFiatCents),
	)

	cents := out.AmountFiatCents
	return Response{
		Verified:               true,
		Message:                msgCompleted,
		TransactionStatus:      ethwatch.StatusCompleted,
		CurrentConfirmations:   out.Confirmations,
		RequiredConfirmations:  s.required,
		RemainingConfirmations: remaining(s.required, out.Confirmations),
		AmountInUSDCents:       &cents,
		AmountInEther:          ethwatch.FormatEther(out.AmountWei),
		Kind:                   KindVerified,
	}
}

func (s *Service) commitFailed(ctx context.Context, req Request, out ethwatch.Outcome, err error) Response {
	s.metrics.CommitFailuresTotal.Inc()
	s.logger.Error("confirmed payment not recorded",
		zap.String("tx_hash", req.TransactionHash),
		zap.Int64("order_id", req.OrderID),
		zap.Int64("user_id", req.UserID),
		zap.Int("confirmations", out.Confirmations),
		zap.Error(err),
	)

	if s.alerter != nil {
		s.alerter.Alert(ctx, fmt.Sprintf(
			"Payment commit failed\ntx: %s\norder: %d\nuser: %d\namount: %s (%d cents)\nerror: %v",
			req.TransactionHash, req.OrderID, req.UserID,
			ethwatch.FormatEther(out.AmountWei), out.AmountFiatCents, err,
		))
	}

	return failed(s.required, KindCommitFailed, msgCommitFailed)
}

func (s *Service) alreadyRecorded(address, txHash string) Response {
	return Response{
		Verified:               true,
		Message:                msgAlreadyRecorded,
		TransactionStatus:      ethwatch.StatusCompleted,
		CurrentConfirmations:   s.required,
		RequiredConfirmations:  s.required,
		RemainingConfirmations: 0,
		Address:                address,
		Transaction:            txHash,
		Kind:                   KindAlreadyRecorded,
	}
}

func (s *Service) inProgress(snap sessions.Snapshot[Response]) Response {
	st := snap.State
	status := st.Status
	if status != ethwatch.StatusConfirming {
		status = ethwatch.StatusPending
	}
	return Response{
		Message:                msgInProgress,
		TransactionStatus:      status,
		CurrentConfirmations:   st.Confirmations,
		RequiredConfirmations:  s.required,
		RemainingConfirmations: remaining(s.required, st.Confirmations),
		SessionID:              snap.ID,
		Kind:                   KindInProgress,
	}
}

func withSession(resp Response, id string) Response {
	resp.SessionID = id
	return resp
}
