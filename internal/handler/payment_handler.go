package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pvzzle/cryptopay/internal/ethwatch"
	"github.com/pvzzle/cryptopay/internal/middleware"
	"github.com/pvzzle/cryptopay/internal/payment"
	"github.com/pvzzle/cryptopay/internal/storage"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type PaymentService interface {
	Verify(ctx context.Context, req payment.Request) payment.Response
	Session(id string, userID int64) (payment.Response, bool)
	Cancel(id string, userID int64) bool
	Payment(ctx context.Context, txHash string) (storage.Payment, error)
	RequiredConfirmations() int
}

type PaymentHandler struct {
	svc    PaymentService
	logger *zap.Logger
}

func NewPaymentHandler(svc PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		svc:    svc,
		logger: logger,
	}
}

// Verify handles POST /payments/crypto/verify
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.MethodNotAllowed(w, r)
		return
	}

	var req payment.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode verify request", zap.Error(err))
		sendJSON(w, http.StatusBadRequest, payment.Pending(h.svc.RequiredConfirmations(), "Invalid request body"))
		return
	}
	req.UserID, _ = middleware.UserID(r.Context())

	resp := h.svc.Verify(r.Context(), req)

	h.logger.Info("verify request handled",
		zap.String("tx_hash", req.TransactionHash),
		zap.Int64("order_id", req.OrderID),
		zap.String("kind", string(resp.Kind)),
		zap.String("status", string(resp.TransactionStatus)),
		zap.Int("confirmations", resp.CurrentConfirmations))

	sendJSON(w, statusFor(resp), resp)
}

// MethodNotAllowed answers non-POST calls on the verify endpoint with a full response body.
func (h *PaymentHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodPost)
	sendJSON(w, http.StatusMethodNotAllowed,
		payment.Pending(h.svc.RequiredConfirmations(), fmt.Sprintf("Method %s Not Allowed", r.Method)))
}

// GetSession handles GET /payments/crypto/sessions/{id}
func (h *PaymentHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, _ := middleware.UserID(r.Context())

	// other users' sessions are reported as absent
	resp, ok := h.svc.Session(id, userID)
	if !ok {
		sendError(w, http.StatusNotFound, "session not found")
		return
	}
	sendJSON(w, statusFor(resp), resp)
}

// CancelSession handles DELETE /payments/crypto/sessions/{id}
func (h *PaymentHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, _ := middleware.UserID(r.Context())

	if !h.svc.Cancel(id, userID) {
		sendError(w, http.StatusNotFound, "session not found")
		return
	}
	h.logger.Info("session cancelled", zap.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

type paymentView struct {
	ID               int64     `json:"id"`
	TransactionHash  string    `json:"transactionHash"`
	PayerAddress     string    `json:"payerAddress"`
	Status           string    `json:"status"`
	Confirmations    int       `json:"confirmations"`
	OrderID          int64     `json:"orderId"`
	AmountInUSDCents int64     `json:"amountInUSDcents"`
	AmountInEther    string    `json:"amountInEther"`
	AmountWei        string    `json:"amountWei"`
	CreatedAt        time.Time `json:"createdAt"`
}

// GetPayment handles GET /payments/crypto/{transactionHash}
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "transactionHash")
	userID, _ := middleware.UserID(r.Context())

	p, err := h.svc.Payment(r.Context(), hash)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		sendError(w, http.StatusNotFound, "payment not found")
		return
	case err != nil:
		h.logger.Error("failed to load payment", zap.String("tx_hash", hash), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "failed to load payment")
		return
	}

	// other users' payments are reported as absent
	if p.UserID != userID {
		sendError(w, http.StatusNotFound, "payment not found")
		return
	}

	wei := "0"
	if p.AmountWei != nil {
		wei = p.AmountWei.String()
	}
	sendJSON(w, http.StatusOK, paymentView{
		ID:               p.ID,
		TransactionHash:  p.TxHash,
		PayerAddress:     p.PayerAddr,
		Status:           string(p.Status),
		Confirmations:    p.Confirmations,
		OrderID:          p.OrderID,
		AmountInUSDCents: p.AmountFiatCents,
		AmountInEther:    ethwatch.FormatEther(p.AmountWei),
		AmountWei:        wei,
		CreatedAt:        p.CreatedAt,
	})
}

func statusFor(resp payment.Response) int {
	switch resp.Kind {
	case payment.KindVerified, payment.KindAlreadyRecorded:
		return http.StatusOK
	case payment.KindInProgress:
		return http.StatusAccepted
	case payment.KindCommitFailed, payment.KindInternal:
		return http.StatusInternalServerError
	default:
		if resp.Verified {
			return http.StatusOK
		}
		return http.StatusBadRequest
	}
}

// Response helpers
func sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	sendJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"message": message,
	})
}
