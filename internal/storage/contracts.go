package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrPaymentExists   = errors.New("payment already recorded for transaction")
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPending = errors.New("order is not pending")
	ErrProductNotFound = errors.New("product not found")
)

type Ledger interface {
	EnsureSchema(ctx context.Context) error

	PaymentByTxHash(ctx context.Context, txHash string) (Payment, error)
	OrderExists(ctx context.Context, orderID int64) (bool, error)

	// RecordConfirmedPayment inserts the payment, completes the order and decrements
	// stock for every line item in a single transaction. A second call for the same
	// transaction hash fails with ErrPaymentExists and leaves no side effects.
	// An order that is no longer PENDING fails with ErrOrderNotPending.
	RecordConfirmedPayment(ctx context.Context, p ConfirmedPayment) (Payment, error)

	ListRecentPayments(ctx context.Context, limit int) ([]Payment, error)
}
