package storage

import (
	"math/big"
	"time"
)

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "Completed"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Payment is an append-only record of a confirmed on-chain payment.
type Payment struct {
	ID              int64
	TxHash          string
	PayerAddr       string
	Status          PaymentStatus
	Confirmations   int
	UserID          int64
	OrderID         int64
	AmountFiatCents int64
	AmountWei       *big.Int
	CreatedAt       time.Time
}

// ConfirmedPayment is the input of Ledger.RecordConfirmedPayment.
// AmountFiatCents is already rounded by the price converter and is stored as-is.
type ConfirmedPayment struct {
	TxHash          string
	PayerAddr       string
	Confirmations   int
	UserID          int64
	OrderID         int64
	AmountFiatCents int64
	AmountWei       *big.Int
}

type Order struct {
	ID          int64
	UserID      int64
	Status      OrderStatus
	TotalAmount int64
}

type OrderItem struct {
	OrderID   int64
	ProductID int64
	Quantity  int
}

type Product struct {
	ID    int64
	Name  string
	Stock int
}
