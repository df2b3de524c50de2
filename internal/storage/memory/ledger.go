package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/pvzzle/cryptopay/internal/storage"
)

// Ledger keeps payments, orders and stock in process memory. One mutex guards all
// tables, so RecordConfirmedPayment is atomic with respect to every other call.
type Ledger struct {
	mu       sync.Mutex
	nextID   int64
	payments map[string]storage.Payment
	orders   map[int64]storage.Order
	items    map[int64][]storage.OrderItem
	products map[int64]storage.Product
}

func New() *Ledger {
	return &Ledger{
		payments: make(map[string]storage.Payment),
		orders:   make(map[int64]storage.Order),
		items:    make(map[int64][]storage.OrderItem),
		products: make(map[int64]storage.Product),
	}
}

func (l *Ledger) EnsureSchema(ctx context.Context) error { return nil }

func (l *Ledger) PutProduct(p storage.Product) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.products[p.ID] = p
}

func (l *Ledger) PutOrder(o storage.Order, items ...storage.OrderItem) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o.Status == "" {
		o.Status = storage.OrderPending
	}
	l.orders[o.ID] = o
	cp := make([]storage.OrderItem, len(items))
	for i, it := range items {
		it.OrderID = o.ID
		cp[i] = it
	}
	l.items[o.ID] = cp
}

func (l *Ledger) Order(id int64) (storage.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	return o, ok
}

func (l *Ledger) Product(id int64) (storage.Product, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[id]
	return p, ok
}

func (l *Ledger) PaymentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.payments)
}

func (l *Ledger) PaymentByTxHash(ctx context.Context, txHash string) (storage.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[txHash]
	if !ok {
		return storage.Payment{}, storage.ErrNotFound
	}
	return copyPayment(p), nil
}

func (l *Ledger) OrderExists(ctx context.Context, orderID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.orders[orderID]
	return ok, nil
}

func (l *Ledger) RecordConfirmedPayment(ctx context.Context, in storage.ConfirmedPayment) (storage.Payment, error) {
	if err := ctx.Err(); err != nil {
		return storage.Payment{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	order, ok := l.orders[in.OrderID]
	if !ok {
		return storage.Payment{}, storage.ErrOrderNotFound
	}
	if _, dup := l.payments[in.TxHash]; dup {
		return storage.Payment{}, storage.ErrPaymentExists
	}
	if order.Status != storage.OrderPending {
		return storage.Payment{}, fmt.Errorf("order %d is %s: %w", in.OrderID, order.Status, storage.ErrOrderNotPending)
	}

	// validate every write before applying any of them
	items := l.items[in.OrderID]
	for _, it := range items {
		if _, ok := l.products[it.ProductID]; !ok {
			return storage.Payment{}, fmt.Errorf("decrement stock product=%d: %w", it.ProductID, storage.ErrProductNotFound)
		}
	}

	for _, it := range items {
		p := l.products[it.ProductID]
		p.Stock -= it.Quantity
		l.products[it.ProductID] = p
	}

	order.Status = storage.OrderCompleted
	l.orders[in.OrderID] = order

	l.nextID++
	p := storage.Payment{
		ID:              l.nextID,
		TxHash:          in.TxHash,
		PayerAddr:       in.PayerAddr,
		Status:          storage.PaymentCompleted,
		Confirmations:   in.Confirmations,
		UserID:          in.UserID,
		OrderID:         in.OrderID,
		AmountFiatCents: in.AmountFiatCents,
		AmountWei:       in.AmountWei,
		CreatedAt:       time.Now().UTC(),
	}
	l.payments[in.TxHash] = p
	return copyPayment(p), nil
}

func (l *Ledger) ListRecentPayments(ctx context.Context, limit int) ([]storage.Payment, error) {
	if limit <= 0 {
		limit = 10
	}

	l.mu.Lock()
	out := make([]storage.Payment, 0, len(l.payments))
	for _, p := range l.payments {
		out = append(out, copyPayment(p))
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyPayment(p storage.Payment) storage.Payment {
	if p.AmountWei != nil {
		p.AmountWei = new(big.Int).Set(p.AmountWei)
	}
	return p
}
