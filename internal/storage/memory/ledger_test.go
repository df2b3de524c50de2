package memory

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/pvzzle/cryptopay/internal/storage"
)

func seed() *Ledger {
	l := New()
	l.PutProduct(storage.Product{ID: 1, Name: "keyboard", Stock: 10})
	l.PutProduct(storage.Product{ID: 2, Name: "mouse", Stock: 1})
	l.PutOrder(storage.Order{ID: 42, UserID: 7, TotalAmount: 4999},
		storage.OrderItem{ProductID: 1, Quantity: 3},
		storage.OrderItem{ProductID: 2, Quantity: 2},
	)
	return l
}

func confirmed(hash string, orderID int64) storage.ConfirmedPayment {
	return storage.ConfirmedPayment{
		TxHash:          hash,
		PayerAddr:       "0x111",
		Confirmations:   8,
		UserID:          7,
		OrderID:         orderID,
		AmountFiatCents: 4999,
		AmountWei:       big.NewInt(1e15),
	}
}

func TestRecordConfirmedPayment_AppliesAllWrites(t *testing.T) {
	l := seed()

	p, err := l.RecordConfirmedPayment(context.Background(), confirmed("0xabc", 42))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if p.ID == 0 || p.Status != storage.PaymentCompleted {
		t.Fatalf("unexpected payment: %+v", p)
	}

	o, _ := l.Order(42)
	if o.Status != storage.OrderCompleted {
		t.Fatalf("expected order COMPLETED, got %s", o.Status)
	}

	p1, _ := l.Product(1)
	p2, _ := l.Product(2)
	if p1.Stock != 7 || p2.Stock != -1 {
		t.Fatalf("unexpected stock: p1=%d p2=%d", p1.Stock, p2.Stock)
	}
}

func TestRecordConfirmedPayment_Duplicate(t *testing.T) {
	l := seed()
	ctx := context.Background()

	if _, err := l.RecordConfirmedPayment(ctx, confirmed("0xabc", 42)); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	_, err := l.RecordConfirmedPayment(ctx, confirmed("0xabc", 42))
	if !errors.Is(err, storage.ErrPaymentExists) {
		t.Fatalf("expected ErrPaymentExists, got %v", err)
	}

	p1, _ := l.Product(1)
	if p1.Stock != 7 {
		t.Fatalf("duplicate must not decrement twice, stock=%d", p1.Stock)
	}
}

func TestRecordConfirmedPayment_ConcurrentSingleWinner(t *testing.T) {
	l := seed()
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.RecordConfirmedPayment(ctx, confirmed("0xabc", 42)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 || l.PaymentCount() != 1 {
		t.Fatalf("expected exactly one commit, wins=%d rows=%d", wins, l.PaymentCount())
	}
}

func TestRecordConfirmedPayment_MissingProductRollsBack(t *testing.T) {
	l := seed()
	l.PutOrder(storage.Order{ID: 43, UserID: 7},
		storage.OrderItem{ProductID: 1, Quantity: 1},
		storage.OrderItem{ProductID: 99, Quantity: 1},
	)

	_, err := l.RecordConfirmedPayment(context.Background(), confirmed("0xdef", 43))
	if !errors.Is(err, storage.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}

	if l.PaymentCount() != 0 {
		t.Fatalf("expected no payment rows")
	}
	o, _ := l.Order(43)
	if o.Status != storage.OrderPending {
		t.Fatalf("expected order unchanged, got %s", o.Status)
	}
	p1, _ := l.Product(1)
	if p1.Stock != 10 {
		t.Fatalf("expected stock unchanged, got %d", p1.Stock)
	}
}

func TestRecordConfirmedPayment_CompletedOrderRejected(t *testing.T) {
	l := seed()
	ctx := context.Background()

	if _, err := l.RecordConfirmedPayment(ctx, confirmed("0xabc", 42)); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	_, err := l.RecordConfirmedPayment(ctx, confirmed("0xdef", 42))
	if !errors.Is(err, storage.ErrOrderNotPending) {
		t.Fatalf("expected ErrOrderNotPending, got %v", err)
	}

	if l.PaymentCount() != 1 {
		t.Fatalf("expected one payment row, got %d", l.PaymentCount())
	}
	p1, _ := l.Product(1)
	if p1.Stock != 7 {
		t.Fatalf("stock decremented twice, stock=%d", p1.Stock)
	}
}

func TestRecordConfirmedPayment_OrderNotFound(t *testing.T) {
	l := seed()

	_, err := l.RecordConfirmedPayment(context.Background(), confirmed("0xabc", 404))
	if !errors.Is(err, storage.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if l.PaymentCount() != 0 {
		t.Fatalf("expected no payment rows")
	}
}

func TestListRecentPayments_NewestFirst(t *testing.T) {
	l := seed()
	l.PutOrder(storage.Order{ID: 43, UserID: 7})
	ctx := context.Background()

	_, _ = l.RecordConfirmedPayment(ctx, confirmed("0x01", 42))
	_, _ = l.RecordConfirmedPayment(ctx, confirmed("0x02", 43))

	got, err := l.ListRecentPayments(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(got) != 1 || got[0].TxHash != "0x02" {
		t.Fatalf("expected newest payment first, got %+v", got)
	}
}
