package pg

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/pvzzle/cryptopay/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Postgres struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (r *Postgres) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS products (
  id    BIGSERIAL PRIMARY KEY,
  name  TEXT NOT NULL,
  stock INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS orders (
  id           BIGSERIAL PRIMARY KEY,
  user_id      BIGINT NOT NULL,
  status       TEXT NOT NULL DEFAULT 'PENDING', -- PENDING|COMPLETED|CANCELLED
  total_amount BIGINT NOT NULL DEFAULT 0,
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS order_products (
  order_id   BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  product_id BIGINT NOT NULL,
  quantity   INT NOT NULL,
  PRIMARY KEY (order_id, product_id)
);

CREATE TABLE IF NOT EXISTS payments (
  id                BIGSERIAL PRIMARY KEY,
  transaction_hash  TEXT NOT NULL UNIQUE,
  payer_address     TEXT NOT NULL,
  status            TEXT NOT NULL,
  confirmations     INT NOT NULL,
  user_id           BIGINT NOT NULL,
  order_id          BIGINT NOT NULL REFERENCES orders(id),
  amount_fiat_cents BIGINT NOT NULL,
  amount_wei        NUMERIC(78,0) NOT NULL,
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS payments_created_idx ON payments(created_at DESC);
`
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

func (r *Postgres) PaymentByTxHash(ctx context.Context, txHash string) (storage.Payment, error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	row := r.pool.QueryRow(cctx, selectPayment+` WHERE transaction_hash = $1`, txHash)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Payment{}, storage.ErrNotFound
	}
	return p, err
}

func (r *Postgres) OrderExists(ctx context.Context, orderID int64) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var ok bool
	err := r.pool.QueryRow(cctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&ok)
	return ok, err
}

func (r *Postgres) RecordConfirmedPayment(ctx context.Context, in storage.ConfirmedPayment) (storage.Payment, error) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := r.pool.BeginTx(cctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return storage.Payment{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(cctx)

	var status string
	err = tx.QueryRow(cctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, in.OrderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Payment{}, storage.ErrOrderNotFound
	}
	if err != nil {
		return storage.Payment{}, fmt.Errorf("lock order: %w", err)
	}

	amountWei := "0"
	if in.AmountWei != nil {
		amountWei = in.AmountWei.String()
	}

	row := tx.QueryRow(cctx, `
INSERT INTO payments(
  transaction_hash, payer_address, status, confirmations,
  user_id, order_id, amount_fiat_cents, amount_wei
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric)
RETURNING id, created_at`,
		in.TxHash, in.PayerAddr, string(storage.PaymentCompleted), in.Confirmations,
		in.UserID, in.OrderID, in.AmountFiatCents, amountWei,
	)

	out := storage.Payment{
		TxHash:          in.TxHash,
		PayerAddr:       in.PayerAddr,
		Status:          storage.PaymentCompleted,
		Confirmations:   in.Confirmations,
		UserID:          in.UserID,
		OrderID:         in.OrderID,
		AmountFiatCents: in.AmountFiatCents,
		AmountWei:       in.AmountWei,
	}
	if err := row.Scan(&out.ID, &out.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.Payment{}, storage.ErrPaymentExists
		}
		return storage.Payment{}, fmt.Errorf("insert payment: %w", err)
	}

	// checked after the insert so a lost race still reports ErrPaymentExists
	if storage.OrderStatus(status) != storage.OrderPending {
		return storage.Payment{}, fmt.Errorf("order %d is %s: %w", in.OrderID, status, storage.ErrOrderNotPending)
	}

	if _, err := tx.Exec(cctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`,
		in.OrderID, string(storage.OrderCompleted),
	); err != nil {
		return storage.Payment{}, fmt.Errorf("complete order: %w", err)
	}

	items, err := orderItems(cctx, tx, in.OrderID)
	if err != nil {
		return storage.Payment{}, err
	}

	for _, it := range items {
		tag, err := tx.Exec(cctx, `UPDATE products SET stock = stock - $2 WHERE id = $1`, it.ProductID, it.Quantity)
		if err != nil {
			return storage.Payment{}, fmt.Errorf("decrement stock product=%d: %w", it.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return storage.Payment{}, fmt.Errorf("decrement stock product=%d: %w", it.ProductID, storage.ErrProductNotFound)
		}
	}

	if err := tx.Commit(cctx); err != nil {
		return storage.Payment{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (r *Postgres) ListRecentPayments(ctx context.Context, limit int) ([]storage.Payment, error) {
	if limit <= 0 {
		limit = 10
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.pool.Query(cctx, selectPayment+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// CreateOrder inserts an order with its line items. It backs fixtures and the
// load test; order creation proper belongs to the order service.
func (r *Postgres) CreateOrder(ctx context.Context, o storage.Order, items []storage.OrderItem) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	status := o.Status
	if status == "" {
		status = storage.OrderPending
	}

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO orders(user_id, status, total_amount) VALUES ($1, $2, $3) RETURNING id`,
		o.UserID, string(status), o.TotalAmount,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}

	for _, it := range items {
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_products(order_id, product_id, quantity) VALUES ($1, $2, $3)`,
			id, it.ProductID, it.Quantity,
		); err != nil {
			return 0, fmt.Errorf("insert order item: %w", err)
		}
	}

	return id, tx.Commit(ctx)
}

func (r *Postgres) CreateProduct(ctx context.Context, p storage.Product) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO products(name, stock) VALUES ($1, $2) RETURNING id`, p.Name, p.Stock,
	).Scan(&id)
	return id, err
}

func (r *Postgres) String() string { return fmt.Sprintf("pgledger(%p)", r.pool) }

const selectPayment = `
SELECT id, transaction_hash, payer_address, status, confirmations,
       user_id, order_id, amount_fiat_cents, amount_wei::text, created_at
FROM payments`

func scanPayment(row pgx.Row) (storage.Payment, error) {
	var (
		p      storage.Payment
		status string
		wei    string
	)
	if err := row.Scan(
		&p.ID, &p.TxHash, &p.PayerAddr, &status, &p.Confirmations,
		&p.UserID, &p.OrderID, &p.AmountFiatCents, &wei, &p.CreatedAt,
	); err != nil {
		return storage.Payment{}, err
	}
	p.Status = storage.PaymentStatus(status)
	p.AmountWei, _ = new(big.Int).SetString(wei, 10)
	return p, nil
}

func orderItems(ctx context.Context, tx pgx.Tx, orderID int64) ([]storage.OrderItem, error) {
	rows, err := tx.Query(ctx,
		`SELECT product_id, quantity FROM order_products WHERE order_id = $1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()

	var out []storage.OrderItem
	for rows.Next() {
		it := storage.OrderItem{OrderID: orderID}
		if err := rows.Scan(&it.ProductID, &it.Quantity); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
