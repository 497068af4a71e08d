package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/RaikyD/storefront-orders/internal/money"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteRepository is the embedded single-node store. The pool is capped at
// one connection, so every transaction is serialized.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sqliteOrderColumns = `id, owner_id, shipping_address, payment_method,
	items_cents, shipping_cents, tax_cents, total_cents,
	is_paid, paid_at, payment_external_id, payment_status, payment_update_time, payment_payer_email,
	is_delivered, delivered_at, created_at`

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *SQLiteRepository) Create(ctx context.Context, o *domain.Order) error {
	if err := validateNew(o); err != nil {
		return err
	}
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	id := o.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	pay := o.PaymentResult
	if pay == nil {
		pay = &domain.PaymentResult{}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+sqliteOrderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), o.OwnerID, string(addr), o.PaymentMethod,
		o.ItemsPrice.Cents(), o.ShippingPrice.Cents(), o.TaxPrice.Cents(), o.TotalPrice.Cents(),
		o.IsPaid, unixNanos(o.PaidAt), nullIfPaid(o.IsPaid, pay.ExternalID), nullIfPaid(o.IsPaid, pay.Status),
		nullIfPaid(o.IsPaid, pay.UpdateTime), nullIfPaid(o.IsPaid, pay.PayerEmail),
		o.IsDelivered, unixNanos(o.DeliveredAt), o.CreatedAt.UnixNano(),
	)
	if err != nil {
		return sqliteErr(err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO order_items (order_id, position, product_id, name, quantity, unit_cents, image)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return sqliteErr(err)
	}
	defer stmt.Close()
	for i, it := range o.Items {
		if _, err := stmt.ExecContext(ctx, id.String(), i, it.ProductRef, it.Name, it.Quantity, it.UnitPrice.Cents(), it.Image); err != nil {
			return sqliteErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sqliteErr(err)
	}
	o.ID = id
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	o, err := sqliteGetOrder(ctx, r.db, id)
	return o, sqliteErr(err)
}

func (r *SQLiteRepository) ConditionalUpdate(ctx context.Context, id uuid.UUID, pred Predicate, mut Mutation) (*domain.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := sqliteGetOrder(ctx, tx, id)
	if err != nil {
		return nil, sqliteErr(err)
	}
	if !pred(cur.Clone()) {
		return cur, ErrPredicateFailed
	}
	next, err := applyMutation(cur, mut)
	if err != nil {
		return nil, err
	}

	pay := next.PaymentResult
	if pay == nil {
		pay = &domain.PaymentResult{}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET
			is_paid = ?, paid_at = ?,
			payment_external_id = ?, payment_status = ?, payment_update_time = ?, payment_payer_email = ?,
			is_delivered = ?, delivered_at = ?
		WHERE id = ?`,
		next.IsPaid, unixNanos(next.PaidAt),
		nullIfPaid(next.IsPaid, pay.ExternalID), nullIfPaid(next.IsPaid, pay.Status),
		nullIfPaid(next.IsPaid, pay.UpdateTime), nullIfPaid(next.IsPaid, pay.PayerEmail),
		next.IsDelivered, unixNanos(next.DeliveredAt),
		id.String(),
	)
	if err != nil {
		return nil, sqliteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, sqliteErr(err)
	}
	return next, nil
}

func (r *SQLiteRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Order, error) {
	return r.list(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, ownerID, clampLimit(limit))
}

func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]*domain.Order, error) {
	return r.list(ctx, `SELECT `+sqliteOrderColumns+` FROM orders
		ORDER BY created_at DESC, id DESC LIMIT ?`, clampLimit(limit))
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr(err)
	}
	var out []*domain.Order
	for rows.Next() {
		o, err := sqliteScanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, sqliteErr(err)
		}
		out = append(out, o)
	}
	// The single connection must be released before items are loaded.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, sqliteErr(err)
	}
	for _, o := range out {
		if o.Items, err = sqliteItems(ctx, r.db, o.ID); err != nil {
			return nil, sqliteErr(err)
		}
	}
	return out, nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return sqliteErr(r.db.PingContext(ctx))
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func sqliteGetOrder(ctx context.Context, q sqlQuerier, id uuid.UUID) (*domain.Order, error) {
	o, err := sqliteScanOrder(q.QueryRowContext(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE id = ?`, id.String()))
	if err != nil {
		return nil, err
	}
	if o.Items, err = sqliteItems(ctx, q, id); err != nil {
		return nil, err
	}
	return o, nil
}

func sqliteItems(ctx context.Context, q sqlQuerier, id uuid.UUID) ([]domain.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, name, quantity, unit_cents, image
		FROM order_items WHERE order_id = ? ORDER BY position`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []domain.LineItem
	for rows.Next() {
		var it domain.LineItem
		var cents int64
		if err := rows.Scan(&it.ProductRef, &it.Name, &it.Quantity, &cents, &it.Image); err != nil {
			return nil, err
		}
		it.UnitPrice = money.Money(cents)
		items = append(items, it)
	}
	return items, rows.Err()
}

func sqliteScanOrder(row rowScanner) (*domain.Order, error) {
	var (
		o                                       domain.Order
		id, addr                                string
		itemsC, shipC, taxC, totalC, createdAt  int64
		extID, payStatus, payUpdated, payerMail sql.NullString
		paidAt, deliveredAt                     sql.NullInt64
	)
	err := row.Scan(&id, &o.OwnerID, &addr, &o.PaymentMethod,
		&itemsC, &shipC, &taxC, &totalC,
		&o.IsPaid, &paidAt, &extID, &payStatus, &payUpdated, &payerMail,
		&o.IsDelivered, &deliveredAt, &createdAt)
	if err != nil {
		return nil, err
	}
	if o.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("decode id: %w", err)
	}
	if err := json.Unmarshal([]byte(addr), &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping_address: %w", err)
	}
	o.ItemsPrice, o.ShippingPrice = money.Money(itemsC), money.Money(shipC)
	o.TaxPrice, o.TotalPrice = money.Money(taxC), money.Money(totalC)
	o.CreatedAt = time.Unix(0, createdAt).UTC()
	o.PaidAt = fromUnixNanos(paidAt)
	o.DeliveredAt = fromUnixNanos(deliveredAt)
	if o.IsPaid {
		o.PaymentResult = &domain.PaymentResult{
			ExternalID: extID.String,
			Status:     payStatus.String,
			UpdateTime: payUpdated.String,
			PayerEmail: payerMail.String,
		}
	}
	return &o, nil
}

func sqliteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: %v", domain.ErrDuplicateKey, err)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

func unixNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromUnixNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
