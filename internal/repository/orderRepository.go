package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/RaikyD/storefront-orders/internal/logger"
	"github.com/RaikyD/storefront-orders/internal/money"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderRepository is the Postgres store.
type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(p *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: p}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const pgOrderColumns = `id, owner_id, shipping_address, payment_method,
	items_cents, shipping_cents, tax_cents, total_cents,
	is_paid, paid_at, payment_external_id, payment_status, payment_update_time, payment_payer_email,
	is_delivered, delivered_at, created_at`

func (p *OrderRepository) Create(ctx context.Context, o *domain.Order) error {
	if err := validateNew(o); err != nil {
		return err
	}
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return pgErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var idArg any
	if o.ID != uuid.Nil {
		idArg = o.ID
	}
	pay := o.PaymentResult
	if pay == nil {
		pay = &domain.PaymentResult{}
	}

	var orderID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO orders
			(id, owner_id, shipping_address, payment_method,
			 items_cents, shipping_cents, tax_cents, total_cents,
			 is_paid, paid_at, payment_external_id, payment_status, payment_update_time, payment_payer_email,
			 is_delivered, delivered_at, created_at)
		VALUES
			(COALESCE($1::uuid, gen_random_uuid()), $2, $3, $4,
			 $5, $6, $7, $8,
			 $9, $10, $11, $12, $13, $14,
			 $15, $16, $17)
		RETURNING id`,
		idArg, o.OwnerID, addr, o.PaymentMethod,
		o.ItemsPrice.Cents(), o.ShippingPrice.Cents(), o.TaxPrice.Cents(), o.TotalPrice.Cents(),
		o.IsPaid, o.PaidAt, nullIfPaid(o.IsPaid, pay.ExternalID), nullIfPaid(o.IsPaid, pay.Status),
		nullIfPaid(o.IsPaid, pay.UpdateTime), nullIfPaid(o.IsPaid, pay.PayerEmail),
		o.IsDelivered, o.DeliveredAt, o.CreatedAt,
	).Scan(&orderID)
	if err != nil {
		logger.Warn("insert order failed", "err", err)
		return pgErr(err)
	}

	batch := &pgx.Batch{}
	for i, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items (order_id, position, product_id, name, quantity, unit_cents, image)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			orderID, i, it.ProductRef, it.Name, it.Quantity, it.UnitPrice.Cents(), it.Image,
		)
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return pgErr(err)
	}

	if err = tx.Commit(ctx); err != nil {
		logger.Warn("commit order failed", "err", err)
		return pgErr(err)
	}
	o.ID = orderID
	return nil
}

func (p *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	o, err := pgGetOrder(ctx, p.pool, id, false)
	if err != nil {
		return nil, pgErr(err)
	}
	return o, nil
}

// ConditionalUpdate locks the row with SELECT ... FOR UPDATE for the
// duration of the predicate and the write.
func (p *OrderRepository) ConditionalUpdate(ctx context.Context, id uuid.UUID, pred Predicate, mut Mutation) (*domain.Order, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, pgErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := pgGetOrder(ctx, tx, id, true)
	if err != nil {
		return nil, pgErr(err)
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
	_, err = tx.Exec(ctx, `
		UPDATE orders SET
			is_paid = $2, paid_at = $3,
			payment_external_id = $4, payment_status = $5, payment_update_time = $6, payment_payer_email = $7,
			is_delivered = $8, delivered_at = $9
		WHERE id = $1`,
		id, next.IsPaid, next.PaidAt,
		nullIfPaid(next.IsPaid, pay.ExternalID), nullIfPaid(next.IsPaid, pay.Status),
		nullIfPaid(next.IsPaid, pay.UpdateTime), nullIfPaid(next.IsPaid, pay.PayerEmail),
		next.IsDelivered, next.DeliveredAt,
	)
	if err != nil {
		return nil, pgErr(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, pgErr(err)
	}
	return next, nil
}

func (p *OrderRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*domain.Order, error) {
	return p.list(ctx, `SELECT `+pgOrderColumns+` FROM orders WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, ownerID, clampLimit(limit))
}

func (p *OrderRepository) List(ctx context.Context, limit int) ([]*domain.Order, error) {
	return p.list(ctx, `SELECT `+pgOrderColumns+` FROM orders
		ORDER BY created_at DESC, id DESC LIMIT $1`, clampLimit(limit))
}

func (p *OrderRepository) list(ctx context.Context, sql string, args ...any) ([]*domain.Order, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, pgErr(err)
	}
	var out []*domain.Order
	ids := make([]string, 0)
	byID := make(map[uuid.UUID]*domain.Order)
	for rows.Next() {
		o, err := pgScanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, pgErr(err)
		}
		out = append(out, o)
		ids = append(ids, o.ID.String())
		byID[o.ID] = o
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, pgErr(err)
	}
	if len(out) == 0 {
		return out, nil
	}

	itemRows, err := p.pool.Query(ctx, `
		SELECT order_id, product_id, name, quantity, unit_cents, image
		FROM order_items WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, position`, ids)
	if err != nil {
		return nil, pgErr(err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var orderID uuid.UUID
		var it domain.LineItem
		var cents int64
		if err := itemRows.Scan(&orderID, &it.ProductRef, &it.Name, &it.Quantity, &cents, &it.Image); err != nil {
			return nil, pgErr(err)
		}
		it.UnitPrice = money.Money(cents)
		if o, ok := byID[orderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, pgErr(err)
	}
	return out, nil
}

func (p *OrderRepository) Ping(ctx context.Context) error {
	return pgErr(p.pool.Ping(ctx))
}

func (p *OrderRepository) Close() error {
	p.pool.Close()
	return nil
}

func pgGetOrder(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*domain.Order, error) {
	sql := `SELECT ` + pgOrderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := pgScanOrder(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT product_id, name, quantity, unit_cents, image
		FROM order_items WHERE order_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.LineItem
		var cents int64
		if err := rows.Scan(&it.ProductRef, &it.Name, &it.Quantity, &cents, &it.Image); err != nil {
			return nil, err
		}
		it.UnitPrice = money.Money(cents)
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func pgScanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o                                       domain.Order
		addr                                    []byte
		itemsC, shipC, taxC, totalC             int64
		extID, payStatus, payUpdated, payerMail *string
		paidAt, deliveredAt                     *time.Time
	)
	err := row.Scan(&o.ID, &o.OwnerID, &addr, &o.PaymentMethod,
		&itemsC, &shipC, &taxC, &totalC,
		&o.IsPaid, &paidAt, &extID, &payStatus, &payUpdated, &payerMail,
		&o.IsDelivered, &deliveredAt, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(addr, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping_address: %w", err)
	}
	o.ItemsPrice, o.ShippingPrice = money.Money(itemsC), money.Money(shipC)
	o.TaxPrice, o.TotalPrice = money.Money(taxC), money.Money(totalC)
	o.PaidAt, o.DeliveredAt = paidAt, deliveredAt
	if o.IsPaid {
		o.PaymentResult = &domain.PaymentResult{
			ExternalID: deref(extID),
			Status:     deref(payStatus),
			UpdateTime: deref(payUpdated),
			PayerEmail: deref(payerMail),
		}
	}
	return &o, nil
}

// pgErr maps driver errors onto the domain taxonomy.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgE *pgconn.PgError
	if errors.As(err, &pgE) && pgE.Code == "23505" {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateKey, pgE.ConstraintName)
	}
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

func nullIfPaid(paid bool, s string) *string {
	if !paid {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
