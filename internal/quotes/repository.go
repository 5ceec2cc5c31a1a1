package quotes

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/quotedesk/internal/platform/db"
	"github.com/odyssey-erp/quotedesk/internal/quotes/lifecycle"
	"github.com/odyssey-erp/quotedesk/internal/quotes/pricing"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL for the quote tables.
func Schema() string { return schemaSQL }

// Repository is the persistence contract used by Service.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (*Quote, error)
	List(ctx context.Context, filter ListFilter) ([]Quote, int, error)
	History(ctx context.Context, id int64) ([]lifecycle.StatusChange, error)
	ListDue(ctx context.Context, now time.Time, statuses []lifecycle.Status, limit int) ([]Quote, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	NextNumber(ctx context.Context, at time.Time) (string, error)
	Create(ctx context.Context, q Quote) (int64, error)
	UpdateDraft(ctx context.Context, q Quote, expectedVersion int64) error
	UpdateStatus(ctx context.Context, id int64, change lifecycle.StatusChange, expectedVersion int64) error
}

// PgRepository is the PostgreSQL implementation of Repository.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Migrate applies the embedded schema.
func (r *PgRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("quotes: migrate: %w", err)
	}
	return nil
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const quoteColumns = `id, number, customer_id, customer_name, customer_email, customer_company, customer_phone,
global_discount, global_tax_rate, payment_terms, notes, valid_until, status, version,
subtotal, discount_total, taxable_amount, tax_total, total, created_by, created_at, updated_at`

func scanQuote(row pgx.Row) (Quote, error) {
	var (
		q          Quote
		validUntil pgtype.Timestamptz
		status     string
	)
	err := row.Scan(&q.ID, &q.Number, &q.CustomerID, &q.CustomerName, &q.CustomerEmail, &q.CustomerCompany, &q.CustomerPhone,
		&q.GlobalDiscount, &q.GlobalTaxRate, &q.PaymentTerms, &q.Notes, &validUntil, &status, &q.Version,
		&q.Totals.Subtotal, &q.Totals.DiscountTotal, &q.Totals.TaxableAmount, &q.Totals.TaxTotal, &q.Totals.Total,
		&q.CreatedBy, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return Quote{}, err
	}
	if validUntil.Valid {
		t := validUntil.Time
		q.ValidUntil = &t
	}
	q.Status = lifecycle.Status(status)
	return q, nil
}

// Get loads a quote with its lines.
func (r *PgRepository) Get(ctx context.Context, id int64) (*Quote, error) {
	q, err := scanQuote(r.pool.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil, err
	}
	lines, err := loadLines(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	q.Lines = lines
	return &q, nil
}

func loadLines(ctx context.Context, q db.Querier, quoteID int64) ([]pricing.LineItem, error) {
	rows, err := q.Query(ctx, `SELECT product_id, name, quantity, unit_price, discount_percent, tax_rate
FROM quote_lines WHERE quote_id=$1 ORDER BY line_no`, quoteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []pricing.LineItem
	for rows.Next() {
		var l pricing.LineItem
		if err := rows.Scan(&l.ProductID, &l.Name, &l.Quantity, &l.UnitPrice, &l.DiscountPercent, &l.TaxRate); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// List returns a page of quotes without their lines, newest first.
func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]Quote, int, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CustomerID > 0 {
		args = append(args, filter.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		args = append(args, "%"+s+"%")
		where = append(where, fmt.Sprintf("(number ILIKE $%d OR customer_name ILIKE $%d)", len(args), len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM quotes`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM quotes%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		quoteColumns, clause, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, q)
	}
	return out, total, rows.Err()
}

// History returns the status ledger of a quote in order.
func (r *PgRepository) History(ctx context.Context, id int64) ([]lifecycle.StatusChange, error) {
	rows, err := r.pool.Query(ctx, `SELECT from_status, to_status, actor, changed_at
FROM quote_status_history WHERE quote_id=$1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []lifecycle.StatusChange
	for rows.Next() {
		var (
			c        lifecycle.StatusChange
			from, to string
		)
		if err := rows.Scan(&from, &to, &c.Actor, &c.At); err != nil {
			return nil, err
		}
		c.From, c.To = lifecycle.Status(from), lifecycle.Status(to)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListDue returns quotes in one of statuses whose validity ended before now.
func (r *PgRepository) ListDue(ctx context.Context, now time.Time, statuses []lifecycle.Status, limit int) ([]Quote, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+quoteColumns+` FROM quotes
WHERE status = ANY($1) AND valid_until IS NOT NULL AND valid_until < $2
ORDER BY valid_until LIMIT $3`, names, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Quote
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// NextNumber allocates the next quote number for the month of at, e.g. Q-202405-0007.
func (t *txRepo) NextNumber(ctx context.Context, at time.Time) (string, error) {
	period := at.UTC().Format("200601")
	var seq int64
	err := t.tx.QueryRow(ctx, `INSERT INTO quote_number_seq (period, last_value) VALUES ($1, 1)
ON CONFLICT (period) DO UPDATE SET last_value = quote_number_seq.last_value + 1
RETURNING last_value`, period).Scan(&seq)
	if err != nil {
		return "", fmt.Errorf("allocate quote number: %w", err)
	}
	return fmt.Sprintf("Q-%s-%04d", period, seq), nil
}

func (t *txRepo) Create(ctx context.Context, q Quote) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO quotes (number, customer_id, customer_name, customer_email, customer_company, customer_phone,
global_discount, global_tax_rate, payment_terms, notes, valid_until, status, version,
subtotal, discount_total, taxable_amount, tax_total, total, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$20)
RETURNING id`,
		q.Number, q.CustomerID, q.CustomerName, q.CustomerEmail, q.CustomerCompany, q.CustomerPhone,
		q.GlobalDiscount, q.GlobalTaxRate, q.PaymentTerms, q.Notes, q.ValidUntil, string(q.Status), q.Version,
		q.Totals.Subtotal, q.Totals.DiscountTotal, q.Totals.TaxableAmount, q.Totals.TaxTotal, q.Totals.Total,
		q.CreatedBy, q.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert quote: %w", err)
	}
	if err := t.insertLines(ctx, id, q.Lines); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *txRepo) insertLines(ctx context.Context, quoteID int64, lines []pricing.LineItem) error {
	batch := &pgx.Batch{}
	for i, l := range lines {
		batch.Queue(`INSERT INTO quote_lines (quote_id, line_no, product_id, name, quantity, unit_price, discount_percent, tax_rate)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, quoteID, i+1, l.ProductID, l.Name, l.Quantity, l.UnitPrice, l.DiscountPercent, l.TaxRate)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert quote lines: %w", err)
	}
	return nil
}

func (t *txRepo) UpdateDraft(ctx context.Context, q Quote, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE quotes SET customer_id=$3, customer_name=$4, customer_email=$5, customer_company=$6, customer_phone=$7,
global_discount=$8, global_tax_rate=$9, payment_terms=$10, notes=$11, valid_until=$12,
subtotal=$13, discount_total=$14, taxable_amount=$15, tax_total=$16, total=$17,
version=version+1, updated_at=$18
WHERE id=$1 AND version=$2`,
		q.ID, expectedVersion, q.CustomerID, q.CustomerName, q.CustomerEmail, q.CustomerCompany, q.CustomerPhone,
		q.GlobalDiscount, q.GlobalTaxRate, q.PaymentTerms, q.Notes, q.ValidUntil,
		q.Totals.Subtotal, q.Totals.DiscountTotal, q.Totals.TaxableAmount, q.Totals.TaxTotal, q.Totals.Total,
		q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update quote: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d version %d", ErrVersionConflict, q.ID, expectedVersion)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM quote_lines WHERE quote_id=$1`, q.ID); err != nil {
		return fmt.Errorf("delete quote lines: %w", err)
	}
	return t.insertLines(ctx, q.ID, q.Lines)
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, change lifecycle.StatusChange, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE quotes SET status=$3, version=version+1, updated_at=$4
WHERE id=$1 AND version=$2 AND status=$5`, id, expectedVersion, string(change.To), change.At, string(change.From))
	if err != nil {
		return fmt.Errorf("update quote status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d version %d", ErrVersionConflict, id, expectedVersion)
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO quote_status_history (quote_id, from_status, to_status, actor, changed_at)
VALUES ($1, $2, $3, $4, $5)`, id, string(change.From), string(change.To), change.Actor, change.At)
	if err != nil {
		return fmt.Errorf("append status history: %w", err)
	}
	return nil
}
