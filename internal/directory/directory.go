// Package directory looks up customers and catalogue products for the quote
// wizard.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/quotedesk/internal/platform/cache"
	"github.com/odyssey-erp/quotedesk/internal/quotes/wizard"
)

// ErrNotFound indicates an unknown customer or product.
var ErrNotFound = errors.New("directory: record not found")

// Customer is a buyer the quote is addressed to.
type Customer struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// Ref converts the customer into the wizard's customer fields.
func (c Customer) Ref() wizard.CustomerRef {
	id := c.ID
	return wizard.CustomerRef{ID: &id, Name: c.Name, Email: c.Email, Company: c.Company, Phone: c.Phone}
}

// Product is a catalogue entry.
type Product struct {
	ID        int64           `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
}

// Ref converts the product into a wizard product reference.
func (p Product) Ref() wizard.ProductRef {
	return wizard.ProductRef{ID: p.ID, Name: p.Name, UnitPrice: p.UnitPrice, TaxRate: p.TaxRate}
}

// Repository reads directory records.
type Repository interface {
	Customer(ctx context.Context, id int64) (Customer, error)
	Product(ctx context.Context, id int64) (Product, error)
	SearchProducts(ctx context.Context, term string, limit int) ([]Product, error)
}

// PgRepository reads the customers and products tables.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) Customer(ctx context.Context, id int64) (Customer, error) {
	var c Customer
	err := r.pool.QueryRow(ctx, `SELECT id, name, email, company, phone FROM customers WHERE id=$1`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.Company, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, fmt.Errorf("%w: customer %d", ErrNotFound, id)
	}
	return c, err
}

func (r *PgRepository) Product(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, unit_price, tax_rate FROM products WHERE id=$1 AND is_active`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.UnitPrice, &p.TaxRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: product %d", ErrNotFound, id)
	}
	return p, err
}

func (r *PgRepository) SearchProducts(ctx context.Context, term string, limit int) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, sku, name, unit_price, tax_rate FROM products
WHERE is_active AND (name ILIKE $1 OR sku ILIKE $1) ORDER BY name LIMIT $2`, "%"+term+"%", limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Product, error) {
		var p Product
		err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.UnitPrice, &p.TaxRate)
		return p, err
	})
}

// Service serves lookups through a Redis read-through cache. Concurrent misses
// for the same key share one repository call.
type Service struct {
	repo  Repository
	cache *cache.Versioned
	group singleflight.Group
}

// NewService constructs a Service. A nil cache reads straight through.
func NewService(repo Repository, c *cache.Versioned) *Service {
	return &Service{repo: repo, cache: c}
}

// Customer returns a customer by id.
func (s *Service) Customer(ctx context.Context, id int64) (Customer, error) {
	var out Customer
	err := s.fetch(ctx, "customer", id, &out, func(ctx context.Context) (any, error) {
		return s.repo.Customer(ctx, id)
	})
	return out, err
}

// Product returns an active product by id.
func (s *Service) Product(ctx context.Context, id int64) (Product, error) {
	var out Product
	err := s.fetch(ctx, "product", id, &out, func(ctx context.Context) (any, error) {
		return s.repo.Product(ctx, id)
	})
	return out, err
}

// SearchProducts matches products by name or SKU. Results are not cached.
func (s *Service) SearchProducts(ctx context.Context, term string, limit int) ([]Product, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	return s.repo.SearchProducts(ctx, term, limit)
}

// Invalidate drops every cached directory entry.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

func (s *Service) fetch(ctx context.Context, kind string, id int64, dest any, loader func(context.Context) (any, error)) error {
	key, err := s.cache.BuildKey(ctx, kind, strconv.FormatInt(id, 10))
	if err != nil {
		return err
	}
	ch := s.group.DoChan(key, func() (any, error) {
		var raw json.RawMessage
		err := s.cache.FetchJSON(ctx, key, &raw, loader)
		return raw, err
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.(json.RawMessage), dest)
	}
}
