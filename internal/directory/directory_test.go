package directory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/quotedesk/internal/platform/cache"
)

type stubRepo struct {
	customerCalls atomic.Int32
	productCalls  atomic.Int32
	delay         time.Duration
}

func (s *stubRepo) Customer(ctx context.Context, id int64) (Customer, error) {
	s.customerCalls.Add(1)
	if id != 1 {
		return Customer{}, fmt.Errorf("%w: customer %d", ErrNotFound, id)
	}
	return Customer{ID: 1, Name: "Acme", Email: "buyer@acme.test"}, nil
}

func (s *stubRepo) Product(ctx context.Context, id int64) (Product, error) {
	s.productCalls.Add(1)
	time.Sleep(s.delay)
	return Product{ID: id, SKU: "BOLT-1", Name: "Bolt", UnitPrice: decimal.RequireFromString("1.25"), TaxRate: decimal.RequireFromString("10")}, nil
}

func (s *stubRepo) SearchProducts(ctx context.Context, term string, limit int) ([]Product, error) {
	return []Product{{ID: 1, Name: term}}, nil
}

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(repo, cache.NewVersioned(client, "directory", time.Minute))
}

func TestCustomerIsCached(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c, err := svc.Customer(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Acme", c.Name)
	}
	assert.Equal(t, int32(1), repo.customerCalls.Load())

	require.NoError(t, svc.Invalidate(ctx))
	_, err := svc.Customer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), repo.customerCalls.Load())
}

func TestCustomerNotFoundIsNotCached(t *testing.T) {
	repo := &stubRepo{}
	svc := newTestService(t, repo)

	_, err := svc.Customer(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Customer(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(2), repo.customerCalls.Load())
}

func TestProductDecimalsSurviveCache(t *testing.T) {
	svc := newTestService(t, &stubRepo{})
	ctx := context.Background()

	_, err := svc.Product(ctx, 5)
	require.NoError(t, err)
	p, err := svc.Product(ctx, 5)
	require.NoError(t, err)

	ref := p.Ref()
	assert.Equal(t, int64(5), ref.ID)
	assert.True(t, ref.UnitPrice.Equal(decimal.RequireFromString("1.25")))
	assert.True(t, ref.TaxRate.Equal(decimal.NewFromInt(10)))
}

func TestConcurrentMissesShareLoad(t *testing.T) {
	repo := &stubRepo{delay: 50 * time.Millisecond}
	svc := newTestService(t, repo)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Product(context.Background(), 9)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), repo.productCalls.Load())
}

func TestCustomerRef(t *testing.T) {
	ref := Customer{ID: 3, Name: "Acme", Email: "a@b.test"}.Ref()
	require.NotNil(t, ref.ID)
	assert.Equal(t, int64(3), *ref.ID)
}
