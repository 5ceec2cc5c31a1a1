package quotes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/quotedesk/internal/directory"
	"github.com/odyssey-erp/quotedesk/internal/platform/httpx"
	"github.com/odyssey-erp/quotedesk/internal/quotes/lifecycle"
	"github.com/odyssey-erp/quotedesk/internal/quotes/sessions"
	"github.com/odyssey-erp/quotedesk/internal/quotes/wizard"
	"github.com/odyssey-erp/quotedesk/internal/shared"
	_ "github.com/odyssey-erp/quotedesk/testing"
)

// ============================================================================
// STUBS
// ============================================================================

type stubCatalogue struct {
	customers map[int64]directory.Customer
	products  map[int64]directory.Product
}

func (s stubCatalogue) Customer(ctx context.Context, id int64) (directory.Customer, error) {
	c, ok := s.customers[id]
	if !ok {
		return directory.Customer{}, fmt.Errorf("%w: customer %d", directory.ErrNotFound, id)
	}
	return c, nil
}

func (s stubCatalogue) Product(ctx context.Context, id int64) (directory.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return directory.Product{}, fmt.Errorf("%w: product %d", directory.ErrNotFound, id)
	}
	return p, nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]*int64
	// releaseOnConflict drops the key right after reporting a conflict, as
	// when the first request fails and frees it concurrently.
	releaseOnConflict bool
}

func (m *memoryIdempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		if m.releaseOnConflict {
			delete(m.keys, key)
		}
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = nil
	return nil
}

func (m *memoryIdempotency) Complete(ctx context.Context, key, module string, resultID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = &resultID
	return nil
}

func (m *memoryIdempotency) Result(ctx context.Context, key, module string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	if !ok {
		return 0, false, shared.ErrIdempotencyKeyNotFound
	}
	if id == nil {
		return 0, false, nil
	}
	return *id, true, nil
}

func (m *memoryIdempotency) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

type apiFixture struct {
	router http.Handler
	svc    *Service
	repo   *mockRepository
	keys   *memoryIdempotency
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMockRepository()
	svc, _, _ := newTestService(repo)
	catalogue := stubCatalogue{
		customers: map[int64]directory.Customer{
			7: {ID: 7, Name: "Acme", Email: "buyer@acme.test", Company: "Acme Ltd"},
		},
		products: map[int64]directory.Product{
			3: {ID: 3, SKU: "WID-1", Name: "Widget", UnitPrice: decimal.RequireFromString("100"), TaxRate: decimal.RequireFromString("10")},
		},
	}
	keys := &memoryIdempotency{keys: make(map[string]*int64)}
	store := sessions.NewStore(client, svc.Flow(), time.Hour)
	h := NewHandler(nil, svc, store, catalogue, keys, nil)

	r := chi.NewRouter()
	h.MountRoutes(r)
	return &apiFixture{router: r, svc: svc, repo: repo, keys: keys}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// startFilledSession walks a new session up to the terms step with one widget line.
func (f *apiFixture) startFilledSession(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/wizard", map[string]any{"customer_id": 7})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decodeBody[SessionView](t, rec)
	sid := view.ID

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/wizard/"+sid+"/next", nil).Code)
	rec = f.do(t, http.MethodPost, "/wizard/"+sid+"/items", map[string]any{"product_id": 3, "quantity": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/wizard/"+sid+"/next", nil).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/wizard/"+sid+"/next", nil).Code)
	return sid
}

// ============================================================================
// WIZARD TESTS
// ============================================================================

func TestWizardStartPrefillsCustomer(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/wizard", map[string]any{"customer_id": 7})

	require.Equal(t, http.StatusCreated, rec.Code)
	view := decodeBody[SessionView](t, rec)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, wizard.StepCustomerInfo, view.Current)
	assert.Equal(t, "Acme", view.Draft.Customer.Name)
	require.NotNil(t, view.Draft.Customer.ID)
	assert.Equal(t, int64(7), *view.Draft.Customer.ID)
	assert.Len(t, view.Steps, 5)
}

func TestWizardNextBlockedByMissingEmail(t *testing.T) {
	f := newAPIFixture(t)
	sid := decodeBody[SessionView](t, f.do(t, http.MethodPost, "/wizard", nil)).ID

	rec := f.do(t, http.MethodPut, "/wizard/"+sid+"/customer", map[string]any{"name": "Acme", "email": ""})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/wizard/"+sid+"/next", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[SessionView](t, rec)
	assert.Equal(t, wizard.StepCustomerInfo, view.Current)
	assert.Contains(t, view.Errors, "email")
	assert.NotContains(t, view.Errors, "name")
}

func TestWizardAddProductComputesTotals(t *testing.T) {
	f := newAPIFixture(t)
	sid := decodeBody[SessionView](t, f.do(t, http.MethodPost, "/wizard", map[string]any{"customer_id": 7})).ID

	rec := f.do(t, http.MethodPost, "/wizard/"+sid+"/items", map[string]any{
		"product_id":       3,
		"quantity":         2,
		"discount_percent": "10",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeBody[SessionView](t, rec)
	require.Len(t, view.Draft.Items, 1)
	assert.Equal(t, "Widget", view.Draft.Items[0].Name)
	require.Len(t, view.Valuations, 1)
	assert.True(t, view.Valuations[0].Total.Equal(decimal.RequireFromString("198")), view.Valuations[0].Total.String())
	assert.True(t, view.Calculations.Total.Equal(decimal.RequireFromString("180")), view.Calculations.Total.String())
}

func TestWizardItemIndexOutOfRange(t *testing.T) {
	f := newAPIFixture(t)
	sid := decodeBody[SessionView](t, f.do(t, http.MethodPost, "/wizard", nil)).ID

	rec := f.do(t, http.MethodDelete, "/wizard/"+sid+"/items/3", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/wizard/"+sid+"/items/x", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWizardUnknownSession(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/wizard/1b4e28ba-2fa1-11d2-883f-0016d3cca427", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestWizardGoToUnknownStep(t *testing.T) {
	f := newAPIFixture(t)
	sid := decodeBody[SessionView](t, f.do(t, http.MethodPost, "/wizard", nil)).ID

	rec := f.do(t, http.MethodPost, "/wizard/"+sid+"/goto", map[string]any{"step": "payment"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWizardSubmitIncompleteMovesToFailingStep(t *testing.T) {
	f := newAPIFixture(t)
	sid := decodeBody[SessionView](t, f.do(t, http.MethodPost, "/wizard", map[string]any{"customer_id": 7})).ID

	rec := f.do(t, http.MethodPost, "/wizard/"+sid+"/submit", nil)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	view := decodeBody[SessionView](t, rec)
	assert.Equal(t, wizard.StepLineItems, view.Current)
	assert.Contains(t, view.Errors, "items")
	assert.False(t, view.Submitting)
	assert.Empty(t, f.repo.quotes)
}

func TestWizardSubmitCreatesQuote(t *testing.T) {
	f := newAPIFixture(t)
	sid := f.startFilledSession(t)

	rec := f.do(t, http.MethodPost, "/wizard/"+sid+"/submit", nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[SubmitResponse](t, rec)
	require.NotNil(t, resp.Quote)
	assert.Equal(t, "Q-202406-0001", resp.Quote.Number)
	assert.Equal(t, lifecycle.StatusDraft, resp.Quote.Status)
	assert.True(t, resp.Quote.Totals.Total.Equal(decimal.NewFromInt(200)))
	require.NotNil(t, resp.Session.QuoteID)
	assert.Equal(t, resp.Quote.ID, *resp.Session.QuoteID)
	assert.False(t, resp.Session.Submitting)
	for _, step := range resp.Session.Steps {
		assert.True(t, step.Completed, step.Step)
	}
}

func TestWizardSubmitReplaysIdempotencyKey(t *testing.T) {
	f := newAPIFixture(t)
	sid := f.startFilledSession(t)

	first := f.do(t, http.MethodPost, "/wizard/"+sid+"/submit", nil, "Idempotency-Key", "abc-123")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := f.do(t, http.MethodPost, "/wizard/"+sid+"/submit", nil, "Idempotency-Key", "abc-123")

	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	replayed := decodeBody[SubmitResponse](t, second)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, decodeBody[SubmitResponse](t, first).Quote.ID, replayed.Quote.ID)
	assert.Len(t, f.repo.quotes, 1)
}

func TestWizardSubmitReleasedKeyAsksForRetry(t *testing.T) {
	f := newAPIFixture(t)
	sid := f.startFilledSession(t)
	f.keys.keys["gone-1"] = nil
	f.keys.releaseOnConflict = true

	rec := f.do(t, http.MethodPost, "/wizard/"+sid+"/submit", nil, "Idempotency-Key", "gone-1")

	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Empty(t, f.repo.quotes)

	rec = f.do(t, http.MethodPost, "/wizard/"+sid+"/submit", nil, "Idempotency-Key", "gone-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, f.repo.quotes, 1)
}

func TestWizardSubmitTwiceRejected(t *testing.T) {
	f := newAPIFixture(t)
	sid := f.startFilledSession(t)

	first := f.do(t, http.MethodPost, "/wizard/"+sid+"/submit", nil)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	rec := f.do(t, http.MethodPost, "/wizard/"+sid+"/items", map[string]any{"product_id": 3, "quantity": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	second := f.do(t, http.MethodPost, "/wizard/"+sid+"/submit", nil)

	assert.Equal(t, http.StatusConflict, second.Code, second.Body.String())
	assert.Len(t, f.repo.quotes, 1)
	view := decodeBody[SessionView](t, f.do(t, http.MethodGet, "/wizard/"+sid, nil))
	assert.False(t, view.Submitting)
	require.NotNil(t, view.QuoteID)
	assert.Equal(t, decodeBody[SubmitResponse](t, first).Quote.ID, *view.QuoteID)
}

func TestWizardSubmitRecordsOutcomeAfterClientGoesAway(t *testing.T) {
	f := newAPIFixture(t)
	sid := f.startFilledSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.repo.afterCreate = cancel

	req := httptest.NewRequest(http.MethodPost, "/wizard/"+sid+"/submit", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decodeBody[SessionView](t, f.do(t, http.MethodGet, "/wizard/"+sid, nil))
	assert.False(t, view.Submitting)
	require.NotNil(t, view.QuoteID)
	assert.Len(t, f.repo.quotes, 1)
}

func TestWizardSubmitReleasesKeyWhenIncomplete(t *testing.T) {
	f := newAPIFixture(t)
	sid := decodeBody[SessionView](t, f.do(t, http.MethodPost, "/wizard", nil)).ID

	rec := f.do(t, http.MethodPost, "/wizard/"+sid+"/submit", nil, "Idempotency-Key", "retry-me")

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.NotContains(t, f.keys.keys, "retry-me")
}

func TestWizardEditSessionUpdatesQuote(t *testing.T) {
	f := newAPIFixture(t)
	q := createQuote(t, f.svc)

	rec := f.do(t, http.MethodPost, "/wizard", map[string]any{"quote_id": q.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	view := decodeBody[SessionView](t, rec)
	require.NotNil(t, view.EditOf)
	assert.Equal(t, q.ID, *view.EditOf)
	assert.Equal(t, wizard.StepCustomerInfo, view.Current)
	assert.Equal(t, 0.2, view.Progress)

	rec = f.do(t, http.MethodPut, "/wizard/"+view.ID+"/customer", map[string]any{"name": "Acme Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/wizard/"+view.ID+"/submit", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[SubmitResponse](t, rec)
	assert.Equal(t, "Acme Renamed", resp.Quote.CustomerName)
	assert.Equal(t, int64(2), resp.Quote.Version)
	assert.Len(t, f.repo.quotes, 1)
}

func TestWizardEditSessionRejectsLockedQuote(t *testing.T) {
	f := newAPIFixture(t)
	q := moveTo(t, f.svc, createQuote(t, f.svc), lifecycle.StatusSent)

	rec := f.do(t, http.MethodPost, "/wizard", map[string]any{"quote_id": q.ID})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWizardSubmitStaleEditReportsConflict(t *testing.T) {
	f := newAPIFixture(t)
	q := createQuote(t, f.svc)
	sid := decodeBody[SessionView](t, f.do(t, http.MethodPost, "/wizard", map[string]any{"quote_id": q.ID})).ID

	_, err := f.svc.UpdateDraft(context.Background(), q.ID, sampleDraft(), q.Version, "bob")
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/wizard/"+sid+"/submit", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	view := decodeBody[SessionView](t, f.do(t, http.MethodGet, "/wizard/"+sid, nil))
	assert.NotEmpty(t, view.SubmitError)
	assert.False(t, view.Submitting)
	assert.Equal(t, "Acme", view.Draft.Customer.Name)
}

// ============================================================================
// QUOTE TESTS
// ============================================================================

func TestTransitionEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	q := createQuote(t, f.svc)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/quotes/%d/transitions", q.ID), map[string]any{"to": "sent", "version": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sent := decodeBody[Quote](t, rec)
	assert.Equal(t, lifecycle.StatusSent, sent.Status)
	assert.Equal(t, int64(2), sent.Version)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/quotes/%d/transitions", q.ID), map[string]any{"to": "draft", "version": 2})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/quotes/%d/transitions", q.ID), map[string]any{"to": "viewed", "version": 1})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/quotes/%d/transitions", q.ID), map[string]any{"to": "archived", "version": 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransitionRequestValidation(t *testing.T) {
	f := newAPIFixture(t)
	q := createQuote(t, f.svc)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/quotes/%d/transitions", q.ID), map[string]any{"to": "sent"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	problem := decodeBody[httpx.ProblemDetail](t, rec)
	assert.Contains(t, problem.Fields, "version")
}

func TestNoRouteIntoConverted(t *testing.T) {
	f := newAPIFixture(t)
	q := moveTo(t, f.svc, createQuote(t, f.svc), lifecycle.StatusSent, lifecycle.StatusAccepted)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/quotes/%d/transitions", q.ID), map[string]any{"to": "converted", "version": q.Version})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/quotes/%d/convert", q.ID), map[string]any{"version": q.Version})
	assert.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, rec.Code)

	got, err := f.svc.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusAccepted, got.Status)
}

func TestUpdateQuoteLockedAfterSend(t *testing.T) {
	f := newAPIFixture(t)
	q := moveTo(t, f.svc, createQuote(t, f.svc), lifecycle.StatusSent)

	rec := f.do(t, http.MethodPut, fmt.Sprintf("/quotes/%d", q.ID), map[string]any{"version": q.Version, "draft": sampleDraft()})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decodeBody[httpx.ProblemDetail](t, rec).Detail, "not editable")
}

func TestShowQuoteDetail(t *testing.T) {
	f := newAPIFixture(t)
	q := moveTo(t, f.svc, createQuote(t, f.svc), lifecycle.StatusSent)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/quotes/%d", q.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[Detail](t, rec)
	assert.Equal(t, q.ID, detail.Quote.ID)
	require.Len(t, detail.History, 1)
	assert.Contains(t, detail.Allowed, lifecycle.StatusViewed)

	rec = f.do(t, http.MethodGet, "/quotes/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/quotes/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListQuotes(t *testing.T) {
	f := newAPIFixture(t)
	createQuote(t, f.svc)
	createQuote(t, f.svc)

	rec := f.do(t, http.MethodGet, "/quotes?status=draft&per_page=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[ListResponse](t, rec)
	assert.Len(t, list.Data, 2)
	assert.Equal(t, 2, list.Pagination.Total)
	assert.Equal(t, 10, list.Pagination.PerPage)

	rec = f.do(t, http.MethodGet, "/quotes?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraphEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/quotes/graph", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	graph := decodeBody[GraphResponse](t, rec)
	assert.Len(t, graph.States, len(lifecycle.Statuses))
	assert.True(t, graph.States["accepted"].Terminal)
	assert.True(t, graph.States["draft"].CanEdit)
	assert.Contains(t, graph.Unreachable, "converted")
	assert.Empty(t, graph.DeadStates)
}

func TestPreviewEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/quotes/preview", map[string]any{
		"items": []map[string]any{
			{"name": "Widget", "quantity": 2, "unit_price": "100", "discount_percent": "10", "tax_rate": "0"},
			{"name": "", "quantity": 0, "unit_price": "50", "discount_percent": "0", "tax_rate": "0"},
		},
		"global_discount": "20",
		"global_tax_rate": "10",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[PreviewResponse](t, rec)
	require.Len(t, resp.Valuations, 2)
	assert.True(t, resp.Valuations[0].Total.Equal(decimal.NewFromInt(180)))
	// 180 - 20 = 160, plus 10% tax.
	assert.True(t, resp.Calculations.Total.Equal(decimal.NewFromInt(176)), resp.Calculations.Total.String())
	assert.Contains(t, resp.Violations, "items[1].name")
	assert.Contains(t, resp.Violations, "items[1].quantity")
}
