package directory

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, repo *stubRepo) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(nil, newTestService(t, repo)).MountRoutes(r)
	return r
}

func TestHandlerCustomer(t *testing.T) {
	router := newTestRouter(t, &stubRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/customers/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var c Customer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.Equal(t, "Acme", c.Name)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/customers/2", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/customers/zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerSearchAndInvalidate(t *testing.T) {
	repo := &stubRepo{}
	router := newTestRouter(t, repo)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products?q=bolt", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var products []Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &products))
	require.Len(t, products, 1)
	assert.Equal(t, "bolt", products[0].Name)

	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products/4", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, int32(1), repo.productCalls.Load())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/cache/invalidate", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products/4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(2), repo.productCalls.Load())
}
