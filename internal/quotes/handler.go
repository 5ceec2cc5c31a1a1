package quotes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/quotedesk/internal/directory"
	"github.com/odyssey-erp/quotedesk/internal/observability"
	"github.com/odyssey-erp/quotedesk/internal/platform/httpx"
	"github.com/odyssey-erp/quotedesk/internal/quotes/lifecycle"
	"github.com/odyssey-erp/quotedesk/internal/quotes/pricing"
	"github.com/odyssey-erp/quotedesk/internal/quotes/sessions"
	"github.com/odyssey-erp/quotedesk/internal/quotes/wizard"
	"github.com/odyssey-erp/quotedesk/internal/shared"
)

// Catalogue resolves customer and product references for the wizard.
type Catalogue interface {
	Customer(ctx context.Context, id int64) (directory.Customer, error)
	Product(ctx context.Context, id int64) (directory.Product, error)
}

// IdempotencyGuard deduplicates wizard submits carrying an Idempotency-Key.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Complete(ctx context.Context, key, module string, resultID int64) error
	Result(ctx context.Context, key, module string) (int64, bool, error)
	Delete(ctx context.Context, key string) error
}

// Handler exposes the quote and wizard JSON API.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	sessions    *sessions.Store
	catalogue   Catalogue
	idempotency IdempotencyGuard
	metrics     *observability.Metrics
	validate    *validator.Validate
}

// NewHandler builds Handler instance. idempotency and metrics may be nil.
func NewHandler(
	logger *slog.Logger,
	service *Service,
	store *sessions.Store,
	catalogue Catalogue,
	idempotency IdempotencyGuard,
	metrics *observability.Metrics,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		sessions:    store,
		catalogue:   catalogue,
		idempotency: idempotency,
		metrics:     metrics,
		validate:    validator.New(),
	}
}

// MountRoutes registers quote and wizard routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/quotes", func(r chi.Router) {
		r.Get("/", h.listQuotes)
		r.Get("/graph", h.graph)
		r.Post("/preview", h.preview)
		r.Get("/{id}", h.showQuote)
		r.Get("/{id}/history", h.history)
		r.Put("/{id}", h.updateQuote)
		r.Post("/{id}/transitions", h.transition)
	})
	r.Route("/wizard", h.mountWizard)
}

// ============================================================================
// QUOTE HANDLERS
// ============================================================================

func (h *Handler) listQuotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status: lifecycle.Status(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Search: strings.TrimSpace(q.Get("q")),
	}
	if raw := q.Get("customer_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: customer_id must be numeric", httpx.ErrValidation))
			return
		}
		filter.CustomerID = id
	}
	page := shared.NewPagination(queryInt(q.Get("page")), queryInt(q.Get("per_page")), 0)
	filter.Limit = page.PerPage
	filter.Offset = page.Offset()

	items, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list quotes", err)
		return
	}
	if items == nil {
		items = []Quote{}
	}
	httpx.JSON(w, http.StatusOK, ListResponse{
		Data:       items,
		Pagination: shared.NewPagination(page.Page, page.PerPage, total),
	})
}

func (h *Handler) showQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.Detail(r.Context(), id)
	if err != nil {
		h.fail(w, r, "show quote", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), id)
	if err != nil {
		h.fail(w, r, "quote history", err)
		return
	}
	if entries == nil {
		entries = []lifecycle.StatusChange{}
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) updateQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req UpdateQuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	q, err := h.service.UpdateDraft(r.Context(), id, req.Draft, req.Version, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, "update quote", err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	to, err := lifecycle.ParseStatus(req.To)
	if err != nil {
		h.fail(w, r, "transition quote", err)
		return
	}
	q, err := h.service.Transition(r.Context(), id, to, req.Version, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, "transition quote", err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) graph(w http.ResponseWriter, r *http.Request) {
	resp := GraphResponse{States: make(map[string]GraphState)}
	for status, state := range lifecycle.Describe() {
		next := make([]string, len(state.Next))
		for i, s := range state.Next {
			next[i] = string(s)
		}
		resp.States[string(status)] = GraphState{Next: next, Terminal: state.Terminal, CanEdit: state.CanEdit}
	}
	resp.Unreachable = statusNames(lifecycle.Unreachable(lifecycle.StatusDraft))
	resp.DeadStates = statusNames(lifecycle.DeadStates())
	httpx.JSON(w, http.StatusOK, resp)
}

// preview values a set of items without touching storage.
func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp := PreviewResponse{
		Valuations:   make([]pricing.LineValuation, len(req.Items)),
		Calculations: pricing.Aggregate(req.Items, req.GlobalDiscount, req.GlobalTaxRate),
	}
	violations := wizard.FieldErrors{}
	for i, item := range req.Items {
		resp.Valuations[i] = pricing.Valuate(item)
		for _, v := range pricing.ValidateItem(item) {
			key := fmt.Sprintf("items[%d].%s", i, v.Field)
			violations[key] = append(violations[key], v.Message)
		}
	}
	for _, v := range pricing.ValidateGlobals(req.Items, req.GlobalDiscount, req.GlobalTaxRate) {
		violations[v.Field] = append(violations[v.Field], v.Message)
	}
	if len(violations) > 0 {
		resp.Violations = violations
	}
	httpx.JSON(w, http.StatusOK, resp)
}

// ============================================================================
// HELPERS
// ============================================================================

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid quote id", httpx.ErrValidation))
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string][]string, len(verrs))
			for _, fe := range verrs {
				key := strings.ToLower(fe.Field())
				fields[key] = append(fields[key], fmt.Sprintf("failed %s validation", fe.Tag()))
			}
			httpx.FieldProblem(w, "request is invalid", fields)
			return false
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	return true
}

// fail maps service errors onto problem responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpx.FieldProblem(w, verr.Error(), verr.Fields)
	case errors.Is(err, ErrNotFound),
		errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, directory.ErrNotFound),
		errors.Is(err, httpx.ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, lifecycle.ErrUnknownStatus):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, ErrVersionConflict),
		errors.Is(err, lifecycle.ErrIllegalTransition),
		errors.Is(err, sessions.ErrSessionConflict),
		errors.Is(err, wizard.ErrSubmitInProgress),
		errors.Is(err, wizard.ErrAlreadySubmitted),
		errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, lifecycle.ErrNotEditable):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrLocked, err))
	default:
		h.logger.Error(op+" failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func statusNames(in []lifecycle.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
