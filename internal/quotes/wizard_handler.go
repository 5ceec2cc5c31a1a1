package quotes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/quotedesk/internal/platform/httpx"
	"github.com/odyssey-erp/quotedesk/internal/quotes/pricing"
	"github.com/odyssey-erp/quotedesk/internal/quotes/sessions"
	"github.com/odyssey-erp/quotedesk/internal/quotes/wizard"
	"github.com/odyssey-erp/quotedesk/internal/shared"
)

const (
	submitModule  = "wizard.submit"
	finishTimeout = 5 * time.Second
)

// SubmitResponse is returned by a successful wizard submit.
type SubmitResponse struct {
	Session  SessionView `json:"session"`
	Quote    *Quote      `json:"quote,omitempty"`
	Replayed bool        `json:"replayed,omitempty"`
}

func (h *Handler) mountWizard(r chi.Router) {
	r.Post("/", h.startWizard)
	r.Route("/{sid}", func(r chi.Router) {
		r.Get("/", h.showWizard)
		r.Delete("/", h.discardWizard)
		r.Post("/next", h.navigate(func(s wizard.Session) wizard.Session { return s.Next() }))
		r.Post("/previous", h.navigate(func(s wizard.Session) wizard.Session { return s.Previous() }))
		r.Post("/reset", h.navigate(func(s wizard.Session) wizard.Session { return s.Reset() }))
		r.Post("/goto", h.goTo)
		r.Put("/customer", h.updateCustomer)
		r.Put("/terms", h.updateTerms)
		r.Put("/pricing", h.updatePricing)
		r.Post("/items", h.addItem)
		r.Put("/items/{idx}", h.updateItem)
		r.Delete("/items/{idx}", h.removeItem)
		r.Post("/submit", h.submit)
	})
}

func (h *Handler) startWizard(w http.ResponseWriter, r *http.Request) {
	var req StartWizardRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	var (
		sess    wizard.Session
		version int64
		err     error
	)
	if req.QuoteID != nil {
		sess, version, err = h.service.EditSession(ctx, *req.QuoteID)
		if err != nil {
			h.fail(w, r, "start edit session", err)
			return
		}
	} else {
		sess = h.service.Flow().NewSession(nil)
	}
	if req.CustomerID != nil {
		customer, err := h.catalogue.Customer(ctx, *req.CustomerID)
		if err != nil {
			h.fail(w, r, "load customer", err)
			return
		}
		sess = sess.UpdateCustomer(customerPatch(customer.Ref()))
	}
	entry, err := h.sessions.Create(ctx, sess, version)
	if err != nil {
		h.fail(w, r, "create wizard session", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newSessionView(entry.ID, entry.Session))
}

func (h *Handler) showWizard(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	entry, err := h.sessions.Get(r.Context(), sid)
	if err != nil {
		h.fail(w, r, "load wizard session", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSessionView(entry.ID, entry.Session))
}

func (h *Handler) discardWizard(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	if _, err := h.sessions.Get(r.Context(), sid); err != nil {
		h.fail(w, r, "load wizard session", err)
		return
	}
	if err := h.sessions.Delete(r.Context(), sid); err != nil {
		h.fail(w, r, "delete wizard session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) navigate(move func(wizard.Session) wizard.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.apply(w, r, func(s wizard.Session) (wizard.Session, error) {
			return move(s), nil
		})
	}
}

func (h *Handler) goTo(w http.ResponseWriter, r *http.Request) {
	var req GoToRequest
	if !h.decode(w, r, &req) {
		return
	}
	step := wizard.Step(strings.TrimSpace(req.Step))
	if !h.service.Flow().Has(step) {
		httpx.RespondError(w, fmt.Errorf("%w: unknown step %q", httpx.ErrValidation, req.Step))
		return
	}
	h.apply(w, r, func(s wizard.Session) (wizard.Session, error) {
		return s.GoTo(step), nil
	})
}

func (h *Handler) updateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch := wizard.CustomerPatch{Name: req.Name, Email: req.Email, Company: req.Company, Phone: req.Phone}
	if req.CustomerID != nil {
		customer, err := h.catalogue.Customer(r.Context(), *req.CustomerID)
		if err != nil {
			h.fail(w, r, "load customer", err)
			return
		}
		patch = mergeCustomer(customerPatch(customer.Ref()), patch)
	}
	h.apply(w, r, func(s wizard.Session) (wizard.Session, error) {
		return s.UpdateCustomer(patch), nil
	})
}

func (h *Handler) updateTerms(w http.ResponseWriter, r *http.Request) {
	var req TermsRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch := wizard.TermsPatch{PaymentTerms: req.PaymentTerms, Notes: req.Notes, ValidUntil: req.ValidUntil}
	h.apply(w, r, func(s wizard.Session) (wizard.Session, error) {
		return s.UpdateTerms(patch), nil
	})
}

func (h *Handler) updatePricing(w http.ResponseWriter, r *http.Request) {
	var req PricingRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, func(s wizard.Session) (wizard.Session, error) {
		return s.UpdatePricing(req.GlobalDiscount, req.GlobalTaxRate), nil
	})
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	overrides := UpdateItemRequest{
		Name:            req.Name,
		UnitPrice:       req.UnitPrice,
		DiscountPercent: req.DiscountPercent,
		TaxRate:         req.TaxRate,
	}.patch()

	if req.ProductID != nil {
		product, err := h.catalogue.Product(r.Context(), *req.ProductID)
		if err != nil {
			h.fail(w, r, "load product", err)
			return
		}
		qty := req.Quantity
		if qty == 0 {
			qty = 1
		}
		h.apply(w, r, func(s wizard.Session) (wizard.Session, error) {
			s = s.AddProduct(product.Ref(), qty)
			if overrides != (wizard.ItemPatch{}) {
				s = s.UpdateItem(len(s.Draft().Items)-1, overrides)
			}
			return s, nil
		})
		return
	}

	item := pricing.LineItem{Quantity: req.Quantity}
	if req.Name != nil {
		item.Name = *req.Name
	}
	if req.UnitPrice != nil {
		item.UnitPrice = *req.UnitPrice
	}
	if req.DiscountPercent != nil {
		item.DiscountPercent = *req.DiscountPercent
	}
	if req.TaxRate != nil {
		item.TaxRate = *req.TaxRate
	}
	h.apply(w, r, func(s wizard.Session) (wizard.Session, error) {
		return s.AddItem(item), nil
	})
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	idx, ok := itemIndex(w, r)
	if !ok {
		return
	}
	var req UpdateItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.apply(w, r, func(s wizard.Session) (wizard.Session, error) {
		if idx >= len(s.Draft().Items) {
			return s, errItemIndex(idx)
		}
		return s.UpdateItem(idx, req.patch()), nil
	})
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	idx, ok := itemIndex(w, r)
	if !ok {
		return
	}
	h.apply(w, r, func(s wizard.Session) (wizard.Session, error) {
		if idx >= len(s.Draft().Items) {
			return s, errItemIndex(idx)
		}
		return s.RemoveItem(idx), nil
	})
}

// submit validates the whole draft, persists it and records the outcome on
// the session. A repeated Idempotency-Key replays the first result.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid := chi.URLParam(r, "sid")
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(ctx, key, submitModule); err != nil {
			if !errors.Is(err, shared.ErrIdempotencyConflict) {
				h.fail(w, r, "idempotency check", err)
				return
			}
			h.replay(w, r, sid, key)
			return
		}
	}

	var beginErr error
	entry, err := h.sessions.Update(ctx, sid, func(s wizard.Session) (wizard.Session, error) {
		next, err := s.BeginSubmit()
		if errors.Is(err, wizard.ErrSubmitInProgress) || errors.Is(err, wizard.ErrAlreadySubmitted) {
			return s, err
		}
		beginErr = err
		return next, nil
	})
	if err == nil {
		err = beginErr
	}
	if err != nil {
		h.releaseKey(ctx, key)
		if errors.Is(err, wizard.ErrIncomplete) {
			h.metrics.WizardSubmit("invalid")
			httpx.JSON(w, http.StatusUnprocessableEntity, newSessionView(entry.ID, entry.Session))
			return
		}
		h.fail(w, r, "begin submit", err)
		return
	}

	quote, outcome, saveErr := h.persist(ctx, entry)
	var quoteID int64
	if quote != nil {
		quoteID = quote.ID
	}
	final, err := h.finishSubmit(ctx, sid, quoteID, saveErr)
	if err != nil {
		h.logger.Error("record submit outcome",
			slog.String("session", sid),
			slog.Int64("quote_id", quoteID),
			slog.Any("error", err))
		final = entry
	}

	if saveErr != nil {
		h.releaseKey(ctx, key)
		h.metrics.WizardSubmit("failed")
		h.fail(w, r, "submit wizard", saveErr)
		return
	}
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.Complete(ctx, key, submitModule, quote.ID); err != nil {
			h.logger.Warn("complete idempotency key", slog.String("key", key), slog.Any("error", err))
		}
	}
	h.metrics.WizardSubmit(outcome)
	status := http.StatusCreated
	if outcome == "updated" {
		status = http.StatusOK
	}
	httpx.JSON(w, status, SubmitResponse{Session: newSessionView(final.ID, final.Session), Quote: quote})
}

// finishSubmit writes the submit outcome back. The quote already exists, so a
// failed write is retried once detached from the request context.
func (h *Handler) finishSubmit(ctx context.Context, sid string, quoteID int64, saveErr error) (sessions.Entry, error) {
	record := func(s wizard.Session) (wizard.Session, error) {
		return s.FinishSubmit(quoteID, saveErr), nil
	}
	entry, err := h.sessions.Update(ctx, sid, record)
	if err == nil || errors.Is(err, sessions.ErrSessionNotFound) {
		return entry, err
	}
	h.logger.Warn("retry record submit outcome", slog.String("session", sid), slog.Any("error", err))
	retryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	return h.sessions.Update(retryCtx, sid, record)
}

func (h *Handler) persist(ctx context.Context, entry sessions.Entry) (*Quote, string, error) {
	actor := shared.ActorFromContext(ctx)
	draft := entry.Session.Draft()
	if id, ok := entry.Session.EditOf(); ok {
		q, err := h.service.UpdateDraft(ctx, id, draft, entry.QuoteVersion, actor)
		return q, "updated", err
	}
	q, err := h.service.CreateFromDraft(ctx, draft, actor)
	return q, "created", err
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request, sid, key string) {
	ctx := r.Context()
	id, ok, err := h.idempotency.Result(ctx, key, submitModule)
	if errors.Is(err, shared.ErrIdempotencyKeyNotFound) {
		// The first request released the key after our insert lost; a retry
		// with the same key will claim it.
		h.fail(w, r, "submit wizard", fmt.Errorf("%w: key %s released, retry", shared.ErrIdempotencyConflict, key))
		return
	}
	if err != nil {
		h.fail(w, r, "idempotency result", err)
		return
	}
	if !ok {
		h.fail(w, r, "submit wizard", fmt.Errorf("%w: key %s", wizard.ErrSubmitInProgress, key))
		return
	}
	entry, err := h.sessions.Get(ctx, sid)
	if err != nil {
		h.fail(w, r, "load wizard session", err)
		return
	}
	quote, err := h.service.Get(ctx, id)
	if err != nil {
		h.fail(w, r, "load submitted quote", err)
		return
	}
	h.metrics.WizardSubmit("replayed")
	httpx.JSON(w, http.StatusOK, SubmitResponse{Session: newSessionView(entry.ID, entry.Session), Quote: quote, Replayed: true})
}

// releaseKey frees the key so the client can retry after fixing the draft.
func (h *Handler) releaseKey(ctx context.Context, key string) {
	if key == "" || h.idempotency == nil {
		return
	}
	if err := h.idempotency.Delete(ctx, key); err != nil {
		h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", err))
	}
}

// apply runs fn against the stored session and responds with the new state.
func (h *Handler) apply(w http.ResponseWriter, r *http.Request, fn func(wizard.Session) (wizard.Session, error)) {
	sid := chi.URLParam(r, "sid")
	entry, err := h.sessions.Update(r.Context(), sid, fn)
	if err != nil {
		h.fail(w, r, "update wizard session", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSessionView(entry.ID, entry.Session))
}

func itemIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil || idx < 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid item index", httpx.ErrValidation))
		return 0, false
	}
	return idx, true
}

func errItemIndex(idx int) error {
	return fmt.Errorf("%w: line item %d", httpx.ErrNotFound, idx)
}

func customerPatch(ref wizard.CustomerRef) wizard.CustomerPatch {
	return wizard.CustomerPatch{
		ID:      ref.ID,
		Name:    &ref.Name,
		Email:   &ref.Email,
		Company: &ref.Company,
		Phone:   &ref.Phone,
	}
}

// mergeCustomer lets explicit request fields override directory values.
func mergeCustomer(base, override wizard.CustomerPatch) wizard.CustomerPatch {
	if override.Name != nil {
		base.Name = override.Name
	}
	if override.Email != nil {
		base.Email = override.Email
	}
	if override.Company != nil {
		base.Company = override.Company
	}
	if override.Phone != nil {
		base.Phone = override.Phone
	}
	return base
}
