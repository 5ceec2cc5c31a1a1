package quotes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/quotedesk/internal/observability"
	"github.com/odyssey-erp/quotedesk/internal/quotes/lifecycle"
	"github.com/odyssey-erp/quotedesk/internal/quotes/wizard"
	"github.com/odyssey-erp/quotedesk/internal/shared"
)

// AuditRecorder persists audit trail entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Notifier is told when a quote enters the sent status.
type Notifier interface {
	QuoteSent(ctx context.Context, q Quote) error
}

// ServiceConfig tunes the service.
type ServiceConfig struct {
	// MoneyPlaces is the number of decimal places totals are stored with.
	MoneyPlaces int32
	// ExpiryBatch caps how many quotes one ExpireDue call loads.
	ExpiryBatch int
}

// Service provides business logic for quotes.
type Service struct {
	repo     Repository
	flow     *wizard.Flow
	audit    AuditRecorder
	notifier Notifier
	metrics  *observability.Metrics
	logger   *slog.Logger
	cfg      ServiceConfig
	now      func() time.Time
}

// NewService constructs a quote service. audit, notifier and metrics may be nil.
func NewService(repo Repository, audit AuditRecorder, notifier Notifier, metrics *observability.Metrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.MoneyPlaces <= 0 {
		cfg.MoneyPlaces = 2
	}
	if cfg.ExpiryBatch <= 0 {
		cfg.ExpiryBatch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		flow:     wizard.DefaultFlow(),
		audit:    audit,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Service) checkDraft(d wizard.Draft) error {
	if step, errs := s.flow.Check(d); errs != nil {
		return &ValidationError{Step: step, Fields: errs}
	}
	return nil
}

// CreateFromDraft persists a completed wizard draft as a new quote in draft status.
func (s *Service) CreateFromDraft(ctx context.Context, d wizard.Draft, actor string) (*Quote, error) {
	if err := s.checkDraft(d); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	q := Quote{
		Status:    lifecycle.StatusDraft,
		Version:   1,
		CreatedBy: actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.applyDraft(d, s.cfg.MoneyPlaces)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, now)
		if err != nil {
			return err
		}
		q.Number = number
		q.ID, err = tx.Create(ctx, q)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create quote: %w", err)
	}
	s.record(ctx, actor, "quote.create", q.ID, map[string]any{
		"number": q.Number,
		"total":  q.Totals.Total.String(),
	})
	return &q, nil
}

// UpdateDraft replaces the editable fields of a quote. The status guard runs
// before anything else is looked at.
func (s *Service) UpdateDraft(ctx context.Context, id int64, d wizard.Draft, expectedVersion int64, actor string) (*Quote, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.GuardEdit(q.Status); err != nil {
		return nil, err
	}
	if q.Version != expectedVersion {
		return nil, fmt.Errorf("%w: id %d is at version %d", ErrVersionConflict, id, q.Version)
	}
	if err := s.checkDraft(d); err != nil {
		return nil, err
	}
	q.applyDraft(d, s.cfg.MoneyPlaces)
	q.UpdatedAt = s.now().UTC()

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateDraft(ctx, *q, expectedVersion)
	})
	if err != nil {
		return nil, fmt.Errorf("update quote: %w", err)
	}
	q.Version = expectedVersion + 1
	s.record(ctx, actor, "quote.update", q.ID, map[string]any{"total": q.Totals.Total.String()})
	return q, nil
}

// Transition moves a quote along the status graph. expectedVersion guards
// against concurrent edits; a stale version returns ErrVersionConflict.
func (s *Service) Transition(ctx context.Context, id int64, to lifecycle.Status, expectedVersion int64, actor string) (*Quote, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.Version != expectedVersion {
		return nil, fmt.Errorf("%w: id %d is at version %d", ErrVersionConflict, id, q.Version)
	}
	_, change, err := lifecycle.Transition(lifecycle.Record{Status: q.Status}, to, actor, s.now().UTC())
	if err != nil {
		s.metrics.QuoteTransitionRejected(string(q.Status), string(to))
		return nil, err
	}
	if err := s.applyChange(ctx, q, change); err != nil {
		return nil, err
	}
	if change.To == lifecycle.StatusSent && s.notifier != nil {
		if err := s.notifier.QuoteSent(ctx, *q); err != nil {
			s.logger.Warn("enqueue quote notification", slog.Int64("quote_id", q.ID), slog.Any("error", err))
		}
	}
	return q, nil
}

func (s *Service) applyChange(ctx context.Context, q *Quote, change lifecycle.StatusChange) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateStatus(ctx, q.ID, change, q.Version)
	})
	if err != nil {
		return fmt.Errorf("transition quote %d: %w", q.ID, err)
	}
	q.Status = change.To
	q.Version++
	q.UpdatedAt = change.At
	s.metrics.QuoteTransition(string(change.From), string(change.To))
	s.record(ctx, change.Actor, "quote.transition", q.ID, map[string]any{
		"from": string(change.From),
		"to":   string(change.To),
	})
	return nil
}

// ExpireDue moves sent and viewed quotes whose validity ended before now to
// expired. Quotes changed concurrently are skipped and picked up next run.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.repo.ListDue(ctx, now, []lifecycle.Status{lifecycle.StatusSent, lifecycle.StatusViewed}, s.cfg.ExpiryBatch)
	if err != nil {
		return 0, fmt.Errorf("list due quotes: %w", err)
	}
	expired := 0
	for i := range due {
		q := due[i]
		_, change, err := lifecycle.Transition(lifecycle.Record{Status: q.Status}, lifecycle.StatusExpired, shared.SystemActor, now.UTC())
		if err != nil {
			s.logger.Warn("skip expiry", slog.Int64("quote_id", q.ID), slog.Any("error", err))
			continue
		}
		if err := s.applyChange(ctx, &q, change); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// Get returns a quote by id.
func (s *Service) Get(ctx context.Context, id int64) (*Quote, error) {
	return s.repo.Get(ctx, id)
}

// Detail loads a quote and its history concurrently.
func (s *Service) Detail(ctx context.Context, id int64) (*Detail, error) {
	var (
		q       *Quote
		history []lifecycle.StatusChange
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		q, err = s.repo.Get(gctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = s.repo.History(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if history == nil {
		history = []lifecycle.StatusChange{}
	}
	return &Detail{Quote: *q, History: history, Allowed: lifecycle.Allowed(q.Status)}, nil
}

// List returns a filtered page of quotes and the total match count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Quote, int, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, 0, fmt.Errorf("%w: %q", lifecycle.ErrUnknownStatus, filter.Status)
	}
	return s.repo.List(ctx, filter)
}

// History returns the status ledger of a quote.
func (s *Service) History(ctx context.Context, id int64) ([]lifecycle.StatusChange, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.History(ctx, id)
}

// EditSession starts a wizard session pre-filled from an editable quote.
func (s *Service) EditSession(ctx context.Context, id int64) (wizard.Session, int64, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return wizard.Session{}, 0, err
	}
	if err := lifecycle.GuardEdit(q.Status); err != nil {
		return wizard.Session{}, 0, err
	}
	return s.flow.NewEditSession(q.ID, q.Draft()), q.Version, nil
}

// Flow returns the wizard flow the service validates drafts with.
func (s *Service) Flow() *wizard.Flow { return s.flow }

func (s *Service) record(ctx context.Context, actor, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "quote",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
