package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/quotedesk/internal/jobs"
)

// Expirer moves overdue quotes to expired.
type Expirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

// QuoteExpiryJob runs the periodic expiry sweep.
type QuoteExpiryJob struct {
	Service Expirer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewQuoteExpiryJob initialises the expiry handler.
func NewQuoteExpiryJob(service Expirer, logger *slog.Logger, metrics *jobmetrics.Metrics) *QuoteExpiryJob {
	return &QuoteExpiryJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *QuoteExpiryJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Service == nil {
		return errors.New("quote expiry: handler not configured")
	}
	var payload QuoteExpirePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = j.clock()
	}

	tracker := j.Metrics.Track(TaskQuoteExpire)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Time("as_of", asOf))
	expired, err := j.Service.ExpireDue(ctx, asOf)
	tracker.AddItems(expired)
	if err != nil {
		logger.Error("quote expiry sweep failed", slog.Int("expired", expired), slog.Any("error", err))
		return err
	}
	logger.Info("quote expiry sweep finished", slog.Int("expired", expired))
	return nil
}

func (j *QuoteExpiryJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
