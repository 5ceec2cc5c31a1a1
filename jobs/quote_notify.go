package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	jobmetrics "github.com/odyssey-erp/quotedesk/internal/jobs"
	"github.com/odyssey-erp/quotedesk/internal/quotes"
)

// Enqueuer is the slice of *asynq.Client the notifier uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QuoteNotifier queues a customer mail whenever a quote enters sent.
type QuoteNotifier struct {
	queue Enqueuer
}

// NewQuoteNotifier wraps an enqueuer.
func NewQuoteNotifier(queue Enqueuer) *QuoteNotifier {
	return &QuoteNotifier{queue: queue}
}

// QuoteSent implements quotes.Notifier.
func (n *QuoteNotifier) QuoteSent(ctx context.Context, q quotes.Quote) error {
	task, err := NewQuoteNotifyTask(QuoteNotifyPayload{
		QuoteID:       q.ID,
		Number:        q.Number,
		CustomerName:  q.CustomerName,
		CustomerEmail: q.CustomerEmail,
		Total:         q.Totals.Total.String(),
		ValidUntil:    q.ValidUntil,
	})
	if err != nil {
		return err
	}
	// One mail per quote version; a re-send of the same version is collapsed.
	_, err = n.queue.EnqueueContext(ctx, task, asynq.TaskID(fmt.Sprintf("quote-notify-%d-v%d", q.ID, q.Version)))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// QuoteMailJob renders and sends the customer mail.
type QuoteMailJob struct {
	mailer   Mailer
	from     string
	printer  *message.Printer
	currency currency.Unit
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// QuoteMailConfig configures QuoteMailJob.
type QuoteMailConfig struct {
	Mailer   Mailer
	From     string
	Locale   language.Tag
	Currency currency.Unit
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewQuoteMailJob initialises the mail handler.
func NewQuoteMailJob(cfg QuoteMailConfig) *QuoteMailJob {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QuoteMailJob{
		mailer:   cfg.Mailer,
		from:     cfg.From,
		printer:  message.NewPrinter(cfg.Locale),
		currency: cfg.Currency,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
}

// Handle sends one quote mail.
func (j *QuoteMailJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.mailer == nil {
		return errors.New("quote mail: handler not configured")
	}
	var payload QuoteNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if strings.TrimSpace(payload.CustomerEmail) == "" {
		j.logger.Warn("quote mail without recipient", slog.Int64("quote_id", payload.QuoteID))
		return asynq.SkipRetry
	}

	tracker := j.metrics.Track(TaskQuoteNotify)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	msg, err := j.Render(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err := j.mailer.Send(ctx, msg); err != nil {
		j.logger.Error("send quote mail", slog.Int64("quote_id", payload.QuoteID), slog.Any("error", err))
		return err
	}
	tracker.AddItems(1)
	j.logger.Info("quote mail sent", slog.Int64("quote_id", payload.QuoteID), slog.String("to", payload.CustomerEmail))
	return nil
}

// Render builds the mail for a payload.
func (j *QuoteMailJob) Render(p QuoteNotifyPayload) (Message, error) {
	total, err := decimal.NewFromString(p.Total)
	if err != nil {
		return Message{}, fmt.Errorf("quote %d total %q: %w", p.QuoteID, p.Total, err)
	}
	var body strings.Builder
	body.WriteString(j.printer.Sprintf("Dear %s,\n\n", p.CustomerName))
	body.WriteString(j.printer.Sprintf("Your quote %s is ready for review.\n", p.Number))
	body.WriteString(j.printer.Sprintf("Total: %s %.2f\n", j.currency.String(), total.InexactFloat64()))
	if p.ValidUntil != nil {
		body.WriteString(j.printer.Sprintf("Valid until: %s\n", p.ValidUntil.Format("2006-01-02")))
	}
	return Message{
		From:    j.from,
		To:      p.CustomerEmail,
		Subject: fmt.Sprintf("Quote %s", p.Number),
		Body:    body.String(),
	}, nil
}
