package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueMail carries outgoing customer mail.
	QueueMail = "mail"

	// TaskQuoteExpire sweeps sent and viewed quotes past their validity date.
	TaskQuoteExpire = "quotes:expire"
	// TaskQuoteNotify mails the customer a quote that was just sent.
	TaskQuoteNotify = "quotes:notify"
	// TaskIdempotencyCleanup drops old idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// QuoteExpirePayload configures one expiry sweep. A zero AsOf means "now".
type QuoteExpirePayload struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

// NewQuoteExpireTask constructs the expiry sweep task.
func NewQuoteExpireTask(asOf time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(QuoteExpirePayload{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskQuoteExpire, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// QuoteNotifyPayload carries everything the mail needs, so the task never
// reads the database.
type QuoteNotifyPayload struct {
	QuoteID       int64      `json:"quote_id"`
	Number        string     `json:"number"`
	CustomerName  string     `json:"customer_name"`
	CustomerEmail string     `json:"customer_email"`
	Total         string     `json:"total"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
}

// NewQuoteNotifyTask constructs the customer mail task.
func NewQuoteNotifyTask(payload QuoteNotifyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskQuoteNotify, data, asynq.Queue(QueueMail), asynq.MaxRetry(5)), nil
}

// IdempotencyCleanupPayload sets the maximum key age.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs the maintenance task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
