package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"

	jobmetrics "github.com/odyssey-erp/quotedesk/internal/jobs"
	"github.com/odyssey-erp/quotedesk/internal/quotes"
	"github.com/odyssey-erp/quotedesk/internal/quotes/pricing"
	_ "github.com/odyssey-erp/quotedesk/testing"
)

// ===== FAKES =====

type fakeExpirer struct {
	asOf  time.Time
	count int
	err   error
}

func (f *fakeExpirer) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	f.asOf = now
	return f.count, f.err
}

type fakeQueue struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type fakeMailer struct {
	sent []Message
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.infos[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}
	return info, nil
}

type fakeCleaner struct {
	age time.Duration
}

func (f *fakeCleaner) Cleanup(ctx context.Context, olderThan time.Duration) error {
	f.age = olderThan
	return nil
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// ===== EXPIRY =====

func TestQuoteExpiryJobUsesPayloadTime(t *testing.T) {
	reg := prometheus.NewRegistry()
	expirer := &fakeExpirer{count: 3}
	job := NewQuoteExpiryJob(expirer, nil, jobmetrics.NewMetrics(reg))
	asOf := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	task, err := NewQuoteExpireTask(asOf)
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))

	assert.True(t, asOf.Equal(expirer.asOf))
	assert.Equal(t, 3.0, counterTotal(t, reg, "quotedesk_job_items_total"))
	assert.Equal(t, 1.0, counterTotal(t, reg, "quotedesk_jobs_total"))
}

func TestQuoteExpiryJobDefaultsToClock(t *testing.T) {
	expirer := &fakeExpirer{}
	job := NewQuoteExpiryJob(expirer, nil, nil)
	fixed := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return fixed }

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskQuoteExpire, nil)))

	assert.True(t, fixed.Equal(expirer.asOf))
}

func TestQuoteExpiryJobReportsFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	boom := errors.New("db down")
	job := NewQuoteExpiryJob(&fakeExpirer{err: boom}, nil, jobmetrics.NewMetrics(reg))

	err := job.Handle(context.Background(), asynq.NewTask(TaskQuoteExpire, nil))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1.0, counterTotal(t, reg, "quotedesk_jobs_failures_total"))
}

func TestQuoteExpiryJobRejectsBadPayload(t *testing.T) {
	job := NewQuoteExpiryJob(&fakeExpirer{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskQuoteExpire, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

// ===== NOTIFY =====

func sentQuote() quotes.Quote {
	valid := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	return quotes.Quote{
		ID:            4,
		Number:        "Q-202406-0004",
		CustomerName:  "Acme",
		CustomerEmail: "buyer@acme.test",
		ValidUntil:    &valid,
		Version:       2,
		Totals:        pricing.Calculations{Total: decimal.RequireFromString("231")},
	}
}

func TestQuoteNotifierEnqueuesMailTask(t *testing.T) {
	queue := &fakeQueue{}
	notifier := NewQuoteNotifier(queue)

	require.NoError(t, notifier.QuoteSent(context.Background(), sentQuote()))

	require.Len(t, queue.tasks, 1)
	assert.Equal(t, TaskQuoteNotify, queue.tasks[0].Type())
	var payload QuoteNotifyPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &payload))
	assert.Equal(t, int64(4), payload.QuoteID)
	assert.Equal(t, "231", payload.Total)
	assert.Equal(t, "buyer@acme.test", payload.CustomerEmail)
	assert.Len(t, queue.opts[0], 1)
}

func TestQuoteNotifierIgnoresDuplicateTaskID(t *testing.T) {
	notifier := NewQuoteNotifier(&fakeQueue{err: asynq.ErrTaskIDConflict})
	assert.NoError(t, notifier.QuoteSent(context.Background(), sentQuote()))

	boom := errors.New("redis down")
	notifier = NewQuoteNotifier(&fakeQueue{err: boom})
	assert.ErrorIs(t, notifier.QuoteSent(context.Background(), sentQuote()), boom)
}

func newMailJob(mailer Mailer, reg prometheus.Registerer) *QuoteMailJob {
	var metrics *jobmetrics.Metrics
	if reg != nil {
		metrics = jobmetrics.NewMetrics(reg)
	}
	return NewQuoteMailJob(QuoteMailConfig{
		Mailer:   mailer,
		From:     "quotes@quotedesk.local",
		Locale:   language.English,
		Currency: currency.USD,
		Metrics:  metrics,
	})
}

func TestQuoteMailJobSendsRenderedMail(t *testing.T) {
	reg := prometheus.NewRegistry()
	mailer := &fakeMailer{}
	queue := &fakeQueue{}
	require.NoError(t, NewQuoteNotifier(queue).QuoteSent(context.Background(), sentQuote()))

	require.NoError(t, newMailJob(mailer, reg).Handle(context.Background(), queue.tasks[0]))

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, "buyer@acme.test", msg.To)
	assert.Equal(t, "Quote Q-202406-0004", msg.Subject)
	assert.Contains(t, msg.Body, "Dear Acme")
	assert.Contains(t, msg.Body, "USD 231.00")
	assert.Contains(t, msg.Body, "Valid until: 2024-06-30")
	assert.Equal(t, 1.0, counterTotal(t, reg, "quotedesk_job_items_total"))
}

func TestQuoteMailJobSkipsMissingRecipient(t *testing.T) {
	mailer := &fakeMailer{}
	data, err := json.Marshal(QuoteNotifyPayload{QuoteID: 1, Total: "10"})
	require.NoError(t, err)

	err = newMailJob(mailer, nil).Handle(context.Background(), asynq.NewTask(TaskQuoteNotify, data))

	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, mailer.sent)
}

func TestQuoteMailJobRetriesSendFailure(t *testing.T) {
	boom := errors.New("relay refused")
	task, err := NewQuoteNotifyTask(QuoteNotifyPayload{QuoteID: 1, CustomerEmail: "a@b.test", Total: "10"})
	require.NoError(t, err)

	err = newMailJob(&fakeMailer{err: boom}, nil).Handle(context.Background(), task)

	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestSMTPMailerEncodesMessage(t *testing.T) {
	var gotAddr string
	var gotTo []string
	var gotBody string
	m := NewSMTPMailer("127.0.0.1:1025")
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotBody = addr, to, string(msg)
		return nil
	}

	err := m.Send(context.Background(), Message{From: "q@x.test", To: "c@y.test", Subject: "Quote\r\nBcc: evil", Body: "line1\nline2"})

	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1025", gotAddr)
	assert.Equal(t, []string{"c@y.test"}, gotTo)
	assert.Contains(t, gotBody, "Subject: Quote  Bcc: evil\r\n")
	assert.Contains(t, gotBody, "line1\r\nline2")

	assert.Error(t, m.Send(context.Background(), Message{From: "q@x.test"}))
}

// ===== MAINTENANCE =====

func TestIdempotencyCleanupJob(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, 48*time.Hour, nil, nil)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, nil)))
	assert.Equal(t, 48*time.Hour, cleaner.age)

	task, err := NewIdempotencyCleanupTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, time.Hour, cleaner.age)
}

// ===== HEALTH =====

func serveHealth(t *testing.T, inspector QueueInspector) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspector, nil).MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	return rec
}

func TestHealthReportsQueues(t *testing.T) {
	rec := serveHealth(t, fakeInspector{infos: map[string]*asynq.QueueInfo{
		QueueDefault: {Queue: QueueDefault, Pending: 2, Active: 1},
	}})

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Queues []QueueHealth `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	assert.Equal(t, QueueHealth{Queue: QueueDefault, Pending: 2, Active: 1}, body.Queues[0])
	assert.Equal(t, QueueHealth{Queue: QueueMail}, body.Queues[1])
}

func TestHealthWithoutInspector(t *testing.T) {
	rec := serveHealth(t, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthInspectorFailure(t *testing.T) {
	rec := serveHealth(t, fakeInspector{err: errors.New("redis down")})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
