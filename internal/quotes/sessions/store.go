// Package sessions keeps wizard sessions in Redis between requests.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/quotedesk/internal/quotes/wizard"
	"github.com/odyssey-erp/quotedesk/internal/shared"
)

var (
	// ErrSessionNotFound is returned for unknown or expired session ids.
	ErrSessionNotFound = errors.New("wizard session not found")
	// ErrSessionConflict is returned when concurrent writers keep racing on one session.
	ErrSessionConflict = errors.New("wizard session changed concurrently")
)

const maxRetries = 5

// Entry is one stored session plus the metadata the API needs around it.
type Entry struct {
	ID      string
	Session wizard.Session
	// QuoteVersion is the version of the edited quote when the session began.
	QuoteVersion int64
}

type record struct {
	Snapshot     wizard.Snapshot `json:"snapshot"`
	QuoteVersion int64           `json:"quote_version,omitempty"`
}

// Store persists wizard sessions as JSON snapshots.
type Store struct {
	client *redis.Client
	flow   *wizard.Flow
	ttl    time.Duration
}

// NewStore constructs a Store. Sessions expire after ttl without writes.
func NewStore(client *redis.Client, flow *wizard.Flow, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, flow: flow, ttl: ttl}
}

// Create stores a new session under a fresh id.
func (s *Store) Create(ctx context.Context, sess wizard.Session, quoteVersion int64) (Entry, error) {
	id := uuid.NewString()
	raw, err := encode(sess, quoteVersion)
	if err != nil {
		return Entry{}, err
	}
	ok, err := s.client.SetNX(ctx, shared.WizardSessionKey(id), raw, s.ttl).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("sessions: create: %w", err)
	}
	if !ok {
		return Entry{}, fmt.Errorf("sessions: id collision on %s", id)
	}
	return Entry{ID: id, Session: sess, QuoteVersion: quoteVersion}, nil
}

// Get loads a session.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Entry{}, ErrSessionNotFound
	}
	raw, err := s.client.Get(ctx, shared.WizardSessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrSessionNotFound
		}
		return Entry{}, fmt.Errorf("sessions: get: %w", err)
	}
	return s.decode(id, raw)
}

// Update applies fn to the stored session and writes the result back. The
// write only lands when nobody else wrote the key in between; otherwise fn is
// re-run on the fresh value, up to a few times.
func (s *Store) Update(ctx context.Context, id string, fn func(wizard.Session) (wizard.Session, error)) (Entry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Entry{}, ErrSessionNotFound
	}
	key := shared.WizardSessionKey(id)
	var out Entry
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return err
		}
		cur, err := s.decode(id, raw)
		if err != nil {
			return err
		}
		next, err := fn(cur.Session)
		if err != nil {
			return err
		}
		payload, err := encode(next, cur.QuoteVersion)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out = Entry{ID: id, Session: next, QuoteVersion: cur.QuoteVersion}
		return nil
	}

	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Entry{}, err
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrSessionConflict, id)
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, shared.WizardSessionKey(id)).Err()
}

func encode(sess wizard.Session, quoteVersion int64) ([]byte, error) {
	raw, err := json.Marshal(record{Snapshot: sess.Snapshot(), QuoteVersion: quoteVersion})
	if err != nil {
		return nil, fmt.Errorf("sessions: encode: %w", err)
	}
	return raw, nil
}

func (s *Store) decode(id string, raw []byte) (Entry, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Entry{}, fmt.Errorf("sessions: decode %s: %w", id, err)
	}
	sess, err := s.flow.Restore(rec.Snapshot)
	if err != nil {
		return Entry{}, fmt.Errorf("sessions: restore %s: %w", id, err)
	}
	return Entry{ID: id, Session: sess, QuoteVersion: rec.QuoteVersion}, nil
}
