// Package statestore persists the per-job execution cursor while a job is
// suspended waiting for a validator callback. State lives in the same Redis
// instance that backs the queues, keyed by correlation id with a TTL, plus a
// deadline record at 2x TTL so the sweeper can detect validator timeouts
// after the state itself has expired.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jarvishome/jarvis-ocr/internal/envelope"
)

const (
	keyPrefix  = "ocr:pending:"
	metaPrefix = "ocr:pending:meta:"
)

// ErrNotFound is returned by Load when no state exists for a correlation id.
var ErrNotFound = errors.New("pending validation state not found")

// State is the suspended cursor for one job awaiting a validator verdict.
type State struct {
	Job              envelope.Request  `json:"original_job"`
	ImageIndex       int               `json:"image_index"`
	Tier             string            `json:"tier_name"`
	OCRText          string            `json:"ocr_text"`
	Truncated        bool              `json:"truncated"`
	RawTextLen       int               `json:"raw_text_len"`
	NativeConfidence *float64          `json:"native_confidence,omitempty"`
	RemainingTiers   []string          `json:"remaining_tiers"`
	ActiveTiers      []string          `json:"active_tiers"`
	Results          []envelope.Result `json:"processed_results"`
	CorrelationID    string            `json:"correlation_id"`
	Attempt          int               `json:"attempt"`
	CreatedAt        time.Time         `json:"created_at"`
}

// DeadlineRecord is what survives state-key expiry, enough to requeue or
// fail the job.
type DeadlineRecord struct {
	CorrelationID string           `json:"correlation_id"`
	Job           envelope.Request `json:"original_job"`
	Attempt       int              `json:"attempt"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Store persists pending validation states.
type Store struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a store over an existing Redis connection.
func New(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Store{rdb: rdb, ttl: ttl, logger: logger.With("component", "statestore")}
}

// TTL returns the configured state lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func stateKey(id string) string { return keyPrefix + id }
func metaKey(id string) string  { return metaPrefix + id }

// Save writes the state under its correlation key with TTL, and the
// deadline record at 2x TTL. The record goes first so a crash between the
// two writes looks like a timeout, never a lost job.
func (s *Store) Save(ctx context.Context, st *State) error {
	rec := DeadlineRecord{
		CorrelationID: st.CorrelationID,
		Job:           st.Job,
		Attempt:       st.Attempt,
		CreatedAt:     st.CreatedAt,
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal deadline record: %w", err)
	}
	stJSON, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := s.rdb.Set(ctx, metaKey(st.CorrelationID), recJSON, 2*s.ttl).Err(); err != nil {
		return fmt.Errorf("save deadline record: %w", err)
	}
	if err := s.rdb.Set(ctx, stateKey(st.CorrelationID), stJSON, s.ttl).Err(); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	s.logger.Debug("saved pending validation state",
		"correlation_id", st.CorrelationID, "image_index", st.ImageIndex, "tier", st.Tier)
	return nil
}

// Load fetches a state by correlation id. Returns ErrNotFound when the key
// is missing or expired.
func (s *Store) Load(ctx context.Context, correlationID string) (*State, error) {
	data, err := s.rdb.Get(ctx, stateKey(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", correlationID, err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", correlationID, err)
	}
	return &st, nil
}

// Delete removes the state and its deadline record. The returned bool is
// the single-writer claim: true means this caller owned the state and may
// resume the job; false means another worker (or the sweeper) got there
// first and the resumption must be abandoned.
func (s *Store) Delete(ctx context.Context, correlationID string) (bool, error) {
	n, err := s.rdb.Del(ctx, stateKey(correlationID)).Result()
	if err != nil {
		return false, fmt.Errorf("delete state %s: %w", correlationID, err)
	}
	if err := s.rdb.Del(ctx, metaKey(correlationID)).Err(); err != nil {
		return n > 0, fmt.Errorf("delete deadline record %s: %w", correlationID, err)
	}
	return n > 0, nil
}

// Sweep scans deadline records for validations whose state has expired
// without a callback and hands each to handle. A record is timed out when
// its state key is gone and its save time is older than the TTL; the DEL on
// the record is the claim, so concurrent sweepers process each timeout once.
// Returns the number of timeouts handled.
func (s *Store) Sweep(ctx context.Context, handle func(context.Context, *DeadlineRecord) error) (int, error) {
	handled := 0
	iter := s.rdb.Scan(ctx, 0, metaPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := key[len(metaPrefix):]

		exists, err := s.rdb.Exists(ctx, stateKey(id)).Result()
		if err != nil {
			return handled, fmt.Errorf("sweep exists %s: %w", id, err)
		}
		if exists > 0 {
			continue // still awaiting its callback
		}

		data, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return handled, fmt.Errorf("sweep get %s: %w", id, err)
		}

		var rec DeadlineRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("dropping undecodable deadline record", "correlation_id", id, "error", err)
			s.rdb.Del(ctx, key)
			continue
		}
		if time.Since(rec.CreatedAt) < s.ttl {
			// Save may have crashed between record and state writes;
			// give the state its full window before declaring timeout.
			continue
		}

		n, err := s.rdb.Del(ctx, key).Result()
		if err != nil {
			return handled, fmt.Errorf("sweep claim %s: %w", id, err)
		}
		if n == 0 {
			continue // claimed by another sweeper
		}

		if err := handle(ctx, &rec); err != nil {
			s.logger.Error("timeout handler failed", "correlation_id", id, "error", err)
			continue
		}
		handled++
	}
	if err := iter.Err(); err != nil {
		return handled, fmt.Errorf("sweep scan: %w", err)
	}
	return handled, nil
}
