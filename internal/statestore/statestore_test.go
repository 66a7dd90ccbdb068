package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/jarvishome/jarvis-ocr/internal/envelope"
	"github.com/jarvishome/jarvis-ocr/internal/testutil"
)

func testState(correlationID string) *State {
	return &State{
		Job: envelope.Request{
			SchemaVersion: 1,
			JobID:         "job-1",
			WorkflowID:    "wf-1",
			JobType:       envelope.JobTypeOCRRequest,
			ReplyTo:       "jarvis.recipes.jobs",
			Attempt:       1,
		},
		ImageIndex:     0,
		Tier:           "tesseract",
		OCRText:        "Hello",
		RawTextLen:     5,
		RemainingTiers: []string{"llm_cloud"},
		ActiveTiers:    []string{"tesseract", "llm_cloud"},
		CorrelationID:  correlationID,
		Attempt:        1,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testutil.Redis(t)
	store := New(rdb, 10*time.Minute, nil)

	t.Run("round_trip", func(t *testing.T) {
		if err := store.Save(ctx, testState("val-1")); err != nil {
			t.Fatalf("Save: %v", err)
		}

		got, err := store.Load(ctx, "val-1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got.OCRText != "Hello" || got.Tier != "tesseract" || got.Job.JobID != "job-1" {
			t.Errorf("state mangled in round trip: %+v", got)
		}
		if len(got.RemainingTiers) != 1 || got.RemainingTiers[0] != "llm_cloud" {
			t.Errorf("remaining tiers mangled: %v", got.RemainingTiers)
		}
	})

	t.Run("state_key_has_ttl", func(t *testing.T) {
		if ttl := mr.TTL("ocr:pending:val-1"); ttl != 10*time.Minute {
			t.Errorf("expected 10m TTL on state key, got %v", ttl)
		}
		if ttl := mr.TTL("ocr:pending:meta:val-1"); ttl != 20*time.Minute {
			t.Errorf("expected 20m TTL on deadline record, got %v", ttl)
		}
	})

	t.Run("first_delete_claims", func(t *testing.T) {
		owned, err := store.Delete(ctx, "val-1")
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if !owned {
			t.Fatal("first delete must claim the state")
		}
	})

	t.Run("second_delete_abandons", func(t *testing.T) {
		owned, err := store.Delete(ctx, "val-1")
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if owned {
			t.Fatal("second delete must report the key gone")
		}
	})

	t.Run("load_missing_is_not_found", func(t *testing.T) {
		if _, err := store.Load(ctx, "val-1"); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	mr, rdb := testutil.Redis(t)
	store := New(rdb, time.Minute, nil)

	t.Run("live_state_not_swept", func(t *testing.T) {
		if err := store.Save(ctx, testState("val-live")); err != nil {
			t.Fatal(err)
		}
		n, err := store.Sweep(ctx, func(context.Context, *DeadlineRecord) error {
			t.Error("handler called for live state")
			return nil
		})
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0 timeouts, got %d", n)
		}
	})

	t.Run("expired_state_is_swept_once", func(t *testing.T) {
		st := testState("val-dead")
		st.CreatedAt = time.Now().Add(-2 * time.Minute)
		if err := store.Save(ctx, st); err != nil {
			t.Fatal(err)
		}
		// Simulate TTL expiry of the state key only.
		mr.Del("ocr:pending:val-dead")

		var got *DeadlineRecord
		n, err := store.Sweep(ctx, func(_ context.Context, rec *DeadlineRecord) error {
			got = rec
			return nil
		})
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 timeout, got %d", n)
		}
		if got.CorrelationID != "val-dead" || got.Job.JobID != "job-1" {
			t.Errorf("unexpected record: %+v", got)
		}

		// The claim deleted the record; nothing left to sweep.
		n, err = store.Sweep(ctx, func(context.Context, *DeadlineRecord) error {
			t.Error("handler called twice for the same timeout")
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("expected 0 on second sweep, got %d", n)
		}
	})

	t.Run("recent_orphan_record_waits", func(t *testing.T) {
		st := testState("val-young")
		if err := store.Save(ctx, st); err != nil {
			t.Fatal(err)
		}
		mr.Del("ocr:pending:val-young")

		n, err := store.Sweep(ctx, func(context.Context, *DeadlineRecord) error { return nil })
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Error("record younger than TTL must not be treated as timed out")
		}
	})
}
