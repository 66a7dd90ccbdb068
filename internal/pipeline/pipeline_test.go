package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jarvishome/jarvis-ocr/internal/envelope"
	"github.com/jarvishome/jarvis-ocr/internal/providers"
	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/statestore"
	"github.com/jarvishome/jarvis-ocr/internal/testutil"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
	"github.com/jarvishome/jarvis-ocr/internal/validator"
)

// fakeResolver maps ref values to images or typed failures.
type fakeResolver struct {
	images map[string]*resolver.Image
	errs   map[string]error
}

func (f *fakeResolver) Resolve(_ context.Context, ref envelope.ImageRef) (*resolver.Image, error) {
	if err, ok := f.errs[ref.Value]; ok {
		return nil, err
	}
	if img, ok := f.images[ref.Value]; ok {
		return img, nil
	}
	return &resolver.Image{Bytes: []byte("png"), ContentType: "image/png"}, nil
}

// fakeValidator records every suspended state it is asked to validate.
type fakeValidator struct {
	enqueued []statestore.State
	err      error
}

func (f *fakeValidator) Enqueue(_ context.Context, st *statestore.State) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, *st)
	return nil
}

func (f *fakeValidator) last(t *testing.T) *statestore.State {
	t.Helper()
	if len(f.enqueued) == 0 {
		t.Fatal("no validation was enqueued")
	}
	return &f.enqueued[len(f.enqueued)-1]
}

// fakeEmitter records completions.
type fakeEmitter struct {
	queues      []string
	completions []*envelope.Completion
}

func (f *fakeEmitter) Emit(_ context.Context, queueName string, c *envelope.Completion) error {
	f.queues = append(f.queues, queueName)
	f.completions = append(f.completions, c)
	return nil
}

func (f *fakeEmitter) one(t *testing.T) *envelope.Completion {
	t.Helper()
	if len(f.completions) != 1 {
		t.Fatalf("expected exactly 1 completion, got %d", len(f.completions))
	}
	return f.completions[0]
}

// fakeQueue records requeued payloads.
type fakeQueue struct {
	pushed [][]byte
	err    error
}

func (f *fakeQueue) PushBack(_ context.Context, _ string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.pushed = append(f.pushed, payload)
	return nil
}

type harness struct {
	p  *Pipeline
	v  *fakeValidator
	e  *fakeEmitter
	q  *fakeQueue
	r  *fakeResolver
	st *statestore.Store
}

func newHarness(t *testing.T, cfg Config, drivers ...*providers.MockDriver) *harness {
	t.Helper()
	_, rdb := testutil.Redis(t)
	store := statestore.New(rdb, time.Minute, nil)

	reg := providers.NewRegistry(time.Second, nil)
	for _, d := range drivers {
		reg.Register(d)
	}
	reg.Probe(context.Background())

	if cfg.ActiveTiers == nil {
		cfg.ActiveTiers = make([]tiers.Tier, len(drivers))
		for i, d := range drivers {
			cfg.ActiveTiers[i] = d.Tier
		}
	}

	h := &harness{
		v:  &fakeValidator{},
		e:  &fakeEmitter{},
		q:  &fakeQueue{},
		r:  &fakeResolver{images: map[string]*resolver.Image{}, errs: map[string]error{}},
		st: store,
	}
	h.p = New(cfg, reg, h.r, store, h.v, h.e, h.q, nil)
	return h
}

func requestJSON(images int, attempt int) []byte {
	refs := make([]string, images)
	for i := 0; i < images; i++ {
		refs[i] = fmt.Sprintf(`{"kind":"local_path","value":"img_%d.png","index":%d}`, i, i)
	}
	return []byte(fmt.Sprintf(`{
		"schema_version": 1,
		"job_id": "job-1",
		"workflow_id": "wf-1",
		"job_type": "ocr.extract_text.requested",
		"source": "jarvis-recipes-service",
		"target": "jarvis-ocr-service",
		"created_at": "2025-06-01T12:00:00Z",
		"attempt": %d,
		"reply_to": "jarvis.recipes.jobs",
		"payload": {"image_refs": [%s], "image_count": %d},
		"trace": {"request_id": "req-1", "parent_job_id": null}
	}`, attempt, strings.Join(refs, ","), images))
}

func accept(conf float64, reason string) validator.Verdict {
	return validator.Verdict{IsValid: true, Confidence: conf, Reason: reason}
}

func reject(reason string) validator.Verdict {
	return validator.Verdict{Reason: reason}
}

func TestFirstTierAccept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{},
		&providers.MockDriver{Tier: tiers.AppleVision, Text: "Hello"},
		&providers.MockDriver{Tier: tiers.Tesseract, Text: "unused"},
	)

	if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	st := h.v.last(t)
	if st.Tier != "apple_vision" || st.OCRText != "Hello" {
		t.Fatalf("suspended on wrong candidate: %+v", st)
	}

	if err := h.p.Resume(ctx, st.CorrelationID, accept(0.9, "readable English")); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	comp := h.e.one(t)
	if comp.Payload.Status != envelope.StatusSuccess {
		t.Errorf("status = %s", comp.Payload.Status)
	}
	if comp.Payload.Error != nil {
		t.Errorf("success completion must carry a null error, got %+v", comp.Payload.Error)
	}
	if h.e.queues[0] != "jarvis.recipes.jobs" {
		t.Errorf("emitted to %s", h.e.queues[0])
	}

	r := comp.Payload.Results[0]
	if r.Index != 0 || r.OCRText != "Hello" || r.Truncated {
		t.Errorf("result = %+v", r)
	}
	m := r.Meta
	if m.Tier != "apple_vision" || !m.IsValid || m.Confidence != 0.9 ||
		m.TextLen != 5 || m.Language != "en" || m.ValidationReason != "readable English" {
		t.Errorf("meta = %+v", m)
	}
	if r.Error != nil {
		t.Errorf("winning result must have null error, got %+v", r.Error)
	}

	// Round-trip invariants.
	if comp.WorkflowID != "wf-1" || *comp.Trace.ParentJobID != "job-1" || *comp.Trace.RequestID != "req-1" {
		t.Errorf("trace fields mangled: %+v", comp.Trace)
	}
	if comp.JobID == "job-1" {
		t.Error("completion must carry a fresh job_id")
	}
	if comp.Target != "jarvis-recipes-service" || comp.Source != envelope.SourceName {
		t.Errorf("source/target mangled: %s -> %s", comp.Source, comp.Target)
	}
}

func TestCascadeToSecondTier(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{},
		&providers.MockDriver{Tier: tiers.Tesseract, Text: "!!!"},
		&providers.MockDriver{Tier: tiers.LLMCloud, Text: "Recipe: Toast"},
	)

	if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Resume(ctx, h.v.last(t).CorrelationID, reject("gibberish")); err != nil {
		t.Fatal(err)
	}
	if len(h.v.enqueued) != 2 {
		t.Fatalf("expected a second validation enqueue, got %d", len(h.v.enqueued))
	}
	st := h.v.last(t)
	if st.Tier != "llm_cloud" || st.OCRText != "Recipe: Toast" {
		t.Fatalf("second candidate wrong: %+v", st)
	}

	if err := h.p.Resume(ctx, st.CorrelationID, accept(0.8, "ok")); err != nil {
		t.Fatal(err)
	}
	comp := h.e.one(t)
	r := comp.Payload.Results[0]
	if r.Meta.Tier != "llm_cloud" || !r.Meta.IsValid {
		t.Errorf("result = %+v", r)
	}
}

func TestPDFRejectionPartialSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{},
		&providers.MockDriver{Tier: tiers.Tesseract, Text: "Second page text"},
	)
	h.r.errs["img_0.png"] = &resolver.Error{
		Code: envelope.CodeUnsupportedMedia, Message: "PDF content is not supported",
	}

	if err := h.p.Process(ctx, requestJSON(2, 1)); err != nil {
		t.Fatal(err)
	}
	// Image 0 failed without OCR; the suspension is for image 1.
	st := h.v.last(t)
	if st.ImageIndex != 1 {
		t.Fatalf("expected suspension on image 1, got %d", st.ImageIndex)
	}
	if err := h.p.Resume(ctx, st.CorrelationID, accept(0.9, "fine")); err != nil {
		t.Fatal(err)
	}

	comp := h.e.one(t)
	if comp.Payload.Status != envelope.StatusSuccess {
		t.Errorf("partial success must still be success, got %s", comp.Payload.Status)
	}
	if len(comp.Payload.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(comp.Payload.Results))
	}
	r0, r1 := comp.Payload.Results[0], comp.Payload.Results[1]
	if r0.Meta.IsValid || r0.Error == nil || r0.Error.Code != envelope.CodeUnsupportedMedia {
		t.Errorf("results[0] = %+v", r0)
	}
	if !r1.Meta.IsValid || r1.Index != 1 {
		t.Errorf("results[1] = %+v", r1)
	}
}

func TestAllTiersRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{},
		&providers.MockDriver{Tier: tiers.Tesseract, Text: "###"},
		&providers.MockDriver{Tier: tiers.EasyOCR, Text: "%%%"},
	)

	if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Resume(ctx, h.v.last(t).CorrelationID, reject("noise")); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Resume(ctx, h.v.last(t).CorrelationID, reject("still noise")); err != nil {
		t.Fatal(err)
	}

	comp := h.e.one(t)
	if comp.Payload.Status != envelope.StatusFailed {
		t.Errorf("status = %s", comp.Payload.Status)
	}
	if comp.Payload.Error == nil || comp.Payload.Error.Code != envelope.CodeAllImagesFailed {
		t.Errorf("top error = %+v", comp.Payload.Error)
	}
	r := comp.Payload.Results[0]
	if r.Meta.IsValid || r.Error == nil || r.Error.Code != envelope.CodeNoValidOutput {
		t.Errorf("results[0] = %+v", r)
	}
	if r.Meta.Tier != "easyocr" {
		t.Errorf("failed result must name the last attempted tier, got %q", r.Meta.Tier)
	}
}

func TestValidatorTimeout(t *testing.T) {
	ctx := context.Background()

	t.Run("requeues_within_budget", func(t *testing.T) {
		h := newHarness(t, Config{MaxAttempts: 3},
			&providers.MockDriver{Tier: tiers.Tesseract, Text: "text"})
		rec := &statestore.DeadlineRecord{
			CorrelationID: "val-1",
			Job:           mustParse(t, requestJSON(1, 1)),
			Attempt:       1,
		}
		if err := h.p.HandleTimeout(ctx, rec); err != nil {
			t.Fatal(err)
		}
		if len(h.q.pushed) != 1 {
			t.Fatalf("expected 1 requeue, got %d", len(h.q.pushed))
		}
		var retried envelope.Request
		if err := json.Unmarshal(h.q.pushed[0], &retried); err != nil {
			t.Fatal(err)
		}
		if retried.Attempt != 2 {
			t.Errorf("attempt = %d, want 2", retried.Attempt)
		}
		if len(h.e.completions) != 0 {
			t.Error("no completion expected while retries remain")
		}
	})

	t.Run("exhausts_after_final_attempt", func(t *testing.T) {
		h := newHarness(t, Config{MaxAttempts: 3},
			&providers.MockDriver{Tier: tiers.Tesseract, Text: "text"})
		rec := &statestore.DeadlineRecord{
			CorrelationID: "val-3",
			Job:           mustParse(t, requestJSON(1, 3)),
			Attempt:       3,
		}
		if err := h.p.HandleTimeout(ctx, rec); err != nil {
			t.Fatal(err)
		}
		comp := h.e.one(t)
		if comp.Payload.Status != envelope.StatusFailed ||
			comp.Payload.Error.Code != envelope.CodeExhaustedRetries {
			t.Errorf("completion = %+v", comp.Payload)
		}
	})

	t.Run("single_attempt_budget_reports_timeout", func(t *testing.T) {
		h := newHarness(t, Config{MaxAttempts: 1},
			&providers.MockDriver{Tier: tiers.Tesseract, Text: "text"})
		rec := &statestore.DeadlineRecord{
			CorrelationID: "val-only",
			Job:           mustParse(t, requestJSON(1, 1)),
			Attempt:       1,
		}
		if err := h.p.HandleTimeout(ctx, rec); err != nil {
			t.Fatal(err)
		}
		if h.e.one(t).Payload.Error.Code != envelope.CodeValidatorTimeout {
			t.Errorf("error = %+v", h.e.one(t).Payload.Error)
		}
	})
}

func TestDuplicateCallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{},
		&providers.MockDriver{Tier: tiers.Tesseract, Text: "Hello"})

	if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
		t.Fatal(err)
	}
	id := h.v.last(t).CorrelationID

	if err := h.p.Resume(ctx, id, accept(0.9, "ok")); err != nil {
		t.Fatalf("first resume: %v", err)
	}
	if err := h.p.Resume(ctx, id, accept(0.9, "ok")); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("second resume should find no state, got %v", err)
	}
	h.e.one(t) // exactly one completion
}

func TestTruncation(t *testing.T) {
	ctx := context.Background()
	long := strings.Repeat("a", 60000)
	h := newHarness(t, Config{MaxTextBytes: 51200},
		&providers.MockDriver{Tier: tiers.Tesseract, Text: long})

	if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
		t.Fatal(err)
	}
	st := h.v.last(t)
	if len(st.OCRText) != 51200 || !st.Truncated {
		t.Fatalf("suspended candidate should be truncated to 51200, got %d", len(st.OCRText))
	}
	if err := h.p.Resume(ctx, st.CorrelationID, accept(0.9, "long but fine")); err != nil {
		t.Fatal(err)
	}

	r := h.e.one(t).Payload.Results[0]
	if len(r.OCRText) != 51200 {
		t.Errorf("emitted text length = %d", len(r.OCRText))
	}
	if !r.Truncated {
		t.Error("truncated flag must be set")
	}
	if r.Meta.TextLen != 60000 {
		t.Errorf("text_len must report the un-truncated size, got %d", r.Meta.TextLen)
	}
}

func TestEngineErrorAfterAllTiersFail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{},
		&providers.MockDriver{Tier: tiers.Tesseract, Err: errors.New("decode failed")},
		&providers.MockDriver{Tier: tiers.EasyOCR, Err: errors.New("decode failed too")},
	)

	if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
		t.Fatal(err)
	}
	comp := h.e.one(t)
	r := comp.Payload.Results[0]
	if r.Error == nil || r.Error.Code != envelope.CodeEngineError {
		t.Errorf("results[0] = %+v", r)
	}
	if len(h.v.enqueued) != 0 {
		t.Error("no validation should be enqueued when no candidate exists")
	}
}

func TestHardErrorFallsThroughToNextTier(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{},
		&providers.MockDriver{Tier: tiers.Tesseract, Err: errors.New("decode failed")},
		&providers.MockDriver{Tier: tiers.LLMCloud, Text: "rescued"},
	)

	if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
		t.Fatal(err)
	}
	if st := h.v.last(t); st.Tier != "llm_cloud" || st.OCRText != "rescued" {
		t.Fatalf("cascade did not fall through: %+v", st)
	}
}

func TestTransientEngineErrorRequeues(t *testing.T) {
	ctx := context.Background()

	t.Run("requeue", func(t *testing.T) {
		h := newHarness(t, Config{MaxAttempts: 3},
			&providers.MockDriver{Tier: tiers.LLMLocal, Err: providers.Transient(errors.New("proxy down"))})
		if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
			t.Fatal(err)
		}
		if len(h.q.pushed) != 1 {
			t.Fatalf("expected requeue, got %d pushes", len(h.q.pushed))
		}
		var retried envelope.Request
		_ = json.Unmarshal(h.q.pushed[0], &retried)
		if retried.Attempt != 2 {
			t.Errorf("attempt = %d", retried.Attempt)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		h := newHarness(t, Config{MaxAttempts: 3},
			&providers.MockDriver{Tier: tiers.LLMLocal, Err: providers.Transient(errors.New("proxy down"))})
		if err := h.p.Process(ctx, requestJSON(1, 3)); err != nil {
			t.Fatal(err)
		}
		comp := h.e.one(t)
		if comp.Payload.Error == nil || comp.Payload.Error.Code != envelope.CodeExhaustedRetries {
			t.Errorf("completion = %+v", comp.Payload)
		}
	})
}

func TestMalformedEnvelope(t *testing.T) {
	ctx := context.Background()

	t.Run("bad_request_with_reply_to", func(t *testing.T) {
		h := newHarness(t, Config{}, &providers.MockDriver{Tier: tiers.Tesseract, Text: "x"})
		raw := []byte(`{"job_type":"wrong.type","job_id":"j","workflow_id":"w",` +
			`"source":"caller","reply_to":"jarvis.recipes.jobs","trace":{}}`)
		if err := h.p.Process(ctx, raw); err != nil {
			t.Fatal(err)
		}
		comp := h.e.one(t)
		if comp.Payload.Error == nil || comp.Payload.Error.Code != envelope.CodeBadRequest {
			t.Errorf("completion = %+v", comp.Payload)
		}
		if len(h.q.pushed) != 0 {
			t.Error("bad_request must never be retried")
		}
	})

	t.Run("unparseable_is_dropped", func(t *testing.T) {
		h := newHarness(t, Config{}, &providers.MockDriver{Tier: tiers.Tesseract, Text: "x"})
		if err := h.p.Process(ctx, []byte("not json")); err != nil {
			t.Fatal(err)
		}
		if len(h.e.completions) != 0 || len(h.q.pushed) != 0 {
			t.Error("undeliverable garbage must be dropped silently")
		}
	})
}

func TestMinConfidenceGate(t *testing.T) {
	ctx := context.Background()
	min := 0.8
	h := newHarness(t, Config{MinConfidence: &min},
		&providers.MockDriver{Tier: tiers.Tesseract, Text: "maybe"},
		&providers.MockDriver{Tier: tiers.LLMCloud, Text: "sure"},
	)

	if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
		t.Fatal(err)
	}
	// Valid but below threshold: treated as a rejection.
	if err := h.p.Resume(ctx, h.v.last(t).CorrelationID, accept(0.5, "meh")); err != nil {
		t.Fatal(err)
	}
	if st := h.v.last(t); st.Tier != "llm_cloud" {
		t.Fatalf("low-confidence accept must cascade, suspended on %q", st.Tier)
	}
	if err := h.p.Resume(ctx, h.v.last(t).CorrelationID, accept(0.95, "good")); err != nil {
		t.Fatal(err)
	}
	if h.e.one(t).Payload.Results[0].Meta.Tier != "llm_cloud" {
		t.Error("winning tier should be the high-confidence one")
	}
}

func TestConfidencePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("native_wins", func(t *testing.T) {
		native := 0.77
		h := newHarness(t, Config{},
			&providers.MockDriver{Tier: tiers.PaddleOCR, Text: "text", Confidence: &native})
		if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
			t.Fatal(err)
		}
		if err := h.p.Resume(ctx, h.v.last(t).CorrelationID, accept(0.99, "ok")); err != nil {
			t.Fatal(err)
		}
		if got := h.e.one(t).Payload.Results[0].Meta.Confidence; got != 0.77 {
			t.Errorf("confidence = %v, want native 0.77", got)
		}
	})

	t.Run("heuristic_when_nothing_reported", func(t *testing.T) {
		h := newHarness(t, Config{},
			&providers.MockDriver{Tier: tiers.Tesseract, Text: strings.Repeat("x", 100)})
		if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
			t.Fatal(err)
		}
		if err := h.p.Resume(ctx, h.v.last(t).CorrelationID, accept(0, "")); err != nil {
			t.Fatal(err)
		}
		if got := h.e.one(t).Payload.Results[0].Meta.Confidence; got != 0.5 {
			t.Errorf("confidence = %v, want text_len/200 = 0.5", got)
		}
	})

	t.Run("explicit_zero_from_validator_wins_over_heuristic", func(t *testing.T) {
		h := newHarness(t, Config{},
			&providers.MockDriver{Tier: tiers.Tesseract, Text: strings.Repeat("x", 100)})
		if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
			t.Fatal(err)
		}
		verdict := validator.Verdict{IsValid: true, Confidence: 0, ConfidenceSet: true}
		if err := h.p.Resume(ctx, h.v.last(t).CorrelationID, verdict); err != nil {
			t.Fatal(err)
		}
		if got := h.e.one(t).Payload.Results[0].Meta.Confidence; got != 0 {
			t.Errorf("confidence = %v, want the validator's stated 0", got)
		}
	})
}

func TestSetActiveTiers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{},
		&providers.MockDriver{Tier: tiers.Tesseract, Text: "cheap"},
		&providers.MockDriver{Tier: tiers.LLMCloud, Text: "expensive"})

	h.p.SetActiveTiers([]tiers.Tier{tiers.LLMCloud})

	if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
		t.Fatal(err)
	}
	st := h.v.last(t)
	if st.Tier != "llm_cloud" || st.OCRText != "expensive" {
		t.Fatalf("reloaded cascade not applied: %+v", st)
	}
	if len(st.ActiveTiers) != 1 || st.ActiveTiers[0] != "llm_cloud" {
		t.Errorf("state captured tiers = %v", st.ActiveTiers)
	}
}

func TestNormalizationBeforeValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{},
		&providers.MockDriver{Tier: tiers.Tesseract, Text: "Hello\x00 world\r\nnext\n\n\n\nline"})

	if err := h.p.Process(ctx, requestJSON(1, 1)); err != nil {
		t.Fatal(err)
	}
	st := h.v.last(t)
	if strings.ContainsRune(st.OCRText, 0) || strings.Contains(st.OCRText, "\r") {
		t.Errorf("candidate not normalized: %q", st.OCRText)
	}
	if strings.Contains(st.OCRText, "\n\n\n") {
		t.Errorf("newline runs not collapsed: %q", st.OCRText)
	}
}

func mustParse(t *testing.T, raw []byte) envelope.Request {
	t.Helper()
	req, err := envelope.ParseRequest(raw)
	if err != nil {
		t.Fatal(err)
	}
	return *req
}
