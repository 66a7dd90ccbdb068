// Package pipeline drives the per-job OCR state machine: schema check,
// image resolution, the tier cascade, suspension on validator enqueue, and
// resumption from callbacks. Suspension is externalized. The cursor lives
// in the state store rather than a goroutine, so a crash between tier
// attempts never loses a job.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jarvishome/jarvis-ocr/internal/envelope"
	"github.com/jarvishome/jarvis-ocr/internal/providers"
	"github.com/jarvishome/jarvis-ocr/internal/queue"
	"github.com/jarvishome/jarvis-ocr/internal/reply"
	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/statestore"
	"github.com/jarvishome/jarvis-ocr/internal/textutil"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
	"github.com/jarvishome/jarvis-ocr/internal/validator"
)

// ErrStateNotFound signals a callback for a state that is gone (expired or
// already claimed). The callback endpoint maps this to 404.
var ErrStateNotFound = statestore.ErrNotFound

// ImageResolver fetches bytes for an image reference.
type ImageResolver interface {
	Resolve(ctx context.Context, ref envelope.ImageRef) (*resolver.Image, error)
}

// ValidatorClient enqueues a candidate for async validation.
type ValidatorClient interface {
	Enqueue(ctx context.Context, st *statestore.State) error
}

// Emitter pushes a completion envelope onto a reply queue.
type Emitter interface {
	Emit(ctx context.Context, queueName string, c *envelope.Completion) error
}

// Requeuer pushes a retried job back onto a queue tail.
type Requeuer interface {
	PushBack(ctx context.Context, queueName string, payload []byte) error
}

// Config holds the pipeline policy knobs.
type Config struct {
	MaxTextBytes    int
	MaxAttempts     int
	MinConfidence   *float64
	DefaultLanguage string
	// ActiveTiers is the configured tier order filtered by driver
	// availability, fixed at boot.
	ActiveTiers []tiers.Tier
}

// Pipeline is the per-job state machine.
type Pipeline struct {
	// mu guards cfg.ActiveTiers, which config hot-reload can swap at
	// runtime. The other knobs are fixed at boot.
	mu        sync.RWMutex
	cfg       Config
	registry  *providers.Registry
	resolver  ImageResolver
	store     *statestore.Store
	validator ValidatorClient
	emitter   Emitter
	requeuer  Requeuer
	logger    *slog.Logger
}

// New wires the pipeline.
func New(cfg Config, reg *providers.Registry, res ImageResolver, store *statestore.Store,
	vc ValidatorClient, em Emitter, rq Requeuer, logger *slog.Logger) *Pipeline {
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = 51200
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		registry:  reg,
		resolver:  res,
		store:     store,
		validator: vc,
		emitter:   em,
		requeuer:  rq,
		logger:    logger.With("component", "pipeline"),
	}
}

// Process handles one raw message from the input queue. A malformed
// envelope is answered with a bad_request completion when a reply queue can
// still be recovered, and dropped otherwise; neither is retried.
func (p *Pipeline) Process(ctx context.Context, raw []byte) error {
	req, err := envelope.ParseRequest(raw)
	if err != nil {
		p.rejectMalformed(ctx, raw, err)
		return nil
	}

	p.logger.Info("accepted job",
		"job_id", req.JobID,
		"workflow_id", req.WorkflowID,
		"images", len(req.Payload.ImageRefs),
		"attempt", req.Attempt)

	st := &statestore.State{
		Job:            *req,
		ImageIndex:     0,
		RemainingTiers: p.tierNames(),
		ActiveTiers:    p.tierNames(),
		Attempt:        req.Attempt,
	}
	return p.advance(ctx, st)
}

// Resume continues a suspended job with the validator's verdict. The
// load-then-delete claim guarantees a duplicate callback cannot advance the
// job twice: the second delete finds the key gone and the resumption is
// abandoned.
func (p *Pipeline) Resume(ctx context.Context, correlationID string, verdict validator.Verdict) error {
	st, err := p.store.Load(ctx, correlationID)
	if errors.Is(err, statestore.ErrNotFound) {
		return ErrStateNotFound
	}
	if err != nil {
		return err
	}

	owned, err := p.store.Delete(ctx, correlationID)
	if err != nil {
		return p.retryJob(ctx, &st.Job, fmt.Errorf("claim state %s: %w", correlationID, err))
	}
	if !owned {
		p.logger.Info("state already claimed, abandoning resumption",
			"correlation_id", correlationID)
		return nil
	}

	accepted := verdict.IsValid &&
		(p.cfg.MinConfidence == nil || verdict.Confidence >= *p.cfg.MinConfidence)

	p.logger.Info("resuming job",
		"correlation_id", correlationID,
		"job_id", st.Job.JobID,
		"image_index", st.ImageIndex,
		"tier", st.Tier,
		"accepted", accepted,
		"validator_confidence", verdict.Confidence)

	switch {
	case accepted:
		st.Results = append(st.Results, p.acceptedResult(st, verdict))
		p.nextImage(st)
	case len(st.RemainingTiers) == 0:
		// Every tier's candidate was rejected; the last attempted tier is
		// reported on the failed result.
		st.Results = append(st.Results, envelope.Result{
			Index: st.ImageIndex,
			Meta: envelope.ResultMeta{
				Language: st.Job.Language(p.cfg.DefaultLanguage),
				Tier:     st.Tier,
			},
			Error: &envelope.ErrorInfo{
				Code:    envelope.CodeNoValidOutput,
				Message: "all tiers rejected by validator: " + verdict.Reason,
			},
		})
		p.nextImage(st)
	default:
		// Rejected with tiers left: the cascade continues where it stopped.
	}

	return p.advance(ctx, st)
}

// advance runs the cascade from the state's cursor until the job suspends
// on a validator enqueue, completes, or hits a job-level transient.
func (p *Pipeline) advance(ctx context.Context, st *statestore.State) error {
	lang := st.Job.Language(p.cfg.DefaultLanguage)

	for st.ImageIndex < len(st.Job.Payload.ImageRefs) {
		ref, ok := refAt(&st.Job, st.ImageIndex)
		if !ok {
			// Unreachable after schema validation; guard anyway.
			return p.retryJob(ctx, &st.Job, fmt.Errorf("no image ref with index %d", st.ImageIndex))
		}

		img, err := p.resolver.Resolve(ctx, ref)
		if err != nil {
			var re *resolver.Error
			if errors.As(err, &re) && !re.Transient {
				st.Results = append(st.Results, envelope.Result{
					Index: st.ImageIndex,
					Meta:  envelope.ResultMeta{Language: lang},
					Error: &envelope.ErrorInfo{Code: re.Code, Message: re.Message},
				})
				p.nextImage(st)
				continue
			}
			return p.retryJob(ctx, &st.Job, err)
		}

		suspended, err := p.cascade(ctx, st, img, lang)
		if err != nil {
			return err
		}
		if suspended {
			return nil
		}
	}

	return p.complete(ctx, st)
}

// cascade tries the remaining tiers for the current image. It returns
// suspended=true after persisting state and enqueueing the validator for
// the first tier that yields a candidate. When no remaining tier produces a
// candidate, the image is finalized with ocr_engine_error and the cursor
// moves on.
func (p *Pipeline) cascade(ctx context.Context, st *statestore.State, img *resolver.Image, lang string) (bool, error) {
	var (
		lastTier string
		lastErr  error
	)

	for len(st.RemainingTiers) > 0 {
		tier := tiers.Tier(st.RemainingTiers[0])
		st.RemainingTiers = st.RemainingTiers[1:]
		lastTier = string(tier)

		cand, err := p.registry.Run(ctx, tier, img, lang)
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown or cancellation, not a verdict on the tier.
				return false, p.retryJob(ctx, &st.Job, ctx.Err())
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Tier budget blown: counts as a tier failure, next tier.
				p.logger.Warn("tier exceeded its time budget",
					"job_id", st.Job.JobID, "tier", tier, "image_index", st.ImageIndex)
				lastErr = err
				continue
			}
			if providers.IsTransient(err) {
				return false, p.retryJob(ctx, &st.Job, err)
			}
			lastErr = err
			continue
		}

		text := textutil.Normalize(cand.Text)
		emitText, truncated := textutil.Truncate(text, p.cfg.MaxTextBytes)

		st.Tier = string(tier)
		st.OCRText = emitText
		st.Truncated = truncated
		st.RawTextLen = len(text)
		st.NativeConfidence = cand.NativeConfidence
		st.CorrelationID = uuid.NewString()
		st.CreatedAt = time.Now().UTC()

		if err := p.store.Save(ctx, st); err != nil {
			return false, p.retryJob(ctx, &st.Job, err)
		}
		if err := p.validator.Enqueue(ctx, st); err != nil {
			// Reclaim the state so the sweeper does not also retry this job.
			_, _ = p.store.Delete(ctx, st.CorrelationID)
			return false, p.retryJob(ctx, &st.Job, err)
		}
		return true, nil
	}

	msg := "no OCR engine produced a candidate"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	st.Results = append(st.Results, envelope.Result{
		Index: st.ImageIndex,
		Meta:  envelope.ResultMeta{Language: lang, Tier: lastTier},
		Error: &envelope.ErrorInfo{Code: envelope.CodeEngineError, Message: msg},
	})
	p.nextImage(st)
	return false, nil
}

// complete emits the terminal envelope. Results are appended in index order
// by construction.
func (p *Pipeline) complete(ctx context.Context, st *statestore.State) error {
	comp := reply.NewCompletion(&st.Job, st.Results, nil)
	if err := p.emitter.Emit(ctx, st.Job.ReplyTo, comp); err != nil {
		return p.retryJob(ctx, &st.Job, err)
	}
	return nil
}

// HandleTimeout is the sweeper hook for a pending validation whose callback
// never arrived. Within budget the job is re-run from scratch; past it, a
// terminal failure is emitted.
func (p *Pipeline) HandleTimeout(ctx context.Context, rec *statestore.DeadlineRecord) error {
	if rec.Attempt >= p.cfg.MaxAttempts {
		code := envelope.CodeExhaustedRetries
		if rec.Attempt <= 1 {
			code = envelope.CodeValidatorTimeout
		}
		msg := fmt.Sprintf("validator callback never arrived (attempt %d of %d)",
			rec.Attempt, p.cfg.MaxAttempts)
		comp := reply.NewFailure(&rec.Job, code, msg)
		return p.emitter.Emit(ctx, rec.Job.ReplyTo, comp)
	}

	retryReq := rec.Job
	retryReq.Attempt = rec.Attempt + 1
	raw, err := json.Marshal(&retryReq)
	if err != nil {
		return fmt.Errorf("marshal timed-out job %s: %w", rec.Job.JobID, err)
	}
	p.logger.Warn("validator timed out, requeueing job",
		"job_id", rec.Job.JobID,
		"correlation_id", rec.CorrelationID,
		"attempt", retryReq.Attempt)
	return p.requeuer.PushBack(ctx, queue.InputQueue, raw)
}

// retryJob handles a job-level transient: requeue to the input queue tail
// with attempt+1, or emit exhausted_retries once the budget is gone. Runs
// detached from ctx cancellation so a shutdown still parks the job.
func (p *Pipeline) retryJob(ctx context.Context, job *envelope.Request, cause error) error {
	ctx = context.WithoutCancel(ctx)

	if job.Attempt >= p.cfg.MaxAttempts {
		p.logger.Error("retry budget exhausted",
			"job_id", job.JobID, "attempt", job.Attempt, "cause", cause)
		comp := reply.NewFailure(job, envelope.CodeExhaustedRetries,
			fmt.Sprintf("gave up after %d attempts: %v", job.Attempt, cause))
		return p.emitter.Emit(ctx, job.ReplyTo, comp)
	}

	retryReq := *job
	retryReq.Attempt = job.Attempt + 1
	raw, err := json.Marshal(&retryReq)
	if err != nil {
		return fmt.Errorf("marshal retried job %s: %w", job.JobID, err)
	}
	if err := p.requeuer.PushBack(ctx, queue.InputQueue, raw); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.JobID, err)
	}
	p.logger.Warn("transient failure, job requeued",
		"job_id", job.JobID, "attempt", retryReq.Attempt, "cause", cause)
	return nil
}

// rejectMalformed answers a schema-invalid message with a bad_request
// completion when the raw bytes still reveal a reply queue; otherwise the
// message is logged and dropped.
func (p *Pipeline) rejectMalformed(ctx context.Context, raw []byte, cause error) {
	var req envelope.Request
	if err := json.Unmarshal(raw, &req); err != nil || req.ReplyTo == "" {
		p.logger.Error("dropping malformed job with no usable reply_to", "error", cause)
		return
	}

	p.logger.Warn("rejecting malformed job",
		"job_id", req.JobID, "reply_to", req.ReplyTo, "error", cause)
	comp := reply.NewFailure(&req, envelope.CodeBadRequest, cause.Error())
	if err := p.emitter.Emit(ctx, req.ReplyTo, comp); err != nil {
		p.logger.Error("failed to emit bad_request completion",
			"job_id", req.JobID, "error", err)
	}
}

func (p *Pipeline) acceptedResult(st *statestore.State, verdict validator.Verdict) envelope.Result {
	confidence := verdict.Confidence
	if st.NativeConfidence != nil {
		confidence = *st.NativeConfidence
	} else if !verdict.ConfidenceSet && confidence == 0 {
		// Heuristic of last resort, scaled by how much text came out.
		// An explicit zero from the validator is kept as reported.
		confidence = float64(st.RawTextLen) / 200
		if confidence > 1 {
			confidence = 1
		}
	}

	return envelope.Result{
		Index:     st.ImageIndex,
		OCRText:   st.OCRText,
		Truncated: st.Truncated,
		Meta: envelope.ResultMeta{
			Language:         st.Job.Language(p.cfg.DefaultLanguage),
			Confidence:       confidence,
			TextLen:          st.RawTextLen,
			IsValid:          true,
			Tier:             st.Tier,
			ValidationReason: verdict.Reason,
		},
	}
}

// nextImage finalizes the cursor for the next image: a fresh full tier list
// and a cleared candidate.
func (p *Pipeline) nextImage(st *statestore.State) {
	st.ImageIndex++
	st.RemainingTiers = append([]string(nil), st.ActiveTiers...)
	st.Tier = ""
	st.OCRText = ""
	st.Truncated = false
	st.RawTextLen = 0
	st.NativeConfidence = nil
}

// SetActiveTiers replaces the cascade order for jobs accepted from now on.
// Suspended jobs keep the tier list captured in their state.
func (p *Pipeline) SetActiveTiers(ts []tiers.Tier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.ActiveTiers = append([]tiers.Tier(nil), ts...)
}

func (p *Pipeline) tierNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.cfg.ActiveTiers))
	for i, t := range p.cfg.ActiveTiers {
		names[i] = string(t)
	}
	return names
}

func refAt(job *envelope.Request, index int) (envelope.ImageRef, bool) {
	for _, ref := range job.Payload.ImageRefs {
		if ref.Index == index {
			return ref, true
		}
	}
	return envelope.ImageRef{}, false
}
