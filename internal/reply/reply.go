// Package reply builds and emits the terminal ocr.completed envelope for a
// job. One completion per job, pushed to the tail of the caller's reply_to
// queue; emit is at-least-once, consumers dedupe on (job_id, workflow_id).
package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/jarvishome/jarvis-ocr/internal/envelope"
)

// NewCompletion builds the completion for a fully processed job. Status is
// success iff at least one result is valid; otherwise the completion carries
// topErr, or the all-images-failed error when topErr is nil.
func NewCompletion(job *envelope.Request, results []envelope.Result, topErr *envelope.ErrorInfo) *envelope.Completion {
	status := envelope.StatusFailed
	for _, r := range results {
		if r.Meta.IsValid {
			status = envelope.StatusSuccess
			break
		}
	}

	var errInfo *envelope.ErrorInfo
	if status == envelope.StatusFailed {
		errInfo = topErr
		if errInfo == nil {
			errInfo = &envelope.ErrorInfo{
				Code:    envelope.CodeAllImagesFailed,
				Message: "no OCR tier produced valid output for any image",
			}
		}
	}

	if results == nil {
		results = []envelope.Result{}
	}

	return &envelope.Completion{
		SchemaVersion: envelope.SchemaVersion,
		JobID:         uuid.NewString(),
		WorkflowID:    job.WorkflowID,
		JobType:       envelope.JobTypeOCRCompleted,
		Source:        envelope.SourceName,
		Target:        job.Source,
		CreatedAt:     envelope.Timestamp(time.Now()),
		Attempt:       1,
		ReplyTo:       nil,
		Payload: envelope.CompletionPayload{
			Status:      status,
			Results:     results,
			ArtifactRef: nil,
			Error:       errInfo,
		},
		Trace: envelope.Trace{
			RequestID:   job.Trace.RequestID,
			ParentJobID: &job.JobID,
		},
	}
}

// NewFailure builds a failed completion with no per-image results, for
// job-level terminal errors (bad_request, exhausted_retries,
// validator_timeout).
func NewFailure(job *envelope.Request, code, message string) *envelope.Completion {
	return NewCompletion(job, nil, &envelope.ErrorInfo{Code: code, Message: message})
}

// Queue is the push surface the emitter needs.
type Queue interface {
	PushBack(ctx context.Context, queueName string, payload []byte) error
}

// Emitter serializes completions onto reply queues.
type Emitter struct {
	queue  Queue
	logger *slog.Logger
}

// NewEmitter creates an emitter over the shared queue client.
func NewEmitter(q Queue, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{queue: q, logger: logger.With("component", "reply")}
}

// Emit pushes the completion to queueName's tail, retrying briefly on push
// failure. A completion that cannot be pushed at all is a job-level
// transient for the caller.
func (e *Emitter) Emit(ctx context.Context, queueName string, c *envelope.Completion) error {
	if queueName == "" {
		return fmt.Errorf("completion for workflow %s has no reply queue", c.WorkflowID)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}

	err = retry.Do(
		func() error { return e.queue.PushBack(ctx, queueName, payload) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("push completion to %s: %w", queueName, err)
	}

	e.logger.Info("emitted completion",
		"reply_to", queueName,
		"workflow_id", c.WorkflowID,
		"parent_job_id", c.Trace.ParentJobID,
		"status", c.Payload.Status,
		"results", len(c.Payload.Results))
	return nil
}
