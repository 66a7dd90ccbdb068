// Package envelope defines the queue message shapes for the OCR service and
// validates inbound requests against the embedded v1 JSON Schemas.
package envelope

import "time"

const (
	// SchemaVersion is the only accepted envelope version.
	SchemaVersion = 1

	// JobTypeOCRRequest is the discriminator for inbound extraction jobs.
	JobTypeOCRRequest = "ocr.extract_text.requested"
	// JobTypeOCRCompleted is the discriminator for completion events.
	JobTypeOCRCompleted = "ocr.completed"

	// SourceName identifies this service in emitted envelopes.
	SourceName = "jarvis-ocr-service"

	// MaxImages caps the number of image references per job.
	MaxImages = 8
)

// Stable error codes carried in ErrorInfo.Code.
const (
	CodeBadRequest       = "bad_request"
	CodeBadCallback      = "bad_callback"
	CodeUnsupportedMedia = "unsupported_media"
	CodeImageNotFound    = "image_not_found"
	CodeEngineError      = "ocr_engine_error"
	CodeNoValidOutput    = "ocr_no_valid_output"
	CodeAllImagesFailed  = "ocr_all_images_failed"
	CodeValidatorTimeout = "validator_timeout"
	CodeExhaustedRetries = "exhausted_retries"
	CodeInternalError    = "internal_error"
)

// Image reference kinds.
const (
	KindLocalPath = "local_path"
	KindS3        = "s3"
	KindMinio     = "minio"
	KindDB        = "db"
)

// Request is an inbound ocr.extract_text.requested envelope.
type Request struct {
	SchemaVersion int            `json:"schema_version"`
	JobID         string         `json:"job_id"`
	WorkflowID    string         `json:"workflow_id"`
	JobType       string         `json:"job_type"`
	Source        string         `json:"source"`
	Target        string         `json:"target"`
	CreatedAt     string         `json:"created_at"`
	Attempt       int            `json:"attempt"`
	ReplyTo       string         `json:"reply_to"`
	Payload       RequestPayload `json:"payload"`
	Trace         Trace          `json:"trace"`
}

// RequestPayload carries the image references and options.
type RequestPayload struct {
	ImageRefs  []ImageRef `json:"image_refs"`
	ImageCount int        `json:"image_count"`
	Options    *Options   `json:"options,omitempty"`
}

// ImageRef points at one image to extract. The resolver treats it as
// read-only.
type ImageRef struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Index int    `json:"index"`
}

// Options holds optional request knobs.
type Options struct {
	Language string `json:"language,omitempty"`
}

// Trace links an envelope back to its originating request.
type Trace struct {
	RequestID   *string `json:"request_id"`
	ParentJobID *string `json:"parent_job_id"`
}

// Completion is the terminal ocr.completed envelope pushed to reply_to.
type Completion struct {
	SchemaVersion int               `json:"schema_version"`
	JobID         string            `json:"job_id"`
	WorkflowID    string            `json:"workflow_id"`
	JobType       string            `json:"job_type"`
	Source        string            `json:"source"`
	Target        string            `json:"target"`
	CreatedAt     string            `json:"created_at"`
	Attempt       int               `json:"attempt"`
	ReplyTo       *string           `json:"reply_to"`
	Payload       CompletionPayload `json:"payload"`
	Trace         Trace             `json:"trace"`
}

// CompletionPayload reports per-image results and overall status.
// Error is non-nil iff Status is "failed".
type CompletionPayload struct {
	Status      string     `json:"status"`
	Results     []Result   `json:"results"`
	ArtifactRef *string    `json:"artifact_ref"`
	Error       *ErrorInfo `json:"error"`
}

// Completion status values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Result is the outcome for a single image, aligned by Index with the
// request's image_refs.
type Result struct {
	Index     int        `json:"index"`
	OCRText   string     `json:"ocr_text"`
	Truncated bool       `json:"truncated"`
	Meta      ResultMeta `json:"meta"`
	Error     *ErrorInfo `json:"error"`
}

// ResultMeta describes how the text was produced and judged.
type ResultMeta struct {
	Language         string  `json:"language"`
	Confidence       float64 `json:"confidence"`
	TextLen          int     `json:"text_len"`
	IsValid          bool    `json:"is_valid"`
	Tier             string  `json:"tier"`
	ValidationReason string  `json:"validation_reason,omitempty"`
}

// ErrorInfo is a stable machine-readable failure description.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Language returns the request's language hint, or fallback when unset.
func (r *Request) Language(fallback string) string {
	if r.Payload.Options != nil && r.Payload.Options.Language != "" {
		return r.Payload.Options.Language
	}
	return fallback
}

// Timestamp formats t as the UTC ISO-8601 form used on the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}
