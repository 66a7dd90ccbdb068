// Package providers implements the OCR engine drivers behind the tier
// cascade. Each driver wraps one engine (tesseract, easyocr, paddleocr,
// apple_vision, llm_local, llm_cloud) behind a uniform interface; the
// Registry probes availability at boot and serializes access to engines
// that are not safe for concurrent use.
package providers

import (
	"context"
	"errors"
	"time"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

// Candidate is the raw output of one driver run, before normalization and
// truncation.
type Candidate struct {
	Text string

	// NativeConfidence is set only when the engine reports one.
	NativeConfidence *float64
}

// Driver extracts text from a single image.
type Driver interface {
	// Name returns the tier this driver serves.
	Name() tiers.Tier

	// Available reports whether the engine can run here (binary installed,
	// credentials present, platform supported). Probed once at boot.
	Available(ctx context.Context) bool

	// Extract runs the engine on one image. lang is a two-letter hint.
	Extract(ctx context.Context, img *resolver.Image, lang string) (*Candidate, error)

	// RequestsPerSecond bounds the driver's call rate; <= 0 means unlimited.
	RequestsPerSecond() float64
}

// transientError marks a driver failure as infrastructure trouble rather
// than an engine verdict on the image.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a retryable infrastructure failure.
// Context deadline and cancellation count: a slow engine is not a verdict.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// tesseractLangs maps two-letter hints to tesseract's three-letter codes.
// Unmapped hints pass through unchanged.
var tesseractLangs = map[string]string{
	"en": "eng",
	"fr": "fra",
	"de": "deu",
	"es": "spa",
	"it": "ita",
}

func tesseractLang(hint string) string {
	if code, ok := tesseractLangs[hint]; ok {
		return code
	}
	if hint == "" {
		return "eng"
	}
	return hint
}

const defaultExtractTimeout = 60 * time.Second
