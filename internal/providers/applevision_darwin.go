//go:build darwin

package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

// visionHelperBinary is the Swift companion tool that wraps the Vision
// framework (VNRecognizeTextRequest). It reads an image path and emits
// {"text": ..., "confidence": ...} on stdout.
const visionHelperBinary = "jarvis-vision-ocr"

// AppleVisionDriver runs macOS Vision text recognition via the helper tool.
type AppleVisionDriver struct {
	rps float64
}

// NewAppleVisionDriver creates the apple_vision tier driver.
func NewAppleVisionDriver(rps float64) *AppleVisionDriver {
	return &AppleVisionDriver{rps: rps}
}

func (d *AppleVisionDriver) Name() tiers.Tier { return tiers.AppleVision }

func (d *AppleVisionDriver) RequestsPerSecond() float64 { return d.rps }

func (d *AppleVisionDriver) Available(_ context.Context) bool {
	return onPath(visionHelperBinary)
}

func (d *AppleVisionDriver) Extract(ctx context.Context, img *resolver.Image, lang string) (*Candidate, error) {
	out, err := runCLI(ctx, img.Bytes, visionHelperBinary, func(path string) []string {
		args := []string{"--format", "json", path}
		if lang != "" {
			args = append([]string{"--language", lang}, args...)
		}
		return args
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parse vision helper output: %w", err)
	}
	return &Candidate{Text: result.Text, NativeConfidence: result.Confidence}, nil
}
