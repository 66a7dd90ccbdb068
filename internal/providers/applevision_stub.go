//go:build !darwin

package providers

import (
	"context"
	"errors"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

// AppleVisionDriver is a placeholder off macOS; it never reports available.
// Config drops the tier on non-darwin platforms before any job sees it, so
// Extract here is unreachable in practice.
type AppleVisionDriver struct{}

// NewAppleVisionDriver creates the stub driver.
func NewAppleVisionDriver(_ float64) *AppleVisionDriver { return &AppleVisionDriver{} }

func (d *AppleVisionDriver) Name() tiers.Tier { return tiers.AppleVision }

func (d *AppleVisionDriver) RequestsPerSecond() float64 { return 0 }

func (d *AppleVisionDriver) Available(_ context.Context) bool { return false }

func (d *AppleVisionDriver) Extract(_ context.Context, _ *resolver.Image, _ string) (*Candidate, error) {
	return nil, errors.New("apple_vision requires macOS")
}
