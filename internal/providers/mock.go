package providers

import (
	"context"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

// MockDriver is a scriptable driver for tests.
type MockDriver struct {
	Tier       tiers.Tier
	Text       string
	Confidence *float64
	Err        error
	Down       bool
	RPS        float64

	// Calls counts Extract invocations.
	Calls int
	// ExtractFunc, when set, overrides the canned response.
	ExtractFunc func(ctx context.Context, img *resolver.Image, lang string) (*Candidate, error)
}

func (m *MockDriver) Name() tiers.Tier { return m.Tier }

func (m *MockDriver) RequestsPerSecond() float64 { return m.RPS }

func (m *MockDriver) Available(_ context.Context) bool { return !m.Down }

func (m *MockDriver) Extract(ctx context.Context, img *resolver.Image, lang string) (*Candidate, error) {
	m.Calls++
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, img, lang)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return &Candidate{Text: m.Text, NativeConfidence: m.Confidence}, nil
}
