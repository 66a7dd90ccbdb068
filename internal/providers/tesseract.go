package providers

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

// TesseractDriver runs the local tesseract engine through gosseract.
// A fresh client per call; gosseract clients are not reusable across
// goroutines and carry per-call state anyway.
type TesseractDriver struct {
	rps float64
}

// NewTesseractDriver creates the baseline tier driver.
func NewTesseractDriver(rps float64) *TesseractDriver {
	return &TesseractDriver{rps: rps}
}

func (d *TesseractDriver) Name() tiers.Tier { return tiers.Tesseract }

func (d *TesseractDriver) RequestsPerSecond() float64 { return d.rps }

// Available checks that the tesseract library is linked and functional.
func (d *TesseractDriver) Available(_ context.Context) bool {
	client := gosseract.NewClient()
	defer client.Close()
	return client.Version() != ""
}

func (d *TesseractDriver) Extract(ctx context.Context, img *resolver.Image, lang string) (*Candidate, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(tesseractLang(lang)); err != nil {
		return nil, fmt.Errorf("tesseract set language %q: %w", lang, err)
	}
	if err := client.SetImageFromBytes(img.Bytes); err != nil {
		return nil, fmt.Errorf("tesseract load image: %w", err)
	}

	// gosseract has no context plumbing; honor cancellation at the edges.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract extract: %w", err)
	}
	return &Candidate{Text: text}, nil
}
