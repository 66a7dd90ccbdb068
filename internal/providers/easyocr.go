package providers

import (
	"context"
	"strings"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

// EasyOCRDriver shells out to the easyocr CLI. The engine loads its models
// on every invocation, so this tier is slow but dependency-light on the Go
// side.
type EasyOCRDriver struct {
	binary string
	rps    float64
}

// NewEasyOCRDriver creates the easyocr tier driver.
func NewEasyOCRDriver(rps float64) *EasyOCRDriver {
	return &EasyOCRDriver{binary: "easyocr", rps: rps}
}

func (d *EasyOCRDriver) Name() tiers.Tier { return tiers.EasyOCR }

func (d *EasyOCRDriver) RequestsPerSecond() float64 { return d.rps }

func (d *EasyOCRDriver) Available(_ context.Context) bool {
	return onPath(d.binary)
}

func (d *EasyOCRDriver) Extract(ctx context.Context, img *resolver.Image, lang string) (*Candidate, error) {
	if lang == "" {
		lang = "en"
	}
	out, err := runCLI(ctx, img.Bytes, d.binary, func(path string) []string {
		// --detail 0 emits plain text lines only.
		return []string{"-l", lang, "--detail", "0", "--paragraph", "True", "-f", path}
	})
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return &Candidate{Text: strings.Join(lines, "\n")}, nil
}
