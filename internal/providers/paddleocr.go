package providers

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

// paddleLine matches the ('text', confidence) tuples in paddleocr CLI
// output.
var paddleLine = regexp.MustCompile(`\('((?:[^'\\]|\\.)*)',\s*([0-9.]+)\)`)

// PaddleOCRDriver shells out to the paddleocr CLI and parses its recognized
// line tuples, averaging per-line confidences into a native score.
type PaddleOCRDriver struct {
	binary string
	rps    float64
}

// NewPaddleOCRDriver creates the paddleocr tier driver.
func NewPaddleOCRDriver(rps float64) *PaddleOCRDriver {
	return &PaddleOCRDriver{binary: "paddleocr", rps: rps}
}

func (d *PaddleOCRDriver) Name() tiers.Tier { return tiers.PaddleOCR }

func (d *PaddleOCRDriver) RequestsPerSecond() float64 { return d.rps }

func (d *PaddleOCRDriver) Available(_ context.Context) bool {
	return onPath(d.binary)
}

func (d *PaddleOCRDriver) Extract(ctx context.Context, img *resolver.Image, lang string) (*Candidate, error) {
	if lang == "" {
		lang = "en"
	}
	out, err := runCLI(ctx, img.Bytes, d.binary, func(path string) []string {
		return []string{"--image_dir", path, "--lang", lang, "--use_angle_cls", "true"}
	})
	if err != nil {
		return nil, err
	}

	text, conf := parsePaddleOutput(string(out))
	cand := &Candidate{Text: text}
	if conf != nil {
		cand.NativeConfidence = conf
	}
	return cand, nil
}

func parsePaddleOutput(out string) (string, *float64) {
	var (
		lines []string
		sum   float64
		n     int
	)
	for _, m := range paddleLine.FindAllStringSubmatch(out, -1) {
		txt := strings.ReplaceAll(m[1], `\'`, `'`)
		if txt == "" {
			continue
		}
		lines = append(lines, txt)
		if c, err := strconv.ParseFloat(m[2], 64); err == nil {
			sum += c
			n++
		}
	}
	if n == 0 {
		return strings.Join(lines, "\n"), nil
	}
	avg := sum / float64(n)
	return strings.Join(lines, "\n"), &avg
}
