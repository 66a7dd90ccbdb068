package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

var testImage = &resolver.Image{Bytes: []byte("img"), ContentType: "image/png"}

func TestRegistryFilter(t *testing.T) {
	reg := NewRegistry(time.Second, nil)
	reg.Register(&MockDriver{Tier: tiers.Tesseract, Text: "a"})
	reg.Register(&MockDriver{Tier: tiers.EasyOCR, Down: true})
	reg.Register(&MockDriver{Tier: tiers.LLMCloud, Text: "b"})
	reg.Probe(context.Background())

	got := reg.Filter([]tiers.Tier{tiers.Tesseract, tiers.EasyOCR, tiers.PaddleOCR, tiers.LLMCloud})
	want := []tiers.Tier{tiers.Tesseract, tiers.LLMCloud}
	if len(got) != len(want) {
		t.Fatalf("Filter = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Filter = %v, want %v", got, want)
		}
	}
}

func TestRegistryRun(t *testing.T) {
	ctx := context.Background()

	t.Run("extract", func(t *testing.T) {
		reg := NewRegistry(time.Second, nil)
		mock := &MockDriver{Tier: tiers.Tesseract, Text: "hello world"}
		reg.Register(mock)
		reg.Probe(ctx)

		cand, err := reg.Run(ctx, tiers.Tesseract, testImage, "en")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if cand.Text != "hello world" {
			t.Errorf("got %q", cand.Text)
		}
		if mock.Calls != 1 {
			t.Errorf("expected 1 call, got %d", mock.Calls)
		}
	})

	t.Run("unregistered_tier", func(t *testing.T) {
		reg := NewRegistry(time.Second, nil)
		if _, err := reg.Run(ctx, tiers.PaddleOCR, testImage, "en"); err == nil {
			t.Fatal("expected error for unregistered tier")
		}
	})

	t.Run("unavailable_after_probe", func(t *testing.T) {
		reg := NewRegistry(time.Second, nil)
		reg.Register(&MockDriver{Tier: tiers.EasyOCR, Down: true})
		reg.Probe(ctx)
		if _, err := reg.Run(ctx, tiers.EasyOCR, testImage, "en"); err == nil {
			t.Fatal("expected error for unavailable driver")
		}
	})

	t.Run("timeout_bounds_extract", func(t *testing.T) {
		reg := NewRegistry(20*time.Millisecond, nil)
		reg.Register(&MockDriver{
			Tier: tiers.LLMLocal,
			ExtractFunc: func(ctx context.Context, _ *resolver.Image, _ string) (*Candidate, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		})
		reg.Probe(ctx)

		_, err := reg.Run(ctx, tiers.LLMLocal, testImage, "en")
		if !IsTransient(err) {
			t.Fatalf("deadline should classify transient, got %v", err)
		}
	})
}

func TestTransientClassification(t *testing.T) {
	base := errors.New("boom")
	if IsTransient(base) {
		t.Error("plain error must not be transient")
	}
	if !IsTransient(Transient(base)) {
		t.Error("wrapped error must be transient")
	}
	if !errors.Is(Transient(base), base) {
		t.Error("Transient must preserve the error chain")
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) must be nil")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("deadline exceeded is transient")
	}
}

func TestRateLimiter(t *testing.T) {
	t.Run("unlimited", func(t *testing.T) {
		rl := NewRateLimiter(0)
		for i := 0; i < 100; i++ {
			if !rl.TryConsume() {
				t.Fatal("unlimited limiter must never block")
			}
		}
	})

	t.Run("burst_then_deny", func(t *testing.T) {
		rl := NewRateLimiter(1)
		if !rl.TryConsume() {
			t.Fatal("first token should be available")
		}
		if rl.TryConsume() {
			t.Fatal("second immediate token should be denied at 1 rps")
		}
	})

	t.Run("wait_respects_context", func(t *testing.T) {
		rl := NewRateLimiter(0.001)
		rl.TryConsume()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := rl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestTesseractLang(t *testing.T) {
	cases := map[string]string{
		"en": "eng",
		"fr": "fra",
		"":   "eng",
		"ja": "ja", // unmapped hints pass through
	}
	for hint, want := range cases {
		if got := tesseractLang(hint); got != want {
			t.Errorf("tesseractLang(%q) = %q, want %q", hint, got, want)
		}
	}
}

func TestParsePaddleOutput(t *testing.T) {
	out := `[2026/01/02 10:00:01] ppocr DEBUG: dt_boxes num : 2
[[[28.0, 37.0], [302.0, 39.0]], ('Hello world', 0.98)]
[[[30.0, 71.0], [301.0, 73.0]], ('Second line', 0.90)]`

	text, conf := parsePaddleOutput(out)
	if text != "Hello world\nSecond line" {
		t.Errorf("text = %q", text)
	}
	if conf == nil || *conf < 0.93 || *conf > 0.95 {
		t.Errorf("expected averaged confidence ~0.94, got %v", conf)
	}

	text, conf = parsePaddleOutput("no tuples here")
	if text != "" || conf != nil {
		t.Errorf("expected empty parse, got %q %v", text, conf)
	}
}

func TestLLMProxyAvailability(t *testing.T) {
	d := NewLLMProxyDriver(LLMProxyConfig{BaseURL: "http://proxy", AppID: "id", AppKey: "key"})
	if !d.Available(context.Background()) {
		t.Error("fully configured proxy driver should be available")
	}
	d = NewLLMProxyDriver(LLMProxyConfig{BaseURL: "http://proxy"})
	if d.Available(context.Background()) {
		t.Error("driver without credentials must be unavailable")
	}
}
