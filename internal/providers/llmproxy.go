package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

const llmProxyExtractPrompt = `OCR this image and extract all text. Return the result as JSON in this exact format:
{
  "page1": {
    "text": "extracted text here"
  }
}

The text field should contain all readable text from the image. If the image contains no text, return an empty string.`

// LLMProxyConfig holds settings for the on-prem LLM proxy driver.
type LLMProxyConfig struct {
	BaseURL string
	AppID   string
	AppKey  string
	Model   string // proxy-side model alias, default "vision"
	RPS     float64
	Timeout time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// LLMProxyDriver serves the llm_local tier through the shared Jarvis LLM
// proxy, which exposes an OpenAI-compatible chat completions endpoint.
type LLMProxyDriver struct {
	baseURL string
	appID   string
	appKey  string
	model   string
	rps     float64
	httpc   *http.Client
}

// NewLLMProxyDriver creates the llm_local tier driver.
func NewLLMProxyDriver(cfg LLMProxyConfig) *LLMProxyDriver {
	if cfg.Model == "" {
		cfg.Model = "vision"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExtractTimeout
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout}
	}
	return &LLMProxyDriver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		appID:   cfg.AppID,
		appKey:  cfg.AppKey,
		model:   cfg.Model,
		rps:     cfg.RPS,
		httpc:   httpc,
	}
}

func (d *LLMProxyDriver) Name() tiers.Tier { return tiers.LLMLocal }

func (d *LLMProxyDriver) RequestsPerSecond() float64 { return d.rps }

// Available requires the proxy URL and both auth headers.
func (d *LLMProxyDriver) Available(_ context.Context) bool {
	return d.baseURL != "" && d.appID != "" && d.appKey != ""
}

func (d *LLMProxyDriver) Extract(ctx context.Context, img *resolver.Image, lang string) (*Candidate, error) {
	prompt := llmProxyExtractPrompt
	if lang != "" {
		prompt += fmt.Sprintf(" The text may be in: %s.", lang)
	}

	dataURI := fmt.Sprintf("data:%s;base64,%s",
		img.ContentType, base64.StdEncoding.EncodeToString(img.Bytes))

	body := map[string]any{
		"model": d.model,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
				{"type": "image_url", "image_url": map[string]string{"url": dataURI}},
			},
		}},
		"response_format": map[string]string{"type": "json_object"},
		"max_tokens":      4096,
	}

	content, err := d.chat(ctx, body)
	if err != nil {
		return nil, err
	}

	// The proxy is asked for {"page1": {"text": ...}}; fall back to the raw
	// content when the model ignores the shape.
	var parsed struct {
		Page1 struct {
			Text string `json:"text"`
		} `json:"page1"`
	}
	text := content
	if err := json.Unmarshal([]byte(content), &parsed); err == nil && parsed.Page1.Text != "" {
		text = parsed.Page1.Text
	}
	return &Candidate{Text: text}, nil
}

func (d *LLMProxyDriver) chat(ctx context.Context, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		d.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jarvis-App-Id", d.appID)
	req.Header.Set("X-Jarvis-App-Key", d.appKey)

	resp, err := d.httpc.Do(req)
	if err != nil {
		return "", Transient(fmt.Errorf("reach llm proxy: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Transient(fmt.Errorf("read llm proxy response: %w", err))
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", Transient(fmt.Errorf("llm proxy status %d: %s", resp.StatusCode, raw))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("llm proxy status %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode llm proxy response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("llm proxy response has no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
