package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jarvishome/jarvis-ocr/internal/resolver"
	"github.com/jarvishome/jarvis-ocr/internal/tiers"
)

const openAIDefaultModel = "gpt-4o-mini"

const openAIExtractPrompt = `Extract all readable text from this image. ` +
	`Return only the extracted text, preserving line breaks. ` +
	`If the image contains no text, return an empty response.`

// OpenAIConfig holds settings for the cloud OCR driver.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string // Optional (tests, compatible gateways)
	RPS     float64
	Timeout time.Duration
}

// OpenAIDriver serves the llm_cloud tier with a hosted vision model through
// the official OpenAI SDK.
type OpenAIDriver struct {
	apiKey string
	model  string
	rps    float64
	client openai.Client
}

// NewOpenAIDriver creates the llm_cloud tier driver.
func NewOpenAIDriver(cfg OpenAIConfig) *OpenAIDriver {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExtractTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(2),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIDriver{
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		rps:    cfg.RPS,
		client: openai.NewClient(opts...),
	}
}

func (d *OpenAIDriver) Name() tiers.Tier { return tiers.LLMCloud }

func (d *OpenAIDriver) RequestsPerSecond() float64 { return d.rps }

func (d *OpenAIDriver) Available(_ context.Context) bool {
	return d.apiKey != ""
}

func (d *OpenAIDriver) Extract(ctx context.Context, img *resolver.Image, lang string) (*Candidate, error) {
	prompt := openAIExtractPrompt
	if lang != "" {
		prompt += fmt.Sprintf(" The text may be in: %s.", lang)
	}

	dataURI := fmt.Sprintf("data:%s;base64,%s",
		img.ContentType, base64.StdEncoding.EncodeToString(img.Bytes))

	resp, err := d.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(d.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURI,
				}),
			}),
		},
		MaxTokens: openai.Int(4096),
	})
	if err != nil {
		// SDK errors here are auth or transport trouble, not a verdict on
		// the image.
		return nil, Transient(fmt.Errorf("openai chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}
	return &Candidate{Text: strings.TrimSpace(resp.Choices[0].Message.Content)}, nil
}
