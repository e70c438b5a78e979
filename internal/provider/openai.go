package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jumith/internal/domain"
	"jumith/internal/telemetry"
)

const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.7
	maxErrorBody       = 2048
)

// OpenAI is a client for OpenAI-compatible /chat/completions endpoints.
// Calls are never retried.
type OpenAI struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	client      *http.Client
	tracer      trace.Tracer
	logger      *slog.Logger
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// Temperature is used by calls that do not set their own.
	Temperature *float64
	Client      *http.Client // overrides Timeout when set
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

func NewOpenAI(cfg Config) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	temperature := defaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	return &OpenAI{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: temperature,
		client:      cfg.Client,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger,
	}
}

func (o *OpenAI) Model() string { return o.model }

// Healthy checks that the endpoint answers and accepts the key.
func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("llm not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("llm: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm returned %d", resp.StatusCode)
	}
	return nil
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chat sends messages and returns the trimmed content of the first choice.
// An empty reply is an error.
func (o *OpenAI) Chat(ctx context.Context, messages []domain.Message, opts domain.ChatOptions) (_ string, err error) {
	ctx, span := o.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.messages", len(messages)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "chat failed")
		}
		span.End()
	}()

	msgs := make([]oaiMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, oaiMessage{Role: m.Role, Content: m.Content})
	}
	temperature := o.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	body := oaiRequest{
		Model:       o.model,
		Messages:    msgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: &temperature,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm request failed: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	start := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("llm request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return "", fmt.Errorf("llm request failed: decode: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return "", fmt.Errorf("llm returned empty response")
	}
	content := strings.TrimSpace(oaiResp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("llm returned empty response")
	}

	span.SetAttributes(attribute.Int("llm.total_tokens", oaiResp.Usage.TotalTokens))
	o.logger.Debug("llm response",
		"model", o.model,
		"tokens", oaiResp.Usage.TotalTokens,
		"finish_reason", oaiResp.Choices[0].FinishReason,
		"duration", time.Since(start),
	)
	return content, nil
}
