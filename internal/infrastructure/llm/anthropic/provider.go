package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/llm"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/resilience"
)

const apiVersion = "2023-06-01"

// Provider runs analysis models through the Anthropic messages API.
type Provider struct {
	baseURL    string
	apiKey     string
	models     []string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	BaseURL  string
	Timeout  time.Duration
	Executor *resilience.Executor
}

func New(apiKey string, models []string, options Options) *Provider {
	baseURL := options.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		models:     models,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.Executor,
	}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Models() []string { return p.models }

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *Provider) Analyze(ctx context.Context, req domain.AnalysisRequest) (string, error) {
	blocks := []contentBlock{{Type: "text", Text: llm.BuildPrompt(req)}}
	for _, url := range req.ImageURLs {
		blocks = append(blocks, contentBlock{Type: "image", Source: &imageSource{Type: "url", URL: url}})
	}

	payload := messagesRequest{
		Model:     req.Model,
		MaxTokens: 4096,
		Messages:  []message{{Role: "user", Content: blocks}},
	}

	var response messagesResponse
	call := func(callCtx context.Context) error {
		return p.postJSON(callCtx, "/v1/messages", payload, &response)
	}

	var err error
	if p.executor != nil {
		err = p.executor.Execute(ctx, "anthropic."+req.Model, call, llm.ClassifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", domain.WrapError(domain.ErrProvider, "anthropic analyze", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", domain.WrapError(domain.ErrProvider, "anthropic analyze", fmt.Errorf("empty content"))
	}
	return strings.TrimSpace(text.String()), nil
}

func (p *Provider) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal messages request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create messages request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("anthropic messages request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &llm.HTTPStatusError{
			Provider:   "anthropic",
			Operation:  "messages",
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode messages response: %w", err)
	}
	return nil
}
