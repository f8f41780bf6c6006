package openai

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

// Provider runs analysis models through the OpenAI chat completions API.
// Raw message content is returned untouched; the normalizer upstream
// deals with whatever shape the model produced.
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
		baseURL = "https://api.openai.com"
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

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Models() []string { return p.models }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *Provider) Analyze(ctx context.Context, req domain.AnalysisRequest) (string, error) {
	parts := []contentPart{{Type: "text", Text: llm.BuildPrompt(req)}}
	for _, url := range req.ImageURLs {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
	}

	payload := chatRequest{
		Model:    req.Model,
		Messages: []chatMessage{{Role: "user", Content: parts}},
	}

	var response chatResponse
	call := func(callCtx context.Context) error {
		return p.postJSON(callCtx, "/v1/chat/completions", payload, &response)
	}

	var err error
	if p.executor != nil {
		err = p.executor.Execute(ctx, "openai."+req.Model, call, llm.ClassifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", domain.WrapError(domain.ErrProvider, "openai analyze", err)
	}

	if len(response.Choices) == 0 {
		return "", domain.WrapError(domain.ErrProvider, "openai analyze", fmt.Errorf("empty choices"))
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

func (p *Provider) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &llm.HTTPStatusError{
			Provider:   "openai",
			Operation:  "chat",
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode chat response: %w", err)
	}
	return nil
}
