package lens

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
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/resilience"
)

// Client talks to an HTTP vision annotation service. The orchestrator
// treats the service as opaque: it sends an image reference plus the
// requested feature set and maps whatever comes back into VisionMetadata.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	executor   *resilience.Executor
	now        func() time.Time
}

type Options struct {
	// Name distinguishes multiple configured annotation endpoints; it
	// becomes the provider label on events and cache keys.
	Name     string
	APIKey   string
	Timeout  time.Duration
	Executor *resilience.Executor
}

func New(baseURL string, options Options) *Client {
	name := options.Name
	if name == "" {
		name = "lens"
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     options.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		executor:   options.Executor,
		now:        time.Now,
	}
}

func (c *Client) Name() string { return c.name }

type annotateRequest struct {
	ImageURL string   `json:"imageUrl"`
	Features []string `json:"features"`
}

type annotateResponse struct {
	Labels []struct {
		Description string  `json:"description"`
		Score       float64 `json:"score"`
	} `json:"labels"`
	Faces   int      `json:"faces"`
	Text    []string `json:"text"`
	Objects []struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"objects"`
	SafeSearch    map[string]string `json:"safeSearch"`
	Colors        []string          `json:"dominantColors"`
	ComplexLayout bool              `json:"complexLayout"`
}

func (c *Client) Annotate(ctx context.Context, imageURL string, features []string) (*domain.VisionMetadata, error) {
	var response annotateResponse
	call := func(callCtx context.Context) error {
		return c.postJSON(callCtx, "/v1/annotate", annotateRequest{
			ImageURL: imageURL,
			Features: features,
		}, &response, "annotate")
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, c.name+".annotate", call, classifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrProvider, c.name+" annotate", err)
	}

	meta := &domain.VisionMetadata{
		Provider:      c.name,
		Faces:         response.Faces,
		Text:          response.Text,
		SafeSearch:    response.SafeSearch,
		Colors:        response.Colors,
		ComplexLayout: response.ComplexLayout,
		FetchedAt:     c.now().UTC(),
	}
	for _, label := range response.Labels {
		meta.Labels = append(meta.Labels, domain.VisionAnnotation{
			Description: label.Description,
			Confidence:  label.Score,
		})
	}
	for _, object := range response.Objects {
		meta.Objects = append(meta.Objects, domain.VisionAnnotation{
			Description: object.Name,
			Confidence:  object.Score,
		})
	}
	return meta, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request: %w", c.name, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return newHTTPStatusError(c.name, operation, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func newHTTPStatusError(provider, operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Provider:   provider,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}
