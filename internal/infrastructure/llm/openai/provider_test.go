package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

func TestAnalyzeSendsImagePartsAndReturnsContent(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Fatalf("unexpected auth header: %s", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"summary\":{\"overallScore\":80}}"}}]}`))
	}))
	defer server.Close()

	provider := New("key", []string{"gpt-4o"}, Options{BaseURL: server.URL})
	raw, err := provider.Analyze(context.Background(), domain.AnalysisRequest{
		Model:         "gpt-4o",
		ImageURLs:     []string{"https://img/1.png", "https://img/2.png"},
		PromptContext: "dashboard review",
	})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if captured.Model != "gpt-4o" {
		t.Fatalf("unexpected model: %s", captured.Model)
	}
	parts := captured.Messages[0].Content
	if len(parts) != 3 || parts[1].ImageURL == nil || parts[2].ImageURL == nil {
		t.Fatalf("unexpected content parts: %+v", parts)
	}
	if !strings.Contains(parts[0].Text, "dashboard review") {
		t.Fatalf("prompt context missing: %s", parts[0].Text)
	}
	if !strings.Contains(raw, "overallScore") {
		t.Fatalf("unexpected raw output: %s", raw)
	}
}

func TestAnalyzeWrapsHTTPFailureAsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := New("key", []string{"gpt-4o"}, Options{BaseURL: server.URL})
	_, err := provider.Analyze(context.Background(), domain.AnalysisRequest{Model: "gpt-4o"})
	if !domain.IsKind(err, domain.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestAnalyzeRejectsEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	provider := New("key", nil, Options{BaseURL: server.URL})
	_, err := provider.Analyze(context.Background(), domain.AnalysisRequest{Model: "gpt-4o"})
	if !domain.IsKind(err, domain.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}
