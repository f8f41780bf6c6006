package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

func TestAnalyzeSendsVersionHeaderAndJoinsTextBlocks(t *testing.T) {
	var captured messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("x-api-key"); got != "key" {
			t.Fatalf("unexpected api key header: %s", got)
		}
		if got := r.Header.Get("anthropic-version"); got != apiVersion {
			t.Fatalf("unexpected version header: %s", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"summary\":"},{"type":"text","text":"{\"overallScore\":70}}"}]}`))
	}))
	defer server.Close()

	provider := New("key", []string{"claude-sonnet"}, Options{BaseURL: server.URL})
	raw, err := provider.Analyze(context.Background(), domain.AnalysisRequest{
		Model:     "claude-sonnet",
		ImageURLs: []string{"https://img/1.png"},
	})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	blocks := captured.Messages[0].Content
	if len(blocks) != 2 || blocks[1].Source == nil || blocks[1].Source.URL != "https://img/1.png" {
		t.Fatalf("unexpected content blocks: %+v", blocks)
	}
	if raw != `{"summary":{"overallScore":70}}` {
		t.Fatalf("unexpected raw output: %s", raw)
	}
}

func TestAnalyzeRejectsEmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	defer server.Close()

	provider := New("key", nil, Options{BaseURL: server.URL})
	_, err := provider.Analyze(context.Background(), domain.AnalysisRequest{Model: "claude-sonnet"})
	if !domain.IsKind(err, domain.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
}
