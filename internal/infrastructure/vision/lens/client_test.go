package lens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnnotateSendsFeaturesAndMapsResponse(t *testing.T) {
	var captured annotateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/annotate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"labels":[{"description":"button","score":0.92}],
			"faces":0,
			"text":["Sign in"],
			"objects":[{"name":"nav bar","score":0.81}],
			"safeSearch":{"adult":"VERY_UNLIKELY"},
			"dominantColors":["#ffffff","#123456"],
			"complexLayout":true
		}`))
	}))
	defer server.Close()

	client := New(server.URL, Options{APIKey: "k"})
	meta, err := client.Annotate(context.Background(), "https://img/1.png", []string{"labels", "text"})
	if err != nil {
		t.Fatalf("Annotate() error = %v", err)
	}
	if captured.ImageURL != "https://img/1.png" || len(captured.Features) != 2 {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if meta.Provider != "lens" {
		t.Fatalf("unexpected provider: %s", meta.Provider)
	}
	if len(meta.Labels) != 1 || meta.Labels[0].Confidence != 0.92 {
		t.Fatalf("unexpected labels: %+v", meta.Labels)
	}
	if len(meta.Objects) != 1 || meta.Objects[0].Description != "nav bar" {
		t.Fatalf("unexpected objects: %+v", meta.Objects)
	}
	if !meta.ComplexLayout || meta.FetchedAt.IsZero() {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestAnnotateIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(server.URL, Options{Name: "metadata-extractor"})
	_, err := client.Annotate(context.Background(), "https://img/1.png", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "metadata-extractor") {
		t.Fatalf("expected provider name in error, got %v", err)
	}
}
