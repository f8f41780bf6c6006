package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/ports"
)

type fakeSubmitter struct {
	lastSubmit      *ports.SubmitRequest
	lastGroupSubmit *ports.SubmitGroupRequest
	err             error
}

func (f *fakeSubmitter) Submit(_ context.Context, req ports.SubmitRequest) (*ports.SubmitResponse, error) {
	f.lastSubmit = &req
	if f.err != nil {
		return nil, f.err
	}
	return &ports.SubmitResponse{JobID: "j-1", Dispatch: "direct"}, nil
}

func (f *fakeSubmitter) SubmitGroup(_ context.Context, req ports.SubmitGroupRequest) (*ports.SubmitResponse, error) {
	f.lastGroupSubmit = &req
	if f.err != nil {
		return nil, f.err
	}
	return &ports.SubmitResponse{JobID: "g-1", Dispatch: "bus"}, nil
}

type fakeReader struct {
	job       *domain.AnalysisJob
	events    []domain.AnalysisEvent
	replayed  *ports.ReplayedState
	cancelled []string
	err       error
}

func (f *fakeReader) GetByID(context.Context, string) (*domain.AnalysisJob, error) {
	return f.job, f.err
}

func (f *fakeReader) Events(context.Context, string) ([]domain.AnalysisEvent, error) {
	return f.events, f.err
}

func (f *fakeReader) Replay(context.Context, string) (*ports.ReplayedState, error) {
	return f.replayed, f.err
}

func (f *fakeReader) Cancel(_ context.Context, jobID string) error {
	f.cancelled = append(f.cancelled, jobID)
	return f.err
}

type fakeCounter struct {
	counts map[string]int64
}

func (f *fakeCounter) GetVisionMetadata(context.Context, string, string) (*domain.VisionMetadata, bool, error) {
	return nil, false, nil
}

func (f *fakeCounter) SetVisionMetadata(context.Context, string, string, *domain.VisionMetadata, time.Duration) error {
	return nil
}

func (f *fakeCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if f.counts == nil {
		f.counts = make(map[string]int64)
	}
	f.counts[key]++
	return f.counts[key], nil
}

func TestSubmitAnalysisReturns202(t *testing.T) {
	submitter := &fakeSubmitter{}
	router := NewRouter(submitter, &fakeReader{}, nil, Options{})

	body := strings.NewReader(`{"userId":"u-1","imageUrl":"https://img/1.png","dispatchMode":"both"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", body)
	res := httptest.NewRecorder()
	router.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if submitter.lastSubmit == nil || submitter.lastSubmit.DispatchMode != domain.DispatchBoth {
		t.Fatalf("unexpected submit request: %+v", submitter.lastSubmit)
	}
	var resp ports.SubmitResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID != "j-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSubmitAnalysisMapsValidationTo400(t *testing.T) {
	submitter := &fakeSubmitter{
		err: domain.WrapError(domain.ErrValidation, "submit", errors.New("image reference required")),
	}
	router := NewRouter(submitter, &fakeReader{}, nil, Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", strings.NewReader(`{"userId":"u-1"}`))
	res := httptest.NewRecorder()
	router.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestSubmitAnalysisMapsDispatchFailureTo502(t *testing.T) {
	submitter := &fakeSubmitter{
		err: domain.WrapError(domain.ErrDispatch, "submit", errors.New("bus and direct both failed")),
	}
	router := NewRouter(submitter, &fakeReader{}, nil, Options{})

	body := strings.NewReader(`{"userId":"u-1","imageUrl":"https://img/1.png"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", body)
	res := httptest.NewRecorder()
	router.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", res.Code)
	}
}

func TestSubmitAnalysisEnforcesPerUserQuota(t *testing.T) {
	router := NewRouter(&fakeSubmitter{}, &fakeReader{}, &fakeCounter{}, Options{
		UserSubmitsPerMin: 2,
	})
	handler := router.Handler()

	for i := 0; i < 2; i++ {
		body := strings.NewReader(`{"userId":"u-1","imageUrl":"https://img/1.png"}`)
		req := httptest.NewRequest(http.MethodPost, "/v1/analyses", body)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusAccepted {
			t.Fatalf("request %d expected 202, got %d", i+1, res.Code)
		}
	}

	body := strings.NewReader(`{"userId":"u-1","imageUrl":"https://img/1.png"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", body)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after quota, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestSubmitGroupAnalysisReturns202(t *testing.T) {
	submitter := &fakeSubmitter{}
	router := NewRouter(submitter, &fakeReader{}, nil, Options{})

	body := strings.NewReader(`{"userId":"u-1","groupId":"g-1","imageUrls":["https://img/1.png","https://img/2.png"]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses/group", body)
	res := httptest.NewRecorder()
	router.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
	if submitter.lastGroupSubmit == nil || len(submitter.lastGroupSubmit.ImageURLs) != 2 {
		t.Fatalf("unexpected group request: %+v", submitter.lastGroupSubmit)
	}
}

func TestGetAnalysisMapsNotFoundTo404(t *testing.T) {
	reader := &fakeReader{
		err: domain.WrapError(domain.ErrJobNotFound, "fetch", errors.New("id missing")),
	}
	router := NewRouter(&fakeSubmitter{}, reader, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/v1/analyses/missing", nil)
	res := httptest.NewRecorder()
	router.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestListEventsReturnsEmptyArrayNotNull(t *testing.T) {
	router := NewRouter(&fakeSubmitter{}, &fakeReader{}, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/v1/analyses/j-1/events", nil)
	res := httptest.NewRecorder()
	router.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"events":[]`) {
		t.Fatalf("expected empty events array, got %s", res.Body.String())
	}
}

func TestReplayReturnsProjection(t *testing.T) {
	reader := &fakeReader{
		replayed: &ports.ReplayedState{
			JobID:        "j-1",
			Status:       domain.StatusCompleted,
			CurrentStage: domain.StageCompleted,
			Progress:     100,
			EventCount:   9,
		},
	}
	router := NewRouter(&fakeSubmitter{}, reader, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/v1/analyses/j-1/replay", nil)
	res := httptest.NewRecorder()
	router.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var state ports.ReplayedState
	if err := json.NewDecoder(res.Body).Decode(&state); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if state.EventCount != 9 || state.Status != domain.StatusCompleted {
		t.Fatalf("unexpected projection: %+v", state)
	}
}

func TestCancelAnalysisReturns202(t *testing.T) {
	reader := &fakeReader{}
	router := NewRouter(&fakeSubmitter{}, reader, nil, Options{})

	req := httptest.NewRequest(http.MethodDelete, "/v1/analyses/j-1", nil)
	res := httptest.NewRecorder()
	router.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}
	if len(reader.cancelled) != 1 || reader.cancelled[0] != "j-1" {
		t.Fatalf("unexpected cancellations: %v", reader.cancelled)
	}
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	router := NewRouter(&fakeSubmitter{}, &fakeReader{}, nil, Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-abc")
	res := httptest.NewRecorder()
	router.Handler().ServeHTTP(res, req)

	if got := res.Header().Get(requestIDHeader); got != "req-abc" {
		t.Fatalf("expected request id echo, got %q", got)
	}
}
