package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

type busFake struct {
	mu         sync.Mutex
	published  []domain.StageDispatch
	publishErr error
}

func (f *busFake) PublishStageDispatch(_ context.Context, msg domain.StageDispatch) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *busFake) SubscribeStageDispatch(context.Context, func(context.Context, domain.StageDispatch) error) error {
	return nil
}

func dispatchJob(mode domain.DispatchMode) *domain.AnalysisJob {
	return &domain.AnalysisJob{
		ID:           "job-1",
		UserID:       "user-1",
		Status:       domain.StatusProcessing,
		CurrentStage: domain.StageVision,
		Progress:     domain.StageProgress(domain.StageVision),
		DispatchMode: mode,
	}
}

func TestDispatchDirectInvokesRunner(t *testing.T) {
	events := &eventLogFake{}
	runner := &recordingRunner{}
	d := NewDispatcher(nil, events, testLogger())
	d.BindRunner(runner)

	if err := d.Dispatch(context.Background(), dispatchJob(domain.DispatchDirect), domain.StageVision, nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(runner.dispatched) != 1 || runner.dispatched[0].Stage != domain.StageVision {
		t.Fatalf("expected one direct invocation, got %+v", runner.dispatched)
	}
	if !events.hasName("job-1", "analysis/vision.dispatched") {
		t.Fatalf("expected dispatched event, got %v", events.names("job-1"))
	}
}

func TestDispatchBusPublishesWithoutDirectRun(t *testing.T) {
	events := &eventLogFake{}
	bus := &busFake{}
	runner := &recordingRunner{}
	d := NewDispatcher(bus, events, testLogger())
	d.BindRunner(runner)

	if err := d.Dispatch(context.Background(), dispatchJob(domain.DispatchBus), domain.StageAI, nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(bus.published) != 1 || bus.published[0].JobID != "job-1" {
		t.Fatalf("expected one published message, got %+v", bus.published)
	}
	if len(runner.dispatched) != 0 {
		t.Fatalf("bus mode must not run direct, got %+v", runner.dispatched)
	}
}

func TestDispatchBusFailureFallsBackToDirect(t *testing.T) {
	events := &eventLogFake{}
	bus := &busFake{publishErr: errors.New("broker down")}
	runner := &recordingRunner{}
	d := NewDispatcher(bus, events, testLogger())
	d.BindRunner(runner)

	var fallbacks int
	d.OnFallback(func() { fallbacks++ })

	if err := d.Dispatch(context.Background(), dispatchJob(domain.DispatchBus), domain.StageAI, nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(runner.dispatched) != 1 {
		t.Fatalf("expected direct fallback invocation, got %+v", runner.dispatched)
	}
	if fallbacks != 1 {
		t.Fatalf("expected fallback hook fired once, got %d", fallbacks)
	}
}

func TestDispatchBusAndDirectFallbackBothFail(t *testing.T) {
	events := &eventLogFake{}
	bus := &busFake{publishErr: errors.New("broker down")}
	runner := &recordingRunner{err: errors.New("stage handler crashed")}
	d := NewDispatcher(bus, events, testLogger())
	d.BindRunner(runner)

	err := d.Dispatch(context.Background(), dispatchJob(domain.DispatchBus), domain.StageAI, nil)
	if !domain.IsKind(err, domain.ErrDispatch) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
}

func TestDispatchBothRunsBothPaths(t *testing.T) {
	events := &eventLogFake{}
	bus := &busFake{}
	runner := &recordingRunner{}
	d := NewDispatcher(bus, events, testLogger())
	d.BindRunner(runner)

	if err := d.Dispatch(context.Background(), dispatchJob(domain.DispatchBoth), domain.StageVision, nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected bus publish, got %+v", bus.published)
	}
	if len(runner.dispatched) != 1 {
		t.Fatalf("expected direct invocation, got %+v", runner.dispatched)
	}
}

func TestDispatchModeDegradesWithoutBroker(t *testing.T) {
	d := NewDispatcher(nil, &eventLogFake{}, testLogger())
	d.BindRunner(&recordingRunner{})

	if got := d.Label(domain.DispatchBus); got != "direct" {
		t.Fatalf("expected broker-less bus mode to label direct, got %q", got)
	}
	if got := d.Label(domain.DispatchBoth); got != "direct" {
		t.Fatalf("expected broker-less both mode to label direct, got %q", got)
	}
}

func TestDispatchLabels(t *testing.T) {
	d := NewDispatcher(&busFake{}, &eventLogFake{}, testLogger())

	cases := map[domain.DispatchMode]string{
		domain.DispatchDirect: "direct",
		domain.DispatchBus:    "bus",
		domain.DispatchBoth:   "bus+direct",
		"":                    "direct",
	}
	for mode, want := range cases {
		if got := d.Label(mode); got != want {
			t.Fatalf("Label(%q) = %q, want %q", mode, got, want)
		}
	}
}
