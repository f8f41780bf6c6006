package domain

import (
	"fmt"
	"strings"
	"time"
)

// EventDomain prefixes every event name in the log and on the bus.
const EventDomain = "analysis"

type EventPhase string

const (
	PhaseStarted    EventPhase = "started"
	PhaseCompleted  EventPhase = "completed"
	PhaseFailed     EventPhase = "failed"
	PhaseDispatched EventPhase = "dispatched"
	PhaseWarning    EventPhase = "warning"
)

// EventName builds the namespaced name, e.g. "analysis/vision.started".
func EventName(stage Stage, phase EventPhase) string {
	return fmt.Sprintf("%s/%s.%s", EventDomain, stage, phase)
}

// ParseEventName splits a namespaced event name back into stage and phase.
func ParseEventName(name string) (Stage, EventPhase, bool) {
	rest, ok := strings.CutPrefix(name, EventDomain+"/")
	if !ok {
		return "", "", false
	}
	stage, phase, ok := strings.Cut(rest, ".")
	if !ok {
		return "", "", false
	}
	return Stage(stage), EventPhase(phase), true
}

// AnalysisEvent is an append-only fact in the event log. Source of truth
// for stage timing and replayable job status. Never mutated or deleted.
type AnalysisEvent struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	Name      string         `json:"name"`
	Stage     Stage          `json:"stage"`
	Status    JobStatus      `json:"status"`
	Progress  int            `json:"progress"`
	Message   string         `json:"message,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	// DurationMs is derived from the most recent matching .started event
	// for the same job+stage(+provider). Nil when no .started exists.
	DurationMs *int64    `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// StageTiming is the derived timing triple for one stage attempt. All
// fields are nil when no matching .started event was found; timing is
// never fabricated.
type StageTiming struct {
	StartedAt  *time.Time `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`
	DurationMs *int64     `json:"duration_ms"`
}

// StageDispatch is the payload carried between stages, both over the bus
// and through direct invocation.
type StageDispatch struct {
	JobID       string         `json:"jobId"`
	Stage       Stage          `json:"stage"`
	StageInputs map[string]any `json:"stageInputs,omitempty"`
	Timestamp   int64          `json:"ts"`
}
