package domain

import "time"

// NormalizedResult is the canonical analysis output shape. Whatever the
// provider returned is kept in RawResponse for audit; Warnings describes
// every coercion the normalizer applied to get here.
type NormalizedResult struct {
	ID          string             `json:"id"`
	JobID       string             `json:"job_id"`
	ImageID     string             `json:"image_id,omitempty"`
	Aggregate   bool               `json:"aggregate"`
	Model       string             `json:"model,omitempty"`
	Summary     map[string]float64 `json:"summary"`
	Insights    []string           `json:"insights"`
	Suggestions []string           `json:"suggestions"`
	Patterns    map[string]string  `json:"patterns"`
	Warnings    []string           `json:"warnings"`
	RawResponse string             `json:"raw_response,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// AnalysisRequest is the prompt-side contract for an AI analysis provider.
type AnalysisRequest struct {
	Model         string
	ImageURLs     []string
	PromptContext string
	Vision        *VisionMetadata
}

// AnalysisContext carries user-supplied hints the optimizer can match
// against a model's declared strengths.
type AnalysisContext struct {
	InterfaceDomain string `json:"interface_domain,omitempty"`
	UserRole        string `json:"user_role,omitempty"`
}
