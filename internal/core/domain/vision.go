package domain

import "time"

// VisionMetadataTTL bounds how long cached vision annotations stay valid
// before the provider is asked again.
const VisionMetadataTTL = time.Hour

type ImageComplexity string

const (
	ComplexitySimple   ImageComplexity = "simple"
	ComplexityModerate ImageComplexity = "moderate"
	ComplexityComplex  ImageComplexity = "complex"
)

type VisionAnnotation struct {
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// VisionMetadata is the merged annotation set from one vision provider.
type VisionMetadata struct {
	Provider      string             `json:"provider"`
	Labels        []VisionAnnotation `json:"labels,omitempty"`
	Faces         int                `json:"faces,omitempty"`
	Text          []string           `json:"text,omitempty"`
	Objects       []VisionAnnotation `json:"objects,omitempty"`
	SafeSearch    map[string]string  `json:"safe_search,omitempty"`
	Colors        []string           `json:"colors,omitempty"`
	ComplexLayout bool               `json:"complex_layout,omitempty"`
	FetchedAt     time.Time          `json:"fetched_at"`
}

// Fresh reports whether the metadata is still within the freshness window.
func (m *VisionMetadata) Fresh(now time.Time) bool {
	if m == nil {
		return false
	}
	return now.Sub(m.FetchedAt) < VisionMetadataTTL
}

// ElementCount is the heuristic input for complexity inference: detected
// labels plus objects plus text blocks.
func (m *VisionMetadata) ElementCount() int {
	if m == nil {
		return 0
	}
	return len(m.Labels) + len(m.Objects) + len(m.Text)
}

// InferComplexity classifies an image from its vision metadata. With no
// metadata at all the image is assumed moderate rather than simple, so an
// unknown image never gets the tightest deadline.
func InferComplexity(m *VisionMetadata) ImageComplexity {
	if m == nil {
		return ComplexityModerate
	}
	elements := m.ElementCount()
	colors := len(m.Colors)
	switch {
	case elements > 20 || m.ComplexLayout || colors > 10:
		return ComplexityComplex
	case elements > 8 || colors > 5:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}
