// Package timeout computes per-stage deadlines from base latency, image
// complexity, and model load. Pure arithmetic, no side effects.
package timeout

import (
	"time"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

const (
	Min = 15 * time.Second
	Max = 180 * time.Second

	// WarningFraction of the computed timeout at which callers should
	// surface a "taking longer than expected" signal.
	WarningFraction = 0.8
)

func baseFor(stage domain.Stage) time.Duration {
	switch stage {
	case domain.StageVision:
		return 30 * time.Second
	case domain.StageSynthesis:
		return 45 * time.Second
	default:
		// AI analysis and anything unrecognized get the widest base.
		return 60 * time.Second
	}
}

func complexityMultiplier(c domain.ImageComplexity) float64 {
	switch c {
	case domain.ComplexitySimple:
		return 1.0
	case domain.ComplexityComplex:
		return 2.0
	default:
		return 1.5
	}
}

func modelLoadMultiplier(modelCount int) float64 {
	switch {
	case modelCount <= 1:
		return 1.0
	case modelCount <= 3:
		return 1.3
	default:
		return 1.6
	}
}

// Compute returns the adaptive deadline for one stage attempt, clamped to
// [Min, Max].
func Compute(stage domain.Stage, complexity domain.ImageComplexity, modelCount int) time.Duration {
	d := time.Duration(float64(baseFor(stage)) * complexityMultiplier(complexity) * modelLoadMultiplier(modelCount))
	if d < Min {
		return Min
	}
	if d > Max {
		return Max
	}
	return d
}

// Warning returns the threshold after which the stage should emit a
// .warning event even though it has not yet timed out.
func Warning(total time.Duration) time.Duration {
	return time.Duration(float64(total) * WarningFraction)
}
