package llm

import (
	"fmt"
	"strings"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

// BuildPrompt renders the analysis instructions shared by every provider.
// Vision metadata is folded into the prompt as plain text so providers
// without native annotation support still see the same context.
func BuildPrompt(req domain.AnalysisRequest) string {
	var b strings.Builder
	b.WriteString(`You are a UX analysis engine. Analyze the supplied interface screenshot(s).
Return a strict JSON object with keys:
summary (object of numeric 0-100 scores, including overallScore),
insights (array of strings), suggestions (array of strings),
patterns (object of string values).
No markdown, no extra keys.
`)

	if req.PromptContext != "" {
		b.WriteString("\nContext:\n")
		b.WriteString(req.PromptContext)
		b.WriteString("\n")
	}

	if req.Vision != nil {
		b.WriteString("\nDetected visual features:\n")
		for _, label := range req.Vision.Labels {
			fmt.Fprintf(&b, "- label %q (%.2f)\n", label.Description, label.Confidence)
		}
		for _, object := range req.Vision.Objects {
			fmt.Fprintf(&b, "- object %q (%.2f)\n", object.Description, object.Confidence)
		}
		if len(req.Vision.Text) > 0 {
			fmt.Fprintf(&b, "- visible text: %s\n", strings.Join(req.Vision.Text, " | "))
		}
		if len(req.Vision.Colors) > 0 {
			fmt.Fprintf(&b, "- dominant colors: %s\n", strings.Join(req.Vision.Colors, ", "))
		}
		if req.Vision.ComplexLayout {
			b.WriteString("- layout flagged as complex\n")
		}
	}
	return b.String()
}
