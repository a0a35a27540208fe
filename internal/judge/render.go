package judge

import (
	"fmt"
	"strings"
)

// RenderSection generates a markdown section summarizing coverage results.
// Returns an empty string when there is nothing to report.
func RenderSection(assessments []*CoverageAssessment) string {
	if len(assessments) == 0 {
		return ""
	}

	var scored, failed []*CoverageAssessment
	var disagreements int
	for _, a := range assessments {
		if a == nil {
			continue
		}
		if a.AvgCoverageExtent == nil {
			failed = append(failed, a)
			continue
		}
		scored = append(scored, a)
		if a.HasDisagreement() {
			disagreements++
		}
	}

	if len(scored) == 0 && len(failed) == 0 {
		return ""
	}

	var b strings.Builder

	b.WriteString("### Coverage\n\n")

	fmt.Fprintf(&b, "**%d** scored, **%d** failed, **%d** with judge disagreement\n\n",
		len(scored), len(failed), disagreements)

	if len(scored) > 0 {
		b.WriteString("| Prompt | Model | Coverage | Points |\n")
		b.WriteString("|--------|-------|----------|--------|\n")
		for _, a := range scored {
			usable := 0
			for _, p := range a.Points {
				if !p.Failed() {
					usable++
				}
			}
			fmt.Fprintf(&b, "| `%s` | `%s` | %.0f%% | %d/%d |\n",
				a.PromptID, a.ModelID, *a.AvgCoverageExtent*100, usable, len(a.Points))
		}
		b.WriteString("\n")
	}

	if disagreements > 0 {
		b.WriteString("<details>\n<summary>Judge Disagreements</summary>\n\n")
		b.WriteString("| Prompt | Model | Point | Variance | Judgements |\n")
		b.WriteString("|--------|-------|-------|----------|------------|\n")
		for _, a := range scored {
			for _, p := range a.Points {
				if !p.Disagreement {
					continue
				}
				var parts []string
				for _, j := range p.Judgements {
					if j.ok() {
						parts = append(parts, fmt.Sprintf("%s=%.2f", j.JudgeModel, j.Extent))
					}
				}
				fmt.Fprintf(&b, "| `%s` | `%s` | %s | %.3f | %s |\n",
					a.PromptID, a.ModelID, p.Text, p.Variance, strings.Join(parts, ", "))
			}
		}
		b.WriteString("\n</details>\n\n")
	}

	if len(failed) > 0 {
		b.WriteString("<details>\n<summary>Failed Assessments</summary>\n\n")
		b.WriteString("| Prompt | Model | Error |\n")
		b.WriteString("|--------|-------|-------|\n")
		for _, a := range failed {
			fmt.Fprintf(&b, "| `%s` | `%s` | %s |\n", a.PromptID, a.ModelID, a.Error)
		}
		b.WriteString("\n</details>\n\n")
	}

	return b.String()
}
