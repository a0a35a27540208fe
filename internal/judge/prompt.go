package judge

import (
	"fmt"
	"strings"
)

func buildSystemPrompt() string {
	return `You are an impartial evaluator. You will be given a prompt, a response written for it, and one evaluation criterion. Your job is to judge how fully the response satisfies that single criterion.

Ignore every other quality of the response (style, length, correctness of unrelated content). Judge only the criterion.

Express your judgement as "coverage_extent", a number between 0 and 1:
- 0.0: the criterion is not met at all (CLASS_UNMET)
- 0.25: the criterion is barely touched (CLASS_MINIMALLY_MET)
- 0.5: the criterion is partially met (CLASS_PARTIALLY_MET)
- 0.75: the criterion is mostly met (CLASS_MOSTLY_MET)
- 1.0: the criterion is fully met (CLASS_EXACT)
Intermediate values are allowed.

If the criterion describes something the response should NOT do, still report how much the response does it; do not invert the scale yourself.

Respond with a JSON object with exactly these fields:
- "coverage_extent": a number between 0 and 1
- "reasoning": one or two sentences explaining the score

Respond ONLY with the JSON object, no other text.`
}

func buildUserPrompt(promptText, response string, point Point) string {
	var b strings.Builder

	if promptText != "" {
		fmt.Fprintf(&b, "## Prompt\n\n%s\n\n", promptText)
	}
	fmt.Fprintf(&b, "## Response\n\n%s\n\n", response)
	fmt.Fprintf(&b, "## Criterion\n\n%s\n", point.Text)

	return b.String()
}
