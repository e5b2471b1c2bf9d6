package council

import (
	"fmt"
	"strings"

	"github.com/zen-systems/conclave/pkg/schema"
)

func rankingPrompt(query string, ls labelSet) string {
	var sb strings.Builder
	sb.WriteString("You are evaluating anonymous answers to the question below. ")
	sb.WriteString("Judge each on accuracy, completeness and clarity, then rank them best to worst.\n\n")
	sb.WriteString("Question:\n")
	sb.WriteString(query)
	sb.WriteString("\n\n")
	for _, label := range ls.labels {
		sb.WriteString(label)
		sb.WriteString(":\n")
		sb.WriteString(ls.byLabel[label].Text)
		sb.WriteString("\n\n")
	}
	sb.WriteString("After any analysis, end your reply with the line \"FINAL RANKING:\" ")
	sb.WriteString("followed by a numbered list of the labels, best first, e.g.\n")
	sb.WriteString("FINAL RANKING:\n1. Response B\n2. Response A\n")
	return sb.String()
}

func synthesisPrompt(query string, candidates []candidate, tier schema.Tier, agg []schema.AggregateEntry, style string) string {
	var sb strings.Builder
	switch tier {
	case schema.TierMinimal:
		sb.WriteString("Refine the candidate answer below into a final answer to the question. ")
		sb.WriteString("Fix errors and tighten the writing; do not pad.\n\n")
	case schema.TierComprehensive:
		sb.WriteString("Multiple models answered the question below and ranked each other's answers. ")
		sb.WriteString("Produce the definitive final answer: merge their strongest points, resolve disagreements explicitly, and note any residual dissent.\n\n")
	default:
		sb.WriteString("Multiple models answered the question below. ")
		sb.WriteString("Synthesize the best final answer, preferring higher-ranked candidates where they conflict.\n\n")
	}
	sb.WriteString("Question:\n")
	sb.WriteString(query)
	sb.WriteString("\n\n")
	for _, c := range candidates {
		fmt.Fprintf(&sb, "%s (consensus rank %d):\n%s\n\n", c.label, c.rank, c.text)
	}
	if tier == schema.TierComprehensive && len(agg) > 0 {
		sb.WriteString("Consensus ranking (mean position, votes):\n")
		for _, e := range agg {
			fmt.Fprintf(&sb, "%s: %.2f over %d votes\n", e.Label, e.MeanRank, e.Votes)
		}
		sb.WriteString("\n")
	}
	if style != "" {
		sb.WriteString("Answer style requirements:\n")
		sb.WriteString(style)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Write only the final answer.")
	return sb.String()
}

func judgePrompt(query, answer string) string {
	return fmt.Sprintf(`You are an independent reviewer. Score the answer below against the question.
Respond with only a JSON object:
{"scores": {"accuracy": <0.0-1.0>, "completeness": <0.0-1.0>, "coherence": <0.0-1.0>}, "recommendation": "approve"|"revise", "reasoning": "<one or two sentences>"}

Question:
%s

Answer:
%s`, query, answer)
}

func summarizePrompt(label, text string) string {
	return fmt.Sprintf(`Condense the following content to at most 200 words, preserving every concrete claim and number. Write only the condensed text.

%s:
%s`, label, text)
}
