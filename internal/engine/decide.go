package engine

import (
	"fmt"
	"strings"

	"github.com/quivertree/invoicemem/internal/memory"
)

// Decide reduces an Apply result to a review verdict. Pure function, no I/O.
//
// A duplicate always forces review. A high-band applied correction clears
// the invoice only when no medium-band suggestion is pending: the
// conservative precedence keeps mixed signals in front of a human.
func Decide(res *ApplyResult) Decision {
	var reasons []string
	review := false

	duplicate := res.Recall != nil && res.Recall.DuplicateDetected
	if duplicate {
		review = true
		reasons = append(reasons, fmt.Sprintf(
			"%s (score %.2f); human review required.",
			res.Recall.DuplicateReason, res.Recall.DuplicateScore))
	}

	var hasHighApplied, hasMediumProposed bool
	for _, c := range res.Corrections {
		if c.Applied && c.Confidence >= HighConfidence {
			hasHighApplied = true
		}
		if !c.Applied && c.Confidence >= MediumConfidence && c.Confidence < HighConfidence {
			hasMediumProposed = true
		}
	}

	if !duplicate && hasHighApplied && !hasMediumProposed {
		reasons = append(reasons, "High-confidence corrections were applied from learned memory; safe to auto-approve.")
	}
	if hasMediumProposed {
		review = true
		reasons = append(reasons, "Medium-confidence suggestions need confirmation before they can be applied.")
	}
	if !duplicate && !hasHighApplied && !hasMediumProposed {
		review = true
		reasons = append(reasons, "No sufficiently confident learned memory; manual review required.")
	}

	return Decision{
		RequiresHumanReview: review,
		ConfidenceScore:     memory.Clamp01(res.AggregateConfidence),
		Reasoning:           strings.Join(reasons, " "),
	}
}
