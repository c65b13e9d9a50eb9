// Package safety evaluates patient explanations against a deterministic rule
// set and emits severity-ranked flags for the approval gate.
package safety

import (
	"context"
	"strings"

	"medgate/internal/queue"
	"medgate/internal/services"
	"medgate/internal/stage"
)

// DetectorVersion is recorded with every emitted flag so a flag set can be
// traced back to the rule revision that produced it.
const DetectorVersion = "rules-2026.08"

// evidenceWindow bounds the snippet of explanation text stored with a flag.
const evidenceWindow = 80

type rule struct {
	phrase   string
	flagType queue.FlagType
	severity queue.Severity
}

// Rule order is fixed; evaluation walks it top to bottom so identical input
// always yields an identical flag sequence.
var rules = []rule{
	{"do not take", queue.FlagContraindication, queue.SeverityHigh},
	{"must not be combined", queue.FlagContraindication, queue.SeverityHigh},
	{"contraindicated", queue.FlagContraindication, queue.SeverityHigh},
	{"should be avoided", queue.FlagContraindication, queue.SeverityMedium},
	{"not recommended", queue.FlagContraindication, queue.SeverityLow},

	{"call emergency services", queue.FlagEmergency, queue.SeverityHigh},
	{"go to the emergency", queue.FlagEmergency, queue.SeverityHigh},
	{"seek immediate medical attention", queue.FlagEmergency, queue.SeverityHigh},
	{"chest pain", queue.FlagEmergency, queue.SeverityMedium},
	{"difficulty breathing", queue.FlagEmergency, queue.SeverityMedium},

	{"anaphyla", queue.FlagAllergy, queue.SeverityHigh},
	{"severe allergic reaction", queue.FlagAllergy, queue.SeverityHigh},
	{"allergic reaction", queue.FlagAllergy, queue.SeverityMedium},
	{"allergy", queue.FlagAllergy, queue.SeverityLow},

	{"dangerous interaction", queue.FlagInteraction, queue.SeverityHigh},
	{"serious interaction", queue.FlagInteraction, queue.SeverityHigh},
	{"may interact", queue.FlagInteraction, queue.SeverityMedium},
	{"interaction", queue.FlagInteraction, queue.SeverityLow},
}

// Evaluator is the in-process safety stage. It implements stage.Executor so
// the workflow manager dispatches it like any external stage command.
type Evaluator struct{}

// NewEvaluator returns the rule-based safety evaluator.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// Execute scans the explanation text and returns one flag per matched rule.
// Within a flag type only the most severe matching rule is reported.
func (e *Evaluator) Execute(ctx context.Context, req stage.Request) (stage.Response, error) {
	if err := ctx.Err(); err != nil {
		return stage.Response{}, services.Wrap(services.ErrTimeout, string(queue.StageSafety), "evaluate", "evaluation cancelled", err)
	}
	if strings.TrimSpace(req.ExplanationText) == "" {
		return stage.Response{}, services.Wrap(services.ErrValidation, string(queue.StageSafety), "evaluate", "explanation text is empty", nil)
	}

	flags := Evaluate(req.ExplanationText)
	return stage.Response{Flags: flags, DetectorVersion: DetectorVersion}, nil
}

// Evaluate applies the rule set to an explanation and returns the resulting
// flags in rule order.
func Evaluate(explanation string) []stage.Flag {
	lowered := strings.ToLower(explanation)

	best := make(map[queue.FlagType]stage.Flag)
	var order []queue.FlagType
	for _, r := range rules {
		idx := strings.Index(lowered, r.phrase)
		if idx < 0 {
			continue
		}
		existing, seen := best[r.flagType]
		if seen && existing.Severity.Rank() >= r.severity.Rank() {
			continue
		}
		if !seen {
			order = append(order, r.flagType)
		}
		best[r.flagType] = stage.Flag{
			Type:     r.flagType,
			Severity: r.severity,
			Evidence: snippet(explanation, idx, len(r.phrase)),
		}
	}

	flags := make([]stage.Flag, 0, len(order))
	for _, t := range order {
		flags = append(flags, best[t])
	}
	return flags
}

// snippet returns the matched phrase with a bounded amount of surrounding
// context, clamped to rune boundaries of the original text.
func snippet(text string, start, length int) string {
	lo := start - evidenceWindow/2
	if lo < 0 {
		lo = 0
	}
	hi := start + length + evidenceWindow/2
	if hi > len(text) {
		hi = len(text)
	}
	for lo > 0 && !isBoundary(text[lo]) {
		lo--
	}
	for hi < len(text) && !isBoundary(text[hi]) {
		hi++
	}
	return strings.TrimSpace(text[lo:hi])
}

func isBoundary(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t'
}
