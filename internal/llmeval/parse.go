package llmeval

import (
	"strings"

	"github.com/dshills/trialguard/internal/llm"
	"github.com/dshills/trialguard/internal/schema"
)

// maxFallbackReasoning bounds the reasoning copied from unparseable text.
const maxFallbackReasoning = 500

// answer is the JSON object the model is asked to produce. List fields are
// decoded leniently because models return scalars as often as lists. The
// model's tools_used is not decoded; the calls actually executed are recorded
// instead.
type answer struct {
	Violated       *bool  `json:"violated"`
	Excluded       *bool  `json:"excluded"`
	Confidence     string `json:"confidence"`
	Evidence       any    `json:"evidence"`
	Reasoning      string `json:"reasoning"`
	MissingData    any    `json:"missing_data"`
	ActionRequired any    `json:"action_required"`
	Recommendation string `json:"recommendation"`
	RequiresReview bool   `json:"requires_review"`
}

// parseAnswer turns model text into a result. Text without a usable JSON
// object falls back to a keyword heuristic that always needs review.
func parseAnswer(rule schema.Rule, subjectID, text string, toolsUsed []string) schema.EvaluationResult {
	res := schema.EvaluationResult{
		RuleID:      rule.ID,
		SubjectID:   subjectID,
		Method:      schema.MethodLLMTools,
		ToolsUsed:   append([]string{}, toolsUsed...),
		Evidence:    []string{},
		MissingData: []string{},
	}

	var a answer
	if err := llm.DecodeObject(text, &a); err != nil || (a.Violated == nil && a.Excluded == nil) {
		violated := mentionsViolation(text)
		res.Violated = violated
		res.Passed = !violated
		res.Reasoning = truncateRunes(strings.TrimSpace(text), maxFallbackReasoning)
		res.Confidence = schema.ConfidenceMedium
		res.RequiresReview = true
		if violated {
			res.Severity = rule.Severity
		}
		return res
	}

	violated := false
	switch {
	case a.Violated != nil:
		violated = *a.Violated
	case a.Excluded != nil:
		violated = *a.Excluded
	}
	res.Violated = violated
	res.Passed = !violated
	if violated {
		res.Severity = rule.Severity
	}
	if ev := schema.StringList(a.Evidence); ev != nil {
		res.Evidence = ev
	}
	if md := schema.StringList(a.MissingData); md != nil {
		res.MissingData = md
	}
	res.Reasoning = a.Reasoning
	if res.Reasoning == "" {
		res.Reasoning = truncateRunes(strings.TrimSpace(text), maxFallbackReasoning)
	}
	res.Confidence = schema.ParseConfidence(a.Confidence)
	res.Recommendation = a.Recommendation
	res.RequiresReview = a.RequiresReview || len(res.MissingData) > 0
	if s, ok := a.ActionRequired.(string); ok && !strings.EqualFold(s, "null") && !strings.EqualFold(s, "none") {
		res.ActionRequired = schema.StringPtr(strings.TrimSpace(s))
	}
	return res
}

var violationWords = []string{"excluded", "violation", "violated", "is ineligible", "not eligible"}

var negations = []string{"not ", "no ", "n't ", "without ", "never "}

// mentionsViolation reports whether text asserts a violation. A keyword
// preceded closely by a negation does not count.
func mentionsViolation(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range violationWords {
		for off := 0; ; {
			i := strings.Index(lower[off:], w)
			if i < 0 {
				break
			}
			at := off + i
			if !negated(lower, at) {
				return true
			}
			off = at + len(w)
		}
	}
	return false
}

// negated reports whether a negation appears in the few words before at.
func negated(lower string, at int) bool {
	start := at - 24
	if start < 0 {
		start = 0
	}
	window := lower[start:at]
	if dot := strings.LastIndexAny(window, ".;\n"); dot >= 0 {
		window = window[dot+1:]
	}
	for _, n := range negations {
		if strings.Contains(window, n) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
