// Package verdict turns evaluation results into violation records and
// provides the local bookkeeping around them: severity ordering and counts,
// result summaries, and the violation workflow. No evaluator is called here.
package verdict

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/trialguard/internal/schema"
)

// MaxDescription bounds the violation description, in characters.
const MaxDescription = 500

// ErrInvalidTransition is returned for a workflow change the status graph
// does not allow.
var ErrInvalidTransition = errors.New("verdict: invalid status transition")

// TypeFor maps a rule category to the violation type recorded for it.
func TypeFor(c schema.Category) schema.ViolationType {
	switch c {
	case schema.CategoryExclusion, schema.CategoryInclusion:
		return schema.ViolationEligibility
	case schema.CategorySafetyAE, schema.CategorySafetyLab, schema.CategorySafetyVital, schema.CategoryEfficacy:
		return schema.ViolationSafetySignal
	case schema.CategoryProtocolVisit, schema.CategoryProtocolDose:
		return schema.ViolationProtocolDeviation
	case schema.CategoryDataQuality:
		return schema.ViolationDataQuality
	default:
		return schema.ViolationRegulatory
	}
}

// FromResult builds the violation for a violated result. ok is false when
// the result is not a violation.
func FromResult(res schema.EvaluationResult, category schema.Category) (v schema.Violation, ok bool) {
	if !res.Violated {
		return schema.Violation{}, false
	}
	at := res.EvaluatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	sev := res.Severity
	if sev == "" {
		sev = schema.SeverityMajor
	}
	return schema.Violation{
		RuleID:         res.RuleID,
		SubjectID:      res.SubjectID,
		VisitID:        res.VisitID,
		Type:           TypeFor(category),
		Severity:       sev,
		Status:         schema.ViolationOpen,
		Description:    truncate(res.Reasoning, MaxDescription),
		Evidence:       append([]string{}, res.Evidence...),
		Reasoning:      res.Reasoning,
		ActionRequired: res.ActionRequired,
		Recommendation: res.Recommendation,
		Data: schema.ViolationData{
			Confidence:  res.Confidence,
			Method:      res.Method,
			ToolsUsed:   append([]string{}, res.ToolsUsed...),
			MissingData: append([]string{}, res.MissingData...),
		},
		ViolationDate: at,
		CreatedAt:     at,
	}, true
}

// Aggregate returns the violations among results, in result order.
// categoryOf resolves the category of a rule id.
func Aggregate(results []schema.EvaluationResult, categoryOf func(ruleID string) schema.Category) []schema.Violation {
	out := []schema.Violation{}
	for _, r := range results {
		if v, ok := FromResult(r, categoryOf(r.RuleID)); ok {
			out = append(out, v)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// SeverityOrdinal orders severities: info=0, minor=1, major=2, critical=3.
// Used by --fail-on: exit 2 if SeverityOrdinal(found) >= SeverityOrdinal(threshold).
func SeverityOrdinal(s schema.Severity) int {
	switch s {
	case schema.SeverityInfo:
		return 0
	case schema.SeverityMinor:
		return 1
	case schema.SeverityMajor:
		return 2
	case schema.SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Worst returns the highest severity among vs, or "" when vs is empty.
func Worst(vs []schema.Violation) schema.Severity {
	var worst schema.Severity
	for _, v := range vs {
		if SeverityOrdinal(v.Severity) > SeverityOrdinal(worst) {
			worst = v.Severity
		}
	}
	return worst
}

// SeverityCounts is a per-severity tally of violations.
type SeverityCounts struct {
	Critical int `json:"critical"`
	Major    int `json:"major"`
	Minor    int `json:"minor"`
	Info     int `json:"info"`
}

// Total is the sum of all counts.
func (c SeverityCounts) Total() int { return c.Critical + c.Major + c.Minor + c.Info }

// CountSeverities tallies vs by severity.
func CountSeverities(vs []schema.Violation) SeverityCounts {
	var c SeverityCounts
	for _, v := range vs {
		switch v.Severity {
		case schema.SeverityCritical:
			c.Critical++
		case schema.SeverityMajor:
			c.Major++
		case schema.SeverityMinor:
			c.Minor++
		case schema.SeverityInfo:
			c.Info++
		}
	}
	return c
}

// Summary describes a set of results.
type Summary struct {
	Total          int                   `json:"total"`
	Passed         int                   `json:"passed"`
	Violated       int                   `json:"violated"`
	RequiresReview int                   `json:"requires_review"`
	Errors         int                   `json:"errors"`
	ByMethod       map[schema.Method]int `json:"by_method"`
	Severities     SeverityCounts        `json:"severities"`
}

// Summarize tallies results by outcome, method and violation severity.
func Summarize(results []schema.EvaluationResult) Summary {
	s := Summary{Total: len(results), ByMethod: map[schema.Method]int{}}
	for _, r := range results {
		switch {
		case r.Violated:
			s.Violated++
		case r.Passed:
			s.Passed++
		}
		if r.RequiresReview {
			s.RequiresReview++
		}
		if r.Error != "" {
			s.Errors++
		}
		s.ByMethod[r.Method]++
		if r.Violated {
			switch r.Severity {
			case schema.SeverityCritical:
				s.Severities.Critical++
			case schema.SeverityMinor:
				s.Severities.Minor++
			case schema.SeverityInfo:
				s.Severities.Info++
			default:
				s.Severities.Major++
			}
		}
	}
	return s
}

// transitions lists the allowed next states of each workflow state.
// Closed violations may only be reopened.
var transitions = map[schema.ViolationStatus][]schema.ViolationStatus{
	schema.ViolationOpen:          {schema.ViolationAcknowledged, schema.ViolationInReview, schema.ViolationResolved, schema.ViolationFalsePositive},
	schema.ViolationAcknowledged:  {schema.ViolationInReview, schema.ViolationResolved, schema.ViolationFalsePositive},
	schema.ViolationInReview:      {schema.ViolationResolved, schema.ViolationFalsePositive},
	schema.ViolationResolved:      {schema.ViolationOpen},
	schema.ViolationFalsePositive: {schema.ViolationOpen},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.ViolationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to, returning ErrInvalidTransition wrapped
// with both states when it is not allowed.
func Transition(from, to schema.ViolationStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	allowed := make([]string, 0, len(transitions[from]))
	for _, s := range transitions[from] {
		allowed = append(allowed, string(s))
	}
	return fmt.Errorf("%w: %s -> %s (allowed: %s)", ErrInvalidTransition, from, to, strings.Join(allowed, ", "))
}
