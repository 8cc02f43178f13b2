// Package deterministic evaluates rules whose check was resolved at load
// time, using only the clinical data access contract.
package deterministic

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/schema"
)

// Evaluator is the deterministic rule evaluator. It is stateless apart from
// its data access and safe for concurrent use.
type Evaluator struct {
	data clinical.Access
}

// New returns an Evaluator reading through data.
func New(data clinical.Access) *Evaluator {
	return &Evaluator{data: data}
}

// Evaluate applies rule's check to subject in phase. Data access failures
// are returned as errors; missing data is reported on the result.
func (e *Evaluator) Evaluate(ctx context.Context, rule schema.Rule, subject *clinical.Subject, phase schema.Phase) (schema.EvaluationResult, error) {
	action := rule.ActionFor(phase, schema.ActionScreenFailure)
	switch c := rule.Check.(type) {
	case schema.FieldCheck:
		return e.field(rule, subject, c, action), nil
	case schema.VisitWindowCheck:
		return e.visitWindow(ctx, rule, subject.ID, c, action)
	case schema.AdverseEventCheck:
		return e.adverseEvents(ctx, rule, subject.ID, c, action)
	case schema.ThresholdCheck:
		return e.threshold(ctx, rule, subject.ID, phase, c, action)
	case schema.ExpressionCheck:
		return e.expression(ctx, rule, subject, c, action), nil
	default:
		res := base(rule, subject.ID)
		res.Passed = true
		res.Reasoning = "Deterministic check completed (no matching check type)"
		return res, nil
	}
}

func base(rule schema.Rule, subjectID string) schema.EvaluationResult {
	return schema.EvaluationResult{
		RuleID:      rule.ID,
		SubjectID:   subjectID,
		Evidence:    []string{},
		ToolsUsed:   []string{},
		MissingData: []string{},
		Confidence:  schema.ConfidenceHigh,
		Method:      schema.MethodDeterministic,
	}
}

// verdict fills the outcome fields shared by every branch.
func verdict(res *schema.EvaluationResult, rule schema.Rule, violated bool, action string) {
	res.Violated = violated
	res.Passed = !violated
	if violated {
		res.Severity = rule.Severity
		res.ActionRequired = schema.StringPtr(action)
	}
}

// missing marks res as unresolved for lack of data: never violated, always
// flagged for review.
func missing(res *schema.EvaluationResult, item, reasoning string) {
	res.Passed = false
	res.Violated = false
	res.RequiresReview = true
	res.MissingData = append(res.MissingData, item)
	res.Reasoning = reasoning
}

func (e *Evaluator) field(rule schema.Rule, subject *clinical.Subject, c schema.FieldCheck, action string) schema.EvaluationResult {
	res := base(rule, subject.ID)
	res.ToolsUsed = []string{"check_demographics"}

	value, present := subject.Field(c.Field)
	if !present && c.Threshold != nil {
		missing(&res, c.Field, fmt.Sprintf("Field '%s' not found for subject", c.Field))
		return res
	}
	meets := compareField(value, present, c.Operator, c.Threshold)
	violated := c.Polarity.Violated(meets)

	shown := schema.FormatValue(value)
	var evidence, rec string
	if c.Polarity == schema.PolarityInclusion {
		outcome := "PASS"
		if !meets {
			outcome = "FAIL - criterion not met"
		}
		evidence = fmt.Sprintf("%s: %s (required %s %s) -> %s", c.Field, shown, c.Operator, schema.FormatValue(c.Threshold), outcome)
		rec = "Subject does not meet inclusion criterion: " + rule.Description
	} else {
		outcome := "PASS"
		if meets {
			outcome = "VIOLATION"
		}
		evidence = fmt.Sprintf("%s: %s %s %s -> %s", c.Field, shown, c.Operator, schema.FormatValue(c.Threshold), outcome)
		rec = "Subject meets exclusion criterion: " + rule.Description
	}
	res.Evidence = []string{evidence}
	res.Reasoning = fmt.Sprintf("Field check on '%s': %s", c.Field, evidence)
	res.Recommendation = rec
	verdict(&res, rule, violated, action)
	return res
}

// compareField applies op. A nil threshold turns == into an absence test and
// != into a presence test. Ordering operators compare numerically, equality
// compares case-insensitive text, and in tests list membership.
func compareField(value any, present bool, op schema.Operator, threshold any) bool {
	if threshold == nil {
		switch op {
		case schema.OpNE:
			return present
		case schema.OpEQ:
			return !present
		}
		return false
	}
	switch op {
	case schema.OpGTE, schema.OpGT, schema.OpLTE, schema.OpLT:
		a, okA := schema.ToFloat(value)
		b, okB := schema.ToFloat(threshold)
		return okA && okB && op.CompareFloat(a, b)
	case schema.OpEQ:
		return equalFold(value, threshold)
	case schema.OpNE:
		return !equalFold(value, threshold)
	case schema.OpIn:
		if list, ok := threshold.([]any); ok {
			for _, item := range list {
				if equalFold(value, item) {
					return true
				}
			}
			return false
		}
		return equalFold(value, threshold)
	}
	return false
}

func equalFold(a, b any) bool {
	return strings.EqualFold(schema.FormatValue(a), schema.FormatValue(b))
}

func (e *Evaluator) visitWindow(ctx context.Context, rule schema.Rule, subjectID string, c schema.VisitWindowCheck, action string) (schema.EvaluationResult, error) {
	res := base(rule, subjectID)
	res.ToolsUsed = []string{"check_visit_windows"}
	win, err := e.data.CheckVisitWindows(ctx, subjectID, clinical.WindowPolicy{
		TreatmentDays:       c.TreatmentWindowDays,
		FollowUpDays:        c.FollowUpWindowDays,
		FollowUpVisitNumber: c.FollowUpVisitNumber,
	})
	if err != nil {
		return res, fmt.Errorf("deterministic: %s: %w", rule.ID, err)
	}
	for _, d := range win.OutOfWindow {
		res.Evidence = append(res.Evidence, d.Description)
	}
	n := len(win.OutOfWindow)
	res.Reasoning = fmt.Sprintf("Visit window check: %d visit(s) outside protocol window", n)
	if n > 0 {
		res.Recommendation = fmt.Sprintf("Protocol deviation: %d visit(s) outside window", n)
	} else {
		res.Recommendation = "All visits within protocol window"
	}
	verdict(&res, rule, n > 0, action)
	return res, nil
}

func (e *Evaluator) adverseEvents(ctx context.Context, rule schema.Rule, subjectID string, c schema.AdverseEventCheck, action string) (schema.EvaluationResult, error) {
	res := base(rule, subjectID)
	res.ToolsUsed = []string{"get_adverse_events"}
	aes, err := e.data.GetAdverseEvents(ctx, subjectID, clinical.AEFilter{Seriousness: c.Seriousness})
	if err != nil {
		return res, fmt.Errorf("deterministic: %s: %w", rule.ID, err)
	}
	var matched int
	for _, ae := range aes {
		var hit bool
		switch c.Mode {
		case schema.AEModeGrade:
			hit = ae.Grade >= c.MinGrade
		case schema.AEModeSAE:
			hit = ae.Serious()
		case schema.AEModeOngoing:
			hit = ae.Ongoing
		}
		if !hit {
			continue
		}
		matched++
		res.Evidence = append(res.Evidence, fmt.Sprintf("%s - Grade %d (%s, SAE=%s, onset=%s)",
			ae.Term, ae.Grade, ae.Severity, ae.Seriousness, ae.OnsetDate))
	}
	res.Reasoning = fmt.Sprintf("AE check (%s): %d matching event(s) found", c.Mode, matched)
	if matched > 0 {
		res.Recommendation = "Safety signal: review AEs immediately"
	} else {
		res.Recommendation = "No qualifying AEs found"
	}
	verdict(&res, rule, matched > 0, action)
	return res, nil
}

func (e *Evaluator) threshold(ctx context.Context, rule schema.Rule, subjectID string, phase schema.Phase, c schema.ThresholdCheck, action string) (schema.EvaluationResult, error) {
	res := base(rule, subjectID)
	res.ToolsUsed = []string{"check_lab_threshold"}
	tr, err := e.data.CheckLabThreshold(ctx, subjectID, c.TestName, c.Operator, c.Threshold, c.Timepoint)
	if err != nil {
		return res, fmt.Errorf("deterministic: %s: %w", rule.ID, err)
	}
	if tr.MissingData {
		res.Evidence = []string{tr.Evidence}
		missing(&res, c.TestName, "Missing required lab data")
		return res, nil
	}

	meets := tr.Meets()
	violated := c.Polarity.Violated(meets)
	var evidence string
	if c.Polarity == schema.PolarityInclusion {
		if meets {
			evidence = tr.Evidence + " -> PASS (meets inclusion criterion)"
			res.Recommendation = "Subject meets lab inclusion criterion: " + rule.Description
		} else {
			evidence = tr.Evidence + " -> FAIL (does not meet inclusion criterion)"
			res.Recommendation = fmt.Sprintf("Subject does NOT meet lab inclusion criterion: %s (%s)", rule.Description, action)
		}
	} else {
		outcome := "PASS"
		if meets {
			outcome = "VIOLATION"
		}
		evidence = tr.Evidence + " -> " + outcome
		verb := "flagged"
		if phase == schema.PhaseScreening {
			verb = "excluded"
		}
		if violated {
			res.Recommendation = fmt.Sprintf("Subject %s - %s", verb, action)
		} else {
			res.Recommendation = "No action required"
		}
	}
	res.Evidence = []string{evidence}
	res.Reasoning = "Laboratory check: " + evidence
	verdict(&res, rule, violated, action)
	return res, nil
}

func (e *Evaluator) expression(ctx context.Context, rule schema.Rule, subject *clinical.Subject, c schema.ExpressionCheck, action string) schema.EvaluationResult {
	res := base(rule, subject.ID)
	res.ToolsUsed = []string{"check_demographics"}
	meets, err := c.Predicate.Eval(ctx, presentFields(subject))
	if err != nil {
		res.Evidence = []string{c.Expression + " -> could not be evaluated"}
		missing(&res, "expression", fmt.Sprintf("Expression check could not be evaluated: %v", err))
		return res
	}
	violated := c.Polarity.Violated(meets)
	outcome := "criterion met"
	if !meets {
		outcome = "criterion not met"
	}
	res.Evidence = []string{fmt.Sprintf("%s -> %s", c.Expression, outcome)}
	res.Reasoning = "Expression check: " + res.Evidence[0]
	if c.Polarity == schema.PolarityInclusion {
		res.Recommendation = "Subject does not meet inclusion criterion: " + rule.Description
	} else {
		res.Recommendation = "Subject meets exclusion criterion: " + rule.Description
	}
	verdict(&res, rule, violated, action)
	return res
}

// presentFields returns the subject's fields without absent values, so
// has() tests in expressions see null columns as missing.
func presentFields(s *clinical.Subject) map[string]any {
	out := make(map[string]any, len(s.Fields)+1)
	for k := range s.Fields {
		if v, ok := s.Field(k); ok {
			out[k] = v
		}
	}
	out["subject_id"] = s.ID
	return out
}
