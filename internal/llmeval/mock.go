package llmeval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/schema"
)

// Search term limits applied by the mock evaluator.
const (
	mockMaxTerms   = 10
	mockMaxClasses = 5
	mockMaxLabs    = 10
)

// Actions the mock evaluator proposes.
const (
	ActionSafetyReview   = "SAFETY_REVIEW_REQUIRED"
	ActionEfficacyReview = "EFFICACY_REVIEW"
)

// MockEvaluator gathers evidence with the same tools the model would use,
// driven by the rule's tools_needed and search_terms, and decides by
// category polarity. It never calls a provider.
type MockEvaluator struct {
	data   clinical.Access
	logger *slog.Logger
}

// NewMockEvaluator returns a mock evaluator over data.
func NewMockEvaluator(data clinical.Access, logger *slog.Logger) *MockEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockEvaluator{data: data, logger: logger}
}

// mockStep is one tool the mock runs when the rule names it.
type mockStep struct {
	tool string
	run  func(ctx context.Context) ([]string, error)
}

// Evaluate collects evidence and applies category polarity. A failing tool
// is recorded in missing_data and the remaining tools still run; only
// cancellation aborts the evaluation.
func (m *MockEvaluator) Evaluate(ctx context.Context, in Input) (schema.EvaluationResult, error) {
	rule, id := in.Rule, in.Subject.ID
	var evidence []string
	toolsUsed := []string{}
	failed := []string{}
	for _, step := range m.steps(rule, id) {
		found, err := step.run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return schema.EvaluationResult{}, ctx.Err()
			}
			m.logger.Warn("mock tool failed", "rule_id", rule.ID, "subject_id", id, "tool", step.tool, "error", err)
			failed = append(failed, step.tool+": "+err.Error())
			continue
		}
		toolsUsed = append(toolsUsed, step.tool)
		evidence = append(evidence, found...)
	}
	res := mockDecision(rule, id, evidence, toolsUsed)
	if len(failed) > 0 {
		res.MissingData = failed
		res.RequiresReview = true
	}
	return res, nil
}

func (m *MockEvaluator) steps(rule schema.Rule, id string) []mockStep {
	var steps []mockStep
	add := func(tool string, run func(ctx context.Context) ([]string, error)) {
		steps = append(steps, mockStep{tool: tool, run: run})
	}

	if rule.NeedsTool(ToolCheckMedicalHistory) {
		terms := firstNonEmpty(rule.SearchTerms("conditions"), rule.SearchTerms("drug_names"))
		if len(terms) > 0 {
			add(ToolCheckMedicalHistory, func(ctx context.Context) ([]string, error) {
				res, err := m.data.CheckMedicalHistory(ctx, id, limit(terms, mockMaxTerms), clinical.StatusAny)
				return res.Evidence, err
			})
		}
	}

	if rule.NeedsTool(ToolCheckConmeds) {
		names := firstNonEmpty(rule.SearchTerms("medications"), rule.SearchTerms("drug_names"))
		classes := rule.SearchTerms("drug_classes")
		if len(names) > 0 || len(classes) > 0 {
			add(ToolCheckConmeds, func(ctx context.Context) ([]string, error) {
				res, err := m.data.CheckConmeds(ctx, id, limit(names, mockMaxTerms), limit(classes, mockMaxClasses))
				return res.Evidence, err
			})
		}
	}

	if rule.NeedsTool(ToolGetTumorAssessments) {
		add(ToolGetTumorAssessments, func(ctx context.Context) ([]string, error) {
			tas, err := m.data.GetTumorAssessments(ctx, id)
			var found []string
			for _, a := range tas {
				if a.Progression || a.NewLesions {
					found = append(found, fmt.Sprintf("Tumor assessment %s: %s - new_lesions=%t, progression=%t",
						a.Date, a.OverallResponse, a.NewLesions, a.Progression))
				}
			}
			return found, err
		})
	}

	if rule.NeedsTool(ToolGetAdverseEvents) {
		minGrade := 3
		if g, ok := schema.ToFloat(rule.Parameters["min_grade"]); ok {
			minGrade = int(g)
		}
		add(ToolGetAdverseEvents, func(ctx context.Context) ([]string, error) {
			aes, err := m.data.GetAdverseEvents(ctx, id, clinical.AEFilter{})
			var found []string
			for _, ae := range aes {
				if ae.Serious() || ae.Grade >= minGrade {
					found = append(found, fmt.Sprintf("AE: %s - Grade %d (SAE=%s, onset=%s)", ae.Term, ae.Grade, ae.Seriousness, ae.OnsetDate))
				}
			}
			return found, err
		})
	}

	if rule.NeedsTool(ToolGetLabs) || rule.NeedsTool(toolCheckLabsLegacyAlias) {
		add(ToolGetLabs, func(ctx context.Context) ([]string, error) {
			labs, err := m.data.GetLabs(ctx, id, rule.SearchTerms("lab_tests"), 0)
			var found []string
			for _, l := range limit(labs, mockMaxLabs) {
				switch strings.ToUpper(l.AbnormalFlag) {
				case "H", "L", "A":
					val := "null"
					if l.Value != nil {
						val = schema.FormatValue(*l.Value)
					}
					found = append(found, fmt.Sprintf("Lab %s: %s %s [%s] on %s", l.TestName, val, l.Unit, l.AbnormalFlag, l.CollectionDate))
				}
			}
			return found, err
		})
	}

	if rule.NeedsTool(ToolGetEcgResults) {
		add(ToolGetEcgResults, func(ctx context.Context) ([]string, error) {
			ecgs, err := m.data.GetEcgResults(ctx, id)
			var found []string
			for _, e := range ecgs {
				if e.Abnormal {
					found = append(found, fmt.Sprintf("ECG %s: %s", e.Date, e.Interpretation))
				}
			}
			return found, err
		})
	}

	if rule.NeedsTool(ToolCheckVisitWindows) {
		add(ToolCheckVisitWindows, func(ctx context.Context) ([]string, error) {
			w, err := m.data.CheckVisitWindows(ctx, id, clinical.WindowPolicy{})
			var found []string
			for _, d := range w.OutOfWindow {
				found = append(found, d.Description)
			}
			return found, err
		})
	}
	return steps
}

func mockDecision(rule schema.Rule, subjectID string, evidence, toolsUsed []string) schema.EvaluationResult {
	found := len(evidence) > 0
	res := schema.EvaluationResult{
		RuleID:      rule.ID,
		SubjectID:   subjectID,
		Evidence:    append([]string{}, evidence...),
		ToolsUsed:   toolsUsed,
		MissingData: []string{},
		Method:      schema.MethodLLMToolsMock,
		Confidence:  schema.ConfidenceMedium,
	}
	if found {
		res.Confidence = schema.ConfidenceHigh
	}
	tools := "[" + strings.Join(toolsUsed, ", ") + "]"

	var action string
	switch {
	case rule.Category == schema.CategoryInclusion:
		res.RequiresReview = true
		res.Reasoning = "Mock evaluation (inclusion rule): Evidence collected. " +
			"Manual review required to confirm criterion is met. Tools used: " + tools
		res.Recommendation = "Manual review required: Verify inclusion criterion is satisfied"
	case rule.Category.IsSafety():
		res.Violated = found
		res.RequiresReview = found
		res.Reasoning = fmt.Sprintf("Mock evaluation (safety rule): %s. Tools used: %s",
			pick(found, "Found safety signal(s)", "No safety signals detected"), tools)
		action = ActionSafetyReview
		res.Recommendation = pick(found, "Immediate safety review required", "No qualifying safety events found")
	case rule.Category == schema.CategoryEfficacy:
		res.Violated = found
		res.RequiresReview = true
		res.Reasoning = fmt.Sprintf("Mock evaluation (efficacy rule): %s. Tools used: %s",
			pick(found, "Efficacy event detected", "No efficacy events detected"), tools)
		action = ActionEfficacyReview
		res.Recommendation = pick(found, "Efficacy event review required", "No qualifying events")
	default:
		res.Violated = found
		res.RequiresReview = true
		res.Reasoning = fmt.Sprintf("Mock evaluation: %s evidence. Tools used: %s", pick(found, "Found", "Did not find"), tools)
		action = schema.ActionScreenFailure
		res.Recommendation = pick(found, "Subject should be reviewed for exclusion", "No exclusionary evidence found")
	}
	res.Passed = !res.Violated
	if res.Violated {
		res.Severity = rule.Severity
		res.ActionRequired = schema.StringPtr(action)
	}
	return res
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

func firstNonEmpty(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}

func limit[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
