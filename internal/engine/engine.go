// Package engine routes a rule evaluation to the evaluator its strategy
// names. It resolves the study phase, applies phase gating and contains
// every evaluator failure in the result, so only an unknown rule id is ever
// returned as an error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/deterministic"
	"github.com/dshills/trialguard/internal/llmeval"
	"github.com/dshills/trialguard/internal/schema"
	"github.com/dshills/trialguard/internal/verdict"
)

// ErrRuleNotFound is returned for a rule id the registry does not hold.
var ErrRuleNotFound = errors.New("engine: rule not found")

var tracer = otel.Tracer("trialguard/engine")

// Rules is the read side of the rule registry.
type Rules interface {
	Get(id string) (schema.Rule, bool)
	Active() []schema.Rule
	Protocol() schema.Protocol
}

// Engine evaluates rules for subjects.
type Engine struct {
	rules    Rules
	data     clinical.Access
	det      *deterministic.Evaluator
	reasoner llmeval.Evaluator
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock sets the clock used for evaluated_at and timings.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New returns an Engine. reasoner serves llm-tools rules; it is either the
// live tool-calling evaluator or the mock.
func New(rules Rules, data clinical.Access, reasoner llmeval.Evaluator, opts ...Option) *Engine {
	e := &Engine{
		rules:    rules,
		data:     data,
		det:      deterministic.New(data),
		reasoner: reasoner,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Data returns the data access layer the engine evaluates against.
func (e *Engine) Data() clinical.Access { return e.data }

// Evaluate evaluates one rule for one subject. visit may be nil.
func (e *Engine) Evaluate(ctx context.Context, ruleID, subjectID string, visit *schema.VisitContext) (schema.EvaluationResult, error) {
	rule, ok := e.rules.Get(ruleID)
	if !ok {
		return schema.EvaluationResult{}, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return e.evaluateRule(ctx, rule, subjectID, visit), nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule schema.Rule, subjectID string, visit *schema.VisitContext) schema.EvaluationResult {
	ctx, span := tracer.Start(ctx, "engine.Evaluate", trace.WithAttributes(
		attribute.String("rule.id", rule.ID),
		attribute.String("rule.strategy", string(rule.Strategy)),
		attribute.String("subject.id", subjectID),
	))
	defer span.End()

	start := e.now()
	res := e.route(ctx, rule, subjectID, visit)
	res.RuleID, res.SubjectID = rule.ID, subjectID
	if visit != nil {
		id := visit.VisitID
		res.VisitID = &id
	}
	res.ExecutionTimeMs = e.now().Sub(start).Milliseconds()
	res.EvaluatedAt = e.now().UTC()
	normalize(&res)

	span.SetAttributes(
		attribute.String("result.method", string(res.Method)),
		attribute.Bool("result.violated", res.Violated),
	)
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return res
}

// route performs phase resolution, gating and dispatch.
func (e *Engine) route(ctx context.Context, rule schema.Rule, subjectID string, visit *schema.VisitContext) (res schema.EvaluationResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evaluator panic", "rule_id", rule.ID, "subject_id", subjectID, "panic", r, "stack", string(debug.Stack()))
			res = e.failure(rule, subjectID, fmt.Errorf("evaluator panic: %v", r))
		}
	}()

	if !rule.Active() {
		return schema.EvaluationResult{
			Passed:     true,
			Reasoning:  fmt.Sprintf("Rule %s is inactive", rule.ID),
			Confidence: schema.ConfidenceHigh,
			Method:     schema.MethodSkipped,
		}
	}

	subject, err := e.data.Subject(ctx, subjectID)
	if errors.Is(err, clinical.ErrSubjectNotFound) {
		return schema.EvaluationResult{
			Reasoning:      fmt.Sprintf("Subject %s not found", subjectID),
			Confidence:     schema.ConfidenceLow,
			Method:         schema.MethodUnresolved,
			MissingData:    []string{"subject"},
			RequiresReview: true,
		}
	}
	if err != nil {
		return e.failure(rule, subjectID, err)
	}

	phase := resolvePhase(subject, visit)
	if !rule.AppliesTo(phase) {
		return schema.EvaluationResult{
			Passed:     true,
			Reasoning:  fmt.Sprintf("Rule not applicable in %s phase", phase),
			Confidence: schema.ConfidenceHigh,
			Method:     schema.MethodNotApplicable,
		}
	}

	switch rule.Strategy {
	case schema.StrategyDeterministic:
		out, err := e.det.Evaluate(ctx, rule, subject, phase)
		if err != nil {
			return e.failure(rule, subjectID, err)
		}
		return out
	case schema.StrategyLLMTools:
		if e.reasoner == nil {
			return e.failure(rule, subjectID, errors.New("no reasoning evaluator configured"))
		}
		out, err := e.reasoner.Evaluate(ctx, llmeval.Input{
			Rule:     rule,
			Subject:  subject,
			Phase:    phase,
			Visit:    visit,
			Protocol: e.rules.Protocol(),
		})
		if err != nil {
			return e.failure(rule, subjectID, err)
		}
		if out.Violated {
			directive(&out, rule, phase)
		}
		return out
	case schema.StrategyHybrid:
		return schema.EvaluationResult{
			Reasoning:      "Hybrid evaluation is not implemented; manual review required",
			Confidence:     schema.ConfidenceLow,
			Method:         schema.MethodHybrid,
			RequiresReview: true,
		}
	default:
		return e.failure(rule, subjectID, fmt.Errorf("unknown evaluation strategy %q", rule.Strategy))
	}
}

// resolvePhase prefers the visit context; otherwise a subject without a
// randomization date is in screening.
func resolvePhase(subject *clinical.Subject, visit *schema.VisitContext) schema.Phase {
	if visit != nil && visit.StudyPhase != "" {
		return visit.StudyPhase
	}
	if subject.RandomizationDate() == "" {
		return schema.PhaseScreening
	}
	return schema.PhasePostRandomization
}

// directive sets the phase action on a violated reasoning result and labels
// the recommendation with the consequence.
func directive(res *schema.EvaluationResult, rule schema.Rule, phase schema.Phase) {
	res.ActionRequired = schema.StringPtr(rule.ActionFor(phase, schema.ActionRequiresReview))
	prefix := "PROTOCOL DEVIATION - "
	if phase.IsEntry() {
		prefix = "SCREEN FAILURE - "
	}
	res.Recommendation = prefix + res.Recommendation
	if res.Severity == "" {
		res.Severity = rule.Severity
	}
}

func (e *Engine) failure(rule schema.Rule, subjectID string, err error) schema.EvaluationResult {
	e.logger.Warn("rule evaluation failed", "rule_id", rule.ID, "subject_id", subjectID, "err", err)
	return schema.EvaluationResult{
		Reasoning:      fmt.Sprintf("Evaluation error: %v", err),
		Confidence:     schema.ConfidenceLow,
		Method:         schema.MethodError,
		RequiresReview: true,
		Error:          err.Error(),
	}
}

// normalize replaces nil lists so results always encode them as arrays.
func normalize(res *schema.EvaluationResult) {
	if res.Evidence == nil {
		res.Evidence = []string{}
	}
	if res.ToolsUsed == nil {
		res.ToolsUsed = []string{}
	}
	if res.MissingData == nil {
		res.MissingData = []string{}
	}
	if res.Violated && res.Severity == "" {
		res.Severity = schema.SeverityMajor
	}
	if res.Violated {
		res.Passed = false
	}
}

// Filter selects the rules EvaluateSubject runs. Empty fields match every
// active rule.
type Filter struct {
	RuleIDs    []string          `json:"rule_ids,omitempty"`
	Categories []schema.Category `json:"categories,omitempty"`
}

// SubjectReport is the outcome of running a set of rules for one subject.
type SubjectReport struct {
	SubjectID          string                    `json:"subject_id"`
	TotalRulesExecuted int                       `json:"total_rules_executed"`
	ViolationsFound    int                       `json:"violations_found"`
	Results            []schema.EvaluationResult `json:"results"`
	Violations         []schema.Violation        `json:"violations"`
	Summary            verdict.Summary           `json:"summary"`
}

// EvaluateSubject runs the selected rules in order. Explicitly requested
// rule ids that are unknown become failed records rather than errors; only
// context cancellation stops the run early.
func (e *Engine) EvaluateSubject(ctx context.Context, subjectID string, f Filter, visit *schema.VisitContext) (SubjectReport, error) {
	rep := SubjectReport{SubjectID: subjectID, Results: []schema.EvaluationResult{}}
	for _, sel := range e.selectRules(f) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if sel.missing {
			res := e.failure(schema.Rule{ID: sel.id}, subjectID, fmt.Errorf("%w: %s", ErrRuleNotFound, sel.id))
			res.RuleID, res.SubjectID, res.EvaluatedAt = sel.id, subjectID, e.now().UTC()
			normalize(&res)
			rep.Results = append(rep.Results, res)
			continue
		}
		rep.Results = append(rep.Results, e.evaluateRule(ctx, sel.rule, subjectID, visit))
	}
	rep.Violations = verdict.Aggregate(rep.Results, e.categoryOf)
	rep.TotalRulesExecuted = len(rep.Results)
	rep.ViolationsFound = len(rep.Violations)
	rep.Summary = verdict.Summarize(rep.Results)
	return rep, nil
}

type selection struct {
	id      string
	rule    schema.Rule
	missing bool
}

func (e *Engine) selectRules(f Filter) []selection {
	var out []selection
	if len(f.RuleIDs) > 0 {
		for _, id := range f.RuleIDs {
			r, ok := e.rules.Get(id)
			if !ok {
				out = append(out, selection{id: id, missing: true})
				continue
			}
			if matchesCategory(r, f.Categories) {
				out = append(out, selection{id: id, rule: r})
			}
		}
		return out
	}
	for _, r := range e.rules.Active() {
		if matchesCategory(r, f.Categories) {
			out = append(out, selection{id: r.ID, rule: r})
		}
	}
	return out
}

func matchesCategory(r schema.Rule, cats []schema.Category) bool {
	if len(cats) == 0 {
		return true
	}
	for _, c := range cats {
		if r.Category == c {
			return true
		}
	}
	return false
}

func (e *Engine) categoryOf(ruleID string) schema.Category {
	r, _ := e.rules.Get(ruleID)
	return r.Category
}
