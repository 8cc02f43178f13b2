// Package schema defines the canonical data types shared by the rule engine:
// rules and their resolved checks, evaluation results, violations and visit
// context.
package schema

import (
	"fmt"
	"strings"
	"time"
)

// Category is the protocol area a rule belongs to.
type Category string

const (
	CategoryExclusion     Category = "exclusion"
	CategoryInclusion     Category = "inclusion"
	CategorySafetyAE      Category = "safety_ae"
	CategorySafetyLab     Category = "safety_lab"
	CategorySafetyVital   Category = "safety_vital"
	CategoryProtocolVisit Category = "protocol_visit"
	CategoryProtocolDose  Category = "protocol_dose"
	CategoryDataQuality   Category = "data_quality"
	CategoryEfficacy      Category = "efficacy"
)

// IsSafety reports whether the category is one of the safety families.
func (c Category) IsSafety() bool {
	return c == CategorySafetyAE || c == CategorySafetyLab || c == CategorySafetyVital
}

// Complexity is the authoring hint for how hard a rule is to evaluate.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Strategy selects the evaluator a rule is routed to.
type Strategy string

const (
	StrategyDeterministic Strategy = "deterministic"
	StrategyLLMTools      Strategy = "llm-tools"
	StrategyHybrid        Strategy = "hybrid"
)

// Severity is the impact level attached to a violated rule.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// RuleStatus tells whether a rule is evaluated at all.
type RuleStatus string

const (
	RuleActive   RuleStatus = "active"
	RuleInactive RuleStatus = "inactive"
)

// Confidence is the evaluator's confidence in a result.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Method records which path produced an EvaluationResult.
type Method string

const (
	MethodDeterministic Method = "deterministic"
	MethodLLMTools      Method = "llm-tools"
	MethodLLMToolsMock  Method = "llm-tools-mock"
	MethodSkipped       Method = "skipped"
	MethodNotApplicable Method = "not-applicable"
	MethodHybrid        Method = "hybrid"
	MethodUnresolved    Method = "unresolved"
	MethodError         Method = "error"
)

// Phase is the study phase a subject is evaluated in.
type Phase string

const (
	PhaseScreening         Phase = "screening"
	PhaseBaseline          Phase = "baseline"
	PhasePostRandomization Phase = "post_randomization"
	PhaseTreatment         Phase = "treatment"
	PhaseFollowUp          Phase = "follow_up"
)

// IsEntry reports whether a violation in this phase is an entry-time
// (eligibility) finding rather than one discovered after randomization.
func (p Phase) IsEntry() bool {
	return p == PhaseScreening || p == PhaseBaseline
}

// Default actions used when a rule's phase config names none.
const (
	ActionScreenFailure  = "SCREEN_FAILURE"
	ActionRequiresReview = "REQUIRES_REVIEW"
)

// PhaseConfig governs whether a rule is checked in a phase and what a
// violation there triggers.
type PhaseConfig struct {
	Check              bool   `json:"check" yaml:"check"`
	ActionIfViolated   string `json:"action_if_violated,omitempty" yaml:"action_if_violated"`
	ActionIfDiscovered string `json:"action_if_discovered,omitempty" yaml:"action_if_discovered"`
}

// Protocol is the metadata block of a rule document.
type Protocol struct {
	Number     string `json:"number,omitempty" yaml:"number"`
	Name       string `json:"name,omitempty" yaml:"name"`
	Phase      string `json:"phase,omitempty" yaml:"phase"`
	Indication string `json:"indication,omitempty" yaml:"indication"`
	Version    string `json:"version,omitempty" yaml:"version"`
}

// Rule is a loaded protocol rule. Rules are immutable once they leave the
// registry; Check holds the evaluation shape resolved at load time.
type Rule struct {
	ID               string                `json:"rule_id"`
	Name             string                `json:"name"`
	Description      string                `json:"description"`
	Category         Category              `json:"category"`
	Complexity       Complexity            `json:"complexity"`
	Strategy         Strategy              `json:"evaluation_type"`
	TemplateName     string                `json:"template_name,omitempty"`
	Parameters       map[string]any        `json:"parameters,omitempty"`
	ApplicableVisits []string              `json:"applicable_visits,omitempty"`
	ApplicablePhases map[Phase]PhaseConfig `json:"applicable_phases,omitempty"`
	Severity         Severity              `json:"severity"`
	ProtocolSection  string                `json:"protocol_section,omitempty"`
	Status           RuleStatus            `json:"status"`
	Version          int                   `json:"version"`
	DomainKnowledge  string                `json:"domain_knowledge,omitempty"`
	ToolsNeeded      []string              `json:"tools_needed,omitempty"`
	Source           string                `json:"source,omitempty"`
	Check            Check                 `json:"-"`
}

// Active reports whether the rule should be evaluated.
func (r Rule) Active() bool { return r.Status == RuleActive }

// AppliesTo reports whether the rule is checked in phase. A rule that
// declares no phase restrictions applies everywhere; a rule that does must
// list the phase with check enabled.
func (r Rule) AppliesTo(phase Phase) bool {
	if len(r.ApplicablePhases) == 0 {
		return true
	}
	pc, ok := r.phaseConfig(phase)
	return ok && pc.Check
}

// ActionFor returns the directive a violation in phase triggers. Entry
// phases prefer action_if_violated, later phases action_if_discovered; each
// falls back to the other and finally to def.
func (r Rule) ActionFor(phase Phase, def string) string {
	pc, _ := r.phaseConfig(phase)
	first, second := pc.ActionIfViolated, pc.ActionIfDiscovered
	if !phase.IsEntry() {
		first, second = second, first
	}
	switch {
	case first != "":
		return first
	case second != "":
		return second
	default:
		return def
	}
}

// phaseConfig looks up phase, treating treatment and follow-up visit phases
// as post-randomization when the rule has no entry for them.
func (r Rule) phaseConfig(phase Phase) (PhaseConfig, bool) {
	if pc, ok := r.ApplicablePhases[phase]; ok {
		return pc, true
	}
	if phase == PhaseTreatment || phase == PhaseFollowUp {
		pc, ok := r.ApplicablePhases[PhasePostRandomization]
		return pc, ok
	}
	return PhaseConfig{}, false
}

// SearchTerms returns the parameters.search_terms[key] list as strings.
func (r Rule) SearchTerms(key string) []string {
	raw, ok := r.Parameters["search_terms"].(map[string]any)
	if !ok {
		return nil
	}
	return StringList(raw[key])
}

// NeedsTool reports whether name is listed in tools_needed.
func (r Rule) NeedsTool(name string) bool {
	for _, t := range r.ToolsNeeded {
		if t == name {
			return true
		}
	}
	return false
}

// StringList converts a decoded YAML/JSON value into a list of strings. A
// scalar becomes a one-element list; nil becomes nil.
func StringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if e == nil {
				continue
			}
			out = append(out, fmt.Sprint(e))
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	default:
		return []string{fmt.Sprint(t)}
	}
}

// VisitContext describes the visit an evaluation is performed for. When
// supplied, its StudyPhase overrides the phase inferred from subject state.
type VisitContext struct {
	VisitID       int    `json:"visit_id"`
	VisitNumber   int    `json:"visit_number"`
	VisitName     string `json:"visit_name"`
	VisitType     string `json:"visit_type,omitempty"`
	ScheduledDate string `json:"scheduled_date,omitempty"`
	ActualDate    string `json:"actual_date,omitempty"`
	StudyPhase    Phase  `json:"study_phase"`
}

// EvaluationResult is the outcome of evaluating one rule for one subject.
// Violated implies Severity is set.
type EvaluationResult struct {
	RuleID          string     `json:"rule_id"`
	SubjectID       string     `json:"subject_id"`
	VisitID         *int       `json:"visit_id"`
	Passed          bool       `json:"passed"`
	Violated        bool       `json:"violated"`
	Severity        Severity   `json:"severity,omitempty"`
	Evidence        []string   `json:"evidence"`
	Reasoning       string     `json:"reasoning"`
	Confidence      Confidence `json:"confidence"`
	Method          Method     `json:"evaluation_method"`
	ToolsUsed       []string   `json:"tools_used"`
	ActionRequired  *string    `json:"action_required"`
	Recommendation  string     `json:"recommendation"`
	MissingData     []string   `json:"missing_data"`
	RequiresReview  bool       `json:"requires_review"`
	ExecutionTimeMs int64      `json:"execution_time_ms"`
	EvaluatedAt     time.Time  `json:"evaluated_at"`
	Error           string     `json:"error,omitempty"`
}

// Action returns the required action or "" when none is set.
func (r EvaluationResult) Action() string {
	if r.ActionRequired == nil {
		return ""
	}
	return *r.ActionRequired
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ViolationStatus is the workflow state of a violation.
type ViolationStatus string

const (
	ViolationOpen          ViolationStatus = "open"
	ViolationAcknowledged  ViolationStatus = "acknowledged"
	ViolationInReview      ViolationStatus = "in_review"
	ViolationResolved      ViolationStatus = "resolved"
	ViolationFalsePositive ViolationStatus = "false_positive"
)

// ViolationType classifies a violation for downstream workflows.
type ViolationType string

const (
	ViolationEligibility       ViolationType = "eligibility_violation"
	ViolationSafetySignal      ViolationType = "safety_signal"
	ViolationProtocolDeviation ViolationType = "protocol_deviation"
	ViolationDataQuality       ViolationType = "data_quality_issue"
	ViolationRegulatory        ViolationType = "regulatory_concern"
)

// ViolationData carries the provenance of the result a violation came from.
type ViolationData struct {
	Confidence  Confidence `json:"confidence"`
	Method      Method     `json:"evaluation_method"`
	ToolsUsed   []string   `json:"tools_used"`
	MissingData []string   `json:"missing_data"`
}

// Violation is the record created for a violated EvaluationResult.
type Violation struct {
	ID              int64           `json:"violation_id,omitempty"`
	RuleID          string          `json:"rule_id"`
	SubjectID       string          `json:"subject_id"`
	VisitID         *int            `json:"visit_id"`
	Type            ViolationType   `json:"violation_type"`
	Severity        Severity        `json:"severity"`
	Status          ViolationStatus `json:"status"`
	Description     string          `json:"violation_description"`
	Evidence        []string        `json:"evidence"`
	Reasoning       string          `json:"reasoning"`
	ActionRequired  *string         `json:"action_required"`
	Recommendation  string          `json:"recommendation"`
	Data            ViolationData   `json:"violation_data"`
	AssignedTo      string          `json:"assigned_to,omitempty"`
	AcknowledgedBy  string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time      `json:"acknowledged_at,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ViolationDate   time.Time       `json:"violation_date"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       *time.Time      `json:"updated_at,omitempty"`
}
