package schema

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// CheckKind names the concrete type behind a Check.
type CheckKind string

const (
	KindField        CheckKind = "field"
	KindVisitWindow  CheckKind = "visit_window"
	KindAdverseEvent CheckKind = "adverse_event"
	KindThreshold    CheckKind = "threshold"
	KindExpression   CheckKind = "expression"
	KindNone         CheckKind = "none"
)

// Check is the evaluation shape of a deterministic rule. It is resolved once
// from the rule parameters when the rule is loaded. The set of
// implementations is closed; evaluators switch on the concrete type.
type Check interface {
	Kind() CheckKind
	sealed()
}

// Operator is a comparison operator used by field and threshold checks.
type Operator string

const (
	OpGTE Operator = ">="
	OpGT  Operator = ">"
	OpLTE Operator = "<="
	OpLT  Operator = "<"
	OpEQ  Operator = "=="
	OpNE  Operator = "!="
	OpIn  Operator = "in"
)

// ParseOperator validates s as an operator.
func ParseOperator(s string) (Operator, error) {
	op := Operator(strings.TrimSpace(strings.ToLower(s)))
	switch op {
	case OpGTE, OpGT, OpLTE, OpLT, OpEQ, OpNE, OpIn:
		return op, nil
	}
	return "", fmt.Errorf("schema: unknown operator %q", s)
}

// CompareFloat applies an ordering or equality operator to two numbers.
// OpIn is not meaningful for numbers and always reports false.
func (op Operator) CompareFloat(a, b float64) bool {
	switch op {
	case OpGTE:
		return a >= b
	case OpGT:
		return a > b
	case OpLTE:
		return a <= b
	case OpLT:
		return a < b
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	}
	return false
}

// Polarity decides what meeting a criterion means.
type Polarity string

const (
	// PolarityExclusion: meeting the criterion is the violation.
	PolarityExclusion Polarity = "exclusion"
	// PolarityInclusion: failing to meet the criterion is the violation.
	PolarityInclusion Polarity = "inclusion"
)

// ParsePolarity maps a rule_type parameter to a Polarity. Empty means
// exclusion.
func ParsePolarity(s string) (Polarity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exclusion", "safety":
		return PolarityExclusion, nil
	case "inclusion":
		return PolarityInclusion, nil
	}
	return "", fmt.Errorf("schema: unknown rule_type %q", s)
}

// Violated applies the polarity to whether the criterion was met.
func (p Polarity) Violated(meets bool) bool {
	if p == PolarityInclusion {
		return !meets
	}
	return meets
}

// FieldCheck compares one subject field against a threshold. A nil
// Threshold turns == and != into absence and presence checks.
type FieldCheck struct {
	Field     string
	Operator  Operator
	Threshold any
	Polarity  Polarity
}

// VisitWindowCheck flags completed visits outside the protocol window. Zero
// values fall back to the toolkit defaults.
type VisitWindowCheck struct {
	TreatmentWindowDays int
	FollowUpWindowDays  int
	FollowUpVisitNumber int
}

// AEMode selects what an adverse-event check matches on.
type AEMode string

const (
	AEModeGrade   AEMode = "ae_grade"
	AEModeSAE     AEMode = "sae_flag"
	AEModeOngoing AEMode = "ae_ongoing"
)

// AdverseEventCheck matches adverse events by grade, seriousness flag or
// ongoing status.
type AdverseEventCheck struct {
	Mode        AEMode
	MinGrade    int
	Seriousness string
}

// Timepoint chooses which recorded value a threshold check reads.
type Timepoint string

const (
	TimepointLatest    Timepoint = "latest"
	TimepointScreening Timepoint = "screening"
	TimepointBaseline  Timepoint = "baseline"
)

// ParseTimepoint validates s; empty means latest.
func ParseTimepoint(s string) (Timepoint, error) {
	switch tp := Timepoint(strings.ToLower(strings.TrimSpace(s))); tp {
	case "":
		return TimepointLatest, nil
	case TimepointLatest, TimepointScreening, TimepointBaseline:
		return tp, nil
	}
	return "", fmt.Errorf("schema: unknown timepoint %q", s)
}

// ThresholdCheck compares a lab test or ECG parameter against a number.
type ThresholdCheck struct {
	TestName  string
	Operator  Operator
	Threshold float64
	Timepoint Timepoint
	Polarity  Polarity
}

// Predicate is a compiled boolean expression over subject fields.
type Predicate interface {
	Eval(ctx context.Context, subject map[string]any) (bool, error)
}

// ExpressionCheck evaluates a compiled predicate; true means the criterion
// is met.
type ExpressionCheck struct {
	Expression string
	Predicate  Predicate
	Polarity   Polarity
}

// NoCheck marks a deterministic rule whose parameters match no known shape.
type NoCheck struct{}

func (FieldCheck) Kind() CheckKind        { return KindField }
func (VisitWindowCheck) Kind() CheckKind  { return KindVisitWindow }
func (AdverseEventCheck) Kind() CheckKind { return KindAdverseEvent }
func (ThresholdCheck) Kind() CheckKind    { return KindThreshold }
func (ExpressionCheck) Kind() CheckKind   { return KindExpression }
func (NoCheck) Kind() CheckKind           { return KindNone }

func (FieldCheck) sealed()        {}
func (VisitWindowCheck) sealed()  {}
func (AdverseEventCheck) sealed() {}
func (ThresholdCheck) sealed()    {}
func (ExpressionCheck) sealed()   {}
func (NoCheck) sealed()           {}

// ToFloat converts decoded numeric and numeric-string values to float64.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// FormatValue renders a decoded value for evidence strings.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = FormatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(v)
}
