package rules

import (
	"fmt"
	"strings"

	"github.com/dshills/trialguard/internal/schema"
)

// compileCheck resolves the check shape of a deterministic rule from its
// parameters, first match wins: field_name, visit_window, adverse event
// modes, test_name, expression.
func compileCheck(params map[string]any) (schema.Check, error) {
	if field, ok := params["field_name"]; ok {
		return compileFieldCheck(fmt.Sprint(field), params)
	}

	checkType := strings.ReplaceAll(strings.ToLower(stringParam(params, "check_type")), "-", "_")
	switch checkType {
	case "visit_window":
		return compileWindowCheck(params)
	case string(schema.AEModeGrade), string(schema.AEModeSAE), string(schema.AEModeOngoing):
		minGrade, err := intParam(params, "min_grade", 3)
		if err != nil {
			return nil, err
		}
		return schema.AdverseEventCheck{
			Mode:        schema.AEMode(checkType),
			MinGrade:    minGrade,
			Seriousness: stringParam(params, "seriousness"),
		}, nil
	}

	if test, ok := params["test_name"]; ok {
		return compileThresholdCheck(fmt.Sprint(test), params)
	}

	if expr := stringParam(params, "expression"); expr != "" {
		pol, err := schema.ParsePolarity(stringParam(params, "rule_type"))
		if err != nil {
			return nil, err
		}
		pred, err := compileExpression(expr)
		if err != nil {
			return nil, err
		}
		return schema.ExpressionCheck{Expression: expr, Predicate: pred, Polarity: pol}, nil
	}

	return schema.NoCheck{}, nil
}

func compileFieldCheck(field string, params map[string]any) (schema.Check, error) {
	if strings.TrimSpace(field) == "" {
		return nil, fmt.Errorf("field_name is empty")
	}
	op, err := schema.ParseOperator(stringParam(params, "operator"))
	if err != nil {
		return nil, err
	}
	pol, err := schema.ParsePolarity(stringParam(params, "rule_type"))
	if err != nil {
		return nil, err
	}
	threshold := params["threshold"]
	switch op {
	case schema.OpGTE, schema.OpGT, schema.OpLTE, schema.OpLT:
		if _, ok := schema.ToFloat(threshold); !ok {
			return nil, fmt.Errorf("field %s: operator %s needs a numeric threshold, got %v", field, op, threshold)
		}
	}
	return schema.FieldCheck{Field: field, Operator: op, Threshold: threshold, Polarity: pol}, nil
}

func compileWindowCheck(params map[string]any) (schema.Check, error) {
	var c schema.VisitWindowCheck
	var err error
	if c.TreatmentWindowDays, err = intParam(params, "treatment_window_days", 0); err != nil {
		return nil, err
	}
	if c.FollowUpWindowDays, err = intParam(params, "follow_up_window_days", 0); err != nil {
		return nil, err
	}
	if c.FollowUpVisitNumber, err = intParam(params, "follow_up_visit_number", 0); err != nil {
		return nil, err
	}
	return c, nil
}

func compileThresholdCheck(test string, params map[string]any) (schema.Check, error) {
	if strings.TrimSpace(test) == "" {
		return nil, fmt.Errorf("test_name is empty")
	}
	op, err := schema.ParseOperator(stringParam(params, "operator"))
	if err != nil {
		return nil, err
	}
	if op == schema.OpIn {
		return nil, fmt.Errorf("test %s: operator in is not supported for thresholds", test)
	}
	threshold, ok := schema.ToFloat(params["threshold"])
	if !ok {
		return nil, fmt.Errorf("test %s: threshold %v is not numeric", test, params["threshold"])
	}
	tp, err := schema.ParseTimepoint(stringParam(params, "timepoint"))
	if err != nil {
		return nil, err
	}
	pol, err := schema.ParsePolarity(stringParam(params, "rule_type"))
	if err != nil {
		return nil, err
	}
	return schema.ThresholdCheck{TestName: test, Operator: op, Threshold: threshold, Timepoint: tp, Polarity: pol}, nil
}

func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := schema.ToFloat(v)
	if !ok || f != float64(int(f)) {
		return 0, fmt.Errorf("%s: %v is not an integer", key, v)
	}
	return int(f), nil
}
