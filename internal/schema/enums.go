package schema

import (
	"fmt"
	"strings"
)

// normalize lowercases s and folds hyphens and spaces to underscores so that
// "safety-AE" and "safety_ae" name the same category.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}

// ParseCategory validates a rule category.
func ParseCategory(s string) (Category, error) {
	c := Category(normalize(s))
	switch c {
	case CategoryExclusion, CategoryInclusion, CategorySafetyAE, CategorySafetyLab,
		CategorySafetyVital, CategoryProtocolVisit, CategoryProtocolDose,
		CategoryDataQuality, CategoryEfficacy:
		return c, nil
	}
	return "", fmt.Errorf("schema: unknown category %q", s)
}

// ParseComplexity validates a complexity; empty means medium.
func ParseComplexity(s string) (Complexity, error) {
	switch c := Complexity(normalize(s)); c {
	case "":
		return ComplexityMedium, nil
	case ComplexitySimple, ComplexityMedium, ComplexityComplex:
		return c, nil
	}
	return "", fmt.Errorf("schema: unknown complexity %q", s)
}

// ParseStrategy validates an evaluation strategy. llm_with_tools is accepted
// for llm-tools and pattern_match is evaluated deterministically.
func ParseStrategy(s string) (Strategy, error) {
	switch normalize(s) {
	case "deterministic", "pattern_match":
		return StrategyDeterministic, nil
	case "llm_tools", "llm_with_tools", "llm":
		return StrategyLLMTools, nil
	case "hybrid":
		return StrategyHybrid, nil
	}
	return "", fmt.Errorf("schema: unknown evaluation strategy %q", s)
}

// ParseSeverity validates a severity; empty means major.
func ParseSeverity(s string) (Severity, error) {
	switch sv := Severity(normalize(s)); sv {
	case "":
		return SeverityMajor, nil
	case SeverityCritical, SeverityMajor, SeverityMinor, SeverityInfo:
		return sv, nil
	}
	return "", fmt.Errorf("schema: unknown severity %q", s)
}

// ParseRuleStatus validates a rule status; empty means active.
func ParseRuleStatus(s string) (RuleStatus, error) {
	switch st := RuleStatus(normalize(s)); st {
	case "":
		return RuleActive, nil
	case RuleActive, RuleInactive:
		return st, nil
	}
	return "", fmt.Errorf("schema: unknown rule status %q", s)
}

// ParsePhase validates a study phase name.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(normalize(s)); p {
	case PhaseScreening, PhaseBaseline, PhasePostRandomization, PhaseTreatment, PhaseFollowUp:
		return p, nil
	case "followup":
		return PhaseFollowUp, nil
	}
	return "", fmt.Errorf("schema: unknown study phase %q", s)
}

// ParseViolationStatus validates a workflow status.
func ParseViolationStatus(s string) (ViolationStatus, error) {
	switch st := ViolationStatus(normalize(s)); st {
	case ViolationOpen, ViolationAcknowledged, ViolationInReview, ViolationResolved, ViolationFalsePositive:
		return st, nil
	}
	return "", fmt.Errorf("schema: unknown violation status %q", s)
}

// ParseConfidence maps free text to a Confidence, defaulting to medium.
func ParseConfidence(s string) Confidence {
	switch c := Confidence(normalize(s)); c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return c
	}
	return ConfidenceMedium
}
