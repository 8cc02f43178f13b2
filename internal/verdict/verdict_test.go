package verdict

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dshills/trialguard/internal/schema"
)

func TestTypeFor(t *testing.T) {
	cases := []struct {
		c    schema.Category
		want schema.ViolationType
	}{
		{schema.CategoryExclusion, schema.ViolationEligibility},
		{schema.CategoryInclusion, schema.ViolationEligibility},
		{schema.CategorySafetyAE, schema.ViolationSafetySignal},
		{schema.CategorySafetyLab, schema.ViolationSafetySignal},
		{schema.CategorySafetyVital, schema.ViolationSafetySignal},
		{schema.CategoryEfficacy, schema.ViolationSafetySignal},
		{schema.CategoryProtocolVisit, schema.ViolationProtocolDeviation},
		{schema.CategoryProtocolDose, schema.ViolationProtocolDeviation},
		{schema.CategoryDataQuality, schema.ViolationDataQuality},
		{schema.Category("other"), schema.ViolationRegulatory},
	}
	for _, c := range cases {
		if got := TypeFor(c.c); got != c.want {
			t.Errorf("TypeFor(%q) = %q, want %q", c.c, got, c.want)
		}
	}
}

func TestFromResult(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	res := schema.EvaluationResult{
		RuleID:         "EXCL-001",
		SubjectID:      "101-001",
		Violated:       true,
		Severity:       schema.SeverityCritical,
		Evidence:       []string{"Pembrolizumab 200 mg"},
		Reasoning:      strings.Repeat("x", 800),
		Confidence:     schema.ConfidenceHigh,
		Method:         schema.MethodLLMTools,
		ToolsUsed:      []string{"check_conmeds"},
		ActionRequired: schema.StringPtr("SCREEN_FAILURE"),
		Recommendation: "SCREEN FAILURE - Do not enroll",
		EvaluatedAt:    at,
	}
	v, ok := FromResult(res, schema.CategoryExclusion)
	if !ok {
		t.Fatal("violated result produced no violation")
	}
	if len(v.Description) != MaxDescription {
		t.Errorf("description length = %d, want %d", len(v.Description), MaxDescription)
	}
	if v.Reasoning != res.Reasoning {
		t.Error("reasoning must be copied verbatim")
	}
	if v.Status != schema.ViolationOpen || v.Type != schema.ViolationEligibility {
		t.Errorf("status/type = %q/%q", v.Status, v.Type)
	}
	if v.Data.Method != schema.MethodLLMTools || v.Data.Confidence != schema.ConfidenceHigh {
		t.Errorf("violation data = %+v", v.Data)
	}
	if *v.ActionRequired != "SCREEN_FAILURE" || !v.ViolationDate.Equal(at) {
		t.Errorf("action/date = %v/%v", *v.ActionRequired, v.ViolationDate)
	}

	res.Violated = false
	if _, ok := FromResult(res, schema.CategoryExclusion); ok {
		t.Error("non-violated result must not produce a violation")
	}
}

func TestAggregate(t *testing.T) {
	results := []schema.EvaluationResult{
		{RuleID: "A", Violated: true, Severity: schema.SeverityMajor},
		{RuleID: "B", Passed: true},
		{RuleID: "C", Violated: true, Severity: schema.SeverityMinor},
	}
	cats := map[string]schema.Category{"A": schema.CategorySafetyLab, "C": schema.CategoryProtocolVisit}
	vs := Aggregate(results, func(id string) schema.Category { return cats[id] })
	if len(vs) != 2 || vs[0].RuleID != "A" || vs[1].RuleID != "C" {
		t.Fatalf("aggregate = %+v", vs)
	}
	if vs[1].Type != schema.ViolationProtocolDeviation {
		t.Errorf("type = %q", vs[1].Type)
	}
}

func TestSeverityOrdinal(t *testing.T) {
	order := []schema.Severity{schema.SeverityInfo, schema.SeverityMinor, schema.SeverityMajor, schema.SeverityCritical}
	for i := 1; i < len(order); i++ {
		if SeverityOrdinal(order[i-1]) >= SeverityOrdinal(order[i]) {
			t.Errorf("SeverityOrdinal(%q) >= SeverityOrdinal(%q): not strictly ascending", order[i-1], order[i])
		}
	}
	if got := SeverityOrdinal("UNKNOWN"); got != -1 {
		t.Errorf("SeverityOrdinal(UNKNOWN) = %d, want -1", got)
	}
}

func TestCountSeveritiesAndWorst(t *testing.T) {
	vs := []schema.Violation{
		{Severity: schema.SeverityCritical},
		{Severity: schema.SeverityMajor},
		{Severity: schema.SeverityMajor},
		{Severity: schema.SeverityInfo},
	}
	c := CountSeverities(vs)
	if c.Critical != 1 || c.Major != 2 || c.Minor != 0 || c.Info != 1 || c.Total() != 4 {
		t.Errorf("counts = %+v", c)
	}
	if w := Worst(vs); w != schema.SeverityCritical {
		t.Errorf("worst = %q", w)
	}
	if w := Worst(nil); w != "" {
		t.Errorf("worst of none = %q", w)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]schema.EvaluationResult{
		{Passed: true, Method: schema.MethodDeterministic},
		{Violated: true, Severity: schema.SeverityCritical, Method: schema.MethodLLMTools},
		{RequiresReview: true, Method: schema.MethodHybrid},
		{RequiresReview: true, Error: "boom", Method: schema.MethodError},
		{Passed: true, Method: schema.MethodSkipped},
	})
	if s.Total != 5 || s.Passed != 2 || s.Violated != 1 || s.RequiresReview != 2 || s.Errors != 1 {
		t.Errorf("summary = %+v", s)
	}
	if s.ByMethod[schema.MethodDeterministic] != 1 || s.Severities.Critical != 1 {
		t.Errorf("by method/severities = %v/%+v", s.ByMethod, s.Severities)
	}
}

func TestTransition(t *testing.T) {
	allowed := [][2]schema.ViolationStatus{
		{schema.ViolationOpen, schema.ViolationAcknowledged},
		{schema.ViolationOpen, schema.ViolationFalsePositive},
		{schema.ViolationAcknowledged, schema.ViolationInReview},
		{schema.ViolationInReview, schema.ViolationResolved},
		{schema.ViolationResolved, schema.ViolationOpen},
		{schema.ViolationFalsePositive, schema.ViolationOpen},
	}
	for _, p := range allowed {
		if err := Transition(p[0], p[1]); err != nil {
			t.Errorf("Transition(%s, %s) = %v", p[0], p[1], err)
		}
	}
	denied := [][2]schema.ViolationStatus{
		{schema.ViolationResolved, schema.ViolationInReview},
		{schema.ViolationInReview, schema.ViolationAcknowledged},
		{schema.ViolationOpen, schema.ViolationOpen},
		{"bogus", schema.ViolationOpen},
	}
	for _, p := range denied {
		err := Transition(p[0], p[1])
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Transition(%s, %s) = %v, want ErrInvalidTransition", p[0], p[1], err)
		}
	}
}
