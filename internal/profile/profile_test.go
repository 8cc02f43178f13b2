package profile

import (
	"strings"
	"testing"

	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/schema"
)

func TestLoad_AllBuiltins(t *testing.T) {
	for _, name := range Names() {
		p, err := Load(name)
		if err != nil {
			t.Errorf("Load(%q) error: %v", name, err)
			continue
		}
		if p.Name != name {
			t.Errorf("Load(%q).Name = %q, want %q", name, p.Name, name)
		}
		if p.SystemPromptAddendum == "" {
			t.Errorf("Load(%q).SystemPromptAddendum is empty", name)
		}
		if p.Description == "" {
			t.Errorf("Load(%q).Description is empty", name)
		}
	}
}

func TestLoad_Unknown(t *testing.T) {
	_, err := Load("nonexistent")
	if err == nil {
		t.Fatal("Load(\"nonexistent\") expected error, got nil")
	}
}

func TestForCategory(t *testing.T) {
	cases := []struct {
		category schema.Category
		want     string
	}{
		{schema.CategoryExclusion, "exclusion"},
		{schema.CategoryInclusion, "inclusion"},
		{schema.CategorySafetyAE, "safety"},
		{schema.CategorySafetyLab, "safety"},
		{schema.CategoryProtocolVisit, "protocol"},
		{schema.CategoryEfficacy, "efficacy"},
		{schema.CategoryDataQuality, "data-quality"},
	}
	for _, c := range cases {
		if got := ForCategory(c.category).Name; got != c.want {
			t.Errorf("ForCategory(%q) = %q, want %q", c.category, got, c.want)
		}
	}
}

func TestSystemPromptIncludesAddendumAndSchema(t *testing.T) {
	p := SystemPrompt(ForCategory(schema.CategoryInclusion))
	for _, want := range []string{"INCLUSION criterion", "does NOT meet the inclusion criterion", `"violated"`, `"missing_data"`} {
		if !strings.Contains(p, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestUserPrompt(t *testing.T) {
	subject := &clinical.Subject{ID: "101-004", Fields: map[string]any{"age": 58.0, "sex": "F"}}
	var tumors []clinical.TumorAssessment
	for _, d := range []string{"2025-01-01", "2025-02-01", "2025-03-01", "2025-04-01", "2025-05-01", "2025-06-01"} {
		tumors = append(tumors, clinical.TumorAssessment{Date: d, OverallResponse: "SD"})
	}
	tumors[5].OverallResponse = "PD"
	tumors[5].Progression = true

	rule := schema.Rule{
		ID:          "EXCL-001",
		Name:        "Prior checkpoint inhibitor",
		Description: "Prior anti-PD-1 therapy",
		Category:    schema.CategoryExclusion,
		Parameters: map[string]any{"search_terms": map[string]any{
			"drug_names":   []any{"pembrolizumab", "nivolumab"},
			"drug_classes": []any{"PD-1 inhibitor"},
		}},
		ToolsNeeded: []string{"check_conmeds"},
	}
	got := UserPrompt(Context{
		Protocol:    schema.Protocol{Number: "NVX-1218.22", Name: "NovaPlex-450 in Advanced NSCLC"},
		Rule:        rule,
		Subject:     subject,
		Phase:       schema.PhaseScreening,
		Medications: []string{"Pembrolizumab 200 mg Q3W (started 2024-11-01, ONGOING (no end date), indication: NSCLC)"},
		Tumors:      tumors,
	})

	for _, want := range []string{
		"Protocol: NVX-1218.22 - NovaPlex-450 in Advanced NSCLC",
		"drug_classes: PD-1 inhibitor\ndrug_names: pembrolizumab, nivolumab",
		"Age: 58, Sex: F",
		"Recent Medical History:\nNone documented",
		"Pembrolizumab 200 mg Q3W",
		"2025-06-01: PD (new_lesions=false, progression=true)",
		"Current Study Phase: screening",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("user prompt missing %q\n---\n%s", want, got)
		}
	}
	if strings.Contains(got, "2025-01-01") {
		t.Error("only the last five tumor assessments are summarized")
	}
}
