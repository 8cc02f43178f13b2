package rules

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/dshills/trialguard/internal/schema"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const exclusionDoc = `
protocol:
  number: NVX-1218.22
  name: Test protocol
  indication: NSCLC
exclusion_criteria:
  - rule_id: EXCL-008
    name: QTcF prolongation
    description: QTcF > 470 msec
    category: exclusion
    complexity: simple
    evaluation_type: deterministic
    severity: critical
    parameters:
      test_name: QTcF
      operator: ">"
      threshold: 470
      timepoint: screening
    applicable_phases:
      screening: {check: true, action_if_violated: SCREEN_FAILURE}
  - rule_id: EXCL-001
    name: Prior checkpoint inhibitor
    description: Prior anti-PD-1 therapy
    category: Exclusion
    evaluation_type: llm_with_tools
    tools_needed: [check_conmeds]
    parameters:
      search_terms:
        drug_names: [pembrolizumab]
  - name: not a rule, no id
  - rule_id: EXCL-BAD
    name: Bad operator
    category: exclusion
    evaluation_type: deterministic
    parameters:
      field_name: age
      operator: "~="
      threshold: 3
`

func TestLoadSkipsInvalidEntries(t *testing.T) {
	fsys := fstest.MapFS{
		"exclusion.yaml": {Data: []byte(exclusionDoc)},
		"broken.yaml":    {Data: []byte("exclusion_criteria: [ {rule_id: X\n")},
		"notes.txt":      {Data: []byte("ignored")},
	}
	snap, err := Load(fsys, quiet)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d: %+v", snap.Len(), snap.All())
	}
	if _, ok := snap.Get("EXCL-BAD"); ok {
		t.Error("rule with invalid operator must be skipped")
	}
	issues := snap.Issues()
	if len(issues) != 2 {
		t.Fatalf("expected issues for broken.yaml and EXCL-BAD, got %v", issues)
	}
	if snap.Protocol().Number != "NVX-1218.22" {
		t.Errorf("protocol = %+v", snap.Protocol())
	}

	r, _ := snap.Get("EXCL-001")
	if r.Category != schema.CategoryExclusion || r.Strategy != schema.StrategyLLMTools {
		t.Errorf("EXCL-001 parsed as %q/%q", r.Category, r.Strategy)
	}
	if r.Severity != schema.SeverityMajor || r.Status != schema.RuleActive || r.Version != 1 {
		t.Errorf("defaults not applied: %+v", r)
	}
	if r.Source != "exclusion.yaml" {
		t.Errorf("source = %q", r.Source)
	}
	if _, ok := r.Check.(schema.NoCheck); !ok {
		t.Errorf("llm rules carry no check, got %T", r.Check)
	}
}

func TestLoadCompilesChecks(t *testing.T) {
	doc := `
rules:
  - rule_id: A-FIELD
    name: age
    category: inclusion
    evaluation_type: deterministic
    parameters: {field_name: age, operator: ">=", threshold: 18, rule_type: inclusion}
  - rule_id: B-WINDOW
    name: window
    category: protocol_visit
    evaluation_type: deterministic
    parameters: {check_type: visit-window, treatment_window_days: 2}
  - rule_id: C-AE
    name: sae
    category: safety_ae
    evaluation_type: deterministic
    parameters: {check_type: ae_grade}
  - rule_id: D-LAB
    name: qtcf
    category: exclusion
    evaluation_type: deterministic
    parameters: {test_name: QTcF, operator: ">", threshold: "470"}
  - rule_id: E-CEL
    name: cel
    category: exclusion
    evaluation_type: pattern_match
    parameters: {expression: "subject.age < 18"}
  - rule_id: F-NONE
    name: none
    category: data_quality
    evaluation_type: deterministic
`
	snap, err := Load(fstest.MapFS{"r.yml": {Data: []byte(doc)}}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Issues()) != 0 {
		t.Fatalf("unexpected issues: %v", snap.Issues())
	}
	want := map[string]schema.CheckKind{
		"A-FIELD":  schema.KindField,
		"B-WINDOW": schema.KindVisitWindow,
		"C-AE":     schema.KindAdverseEvent,
		"D-LAB":    schema.KindThreshold,
		"E-CEL":    schema.KindExpression,
		"F-NONE":   schema.KindNone,
	}
	for id, kind := range want {
		r, ok := snap.Get(id)
		if !ok {
			t.Errorf("%s not loaded", id)
			continue
		}
		if r.Check.Kind() != kind {
			t.Errorf("%s check kind = %q, want %q", id, r.Check.Kind(), kind)
		}
	}

	f, _ := snap.Get("A-FIELD")
	if fc := f.Check.(schema.FieldCheck); fc.Polarity != schema.PolarityInclusion {
		t.Errorf("rule_type inclusion not applied: %+v", fc)
	}
	ae, _ := snap.Get("C-AE")
	if c := ae.Check.(schema.AdverseEventCheck); c.MinGrade != 3 {
		t.Errorf("min_grade default = %d, want 3", c.MinGrade)
	}
	lab, _ := snap.Get("D-LAB")
	if c := lab.Check.(schema.ThresholdCheck); c.Threshold != 470 || c.Timepoint != schema.TimepointLatest {
		t.Errorf("threshold check = %+v", c)
	}

	cel, _ := snap.Get("E-CEL")
	pred := cel.Check.(schema.ExpressionCheck).Predicate
	got, err := pred.Eval(context.Background(), map[string]any{"age": int64(17)})
	if err != nil || !got {
		t.Errorf("subject.age < 18 with age 17 = %v, %v", got, err)
	}
	got, err = pred.Eval(context.Background(), map[string]any{"age": 40.0})
	if err != nil || got {
		t.Errorf("subject.age < 18 with age 40.0 = %v, %v", got, err)
	}
}

func TestCompileExpressionRejectsBadInput(t *testing.T) {
	for _, expr := range []string{"subject.age <", "'text'", "unknown_var > 1"} {
		if _, err := compileExpression(expr); err == nil {
			t.Errorf("compileExpression(%q) should fail", expr)
		}
	}
}

func TestDuplicateRuleFirstWins(t *testing.T) {
	one := "a:\n  - {rule_id: R1, name: first, category: exclusion, evaluation_type: llm}\n"
	two := "b:\n  - {rule_id: R1, name: second, category: exclusion, evaluation_type: llm}\n"
	snap, err := Load(fstest.MapFS{"1.yaml": {Data: []byte(one)}, "2.yaml": {Data: []byte(two)}}, quiet)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := snap.Get("R1")
	if r.Name != "first" {
		t.Errorf("duplicate resolution kept %q, want first", r.Name)
	}
	if len(snap.Issues()) != 1 || !strings.Contains(snap.Issues()[0].Err, "duplicate") {
		t.Errorf("issues = %v", snap.Issues())
	}
}

func TestRegistryReloadIsAtomic(t *testing.T) {
	fsys := fstest.MapFS{"a.yaml": {Data: []byte("a:\n  - {rule_id: R1, name: one, category: exclusion, evaluation_type: llm}\n")}}
	reg, err := NewRegistry(fsys, quiet)
	if err != nil {
		t.Fatal(err)
	}
	old := reg.Snapshot()

	fsys["b.yaml"] = &fstest.MapFile{Data: []byte("b:\n  - {rule_id: R2, name: two, category: safety-ae, evaluation_type: llm}\n")}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := reg.Snapshot().Len()
			if n != 1 && n != 2 {
				t.Errorf("observed partial snapshot with %d rules", n)
			}
		}()
	}
	if _, err := reg.Reload(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if old.Len() != 1 {
		t.Error("previously fetched snapshot must not change")
	}
	if _, ok := reg.Get("R2"); !ok {
		t.Error("reload did not pick up the new document")
	}
	if got := len(reg.Snapshot().ByCategory()[schema.CategorySafetyAE]); got != 1 {
		t.Errorf("ByCategory safety_ae = %d", got)
	}
}

func TestShippedRuleConfigsLoad(t *testing.T) {
	snap, err := Load(os.DirFS("../../rule_configs"), quiet)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Issues()) != 0 {
		t.Fatalf("shipped rule configs have issues: %v", snap.Issues())
	}
	for _, id := range []string{"EXCL-001", "EXCL-008", "INCL-001", "DEV-001", "SAF-002"} {
		if _, ok := snap.Get(id); !ok {
			t.Errorf("%s missing from shipped configs", id)
		}
	}
}
