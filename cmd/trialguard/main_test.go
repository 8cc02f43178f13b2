package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/trialguard/internal/batch"
	"github.com/dshills/trialguard/internal/engine"
	"github.com/dshills/trialguard/internal/llm"
	"github.com/dshills/trialguard/internal/schema"
	"github.com/dshills/trialguard/internal/storage"
)

const testRules = `
inclusion_criteria:
  - rule_id: INCL-001
    name: Adult subject
    description: Age 18 years or older at consent
    category: inclusion
    evaluation_type: deterministic
    severity: critical
    parameters:
      rule_type: inclusion
      field_name: age
      operator: ">="
      threshold: 18
    applicable_phases:
      screening: {check: true, action_if_violated: SCREEN_FAILURE}
exclusion_criteria:
  - rule_id: EXCL-001
    name: Prior checkpoint inhibitor
    description: Prior anti-PD-1 therapy
    category: exclusion
    evaluation_type: llm_with_tools
    severity: critical
    tools_needed: [check_conmeds]
    parameters:
      search_terms:
        drug_names: [pembrolizumab]
`

const testDataset = `{
  "subjects": [
    {"subject": {"subject_id": "S-ADULT", "fields": {"age": 44, "sex": "F", "site_id": "101"}}},
    {"subject": {"subject_id": "S-MINOR", "fields": {"age": 16, "sex": "M", "site_id": "101"}}}
  ]
}`

type env struct {
	dir     string
	db      string
	rules   string
	results string
}

// newEnv writes rule and dataset fixtures and points configuration at them.
func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		dir:     dir,
		db:      filepath.Join(dir, "trial.db"),
		rules:   filepath.Join(dir, "rules"),
		results: filepath.Join(dir, "results"),
	}
	if err := os.MkdirAll(e.rules, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(e.rules, "criteria.yaml"), testRules)
	writeFile(t, filepath.Join(dir, "dataset.json"), testDataset)

	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("TRIALGUARD_LLM_MODE", "mock")
	t.Setenv("TRIALGUARD_LOG_LEVEL", "error")
	t.Setenv("TRIALGUARD_TRACE_STDOUT", "false")
	t.Setenv("TRIALGUARD_RULES_DIR", e.rules)
	t.Setenv("TRIALGUARD_DB_PATH", e.db)
	t.Setenv("TRIALGUARD_RESULTS_DIR", e.results)

	if _, err := run(t, "seed", filepath.Join(dir, "dataset.json")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return e
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// cannedProvider answers every call with the same final text.
type cannedProvider struct {
	text  string
	calls int
}

func (p *cannedProvider) Chat(context.Context, llm.Request) (*llm.Response, error) {
	p.calls++
	return &llm.Response{Text: p.text, StopReason: llm.StopEndTurn, Usage: llm.Usage{InputTokens: 120, OutputTokens: 40}}, nil
}

func injectProvider(t *testing.T, p llm.Provider) {
	t.Helper()
	orig := llm.NewProvider
	llm.NewProvider = func(llm.ProviderConfig) (llm.Provider, error) { return p, nil }
	t.Cleanup(func() { llm.NewProvider = orig })
}

func TestEvaluateLiveProvider(t *testing.T) {
	newEnv(t)
	t.Setenv("TRIALGUARD_LLM_MODE", "live")
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	p := &cannedProvider{text: `{"violated": true, "confidence": "high", "evidence": ["Pembrolizumab 2024"], "reasoning": "Prior PD-1 exposure."}`}
	injectProvider(t, p)

	out, err := run(t, "evaluate", "EXCL-001", "S-ADULT")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls)
	}
	var res schema.EvaluationResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("parse output: %v\n%s", err, out)
	}
	if !res.Violated || res.Method != schema.MethodLLMTools {
		t.Errorf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Recommendation, "SCREEN FAILURE - ") {
		t.Errorf("recommendation = %q", res.Recommendation)
	}
}

func TestLiveModeRequiresKey(t *testing.T) {
	newEnv(t)
	t.Setenv("TRIALGUARD_LLM_MODE", "live")
	_, err := run(t, "evaluate", "EXCL-001", "S-ADULT")
	if code := exitCode(err); code != exitCodeBadInput {
		t.Errorf("exit = %d, want %d: %v", code, exitCodeBadInput, err)
	}
}

func TestEvaluateDeterministicViolation(t *testing.T) {
	newEnv(t)
	out, err := run(t, "evaluate", "INCL-001", "S-MINOR")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var res schema.EvaluationResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("parse output: %v\n%s", err, out)
	}
	if !res.Violated || res.Method != schema.MethodDeterministic {
		t.Errorf("result = %+v", res)
	}
	if res.Action() != "SCREEN_FAILURE" {
		t.Errorf("action = %q", res.Action())
	}
}

func TestEvaluateFailOn(t *testing.T) {
	newEnv(t)
	_, err := run(t, "evaluate", "INCL-001", "S-MINOR", "--fail-on", "major")
	if code := exitCode(err); code != exitCodeFailOn {
		t.Errorf("exit = %d, want %d: %v", code, exitCodeFailOn, err)
	}
	_, err = run(t, "evaluate", "INCL-001", "S-ADULT", "--fail-on", "info")
	if code := exitCode(err); code != exitCodeOK {
		t.Errorf("passing subject exit = %d: %v", code, err)
	}
}

func TestEvaluateBadInput(t *testing.T) {
	newEnv(t)
	for name, args := range map[string][]string{
		"unknown rule":   {"evaluate", "INCL-404", "S-ADULT"},
		"bad format":     {"evaluate", "INCL-001", "S-ADULT", "--format", "xml"},
		"bad fail-on":    {"evaluate", "INCL-001", "S-ADULT", "--fail-on", "severe"},
		"bad phase":      {"evaluate", "INCL-001", "S-ADULT", "--phase", "week-3"},
		"batch no scope": {"batch"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := run(t, args...)
			if code := exitCode(err); code != exitCodeBadInput {
				t.Errorf("exit = %d, want %d: %v", code, exitCodeBadInput, err)
			}
		})
	}
}

func TestSubjectMarkdown(t *testing.T) {
	newEnv(t)
	out, err := run(t, "subject", "S-ADULT", "--format", "md")
	if err != nil {
		t.Fatalf("subject: %v", err)
	}
	if !strings.Contains(out, "INCL-001") || !strings.Contains(out, "EXCL-001") {
		t.Errorf("markdown report missing rules:\n%s", out)
	}
}

func TestSubjectPersistAndOutFile(t *testing.T) {
	e := newEnv(t)
	outPath := filepath.Join(e.dir, "report.json")
	if _, err := run(t, "subject", "S-MINOR", "--category", "inclusion", "--persist", "--out", outPath); err != nil {
		t.Fatalf("subject: %v", err)
	}
	b, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	var rep engine.SubjectReport
	if err := json.Unmarshal(b, &rep); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if rep.TotalRulesExecuted != 1 || rep.ViolationsFound != 1 {
		t.Errorf("report = %+v", rep)
	}

	db, err := storage.Open(context.Background(), e.db, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	vs, err := db.ListViolations(context.Background(), storage.ViolationFilter{SubjectID: "S-MINOR"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 || vs[0].RuleID != "INCL-001" || vs[0].Type != schema.ViolationEligibility {
		t.Errorf("persisted = %+v", vs)
	}
}

func TestBatchAllSubjects(t *testing.T) {
	e := newEnv(t)
	out, err := run(t, "batch", "--all", "--rules", "INCL-001")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	var rec batch.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("parse record: %v\n%s", err, out)
	}
	if rec.Status != batch.StatusDone || rec.TotalSubjects != 2 || rec.TotalViolations != 1 {
		t.Errorf("record = %+v", rec)
	}
	if _, err := os.Stat(filepath.Join(e.results, rec.JobID+".json")); err != nil {
		t.Errorf("job record not persisted: %v", err)
	}

	db, err := storage.Open(context.Background(), e.db, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	vs, err := db.ListViolations(context.Background(), storage.ViolationFilter{JobID: rec.JobID})
	if err != nil {
		t.Fatal(err)
	}
	if len(vs) != 1 || vs[0].SubjectID != "S-MINOR" {
		t.Errorf("job violations = %+v", vs)
	}
}

func TestRulesCommands(t *testing.T) {
	e := newEnv(t)
	out, err := run(t, "rules", "list", "--category", "inclusion")
	if err != nil {
		t.Fatalf("rules list: %v", err)
	}
	if !strings.Contains(out, "| INCL-001 |") || strings.Contains(out, "EXCL-001") {
		t.Errorf("rules list:\n%s", out)
	}

	out, err = run(t, "rules", "show", "EXCL-001")
	if err != nil {
		t.Fatalf("rules show: %v", err)
	}
	if !strings.Contains(out, `"rule_id": "EXCL-001"`) {
		t.Errorf("rules show:\n%s", out)
	}

	out, err = run(t, "rules", "validate")
	if err != nil || !strings.Contains(out, "2 rules loaded") {
		t.Errorf("validate clean: %v\n%s", err, out)
	}

	writeFile(t, filepath.Join(e.rules, "broken.yaml"), "safety_rules:\n  - rule_id: SAF-X\n    category: nonsense\n")
	out, err = run(t, "rules", "validate")
	if code := exitCode(err); code != exitCodeBadInput || !strings.Contains(out, "ISSUE") {
		t.Errorf("validate broken: exit %d\n%s", code, out)
	}
}

func TestMigrateStatus(t *testing.T) {
	newEnv(t)
	out, err := run(t, "migrate", "--status")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "schema version 2 (dirty=false)") {
		t.Errorf("migrate output: %s", out)
	}
}
