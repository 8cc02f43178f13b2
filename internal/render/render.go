// Package render produces CLI output for evaluation results, subject
// reports, batch jobs and rule listings.
package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dshills/trialguard/internal/batch"
	"github.com/dshills/trialguard/internal/engine"
	"github.com/dshills/trialguard/internal/schema"
	"github.com/dshills/trialguard/internal/usage"
	"github.com/dshills/trialguard/internal/verdict"
)

// Formats accepted by --format.
const (
	FormatJSON     = "json"
	FormatMarkdown = "md"
)

// JSON produces a pretty-printed JSON representation of v.
func JSON(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("render: nil value")
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render: json marshal: %w", err)
	}
	return b, nil
}

// Result renders one evaluation result as Markdown.
func Result(res schema.EvaluationResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s / %s\n\n", res.RuleID, res.SubjectID)
	fmt.Fprintf(&sb, "**Outcome:** %s  \n", outcome(res))
	fmt.Fprintf(&sb, "**Method:** %s | **Confidence:** %s | **Time:** %d ms\n\n", res.Method, res.Confidence, res.ExecutionTimeMs)
	if res.Reasoning != "" {
		fmt.Fprintf(&sb, "**Reasoning:** %s\n\n", mdEscape(res.Reasoning))
	}
	writeList(&sb, "Evidence", res.Evidence)
	writeList(&sb, "Missing data", res.MissingData)
	if len(res.ToolsUsed) > 0 {
		fmt.Fprintf(&sb, "**Tools used:** `%s`\n\n", strings.Join(res.ToolsUsed, "`, `"))
	}
	if a := res.Action(); a != "" {
		fmt.Fprintf(&sb, "**Action required:** %s\n\n", a)
	}
	if res.Recommendation != "" {
		fmt.Fprintf(&sb, "**Recommendation:** %s\n\n", mdEscape(res.Recommendation))
	}
	if res.Error != "" {
		fmt.Fprintf(&sb, "**Error:** %s\n\n", mdEscape(res.Error))
	}
	return sb.String()
}

func outcome(res schema.EvaluationResult) string {
	var s string
	switch {
	case res.Violated:
		s = fmt.Sprintf("VIOLATED [%s]", res.Severity)
	case res.Passed:
		s = "PASSED"
	default:
		s = "UNDETERMINED"
	}
	if res.RequiresReview {
		s += " (requires review)"
	}
	return s
}

// Subject renders a subject report: a results table followed by the
// violations in detail.
func Subject(rep engine.SubjectReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Subject %s\n\n", rep.SubjectID)
	fmt.Fprintf(&sb, "**Rules executed:** %d | **Violations:** %d | **Requires review:** %d\n\n",
		rep.TotalRulesExecuted, rep.ViolationsFound, rep.Summary.RequiresReview)
	writeResultTable(&sb, rep.Results)
	writeViolations(&sb, rep.Violations)
	return sb.String()
}

// Job renders a batch job record.
func Job(rec batch.Record) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Batch %s\n\n", rec.JobID)
	fmt.Fprintf(&sb, "**Status:** %s  \n", rec.Status)
	fmt.Fprintf(&sb, "**Subjects:** %d/%d (%.1f%%)  \n", rec.CompletedSubjects, rec.TotalSubjects, rec.ProgressPct)
	counts := verdict.CountSeverities(rec.AllViolations)
	fmt.Fprintf(&sb, "**Violations:** %d | **Critical:** %d | **Major:** %d | **Minor:** %d | **Info:** %d\n\n",
		rec.TotalViolations, counts.Critical, counts.Major, counts.Minor, counts.Info)
	if rec.Error != "" {
		fmt.Fprintf(&sb, "**Error:** %s\n\n", mdEscape(rec.Error))
	}
	if rec.Usage != nil {
		sb.WriteString(Usage(*rec.Usage))
	}
	if len(rec.Results) > 0 {
		sb.WriteString("| Subject | Rules | Violations | Error |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, sr := range rec.Results {
			fmt.Fprintf(&sb, "| %s | %d | %d | %s |\n", sr.SubjectID, len(sr.Results), sr.ViolationsFound, mdEscape(sr.Error))
		}
		sb.WriteString("\n")
	}
	writeViolations(&sb, rec.AllViolations)
	return sb.String()
}

// Usage renders a usage snapshot.
func Usage(s usage.Snapshot) string {
	return fmt.Sprintf("**LLM usage:** %d calls, %d evaluations, %d input + %d output tokens, est. %s\n\n",
		s.APICalls, s.Evaluations, s.InputTokens, s.OutputTokens, s.EstimatedCostDisplay)
}

// Rules renders a rule listing.
func Rules(rules []schema.Rule) string {
	var sb strings.Builder
	sb.WriteString("| ID | Category | Strategy | Check | Severity | Status | Name |\n")
	sb.WriteString("|---|---|---|---|---|---|---|\n")
	for _, r := range rules {
		kind := schema.KindNone
		if r.Check != nil {
			kind = r.Check.Kind()
		}
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s | %s | %s |\n",
			r.ID, r.Category, r.Strategy, kind, r.Severity, r.Status, mdEscape(r.Name))
	}
	return sb.String()
}

func writeResultTable(sb *strings.Builder, results []schema.EvaluationResult) {
	if len(results) == 0 {
		return
	}
	sb.WriteString("| Rule | Outcome | Method | Confidence |\n")
	sb.WriteString("|---|---|---|---|\n")
	for _, r := range results {
		fmt.Fprintf(sb, "| %s | %s | %s | %s |\n", r.RuleID, outcome(r), r.Method, r.Confidence)
	}
	sb.WriteString("\n")
}

func writeViolations(sb *strings.Builder, vs []schema.Violation) {
	if len(vs) == 0 {
		return
	}
	sb.WriteString("## Violations\n\n")
	for _, v := range vs {
		fmt.Fprintf(sb, "<details>\n<summary><strong>%s</strong> %s [%s] %s</summary>\n\n",
			v.RuleID, v.SubjectID, v.Severity, mdEscape(v.Description))
		writeList(sb, "Evidence", v.Evidence)
		if v.ActionRequired != nil {
			fmt.Fprintf(sb, "**Action required:** %s\n\n", *v.ActionRequired)
		}
		if v.Recommendation != "" {
			fmt.Fprintf(sb, "**Recommendation:** %s\n\n", mdEscape(v.Recommendation))
		}
		fmt.Fprintf(sb, "**Type:** %s | **Status:** %s\n\n", v.Type, v.Status)
		sb.WriteString("</details>\n\n")
	}
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "**%s:**\n\n", title)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", mdEscape(it))
	}
	sb.WriteString("\n")
}

// mdEscape replaces characters that would break Markdown table cells.
func mdEscape(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}
