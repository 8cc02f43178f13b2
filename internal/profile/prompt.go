package profile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/schema"
)

// Summary limits for the subject data block.
const (
	maxSummaryLines = 10
	maxTumorLines   = 5
)

// SystemPrompt assembles the reasoning-model system prompt for prof.
func SystemPrompt(prof Profile) string {
	var sb strings.Builder

	sb.WriteString("You are a clinical trial protocol expert evaluating one protocol criterion " +
		"for one subject.\n\n")

	sb.WriteString("Use the available tools to gather ALL relevant evidence before deciding. " +
		"Tools are already scoped to the subject under evaluation. " +
		"Cite only facts returned by the tools or shown in the subject summary; never invent data. " +
		"If required data is unavailable, list it under missing_data and set requires_review.\n\n")

	sb.WriteString("Account for the study phase. At SCREENING a violation is a SCREEN FAILURE. " +
		"After randomization a condition that was missed at baseline is a PROTOCOL DEVIATION " +
		"and a new development is a SAFETY SIGNAL.\n\n")

	if prof.SystemPromptAddendum != "" {
		sb.WriteString(prof.SystemPromptAddendum)
		sb.WriteString("\n\n")
	}
	if prof.ViolationMeaning != "" {
		fmt.Fprintf(&sb, "Set \"violated\" to true when %s.\n\n", prof.ViolationMeaning)
	}

	sb.WriteString(outputSchema)
	return sb.String()
}

// outputSchema is the JSON shape shown to the model.
const outputSchema = `When you have finished gathering evidence, answer with ONLY this JSON object:
{
  "violated": true,
  "confidence": "high|medium|low",
  "evidence": ["Evidence item 1", "Evidence item 2"],
  "reasoning": "Step-by-step explanation of the decision",
  "tools_used": ["tool1"],
  "missing_data": [],
  "action_required": "SCREEN_FAILURE|PROTOCOL_DEVIATION|SAFETY_SIGNAL|null",
  "recommendation": "Recommendation for the CRA or physician",
  "requires_review": false
}
`

// Context is everything the user prompt describes.
type Context struct {
	Protocol    schema.Protocol
	Rule        schema.Rule
	Subject     *clinical.Subject
	Phase       schema.Phase
	Visit       *schema.VisitContext
	History     []string
	Medications []string
	Tumors      []clinical.TumorAssessment
}

// UserPrompt renders the evaluation request for one rule and subject.
func UserPrompt(c Context) string {
	var sb strings.Builder
	r := c.Rule

	fmt.Fprintf(&sb, "TASK:\nDetermine whether subject %s violates criterion %s.\n\n", c.Subject.ID, r.ID)

	sb.WriteString("PROTOCOL CONTEXT:\n")
	fmt.Fprintf(&sb, "Protocol: %s - %s\n", orDefault(c.Protocol.Number, "Not specified"), orDefault(c.Protocol.Name, "Not specified"))
	if c.Protocol.Indication != "" {
		fmt.Fprintf(&sb, "Indication: %s\n", c.Protocol.Indication)
	}
	fmt.Fprintf(&sb, "Criterion ID: %s (%s)\n", r.ID, r.Category)
	fmt.Fprintf(&sb, "Name: %s\n", r.Name)
	fmt.Fprintf(&sb, "Description: %q\n", r.Description)
	fmt.Fprintf(&sb, "Protocol Reference: %s\n", orDefault(r.ProtocolSection, "Not specified"))
	fmt.Fprintf(&sb, "Current Study Phase: %s\n\n", c.Phase)

	fmt.Fprintf(&sb, "DOMAIN KNOWLEDGE:\n%s\n\n", orDefault(r.DomainKnowledge, "See protocol"))

	sb.WriteString("EVALUATION CRITERIA:\n")
	if crit, ok := r.Parameters["evaluation_criteria"].(string); ok && strings.TrimSpace(crit) != "" {
		sb.WriteString(strings.TrimSpace(crit))
		sb.WriteString("\n\n")
	} else {
		sb.WriteString("Search for the following in patient data:\n")
		sb.WriteString(searchHints(r))
		sb.WriteString("\n\n")
	}

	sb.WriteString("SUBJECT DATA SUMMARY:\n")
	fmt.Fprintf(&sb, "Subject ID: %s\n", c.Subject.ID)
	fmt.Fprintf(&sb, "Age: %s, Sex: %s\n", c.Subject.Text("age", "Unknown"), c.Subject.Text("sex", "Unknown"))
	fmt.Fprintf(&sb, "Primary Diagnosis: %s\n", c.Subject.Text("primary_diagnosis", "Unknown"))
	fmt.Fprintf(&sb, "Study Status: %s\n\n", c.Subject.Text("study_status", "Unknown"))
	fmt.Fprintf(&sb, "Recent Medical History:\n%s\n\n", lines(c.History, maxSummaryLines, "None documented"))
	fmt.Fprintf(&sb, "Current Medications:\n%s\n\n", lines(c.Medications, maxSummaryLines, "None documented"))

	sb.WriteString("VISIT CONTEXT:\n")
	if c.Visit != nil {
		fmt.Fprintf(&sb, "Visit: %s (#%d)", c.Visit.VisitName, c.Visit.VisitNumber)
		if c.Visit.ActualDate != "" {
			fmt.Fprintf(&sb, " on %s", c.Visit.ActualDate)
		}
		sb.WriteString("\n")
	} else {
		fmt.Fprintf(&sb, "Study phase: %s\n", c.Phase)
	}
	fmt.Fprintf(&sb, "Tumor Assessments:\n%s\n\n", tumorSummary(c.Tumors))

	if len(r.ToolsNeeded) > 0 {
		fmt.Fprintf(&sb, "Suggested tools: %s\n\n", strings.Join(r.ToolsNeeded, ", "))
	}
	sb.WriteString("Gather the evidence, then produce the JSON answer.")
	return sb.String()
}

// searchHints lists parameters.search_terms, one key per line in key order.
func searchHints(r schema.Rule) string {
	terms, _ := r.Parameters["search_terms"].(map[string]any)
	keys := make([]string, 0, len(terms))
	for k := range terms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		if vals := schema.StringList(terms[k]); len(vals) > 0 {
			out = append(out, fmt.Sprintf("%s: %s", k, strings.Join(vals, ", ")))
		}
	}
	if len(out) == 0 {
		return "See domain knowledge above"
	}
	return strings.Join(out, "\n")
}

func tumorSummary(ts []clinical.TumorAssessment) string {
	if len(ts) == 0 {
		return "No tumor assessments on record"
	}
	if len(ts) > maxTumorLines {
		ts = ts[len(ts)-maxTumorLines:]
	}
	out := make([]string, len(ts))
	for i, a := range ts {
		out[i] = fmt.Sprintf("%s: %s (new_lesions=%t, progression=%t)", a.Date, orDefault(a.OverallResponse, "NE"), a.NewLesions, a.Progression)
	}
	return strings.Join(out, "\n")
}

func lines(items []string, limit int, empty string) string {
	if len(items) == 0 {
		return empty
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return strings.Join(items, "\n")
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
