package llmeval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/llm"
	"github.com/dshills/trialguard/internal/schema"
)

// Tool names offered to the model.
const (
	ToolCheckMedicalHistory  = "check_medical_history"
	ToolCheckConmeds         = "check_conmeds"
	ToolCheckLabThreshold    = "check_lab_threshold"
	ToolGetLabs              = "get_labs"
	ToolGetAdverseEvents     = "get_adverse_events"
	ToolGetEcgResults        = "get_ecg_results"
	ToolGetTumorAssessments  = "get_tumor_assessments"
	ToolGetVisits            = "get_visits"
	ToolCheckVisitWindows    = "check_visit_windows"
	toolCheckLabsLegacyAlias = "check_labs"
)

// ToolSpecs returns the tool catalogue. Every tool reads the subject under
// evaluation; none takes a subject id.
func ToolSpecs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        ToolCheckMedicalHistory,
			Description: "Search the subject's medical history for conditions, diagnoses, or treatments",
			Params: []llm.Param{
				{Name: "search_terms", Type: "array", Description: "Conditions, diagnoses, or treatments to search for", Required: true},
				{Name: "status_filter", Type: "string", Enum: []string{"ongoing", "resolved", "any"}, Description: "Filter by condition status"},
			},
		},
		{
			Name:        ToolCheckConmeds,
			Description: "Check the subject's ongoing concomitant medications",
			Params: []llm.Param{
				{Name: "medication_names", Type: "array", Description: "Medication names to search for"},
				{Name: "medication_classes", Type: "array", Description: "Medication classes to search for"},
			},
		},
		{
			Name:        ToolCheckLabThreshold,
			Description: "Check whether a laboratory or ECG value meets a threshold criterion",
			Params: []llm.Param{
				{Name: "test_name", Type: "string", Required: true},
				{Name: "operator", Type: "string", Enum: []string{">=", ">", "<=", "<", "=="}, Required: true},
				{Name: "threshold", Type: "number", Required: true},
				{Name: "timepoint", Type: "string", Enum: []string{"latest", "screening", "baseline"}},
			},
		},
		{
			Name:        ToolGetLabs,
			Description: "Get laboratory results, optionally filtered by test names",
			Params: []llm.Param{
				{Name: "test_names", Type: "array", Description: "Lab test names to retrieve (e.g. ['ALT', 'AST', 'Creatinine'])"},
				{Name: "timeframe_days", Type: "integer", Description: "Look back this many days for results"},
			},
		},
		{
			Name:        ToolGetAdverseEvents,
			Description: "Get adverse events, optionally filtered by seriousness or ongoing status",
			Params: []llm.Param{
				{Name: "seriousness", Type: "string", Enum: []string{"Yes", "No"}, Description: "'Yes' for SAEs, 'No' for non-serious AEs"},
				{Name: "ongoing", Type: "boolean", Description: "If true, return only ongoing AEs; if false, only resolved AEs"},
			},
		},
		{
			Name:        ToolGetEcgResults,
			Description: "Get ECG results including QTc and QTcF intervals",
		},
		{
			Name:        ToolGetTumorAssessments,
			Description: "Get tumor assessment results, including RECIST responses, new lesions, and progression status",
		},
		{
			Name:        ToolGetVisits,
			Description: "Get all study visits with scheduled and actual dates",
		},
		{
			Name:        ToolCheckVisitWindows,
			Description: "Check completed visits against the protocol visit windows",
			Params: []llm.Param{
				{Name: "treatment_window_days", Type: "integer", Description: "Allowed deviation for on-treatment visits (default 3)"},
				{Name: "follow_up_window_days", Type: "integer", Description: "Allowed deviation for the follow-up visit (default 7)"},
			},
		},
	}
}

// toolbox executes tool calls against the data access layer for one
// subject.
type toolbox struct {
	data      clinical.Access
	subjectID string
}

// args is a decoded tool input with lenient accessors.
type args map[string]any

func (a args) strings(key string) []string { return schema.StringList(a[key]) }

func (a args) str(key string) string {
	s, _ := a[key].(string)
	return s
}

func (a args) num(key string) (float64, bool) { return schema.ToFloat(a[key]) }

func (a args) integer(key string) int {
	f, _ := schema.ToFloat(a[key])
	return int(f)
}

func (a args) boolPtr(key string) *bool {
	b, ok := a[key].(bool)
	if !ok {
		return nil
	}
	return &b
}

// run executes one call and returns the JSON payload for the model.
func (tb toolbox) run(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	res := llm.ToolResult{CallID: call.ID, Name: call.Name}
	out, err := tb.dispatch(ctx, call)
	if err != nil {
		res.IsError = true
		out = map[string]string{"error": err.Error()}
	}
	b, err := json.Marshal(out)
	if err != nil {
		res.IsError = true
		b, _ = json.Marshal(map[string]string{"error": "encode tool result: " + err.Error()})
	}
	res.Content = string(b)
	return res
}

func (tb toolbox) dispatch(ctx context.Context, call llm.ToolCall) (any, error) {
	a := args{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &a); err != nil {
			return nil, fmt.Errorf("invalid tool input: %w", err)
		}
	}
	id := tb.subjectID
	switch call.Name {
	case ToolCheckMedicalHistory:
		status := clinical.StatusFilter(a.str("status_filter"))
		if status == "" {
			status = clinical.StatusAny
		}
		return tb.data.CheckMedicalHistory(ctx, id, a.strings("search_terms"), status)
	case ToolCheckConmeds:
		return tb.data.CheckConmeds(ctx, id, a.strings("medication_names"), a.strings("medication_classes"))
	case ToolCheckLabThreshold:
		op, err := schema.ParseOperator(a.str("operator"))
		if err != nil {
			return nil, err
		}
		threshold, ok := a.num("threshold")
		if !ok {
			return nil, fmt.Errorf("threshold must be a number")
		}
		tp, err := schema.ParseTimepoint(a.str("timepoint"))
		if err != nil {
			return nil, err
		}
		if a.str("test_name") == "" {
			return nil, fmt.Errorf("test_name is required")
		}
		return tb.data.CheckLabThreshold(ctx, id, a.str("test_name"), op, threshold, tp)
	case ToolGetLabs, toolCheckLabsLegacyAlias:
		return tb.data.GetLabs(ctx, id, a.strings("test_names"), a.integer("timeframe_days"))
	case ToolGetAdverseEvents:
		return tb.data.GetAdverseEvents(ctx, id, clinical.AEFilter{Seriousness: a.str("seriousness"), Ongoing: a.boolPtr("ongoing")})
	case ToolGetEcgResults:
		return tb.data.GetEcgResults(ctx, id)
	case ToolGetTumorAssessments:
		return tb.data.GetTumorAssessments(ctx, id)
	case ToolGetVisits:
		return tb.data.GetVisits(ctx, id)
	case ToolCheckVisitWindows:
		return tb.data.CheckVisitWindows(ctx, id, clinical.WindowPolicy{
			TreatmentDays: a.integer("treatment_window_days"),
			FollowUpDays:  a.integer("follow_up_window_days"),
		})
	}
	return nil, fmt.Errorf("unknown tool: %s", call.Name)
}
