// Package clinical defines the read-only data access contract consumed by
// the evaluators, the clinical record types it returns, and the Toolkit that
// implements the contract on top of a record Source.
package clinical

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dshills/trialguard/internal/schema"
)

// ErrSubjectNotFound is returned by Source.Subject for unknown subject ids.
var ErrSubjectNotFound = errors.New("clinical: subject not found")

// Subject is a subject row joined with its demographics. Fields holds every
// column by name so field checks can address any of them.
type Subject struct {
	ID     string         `json:"subject_id"`
	Fields map[string]any `json:"fields"`
}

// Field returns the named field. Empty strings count as absent.
func (s *Subject) Field(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	if name == "subject_id" {
		return s.ID, true
	}
	v, ok := s.Fields[name]
	if !ok || v == nil {
		return nil, false
	}
	if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
		return nil, false
	}
	return v, true
}

// Text returns the named field formatted as a string, or def when absent.
func (s *Subject) Text(name, def string) string {
	v, ok := s.Field(name)
	if !ok {
		return def
	}
	return schema.FormatValue(v)
}

// RandomizationDate returns the randomization date or "".
func (s *Subject) RandomizationDate() string { return s.Text("randomization_date", "") }

// MedicalHistoryEntry is one medical history condition.
type MedicalHistoryEntry struct {
	Condition      string `json:"condition"`
	DiagnosisDate  string `json:"diagnosis_date,omitempty"`
	Ongoing        bool   `json:"ongoing"`
	ResolutionDate string `json:"resolution_date,omitempty"`
	Category       string `json:"condition_category,omitempty"`
	Notes          string `json:"condition_notes,omitempty"`
}

// Medication is one concomitant medication.
type Medication struct {
	Name       string `json:"medication_name"`
	Dose       string `json:"dose,omitempty"`
	DoseUnit   string `json:"dose_unit,omitempty"`
	Frequency  string `json:"frequency,omitempty"`
	Route      string `json:"route,omitempty"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date,omitempty"`
	Ongoing    bool   `json:"ongoing"`
	Class      string `json:"medication_class,omitempty"`
	Indication string `json:"indication,omitempty"`
}

// LabResult is one laboratory measurement.
type LabResult struct {
	TestName              string   `json:"test_name"`
	Category              string   `json:"lab_category,omitempty"`
	Value                 *float64 `json:"test_value"`
	Unit                  string   `json:"test_unit,omitempty"`
	CollectionDate        string   `json:"collection_date"`
	NormalLower           *float64 `json:"normal_range_lower,omitempty"`
	NormalUpper           *float64 `json:"normal_range_upper,omitempty"`
	AbnormalFlag          string   `json:"abnormal_flag,omitempty"`
	ClinicallySignificant bool     `json:"clinically_significant"`
}

// AdverseEvent is one reported adverse event.
type AdverseEvent struct {
	ID                 int64  `json:"ae_id,omitempty"`
	Term               string `json:"ae_term"`
	PreferredTerm      string `json:"meddra_preferred_term,omitempty"`
	OnsetDate          string `json:"onset_date"`
	ResolutionDate     string `json:"resolution_date,omitempty"`
	Ongoing            bool   `json:"ongoing"`
	Severity           string `json:"severity,omitempty"`
	Grade              int    `json:"ctcae_grade"`
	Seriousness        string `json:"seriousness"`
	SeriousCriteria    string `json:"serious_criteria,omitempty"`
	RelationshipToDrug string `json:"relationship_to_study_drug,omitempty"`
	ActionTaken        string `json:"action_taken,omitempty"`
	Outcome            string `json:"outcome,omitempty"`
}

// Serious reports whether the event is flagged as an SAE.
func (a AdverseEvent) Serious() bool { return strings.EqualFold(a.Seriousness, "yes") }

// EcgResult is one ECG reading; intervals are in msec.
type EcgResult struct {
	Date           string `json:"ecg_date"`
	HeartRate      *int   `json:"heart_rate,omitempty"`
	PRInterval     *int   `json:"pr_interval,omitempty"`
	QRSDuration    *int   `json:"qrs_duration,omitempty"`
	QTInterval     *int   `json:"qt_interval,omitempty"`
	QTcInterval    *int   `json:"qtc_interval,omitempty"`
	QTcFInterval   *int   `json:"qtcf_interval,omitempty"`
	Interpretation string `json:"interpretation,omitempty"`
	Abnormal       bool   `json:"abnormal"`
}

// TumorAssessment is one RECIST assessment.
type TumorAssessment struct {
	Date            string   `json:"assessment_date"`
	Method          string   `json:"assessment_method,omitempty"`
	OverallResponse string   `json:"overall_response,omitempty"`
	TargetLesionSum *float64 `json:"target_lesion_sum,omitempty"`
	NewLesions      bool     `json:"new_lesions"`
	Progression     bool     `json:"progression"`
	Notes           string   `json:"assessment_notes,omitempty"`
}

// Visit is one scheduled study visit.
type Visit struct {
	ID            int64  `json:"visit_id,omitempty"`
	Number        int    `json:"visit_number"`
	Name          string `json:"visit_name"`
	ScheduledDate string `json:"scheduled_date"`
	ActualDate    string `json:"actual_date,omitempty"`
	Status        string `json:"visit_status,omitempty"`
	Type          string `json:"visit_type,omitempty"`
	Completed     bool   `json:"visit_completed"`
	Missed        bool   `json:"missed_visit"`
}

// StatusFilter restricts medical history searches.
type StatusFilter string

const (
	StatusAny      StatusFilter = "any"
	StatusOngoing  StatusFilter = "ongoing"
	StatusResolved StatusFilter = "resolved"
)

// AEFilter restricts adverse event queries. Zero values match everything.
type AEFilter struct {
	Seriousness string
	Ongoing     *bool
}

// LabQuery restricts lab queries. Zero values match everything.
type LabQuery struct {
	TestNames []string
	Since     time.Time
}

// HistoryResult is returned by CheckMedicalHistory.
type HistoryResult struct {
	Found       bool                  `json:"found"`
	Matches     []MedicalHistoryEntry `json:"matches"`
	Evidence    []string              `json:"evidence"`
	SearchTerms []string              `json:"search_terms"`
}

// ConmedResult is returned by CheckConmeds.
type ConmedResult struct {
	Found       bool         `json:"found"`
	Medications []Medication `json:"medications"`
	Evidence    []string     `json:"evidence"`
}

// ThresholdResult is returned by CheckLabThreshold. MeetsCriterion and
// ActualValue are nil when MissingData is set.
type ThresholdResult struct {
	MeetsCriterion *bool           `json:"meets_criterion"`
	ActualValue    *float64        `json:"actual_value"`
	Threshold      float64         `json:"threshold"`
	Operator       schema.Operator `json:"operator"`
	Unit           string          `json:"unit,omitempty"`
	TestDate       string          `json:"test_date,omitempty"`
	Source         string          `json:"source,omitempty"`
	Interpretation string          `json:"interpretation,omitempty"`
	Evidence       string          `json:"evidence"`
	MissingData    bool            `json:"missing_data"`
}

// Meets reports the comparison outcome, false when data is missing.
func (r ThresholdResult) Meets() bool { return r.MeetsCriterion != nil && *r.MeetsCriterion }

// WindowDeviation describes one visit outside its protocol window.
type WindowDeviation struct {
	VisitName     string `json:"visit_name"`
	VisitNumber   int    `json:"visit_number"`
	ScheduledDate string `json:"scheduled_date"`
	ActualDate    string `json:"actual_date"`
	DaysOff       int    `json:"days_off"`
	WindowDays    int    `json:"window_days"`
	DaysOutside   int    `json:"days_outside_window"`
	Description   string `json:"description"`
}

// WindowResult is returned by CheckVisitWindows.
type WindowResult struct {
	OutOfWindow     []WindowDeviation `json:"out_of_window"`
	TotalChecked    int               `json:"total_visits_checked"`
	AllWithinWindow bool              `json:"all_within_window"`
}

// Source is the record-level read interface a clinical data store provides.
// List methods return records in the documented order.
type Source interface {
	Subject(ctx context.Context, subjectID string) (*Subject, error)
	SubjectIDs(ctx context.Context) ([]string, error)
	MedicalHistory(ctx context.Context, subjectID string) ([]MedicalHistoryEntry, error)
	// Medications returns every medication, ongoing or not, by start date.
	Medications(ctx context.Context, subjectID string) ([]Medication, error)
	// Labs returns results newest first.
	Labs(ctx context.Context, subjectID string, q LabQuery) ([]LabResult, error)
	// AdverseEvents returns events by onset date, newest first.
	AdverseEvents(ctx context.Context, subjectID string, f AEFilter) ([]AdverseEvent, error)
	// ECGs returns readings newest first.
	ECGs(ctx context.Context, subjectID string) ([]EcgResult, error)
	// TumorAssessments returns assessments oldest first.
	TumorAssessments(ctx context.Context, subjectID string) ([]TumorAssessment, error)
	// Visits returns visits by visit number.
	Visits(ctx context.Context, subjectID string) ([]Visit, error)
}

// Access is the data access tool contract shared by both evaluators.
type Access interface {
	Subject(ctx context.Context, subjectID string) (*Subject, error)
	SubjectIDs(ctx context.Context) ([]string, error)
	CheckMedicalHistory(ctx context.Context, subjectID string, terms []string, status StatusFilter) (HistoryResult, error)
	CheckConmeds(ctx context.Context, subjectID string, names, classes []string) (ConmedResult, error)
	CheckLabThreshold(ctx context.Context, subjectID, testName string, op schema.Operator, threshold float64, tp schema.Timepoint) (ThresholdResult, error)
	GetLabs(ctx context.Context, subjectID string, testNames []string, timeframeDays int) ([]LabResult, error)
	GetAdverseEvents(ctx context.Context, subjectID string, f AEFilter) ([]AdverseEvent, error)
	GetEcgResults(ctx context.Context, subjectID string) ([]EcgResult, error)
	GetTumorAssessments(ctx context.Context, subjectID string) ([]TumorAssessment, error)
	GetVisits(ctx context.Context, subjectID string) ([]Visit, error)
	CheckVisitWindows(ctx context.Context, subjectID string, policy WindowPolicy) (WindowResult, error)
}
