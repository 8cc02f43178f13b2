package clinical

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/trialguard/internal/schema"
)

// Toolkit implements Access on top of a record Source.
type Toolkit struct {
	src    Source
	policy WindowPolicy
	now    func() time.Time
}

// Option configures a Toolkit.
type Option func(*Toolkit)

// WithWindowPolicy sets the visit window policy used when a caller passes a
// zero policy.
func WithWindowPolicy(p WindowPolicy) Option {
	return func(t *Toolkit) { t.policy = p }
}

// WithClock overrides the clock used for lab timeframes.
func WithClock(now func() time.Time) Option {
	return func(t *Toolkit) { t.now = now }
}

// NewToolkit returns a Toolkit reading from src.
func NewToolkit(src Source, opts ...Option) *Toolkit {
	t := &Toolkit{src: src, policy: DefaultWindowPolicy, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

var _ Access = (*Toolkit)(nil)

func (t *Toolkit) Subject(ctx context.Context, subjectID string) (*Subject, error) {
	return t.src.Subject(ctx, subjectID)
}

func (t *Toolkit) SubjectIDs(ctx context.Context) ([]string, error) {
	return t.src.SubjectIDs(ctx)
}

// CheckMedicalHistory finds conditions containing any of terms,
// case-insensitively. No terms matches every condition.
func (t *Toolkit) CheckMedicalHistory(ctx context.Context, subjectID string, terms []string, status StatusFilter) (HistoryResult, error) {
	entries, err := t.src.MedicalHistory(ctx, subjectID)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("clinical: medical history for %s: %w", subjectID, err)
	}
	res := HistoryResult{Matches: []MedicalHistoryEntry{}, Evidence: []string{}, SearchTerms: terms}
	for _, e := range entries {
		switch status {
		case StatusOngoing:
			if !e.Ongoing {
				continue
			}
		case StatusResolved:
			if e.Ongoing {
				continue
			}
		}
		if len(terms) > 0 && !containsAny(e.Condition, terms) {
			continue
		}
		res.Matches = append(res.Matches, e)
		state := "ongoing"
		if !e.Ongoing {
			state = "resolved " + orNone(e.ResolutionDate)
		}
		res.Evidence = append(res.Evidence, fmt.Sprintf("%s (diagnosed %s, %s)", e.Condition, orNone(e.DiagnosisDate), state))
	}
	res.Found = len(res.Matches) > 0
	return res, nil
}

// CheckConmeds finds ongoing medications whose name contains any of names
// and whose class contains any of classes. An empty list does not filter.
func (t *Toolkit) CheckConmeds(ctx context.Context, subjectID string, names, classes []string) (ConmedResult, error) {
	meds, err := t.src.Medications(ctx, subjectID)
	if err != nil {
		return ConmedResult{}, fmt.Errorf("clinical: medications for %s: %w", subjectID, err)
	}
	res := ConmedResult{Medications: []Medication{}, Evidence: []string{}}
	for _, m := range meds {
		if !m.Ongoing {
			continue
		}
		if len(names) > 0 && !containsAny(m.Name, names) {
			continue
		}
		if len(classes) > 0 && !containsAny(m.Class, classes) {
			continue
		}
		res.Medications = append(res.Medications, m)
		res.Evidence = append(res.Evidence, medicationEvidence(m))
	}
	res.Found = len(res.Medications) > 0
	return res, nil
}

func medicationEvidence(m Medication) string {
	dose := m.Dose
	if m.DoseUnit != "" && !strings.Contains(dose, m.DoseUnit) {
		dose = strings.TrimSpace(dose + " " + m.DoseUnit)
	}
	var state string
	switch {
	case m.Ongoing && m.EndDate == "":
		state = "ONGOING (no end date)"
	case m.EndDate != "":
		state = "ended " + m.EndDate
	default:
		state = "status unknown"
	}
	indication := m.Indication
	if indication == "" {
		indication = "not specified"
	}
	return fmt.Sprintf("%s %s %s (started %s, %s, indication: %s)", m.Name, dose, m.Frequency, orNone(m.StartDate), state, indication)
}

// ecgTests maps threshold test names answered from ECG data to the interval
// they read.
var ecgTests = map[string]func(EcgResult) *int{
	"QTCF": func(e EcgResult) *int { return e.QTcFInterval },
	"QTC":  func(e EcgResult) *int { return e.QTcInterval },
	"QT":   func(e EcgResult) *int { return e.QTcInterval },
}

// IsECGTest reports whether testName is read from ECG results.
func IsECGTest(testName string) bool {
	_, ok := ecgTests[strings.ToUpper(testName)]
	return ok
}

// CheckLabThreshold compares one value of testName against threshold.
// Latest reads the newest value; screening and baseline read the earliest.
func (t *Toolkit) CheckLabThreshold(ctx context.Context, subjectID, testName string, op schema.Operator, threshold float64, tp schema.Timepoint) (ThresholdResult, error) {
	res := ThresholdResult{Threshold: threshold, Operator: op}
	earliest := tp == schema.TimepointScreening || tp == schema.TimepointBaseline

	if read, ok := ecgTests[strings.ToUpper(testName)]; ok {
		ecgs, err := t.src.ECGs(ctx, subjectID)
		if err != nil {
			return res, fmt.Errorf("clinical: ecg results for %s: %w", subjectID, err)
		}
		var pick *EcgResult
		for i := range ecgs {
			if read(ecgs[i]) == nil {
				continue
			}
			pick = &ecgs[i]
			if !earliest {
				break
			}
		}
		if pick == nil {
			res.MissingData = true
			res.Evidence = fmt.Sprintf("No %s result found in ECG data", testName)
			return res, nil
		}
		v := float64(*read(*pick))
		meets := op.CompareFloat(v, threshold)
		res.ActualValue = &v
		res.MeetsCriterion = &meets
		res.Unit = "msec"
		res.TestDate = pick.Date
		res.Source = "ECG"
		res.Interpretation = pick.Interpretation
		res.Evidence = fmt.Sprintf("%s: %s msec %s %s msec (ECG date: %s, %s)",
			testName, schema.FormatValue(v), op, schema.FormatValue(threshold), pick.Date, pick.Interpretation)
		return res, nil
	}

	labs, err := t.src.Labs(ctx, subjectID, LabQuery{TestNames: []string{testName}})
	if err != nil {
		return res, fmt.Errorf("clinical: labs for %s: %w", subjectID, err)
	}
	var pick *LabResult
	for i := range labs {
		if labs[i].Value == nil {
			continue
		}
		pick = &labs[i]
		if !earliest {
			break
		}
	}
	if pick == nil {
		res.MissingData = true
		res.Evidence = fmt.Sprintf("No %s result found", testName)
		return res, nil
	}
	v := *pick.Value
	meets := op.CompareFloat(v, threshold)
	res.ActualValue = &v
	res.MeetsCriterion = &meets
	res.Unit = pick.Unit
	res.TestDate = pick.CollectionDate
	res.Source = "laboratory"
	res.Evidence = strings.TrimSpace(fmt.Sprintf("%s: %s %s %s %s",
		testName, schema.FormatValue(v), pick.Unit, op, schema.FormatValue(threshold)))
	return res, nil
}

// GetLabs returns lab results newest first. A positive timeframeDays limits
// results to that many days before now.
func (t *Toolkit) GetLabs(ctx context.Context, subjectID string, testNames []string, timeframeDays int) ([]LabResult, error) {
	q := LabQuery{TestNames: testNames}
	if timeframeDays > 0 {
		y, m, d := t.now().AddDate(0, 0, -timeframeDays).Date()
		q.Since = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	labs, err := t.src.Labs(ctx, subjectID, q)
	if err != nil {
		return nil, fmt.Errorf("clinical: labs for %s: %w", subjectID, err)
	}
	return nonNil(labs), nil
}

func (t *Toolkit) GetAdverseEvents(ctx context.Context, subjectID string, f AEFilter) ([]AdverseEvent, error) {
	aes, err := t.src.AdverseEvents(ctx, subjectID, f)
	if err != nil {
		return nil, fmt.Errorf("clinical: adverse events for %s: %w", subjectID, err)
	}
	return nonNil(aes), nil
}

func (t *Toolkit) GetEcgResults(ctx context.Context, subjectID string) ([]EcgResult, error) {
	ecgs, err := t.src.ECGs(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("clinical: ecg results for %s: %w", subjectID, err)
	}
	return nonNil(ecgs), nil
}

func (t *Toolkit) GetTumorAssessments(ctx context.Context, subjectID string) ([]TumorAssessment, error) {
	ta, err := t.src.TumorAssessments(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("clinical: tumor assessments for %s: %w", subjectID, err)
	}
	return nonNil(ta), nil
}

func (t *Toolkit) GetVisits(ctx context.Context, subjectID string) ([]Visit, error) {
	visits, err := t.src.Visits(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("clinical: visits for %s: %w", subjectID, err)
	}
	return nonNil(visits), nil
}

// CheckVisitWindows evaluates the subject's visits against policy. Zero
// policy fields fall back to the toolkit's policy.
func (t *Toolkit) CheckVisitWindows(ctx context.Context, subjectID string, policy WindowPolicy) (WindowResult, error) {
	visits, err := t.GetVisits(ctx, subjectID)
	if err != nil {
		return WindowResult{}, err
	}
	if policy.TreatmentDays <= 0 {
		policy.TreatmentDays = t.policy.TreatmentDays
	}
	if policy.FollowUpDays <= 0 {
		policy.FollowUpDays = t.policy.FollowUpDays
	}
	if policy.FollowUpVisitNumber <= 0 {
		policy.FollowUpVisitNumber = t.policy.FollowUpVisitNumber
	}
	return EvaluateWindows(visits, policy), nil
}

func containsAny(s string, terms []string) bool {
	s = strings.ToLower(s)
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(s, term) {
			return true
		}
	}
	return false
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
