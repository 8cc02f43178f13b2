package clinical

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dshills/trialguard/internal/schema"
)

func intp(v int) *int           { return &v }
func floatp(v float64) *float64 { return &v }

func fixture() *Dataset {
	return &Dataset{Subjects: []SubjectRecord{
		{
			Subject: Subject{ID: "101-001", Fields: map[string]any{
				"age":                64.0,
				"randomization_date": "2025-01-15",
				"ethnicity":          "",
			}},
			MedicalHistory: []MedicalHistoryEntry{
				{Condition: "Type 2 Diabetes Mellitus", DiagnosisDate: "2015-03-01", Ongoing: true},
				{Condition: "Pneumonitis", DiagnosisDate: "2020-06-01", ResolutionDate: "2020-09-01"},
			},
			Medications: []Medication{
				{Name: "Pembrolizumab", Dose: "200", DoseUnit: "mg", Frequency: "Q3W", StartDate: "2024-11-01", Ongoing: true, Class: "PD-1 inhibitor", Indication: "NSCLC"},
				{Name: "Metformin", Dose: "500 mg", DoseUnit: "mg", Frequency: "BID", StartDate: "2015-03-10", Ongoing: true, Class: "Biguanide"},
				{Name: "Nivolumab", Dose: "240", DoseUnit: "mg", StartDate: "2023-01-01", EndDate: "2023-06-01", Class: "PD-1 inhibitor"},
			},
			Labs: []LabResult{
				{TestName: "Creatinine", Value: floatp(1.1), Unit: "mg/dL", CollectionDate: "2025-01-02"},
				{TestName: "Creatinine", Value: floatp(1.6), Unit: "mg/dL", CollectionDate: "2025-03-02"},
				{TestName: "ALT", Value: nil, Unit: "U/L", CollectionDate: "2025-03-02"},
			},
			ECGs: []EcgResult{
				{Date: "2025-01-10", QTcFInterval: intp(489), Interpretation: "Prolonged QTc", Abnormal: true},
				{Date: "2025-02-10", QTcFInterval: intp(455), Interpretation: "Normal sinus rhythm"},
			},
			Visits: []Visit{
				{Number: 3, Name: "Cycle 1 Day 1", ScheduledDate: "2025-01-15", ActualDate: "2025-01-16", Completed: true},
				{Number: 4, Name: "Cycle 2 Day 1", ScheduledDate: "2025-02-05", ActualDate: "2025-02-12", Completed: true},
				{Number: 11, Name: "Follow-up", ScheduledDate: "2025-06-01", ActualDate: "2025-05-26", Completed: true},
				{Number: 5, Name: "Cycle 3 Day 1", ScheduledDate: "2025-02-26", Completed: false},
			},
		},
		{Subject: Subject{ID: "101-002", Fields: map[string]any{"age": 17.0}}},
	}}
}

func newTestToolkit() *Toolkit {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return NewToolkit(NewMemory(fixture()), WithClock(func() time.Time { return now }))
}

func TestSubjectField(t *testing.T) {
	tk := newTestToolkit()
	s, err := tk.Subject(context.Background(), "101-001")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Field("ethnicity"); ok {
		t.Error("empty string field should be absent")
	}
	if v, ok := s.Field("subject_id"); !ok || v != "101-001" {
		t.Errorf("subject_id field = %v, %v", v, ok)
	}
	if s.RandomizationDate() != "2025-01-15" {
		t.Errorf("RandomizationDate = %q", s.RandomizationDate())
	}
	if _, err := tk.Subject(context.Background(), "999"); !errors.Is(err, ErrSubjectNotFound) {
		t.Errorf("unknown subject err = %v, want ErrSubjectNotFound", err)
	}
}

func TestCheckMedicalHistory(t *testing.T) {
	tk := newTestToolkit()
	ctx := context.Background()

	res, err := tk.CheckMedicalHistory(ctx, "101-001", []string{"PNEUMON"}, StatusAny)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found || len(res.Matches) != 1 {
		t.Fatalf("expected one pneumonitis match, got %+v", res)
	}
	if want := "Pneumonitis (diagnosed 2020-06-01, resolved 2020-09-01)"; res.Evidence[0] != want {
		t.Errorf("evidence = %q, want %q", res.Evidence[0], want)
	}

	res, _ = tk.CheckMedicalHistory(ctx, "101-001", []string{"pneumonitis"}, StatusOngoing)
	if res.Found {
		t.Error("resolved condition must not match the ongoing filter")
	}

	res, _ = tk.CheckMedicalHistory(ctx, "101-001", nil, StatusAny)
	if len(res.Matches) != 2 {
		t.Errorf("no terms should match all conditions, got %d", len(res.Matches))
	}
}

func TestCheckConmeds(t *testing.T) {
	tk := newTestToolkit()
	ctx := context.Background()

	res, err := tk.CheckConmeds(ctx, "101-001", []string{"pembrolizumab", "nivolumab"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Medications) != 1 || res.Medications[0].Name != "Pembrolizumab" {
		t.Fatalf("only ongoing pembrolizumab should match, got %+v", res.Medications)
	}
	want := "Pembrolizumab 200 mg Q3W (started 2024-11-01, ONGOING (no end date), indication: NSCLC)"
	if res.Evidence[0] != want {
		t.Errorf("evidence = %q\nwant %q", res.Evidence[0], want)
	}

	res, _ = tk.CheckConmeds(ctx, "101-001", []string{"metformin"}, nil)
	if !strings.HasPrefix(res.Evidence[0], "Metformin 500 mg BID") {
		t.Errorf("dose unit already in dose must not repeat: %q", res.Evidence[0])
	}

	res, _ = tk.CheckConmeds(ctx, "101-001", []string{"pembrolizumab"}, []string{"biguanide"})
	if res.Found {
		t.Error("name and class filters must both match")
	}
}

func TestCheckLabThreshold_ECG(t *testing.T) {
	tk := newTestToolkit()
	ctx := context.Background()

	res, err := tk.CheckLabThreshold(ctx, "101-001", "QTcF", schema.OpGT, 470, schema.TimepointScreening)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Meets() || *res.ActualValue != 489 {
		t.Fatalf("screening QTcF should be 489 and exceed 470, got %+v", res)
	}
	if !strings.Contains(res.Evidence, "QTcF: 489 msec > 470 msec (ECG date: 2025-01-10") {
		t.Errorf("evidence = %q", res.Evidence)
	}

	res, _ = tk.CheckLabThreshold(ctx, "101-001", "QTcF", schema.OpGT, 470, schema.TimepointLatest)
	if res.Meets() || *res.ActualValue != 455 {
		t.Errorf("latest QTcF should be 455, got %+v", res)
	}
}

func TestCheckLabThreshold_Labs(t *testing.T) {
	tk := newTestToolkit()
	ctx := context.Background()

	res, err := tk.CheckLabThreshold(ctx, "101-001", "Creatinine", schema.OpGT, 1.5, schema.TimepointLatest)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Meets() || res.TestDate != "2025-03-02" {
		t.Errorf("latest creatinine 1.6 > 1.5 expected, got %+v", res)
	}

	res, _ = tk.CheckLabThreshold(ctx, "101-001", "ALT", schema.OpGT, 100, schema.TimepointLatest)
	if !res.MissingData || res.MeetsCriterion != nil {
		t.Errorf("null lab value should be missing data, got %+v", res)
	}

	res, _ = tk.CheckLabThreshold(ctx, "101-002", "Creatinine", schema.OpGT, 1.5, schema.TimepointLatest)
	if !res.MissingData {
		t.Error("subject without labs should report missing data")
	}
}

func TestGetLabsTimeframe(t *testing.T) {
	tk := newTestToolkit()
	labs, err := tk.GetLabs(context.Background(), "101-001", []string{"Creatinine"}, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(labs) != 1 || labs[0].CollectionDate != "2025-03-02" {
		t.Errorf("30 day timeframe should keep only the March result, got %+v", labs)
	}
	labs, _ = tk.GetLabs(context.Background(), "101-001", nil, 0)
	if len(labs) != 3 {
		t.Errorf("no filters should return all labs, got %d", len(labs))
	}
}

func TestCheckVisitWindows(t *testing.T) {
	tk := newTestToolkit()
	res, err := tk.CheckVisitWindows(context.Background(), "101-001", WindowPolicy{})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalChecked != 3 {
		t.Errorf("TotalChecked = %d, want 3", res.TotalChecked)
	}
	if res.AllWithinWindow || len(res.OutOfWindow) != 1 {
		t.Fatalf("expected exactly the Cycle 2 visit out of window, got %+v", res.OutOfWindow)
	}
	dev := res.OutOfWindow[0]
	if dev.VisitNumber != 4 || dev.DaysOff != 7 || dev.DaysOutside != 4 {
		t.Errorf("deviation = %+v", dev)
	}
	if !strings.Contains(dev.Description, "late by 7 days, window is +/-3 days") {
		t.Errorf("description = %q", dev.Description)
	}

	res, _ = tk.CheckVisitWindows(context.Background(), "101-001", WindowPolicy{TreatmentDays: 7})
	if !res.AllWithinWindow {
		t.Errorf("a 7 day treatment window should accept every visit, got %+v", res.OutOfWindow)
	}
}

func TestEvaluateWindows_FollowUpEarly(t *testing.T) {
	res := EvaluateWindows([]Visit{
		{Number: 11, Name: "Follow-up", ScheduledDate: "2025-06-01", ActualDate: "2025-05-20", Completed: true},
	}, DefaultWindowPolicy)
	if len(res.OutOfWindow) != 1 || res.OutOfWindow[0].DaysOff != -12 {
		t.Fatalf("got %+v", res)
	}
	if !strings.Contains(res.OutOfWindow[0].Description, "early by 12 days, window is +/-7 days, 5 days outside window") {
		t.Errorf("description = %q", res.OutOfWindow[0].Description)
	}
}

func TestMemoryOrdering(t *testing.T) {
	m := NewMemory(fixture())
	ctx := context.Background()

	ids, _ := m.SubjectIDs(ctx)
	if strings.Join(ids, ",") != "101-001,101-002" {
		t.Errorf("SubjectIDs = %v", ids)
	}
	ecgs, _ := m.ECGs(ctx, "101-001")
	if ecgs[0].Date != "2025-02-10" {
		t.Errorf("ECGs must be newest first, got %s", ecgs[0].Date)
	}
	visits, _ := m.Visits(ctx, "101-001")
	if visits[len(visits)-1].Number != 11 {
		t.Errorf("visits must be ordered by number, got %+v", visits)
	}
}

func TestReadDataset(t *testing.T) {
	ds, err := ReadDataset(strings.NewReader(`{"subjects":[{"subject":{"subject_id":"S1","fields":{"age":40}},"visits":[{"visit_number":1,"visit_name":"Screening","scheduled_date":"2025-01-01","visit_completed":true}]}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.Subjects) != 1 || len(ds.Subjects[0].Visits) != 1 {
		t.Errorf("decoded %+v", ds)
	}
	if _, err := ReadDataset(strings.NewReader(`{"subjects":[{"subject":{}}]}`)); err == nil {
		t.Error("expected error for subject without id")
	}
}
