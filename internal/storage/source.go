package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/trialguard/internal/clinical"
)

// Source reads clinical records from the database. It implements
// clinical.Source.
type Source struct {
	db *DB
}

var _ clinical.Source = (*Source)(nil)

// Source returns the clinical record source backed by d.
func (d *DB) Source() *Source { return &Source{db: d} }

const subjectQuery = `
	SELECT s.*, d.date_of_birth, d.age, d.sex, d.race, d.ethnicity, d.weight_kg,
	       d.height_cm, d.bmi, d.ecog_performance_status, d.smoking_status,
	       d.smoking_pack_years
	FROM subjects s
	LEFT JOIN demographics d ON s.subject_id = d.subject_id
	WHERE s.subject_id = ?`

// Subject returns the subject row joined with demographics. Every column is
// exposed by name in Fields.
func (s *Source) Subject(ctx context.Context, subjectID string) (*clinical.Subject, error) {
	rows, err := s.db.db.QueryContext(ctx, subjectQuery, subjectID)
	if err != nil {
		return nil, fmt.Errorf("storage: query subject %s: %w", subjectID, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("storage: subject columns: %w", err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("storage: read subject %s: %w", subjectID, err)
		}
		return nil, fmt.Errorf("%w: %s", clinical.ErrSubjectNotFound, subjectID)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("storage: scan subject %s: %w", subjectID, err)
	}
	fields := make(map[string]any, len(cols))
	for i, c := range cols {
		fields[c] = normalizeValue(vals[i])
	}
	return &clinical.Subject{ID: subjectID, Fields: fields}, rows.Err()
}

// normalizeValue maps driver values onto the types field checks expect.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(clinical.DateLayout)
	}
	return v
}

func (s *Source) SubjectIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.db.QueryContext(ctx, `SELECT subject_id FROM subjects ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list subjects: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan subject id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Source) MedicalHistory(ctx context.Context, subjectID string) ([]clinical.MedicalHistoryEntry, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT condition, diagnosis_date, ongoing, resolution_date, condition_category, condition_notes
		FROM medical_history WHERE subject_id = ? ORDER BY id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("storage: query medical history: %w", err)
	}
	defer rows.Close()
	var out []clinical.MedicalHistoryEntry
	for rows.Next() {
		var e clinical.MedicalHistoryEntry
		var diag, res, cat, notes sql.NullString
		var ongoing sql.NullBool
		if err := rows.Scan(&e.Condition, &diag, &ongoing, &res, &cat, &notes); err != nil {
			return nil, fmt.Errorf("storage: scan medical history: %w", err)
		}
		e.DiagnosisDate, e.ResolutionDate, e.Category, e.Notes = diag.String, res.String, cat.String, notes.String
		e.Ongoing = ongoing.Bool
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Source) Medications(ctx context.Context, subjectID string) ([]clinical.Medication, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT medication_name, dose, dose_unit, frequency, route, start_date, end_date,
		       ongoing, medication_class, indication
		FROM concomitant_medications WHERE subject_id = ? ORDER BY start_date, id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("storage: query medications: %w", err)
	}
	defer rows.Close()
	var out []clinical.Medication
	for rows.Next() {
		var m clinical.Medication
		var dose, unit, freq, route, end, class, ind sql.NullString
		var ongoing sql.NullBool
		if err := rows.Scan(&m.Name, &dose, &unit, &freq, &route, &m.StartDate, &end, &ongoing, &class, &ind); err != nil {
			return nil, fmt.Errorf("storage: scan medication: %w", err)
		}
		m.Dose, m.DoseUnit, m.Frequency, m.Route = dose.String, unit.String, freq.String, route.String
		m.EndDate, m.Class, m.Indication = end.String, class.String, ind.String
		m.Ongoing = ongoing.Bool
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Source) Labs(ctx context.Context, subjectID string, q clinical.LabQuery) ([]clinical.LabResult, error) {
	query := `
		SELECT test_name, lab_category, test_value, test_unit, collection_date,
		       normal_range_lower, normal_range_upper, abnormal_flag, clinically_significant
		FROM laboratory_results WHERE subject_id = ?`
	args := []any{subjectID}
	if len(q.TestNames) > 0 {
		query += " AND test_name IN (" + placeholders(len(q.TestNames)) + ")"
		for _, n := range q.TestNames {
			args = append(args, n)
		}
	}
	if !q.Since.IsZero() {
		query += " AND collection_date >= ?"
		args = append(args, q.Since.Format(clinical.DateLayout))
	}
	query += " ORDER BY collection_date DESC, id DESC"

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query labs: %w", err)
	}
	defer rows.Close()
	var out []clinical.LabResult
	for rows.Next() {
		var l clinical.LabResult
		var value, lower, upper sql.NullFloat64
		var unit, flag sql.NullString
		var sig sql.NullBool
		if err := rows.Scan(&l.TestName, &l.Category, &value, &unit, &l.CollectionDate, &lower, &upper, &flag, &sig); err != nil {
			return nil, fmt.Errorf("storage: scan lab: %w", err)
		}
		l.Value, l.NormalLower, l.NormalUpper = floatPtr(value), floatPtr(lower), floatPtr(upper)
		l.Unit, l.AbnormalFlag, l.ClinicallySignificant = unit.String, flag.String, sig.Bool
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Source) AdverseEvents(ctx context.Context, subjectID string, f clinical.AEFilter) ([]clinical.AdverseEvent, error) {
	query := `
		SELECT ae_id, ae_term, meddra_preferred_term, onset_date, resolution_date, ongoing,
		       severity, ctcae_grade, seriousness, serious_criteria, relationship_to_study_drug,
		       action_taken, outcome
		FROM adverse_events WHERE subject_id = ?`
	args := []any{subjectID}
	if f.Seriousness != "" {
		query += " AND LOWER(seriousness) = LOWER(?)"
		args = append(args, f.Seriousness)
	}
	if f.Ongoing != nil {
		query += " AND ongoing = ?"
		args = append(args, *f.Ongoing)
	}
	query += " ORDER BY onset_date DESC, ae_id DESC"

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query adverse events: %w", err)
	}
	defer rows.Close()
	var out []clinical.AdverseEvent
	for rows.Next() {
		var a clinical.AdverseEvent
		var pt, res, sev, ser, crit, rel, act, outc sql.NullString
		var ongoing sql.NullBool
		var grade sql.NullInt64
		if err := rows.Scan(&a.ID, &a.Term, &pt, &a.OnsetDate, &res, &ongoing, &sev, &grade, &ser, &crit, &rel, &act, &outc); err != nil {
			return nil, fmt.Errorf("storage: scan adverse event: %w", err)
		}
		a.PreferredTerm, a.ResolutionDate, a.Severity, a.Seriousness = pt.String, res.String, sev.String, ser.String
		a.SeriousCriteria, a.RelationshipToDrug, a.ActionTaken, a.Outcome = crit.String, rel.String, act.String, outc.String
		a.Ongoing, a.Grade = ongoing.Bool, int(grade.Int64)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Source) ECGs(ctx context.Context, subjectID string) ([]clinical.EcgResult, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT ecg_date, heart_rate, pr_interval, qrs_duration, qt_interval, qtc_interval,
		       qtcf_interval, interpretation, abnormal
		FROM ecg_results WHERE subject_id = ? ORDER BY ecg_date DESC, id DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("storage: query ecg results: %w", err)
	}
	defer rows.Close()
	var out []clinical.EcgResult
	for rows.Next() {
		var e clinical.EcgResult
		var hr, pr, qrs, qt, qtc, qtcf sql.NullInt64
		var interp sql.NullString
		var abnormal sql.NullBool
		if err := rows.Scan(&e.Date, &hr, &pr, &qrs, &qt, &qtc, &qtcf, &interp, &abnormal); err != nil {
			return nil, fmt.Errorf("storage: scan ecg: %w", err)
		}
		e.HeartRate, e.PRInterval, e.QRSDuration = intPtr(hr), intPtr(pr), intPtr(qrs)
		e.QTInterval, e.QTcInterval, e.QTcFInterval = intPtr(qt), intPtr(qtc), intPtr(qtcf)
		e.Interpretation, e.Abnormal = interp.String, abnormal.Bool
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Source) TumorAssessments(ctx context.Context, subjectID string) ([]clinical.TumorAssessment, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT assessment_date, assessment_method, overall_response, target_lesion_sum,
		       new_lesions, progression, assessment_notes
		FROM tumor_assessments WHERE subject_id = ? ORDER BY assessment_date, id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("storage: query tumor assessments: %w", err)
	}
	defer rows.Close()
	var out []clinical.TumorAssessment
	for rows.Next() {
		var ta clinical.TumorAssessment
		var method, resp, notes sql.NullString
		var sum sql.NullFloat64
		var newLesions, prog sql.NullBool
		if err := rows.Scan(&ta.Date, &method, &resp, &sum, &newLesions, &prog, &notes); err != nil {
			return nil, fmt.Errorf("storage: scan tumor assessment: %w", err)
		}
		ta.Method, ta.OverallResponse, ta.Notes = method.String, resp.String, notes.String
		ta.TargetLesionSum, ta.NewLesions, ta.Progression = floatPtr(sum), newLesions.Bool, prog.Bool
		out = append(out, ta)
	}
	return out, rows.Err()
}

func (s *Source) Visits(ctx context.Context, subjectID string) ([]clinical.Visit, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT visit_id, visit_number, visit_name, scheduled_date, actual_date, visit_status,
		       visit_type, visit_completed, missed_visit
		FROM visits WHERE subject_id = ? ORDER BY visit_number`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("storage: query visits: %w", err)
	}
	defer rows.Close()
	var out []clinical.Visit
	for rows.Next() {
		var v clinical.Visit
		var actual, status, vtype sql.NullString
		var completed, missed sql.NullBool
		if err := rows.Scan(&v.ID, &v.Number, &v.Name, &v.ScheduledDate, &actual, &status, &vtype, &completed, &missed); err != nil {
			return nil, fmt.Errorf("storage: scan visit: %w", err)
		}
		v.ActualDate, v.Status, v.Type = actual.String, status.String, vtype.String
		v.Completed, v.Missed = completed.Bool, missed.Bool
		out = append(out, v)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
