package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/trialguard/internal/clinical"
)

// subjectColumns are the subjects table columns a dataset may populate.
// Remaining subject fields go to demographics.
var subjectColumns = map[string]bool{
	"site_id": true, "screening_number": true, "randomization_number": true,
	"initials": true, "treatment_arm": true, "treatment_arm_name": true,
	"randomization_date": true, "screening_date": true, "consent_date": true,
	"study_status": true, "discontinuation_date": true, "discontinuation_reason": true,
}

var demographicColumns = map[string]bool{
	"date_of_birth": true, "age": true, "sex": true, "race": true, "ethnicity": true,
	"weight_kg": true, "height_cm": true, "bmi": true, "ecog_performance_status": true,
	"smoking_status": true, "smoking_pack_years": true,
}

// InsertDataset writes every subject record of ds in one transaction.
// Existing subjects with the same id are replaced.
func (d *DB) InsertDataset(ctx context.Context, ds *clinical.Dataset) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range ds.Subjects {
		if err := insertSubject(ctx, tx, &ds.Subjects[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit dataset: %w", err)
	}
	d.logger.Info("dataset imported", "subjects", len(ds.Subjects))
	return nil
}

func insertSubject(ctx context.Context, tx *sql.Tx, rec *clinical.SubjectRecord) error {
	id := rec.Subject.ID
	for _, table := range []string{
		"visits", "laboratory_results", "adverse_events", "medical_history",
		"concomitant_medications", "tumor_assessments", "ecg_results", "demographics", "subjects",
	} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE subject_id = ?`, id); err != nil {
			return fmt.Errorf("storage: clear %s for %s: %w", table, id, err)
		}
	}

	subj := map[string]any{"subject_id": id}
	demo := map[string]any{"subject_id": id}
	for k, v := range rec.Subject.Fields {
		switch {
		case subjectColumns[k]:
			subj[k] = v
		case demographicColumns[k]:
			demo[k] = v
		}
	}
	if err := insertRow(ctx, tx, "subjects", subj); err != nil {
		return err
	}
	if len(demo) > 1 {
		if err := insertRow(ctx, tx, "demographics", demo); err != nil {
			return err
		}
	}

	for _, e := range rec.MedicalHistory {
		if err := insertRow(ctx, tx, "medical_history", map[string]any{
			"subject_id": id, "condition": e.Condition, "diagnosis_date": nullString(e.DiagnosisDate),
			"ongoing": e.Ongoing, "resolution_date": nullString(e.ResolutionDate),
			"condition_category": nullString(e.Category), "condition_notes": nullString(e.Notes),
		}); err != nil {
			return err
		}
	}
	for _, m := range rec.Medications {
		if err := insertRow(ctx, tx, "concomitant_medications", map[string]any{
			"subject_id": id, "medication_name": m.Name, "dose": nullString(m.Dose), "dose_unit": nullString(m.DoseUnit),
			"frequency": nullString(m.Frequency), "route": nullString(m.Route), "start_date": m.StartDate,
			"end_date": nullString(m.EndDate), "ongoing": m.Ongoing, "medication_class": nullString(m.Class),
			"indication": nullString(m.Indication),
		}); err != nil {
			return err
		}
	}
	for _, l := range rec.Labs {
		if err := insertRow(ctx, tx, "laboratory_results", map[string]any{
			"subject_id": id, "test_name": l.TestName, "lab_category": l.Category, "test_value": nullFloat(l.Value),
			"test_unit": nullString(l.Unit), "collection_date": l.CollectionDate,
			"normal_range_lower": nullFloat(l.NormalLower), "normal_range_upper": nullFloat(l.NormalUpper),
			"abnormal_flag": nullString(l.AbnormalFlag), "clinically_significant": l.ClinicallySignificant,
		}); err != nil {
			return err
		}
	}
	for _, a := range rec.AdverseEvents {
		row := map[string]any{
			"subject_id": id, "ae_term": a.Term, "meddra_preferred_term": nullString(a.PreferredTerm),
			"onset_date": a.OnsetDate, "resolution_date": nullString(a.ResolutionDate), "ongoing": a.Ongoing,
			"severity": nullString(a.Severity), "seriousness": nullString(a.Seriousness),
			"serious_criteria": nullString(a.SeriousCriteria), "relationship_to_study_drug": nullString(a.RelationshipToDrug),
			"action_taken": nullString(a.ActionTaken), "outcome": nullString(a.Outcome),
		}
		if a.Grade > 0 {
			row["ctcae_grade"] = a.Grade
		}
		if err := insertRow(ctx, tx, "adverse_events", row); err != nil {
			return err
		}
	}
	for _, e := range rec.ECGs {
		if err := insertRow(ctx, tx, "ecg_results", map[string]any{
			"subject_id": id, "ecg_date": e.Date, "heart_rate": nullInt(e.HeartRate), "pr_interval": nullInt(e.PRInterval),
			"qrs_duration": nullInt(e.QRSDuration), "qt_interval": nullInt(e.QTInterval), "qtc_interval": nullInt(e.QTcInterval),
			"qtcf_interval": nullInt(e.QTcFInterval), "interpretation": nullString(e.Interpretation), "abnormal": e.Abnormal,
		}); err != nil {
			return err
		}
	}
	for _, ta := range rec.TumorAssessments {
		if err := insertRow(ctx, tx, "tumor_assessments", map[string]any{
			"subject_id": id, "assessment_date": ta.Date, "assessment_method": nullString(ta.Method),
			"overall_response": nullString(ta.OverallResponse), "target_lesion_sum": nullFloat(ta.TargetLesionSum),
			"new_lesions": ta.NewLesions, "progression": ta.Progression, "assessment_notes": nullString(ta.Notes),
		}); err != nil {
			return err
		}
	}
	for _, v := range rec.Visits {
		if err := insertRow(ctx, tx, "visits", map[string]any{
			"subject_id": id, "visit_number": v.Number, "visit_name": v.Name, "scheduled_date": v.ScheduledDate,
			"actual_date": nullString(v.ActualDate), "visit_status": nullString(v.Status), "visit_type": nullString(v.Type),
			"visit_completed": v.Completed, "missed_visit": v.Missed,
		}); err != nil {
			return err
		}
	}
	return nil
}

// insertRow inserts cols into table. Column names come from fixed maps in
// this file, never from input.
func insertRow(ctx context.Context, tx *sql.Tx, table string, cols map[string]any) error {
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = cols[n]
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), placeholders(len(names)))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("storage: insert %s: %w", table, err)
	}
	return nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
