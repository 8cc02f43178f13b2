package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/trialguard/internal/schema"
)

// ViolationFilter narrows ListViolations. Zero values match everything.
type ViolationFilter struct {
	SubjectID string
	RuleID    string
	JobID     string
	Status    schema.ViolationStatus
	Severity  schema.Severity
	Limit     int
}

// ViolationUpdate carries workflow metadata for a status change.
type ViolationUpdate struct {
	Status          schema.ViolationStatus
	AssignedTo      string
	AcknowledgedBy  string
	ResolutionNotes string
}

// SaveViolations inserts violations in one transaction and sets their ids.
// jobID may be empty for violations found outside a batch.
func (d *DB) SaveViolations(ctx context.Context, jobID string, vs []schema.Violation) error {
	if len(vs) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rule_violations (
			rule_id, subject_id, visit_id, job_id, violation_type, severity, status,
			violation_description, evidence, reasoning, action_required, recommendation,
			violation_data, assigned_to, violation_date, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("storage: prepare insert violation: %w", err)
	}
	defer stmt.Close()

	for i := range vs {
		v := &vs[i]
		evidence, err := json.Marshal(nonNilStrings(v.Evidence))
		if err != nil {
			return fmt.Errorf("storage: encode evidence: %w", err)
		}
		data, err := json.Marshal(v.Data)
		if err != nil {
			return fmt.Errorf("storage: encode violation data: %w", err)
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now().UTC()
		}
		if v.ViolationDate.IsZero() {
			v.ViolationDate = v.CreatedAt
		}
		res, err := stmt.ExecContext(ctx,
			v.RuleID, v.SubjectID, nullInt(v.VisitID), nullString(jobID), string(v.Type), string(v.Severity), string(v.Status),
			v.Description, string(evidence), v.Reasoning, nullStringPtr(v.ActionRequired), v.Recommendation,
			string(data), nullString(v.AssignedTo), formatTime(v.ViolationDate), formatTime(v.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("storage: insert violation %s/%s: %w", v.RuleID, v.SubjectID, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			v.ID = id
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit violations: %w", err)
	}
	d.logger.Debug("violations saved", "count", len(vs), "job_id", jobID)
	return nil
}

const violationColumns = `
	violation_id, rule_id, subject_id, visit_id, violation_type, severity, status,
	violation_description, evidence, reasoning, action_required, recommendation,
	violation_data, assigned_to, acknowledged_by, acknowledged_at, resolution_notes,
	resolved_at, violation_date, created_at, updated_at`

// ListViolations returns violations newest first.
func (d *DB) ListViolations(ctx context.Context, f ViolationFilter) ([]schema.Violation, error) {
	query := `SELECT ` + violationColumns + ` FROM rule_violations WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		query += " AND " + clause
		args = append(args, v)
	}
	if f.SubjectID != "" {
		add("subject_id = ?", f.SubjectID)
	}
	if f.RuleID != "" {
		add("rule_id = ?", f.RuleID)
	}
	if f.JobID != "" {
		add("job_id = ?", f.JobID)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Severity != "" {
		add("severity = ?", string(f.Severity))
	}
	query += " ORDER BY created_at DESC, violation_id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list violations: %w", err)
	}
	defer rows.Close()
	out := []schema.Violation{}
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetViolation returns one violation by id.
func (d *DB) GetViolation(ctx context.Context, id int64) (schema.Violation, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+violationColumns+` FROM rule_violations WHERE violation_id = ?`, id)
	v, err := scanViolation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Violation{}, fmt.Errorf("%w: %d", ErrViolationNotFound, id)
	}
	return v, err
}

// UpdateViolation applies a workflow change. The caller validates the
// transition; timestamps for acknowledgement and resolution are set here.
func (d *DB) UpdateViolation(ctx context.Context, id int64, u ViolationUpdate) (schema.Violation, error) {
	now := formatTime(time.Now().UTC())
	set := `status = ?, updated_at = ?`
	args := []any{string(u.Status), now}
	if u.AssignedTo != "" {
		set += `, assigned_to = ?`
		args = append(args, u.AssignedTo)
	}
	if u.AcknowledgedBy != "" {
		set += `, acknowledged_by = ?`
		args = append(args, u.AcknowledgedBy)
	}
	if u.ResolutionNotes != "" {
		set += `, resolution_notes = ?`
		args = append(args, u.ResolutionNotes)
	}
	switch u.Status {
	case schema.ViolationAcknowledged:
		set += `, acknowledged_at = ?`
		args = append(args, now)
	case schema.ViolationResolved, schema.ViolationFalsePositive:
		set += `, resolved_at = ?`
		args = append(args, now)
	case schema.ViolationOpen:
		set += `, resolved_at = NULL`
	}
	args = append(args, id)

	res, err := d.db.ExecContext(ctx, `UPDATE rule_violations SET `+set+` WHERE violation_id = ?`, args...)
	if err != nil {
		return schema.Violation{}, fmt.Errorf("storage: update violation %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return schema.Violation{}, fmt.Errorf("%w: %d", ErrViolationNotFound, id)
	}
	return d.GetViolation(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanViolation(s scanner) (schema.Violation, error) {
	var v schema.Violation
	var visit sql.NullInt64
	var vtype, sev, status, evidence, data, violationDate, createdAt string
	var action, assigned, ackBy, ackAt, notes, resolvedAt, updatedAt sql.NullString
	err := s.Scan(&v.ID, &v.RuleID, &v.SubjectID, &visit, &vtype, &sev, &status,
		&v.Description, &evidence, &v.Reasoning, &action, &v.Recommendation,
		&data, &assigned, &ackBy, &ackAt, &notes, &resolvedAt, &violationDate, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return v, err
		}
		return v, fmt.Errorf("storage: scan violation: %w", err)
	}
	v.Type, v.Severity, v.Status = schema.ViolationType(vtype), schema.Severity(sev), schema.ViolationStatus(status)
	if visit.Valid {
		n := int(visit.Int64)
		v.VisitID = &n
	}
	if err := json.Unmarshal([]byte(evidence), &v.Evidence); err != nil {
		return v, fmt.Errorf("storage: decode evidence of violation %d: %w", v.ID, err)
	}
	if err := json.Unmarshal([]byte(data), &v.Data); err != nil {
		return v, fmt.Errorf("storage: decode data of violation %d: %w", v.ID, err)
	}
	if action.Valid {
		v.ActionRequired = &action.String
	}
	v.AssignedTo, v.AcknowledgedBy, v.ResolutionNotes = assigned.String, ackBy.String, notes.String
	v.AcknowledgedAt, v.ResolvedAt, v.UpdatedAt = parseTimePtr(ackAt), parseTimePtr(resolvedAt), parseTimePtr(updatedAt)
	v.ViolationDate, _ = time.Parse(time.RFC3339Nano, violationDate)
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return v, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
