package clinical

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// SubjectRecord is one subject with all of its clinical records.
type SubjectRecord struct {
	Subject          Subject               `json:"subject"`
	MedicalHistory   []MedicalHistoryEntry `json:"medical_history,omitempty"`
	Medications      []Medication          `json:"concomitant_medications,omitempty"`
	Labs             []LabResult           `json:"laboratory_results,omitempty"`
	AdverseEvents    []AdverseEvent        `json:"adverse_events,omitempty"`
	ECGs             []EcgResult           `json:"ecg_results,omitempty"`
	TumorAssessments []TumorAssessment     `json:"tumor_assessments,omitempty"`
	Visits           []Visit               `json:"visits,omitempty"`
}

// Dataset is a portable fixture of subject records. It seeds the SQLite
// store and backs the in-memory Source.
type Dataset struct {
	Subjects []SubjectRecord `json:"subjects"`
}

// ReadDataset decodes a JSON dataset.
func ReadDataset(r io.Reader) (*Dataset, error) {
	var ds Dataset
	if err := json.NewDecoder(r).Decode(&ds); err != nil {
		return nil, fmt.Errorf("clinical: decode dataset: %w", err)
	}
	for i, rec := range ds.Subjects {
		if strings.TrimSpace(rec.Subject.ID) == "" {
			return nil, fmt.Errorf("clinical: dataset subject %d has no subject_id", i)
		}
	}
	return &ds, nil
}

// LoadDataset reads a JSON dataset file.
func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("clinical: open dataset: %w", err)
	}
	defer f.Close()
	return ReadDataset(f)
}

// Memory is a read-only Source over a Dataset.
type Memory struct {
	order    []string
	subjects map[string]*SubjectRecord
}

var _ Source = (*Memory)(nil)

// NewMemory indexes ds. Later records with a repeated subject id replace
// earlier ones.
func NewMemory(ds *Dataset) *Memory {
	m := &Memory{subjects: map[string]*SubjectRecord{}}
	if ds == nil {
		return m
	}
	for i := range ds.Subjects {
		rec := &ds.Subjects[i]
		if _, seen := m.subjects[rec.Subject.ID]; !seen {
			m.order = append(m.order, rec.Subject.ID)
		}
		m.subjects[rec.Subject.ID] = rec
	}
	sort.Strings(m.order)
	return m
}

func (m *Memory) record(id string) (*SubjectRecord, error) {
	rec, ok := m.subjects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, id)
	}
	return rec, nil
}

func (m *Memory) Subject(_ context.Context, subjectID string) (*Subject, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	s := rec.Subject
	s.Fields = make(map[string]any, len(rec.Subject.Fields))
	for k, v := range rec.Subject.Fields {
		s.Fields[k] = v
	}
	return &s, nil
}

func (m *Memory) SubjectIDs(context.Context) ([]string, error) {
	return append([]string(nil), m.order...), nil
}

func (m *Memory) MedicalHistory(_ context.Context, subjectID string) ([]MedicalHistoryEntry, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	return append([]MedicalHistoryEntry(nil), rec.MedicalHistory...), nil
}

func (m *Memory) Medications(_ context.Context, subjectID string) ([]Medication, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	out := append([]Medication(nil), rec.Medications...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartDate < out[j].StartDate })
	return out, nil
}

func (m *Memory) Labs(_ context.Context, subjectID string, q LabQuery) ([]LabResult, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	var since string
	if !q.Since.IsZero() {
		since = q.Since.Format(DateLayout)
	}
	var out []LabResult
	for _, l := range rec.Labs {
		if len(q.TestNames) > 0 && !containsExact(q.TestNames, l.TestName) {
			continue
		}
		if since != "" && l.CollectionDate < since {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CollectionDate > out[j].CollectionDate })
	return out, nil
}

func (m *Memory) AdverseEvents(_ context.Context, subjectID string, f AEFilter) ([]AdverseEvent, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	var out []AdverseEvent
	for _, ae := range rec.AdverseEvents {
		if f.Seriousness != "" && !strings.EqualFold(ae.Seriousness, f.Seriousness) {
			continue
		}
		if f.Ongoing != nil && ae.Ongoing != *f.Ongoing {
			continue
		}
		out = append(out, ae)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OnsetDate > out[j].OnsetDate })
	return out, nil
}

func (m *Memory) ECGs(_ context.Context, subjectID string) ([]EcgResult, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	out := append([]EcgResult(nil), rec.ECGs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

func (m *Memory) TumorAssessments(_ context.Context, subjectID string) ([]TumorAssessment, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	out := append([]TumorAssessment(nil), rec.TumorAssessments...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *Memory) Visits(_ context.Context, subjectID string) ([]Visit, error) {
	rec, err := m.record(subjectID)
	if err != nil {
		return nil, err
	}
	out := append([]Visit(nil), rec.Visits...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func containsExact(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
