package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/engine"
	"github.com/dshills/trialguard/internal/llmeval"
	"github.com/dshills/trialguard/internal/schema"
	"github.com/dshills/trialguard/internal/usage"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeEval violates "EXCL-001" for subjects listed in hits, records one
// model call per subject and optionally blocks on gate.
type fakeEval struct {
	hits    map[string]bool
	panicOn string
	gate    chan struct{}
	started chan string

	mu   sync.Mutex
	seen []string
}

func (f *fakeEval) EvaluateSubject(ctx context.Context, id string, flt engine.Filter, _ *schema.VisitContext) (engine.SubjectReport, error) {
	f.mu.Lock()
	f.seen = append(f.seen, id)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- id
	}
	if f.gate != nil {
		<-f.gate
	}
	if id == f.panicOn {
		panic("corrupt record")
	}
	usage.FromContext(ctx).RecordCall(10, 5)
	res := schema.EvaluationResult{RuleID: "EXCL-001", SubjectID: id, Passed: true, Method: schema.MethodLLMToolsMock}
	rep := engine.SubjectReport{SubjectID: id, TotalRulesExecuted: 1}
	if f.hits[id] {
		res.Passed, res.Violated, res.Severity = false, true, schema.SeverityCritical
		rep.Violations = []schema.Violation{{RuleID: "EXCL-001", SubjectID: id, Severity: schema.SeverityCritical, Status: schema.ViolationOpen}}
		rep.ViolationsFound = 1
	}
	rep.Results = []schema.EvaluationResult{res}
	return rep, nil
}

type lister struct {
	ids []string
	err error
}

func (l lister) SubjectIDs(context.Context) ([]string, error) { return l.ids, l.err }

type sink struct {
	mu    sync.Mutex
	calls map[string]int
}

func (s *sink) SaveViolations(_ context.Context, jobID string, vs []schema.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[jobID] += len(vs)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "batch_results"))
	require.NoError(t, err)
	return s
}

func waitFor(t *testing.T, m *Manager, id string) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestSubmitRunsToCompletion(t *testing.T) {
	store := newStore(t)
	ev := &fakeEval{hits: map[string]bool{"101-002": true, "101-004": true}}
	sk := &sink{}
	m := NewManager(ev, lister{}, store, Options{Workers: 2, Sink: sk, Logger: quiet})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	ids := []string{"101-001", "101-002", "101-003", "101-004"}
	rec, err := m.Submit(context.Background(), Request{SubjectIDs: ids, RuleIDs: []string{"EXCL-001"}})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, RunSelectedSubjects, rec.RunType)

	rec = waitFor(t, m, rec.JobID)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, 4, rec.CompletedSubjects)
	assert.Equal(t, 100.0, rec.ProgressPct)
	assert.Equal(t, 2, rec.TotalViolations)
	assert.Equal(t, 2, rec.ViolationsSoFar)
	require.Len(t, rec.Results, 4)
	for i, sr := range rec.Results {
		assert.Equal(t, ids[i], sr.SubjectID, "results keep request order")
	}
	require.NotNil(t, rec.Usage)
	assert.EqualValues(t, 4, rec.Usage.APICalls)
	assert.EqualValues(t, 40, rec.Usage.InputTokens)
	assert.Equal(t, []string{"EXCL-001"}, rec.RuleIDs)
	assert.Equal(t, 2, sk.calls[rec.JobID])

	stored, err := store.Load(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, stored.Status)
	assert.NotNil(t, stored.SavedAt)
	assert.Len(t, stored.AllViolations, 2)

	vs, err := m.Violations(rec.JobID)
	require.NoError(t, err)
	assert.Len(t, vs, 2)
}

func TestStatusFallsBackToStoreAfterRestart(t *testing.T) {
	store := newStore(t)
	m := NewManager(&fakeEval{}, lister{}, store, Options{Logger: quiet})
	rec, err := m.Submit(context.Background(), Request{SubjectIDs: []string{"101-001"}})
	require.NoError(t, err)
	waitFor(t, m, rec.JobID)
	require.NoError(t, m.Shutdown(context.Background()))

	restarted := NewManager(&fakeEval{}, lister{}, store, Options{Logger: quiet})
	got, err := restarted.Status(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.ErrorIs(t, restarted.Cancel(rec.JobID), ErrJobFinished)

	list, err := restarted.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Results)

	_, err = restarted.Status("4b1f3f43-8c55-4d9f-9b7e-0d3c4a5e6f70")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = restarted.Status("../../etc/passwd")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestInvalidRequest(t *testing.T) {
	m := NewManager(&fakeEval{}, lister{}, nil, Options{Logger: quiet})
	_, err := m.Submit(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubjectPanicBecomesFailedRecord(t *testing.T) {
	m := NewManager(&fakeEval{panicOn: "101-002"}, lister{}, nil, Options{Logger: quiet})
	rec, err := m.Submit(context.Background(), Request{SubjectIDs: []string{"101-001", "101-002", "101-003"}})
	require.NoError(t, err)
	rec = waitFor(t, m, rec.JobID)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, 3, rec.CompletedSubjects)
	assert.Contains(t, rec.Results[1].Error, "corrupt record")
	assert.Empty(t, rec.Results[0].Error)
}

// oneRule serves a single active rule to the engine.
type oneRule struct{ rule schema.Rule }

func (r oneRule) Get(id string) (schema.Rule, bool) { return r.rule, id == r.rule.ID }
func (r oneRule) Active() []schema.Rule { return []schema.Rule{r.rule} }
func (r oneRule) Protocol() schema.Protocol { return schema.Protocol{} }

// panicky panics for one subject and passes everyone else.
type panicky struct{ subjectID string }

func (p panicky) Evaluate(_ context.Context, in llmeval.Input) (schema.EvaluationResult, error) {
	if in.Subject.ID == p.subjectID {
		panic("index out of range")
	}
	return schema.EvaluationResult{Passed: true, Confidence: schema.ConfidenceHigh, Method: schema.MethodLLMTools}, nil
}

func TestRulePanicContainedByEngine(t *testing.T) {
	ids := []string{"101-001", "101-002", "101-003", "101-004", "101-005"}
	ds := &clinical.Dataset{}
	for _, id := range ids {
		ds.Subjects = append(ds.Subjects, clinical.SubjectRecord{Subject: clinical.Subject{ID: id, Fields: map[string]any{"age": 50.0}}})
	}
	rule := schema.Rule{
		ID: "EXCL-001", Category: schema.CategoryExclusion, Strategy: schema.StrategyLLMTools,
		Severity: schema.SeverityCritical, Status: schema.RuleActive,
		ApplicablePhases: map[schema.Phase]schema.PhaseConfig{
			schema.PhaseScreening: {Check: true, ActionIfViolated: "SCREEN_FAILURE"},
		},
		Check: schema.NoCheck{},
	}
	data := clinical.NewToolkit(clinical.NewMemory(ds))
	eng := engine.New(oneRule{rule}, data, panicky{subjectID: "101-003"}, engine.WithLogger(quiet))
	m := NewManager(eng, data, nil, Options{Workers: 2, Logger: quiet})
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	rec, err := m.Submit(context.Background(), Request{SubjectIDs: ids})
	require.NoError(t, err)
	rec = waitFor(t, m, rec.JobID)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, 5, rec.CompletedSubjects)
	require.Len(t, rec.Results, 5)
	for i, sr := range rec.Results {
		assert.Empty(t, sr.Error, "subject %s", sr.SubjectID)
		require.Len(t, sr.Results, 1)
		res := sr.Results[0]
		if i == 2 {
			assert.Equal(t, schema.MethodError, res.Method)
			assert.Equal(t, "EXCL-001", res.RuleID)
			assert.Equal(t, "101-003", res.SubjectID)
			assert.Contains(t, res.Error, "index out of range")
			continue
		}
		assert.Equal(t, schema.MethodLLMTools, res.Method, "subject %s", sr.SubjectID)
	}
}

func TestAllSubjectsAndListerFailure(t *testing.T) {
	store := newStore(t)
	m := NewManager(&fakeEval{}, lister{ids: []string{"a", "b", "c"}}, store, Options{Logger: quiet})
	rec, err := m.Submit(context.Background(), Request{All: true})
	require.NoError(t, err)
	rec = waitFor(t, m, rec.JobID)
	assert.Equal(t, RunAllSubjects, rec.RunType)
	assert.Equal(t, 3, rec.TotalSubjects)
	assert.Equal(t, StatusDone, rec.Status)

	failing := NewManager(&fakeEval{}, lister{err: errors.New("database is locked")}, store, Options{Logger: quiet})
	rec, err = failing.Submit(context.Background(), Request{All: true})
	require.NoError(t, err)
	rec = waitFor(t, failing, rec.JobID)
	assert.Equal(t, StatusError, rec.Status)
	assert.Contains(t, rec.Error, "database is locked")
	stored, err := store.Load(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, stored.Status)
}

func TestCancelLetsInFlightFinish(t *testing.T) {
	ev := &fakeEval{gate: make(chan struct{}), started: make(chan string, 10)}
	m := NewManager(ev, lister{}, nil, Options{Workers: 1, Logger: quiet})
	rec, err := m.Submit(context.Background(), Request{SubjectIDs: []string{"a", "b", "c"}})
	require.NoError(t, err)

	select {
	case id := <-ev.started:
		assert.Equal(t, "a", id)
	case <-time.After(5 * time.Second):
		t.Fatal("first subject never started")
	}
	running, err := m.Status(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)

	require.NoError(t, m.Cancel(rec.JobID))
	close(ev.gate)

	rec = waitFor(t, m, rec.JobID)
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.Equal(t, 1, rec.CompletedSubjects)
	assert.Equal(t, []string{"a"}, ev.seen)
	assert.ErrorIs(t, m.Cancel(rec.JobID), ErrJobFinished)
	assert.ErrorIs(t, m.Cancel("missing"), ErrJobNotFound)
}

func TestPruneEvictsAndRemoves(t *testing.T) {
	clk := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := newStore(t)
	store.now = clk.Now
	m := NewManager(&fakeEval{}, lister{}, store, Options{
		Logger: quiet, Now: clk.Now, MemoryTTL: time.Hour, Retention: 24 * time.Hour,
	})
	rec, err := m.Submit(context.Background(), Request{SubjectIDs: []string{"a"}})
	require.NoError(t, err)
	waitFor(t, m, rec.JobID)

	evicted, removed, err := m.Prune()
	require.NoError(t, err)
	assert.Zero(t, evicted+removed)

	clk.Advance(2 * time.Hour)
	evicted, removed, err = m.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.Zero(t, removed)
	got, err := m.Status(rec.JobID)
	require.NoError(t, err, "evicted jobs are served from the store")
	assert.Equal(t, StatusDone, got.Status)

	clk.Advance(48 * time.Hour)
	_, removed, err = m.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = m.Status(rec.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = os.Stat(filepath.Join(store.Dir(), rec.JobID+".json"))
	assert.True(t, os.IsNotExist(err))
}

func TestNegativeRetentionKeepsRecords(t *testing.T) {
	clk := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := newStore(t)
	store.now = clk.Now
	m := NewManager(&fakeEval{}, lister{}, store, Options{Logger: quiet, Now: clk.Now, Retention: -1})
	rec, err := m.Submit(context.Background(), Request{SubjectIDs: []string{"a"}})
	require.NoError(t, err)
	waitFor(t, m, rec.JobID)

	clk.Advance(10000 * time.Hour)
	_, removed, err := m.Prune()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestShutdownRejectsSubmit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewManager(&fakeEval{}, lister{}, nil, Options{Logger: quiet, Metrics: reg})
	rec, err := m.Submit(context.Background(), Request{SubjectIDs: []string{"a", "b"}})
	require.NoError(t, err)
	waitFor(t, m, rec.JobID)

	require.NoError(t, m.Shutdown(context.Background()))
	_, err = m.Submit(context.Background(), Request{SubjectIDs: []string{"a"}})
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.m.jobs.WithLabelValues(string(StatusDone))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.m.subjects))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.m.running))
}

func TestProgress(t *testing.T) {
	assert.Equal(t, 33.3, progress(1, 3))
	assert.Equal(t, 66.7, progress(2, 3))
	assert.Equal(t, 100.0, progress(0, 0))
}
