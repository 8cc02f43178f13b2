// Package batch runs rule evaluations across many subjects in the
// background. Each submitted job is supervised by its own goroutine, fans
// subjects out to a bounded worker pool, reports progress while it runs and
// is persisted exactly once when it reaches a terminal status.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/trialguard/internal/engine"
	"github.com/dshills/trialguard/internal/schema"
	"github.com/dshills/trialguard/internal/usage"
)

var (
	// ErrJobNotFound is returned for an id that is neither running nor stored.
	ErrJobNotFound = errors.New("batch: job not found")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("batch: job already finished")
	// ErrInvalidRequest is returned for a request that selects no subjects.
	ErrInvalidRequest = errors.New("batch: invalid request")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("batch: manager is shut down")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// Run types recorded on a job.
const (
	RunAllSubjects      = "all_subjects"
	RunSelectedSubjects = "selected_subjects"
)

// Request selects what a job evaluates. Either All or SubjectIDs must be
// set; RuleIDs and Categories narrow the rules, otherwise every active rule
// runs.
type Request struct {
	SubjectIDs []string          `json:"subject_ids,omitempty"`
	All        bool              `json:"all,omitempty"`
	RuleIDs    []string          `json:"rule_ids,omitempty"`
	Categories []schema.Category `json:"categories,omitempty"`
}

// SubjectResult is the outcome for one subject of a job.
type SubjectResult struct {
	SubjectID       string                    `json:"subject_id"`
	Results         []schema.EvaluationResult `json:"results"`
	Violations      []schema.Violation        `json:"violations"`
	ViolationsFound int                       `json:"violations_found"`
	Error           string                    `json:"error,omitempty"`
}

// Record is the status view of a job and, once terminal, its persisted form.
type Record struct {
	JobID             string             `json:"job_id"`
	RunType           string             `json:"run_type"`
	Status            Status             `json:"status"`
	Results           []SubjectResult    `json:"results"`
	TotalViolations   int                `json:"total_violations"`
	AllViolations     []schema.Violation `json:"all_violations"`
	TotalSubjects     int                `json:"total_subjects"`
	CompletedSubjects int                `json:"completed_subjects"`
	ProgressPct       float64            `json:"progress_pct"`
	ViolationsSoFar   int                `json:"violations_so_far"`
	RuleIDs           []string           `json:"rule_ids"`
	Categories        []schema.Category  `json:"categories,omitempty"`
	Usage             *usage.Snapshot    `json:"usage,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	FinishedAt        *time.Time         `json:"finished_at,omitempty"`
	SavedAt           *time.Time         `json:"saved_at,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// Evaluator runs a set of rules for one subject. *engine.Engine
// implements it.
type Evaluator interface {
	EvaluateSubject(ctx context.Context, subjectID string, f engine.Filter, visit *schema.VisitContext) (engine.SubjectReport, error)
}

// SubjectLister enumerates subjects for "all subjects" jobs.
type SubjectLister interface {
	SubjectIDs(ctx context.Context) ([]string, error)
}

// ViolationSink receives the violations of every finished job.
// *storage.DB implements it.
type ViolationSink interface {
	SaveViolations(ctx context.Context, jobID string, vs []schema.Violation) error
}

// Defaults for Options.
const (
	DefaultWorkers   = 4
	DefaultMemoryTTL = time.Hour
	DefaultRetention = 720 * time.Hour
)

// Options configures a Manager. Zero values take the defaults; a negative
// Retention disables pruning of persisted records.
type Options struct {
	Workers   int
	MemoryTTL time.Duration
	Retention time.Duration
	Pricing   usage.Pricing
	Sink      ViolationSink
	Metrics   prometheus.Registerer
	Logger    *slog.Logger
	Now       func() time.Time
}

type metrics struct {
	jobs     *prometheus.CounterVec
	subjects prometheus.Counter
	running  prometheus.Gauge
}

// job is the in-memory state of one submitted job. rec is guarded by mu.
type job struct {
	mu      sync.Mutex
	rec     Record
	cancel  context.CancelFunc
	done    chan struct{}
	tracker *usage.Tracker
}

func (j *job) snapshot() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return copyRecord(j.rec)
}

// Manager owns running and recently finished jobs.
type Manager struct {
	eval     Evaluator
	subjects SubjectLister
	store    Store
	opts     Options
	logger   *slog.Logger
	m        *metrics

	base   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// NewManager returns a Manager. store may be nil, in which case jobs live
// only in memory.
func NewManager(eval Evaluator, subjects SubjectLister, store Store, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MemoryTTL <= 0 {
		opts.MemoryTTL = DefaultMemoryTTL
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		eval:     eval,
		subjects: subjects,
		store:    store,
		opts:     opts,
		logger:   logger,
		base:     base,
		stop:     stop,
		jobs:     map[string]*job{},
	}
	if opts.Metrics != nil {
		f := promauto.With(opts.Metrics)
		m.m = &metrics{
			jobs: f.NewCounterVec(prometheus.CounterOpts{
				Name: "trialguard_batch_jobs_total",
				Help: "Batch jobs by terminal status.",
			}, []string{"status"}),
			subjects: f.NewCounter(prometheus.CounterOpts{
				Name: "trialguard_batch_subjects_total",
				Help: "Subjects evaluated by batch jobs.",
			}),
			running: f.NewGauge(prometheus.GaugeOpts{
				Name: "trialguard_batch_jobs_running",
				Help: "Batch jobs currently queued or running.",
			}),
		}
	}
	return m
}

// Submit records a queued job and starts it in the background. It returns
// without waiting for any evaluation; ctx only bounds the submission.
func (m *Manager) Submit(ctx context.Context, req Request) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if !req.All && len(req.SubjectIDs) == 0 {
		return Record{}, fmt.Errorf("%w: subject_ids or all is required", ErrInvalidRequest)
	}

	id := uuid.NewString()
	jctx, cancel := context.WithCancel(m.base)
	j := &job{
		cancel:  cancel,
		done:    make(chan struct{}),
		tracker: usage.NewTracker(m.opts.Pricing),
		rec: Record{
			JobID:         id,
			RunType:       RunSelectedSubjects,
			Status:        StatusQueued,
			Results:       []SubjectResult{},
			AllViolations: []schema.Violation{},
			TotalSubjects: len(req.SubjectIDs),
			RuleIDs:       append([]string{}, req.RuleIDs...),
			Categories:    append([]schema.Category(nil), req.Categories...),
			CreatedAt:     m.opts.Now().UTC(),
		},
	}
	if req.All {
		j.rec.RunType = RunAllSubjects
		j.rec.TotalSubjects = 0
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return Record{}, ErrClosed
	}
	m.jobs[id] = j
	m.wg.Add(1)
	m.mu.Unlock()

	if m.m != nil {
		m.m.running.Inc()
	}
	m.logger.Info("batch job submitted", "job_id", id, "run_type", j.rec.RunType, "subjects", len(req.SubjectIDs))
	rec := j.snapshot()
	go m.supervise(jctx, j, req)
	return rec, nil
}

// supervise runs the job and guarantees a terminal status and a single
// persist, whatever happens inside run.
func (m *Manager) supervise(ctx context.Context, j *job, req Request) {
	defer m.wg.Done()
	defer close(j.done)
	defer j.cancel()

	status, err := m.safeRun(ctx, j, req)
	m.finish(j, status, err)
}

func (m *Manager) safeRun(ctx context.Context, j *job, req Request) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("batch job panic", "job_id", j.rec.JobID, "panic", r, "stack", string(debug.Stack()))
			status, err = StatusError, fmt.Errorf("batch: job panic: %v", r)
		}
	}()
	return m.run(ctx, j, req)
}

func (m *Manager) run(ctx context.Context, j *job, req Request) (Status, error) {
	ids := req.SubjectIDs
	if req.All {
		var err error
		ids, err = m.subjects.SubjectIDs(ctx)
		if err != nil {
			return StatusError, fmt.Errorf("batch: list subjects: %w", err)
		}
	}

	started := m.opts.Now().UTC()
	j.mu.Lock()
	j.rec.Status = StatusRunning
	j.rec.StartedAt = &started
	j.rec.TotalSubjects = len(ids)
	j.mu.Unlock()

	filter := engine.Filter{RuleIDs: req.RuleIDs, Categories: req.Categories}
	slots := make([]*SubjectResult, len(ids))
	// In-flight subjects finish after cancellation; only new starts stop.
	evalCtx := usage.WithTracker(context.WithoutCancel(ctx), j.tracker)

	var g errgroup.Group
	g.SetLimit(m.opts.Workers)
	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			sr := m.evaluateSubject(evalCtx, id, filter)
			m.record(j, i, &sr, slots)
			return nil
		})
	}
	_ = g.Wait()

	j.mu.Lock()
	j.rec.Results = j.rec.Results[:0]
	for _, sr := range slots {
		if sr != nil {
			j.rec.Results = append(j.rec.Results, *sr)
		}
	}
	j.mu.Unlock()

	if ctx.Err() != nil {
		return StatusCancelled, nil
	}
	return StatusDone, nil
}

// evaluateSubject turns every failure for one subject into a record.
func (m *Manager) evaluateSubject(ctx context.Context, id string, f engine.Filter) (sr SubjectResult) {
	sr = SubjectResult{SubjectID: id, Results: []schema.EvaluationResult{}, Violations: []schema.Violation{}}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subject evaluation panic", "subject_id", id, "panic", r)
			sr.Error = fmt.Sprintf("panic: %v", r)
		}
	}()
	rep, err := m.eval.EvaluateSubject(ctx, id, f, nil)
	if err != nil {
		sr.Error = err.Error()
		m.logger.Warn("subject evaluation failed", "subject_id", id, "err", err)
	}
	if rep.Results != nil {
		sr.Results = rep.Results
	}
	if rep.Violations != nil {
		sr.Violations = rep.Violations
	}
	sr.ViolationsFound = len(sr.Violations)
	return sr
}

// record stores one subject result and advances progress. Results are
// visible in completion order while running and in request order once the
// job ends.
func (m *Manager) record(j *job, i int, sr *SubjectResult, slots []*SubjectResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	slots[i] = sr
	j.rec.Results = append(j.rec.Results, *sr)
	j.rec.CompletedSubjects++
	j.rec.ViolationsSoFar += sr.ViolationsFound
	j.rec.ProgressPct = progress(j.rec.CompletedSubjects, j.rec.TotalSubjects)
	if m.m != nil {
		m.m.subjects.Inc()
	}
}

func progress(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return math.Round(float64(done)*1000/float64(total)) / 10
}

// finish applies the terminal status, feeds the sink and persists once.
func (m *Manager) finish(j *job, status Status, runErr error) {
	finished := m.opts.Now().UTC()
	snap := j.tracker.Snapshot()

	j.mu.Lock()
	j.rec.Status = status
	j.rec.FinishedAt = &finished
	j.rec.Usage = &snap
	if runErr != nil {
		j.rec.Error = runErr.Error()
	}
	all := []schema.Violation{}
	for _, sr := range j.rec.Results {
		all = append(all, sr.Violations...)
	}
	j.rec.AllViolations = all
	j.rec.TotalViolations = len(all)
	if status == StatusDone {
		j.rec.ProgressPct = 100
	}
	rec := copyRecord(j.rec)
	j.mu.Unlock()

	log := m.logger.With("job_id", rec.JobID)
	if m.opts.Sink != nil && len(all) > 0 {
		if err := m.opts.Sink.SaveViolations(context.Background(), rec.JobID, all); err != nil {
			log.Error("save batch violations", "err", err)
		}
	}
	if m.store != nil {
		if err := m.store.Save(rec); err != nil {
			log.Error("persist batch job", "err", err)
		}
	}
	if m.m != nil {
		m.m.running.Dec()
		m.m.jobs.WithLabelValues(string(status)).Inc()
	}
	log.Info("batch job finished", "status", status, "subjects", rec.CompletedSubjects,
		"violations", rec.TotalViolations, "api_calls", snap.APICalls, "err", rec.Error)
}

// Status returns the live record of a job, or the persisted one when the
// job is no longer in memory.
func (m *Manager) Status(id string) (Record, error) {
	if j := m.lookup(id); j != nil {
		return j.snapshot(), nil
	}
	if m.store == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return m.store.Load(id)
}

// Wait blocks until the job is terminal or ctx ends, then returns its
// record.
func (m *Manager) Wait(ctx context.Context, id string) (Record, error) {
	j := m.lookup(id)
	if j == nil {
		return m.Status(id)
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}

// Cancel stops a job from starting new subjects. Subjects already in
// flight finish and the job ends as cancelled.
func (m *Manager) Cancel(id string) error {
	j := m.lookup(id)
	if j == nil {
		if m.store != nil {
			if _, err := m.store.Load(id); err == nil {
				return fmt.Errorf("%w: %s", ErrJobFinished, id)
			}
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.snapshot().Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrJobFinished, id)
	}
	m.logger.Info("batch job cancel requested", "job_id", id)
	j.cancel()
	return nil
}

// List returns in-memory jobs merged with persisted records, newest first.
// List views omit per-subject results.
func (m *Manager) List() ([]Record, error) {
	seen := map[string]bool{}
	var out []Record
	m.mu.Lock()
	live := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		live = append(live, j)
	}
	m.mu.Unlock()
	for _, j := range live {
		rec := j.snapshot()
		seen[rec.JobID] = true
		out = append(out, brief(rec))
	}
	if m.store != nil {
		stored, err := m.store.List()
		if err != nil {
			return nil, err
		}
		for _, rec := range stored {
			if !seen[rec.JobID] {
				out = append(out, brief(rec))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

// Violations returns every violation a job has found so far.
func (m *Manager) Violations(id string) ([]schema.Violation, error) {
	rec, err := m.Status(id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec.AllViolations, nil
	}
	out := []schema.Violation{}
	for _, sr := range rec.Results {
		out = append(out, sr.Violations...)
	}
	return out, nil
}

// Prune evicts terminal jobs older than the memory TTL and removes persisted
// records older than the retention period. It returns the evicted and
// removed counts.
func (m *Manager) Prune() (evicted, removed int, err error) {
	now := m.opts.Now()
	m.mu.Lock()
	for id, j := range m.jobs {
		rec := j.snapshot()
		if rec.Status.Terminal() && rec.FinishedAt != nil && now.Sub(*rec.FinishedAt) >= m.opts.MemoryTTL {
			delete(m.jobs, id)
			evicted++
		}
	}
	m.mu.Unlock()
	if m.store != nil && m.opts.Retention > 0 {
		removed, err = m.store.Prune(now.Add(-m.opts.Retention))
	}
	if evicted > 0 || removed > 0 {
		m.logger.Info("batch retention pass", "evicted", evicted, "removed", removed)
	}
	return evicted, removed, err
}

// RunJanitor calls Prune every interval until ctx ends.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, _, err := m.Prune(); err != nil {
				m.logger.Warn("batch retention pass failed", "err", err)
			}
		}
	}
}

// Shutdown cancels every running job and waits for them to persist.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) lookup(id string) *job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

// copyRecord detaches the slices a caller may read from the live record.
func copyRecord(r Record) Record {
	r.Results = append([]SubjectResult{}, r.Results...)
	r.AllViolations = append([]schema.Violation{}, r.AllViolations...)
	r.RuleIDs = append([]string{}, r.RuleIDs...)
	return r
}

func brief(r Record) Record {
	r.Results = nil
	r.AllViolations = nil
	return r
}
