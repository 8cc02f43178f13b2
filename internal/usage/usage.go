// Package usage accounts for reasoning-model token consumption and
// estimates its cost.
package usage

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pricing is the cost per million input and output tokens, in USD.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing matches the default Anthropic model.
var DefaultPricing = Pricing{InputPerMillion: 3, OutputPerMillion: 15}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	InputTokens          int64   `json:"total_input_tokens"`
	OutputTokens         int64   `json:"total_output_tokens"`
	APICalls             int64   `json:"total_api_calls"`
	Evaluations          int64   `json:"llm_rule_evaluations"`
	InputCostPerMillion  float64 `json:"input_cost_per_million"`
	OutputCostPerMillion float64 `json:"output_cost_per_million"`
	TotalTokens          int64   `json:"total_tokens"`
	EstimatedCostUSD     float64 `json:"estimated_cost_usd"`
	EstimatedCostDisplay string  `json:"estimated_cost_display"`
}

type metrics struct {
	tokens      *prometheus.CounterVec
	calls       prometheus.Counter
	evaluations prometheus.Counter
}

// Tracker is a concurrency-safe usage accumulator.
type Tracker struct {
	mu          sync.Mutex
	pricing     Pricing
	input       int64
	output      int64
	calls       int64
	evaluations int64
	m           *metrics
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMetrics mirrors the tracker into Prometheus counters registered on reg.
// Counters are monotonic and are not affected by Reset.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(t *Tracker) {
		f := promauto.With(reg)
		t.m = &metrics{
			tokens: f.NewCounterVec(prometheus.CounterOpts{
				Name: "trialguard_llm_tokens_total",
				Help: "Tokens consumed by the reasoning model, by direction.",
			}, []string{"direction"}),
			calls: f.NewCounter(prometheus.CounterOpts{
				Name: "trialguard_llm_calls_total",
				Help: "Reasoning model API calls.",
			}),
			evaluations: f.NewCounter(prometheus.CounterOpts{
				Name: "trialguard_llm_evaluations_total",
				Help: "Rule evaluations performed by the reasoning evaluator.",
			}),
		}
	}
}

// NewTracker returns an empty tracker. A zero Pricing uses DefaultPricing.
func NewTracker(p Pricing, opts ...Option) *Tracker {
	if p == (Pricing{}) {
		p = DefaultPricing
	}
	t := &Tracker{pricing: p}
	for _, o := range opts {
		o(t)
	}
	return t
}

// RecordCall adds one API call and its token counts.
func (t *Tracker) RecordCall(input, output int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.input += input
	t.output += output
	t.calls++
	t.mu.Unlock()
	if t.m != nil {
		t.m.tokens.WithLabelValues("input").Add(float64(input))
		t.m.tokens.WithLabelValues("output").Add(float64(output))
		t.m.calls.Inc()
	}
}

// RecordEvaluation counts one completed rule evaluation.
func (t *Tracker) RecordEvaluation() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.evaluations++
	t.mu.Unlock()
	if t.m != nil {
		t.m.evaluations.Inc()
	}
}

// Snapshot returns the current totals with the cost estimate.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{EstimatedCostDisplay: "$0.0000"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cost := float64(t.input)/1e6*t.pricing.InputPerMillion + float64(t.output)/1e6*t.pricing.OutputPerMillion
	return Snapshot{
		InputTokens:          t.input,
		OutputTokens:         t.output,
		APICalls:             t.calls,
		Evaluations:          t.evaluations,
		InputCostPerMillion:  t.pricing.InputPerMillion,
		OutputCostPerMillion: t.pricing.OutputPerMillion,
		TotalTokens:          t.input + t.output,
		EstimatedCostUSD:     math.Round(cost*1e6) / 1e6,
		EstimatedCostDisplay: fmt.Sprintf("$%.4f", cost),
	}
}

// Reset zeroes the counters.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.input, t.output, t.calls, t.evaluations = 0, 0, 0, 0
	t.mu.Unlock()
}

type ctxKey struct{}

// WithTracker returns a context carrying a scoped tracker, such as one
// collecting the usage of a single batch job.
func WithTracker(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the scoped tracker, or nil. A nil *Tracker is safe to
// record into.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(ctxKey{}).(*Tracker)
	return t
}
