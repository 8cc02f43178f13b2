// Package llmeval evaluates rules that need clinical judgement: a
// tool-calling loop against a reasoning model, the parser that turns its
// answer into a result, and a deterministic stand-in used without
// credentials.
package llmeval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/trialguard/internal/clinical"
	"github.com/dshills/trialguard/internal/llm"
	"github.com/dshills/trialguard/internal/profile"
	"github.com/dshills/trialguard/internal/schema"
	"github.com/dshills/trialguard/internal/usage"
)

// Input is one reasoning evaluation request.
type Input struct {
	Rule     schema.Rule
	Subject  *clinical.Subject
	Phase    schema.Phase
	Visit    *schema.VisitContext
	Protocol schema.Protocol
}

// Evaluator is the contract shared by the live and mock evaluators.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (schema.EvaluationResult, error)
}

// Options tunes the tool-calling loop. Zero values take the defaults.
type Options struct {
	MaxRounds   int
	MaxTokens   int
	Temperature float64
	CallTimeout time.Duration
}

const (
	DefaultMaxRounds   = 5
	DefaultMaxTokens   = 4000
	DefaultCallTimeout = 60 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxRounds <= 0 {
		o.MaxRounds = DefaultMaxRounds
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	return o
}

// finalInstruction is sent with the last tool results once the round
// budget is spent.
const finalInstruction = "The tool budget for this evaluation is exhausted. " +
	"Do not request more tools. Answer now with the JSON object using the evidence gathered so far."

// ToolEvaluator runs the bounded tool-calling loop against a Provider.
type ToolEvaluator struct {
	provider llm.Provider
	data     clinical.Access
	tracker  *usage.Tracker
	opts     Options
	logger   *slog.Logger
}

// NewToolEvaluator returns a live evaluator. tracker may be nil.
func NewToolEvaluator(p llm.Provider, data clinical.Access, tracker *usage.Tracker, opts Options, logger *slog.Logger) *ToolEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolEvaluator{provider: p, data: data, tracker: tracker, opts: opts.withDefaults(), logger: logger}
}

// Evaluate runs the loop for one rule and subject. Provider failures are
// reported on the result, not returned; an error means the prompt context
// could not be assembled.
func (e *ToolEvaluator) Evaluate(ctx context.Context, in Input) (schema.EvaluationResult, error) {
	prompt, err := e.userPrompt(ctx, in)
	if err != nil {
		return schema.EvaluationResult{}, err
	}
	prof := profile.ForCategory(in.Rule.Category)
	req := llm.Request{
		System:      profile.SystemPrompt(prof),
		Messages:    []llm.Message{{Role: llm.RoleUser, Text: prompt}},
		Tools:       ToolSpecs(),
		ToolChoice:  llm.ToolChoiceAuto,
		MaxTokens:   e.opts.MaxTokens,
		Temperature: e.opts.Temperature,
	}
	tb := toolbox{data: e.data, subjectID: in.Subject.ID}
	toolsUsed := []string{}
	log := e.logger.With("rule_id", in.Rule.ID, "subject_id", in.Subject.ID)

	for round := 1; round <= e.opts.MaxRounds; round++ {
		resp, err := e.call(ctx, req)
		if err != nil {
			log.Warn("llm call failed", "round", round, "err", err)
			return providerFailure(in, toolsUsed, err), nil
		}
		if len(resp.ToolCalls) == 0 || resp.StopReason == llm.StopEndTurn {
			e.recordEvaluation(ctx)
			log.Debug("llm evaluation complete", "rounds", round, "tools", len(toolsUsed))
			return parseAnswer(in.Rule, in.Subject.ID, resp.Text, toolsUsed), nil
		}

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			r := tb.run(ctx, call)
			if r.IsError {
				log.Debug("tool call failed", "tool", call.Name, "result", r.Content)
			}
			results = append(results, r)
			toolsUsed = append(toolsUsed, call.Name)
		}
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls},
			llm.Message{Role: llm.RoleUser, ToolResults: results},
		)
	}

	log.Info("llm round cap reached, requesting final answer", "rounds", e.opts.MaxRounds)
	req.Messages[len(req.Messages)-1].Text = finalInstruction
	req.ToolChoice = llm.ToolChoiceNone
	resp, err := e.call(ctx, req)
	if err != nil {
		return providerFailure(in, toolsUsed, err), nil
	}
	e.recordEvaluation(ctx)
	res := parseAnswer(in.Rule, in.Subject.ID, resp.Text, toolsUsed)
	res.RequiresReview = true
	return res, nil
}

// call issues one provider request under the per-call timeout and records
// its usage.
func (e *ToolEvaluator) call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	cctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	resp, err := e.provider.Chat(cctx, req)
	if err != nil {
		return nil, err
	}
	e.tracker.RecordCall(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	usage.FromContext(ctx).RecordCall(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return resp, nil
}

func (e *ToolEvaluator) recordEvaluation(ctx context.Context) {
	e.tracker.RecordEvaluation()
	usage.FromContext(ctx).RecordEvaluation()
}

// userPrompt gathers the subject summary and renders the prompt.
func (e *ToolEvaluator) userPrompt(ctx context.Context, in Input) (string, error) {
	id := in.Subject.ID
	history, err := e.data.CheckMedicalHistory(ctx, id, nil, clinical.StatusAny)
	if err != nil {
		return "", fmt.Errorf("llmeval: medical history summary: %w", err)
	}
	meds, err := e.data.CheckConmeds(ctx, id, nil, nil)
	if err != nil {
		return "", fmt.Errorf("llmeval: medication summary: %w", err)
	}
	tumors, err := e.data.GetTumorAssessments(ctx, id)
	if err != nil {
		return "", fmt.Errorf("llmeval: tumor assessment summary: %w", err)
	}
	return profile.UserPrompt(profile.Context{
		Protocol:    in.Protocol,
		Rule:        in.Rule,
		Subject:     in.Subject,
		Phase:       in.Phase,
		Visit:       in.Visit,
		History:     history.Evidence,
		Medications: meds.Evidence,
		Tumors:      tumors,
	}), nil
}

func providerFailure(in Input, toolsUsed []string, err error) schema.EvaluationResult {
	return schema.EvaluationResult{
		RuleID:         in.Rule.ID,
		SubjectID:      in.Subject.ID,
		Evidence:       []string{},
		Reasoning:      fmt.Sprintf("LLM evaluation error: %v", err),
		Confidence:     schema.ConfidenceLow,
		Method:         schema.MethodLLMTools,
		ToolsUsed:      toolsUsed,
		MissingData:    []string{},
		RequiresReview: true,
		Error:          err.Error(),
	}
}
