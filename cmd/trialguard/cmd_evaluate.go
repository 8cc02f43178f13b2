package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dshills/trialguard/internal/batch"
	"github.com/dshills/trialguard/internal/engine"
	"github.com/dshills/trialguard/internal/render"
	"github.com/dshills/trialguard/internal/schema"
	"github.com/dshills/trialguard/internal/verdict"
)

const shutdownTimeout = 30 * time.Second

// visitFlags build an optional visit context.
type visitFlags struct {
	id    int
	name  string
	phase string
}

func (v *visitFlags) bind(f *pflag.FlagSet) {
	f.IntVar(&v.id, "visit-id", 0, "visit id to attach to results")
	f.StringVar(&v.name, "visit-name", "", "visit name")
	f.StringVar(&v.phase, "phase", "", "study phase override (screening, baseline, treatment, follow_up, post_randomization)")
}

func (v *visitFlags) context() (*schema.VisitContext, error) {
	if v.id == 0 && v.name == "" && v.phase == "" {
		return nil, nil
	}
	vc := &schema.VisitContext{VisitID: v.id, VisitName: v.name}
	if v.phase != "" {
		p, err := schema.ParsePhase(v.phase)
		if err != nil {
			return nil, badInput("--phase: %v", err)
		}
		vc.StudyPhase = p
	}
	return vc, nil
}

func bindOutput(f *pflag.FlagSet, o *outputFlags) {
	f.StringVar(&o.format, "format", "json", "output format: json or md")
	f.StringVar(&o.out, "out", "", "write output to this file instead of stdout")
	f.StringVar(&o.failOn, "fail-on", "", "exit 2 when a violation of at least this severity is found")
}

func newEvaluateCmd(g *globalFlags) *cobra.Command {
	var (
		o     outputFlags
		visit visitFlags
	)
	cmd := &cobra.Command{
		Use:   "evaluate RULE_ID SUBJECT_ID",
		Short: "Evaluate one rule for one subject",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := o.validate()
			if err != nil {
				return err
			}
			vc, err := visit.context()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Evaluate(cmd.Context(), args[0], args[1], vc)
			if errors.Is(err, engine.ErrRuleNotFound) {
				return badInput("%v", err)
			}
			if err != nil {
				return err
			}
			if err := o.emit(cmd.OutOrStdout(), res, func() string { return render.Result(res) }); err != nil {
				return err
			}
			rule, _ := a.registry.Get(res.RuleID)
			if v, ok := verdict.FromResult(res, rule.Category); ok {
				return failOn(threshold, []schema.Violation{v})
			}
			return nil
		},
	}
	bindOutput(cmd.Flags(), &o)
	visit.bind(cmd.Flags())
	return cmd
}

// selectFlags narrow the rules of a subject or batch run.
type selectFlags struct {
	ruleIDs    []string
	categories []string
}

func (s *selectFlags) bind(f *pflag.FlagSet) {
	f.StringSliceVar(&s.ruleIDs, "rules", nil, "only these rule ids (comma separated)")
	f.StringSliceVar(&s.categories, "category", nil, "only rules of these categories (comma separated)")
}

func (s *selectFlags) parse() ([]string, []schema.Category, error) {
	var cats []schema.Category
	for _, c := range s.categories {
		cat, err := schema.ParseCategory(c)
		if err != nil {
			return nil, nil, badInput("--category: %v", err)
		}
		cats = append(cats, cat)
	}
	return s.ruleIDs, cats, nil
}

func newSubjectCmd(g *globalFlags) *cobra.Command {
	var (
		o       outputFlags
		sel     selectFlags
		visit   visitFlags
		persist bool
	)
	cmd := &cobra.Command{
		Use:   "subject SUBJECT_ID",
		Short: "Evaluate every active rule for one subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := o.validate()
			if err != nil {
				return err
			}
			ruleIDs, cats, err := sel.parse()
			if err != nil {
				return err
			}
			vc, err := visit.context()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.engine.EvaluateSubject(cmd.Context(), args[0], engine.Filter{RuleIDs: ruleIDs, Categories: cats}, vc)
			if err != nil {
				return err
			}
			if persist {
				if err := a.db.SaveViolations(cmd.Context(), "", rep.Violations); err != nil {
					return err
				}
			}
			if err := o.emit(cmd.OutOrStdout(), rep, func() string { return render.Subject(rep) }); err != nil {
				return err
			}
			return failOn(threshold, rep.Violations)
		},
	}
	bindOutput(cmd.Flags(), &o)
	sel.bind(cmd.Flags())
	visit.bind(cmd.Flags())
	cmd.Flags().BoolVar(&persist, "persist", false, "store violations for the review workflow")
	return cmd
}

func newBatchCmd(g *globalFlags) *cobra.Command {
	var (
		o        outputFlags
		sel      selectFlags
		subjects []string
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Evaluate rules for many subjects and persist the job record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			threshold, err := o.validate()
			if err != nil {
				return err
			}
			if all == (len(subjects) > 0) {
				return badInput("exactly one of --all or --subjects is required")
			}
			ruleIDs, cats, err := sel.parse()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.Close()
			m, err := a.newManager()
			if err != nil {
				return err
			}
			defer func() {
				// Lets a cancelled job persist its partial record.
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
				defer cancel()
				if err := m.Shutdown(ctx); err != nil {
					a.logger.Warn("batch shutdown", "error", err)
				}
			}()

			rec, err := m.Submit(cmd.Context(), batch.Request{SubjectIDs: subjects, All: all, RuleIDs: ruleIDs, Categories: cats})
			if errors.Is(err, batch.ErrInvalidRequest) {
				return badInput("%v", err)
			}
			if err != nil {
				return err
			}
			a.logger.Info("batch submitted", "job_id", rec.JobID, "subjects", strings.Join(subjects, ","), "all", all)

			jobID := rec.JobID
			rec, err = m.Wait(cmd.Context(), jobID)
			if err != nil {
				_ = m.Cancel(jobID)
				return fmt.Errorf("batch %s interrupted after %d/%d subjects: %w", jobID, rec.CompletedSubjects, rec.TotalSubjects, err)
			}
			if err := o.emit(cmd.OutOrStdout(), rec, func() string { return render.Job(rec) }); err != nil {
				return err
			}
			if rec.Status == batch.StatusError {
				return fmt.Errorf("batch %s failed: %s", rec.JobID, rec.Error)
			}
			return failOn(threshold, rec.AllViolations)
		},
	}
	bindOutput(cmd.Flags(), &o)
	sel.bind(cmd.Flags())
	cmd.Flags().StringSliceVar(&subjects, "subjects", nil, "subject ids (comma separated)")
	cmd.Flags().BoolVar(&all, "all", false, "evaluate every subject in the database")
	return cmd
}
