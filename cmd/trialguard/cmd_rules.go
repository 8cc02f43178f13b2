package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dshills/trialguard/internal/render"
	"github.com/dshills/trialguard/internal/schema"
)

func newRulesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the rule registry",
	}
	cmd.AddCommand(newRulesListCmd(g), newRulesShowCmd(g), newRulesValidateCmd(g))
	return cmd
}

func newRulesListCmd(g *globalFlags) *cobra.Command {
	var (
		o        = outputFlags{format: "md"}
		category string
		active   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := o.validate(); err != nil {
				return err
			}
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, cfg.Logger())
			if err != nil {
				return err
			}
			var cat schema.Category
			if category != "" {
				if cat, err = schema.ParseCategory(category); err != nil {
					return badInput("--category: %v", err)
				}
			}
			var list []schema.Rule
			for _, r := range reg.All() {
				if cat != "" && r.Category != cat {
					continue
				}
				if active && r.Status != schema.RuleActive {
					continue
				}
				list = append(list, r)
			}
			if list == nil {
				list = []schema.Rule{}
			}
			return o.emit(cmd.OutOrStdout(), list, func() string { return render.Rules(list) })
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.format, "format", o.format, "output format: json or md")
	f.StringVar(&category, "category", "", "only rules of this category")
	f.BoolVar(&active, "active", false, "only active rules")
	return cmd
}

func newRulesShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show RULE_ID",
		Short: "Print one rule as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, cfg.Logger())
			if err != nil {
				return err
			}
			rule, ok := reg.Get(args[0])
			if !ok {
				return badInput("rule %s not found", args[0])
			}
			b, err := render.JSON(rule)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return err
		},
	}
}

// newRulesValidateCmd loads every rule file and reports the entries that
// were skipped. Any issue fails the command.
func newRulesValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check rule files and report invalid entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, cfg.Logger())
			if err != nil {
				return err
			}
			snap := reg.Snapshot()
			out := cmd.OutOrStdout()
			counts := map[schema.Category]int{}
			for _, r := range snap.All() {
				counts[r.Category]++
			}
			cats := make([]string, 0, len(counts))
			for c := range counts {
				cats = append(cats, string(c))
			}
			sort.Strings(cats)
			fmt.Fprintf(out, "%d rules loaded from %s\n", snap.Len(), cfg.RulesDir)
			for _, c := range cats {
				fmt.Fprintf(out, "  %-22s %d\n", c, counts[schema.Category(c)])
			}
			issues := snap.Issues()
			if len(issues) == 0 {
				fmt.Fprintln(out, "no issues")
				return nil
			}
			for _, is := range issues {
				fmt.Fprintf(out, "ISSUE %s\n", is)
			}
			return badInput("%d rule entries failed validation", len(issues))
		},
	}
}
