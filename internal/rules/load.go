package rules

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/trialguard/internal/schema"
)

// protocolKey is the reserved top-level key holding protocol metadata.
const protocolKey = "protocol"

// Issue records a document or entry that could not be loaded.
type Issue struct {
	Source string `json:"source"`
	RuleID string `json:"rule_id,omitempty"`
	Err    string `json:"error"`
}

func (i Issue) String() string {
	if i.RuleID != "" {
		return fmt.Sprintf("%s: %s: %s", i.Source, i.RuleID, i.Err)
	}
	return fmt.Sprintf("%s: %s", i.Source, i.Err)
}

// rawRule is the YAML shape of one rule entry.
type rawRule struct {
	RuleID           string                        `yaml:"rule_id"`
	Name             string                        `yaml:"name"`
	Description      string                        `yaml:"description"`
	Category         string                        `yaml:"category"`
	Complexity       string                        `yaml:"complexity"`
	EvaluationType   string                        `yaml:"evaluation_type"`
	TemplateName     string                        `yaml:"template_name"`
	Parameters       map[string]any                `yaml:"parameters"`
	ApplicableVisits []string                      `yaml:"applicable_visits"`
	ApplicablePhases map[string]schema.PhaseConfig `yaml:"applicable_phases"`
	Severity         string                        `yaml:"severity"`
	ProtocolSection  string                        `yaml:"protocol_section"`
	Status           string                        `yaml:"status"`
	Version          int                           `yaml:"version"`
	DomainKnowledge  string                        `yaml:"domain_knowledge"`
	ToolsNeeded      []string                      `yaml:"tools_needed"`
}

// Load reads every *.yaml and *.yml document in fsys, in name order, and
// builds a snapshot. Unreadable documents and invalid entries are logged,
// recorded as issues and skipped. Only a failure to list fsys is an error.
func Load(fsys fs.FS, logger *slog.Logger) (*Snapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("rules: read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(path.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	b := newBuilder(logger)
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			b.issue(name, "", err)
			continue
		}
		b.document(name, data)
	}
	return b.snapshot(), nil
}

// builder accumulates rules across documents. The first definition of an
// id wins.
type builder struct {
	logger   *slog.Logger
	rules    map[string]schema.Rule
	protocol schema.Protocol
	issues   []Issue
}

func newBuilder(logger *slog.Logger) *builder {
	return &builder{logger: logger, rules: map[string]schema.Rule{}}
}

func (b *builder) issue(source, ruleID string, err error) {
	b.logger.Warn("rule config skipped", "source", source, "rule_id", ruleID, "err", err)
	b.issues = append(b.issues, Issue{Source: source, RuleID: ruleID, Err: err.Error()})
}

func (b *builder) document(name string, data []byte) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		b.issue(name, "", fmt.Errorf("parse document: %w", err))
		return
	}
	if root.Kind == 0 {
		return
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		b.issue(name, "", errors.New("document is not a mapping"))
		return
	}

	top := root.Content[0]
	loaded := 0
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, node := top.Content[i].Value, top.Content[i+1]
		if key == protocolKey {
			var p schema.Protocol
			if err := node.Decode(&p); err != nil {
				b.issue(name, "", fmt.Errorf("protocol block: %w", err))
			} else if b.protocol.Number == "" {
				b.protocol = p
			}
			continue
		}
		if node.Kind != yaml.SequenceNode {
			continue
		}
		for _, item := range node.Content {
			if b.entry(name, item) {
				loaded++
			}
		}
	}
	b.logger.Debug("rule document loaded", "source", name, "rules", loaded)
}

// entry decodes and validates one rule and reports whether it was added.
// Entries without rule_id are not rules and are ignored silently.
func (b *builder) entry(source string, n *yaml.Node) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	var raw rawRule
	if err := n.Decode(&raw); err != nil {
		b.issue(source, "", fmt.Errorf("line %d: %w", n.Line, err))
		return false
	}
	raw.RuleID = strings.TrimSpace(raw.RuleID)
	if raw.RuleID == "" {
		return false
	}
	rule, err := buildRule(raw)
	if err != nil {
		b.issue(source, raw.RuleID, err)
		return false
	}
	if prev, dup := b.rules[rule.ID]; dup {
		b.issue(source, rule.ID, fmt.Errorf("duplicate rule id, keeping definition from %s", prev.Source))
		return false
	}
	rule.Source = source
	b.rules[rule.ID] = rule
	return true
}

func (b *builder) snapshot() *Snapshot {
	return newSnapshot(b.rules, b.protocol, b.issues)
}

// buildRule validates enums and resolves the check.
func buildRule(raw rawRule) (schema.Rule, error) {
	var errs []error
	if strings.TrimSpace(raw.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	category, err := schema.ParseCategory(raw.Category)
	errs = appendErr(errs, err)
	complexity, err := schema.ParseComplexity(raw.Complexity)
	errs = appendErr(errs, err)
	strategy, err := schema.ParseStrategy(raw.EvaluationType)
	errs = appendErr(errs, err)
	severity, err := schema.ParseSeverity(raw.Severity)
	errs = appendErr(errs, err)
	status, err := schema.ParseRuleStatus(raw.Status)
	errs = appendErr(errs, err)

	var phases map[schema.Phase]schema.PhaseConfig
	if len(raw.ApplicablePhases) > 0 {
		phases = make(map[schema.Phase]schema.PhaseConfig, len(raw.ApplicablePhases))
		for k, pc := range raw.ApplicablePhases {
			ph, err := schema.ParsePhase(k)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			phases[ph] = pc
		}
	}
	if err := errors.Join(errs...); err != nil {
		return schema.Rule{}, err
	}

	params := raw.Parameters
	if params == nil {
		params = map[string]any{}
	}
	version := raw.Version
	if version == 0 {
		version = 1
	}
	rule := schema.Rule{
		ID:               raw.RuleID,
		Name:             raw.Name,
		Description:      raw.Description,
		Category:         category,
		Complexity:       complexity,
		Strategy:         strategy,
		TemplateName:     raw.TemplateName,
		Parameters:       params,
		ApplicableVisits: raw.ApplicableVisits,
		ApplicablePhases: phases,
		Severity:         severity,
		ProtocolSection:  raw.ProtocolSection,
		Status:           status,
		Version:          version,
		DomainKnowledge:  strings.TrimSpace(raw.DomainKnowledge),
		ToolsNeeded:      raw.ToolsNeeded,
		Check:            schema.NoCheck{},
	}
	if strategy == schema.StrategyDeterministic {
		check, err := compileCheck(params)
		if err != nil {
			return schema.Rule{}, fmt.Errorf("parameters: %w", err)
		}
		rule.Check = check
	}
	return rule, nil
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		return append(errs, err)
	}
	return errs
}
