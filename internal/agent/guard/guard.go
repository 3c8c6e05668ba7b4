// Package guard implements the policy layer: constitution-based input,
// output, and tool filtering, plus prompt-injection detection. Rejections
// from this package abort a run before or between backend iterations.
package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/strandlabs/sovereign/pkg/models"
)

// Verdict is the outcome of a policy check.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`

	// Revision is a suggested replacement for rejected output. The
	// orchestrator substitutes it instead of failing the run when set.
	Revision string `json:"revision,omitempty"`
}

// Allow is the verdict for content that passes every rule.
func Allow() *Verdict { return &Verdict{Allowed: true} }

// Guardrails is the policy contract the orchestrator consults.
type Guardrails interface {
	// FiltersInput reports whether CheckInput should run for each run.
	FiltersInput() bool

	// FiltersOutput reports whether CheckOutput should run per iteration.
	FiltersOutput() bool

	// FiltersTools reports whether ApproveTool should run per invocation.
	FiltersTools() bool

	CheckInput(ctx context.Context, input string) (*Verdict, error)
	CheckOutput(ctx context.Context, output string, transcript []models.Message) (*Verdict, error)
	ApproveTool(ctx context.Context, name string, args map[string]any) (*Verdict, error)
}

// RuleAction selects what a matching rule does.
type RuleAction string

const (
	// ActionBlock rejects the content outright.
	ActionBlock RuleAction = "block"

	// ActionRevise substitutes the rule's replacement text. Only
	// meaningful for output rules.
	ActionRevise RuleAction = "revise"
)

// Rule is one constitution clause matched against input or output text.
type Rule struct {
	Name        string     `json:"name"`
	Pattern     string     `json:"pattern"`
	Action      RuleAction `json:"action"`
	Replacement string     `json:"replacement,omitempty"`

	re *regexp.Regexp
}

// Constitution is a rule-based Guardrails implementation. Tool policy is a
// deny-list of name patterns; input and output policies are regex rule sets.
type Constitution struct {
	Name string

	// DeniedTools lists tool name patterns that are never approved.
	// A trailing "*" matches any suffix.
	DeniedTools []string

	InputRules  []Rule
	OutputRules []Rule
}

// Compile validates the constitution's patterns. It must be called before
// the constitution is used; the orchestrator compiles on SetConstitution.
func (c *Constitution) Compile() error {
	for i := range c.InputRules {
		re, err := regexp.Compile("(?i)" + c.InputRules[i].Pattern)
		if err != nil {
			return fmt.Errorf("invalid input rule %q: %w", c.InputRules[i].Name, err)
		}
		c.InputRules[i].re = re
	}
	for i := range c.OutputRules {
		re, err := regexp.Compile("(?i)" + c.OutputRules[i].Pattern)
		if err != nil {
			return fmt.Errorf("invalid output rule %q: %w", c.OutputRules[i].Name, err)
		}
		c.OutputRules[i].re = re
	}
	return nil
}

// FiltersInput reports whether any input rules are configured.
func (c *Constitution) FiltersInput() bool { return len(c.InputRules) > 0 }

// FiltersOutput reports whether any output rules are configured.
func (c *Constitution) FiltersOutput() bool { return len(c.OutputRules) > 0 }

// FiltersTools reports whether a tool deny-list is configured.
func (c *Constitution) FiltersTools() bool { return len(c.DeniedTools) > 0 }

// CheckInput matches the input against the input rule set.
func (c *Constitution) CheckInput(ctx context.Context, input string) (*Verdict, error) {
	for i := range c.InputRules {
		rule := &c.InputRules[i]
		if rule.re != nil && rule.re.MatchString(input) {
			return &Verdict{Allowed: false, Reason: rule.Name}, nil
		}
	}
	return Allow(), nil
}

// CheckOutput matches the output against the output rule set. A matching
// revise rule yields a rejection carrying the replacement text.
func (c *Constitution) CheckOutput(ctx context.Context, output string, transcript []models.Message) (*Verdict, error) {
	for i := range c.OutputRules {
		rule := &c.OutputRules[i]
		if rule.re == nil || !rule.re.MatchString(output) {
			continue
		}
		v := &Verdict{Allowed: false, Reason: rule.Name}
		if rule.Action == ActionRevise {
			v.Revision = rule.Replacement
		}
		return v, nil
	}
	return Allow(), nil
}

// ApproveTool checks the tool name against the deny-list.
func (c *Constitution) ApproveTool(ctx context.Context, name string, args map[string]any) (*Verdict, error) {
	for _, pattern := range c.DeniedTools {
		if matchToolPattern(pattern, name) {
			return &Verdict{Allowed: false, Reason: "tool denied by constitution: " + pattern}, nil
		}
	}
	return Allow(), nil
}

func matchToolPattern(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
