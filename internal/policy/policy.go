// Package policy gates every control request against an ordered,
// declarative rule set. Rules load once at startup and are immutable
// for the process lifetime; evaluation is a pure function of the rule
// set and the request, so it is safe to re-run.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"desknerd-mcp-server/internal/action"
)

// Verdicts a rule can carry. No matching rule means deny.
const (
	VerdictAllow   = "allow"
	VerdictDeny    = "deny"
	VerdictConfirm = "require-confirmation"
)

// Rule is one ordered policy entry. Empty matcher fields match
// everything; within a params entry any listed substring matches, and
// every listed params key must match.
type Rule struct {
	Name    string              `yaml:"name"`
	Targets []string            `yaml:"targets,omitempty"`
	Kinds   []string            `yaml:"kinds,omitempty"`
	Params  map[string][]string `yaml:"params,omitempty"`
	Verdict string              `yaml:"verdict"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Decision is the evaluation result: the verdict plus the rule that
// produced it. An empty Rule means the default deny fired.
type Decision struct {
	Verdict string `json:"verdict"`
	Rule    string `json:"rule,omitempty"`
}

// ConfirmFunc resolves a require-confirmation verdict. It may block;
// callers bound it through ctx.
type ConfirmFunc func(ctx context.Context, req *action.Request, rule string) (bool, error)

// Gate evaluates requests against the loaded rules.
type Gate struct {
	rules       []Rule
	autoConfirm bool
}

// New validates the rules and builds a gate. autoConfirm converts
// require-confirmation verdicts into allows, for unattended runs.
func New(rules []Rule, autoConfirm bool) (*Gate, error) {
	for i, rule := range rules {
		switch rule.Verdict {
		case VerdictAllow, VerdictDeny, VerdictConfirm:
		default:
			return nil, fmt.Errorf("rule %d (%s): unknown verdict %q", i, rule.Name, rule.Verdict)
		}
		for _, kind := range rule.Kinds {
			if _, ok := action.ParseKind(kind); !ok {
				return nil, fmt.Errorf("rule %d (%s): unknown action kind %q", i, rule.Name, kind)
			}
		}
		for _, pattern := range rule.Targets {
			if _, err := doublestar.Match(strings.ToLower(pattern), "probe"); err != nil {
				return nil, fmt.Errorf("rule %d (%s): bad target pattern %q: %w", i, rule.Name, pattern, err)
			}
		}
	}
	return &Gate{rules: rules, autoConfirm: autoConfirm}, nil
}

// Load reads a YAML rule document. A missing file yields an empty rule
// set, which denies everything.
func Load(path string, autoConfirm bool) (*Gate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(nil, autoConfirm)
		}
		return nil, fmt.Errorf("reading policy rules: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing policy rules: %w", err)
	}
	return New(file.Rules, autoConfirm)
}

// Rules returns a copy of the loaded rule set, in evaluation order.
func (g *Gate) Rules() []Rule {
	out := make([]Rule, len(g.rules))
	copy(out, g.rules)
	return out
}

// Evaluate matches the request against the rules in order. First match
// wins; no match denies.
func (g *Gate) Evaluate(target string, req *action.Request) Decision {
	for _, rule := range g.rules {
		if rule.matches(target, req) {
			return Decision{Verdict: rule.Verdict, Rule: rule.Name}
		}
	}
	return Decision{Verdict: VerdictDeny}
}

// Authorize applies the decision for the request. Deny and rejected
// confirmations return the error that becomes a denied outcome;
// the request must not reach any adapter afterwards.
func (g *Gate) Authorize(ctx context.Context, target string, req *action.Request, confirm ConfirmFunc) *action.Error {
	decision := g.Evaluate(target, req)
	switch decision.Verdict {
	case VerdictAllow:
		return nil
	case VerdictConfirm:
		if g.autoConfirm {
			return nil
		}
		if confirm == nil {
			return action.Errorf(action.CodeConfirmationRejected,
				"%s on %s requires confirmation and no confirmation channel is available", req.Kind, target).
				WithTarget(target)
		}
		ok, err := confirm(ctx, req, decision.Rule)
		if err != nil {
			return action.Errorf(action.CodeConfirmationRejected,
				"confirmation failed for %s on %s", req.Kind, target).
				WithTarget(target).WithCause(err)
		}
		if !ok {
			return action.Errorf(action.CodeConfirmationRejected,
				"confirmation declined for %s on %s", req.Kind, target).
				WithTarget(target)
		}
		return nil
	}

	msg := fmt.Sprintf("no policy rule allows %s on %s", req.Kind, target)
	if decision.Rule != "" {
		msg = fmt.Sprintf("rule %q denies %s on %s", decision.Rule, req.Kind, target)
	}
	return action.NewError(action.CodePolicyDenied, msg).WithTarget(target)
}

func (r *Rule) matches(target string, req *action.Request) bool {
	if len(r.Targets) > 0 && !matchesTarget(r.Targets, target) {
		return false
	}
	if len(r.Kinds) > 0 && !containsKind(r.Kinds, req.Kind) {
		return false
	}
	for key, needles := range r.Params {
		haystack := strings.ToLower(req.String(key))
		if !containsAny(haystack, needles) {
			return false
		}
	}
	return true
}

func matchesTarget(patterns []string, target string) bool {
	name := strings.ToLower(target)
	for _, pattern := range patterns {
		matched, err := doublestar.Match(strings.ToLower(pattern), name)
		if err == nil && matched {
			return true
		}
	}
	return false
}

func containsKind(kinds []string, kind action.Kind) bool {
	for _, k := range kinds {
		if action.Kind(k) == kind {
			return true
		}
	}
	return false
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}
