package mcp

import (
	"context"
	"fmt"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/engine"
)

type CheckPolicyTool struct {
	engine *engine.Engine
}

func (t *CheckPolicyTool) Name() string { return "check-policy" }
func (t *CheckPolicyTool) Description() string {
	return `Ask what policy would say about an action, without running it.

A pure dry run: no adapter is invoked, nothing is recorded, no
confirmation is requested. The same first-match rule walk that gates
dispatch-action runs against the resolved target name (or the raw
name when the target is unknown, so rules can be checked before an
app is installed).

WHEN TO USE:
- Before a destructive or confirmation-gated action, to know whether
  to ask the human first
- Debugging why a dispatch came back denied

Verdicts: allow, deny, require-confirmation. An empty rule name means
no rule matched and the default deny fired.

Returns: {target, kind, verdict, rule}.`
}
func (t *CheckPolicyTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target": map[string]interface{}{
				"type":        "string",
				"description": "Target name the action would run against",
			},
			"kind": map[string]interface{}{
				"type":        "string",
				"description": "Action kind to evaluate",
			},
			"params": map[string]interface{}{
				"type":        "object",
				"description": "Kind-specific parameters, matched by rule param substrings",
			},
		},
		"required": []string{"target", "kind"},
	}
}
func (t *CheckPolicyTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target := getStringArg(args, "target")
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}
	kind := getStringArg(args, "kind")
	if kind == "" {
		return nil, fmt.Errorf("kind is required")
	}

	req := action.NewRequest(target, action.Kind(kind), getMapArg(args, "params"))
	decision, err := t.engine.CheckPolicy(ctx, target, req)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"target":  target,
		"kind":    kind,
		"verdict": decision.Verdict,
		"rule":    decision.Rule,
	}, nil
}
