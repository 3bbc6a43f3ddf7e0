package mcp

import (
	"context"
	"fmt"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/engine"
)

// DispatchActionTool runs one control action through the full pipeline:
// resolution, policy, adapter fallback, backoff, recording.
type DispatchActionTool struct {
	engine *engine.Engine
}

func (t *DispatchActionTool) Name() string { return "dispatch-action" }
func (t *DispatchActionTool) Description() string {
	return `Execute one control action against a named application.

THE PRIMARY TOOL: everything visible on the desktop is driven through
here. The engine resolves the target, checks policy, then walks the
control channels in priority order (accessibility -> scripted ->
coordinate -> vision) until one succeeds.

ACTION KINDS AND THEIR PARAMS:
- activate      {launch?: bool}                    bring to front, optionally launching
- keystroke     {key, modifiers?: [cmd|shift|...]} one key press
- type-text     {text}                             literal text entry
- menu-select   {path: [menu, item, ...]}          menu bar navigation
- click-element {label, role?}                     click by accessible label
- click-at      {x, y, button?}                    click at screen coordinates
- drag          {from_x, from_y, to_x, to_y}       smooth pointer drag
- gesture       {points: [[x,y],...], mode?}       multi-point pointer path
- run-command   {command}                          scripted command on the target

RESULT: an outcome object with status (succeeded | denied |
failed-recoverable | failed-fatal), the channel that ran, a structured
error code on failure, and elapsed_ms. failed-recoverable means every
eligible channel was tried; retrying later may work.

CONFIRMATION: if policy answers require-confirmation the request is
refused with confirmation_rejected. Ask the human, then retry the
identical call with confirmed:true.

Use strict:true to fail on ambiguous target names instead of taking
the best fuzzy match.`
}
func (t *DispatchActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target": map[string]interface{}{
				"type":        "string",
				"description": "Application name, fuzzy fragment, or bundle ID",
			},
			"kind": map[string]interface{}{
				"type":        "string",
				"description": "Action kind (activate, keystroke, type-text, menu-select, click-element, click-at, drag, gesture, run-command)",
			},
			"params": map[string]interface{}{
				"type":        "object",
				"description": "Kind-specific parameters, see tool description",
			},
			"priority": map[string]interface{}{
				"type":        "string",
				"description": "Optional urgency hint carried on the request; never reorders the per-target queue",
			},
			"strict": map[string]interface{}{
				"type":        "boolean",
				"description": "Fail on ambiguous target resolution instead of picking the best match",
			},
			"confirmed": map[string]interface{}{
				"type":        "boolean",
				"description": "Set true to approve a require-confirmation policy verdict for this call",
			},
		},
		"required": []string{"target", "kind"},
	}
}
func (t *DispatchActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target := getStringArg(args, "target")
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}
	kind := getStringArg(args, "kind")
	if kind == "" {
		return nil, fmt.Errorf("kind is required")
	}

	req := action.NewRequest(target, action.Kind(kind), getMapArg(args, "params"))
	req.Priority = getStringArg(args, "priority")

	out := t.engine.Dispatch(ctx, req, dispatchOptions(args))
	return out, nil
}

// DispatchSequenceTool runs an ordered step list against one target,
// holding it for the whole run so nothing interleaves.
type DispatchSequenceTool struct {
	engine *engine.Engine
}

func (t *DispatchSequenceTool) Name() string { return "dispatch-sequence" }
func (t *DispatchSequenceTool) Description() string {
	return `Execute several actions against one application as a unit.

WHEN TO USE:
- Multi-step flows on a single app (focus field, type, press return)
- Repeated typing or key presses that should not interleave with other
  callers touching the same app

HOW IT RUNS:
- The target is resolved once and held for the whole sequence; other
  dispatches against it queue behind the run.
- Adjacent steps that route to the same batch-capable channel merge
  into one invocation (fast typing), but every step still gets its own
  outcome, so a mid-batch failure tells you exactly which step broke.
- stop_on_error (default true) stops at the first non-success; set it
  false to attempt every step regardless.

Steps use the same kinds and params as dispatch-action. Policy is
checked per step; a denied step never reaches an adapter.

Returns: {count, succeeded, outcomes: [...]} with one outcome per
attempted step, in order.`
}
func (t *DispatchSequenceTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target": map[string]interface{}{
				"type":        "string",
				"description": "Application name, fuzzy fragment, or bundle ID",
			},
			"steps": map[string]interface{}{
				"type":        "array",
				"description": "Ordered steps, each {kind, params}",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"kind":   map[string]interface{}{"type": "string"},
						"params": map[string]interface{}{"type": "object"},
					},
					"required": []string{"kind"},
				},
			},
			"stop_on_error": map[string]interface{}{
				"type":        "boolean",
				"description": "Stop at the first non-success outcome (default true)",
			},
			"strict": map[string]interface{}{
				"type":        "boolean",
				"description": "Fail on ambiguous target resolution",
			},
			"confirmed": map[string]interface{}{
				"type":        "boolean",
				"description": "Approve require-confirmation verdicts for every step of this call",
			},
		},
		"required": []string{"target", "steps"},
	}
}
func (t *DispatchSequenceTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target := getStringArg(args, "target")
	if target == "" {
		return nil, fmt.Errorf("target is required")
	}
	steps, err := parseSteps(args["steps"])
	if err != nil {
		return nil, err
	}
	stopOnError := getBoolArg(args, "stop_on_error", true)

	outcomes, err := t.engine.DispatchSequence(ctx, target, steps, stopOnError, dispatchOptions(args))
	if err != nil {
		return nil, err
	}

	succeeded := 0
	for _, out := range outcomes {
		if out.Status == action.StatusSucceeded {
			succeeded++
		}
	}
	return map[string]interface{}{
		"target":    target,
		"count":     len(outcomes),
		"succeeded": succeeded,
		"outcomes":  outcomes,
	}, nil
}
