package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"desknerd-mcp-server/internal/engine"
	"desknerd-mcp-server/internal/registry"
)

type ListTargetsTool struct {
	registry *registry.Registry
}

func (t *ListTargetsTool) Name() string { return "list-targets" }
func (t *ListTargetsTool) Description() string {
	return `List every application the engine can currently address.

USE THIS FIRST to discover exact target names before dispatching.
The snapshot merges running processes with installed applications;
installed-but-not-running entries can still be activated with
{launch: true}.

Set running_only:true to see just live processes.

Returns: {count, targets: [{name, pid, bundle_id, running, frontmost,
scriptable, ...}]}.`
}
func (t *ListTargetsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"running_only": map[string]interface{}{
				"type":        "boolean",
				"description": "Only include targets with a live process",
			},
		},
	}
}
func (t *ListTargetsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	targets, err := t.registry.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	if getBoolArg(args, "running_only", false) {
		kept := make([]registry.Target, 0, len(targets))
		for _, target := range targets {
			if target.Running {
				kept = append(kept, target)
			}
		}
		targets = kept
	}

	return map[string]interface{}{
		"count":   len(targets),
		"targets": targets,
	}, nil
}

type ResolveTargetTool struct {
	registry *registry.Registry
}

func (t *ResolveTargetTool) Name() string { return "resolve-target" }
func (t *ResolveTargetTool) Description() string {
	return `Resolve a fuzzy name to one canonical application target.

Resolution tries an exact case-insensitive match on name or bundle ID
first, then substring matching ("calc" -> "Calculator"). Ambiguous
fragments pick the shortest, most recently launched name unless
strict:true, which turns ambiguity into an error listing candidates.

USE BEFORE dispatching when unsure what a fragment resolves to; every
dispatch resolves the same way, so this is a free dry run of the name.

Returns: {target: {name, pid, bundle_id, running, frontmost, ...}}.
Errors: not_found, ambiguous_target.`
}
func (t *ResolveTargetTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Name fragment or bundle ID to resolve",
			},
			"strict": map[string]interface{}{
				"type":        "boolean",
				"description": "Error on ambiguous matches instead of ranking",
			},
		},
		"required": []string{"name"},
	}
}
func (t *ResolveTargetTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	target, err := t.registry.Resolve(ctx, name, getBoolArg(args, "strict", false))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"target": target}, nil
}

type TargetStateTool struct {
	engine *engine.Engine
}

func (t *TargetStateTool) Name() string { return "target-state" }
func (t *TargetStateTool) Description() string {
	return `Check whether an application is running, throttled for polling.

SAFE TO CALL IN A LOOP: consecutive no-change probes grow the
re-probe interval geometrically, and calls inside the hold window are
answered from cache (cached: true in the result) without touching the
OS. Any observed change snaps the interval back down.

The result also carries the live channel backoff entries for the
target, so you can see which control channels are cooling down and
for how long.

PREFER wait-for-target over hand-rolled polling loops.

Returns: {name, running, frontmost, pid, checked_at, cached,
backoff: {channel: {failures, next_eligible_at}}}.`
}
func (t *TargetStateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Target name to probe",
			},
		},
		"required": []string{"name"},
	}
}
func (t *TargetStateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	return t.engine.Probe(ctx, name)
}

type WaitForTargetTool struct {
	engine *engine.Engine
}

func (t *WaitForTargetTool) Name() string { return "wait-for-target" }
func (t *WaitForTargetTool) Description() string {
	return `Block until an application reaches the wanted running state.

WHEN TO USE:
- After dispatch-action activate {launch: true}, to wait for the app
- After quitting an app, with state:"stopped", to confirm it exited

The wait paces itself with the same idle-polling discipline as
target-state, so a long wait costs almost nothing. A timeout is not a
tool error: the result reports satisfied:false with timed_out:true
and the last observed state.

Returns: {satisfied, timed_out?, state: {...}}.`
}
func (t *WaitForTargetTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Target name to watch",
			},
			"state": map[string]interface{}{
				"type":        "string",
				"description": `"running" (default) or "stopped"`,
			},
			"timeout_ms": map[string]interface{}{
				"type":        "number",
				"description": "Give up after this many milliseconds (default 10000)",
			},
		},
		"required": []string{"name"},
	}
}
func (t *WaitForTargetTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := getStringArg(args, "name")
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	want := getStringArg(args, "state") != "stopped"
	timeout := time.Duration(getIntArg(args, "timeout_ms", 10000)) * time.Millisecond

	state, err := t.engine.WaitForTarget(ctx, name, want, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return map[string]interface{}{
				"satisfied": false,
				"timed_out": true,
				"state":     state,
			}, nil
		}
		return nil, err
	}
	return map[string]interface{}{
		"satisfied": true,
		"state":     state,
	}, nil
}
