package mcp

import (
	"context"
	"fmt"

	"desknerd-mcp-server/internal/facts"
	"desknerd-mcp-server/internal/recorder"
)

type QueryFactsTool struct {
	facts *facts.Store
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Query the deductive fact store with a single Mangle atom.

Every dispatch feeds the store: dispatch_outcome(Target, Kind,
Channel, Status, Code), policy_decision(Target, Kind, Verdict, Rule),
channel_backoff(Target, Channel, Failures), target_state(Target,
Running, Frontmost). Shipped derivations include failed_dispatch,
flaky_channel, denied_action, running_target, frontmost_target.

QUERY SYNTAX: one atom, capitalized names bind as variables:
  dispatch_outcome("Calculator", Kind, Channel, Status, Code)
  flaky_channel(Target, Channel)
The trailing period is optional.

WHEN TO USE:
- "Which channel keeps failing on this app?"  -> flaky_channel
- "What got denied recently and by which rule?" -> denied_action
- Post-mortem over a stretch of automation without re-reading logs

Returns: {query, count, results: [{Var: value, ...}]}.`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Single Mangle atom, e.g. flaky_channel(Target, Channel)",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := getStringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	results, err := t.facts.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"query":   query,
		"count":   len(results),
		"results": results,
	}, nil
}

type SubmitRuleTool struct {
	facts *facts.Store
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add a Mangle rule to the live fact store.

Rules derive new predicates from the base facts emitted by the
engine and re-evaluate automatically as facts arrive, so a rule
submitted now answers queries about everything recorded afterward.

RULE SYNTAX (declare, then derive):
  Decl stuck_app(Target).
  stuck_app(Target) :- flaky_channel(Target, _), running_target(Target).

Rules accumulate for the lifetime of the server process. Query the
derived predicate with query-facts.

Returns: {status: "ok"} on acceptance; parse and analysis errors are
reported verbatim.`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle source with Decl statements and rules",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	rule := getStringArg(args, "rule")
	if rule == "" {
		return nil, fmt.Errorf("rule is required")
	}

	if err := t.facts.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok"}, nil
}

type RecentOutcomesTool struct {
	recorder *recorder.Recorder
}

func (t *RecentOutcomesTool) Name() string { return "recent-outcomes" }
func (t *RecentOutcomesTool) Description() string {
	return `Read the most recent action outcomes, newest first.

The flight log of what the engine actually did: every dispatch ends
up here with its status, channel, error code, and elapsed time,
whether it came from dispatch-action, a sequence, or another caller.

Filter with target to see one application's history. Default limit
is 20.

PREFER query-facts for questions ("what keeps failing?"); use this
for the raw chronological record.

Returns: {count, session, outcomes: [...]} newest first.`
}
func (t *RecentOutcomesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum outcomes to return (default 20)",
			},
			"target": map[string]interface{}{
				"type":        "string",
				"description": "Only outcomes for this target (case-insensitive)",
			},
		},
	}
}
func (t *RecentOutcomesTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	limit := getIntArg(args, "limit", 20)
	target := getStringArg(args, "target")

	outcomes := t.recorder.Recent(limit, target)
	return map[string]interface{}{
		"count":    len(outcomes),
		"session":  t.recorder.Session(),
		"outcomes": outcomes,
	}, nil
}
