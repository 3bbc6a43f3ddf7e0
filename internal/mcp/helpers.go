package mcp

import (
	"context"
	"fmt"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/engine"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if n, ok := asInt(val); ok {
		return n
	}
	return fallback
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

// getMapArg extracts a nested object argument; absent or mistyped reads
// as nil, which downstream validation reports per field.
func getMapArg(args map[string]interface{}, key string) map[string]interface{} {
	if m, ok := args[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// dispatchOptions builds per-call engine options from tool arguments. A
// confirmed:true argument pre-approves require-confirmation verdicts for
// exactly this call; otherwise such requests are refused and the caller
// must retry with confirmation.
func dispatchOptions(args map[string]interface{}) engine.DispatchOptions {
	opts := engine.DispatchOptions{Strict: getBoolArg(args, "strict", false)}
	if getBoolArg(args, "confirmed", false) {
		opts.Confirm = func(context.Context, *action.Request, string) (bool, error) {
			return true, nil
		}
	}
	return opts
}

// parseSteps decodes the steps array of a dispatch-sequence call.
func parseSteps(raw interface{}) ([]engine.SequenceStep, error) {
	items, ok := raw.([]interface{})
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("steps must be a non-empty array")
	}

	steps := make([]engine.SequenceStep, 0, len(items))
	for i, item := range items {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("step %d: expected an object with kind and params", i)
		}
		kind := getStringArg(entry, "kind")
		if kind == "" {
			return nil, fmt.Errorf("step %d: kind is required", i)
		}
		steps = append(steps, engine.SequenceStep{
			Kind:   kind,
			Params: getMapArg(entry, "params"),
		})
	}
	return steps, nil
}
