package action

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request is one logical control action against a named target. Immutable
// once submitted; the engine resolves Target to a live handle at dispatch.
type Request struct {
	ID          string         `json:"id"`
	Target      string         `json:"target"`
	Kind        Kind           `json:"kind"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// NewRequest assigns a fresh request ID and submission timestamp.
func NewRequest(target string, kind Kind, params map[string]any) *Request {
	return &Request{
		ID:          uuid.NewString(),
		Target:      target,
		Kind:        kind,
		Params:      params,
		SubmittedAt: time.Now(),
	}
}

// String returns the string parameter under key, or "".
func (r *Request) String(key string) string {
	if r.Params == nil {
		return ""
	}
	switch v := r.Params[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Int returns the integer parameter under key, or fallback.
func (r *Request) Int(key string, fallback int) int {
	if r.Params == nil {
		return fallback
	}
	switch v := r.Params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// Bool returns the boolean parameter under key, or fallback.
func (r *Request) Bool(key string, fallback bool) bool {
	if r.Params == nil {
		return fallback
	}
	if b, ok := r.Params[key].(bool); ok {
		return b
	}
	return fallback
}

// Strings returns the string-slice parameter under key. JSON decoding
// hands us []interface{}, so both shapes are accepted.
func (r *Request) Strings(key string) []string {
	if r.Params == nil {
		return nil
	}
	switch v := r.Params[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return nil
	}
}

// Points returns the [][2]int parameter under key (gesture paths).
func (r *Request) Points(key string) [][2]int {
	if r.Params == nil {
		return nil
	}
	raw, ok := r.Params[key].([]interface{})
	if !ok {
		if typed, ok := r.Params[key].([][2]int); ok {
			return typed
		}
		return nil
	}
	out := make([][2]int, 0, len(raw))
	for _, item := range raw {
		pair, ok := item.([]interface{})
		if !ok || len(pair) != 2 {
			return nil
		}
		x, xok := asInt(pair[0])
		y, yok := asInt(pair[1])
		if !xok || !yok {
			return nil
		}
		out = append(out, [2]int{x, y})
	}
	return out
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

// HasInt reports whether the parameter exists and is numeric.
func (r *Request) HasInt(key string) bool {
	if r.Params == nil {
		return false
	}
	_, ok := asInt(r.Params[key])
	return ok
}

// Validate checks the per-kind parameter shape. A non-nil result is always
// a malformed_request error, which dispatch treats as fatal.
func (r *Request) Validate() *Error {
	if r.Target == "" {
		return NewError(CodeMalformedRequest, "target is required")
	}
	if _, ok := ParseKind(string(r.Kind)); !ok {
		return Errorf(CodeMalformedRequest, "unknown action kind %q", r.Kind)
	}

	switch r.Kind {
	case KindActivate:
		// launch flag is optional; no required params
	case KindKeystroke:
		if r.String("key") == "" {
			return NewError(CodeMalformedRequest, "keystroke requires key")
		}
	case KindMenuSelect:
		if len(r.Strings("path")) < 2 {
			return NewError(CodeMalformedRequest, "menu-select requires path with at least menu and item")
		}
	case KindTypeText:
		if r.String("text") == "" {
			return NewError(CodeMalformedRequest, "type-text requires text")
		}
	case KindClickAt:
		if !r.HasInt("x") || !r.HasInt("y") {
			return NewError(CodeMalformedRequest, "click-at requires x and y")
		}
	case KindClickElement:
		if r.String("label") == "" {
			return NewError(CodeMalformedRequest, "click-element requires label")
		}
	case KindDrag:
		for _, key := range []string{"from_x", "from_y", "to_x", "to_y"} {
			if !r.HasInt(key) {
				return Errorf(CodeMalformedRequest, "drag requires %s", key)
			}
		}
	case KindGesture:
		if len(r.Points("points")) < 2 {
			return NewError(CodeMalformedRequest, "gesture requires at least two points")
		}
	case KindRunCommand:
		if r.String("command") == "" {
			return NewError(CodeMalformedRequest, "run-command requires command")
		}
	}
	return nil
}
