// Package channel implements the control surfaces that carry actions to
// desktop applications: accessibility scripting, DevTools command
// injection, synthetic pointer input, and vision-located clicking.
//
// Adapters are deterministic single-shot executors. They never retry and
// never sleep on failure; retry, backoff, and fallback ordering live in
// the dispatch engine one layer up.
package channel

import (
	"context"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/registry"
)

// Class orders adapters for candidate selection. Lower runs first.
type Class int

const (
	ClassAccessibility Class = iota
	ClassScripted
	ClassCoordinate
	ClassVision
)

func (c Class) String() string {
	switch c {
	case ClassAccessibility:
		return "accessibility"
	case ClassScripted:
		return "scripted"
	case ClassCoordinate:
		return "coordinate"
	case ClassVision:
		return "vision"
	default:
		return "unknown"
	}
}

// Channel names as they appear in outcomes, policies, and facts.
const (
	NameAccessibility = "accessibility"
	NameScripted      = "scripted"
	NameCoordinate    = "coordinate"
	NameVision        = "vision"
)

// Adapter is one control surface able to carry actions to a target.
// Execute performs exactly one attempt and reports a coded error on
// failure; the returned detail map is merged into the outcome record.
type Adapter interface {
	Name() string
	Class() Class
	Supports(kind action.Kind) bool
	Execute(ctx context.Context, target registry.Target, req *action.Request) (map[string]any, *action.Error)
}

// BatchExecutor is implemented by adapters that can carry several
// requests in one underlying invocation. ExecuteBatch reports how many
// leading requests completed; the error, if any, belongs to the request
// at that index.
type BatchExecutor interface {
	Batchable(req *action.Request) bool
	ExecuteBatch(ctx context.Context, target registry.Target, reqs []*action.Request) (int, *action.Error)
}

// Point is a screen coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}
