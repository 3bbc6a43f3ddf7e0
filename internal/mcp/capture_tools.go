package mcp

import (
	"context"
	"fmt"

	"desknerd-mcp-server/internal/action"
)

// Capturer grabs display frames. The vision adapter implements it;
// capture works without a locator since the frame grab is plain
// screencapture.
type Capturer interface {
	CaptureScreen(ctx context.Context) (string, *action.Error)
	CaptureRegion(ctx context.Context, x, y, w, h int) (string, *action.Error)
}

type CaptureScreenTool struct {
	capturer Capturer
}

func (t *CaptureScreenTool) Name() string { return "capture-screen" }
func (t *CaptureScreenTool) Description() string {
	return `Capture the current display to a PNG under the capture directory.

MODES:
- Full screen: call with no arguments.
- Region: pass x, y, width, height (all four required together).

The frame is saved silently (no camera sound) and the file path is
returned; read the file to inspect it. These are the same frames the
vision channel matches against, so a capture is a cheap way to see
what vision would see.

Returns: {path, region?}.
Errors: adapter_unavailable when screen recording permission is
missing or the capture binary cannot run.`
}
func (t *CaptureScreenTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"x":      map[string]interface{}{"type": "number", "description": "Region origin X"},
			"y":      map[string]interface{}{"type": "number", "description": "Region origin Y"},
			"width":  map[string]interface{}{"type": "number", "description": "Region width"},
			"height": map[string]interface{}{"type": "number", "description": "Region height"},
		},
	}
}
func (t *CaptureScreenTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.capturer == nil {
		return nil, fmt.Errorf("screen capture is not configured")
	}

	x, hasX := asInt(args["x"])
	y, hasY := asInt(args["y"])
	w, hasW := asInt(args["width"])
	h, hasH := asInt(args["height"])

	region := hasX || hasY || hasW || hasH
	if region && !(hasX && hasY && hasW && hasH) {
		return nil, fmt.Errorf("region capture requires x, y, width, and height together")
	}

	var (
		path string
		aerr *action.Error
	)
	if region {
		path, aerr = t.capturer.CaptureRegion(ctx, x, y, w, h)
	} else {
		path, aerr = t.capturer.CaptureScreen(ctx)
	}
	if aerr != nil {
		return nil, aerr
	}

	result := map[string]interface{}{"path": path}
	if region {
		result["region"] = map[string]int{"x": x, "y": y, "width": w, "height": h}
	}
	return result, nil
}
