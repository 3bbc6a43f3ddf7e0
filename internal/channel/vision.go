package channel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/registry"
)

// Locator finds a labeled element on a captured frame and reports the
// match point with a confidence in [0, 1].
type Locator interface {
	Locate(ctx context.Context, imagePath, query string) (Point, float64, error)
}

// CommandLocator shells out to an external matcher:
//
//	<command...> <image-path> <query>
//
// Expected stdout is a single "x y confidence" line; empty output means
// no match.
type CommandLocator struct {
	runner  Runner
	command []string
}

// NewCommandLocator wraps an external matcher command.
func NewCommandLocator(runner Runner, command []string) *CommandLocator {
	return &CommandLocator{runner: runner, command: command}
}

func (l *CommandLocator) Locate(ctx context.Context, imagePath, query string) (Point, float64, error) {
	args := append(append([]string{}, l.command[1:]...), imagePath, query)
	output, err := l.runner.Run(ctx, l.command[0], args...)
	if err != nil {
		return Point{}, 0, err
	}

	line := strings.TrimSpace(output)
	if line == "" {
		return Point{}, 0, nil
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Point{}, 0, fmt.Errorf("unexpected locator output: %q", truncateOutput(line, 80))
	}
	x, errX := strconv.Atoi(fields[0])
	y, errY := strconv.Atoi(fields[1])
	conf, errC := strconv.ParseFloat(fields[2], 64)
	if errX != nil || errY != nil || errC != nil {
		return Point{}, 0, fmt.Errorf("unexpected locator output: %q", truncateOutput(line, 80))
	}
	return Point{X: x, Y: y}, conf, nil
}

// VisionAdapter locates elements on a screen capture and delegates the
// click to the coordinate channel. It is deliberately the last resort:
// slowest, least deterministic, but independent of any UI tree.
type VisionAdapter struct {
	runner        Runner
	screencapture string
	captureDir    string
	locator       Locator
	threshold     float64
	pointer       *PointerAdapter
}

// NewVisionAdapter creates the vision channel. locator may be nil when no
// matcher is configured; the adapter then reports itself unavailable.
func NewVisionAdapter(runner Runner, screencapturePath, captureDir string, locator Locator, threshold float64, pointer *PointerAdapter) *VisionAdapter {
	if screencapturePath == "" {
		screencapturePath = "screencapture"
	}
	if captureDir == "" {
		captureDir = "data/captures"
	}
	return &VisionAdapter{
		runner:        runner,
		screencapture: screencapturePath,
		captureDir:    captureDir,
		locator:       locator,
		threshold:     threshold,
		pointer:       pointer,
	}
}

func (v *VisionAdapter) Name() string { return NameVision }

func (v *VisionAdapter) Class() Class { return ClassVision }

func (v *VisionAdapter) Supports(kind action.Kind) bool {
	return kind == action.KindClickElement
}

func (v *VisionAdapter) Execute(ctx context.Context, target registry.Target, req *action.Request) (map[string]any, *action.Error) {
	if req.Kind != action.KindClickElement {
		return nil, action.Errorf(action.CodeMalformedRequest, "vision channel cannot carry %s", req.Kind)
	}
	if v.locator == nil {
		return nil, action.NewError(action.CodeAdapterUnavailable, "no vision locator configured")
	}

	query := req.String("label")
	if role := req.String("role"); role != "" {
		query = role + " " + query
	}

	capturePath, aerr := v.CaptureScreen(ctx)
	if aerr != nil {
		return nil, aerr
	}

	point, confidence, err := v.locator.Locate(ctx, capturePath, query)
	if err != nil {
		if aerr := classifyRunError("locator", err); aerr != nil {
			return nil, aerr
		}
		return nil, action.NewError(action.CodeAdapterUnavailable, "vision locator failed").WithCause(err)
	}
	if confidence < v.threshold {
		return nil, action.Errorf(action.CodeElementNotVisible,
			"best match for %q scored %.2f, below the %.2f threshold", query, confidence, v.threshold)
	}

	detail, aerr := v.pointer.ClickAt(ctx, point.X, point.Y, req.String("button"))
	if aerr != nil {
		return nil, aerr
	}
	detail["matched_at"] = point
	detail["confidence"] = confidence
	detail["capture"] = capturePath
	return detail, nil
}

// CaptureScreen grabs a silent full-screen frame and returns its path.
// Also serves the capture-screen tool directly.
func (v *VisionAdapter) CaptureScreen(ctx context.Context) (string, *action.Error) {
	return v.capture(ctx, nil)
}

// CaptureRegion grabs a rectangle of the screen.
func (v *VisionAdapter) CaptureRegion(ctx context.Context, x, y, w, h int) (string, *action.Error) {
	region := fmt.Sprintf("%d,%d,%d,%d", x, y, w, h)
	return v.capture(ctx, []string{"-R", region})
}

func (v *VisionAdapter) capture(ctx context.Context, extraArgs []string) (string, *action.Error) {
	if err := os.MkdirAll(v.captureDir, 0755); err != nil {
		return "", action.NewError(action.CodeAdapterUnavailable, "creating capture directory failed").WithCause(err)
	}

	path := filepath.Join(v.captureDir, fmt.Sprintf("capture_%d.png", time.Now().UnixMilli()))
	args := append([]string{"-x"}, extraArgs...)
	args = append(args, path)

	output, err := v.runner.Run(ctx, v.screencapture, args...)
	if err != nil {
		return "", v.classify(err, output)
	}
	return path, nil
}

func (v *VisionAdapter) classify(err error, output string) *action.Error {
	if aerr := classifyRunError(v.screencapture, err); aerr != nil {
		return aerr
	}
	msg := strings.ToLower(output)
	if strings.Contains(msg, "not authorized") || strings.Contains(msg, "cannot") || strings.Contains(msg, "permission") {
		return action.NewError(action.CodeAdapterUnavailable, "screen recording is not permitted").WithCause(err)
	}
	return action.Errorf(action.CodeAdapterUnavailable,
		"screencapture failed: %s", truncateOutput(output, 120)).WithCause(err)
}
