package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/registry"
)

// PointerAdapter injects synthetic pointer events through cliclick.
// It operates on absolute screen coordinates or target-window-relative
// ones; staleness of caller-supplied coordinates is the caller's problem.
type PointerAdapter struct {
	runner    Runner
	cliclick  string
	osascript string

	width  int
	height int

	probeOnce sync.Once
	probedW   int
	probedH   int
}

// NewPointerAdapter creates the coordinate channel. displayW/displayH of 0
// cause a one-time display bounds probe on first use.
func NewPointerAdapter(runner Runner, cliclickPath, osascriptPath string, displayW, displayH int) *PointerAdapter {
	if cliclickPath == "" {
		cliclickPath = "cliclick"
	}
	if osascriptPath == "" {
		osascriptPath = "osascript"
	}
	return &PointerAdapter{
		runner:    runner,
		cliclick:  cliclickPath,
		osascript: osascriptPath,
		width:     displayW,
		height:    displayH,
	}
}

func (p *PointerAdapter) Name() string { return NameCoordinate }

func (p *PointerAdapter) Class() Class { return ClassCoordinate }

func (p *PointerAdapter) Supports(kind action.Kind) bool {
	switch kind {
	case action.KindClickAt, action.KindClickElement, action.KindDrag, action.KindGesture:
		return true
	}
	return false
}

func (p *PointerAdapter) Execute(ctx context.Context, target registry.Target, req *action.Request) (map[string]any, *action.Error) {
	tokens, aerr := p.tokens(ctx, target, req)
	if aerr != nil {
		return nil, aerr
	}
	output, err := p.runner.Run(ctx, p.cliclick, tokens...)
	if err != nil {
		return nil, p.classify(err, output)
	}
	return map[string]any{"kind": string(req.Kind), "events": strings.Join(tokens, " ")}, nil
}

// ClickAt clicks an absolute screen point. The vision channel delegates
// its located matches here.
func (p *PointerAdapter) ClickAt(ctx context.Context, x, y int, button string) (map[string]any, *action.Error) {
	if aerr := p.checkDisplayBounds(ctx, x, y); aerr != nil {
		return nil, aerr
	}
	token, aerr := clickToken(x, y, button)
	if aerr != nil {
		return nil, aerr
	}
	output, err := p.runner.Run(ctx, p.cliclick, token)
	if err != nil {
		return nil, p.classify(err, output)
	}
	return map[string]any{"x": x, "y": y, "button": buttonOrDefault(button)}, nil
}

// tokens renders a request into cliclick event tokens, validating every
// coordinate against the relevant bounds first.
func (p *PointerAdapter) tokens(ctx context.Context, target registry.Target, req *action.Request) ([]string, *action.Error) {
	switch req.Kind {
	case action.KindClickAt:
		x, y := req.Int("x", 0), req.Int("y", 0)
		x, y, aerr := p.resolvePoint(ctx, target, req, x, y)
		if aerr != nil {
			return nil, aerr
		}
		token, aerr := clickToken(x, y, req.String("button"))
		if aerr != nil {
			return nil, aerr
		}
		return []string{token}, nil

	case action.KindClickElement:
		// Pure coordinate control cannot search a UI tree. A hint point in
		// the request is honored; otherwise the scheduler moves on to the
		// vision channel.
		if !req.HasInt("x") || !req.HasInt("y") {
			return nil, action.Errorf(action.CodeElementNotFound,
				"no coordinates provided to locate element %q", req.String("label"))
		}
		x, y, aerr := p.resolvePoint(ctx, target, req, req.Int("x", 0), req.Int("y", 0))
		if aerr != nil {
			return nil, aerr
		}
		token, aerr := clickToken(x, y, req.String("button"))
		if aerr != nil {
			return nil, aerr
		}
		return []string{token}, nil

	case action.KindDrag:
		fx, fy, aerr := p.resolvePoint(ctx, target, req, req.Int("from_x", 0), req.Int("from_y", 0))
		if aerr != nil {
			return nil, aerr
		}
		tx, ty, aerr := p.resolvePoint(ctx, target, req, req.Int("to_x", 0), req.Int("to_y", 0))
		if aerr != nil {
			return nil, aerr
		}
		tokens := []string{fmt.Sprintf("dd:%d,%d", fx, fy)}
		for _, mid := range interpolate(fx, fy, tx, ty, req.Int("steps", 0)) {
			tokens = append(tokens, fmt.Sprintf("dm:%d,%d", mid.X, mid.Y))
		}
		return append(tokens, fmt.Sprintf("du:%d,%d", tx, ty)), nil

	case action.KindGesture:
		points := req.Points("points")
		if len(points) < 2 {
			return nil, action.NewError(action.CodeMalformedRequest, "gesture needs at least two points")
		}
		resolved := make([]Point, len(points))
		for i, pt := range points {
			x, y, aerr := p.resolvePoint(ctx, target, req, pt[0], pt[1])
			if aerr != nil {
				return nil, aerr
			}
			resolved[i] = Point{X: x, Y: y}
		}
		press := req.Bool("press", false)
		tokens := make([]string, 0, len(resolved))
		for i, pt := range resolved {
			prefix := "m"
			if press {
				switch i {
				case 0:
					prefix = "dd"
				case len(resolved) - 1:
					prefix = "du"
				default:
					prefix = "dm"
				}
			}
			tokens = append(tokens, fmt.Sprintf("%s:%d,%d", prefix, pt.X, pt.Y))
		}
		return tokens, nil
	}

	return nil, action.Errorf(action.CodeMalformedRequest, "coordinate channel cannot carry %s", req.Kind)
}

// resolvePoint translates window-relative coordinates to absolute ones
// and validates the result against the applicable bounds.
func (p *PointerAdapter) resolvePoint(ctx context.Context, target registry.Target, req *action.Request, x, y int) (int, int, *action.Error) {
	if req.Bool("relative", false) {
		rect, aerr := p.windowRect(ctx, target)
		if aerr != nil {
			return 0, 0, aerr
		}
		if x < 0 || y < 0 || x >= rect.W || y >= rect.H {
			return 0, 0, action.Errorf(action.CodeOutOfBounds,
				"relative point (%d, %d) is outside the %dx%d window", x, y, rect.W, rect.H)
		}
		return rect.X + x, rect.Y + y, nil
	}

	if aerr := p.checkDisplayBounds(ctx, x, y); aerr != nil {
		return 0, 0, aerr
	}
	return x, y, nil
}

func (p *PointerAdapter) checkDisplayBounds(ctx context.Context, x, y int) *action.Error {
	w, h := p.displayBounds(ctx)
	if w <= 0 || h <= 0 {
		// Bounds unknown; let the OS sort it out.
		return nil
	}
	if x < 0 || y < 0 || x >= w || y >= h {
		return action.Errorf(action.CodeOutOfBounds,
			"point (%d, %d) is outside the %dx%d display", x, y, w, h)
	}
	return nil
}

// displayBounds returns configured display dimensions, probing the
// desktop once when none are configured.
func (p *PointerAdapter) displayBounds(ctx context.Context) (int, int) {
	if p.width > 0 && p.height > 0 {
		return p.width, p.height
	}
	p.probeOnce.Do(func() {
		output, err := p.runner.Run(ctx, p.osascript, "-e",
			`tell application "Finder" to get bounds of window of desktop`)
		if err != nil {
			log.Printf("[POINTER] display bounds probe failed: %v", err)
			return
		}
		// "0, 0, 1920, 1080"
		parts := strings.Split(strings.TrimSpace(output), ",")
		if len(parts) != 4 {
			log.Printf("[POINTER] unexpected bounds output: %q", truncateOutput(output, 80))
			return
		}
		w, errW := strconv.Atoi(strings.TrimSpace(parts[2]))
		h, errH := strconv.Atoi(strings.TrimSpace(parts[3]))
		if errW != nil || errH != nil {
			return
		}
		p.probedW, p.probedH = w, h
	})
	return p.probedW, p.probedH
}

type windowRect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"width"`
	H int `json:"height"`
}

const windowRectScript = `
function run(argv) {
  var se = Application('System Events');
  var windows;
  try {
    windows = se.processes[argv[0]].windows();
  } catch (e) {
    return JSON.stringify({error: String(e)});
  }
  if (windows.length === 0) return JSON.stringify({error: 'no window'});
  var w = windows[0];
  return JSON.stringify({
    x: w.position()[0],
    y: w.position()[1],
    width: w.size()[0],
    height: w.size()[1]
  });
}
`

// windowRect fetches the target's front window frame for relative
// addressing. No window means the channel cannot anchor the point.
func (p *PointerAdapter) windowRect(ctx context.Context, target registry.Target) (windowRect, *action.Error) {
	output, err := p.runner.Run(ctx, p.osascript, "-l", "JavaScript", "-e", windowRectScript, target.Name)
	if err != nil {
		return windowRect{}, p.classify(err, output)
	}

	payload, ok := extractJSON(output)
	if !ok {
		return windowRect{}, action.Errorf(action.CodeAdapterUnavailable,
			"unexpected window probe output: %s", truncateOutput(output, 120))
	}

	var probe struct {
		windowRect
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		return windowRect{}, action.NewError(action.CodeAdapterUnavailable, "parsing window probe failed").WithCause(err)
	}
	if probe.Error != "" {
		return windowRect{}, action.Errorf(action.CodeAdapterUnavailable,
			"target has no window to anchor relative coordinates: %s", probe.Error)
	}
	return probe.windowRect, nil
}

func clickToken(x, y int, button string) (string, *action.Error) {
	prefix := ""
	switch strings.ToLower(strings.TrimSpace(button)) {
	case "", "left":
		prefix = "c"
	case "right":
		prefix = "rc"
	case "double":
		prefix = "dc"
	default:
		return "", action.Errorf(action.CodeMalformedRequest, "unknown button %q", button)
	}
	return fmt.Sprintf("%s:%d,%d", prefix, x, y), nil
}

func buttonOrDefault(button string) string {
	if strings.TrimSpace(button) == "" {
		return "left"
	}
	return strings.ToLower(strings.TrimSpace(button))
}

// interpolate produces n evenly spaced midpoints between two points,
// exclusive of the endpoints.
func interpolate(fx, fy, tx, ty, n int) []Point {
	if n <= 0 {
		return nil
	}
	points := make([]Point, 0, n)
	for i := 1; i <= n; i++ {
		frac := float64(i) / float64(n+1)
		points = append(points, Point{
			X: fx + int(float64(tx-fx)*frac),
			Y: fy + int(float64(ty-fy)*frac),
		})
	}
	return points
}

// Batchable: primitive pointer events merge into one cliclick invocation.
func (p *PointerAdapter) Batchable(req *action.Request) bool {
	switch req.Kind {
	case action.KindClickAt, action.KindDrag, action.KindGesture:
		return true
	}
	return false
}

// ExecuteBatch merges requests into one cliclick invocation. Validation
// failures split the batch: the valid prefix still runs, and the error is
// reported at the failing index.
func (p *PointerAdapter) ExecuteBatch(ctx context.Context, target registry.Target, reqs []*action.Request) (int, *action.Error) {
	tokens := make([]string, 0, len(reqs))
	for i, req := range reqs {
		reqTokens, aerr := p.tokens(ctx, target, req)
		if aerr != nil {
			if len(tokens) > 0 {
				if output, err := p.runner.Run(ctx, p.cliclick, tokens...); err != nil {
					return 0, p.classify(err, output)
				}
			}
			return i, aerr
		}
		tokens = append(tokens, reqTokens...)
	}

	output, err := p.runner.Run(ctx, p.cliclick, tokens...)
	if err != nil {
		return 0, p.classify(err, output)
	}
	return len(reqs), nil
}

func (p *PointerAdapter) classify(err error, output string) *action.Error {
	if aerr := classifyRunError(p.cliclick, err); aerr != nil {
		return aerr
	}

	msg := strings.ToLower(output)
	switch {
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "unrecognized"):
		return action.Errorf(action.CodeMalformedRequest,
			"cliclick rejected the event sequence: %s", truncateOutput(output, 120)).WithCause(err)
	case strings.Contains(msg, "accessibility") || strings.Contains(msg, "not permitted") || strings.Contains(msg, "not trusted"):
		return action.NewError(action.CodeAdapterUnavailable, "input injection is not permitted").WithCause(err)
	}
	return action.Errorf(action.CodeAdapterUnavailable,
		"cliclick failed: %s", truncateOutput(output, 120)).WithCause(err)
}
