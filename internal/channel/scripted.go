package channel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/registry"
)

// ScriptedAdapter injects commands directly into targets that expose a
// command surface: a DevTools endpoint for browser targets, AppleScript
// tell blocks for everything else. It ranks just behind the
// accessibility channel because injected commands bypass the UI.
type ScriptedAdapter struct {
	runner        Runner
	osascript     string
	endpoint      func(name string) (string, bool)
	attachTimeout time.Duration
	evalTimeout   time.Duration

	mu       sync.Mutex
	browsers map[string]*rod.Browser
}

// NewScriptedAdapter creates the scripted channel. endpoint maps a target
// name to its DevTools URL; targets without one only support run-command
// via AppleScript.
func NewScriptedAdapter(runner Runner, osascriptPath string, endpoint func(string) (string, bool), attachTimeout, evalTimeout time.Duration) *ScriptedAdapter {
	if osascriptPath == "" {
		osascriptPath = "osascript"
	}
	if endpoint == nil {
		endpoint = func(string) (string, bool) { return "", false }
	}
	if attachTimeout <= 0 {
		attachTimeout = 10 * time.Second
	}
	if evalTimeout <= 0 {
		evalTimeout = 5 * time.Second
	}
	return &ScriptedAdapter{
		runner:        runner,
		osascript:     osascriptPath,
		endpoint:      endpoint,
		attachTimeout: attachTimeout,
		evalTimeout:   evalTimeout,
		browsers:      make(map[string]*rod.Browser),
	}
}

func (s *ScriptedAdapter) Name() string { return NameScripted }

func (s *ScriptedAdapter) Class() Class { return ClassScripted }

func (s *ScriptedAdapter) Supports(kind action.Kind) bool {
	switch kind {
	case action.KindRunCommand, action.KindClickElement, action.KindClickAt, action.KindTypeText:
		return true
	}
	return false
}

func (s *ScriptedAdapter) Execute(ctx context.Context, target registry.Target, req *action.Request) (map[string]any, *action.Error) {
	url, ok := s.endpoint(target.Name)
	if !ok {
		if req.Kind == action.KindRunCommand {
			return s.runAppleScript(ctx, target, req.String("command"))
		}
		return nil, action.Errorf(action.CodeAdapterUnavailable,
			"no command endpoint configured for %s", target.Name)
	}

	page, aerr := s.page(ctx, url)
	if aerr != nil {
		return nil, aerr
	}

	switch req.Kind {
	case action.KindRunCommand:
		return s.evalJS(page, req.String("command"))
	case action.KindClickElement:
		return s.clickElement(page, req)
	case action.KindClickAt:
		return s.clickAt(page, req.Int("x", 0), req.Int("y", 0))
	case action.KindTypeText:
		if err := page.Timeout(s.evalTimeout).InsertText(req.String("text")); err != nil {
			return nil, s.classifyEval(err)
		}
		return map[string]any{"typed": len(req.String("text")), "via": "devtools"}, nil
	}
	return nil, action.Errorf(action.CodeMalformedRequest, "scripted channel cannot carry %s", req.Kind)
}

// runAppleScript wraps the command in a tell block addressed to the
// target application. The command must be AppleScript.
func (s *ScriptedAdapter) runAppleScript(ctx context.Context, target registry.Target, command string) (map[string]any, *action.Error) {
	script := fmt.Sprintf("tell application \"%s\"\n%s\nend tell", escapeAppleScript(target.Name), command)
	output, err := s.runner.Run(ctx, s.osascript, "-e", script)
	if err != nil {
		if aerr := classifyRunError(s.osascript, err); aerr != nil {
			return nil, aerr
		}
		msg := strings.ToLower(output)
		if strings.Contains(msg, "syntax error") || strings.Contains(msg, "expected") {
			return nil, action.Errorf(action.CodeMalformedRequest,
				"command is not valid AppleScript: %s", truncateOutput(output, 120)).WithCause(err)
		}
		if strings.Contains(msg, "not authorized") || strings.Contains(msg, "-1743") {
			return nil, action.NewError(action.CodeAdapterUnavailable, "automation of this application is not permitted").WithCause(err)
		}
		return nil, action.Errorf(action.CodeMalformedRequest,
			"command failed: %s", truncateOutput(output, 160)).WithCause(err)
	}
	return map[string]any{"result": strings.TrimSpace(output), "via": "applescript"}, nil
}

func (s *ScriptedAdapter) evalJS(page *rod.Page, command string) (map[string]any, *action.Error) {
	result, err := page.Timeout(s.evalTimeout).Eval(command)
	if err != nil {
		return nil, s.classifyEval(err)
	}
	return map[string]any{"result": result.Value.Val(), "via": "devtools"}, nil
}

func (s *ScriptedAdapter) clickElement(page *rod.Page, req *action.Request) (map[string]any, *action.Error) {
	var el *rod.Element
	var err error

	what := req.String("selector")
	if what != "" {
		el, err = page.Timeout(s.evalTimeout).Element(what)
	} else {
		what = req.String("label")
		pattern := "/^\\s*" + regexp.QuoteMeta(what) + "\\s*$/i"
		el, err = page.Timeout(s.evalTimeout).ElementR(
			`a, button, input, select, [role], [onclick], [tabindex]`, pattern)
	}
	if err != nil {
		return nil, action.Errorf(action.CodeElementNotFound,
			"no document element matches %q", what).WithCause(err)
	}

	if err := el.Click("left", 1); err != nil {
		return nil, s.classifyEval(err)
	}
	return map[string]any{"clicked": req.String("label"), "via": "devtools"}, nil
}

func (s *ScriptedAdapter) clickAt(page *rod.Page, x, y int) (map[string]any, *action.Error) {
	if err := page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
		return nil, s.classifyEval(err)
	}
	if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return nil, s.classifyEval(err)
	}
	return map[string]any{"x": x, "y": y, "via": "devtools"}, nil
}

// page attaches to the endpoint (caching the browser connection) and
// returns its first open page.
func (s *ScriptedAdapter) page(ctx context.Context, url string) (*rod.Page, *action.Error) {
	browser, aerr := s.browser(url)
	if aerr != nil {
		return nil, aerr
	}

	pages, err := browser.Pages()
	if err != nil {
		s.drop(url)
		return nil, action.NewError(action.CodeAdapterUnavailable, "listing endpoint pages failed").WithCause(err)
	}
	if len(pages) == 0 {
		return nil, action.NewError(action.CodeAdapterUnavailable, "endpoint has no open pages")
	}
	return pages[0].Context(ctx), nil
}

func (s *ScriptedAdapter) browser(url string) (*rod.Browser, *action.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.browsers[url]; ok {
		return b, nil
	}

	resolved := url
	if !strings.HasPrefix(url, "ws") {
		r, err := launcher.ResolveURL(url)
		if err != nil {
			return nil, action.Errorf(action.CodeAdapterUnavailable,
				"resolving endpoint %s failed", url).WithCause(err)
		}
		resolved = r
	}

	b := rod.New().ControlURL(resolved).Timeout(s.attachTimeout)
	if err := b.Connect(); err != nil {
		return nil, action.Errorf(action.CodeAdapterUnavailable,
			"attaching to endpoint %s failed", url).WithCause(err)
	}
	b = b.CancelTimeout()

	s.browsers[url] = b
	return b, nil
}

func (s *ScriptedAdapter) drop(url string) {
	s.mu.Lock()
	delete(s.browsers, url)
	s.mu.Unlock()
}

// Close disconnects every cached endpoint connection.
func (s *ScriptedAdapter) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for url, b := range s.browsers {
		_ = b.Close()
		delete(s.browsers, url)
	}
}

// classifyEval maps DevTools evaluation failures onto the taxonomy.
// Script-side exceptions are the command's fault and therefore fatal;
// transport problems are recoverable.
func (s *ScriptedAdapter) classifyEval(err error) *action.Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout"):
		return action.NewError(action.CodeAdapterUnavailable, "endpoint evaluation timed out").WithCause(err)
	case strings.Contains(msg, "SyntaxError") ||
		strings.Contains(msg, "Unexpected token") ||
		strings.Contains(msg, "Unexpected identifier"):
		return action.Errorf(action.CodeMalformedRequest, "command has a syntax error: %s", truncateOutput(msg, 120)).WithCause(err)
	case strings.Contains(msg, "ReferenceError") ||
		strings.Contains(msg, "TypeError") ||
		strings.Contains(msg, "is not defined") ||
		strings.Contains(msg, "is not a function"):
		return action.Errorf(action.CodeMalformedRequest, "command threw: %s", truncateOutput(msg, 120)).WithCause(err)
	case strings.Contains(msg, "websocket") || strings.Contains(msg, "connection"):
		return action.NewError(action.CodeAdapterUnavailable, "endpoint connection lost").WithCause(err)
	}
	return action.Errorf(action.CodeAdapterUnavailable, "endpoint command failed: %s", truncateOutput(msg, 120)).WithCause(err)
}
