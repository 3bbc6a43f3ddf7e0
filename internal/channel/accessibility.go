package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/atotto/clipboard"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/registry"
)

// batchMarker is logged to stderr after every action line in a merged
// script so partial progress can be counted when the script aborts.
const batchMarker = "__desknerd_ok__"

// keyCodes maps named keys to macOS virtual key codes for System Events
// "key code" commands.
var keyCodes = map[string]int{
	"return":         36,
	"enter":          76,
	"tab":            48,
	"space":          49,
	"delete":         51,
	"forward-delete": 117,
	"escape":         53,
	"esc":            53,
	"left":           123,
	"right":          124,
	"down":           125,
	"up":             126,
	"home":           115,
	"end":            119,
	"page-up":        116,
	"page-down":      121,
	"f1":             122,
	"f2":             120,
	"f3":             99,
	"f4":             118,
	"f5":             96,
	"f6":             97,
	"f7":             98,
	"f8":             100,
	"f9":             101,
	"f10":            109,
	"f11":            103,
	"f12":            111,
}

var modifierNames = map[string]string{
	"cmd":     "command down",
	"command": "command down",
	"alt":     "option down",
	"option":  "option down",
	"ctrl":    "control down",
	"control": "control down",
	"shift":   "shift down",
}

// Clipboard abstracts the system pasteboard so tests can observe the
// paste path without touching the real clipboard.
type Clipboard interface {
	WriteAll(text string) error
	ReadAll() (string, error)
}

type systemClipboard struct{}

func (systemClipboard) WriteAll(text string) error { return clipboard.WriteAll(text) }
func (systemClipboard) ReadAll() (string, error)   { return clipboard.ReadAll() }

// AccessibilityAdapter drives targets through the OS accessibility tree:
// System Events keystroke/menu scripting and UI element addressing.
type AccessibilityAdapter struct {
	runner         Runner
	osascript      string
	open           string
	pasteThreshold int
	clip           Clipboard
}

// NewAccessibilityAdapter creates the accessibility channel.
// pasteThreshold is the type-text length at which injection switches to a
// clipboard paste; 0 disables pasting.
func NewAccessibilityAdapter(runner Runner, osascriptPath, openPath string, pasteThreshold int) *AccessibilityAdapter {
	if osascriptPath == "" {
		osascriptPath = "osascript"
	}
	if openPath == "" {
		openPath = "open"
	}
	return &AccessibilityAdapter{
		runner:         runner,
		osascript:      osascriptPath,
		open:           openPath,
		pasteThreshold: pasteThreshold,
		clip:           systemClipboard{},
	}
}

// SetClipboard overrides the pasteboard implementation. Used by tests.
func (a *AccessibilityAdapter) SetClipboard(clip Clipboard) { a.clip = clip }

func (a *AccessibilityAdapter) Name() string { return NameAccessibility }

func (a *AccessibilityAdapter) Class() Class { return ClassAccessibility }

func (a *AccessibilityAdapter) Supports(kind action.Kind) bool {
	switch kind {
	case action.KindActivate, action.KindKeystroke, action.KindTypeText,
		action.KindMenuSelect, action.KindClickElement:
		return true
	}
	return false
}

func (a *AccessibilityAdapter) Execute(ctx context.Context, target registry.Target, req *action.Request) (map[string]any, *action.Error) {
	switch req.Kind {
	case action.KindActivate:
		return a.activate(ctx, target, req)
	case action.KindTypeText:
		text := req.String("text")
		if a.pasteThreshold > 0 && len(text) >= a.pasteThreshold {
			return a.pasteText(ctx, target, text)
		}
		return a.runLines(ctx, target, req)
	case action.KindKeystroke, action.KindMenuSelect:
		return a.runLines(ctx, target, req)
	case action.KindClickElement:
		return a.clickElement(ctx, target, req)
	}
	return nil, action.Errorf(action.CodeMalformedRequest, "accessibility channel cannot carry %s", req.Kind)
}

// activate brings the target frontmost. With launch=true a non-running
// target is started through open(1) so the launch is attributable;
// otherwise plain AppleScript activation is used, which also starts the
// application when needed.
func (a *AccessibilityAdapter) activate(ctx context.Context, target registry.Target, req *action.Request) (map[string]any, *action.Error) {
	launched := false
	if req.Bool("launch", false) && !target.Running {
		locator := target.Name
		args := []string{"-a", locator}
		if target.Path != "" {
			args = []string{target.Path}
		}
		if output, err := a.runner.Run(ctx, a.open, args...); err != nil {
			return nil, a.classify(err, output)
		}
		launched = true
	}

	script := fmt.Sprintf("tell application \"%s\" to activate", escapeAppleScript(target.Name))
	output, err := a.runner.Run(ctx, a.osascript, "-e", script)
	if err != nil {
		return nil, a.classify(err, output)
	}
	if !target.Running && !launched {
		launched = true
	}
	return map[string]any{"activated": target.Name, "launched": launched}, nil
}

func (a *AccessibilityAdapter) runLines(ctx context.Context, target registry.Target, req *action.Request) (map[string]any, *action.Error) {
	lines, aerr := a.scriptLines(req)
	if aerr != nil {
		return nil, aerr
	}
	output, err := a.runner.Run(ctx, a.osascript, "-e", processScript(target.Name, lines))
	if err != nil {
		return nil, a.classify(err, output)
	}

	detail := map[string]any{"kind": string(req.Kind)}
	switch req.Kind {
	case action.KindTypeText:
		detail["typed"] = len(req.String("text"))
	case action.KindMenuSelect:
		detail["path"] = req.Strings("path")
	case action.KindKeystroke:
		detail["key"] = req.String("key")
	}
	return detail, nil
}

// scriptLines converts a request into the System Events statement(s) that
// carry it. Only kinds that are expressible as plain statements inside a
// process block belong here.
func (a *AccessibilityAdapter) scriptLines(req *action.Request) ([]string, *action.Error) {
	switch req.Kind {
	case action.KindKeystroke:
		line, aerr := keystrokeLine(req.String("key"), req.Strings("modifiers"))
		if aerr != nil {
			return nil, aerr
		}
		return []string{line}, nil
	case action.KindTypeText:
		return []string{fmt.Sprintf("keystroke \"%s\"", escapeAppleScript(req.String("text")))}, nil
	case action.KindMenuSelect:
		return []string{menuClickLine(req.Strings("path"))}, nil
	}
	return nil, action.Errorf(action.CodeMalformedRequest, "%s is not scriptable as a statement", req.Kind)
}

// keystrokeLine renders one key press. Single printable characters use
// "keystroke"; named keys use their virtual key code.
func keystrokeLine(key string, modifiers []string) (string, *action.Error) {
	using := ""
	if len(modifiers) > 0 {
		parts := make([]string, 0, len(modifiers))
		for _, m := range modifiers {
			name, ok := modifierNames[strings.ToLower(strings.TrimSpace(m))]
			if !ok {
				return "", action.Errorf(action.CodeMalformedRequest, "unknown modifier %q", m)
			}
			parts = append(parts, name)
		}
		using = fmt.Sprintf(" using {%s}", strings.Join(parts, ", "))
	}

	if code, ok := keyCodes[strings.ToLower(strings.TrimSpace(key))]; ok {
		return fmt.Sprintf("key code %d%s", code, using), nil
	}
	if utf8.RuneCountInString(key) == 1 {
		return fmt.Sprintf("keystroke \"%s\"%s", escapeAppleScript(key), using), nil
	}
	return "", action.Errorf(action.CodeMalformedRequest, "unknown key %q", key)
}

// menuClickLine renders a menu bar traversal. The first path element is
// the menu bar item; intermediate elements are submenus.
//
//	[File, Save]         -> menu item "Save" of menu "File" of menu bar item "File" of menu bar 1
//	[File, Export, PDF]  -> menu item "PDF" of menu "Export" of menu item "Export" of ...
func menuClickLine(path []string) string {
	last := len(path) - 1
	ref := fmt.Sprintf("menu item \"%s\"", escapeAppleScript(path[last]))
	for i := last - 1; i >= 1; i-- {
		ref += fmt.Sprintf(" of menu \"%s\" of menu item \"%s\"",
			escapeAppleScript(path[i]), escapeAppleScript(path[i]))
	}
	ref += fmt.Sprintf(" of menu \"%s\" of menu bar item \"%s\" of menu bar 1",
		escapeAppleScript(path[0]), escapeAppleScript(path[0]))
	return "click " + ref
}

// processScript wraps statements in a System Events process block and
// forces the target frontmost so injected input lands in it.
func processScript(processName string, lines []string) string {
	var b strings.Builder
	b.WriteString("tell application \"System Events\"\n")
	fmt.Fprintf(&b, "\ttell process \"%s\"\n", escapeAppleScript(processName))
	b.WriteString("\t\tset frontmost to true\n")
	for _, line := range lines {
		fmt.Fprintf(&b, "\t\t%s\n", line)
	}
	b.WriteString("\tend tell\nend tell\n")
	return b.String()
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// pasteText types a long payload by staging it on the clipboard and
// injecting Cmd+V. The previous clipboard contents are restored
// best-effort after the paste lands.
func (a *AccessibilityAdapter) pasteText(ctx context.Context, target registry.Target, text string) (map[string]any, *action.Error) {
	previous, _ := a.clip.ReadAll()
	if err := a.clip.WriteAll(text); err != nil {
		return nil, action.NewError(action.CodeAdapterUnavailable, "clipboard write failed").WithCause(err)
	}

	line, _ := keystrokeLine("v", []string{"command"})
	output, err := a.runner.Run(ctx, a.osascript, "-e", processScript(target.Name, []string{line}))

	// Give the target a beat to read the pasteboard before restoring it.
	_ = sleepWithContext(ctx, 100*time.Millisecond)
	_ = a.clip.WriteAll(previous)

	if err != nil {
		return nil, a.classify(err, output)
	}
	return map[string]any{"typed": len(text), "via": "clipboard"}, nil
}

// clickElementScript walks the UI element tree breadth-first looking for
// a name match (optionally role-filtered) and clicks it. Traversal is
// capped so a pathological tree cannot hang the channel.
const clickElementScript = `
function run(argv) {
  var procName = argv[0];
  var label = (argv[1] || '').toLowerCase();
  var role = (argv[2] || '').toLowerCase();
  var se = Application('System Events');
  var proc = se.processes[procName];
  var queue = [];
  try {
    var windows = proc.windows();
    for (var i = 0; i < windows.length; i++) queue.push(windows[i]);
  } catch (e) {
    return JSON.stringify({found: false, error: String(e)});
  }
  var visited = 0;
  while (queue.length > 0 && visited < 1024) {
    var el = queue.shift();
    visited++;
    var name = '';
    var roleDesc = '';
    var axRole = '';
    try { name = (el.name() || '').toLowerCase(); } catch (e) {}
    try { roleDesc = (el.roleDescription() || '').toLowerCase(); } catch (e) {}
    try { axRole = (el.role() || '').toLowerCase(); } catch (e) {}
    var roleOk = role === '' || roleDesc === role || axRole === role || axRole === 'ax' + role;
    if (roleOk && name === label) {
      try {
        se.click(el);
        var pos = [0, 0];
        try { pos = el.position(); } catch (e) {}
        return JSON.stringify({found: true, x: pos[0], y: pos[1], inspected: visited});
      } catch (e) {
        return JSON.stringify({found: false, error: String(e), inspected: visited});
      }
    }
    try {
      var kids = el.uiElements();
      for (var j = 0; j < kids.length; j++) queue.push(kids[j]);
    } catch (e) {}
  }
  return JSON.stringify({found: false, inspected: visited});
}
`

func (a *AccessibilityAdapter) clickElement(ctx context.Context, target registry.Target, req *action.Request) (map[string]any, *action.Error) {
	label := req.String("label")
	role := req.String("role")

	output, err := a.runner.Run(ctx, a.osascript,
		"-l", "JavaScript", "-e", clickElementScript, target.Name, label, role)
	if err != nil {
		return nil, a.classify(err, output)
	}

	payload, ok := extractJSON(output)
	if !ok {
		return nil, action.Errorf(action.CodeAdapterUnavailable,
			"unexpected element search output: %s", truncateOutput(output, 120))
	}

	var result struct {
		Found     bool    `json:"found"`
		X         float64 `json:"x"`
		Y         float64 `json:"y"`
		Inspected int     `json:"inspected"`
		Error     string  `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, action.NewError(action.CodeAdapterUnavailable, "parsing element search output failed").WithCause(err)
	}

	if !result.Found {
		msg := fmt.Sprintf("no element named %q", label)
		if role != "" {
			msg = fmt.Sprintf("no %s element named %q", role, label)
		}
		if result.Error != "" {
			msg += ": " + result.Error
		}
		return nil, action.NewError(action.CodeElementNotFound, msg)
	}

	return map[string]any{
		"clicked":   label,
		"x":         int(result.X),
		"y":         int(result.Y),
		"inspected": result.Inspected,
	}, nil
}

// Batchable reports which requests can be merged into one script.
// Clipboard pastes and element searches run their own invocations.
func (a *AccessibilityAdapter) Batchable(req *action.Request) bool {
	switch req.Kind {
	case action.KindKeystroke, action.KindMenuSelect:
		return true
	case action.KindTypeText:
		return a.pasteThreshold <= 0 || len(req.String("text")) < a.pasteThreshold
	}
	return false
}

// ExecuteBatch merges consecutive requests into one System Events script.
// Each action line is followed by a marker log so the completed count can
// be recovered from stderr when the script aborts mid-way.
func (a *AccessibilityAdapter) ExecuteBatch(ctx context.Context, target registry.Target, reqs []*action.Request) (int, *action.Error) {
	lines := make([]string, 0, len(reqs)*2)
	for i, req := range reqs {
		reqLines, aerr := a.scriptLines(req)
		if aerr != nil {
			// Run the valid prefix, then report the failure at its index.
			if i > 0 {
				if completed, runErr := a.runBatchScript(ctx, target, lines, i); runErr != nil {
					return completed, runErr
				}
			}
			return i, aerr
		}
		lines = append(lines, reqLines...)
		lines = append(lines, fmt.Sprintf("log \"%s\"", batchMarker))
	}

	return a.runBatchScript(ctx, target, lines, len(reqs))
}

func (a *AccessibilityAdapter) runBatchScript(ctx context.Context, target registry.Target, lines []string, total int) (int, *action.Error) {
	output, err := a.runner.Run(ctx, a.osascript, "-e", processScript(target.Name, lines))
	if err != nil {
		completed := strings.Count(output, batchMarker)
		if completed > total {
			completed = total
		}
		return completed, a.classify(err, output)
	}
	return total, nil
}

// classify maps osascript failures onto the error taxonomy. macOS error
// text uses a typographic apostrophe, so both spellings are matched.
func (a *AccessibilityAdapter) classify(err error, output string) *action.Error {
	if aerr := classifyRunError(a.osascript, err); aerr != nil {
		return aerr
	}

	msg := strings.ToLower(output)
	switch {
	case strings.Contains(msg, "assistive access") ||
		strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "-25211") ||
		strings.Contains(msg, "-1743"):
		return action.NewError(action.CodeAdapterUnavailable, "assistive access is not granted").WithCause(err)
	case strings.Contains(msg, "can't get menu") || strings.Contains(msg, "can’t get menu"):
		return action.NewError(action.CodeElementNotFound, "menu path does not exist").WithCause(err)
	case strings.Contains(msg, "can't get") ||
		strings.Contains(msg, "can’t get") ||
		strings.Contains(msg, "invalid index") ||
		strings.Contains(msg, "-1719"):
		return action.NewError(action.CodeElementNotFound, "addressed UI element does not exist").WithCause(err)
	case strings.Contains(msg, "isn't running") ||
		strings.Contains(msg, "isn’t running") ||
		strings.Contains(msg, "-600"):
		return action.NewError(action.CodeAdapterUnavailable, "application process is gone").WithCause(err)
	}
	return action.Errorf(action.CodeAdapterUnavailable,
		"osascript failed: %s", truncateOutput(output, 160)).WithCause(err)
}
