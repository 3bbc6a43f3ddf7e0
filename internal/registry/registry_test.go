package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"desknerd-mcp-server/internal/action"
)

// fakeSource is an in-memory Source for registry tests.
type fakeSource struct {
	mu      sync.Mutex
	procs   []Process
	apps    []App
	procErr error
	calls   int
}

func (f *fakeSource) Processes(ctx context.Context) ([]Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.procErr != nil {
		return nil, f.procErr
	}
	return append([]Process(nil), f.procs...), nil
}

func (f *fakeSource) InstalledApps(ctx context.Context) ([]App, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]App(nil), f.apps...), nil
}

func (f *fakeSource) setProcs(procs []Process) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = procs
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestRegistry(src Source) *Registry {
	return New(src, time.Minute, false, nil)
}

func TestResolveExact(t *testing.T) {
	src := &fakeSource{procs: []Process{
		{Name: "Calculator", PID: 101, BundleID: "com.apple.calculator"},
		{Name: "Calculator Pro", PID: 102},
	}}
	reg := newTestRegistry(src)

	target, err := reg.Resolve(context.Background(), "calculator", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Name != "Calculator" {
		t.Errorf("expected 'Calculator', got %q", target.Name)
	}
	if !target.Running || target.PID != 101 {
		t.Errorf("expected running target with PID 101, got %+v", target)
	}
}

func TestResolveFuzzyShortestWins(t *testing.T) {
	src := &fakeSource{procs: []Process{
		{Name: "Safari Technology Preview", PID: 11},
		{Name: "Safari", PID: 12},
	}}
	reg := newTestRegistry(src)

	target, err := reg.Resolve(context.Background(), "safar", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Name != "Safari" {
		t.Errorf("expected shortest candidate 'Safari', got %q", target.Name)
	}
}

func TestResolveStrictAmbiguous(t *testing.T) {
	src := &fakeSource{procs: []Process{
		{Name: "Safari Technology Preview"},
		{Name: "Safari"},
	}}
	reg := newTestRegistry(src)

	_, err := reg.Resolve(context.Background(), "safar", true)
	if err == nil {
		t.Fatal("expected ambiguity error in strict mode")
	}
	if code := action.ErrorCode(err); code != action.CodeAmbiguousTarget {
		t.Errorf("expected %s, got %s", action.CodeAmbiguousTarget, code)
	}
	if !strings.Contains(err.Error(), "Safari Technology Preview") {
		t.Errorf("expected candidate names in message, got %q", err.Error())
	}
}

func TestResolveNotFound(t *testing.T) {
	src := &fakeSource{procs: []Process{{Name: "Notes"}}}
	reg := newTestRegistry(src)

	_, err := reg.Resolve(context.Background(), "xcode", false)
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if code := action.ErrorCode(err); code != action.CodeNotFound {
		t.Errorf("expected %s, got %s", action.CodeNotFound, code)
	}
}

func TestResolveMissForcesOneRefresh(t *testing.T) {
	src := &fakeSource{procs: []Process{{Name: "Notes"}}}
	reg := newTestRegistry(src)

	// Prime the cache
	if _, err := reg.ListAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := src.callCount(); got != 1 {
		t.Fatalf("expected 1 enumeration, got %d", got)
	}

	// App appears after the cached snapshot was taken
	src.setProcs([]Process{{Name: "Notes"}, {Name: "Xcode", PID: 33}})

	target, err := reg.Resolve(context.Background(), "xcode", false)
	if err != nil {
		t.Fatalf("expected miss to trigger re-enumeration, got error: %v", err)
	}
	if target.Name != "Xcode" {
		t.Errorf("expected 'Xcode', got %q", target.Name)
	}
	if got := src.callCount(); got != 2 {
		t.Errorf("expected exactly 2 enumerations, got %d", got)
	}
}

func TestResolveEmptyQuery(t *testing.T) {
	reg := newTestRegistry(&fakeSource{})

	_, err := reg.Resolve(context.Background(), "  ", false)
	if code := action.ErrorCode(err); code != action.CodeMalformedRequest {
		t.Errorf("expected %s, got %v", action.CodeMalformedRequest, err)
	}
}

func TestResolveEnumerationFailure(t *testing.T) {
	src := &fakeSource{procErr: errors.New("osascript: command not found")}
	reg := newTestRegistry(src)

	_, err := reg.Resolve(context.Background(), "notes", false)
	if err == nil {
		t.Fatal("expected error when enumeration fails")
	}
	if code := action.ErrorCode(err); code != action.CodeAdapterUnavailable {
		t.Errorf("expected %s, got %s", action.CodeAdapterUnavailable, code)
	}
}

func TestListAllUsesCacheWithinTTL(t *testing.T) {
	src := &fakeSource{procs: []Process{{Name: "Notes"}}}
	reg := newTestRegistry(src)

	for i := 0; i < 3; i++ {
		if _, err := reg.ListAll(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := src.callCount(); got != 1 {
		t.Errorf("expected 1 enumeration across cached calls, got %d", got)
	}

	reg.Invalidate()
	if _, err := reg.ListAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := src.callCount(); got != 2 {
		t.Errorf("expected invalidation to force re-enumeration, got %d calls", got)
	}
}

func TestListAllExpiredTTL(t *testing.T) {
	src := &fakeSource{procs: []Process{{Name: "Notes"}}}
	reg := New(src, 10*time.Millisecond, false, nil)

	if _, err := reg.ListAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := reg.ListAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := src.callCount(); got != 2 {
		t.Errorf("expected stale snapshot to re-enumerate, got %d calls", got)
	}
}

func TestIsAlive(t *testing.T) {
	src := &fakeSource{
		procs: []Process{{Name: "Notes", PID: 5}},
		apps:  []App{{Name: "Xcode", Path: "/Applications/Xcode.app"}},
	}
	reg := newTestRegistry(src)

	tests := []struct {
		name  string
		query string
		want  bool
	}{
		{"running process", "Notes", true},
		{"installed but not running", "Xcode", false},
		{"unknown application", "Blender", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alive, err := reg.IsAlive(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if alive != tt.want {
				t.Errorf("IsAlive(%q) = %v, want %v", tt.query, alive, tt.want)
			}
		})
	}
}

func TestMarkLaunchedRecencyTieBreak(t *testing.T) {
	src := &fakeSource{procs: []Process{
		{Name: "Noteable"},
		{Name: "Notebook"},
	}}
	reg := newTestRegistry(src)

	// Same-length names: lexicographic order picks Noteable first.
	target, err := reg.Resolve(context.Background(), "note", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Name != "Noteable" {
		t.Fatalf("expected 'Noteable' before any launch, got %q", target.Name)
	}

	// A launch flips the recency tie-break.
	reg.MarkLaunched("Notebook")
	target, err = reg.Resolve(context.Background(), "note", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Name != "Notebook" {
		t.Errorf("expected most recently launched 'Notebook', got %q", target.Name)
	}
}

func TestMarkLaunchedInvalidates(t *testing.T) {
	src := &fakeSource{procs: []Process{{Name: "Notes"}}}
	reg := newTestRegistry(src)

	if _, err := reg.ListAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reg.MarkLaunched("Notes")
	if _, err := reg.ListAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := src.callCount(); got != 2 {
		t.Errorf("expected launch to invalidate the snapshot, got %d calls", got)
	}
}

func TestSnapshotMergesInstalledApps(t *testing.T) {
	src := &fakeSource{
		procs: []Process{{Name: "Safari", PID: 9}},
		apps: []App{
			{Name: "Safari", Path: "/Applications/Safari.app"},
			{Name: "Xcode", Path: "/Applications/Xcode.app"},
		},
	}
	reg := newTestRegistry(src)

	targets, err := reg.ListAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 merged targets, got %d: %#v", len(targets), targets)
	}

	byName := make(map[string]Target, len(targets))
	for _, target := range targets {
		byName[target.Name] = target
	}

	safari := byName["Safari"]
	if !safari.Running || safari.PID != 9 {
		t.Errorf("expected running Safari with PID 9, got %+v", safari)
	}
	if safari.Path != "/Applications/Safari.app" {
		t.Errorf("expected bundle path filled from installed scan, got %q", safari.Path)
	}

	xcode := byName["Xcode"]
	if xcode.Running {
		t.Error("expected installed-only Xcode to report not running")
	}
}

func TestScriptableFlagFromEndpoints(t *testing.T) {
	src := &fakeSource{procs: []Process{
		{Name: "Google Chrome", PID: 7},
		{Name: "Notes", PID: 8},
	}}
	reg := New(src, time.Minute, false, map[string]string{
		"google chrome": "ws://localhost:9222",
	})

	chrome, err := reg.Resolve(context.Background(), "Google Chrome", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !chrome.Scriptable {
		t.Error("expected Chrome to be flagged scriptable")
	}

	notes, err := reg.Resolve(context.Background(), "Notes", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notes.Scriptable {
		t.Error("expected Notes to not be scriptable")
	}

	if url, ok := reg.ScriptEndpoint("google chrome"); !ok || url != "ws://localhost:9222" {
		t.Errorf("expected endpoint lookup to succeed, got %q %v", url, ok)
	}
	if _, ok := reg.ScriptEndpoint("notes"); ok {
		t.Error("expected no endpoint for Notes")
	}
}

// snapshotSink records refresh notifications.
type snapshotSink struct {
	mu        sync.Mutex
	snapshots [][]Target
}

func (s *snapshotSink) TargetsRefreshed(targets []Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, targets)
}

func TestSinkReceivesSnapshots(t *testing.T) {
	src := &fakeSource{procs: []Process{{Name: "Notes"}}}
	reg := newTestRegistry(src)
	sink := &snapshotSink{}
	reg.SetSink(sink)

	if _, err := reg.ListAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.snapshots) != 1 {
		t.Fatalf("expected 1 snapshot notification, got %d", len(sink.snapshots))
	}
	if len(sink.snapshots[0]) != 1 || sink.snapshots[0][0].Name != "Notes" {
		t.Errorf("unexpected snapshot contents: %#v", sink.snapshots[0])
	}
}
