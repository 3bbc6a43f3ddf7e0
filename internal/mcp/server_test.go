package mcp

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/channel"
	"desknerd-mcp-server/internal/config"
	"desknerd-mcp-server/internal/engine"
	"desknerd-mcp-server/internal/facts"
	"desknerd-mcp-server/internal/policy"
	"desknerd-mcp-server/internal/recorder"
	"desknerd-mcp-server/internal/registry"
)

type fakeSource struct {
	mu    sync.Mutex
	procs []registry.Process
	apps  []registry.App
}

func (s *fakeSource) Processes(context.Context) ([]registry.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]registry.Process{}, s.procs...), nil
}

func (s *fakeSource) InstalledApps(context.Context) ([]registry.App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]registry.App{}, s.apps...), nil
}

type fakeAdapter struct {
	name  string
	class channel.Class
	kinds map[action.Kind]bool

	mu     sync.Mutex
	calls  []*action.Request
	errs   []*action.Error
	detail map[string]any
}

func newFakeAdapter(name string, class channel.Class, kinds ...action.Kind) *fakeAdapter {
	supported := make(map[action.Kind]bool, len(kinds))
	for _, kind := range kinds {
		supported[kind] = true
	}
	return &fakeAdapter{name: name, class: class, kinds: supported}
}

// fail queues per-call results; nil entries mean success.
func (a *fakeAdapter) fail(errs ...*action.Error) *fakeAdapter {
	a.errs = append(a.errs, errs...)
	return a
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Class() channel.Class { return a.class }

func (a *fakeAdapter) Supports(kind action.Kind) bool { return a.kinds[kind] }

func (a *fakeAdapter) Execute(_ context.Context, _ registry.Target, req *action.Request) (map[string]any, *action.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	if len(a.errs) > 0 {
		next := a.errs[0]
		a.errs = a.errs[1:]
		if next != nil {
			return nil, next
		}
	}
	return a.detail, nil
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func allowAllRules() []policy.Rule {
	return []policy.Rule{{Name: "allow-everything", Verdict: policy.VerdictAllow}}
}

func defaultAdapters() []channel.Adapter {
	return []channel.Adapter{
		newFakeAdapter("access", channel.ClassAccessibility, action.Kinds()...),
	}
}

func newTestServer(t *testing.T, adapters []channel.Adapter, rules []policy.Rule) *Server {
	t.Helper()

	src := &fakeSource{
		procs: []registry.Process{
			{Name: "Calculator", PID: 101},
			{Name: "TextEdit", PID: 102},
			{Name: "Safari", PID: 104, Frontmost: true},
		},
		apps: []registry.App{{Name: "Pages", Path: "/Applications/Pages.app"}},
	}
	reg := registry.New(src, time.Minute, false, nil)

	gate, err := policy.New(rules, false)
	if err != nil {
		t.Fatalf("policy.New failed: %v", err)
	}

	rec, err := recorder.New(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("recorder.New failed: %v", err)
	}

	store, err := facts.New(config.FactsConfig{
		Enable:          true,
		SchemaPath:      "../../schemas/desktop.mg",
		FactBufferLimit: 1000,
	})
	if err != nil {
		t.Fatalf("facts.New failed: %v", err)
	}
	reg.SetSink(store)

	eng := engine.New(reg, gate, adapters, rec, store, engine.Config{
		BackoffBase:    5 * time.Millisecond,
		BackoffCeiling: 40 * time.Millisecond,
		PollBase:       2 * time.Millisecond,
		PollCeiling:    20 * time.Millisecond,
		DemoteAfter:    3,
	})

	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"

	server, err := NewServer(cfg, eng, reg, gate, rec, store, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server
}

func TestServerRegistersExpectedTools(t *testing.T) {
	server := newTestServer(t, defaultAdapters(), allowAllRules())

	expectedTools := []string{
		"dispatch-action",
		"dispatch-sequence",
		"list-targets",
		"resolve-target",
		"target-state",
		"wait-for-target",
		"check-policy",
		"capture-screen",
		"query-facts",
		"submit-rule",
		"recent-outcomes",
	}

	for _, toolName := range expectedTools {
		t.Run("tool_"+toolName, func(t *testing.T) {
			if _, exists := server.tools[toolName]; !exists {
				t.Errorf("expected tool %q to be registered", toolName)
			}
		})
	}

	if len(server.tools) != len(expectedTools) {
		t.Errorf("expected %d tools, got %d", len(expectedTools), len(server.tools))
	}
}

func TestToolInterfaceContracts(t *testing.T) {
	server := newTestServer(t, defaultAdapters(), allowAllRules())

	t.Run("all tools have valid names", func(t *testing.T) {
		for name, tool := range server.tools {
			if tool.Name() != name {
				t.Errorf("tool registered as %q but Name() returns %q", name, tool.Name())
			}
		}
	})

	t.Run("all tools have descriptions", func(t *testing.T) {
		for name, tool := range server.tools {
			if tool.Description() == "" {
				t.Errorf("tool %q has empty description", name)
			}
		}
	})

	t.Run("all tools have valid schemas", func(t *testing.T) {
		for name, tool := range server.tools {
			schema := tool.InputSchema()
			if schema == nil {
				t.Errorf("tool %q has nil schema", name)
				continue
			}
			if schema["type"] != "object" {
				t.Errorf("tool %q schema type is not 'object': %v", name, schema["type"])
			}
			if _, err := json.Marshal(schema); err != nil {
				t.Errorf("tool %q schema does not marshal: %v", name, err)
			}
		}
	})
}

func TestExecuteTool(t *testing.T) {
	server := newTestServer(t, defaultAdapters(), allowAllRules())

	t.Run("execute existing tool", func(t *testing.T) {
		result, err := server.ExecuteTool("list-targets", map[string]interface{}{})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if result == nil {
			t.Error("expected non-nil result")
		}
	})

	t.Run("execute non-existent tool", func(t *testing.T) {
		_, err := server.ExecuteTool("non-existent-tool", map[string]interface{}{})
		if err == nil {
			t.Error("expected error for non-existent tool")
		}
	})

	t.Run("nil args tolerated", func(t *testing.T) {
		result, err := server.ExecuteTool("recent-outcomes", nil)
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if result == nil {
			t.Error("expected non-nil result")
		}
	})
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("test-tool", map[string]interface{}{
		"bad": math.NaN(),
	})
	if len(payload) == 0 {
		t.Fatal("expected non-empty payload")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload should always be valid JSON: %v", err)
	}
	if success, _ := decoded["success"].(bool); success {
		t.Fatalf("expected success=false fallback payload, got %v", decoded)
	}
	if decoded["error"] == nil {
		t.Fatalf("expected fallback payload to include error, got %v", decoded)
	}
}
