package facts

import (
	"context"
	"testing"
	"time"

	"desknerd-mcp-server/internal/action"
	"desknerd-mcp-server/internal/config"
	"desknerd-mcp-server/internal/registry"
)

func testConfig() config.FactsConfig {
	return config.FactsConfig{
		Enable:          true,
		SchemaPath:      "../../schemas/desktop.mg",
		FactBufferLimit: 1000,
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestStoreLoadsSchema(t *testing.T) {
	s := newTestStore(t)
	if !s.Ready() {
		t.Fatal("store with a loaded schema must be ready")
	}
}

func TestStoreDisabled(t *testing.T) {
	s, err := New(config.FactsConfig{Enable: false, FactBufferLimit: 100})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if !s.Ready() {
		t.Fatal("disabled store must still report ready")
	}
	if err := s.AddFacts(context.Background(), []Fact{{Predicate: "x", Args: []interface{}{"y"}}}); err != nil {
		t.Fatalf("AddFacts must be a no-op when disabled: %v", err)
	}
	if err := s.AddRule("anything"); err != nil {
		t.Fatalf("AddRule must be a no-op when disabled: %v", err)
	}
	if _, err := s.Query(context.Background(), "dispatch_outcome(T, K, C, S, E)"); err == nil {
		t.Fatal("queries against a disabled store must fail")
	}
}

func TestStoreWithoutSchemaNotReady(t *testing.T) {
	s, err := New(config.FactsConfig{Enable: true, FactBufferLimit: 100})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.Ready() {
		t.Fatal("enabled store without a schema must not be ready")
	}
}

func TestOutcomeRecordedIsQueryable(t *testing.T) {
	s := newTestStore(t)

	s.OutcomeRecorded(action.Outcome{
		RequestID: "r1",
		Target:    "Calculator",
		Kind:      action.KindClickElement,
		Status:    action.StatusSucceeded,
		Channel:   "coordinate",
		At:        time.Now(),
	})

	results, err := s.Query(context.Background(), "dispatch_outcome(Target, Kind, Channel, Status, Code)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 binding, got %d", len(results))
	}
	if results[0]["Target"] != "Calculator" {
		t.Errorf("expected Target Calculator, got %v", results[0]["Target"])
	}
	if results[0]["Channel"] != "coordinate" {
		t.Errorf("expected Channel coordinate, got %v", results[0]["Channel"])
	}
	if results[0]["Status"] != "succeeded" {
		t.Errorf("expected Status succeeded, got %v", results[0]["Status"])
	}
}

func TestQueryWithConstantFiltering(t *testing.T) {
	s := newTestStore(t)

	s.OutcomeRecorded(action.Outcome{Target: "Calculator", Kind: action.KindKeystroke, Status: action.StatusSucceeded, Channel: "accessibility", At: time.Now()})
	s.OutcomeRecorded(action.Outcome{Target: "TextEdit", Kind: action.KindKeystroke, Status: action.StatusSucceeded, Channel: "accessibility", At: time.Now()})

	results, err := s.Query(context.Background(), `dispatch_outcome("Calculator", Kind, Channel, Status, Code)`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 binding for Calculator, got %d", len(results))
	}
}

func TestQueryTrailingDotOptional(t *testing.T) {
	s := newTestStore(t)
	s.BackoffChanged("Calculator", "vision", 1)

	withDot, err := s.Query(context.Background(), "channel_backoff(T, C, N).")
	if err != nil {
		t.Fatalf("Query with dot failed: %v", err)
	}
	withoutDot, err := s.Query(context.Background(), "channel_backoff(T, C, N)")
	if err != nil {
		t.Fatalf("Query without dot failed: %v", err)
	}
	if len(withDot) != len(withoutDot) || len(withDot) != 1 {
		t.Fatalf("expected identical single results, got %d and %d", len(withDot), len(withoutDot))
	}
}

func TestFlakyChannelDerivation(t *testing.T) {
	s := newTestStore(t)

	s.BackoffChanged("Calculator", "accessibility", 1)
	s.BackoffChanged("Calculator", "accessibility", 2)

	results, err := s.Query(context.Background(), "flaky_channel(Target, Channel)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no flaky channel below the threshold, got %d", len(results))
	}

	s.BackoffChanged("Calculator", "accessibility", 3)

	results, err = s.Query(context.Background(), "flaky_channel(Target, Channel)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 flaky channel, got %d", len(results))
	}
	if results[0]["Target"] != "Calculator" || results[0]["Channel"] != "accessibility" {
		t.Fatalf("unexpected binding: %v", results[0])
	}
}

func TestDeniedActionDerivation(t *testing.T) {
	s := newTestStore(t)

	s.PolicyEvaluated("Terminal", action.KindRunCommand, "deny", "no-terminal-commands")
	s.PolicyEvaluated("Calculator", action.KindKeystroke, "allow", "allow-rest")

	results, err := s.Query(context.Background(), "denied_action(Target, Kind, Rule)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 denied action, got %d", len(results))
	}
	if results[0]["Target"] != "Terminal" || results[0]["Rule"] != "no-terminal-commands" {
		t.Fatalf("unexpected binding: %v", results[0])
	}
}

func TestTargetSnapshotDerivations(t *testing.T) {
	s := newTestStore(t)

	s.TargetsRefreshed([]registry.Target{
		{Name: "Calculator", Running: true, Frontmost: true},
		{Name: "Notes", Running: false},
	})

	if got := len(s.FactsByPredicate("target_state")); got != 2 {
		t.Fatalf("expected 2 target_state facts, got %d", got)
	}

	running, err := s.Query(context.Background(), "running_target(Target)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(running) != 1 || running[0]["Target"] != "Calculator" {
		t.Fatalf("expected Calculator running, got %v", running)
	}

	front, err := s.Query(context.Background(), "frontmost_target(Target)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(front) != 1 || front[0]["Target"] != "Calculator" {
		t.Fatalf("expected Calculator frontmost, got %v", front)
	}
}

func TestFailedDispatchCoversBothFailureStatuses(t *testing.T) {
	s := newTestStore(t)

	s.OutcomeRecorded(action.Outcome{
		Target: "Calculator", Kind: action.KindClickElement, Channel: "accessibility",
		Status: action.StatusFailedRecoverable,
		Err:    action.NewError(action.CodeElementNotFound, "miss"),
		At:     time.Now(),
	})
	s.OutcomeRecorded(action.Outcome{
		Target: "TextEdit", Kind: action.KindKeystroke, Channel: "accessibility",
		Status: action.StatusFailedFatal,
		Err:    action.NewError(action.CodeMalformedRequest, "bad key"),
		At:     time.Now(),
	})
	s.OutcomeRecorded(action.Outcome{
		Target: "Safari", Kind: action.KindActivate, Channel: "accessibility",
		Status: action.StatusSucceeded, At: time.Now(),
	})

	results, err := s.Query(context.Background(), "failed_dispatch(Target, Kind, Channel, Code)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 failed dispatches, got %d", len(results))
	}
}

func TestAddRuleDerivesAtRuntime(t *testing.T) {
	s := newTestStore(t)

	rule := `
Decl repeat_offender(Target).

repeat_offender(Target) :-
    flaky_channel(Target, _).
`
	if err := s.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	s.BackoffChanged("Calculator", "accessibility", 4)

	results, err := s.Query(context.Background(), "repeat_offender(Target)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0]["Target"] != "Calculator" {
		t.Fatalf("expected Calculator as repeat offender, got %v", results)
	}
}

func TestAddRuleRejectsGarbage(t *testing.T) {
	s := newTestStore(t)
	if err := s.AddRule("this is not mangle"); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestBufferTrimsAtLimit(t *testing.T) {
	cfg := testConfig()
	cfg.FactBufferLimit = 5
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 8; i++ {
		s.BackoffChanged("Calculator", "accessibility", i+1)
	}

	if got := len(s.Facts()); got != 5 {
		t.Fatalf("expected the buffer capped at 5, got %d", got)
	}
	if got := len(s.FactsByPredicate("channel_backoff")); got != 5 {
		t.Fatalf("expected the index rebuilt to 5 entries, got %d", got)
	}
}

func TestDerivedReturnsRuleFacts(t *testing.T) {
	s := newTestStore(t)
	s.BackoffChanged("Calculator", "vision", 3)

	facts, err := s.Derived(context.Background(), "flaky_channel")
	if err != nil {
		t.Fatalf("Derived failed: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 derived fact, got %d", len(facts))
	}
	if facts[0].Predicate != "flaky_channel" || len(facts[0].Args) != 2 {
		t.Fatalf("unexpected fact: %+v", facts[0])
	}
}
