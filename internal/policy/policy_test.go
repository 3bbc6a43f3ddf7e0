package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"desknerd-mcp-server/internal/action"
)

func mustGate(t *testing.T, rules []Rule) *Gate {
	t.Helper()
	gate, err := New(rules, false)
	if err != nil {
		t.Fatalf("building gate: %v", err)
	}
	return gate
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	gate := mustGate(t, []Rule{
		{Name: "no-terminal-commands", Targets: []string{"Terminal"}, Kinds: []string{"run-command"}, Verdict: VerdictDeny},
		{Name: "allow-everything", Verdict: VerdictAllow},
	})

	req := action.NewRequest("Terminal", action.KindRunCommand, map[string]any{"command": "rm -rf /"})
	decision := gate.Evaluate("Terminal", req)
	if decision.Verdict != VerdictDeny {
		t.Fatalf("expected deny, got %s", decision.Verdict)
	}
	if decision.Rule != "no-terminal-commands" {
		t.Fatalf("expected first rule to fire, got %q", decision.Rule)
	}

	req = action.NewRequest("Notes", action.KindActivate, nil)
	decision = gate.Evaluate("Notes", req)
	if decision.Verdict != VerdictAllow {
		t.Fatalf("expected fallthrough allow, got %s", decision.Verdict)
	}
}

func TestEvaluateDefaultDeny(t *testing.T) {
	gate := mustGate(t, nil)

	req := action.NewRequest("Notes", action.KindActivate, nil)
	decision := gate.Evaluate("Notes", req)
	if decision.Verdict != VerdictDeny {
		t.Fatalf("expected default deny, got %s", decision.Verdict)
	}
	if decision.Rule != "" {
		t.Fatalf("default deny must not name a rule, got %q", decision.Rule)
	}
}

func TestEvaluateTargetGlob(t *testing.T) {
	gate := mustGate(t, []Rule{
		{Name: "browsers", Targets: []string{"google chrome*", "Safari"}, Verdict: VerdictAllow},
	})

	tests := []struct {
		target string
		want   string
	}{
		{target: "Google Chrome", want: VerdictAllow},
		{target: "Google Chrome Canary", want: VerdictAllow},
		{target: "SAFARI", want: VerdictAllow},
		{target: "Firefox", want: VerdictDeny},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			req := action.NewRequest(tt.target, action.KindActivate, nil)
			if got := gate.Evaluate(tt.target, req).Verdict; got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEvaluateKindFilter(t *testing.T) {
	gate := mustGate(t, []Rule{
		{Name: "read-only", Kinds: []string{"activate", "click-element"}, Verdict: VerdictAllow},
	})

	allowed := action.NewRequest("Notes", action.KindActivate, nil)
	if got := gate.Evaluate("Notes", allowed).Verdict; got != VerdictAllow {
		t.Fatalf("expected allow for listed kind, got %s", got)
	}

	denied := action.NewRequest("Notes", action.KindTypeText, map[string]any{"text": "hi"})
	if got := gate.Evaluate("Notes", denied).Verdict; got != VerdictDeny {
		t.Fatalf("expected deny for unlisted kind, got %s", got)
	}
}

func TestEvaluateParamSubstrings(t *testing.T) {
	gate := mustGate(t, []Rule{
		{
			Name:    "no-destructive-commands",
			Kinds:   []string{"run-command"},
			Params:  map[string][]string{"command": {"rm -rf", "sudo"}},
			Verdict: VerdictDeny,
		},
		{Name: "allow-everything", Verdict: VerdictAllow},
	})

	tests := []struct {
		name    string
		command string
		want    string
	}{
		{name: "rm matches", command: "rm -rf /tmp/x", want: VerdictDeny},
		{name: "sudo matches case-insensitively", command: "SUDO reboot", want: VerdictDeny},
		{name: "harmless command falls through", command: "ls -la", want: VerdictAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := action.NewRequest("Terminal", action.KindRunCommand, map[string]any{"command": tt.command})
			if got := gate.Evaluate("Terminal", req).Verdict; got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestEvaluateAllParamKeysMustMatch(t *testing.T) {
	gate := mustGate(t, []Rule{
		{
			Name: "both-keys",
			Params: map[string][]string{
				"label": {"delete"},
				"role":  {"button"},
			},
			Verdict: VerdictConfirm,
		},
		{Name: "allow-everything", Verdict: VerdictAllow},
	})

	full := action.NewRequest("Notes", action.KindClickElement,
		map[string]any{"label": "Delete All", "role": "button"})
	if got := gate.Evaluate("Notes", full).Verdict; got != VerdictConfirm {
		t.Fatalf("expected confirm when every key matches, got %s", got)
	}

	partial := action.NewRequest("Notes", action.KindClickElement,
		map[string]any{"label": "Delete All", "role": "menu"})
	if got := gate.Evaluate("Notes", partial).Verdict; got != VerdictAllow {
		t.Fatalf("expected fallthrough when one key misses, got %s", got)
	}
}

func TestAuthorizeDeny(t *testing.T) {
	gate := mustGate(t, nil)

	req := action.NewRequest("Terminal", action.KindRunCommand, map[string]any{"command": "ls"})
	aerr := gate.Authorize(context.Background(), "Terminal", req, nil)
	if aerr == nil {
		t.Fatal("expected error")
	}
	if aerr.Code != action.CodePolicyDenied {
		t.Fatalf("expected policy_denied, got %s", aerr.Code)
	}
	if aerr.Recoverable {
		t.Fatal("policy denials must not be retried")
	}
	if aerr.Target != "Terminal" {
		t.Fatalf("expected target annotation, got %q", aerr.Target)
	}
}

func TestAuthorizeConfirmation(t *testing.T) {
	rules := []Rule{{Name: "confirm-commands", Kinds: []string{"run-command"}, Verdict: VerdictConfirm}}
	req := action.NewRequest("Terminal", action.KindRunCommand, map[string]any{"command": "ls"})

	t.Run("accepted", func(t *testing.T) {
		gate := mustGate(t, rules)
		confirm := func(ctx context.Context, r *action.Request, rule string) (bool, error) {
			if rule != "confirm-commands" {
				t.Fatalf("expected rule name in callback, got %q", rule)
			}
			return true, nil
		}
		if aerr := gate.Authorize(context.Background(), "Terminal", req, confirm); aerr != nil {
			t.Fatalf("expected confirmed request to pass, got %v", aerr)
		}
	})

	t.Run("declined", func(t *testing.T) {
		gate := mustGate(t, rules)
		confirm := func(ctx context.Context, r *action.Request, rule string) (bool, error) {
			return false, nil
		}
		aerr := gate.Authorize(context.Background(), "Terminal", req, confirm)
		if aerr == nil || aerr.Code != action.CodeConfirmationRejected {
			t.Fatalf("expected confirmation_rejected, got %v", aerr)
		}
	})

	t.Run("callback error", func(t *testing.T) {
		gate := mustGate(t, rules)
		confirm := func(ctx context.Context, r *action.Request, rule string) (bool, error) {
			return false, errors.New("channel closed")
		}
		aerr := gate.Authorize(context.Background(), "Terminal", req, confirm)
		if aerr == nil || aerr.Code != action.CodeConfirmationRejected {
			t.Fatalf("expected confirmation_rejected, got %v", aerr)
		}
	})

	t.Run("no channel", func(t *testing.T) {
		gate := mustGate(t, rules)
		aerr := gate.Authorize(context.Background(), "Terminal", req, nil)
		if aerr == nil || aerr.Code != action.CodeConfirmationRejected {
			t.Fatalf("expected confirmation_rejected without a channel, got %v", aerr)
		}
	})

	t.Run("auto confirm", func(t *testing.T) {
		gate, err := New(rules, true)
		if err != nil {
			t.Fatalf("building gate: %v", err)
		}
		if aerr := gate.Authorize(context.Background(), "Terminal", req, nil); aerr != nil {
			t.Fatalf("expected auto-confirm to pass, got %v", aerr)
		}
	})
}

func TestNewRejectsBadRules(t *testing.T) {
	tests := []struct {
		name string
		rule Rule
	}{
		{name: "unknown verdict", rule: Rule{Name: "x", Verdict: "maybe"}},
		{name: "unknown kind", rule: Rule{Name: "x", Kinds: []string{"teleport"}, Verdict: VerdictAllow}},
		{name: "bad pattern", rule: Rule{Name: "x", Targets: []string{"[unclosed"}, Verdict: VerdictAllow}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New([]Rule{tt.rule}, false); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `rules:
  - name: allow-notes
    targets: ["Notes", "TextEdit"]
    kinds: [activate, type-text]
    verdict: allow
  - name: confirm-commands
    kinds: [run-command]
    verdict: require-confirmation
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing rules: %v", err)
	}

	gate, err := Load(path, false)
	if err != nil {
		t.Fatalf("loading rules: %v", err)
	}
	if len(gate.Rules()) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(gate.Rules()))
	}

	req := action.NewRequest("Notes", action.KindActivate, nil)
	if got := gate.Evaluate("Notes", req).Verdict; got != VerdictAllow {
		t.Fatalf("expected allow, got %s", got)
	}
}

func TestLoadMissingFileDeniesAll(t *testing.T) {
	gate, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), false)
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}

	req := action.NewRequest("Notes", action.KindActivate, nil)
	if got := gate.Evaluate("Notes", req).Verdict; got != VerdictDeny {
		t.Fatalf("expected default deny, got %s", got)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("rules: [unterminated"), 0644); err != nil {
		t.Fatalf("writing rules: %v", err)
	}

	_, err := Load(path, false)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parsing policy rules") {
		t.Fatalf("unexpected error: %v", err)
	}
}
