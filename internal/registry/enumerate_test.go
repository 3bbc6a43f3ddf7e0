package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseProcessList(t *testing.T) {
	output := []byte(`[
		{"name":"Calculator","pid":101,"bundle":"com.apple.calculator","frontmost":true,"background":false},
		{"name":"Finder","pid":55,"bundle":"com.apple.finder","frontmost":false,"background":false},
		{"name":"","pid":0,"bundle":null,"frontmost":false,"background":true}
	]`)

	procs, err := parseProcessList(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(procs) != 2 {
		t.Fatalf("expected 2 processes (blank name skipped), got %d", len(procs))
	}
	if procs[0].Name != "Calculator" || procs[0].PID != 101 || !procs[0].Frontmost {
		t.Errorf("unexpected first process: %+v", procs[0])
	}
	if procs[1].BundleID != "com.apple.finder" {
		t.Errorf("expected finder bundle id, got %q", procs[1].BundleID)
	}
}

func TestParseProcessListWithNoise(t *testing.T) {
	// osascript sometimes prefixes warnings before the script's output
	output := []byte("warning: legacy scripting addition loaded\n[{\"name\":\"Notes\",\"pid\":7}]\n")

	procs, err := parseProcessList(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(procs) != 1 || procs[0].Name != "Notes" {
		t.Fatalf("unexpected processes: %#v", procs)
	}
}

func TestParseProcessListBadOutput(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"no json", "execution error: System Events got an error"},
		{"truncated array", `[{"name":"Notes"`},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseProcessList([]byte(tt.output)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestInstalledAppsScansDirs(t *testing.T) {
	tmpDir := t.TempDir()
	for _, name := range []string{"Calculator.app", "Notes.app"} {
		if err := os.MkdirAll(filepath.Join(tmpDir, name), 0755); err != nil {
			t.Fatalf("failed to create bundle dir: %v", err)
		}
	}
	// Non-bundle entries are ignored
	if err := os.WriteFile(filepath.Join(tmpDir, "README.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	src := NewSystemSource("osascript", []string{tmpDir, "/nonexistent/dir"}, time.Second)
	apps, err := src.InstalledApps(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("expected 2 apps, got %d: %#v", len(apps), apps)
	}
	names := map[string]bool{}
	for _, a := range apps {
		names[a.Name] = true
		if a.Path == "" {
			t.Errorf("expected non-empty path for %q", a.Name)
		}
	}
	if !names["Calculator"] || !names["Notes"] {
		t.Errorf("expected Calculator and Notes, got %#v", names)
	}
}

func TestInstalledAppsHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := NewSystemSource("osascript", []string{t.TempDir()}, time.Second)
	if _, err := src.InstalledApps(ctx); err == nil {
		t.Error("expected context error")
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in   string
		want string
	}{
		{"~/Applications", filepath.Join(home, "Applications")},
		{"/Applications", "/Applications"},
		{"relative/path", "relative/path"},
	}

	for _, tt := range tests {
		if got := expandHome(tt.in); got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
