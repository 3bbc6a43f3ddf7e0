package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Process is one running application process as reported by the OS.
type Process struct {
	Name       string `json:"name"`
	PID        int    `json:"pid"`
	BundleID   string `json:"bundle"`
	Frontmost  bool   `json:"frontmost"`
	Background bool   `json:"background"`
}

// App is one installed application bundle found on disk.
type App struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Source lists candidate applications from the operating system. The
// registry never shells out directly; tests substitute a fake Source.
type Source interface {
	Processes(ctx context.Context) ([]Process, error)
	InstalledApps(ctx context.Context) ([]App, error)
}

// SystemSource shells out to osascript for live process enumeration and
// scans application directories for installed bundles.
type SystemSource struct {
	osascriptPath string
	appDirs       []string
	timeout       time.Duration
}

// NewSystemSource creates an OS-backed enumeration source.
func NewSystemSource(osascriptPath string, appDirs []string, timeout time.Duration) *SystemSource {
	if osascriptPath == "" {
		osascriptPath = "osascript"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SystemSource{
		osascriptPath: osascriptPath,
		appDirs:       appDirs,
		timeout:       timeout,
	}
}

// processListScript asks System Events for every application process and
// prints one JSON array. Individual property reads can throw for processes
// that vanish mid-enumeration, so each record is collected best-effort.
const processListScript = `
var se = Application('System Events');
var procs = se.applicationProcesses();
var out = [];
for (var i = 0; i < procs.length; i++) {
  var p = procs[i];
  try {
    out.push({
      name: p.name(),
      pid: p.unixId(),
      bundle: p.bundleIdentifier(),
      frontmost: p.frontmost(),
      background: p.backgroundOnly()
    });
  } catch (e) {}
}
JSON.stringify(out);
`

// Processes returns the currently running application processes.
func (s *SystemSource) Processes(ctx context.Context) ([]Process, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.osascriptPath, "-l", "JavaScript", "-e", processListScript)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("osascript process list: %w (output: %s)", err, truncateOutput(string(output), 200))
	}

	return parseProcessList(output)
}

// parseProcessList decodes the JSON array printed by processListScript.
// osascript occasionally prefixes warnings, so parsing starts at the
// first bracket.
func parseProcessList(output []byte) ([]Process, error) {
	raw := strings.TrimSpace(string(output))
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end < start {
		return nil, fmt.Errorf("unexpected process list output: %q", truncateOutput(raw, 200))
	}

	var records []Process
	if err := json.Unmarshal([]byte(raw[start:end+1]), &records); err != nil {
		return nil, fmt.Errorf("parsing process list: %w", err)
	}

	procs := make([]Process, 0, len(records))
	for _, rec := range records {
		if strings.TrimSpace(rec.Name) == "" {
			continue
		}
		procs = append(procs, rec)
	}
	return procs, nil
}

// InstalledApps scans the configured application directories for .app
// bundles. Missing directories are skipped so one bad entry cannot hide
// every installed application.
func (s *SystemSource) InstalledApps(ctx context.Context) ([]App, error) {
	var apps []App
	for _, dir := range s.appDirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(expandHome(dir))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), ".app") {
				continue
			}
			apps = append(apps, App{
				Name: strings.TrimSuffix(entry.Name(), ".app"),
				Path: filepath.Join(expandHome(dir), entry.Name()),
			})
		}
	}
	return apps, nil
}

// expandHome resolves a leading ~/ against the current user's home.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
