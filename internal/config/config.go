package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level DeskNERD config.
	WorkspaceDirName = ".desknerd"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the DeskNERD MCP server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	MCP      MCPConfig      `yaml:"mcp"`
	Registry RegistryConfig `yaml:"registry"`
	Channels ChannelsConfig `yaml:"channels"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Policy   PolicyConfig   `yaml:"policy"`
	Recorder RecorderConfig `yaml:"recorder"`
	Facts    FactsConfig    `yaml:"facts"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// RegistryConfig controls application discovery and resolution.
type RegistryConfig struct {
	// Directories scanned for .app bundles when enumerating installed apps.
	AppDirs []string `yaml:"app_dirs"`
	// How long an enumeration pass stays fresh (e.g. "3s").
	CacheTTL string `yaml:"cache_ttl"`
	// StrictDefault makes ambiguous fuzzy matches fail unless a caller overrides.
	StrictDefault bool `yaml:"strict_default"`
}

// ChannelsConfig configures the OS control surfaces behind the adapters.
type ChannelsConfig struct {
	// Paths for the exec-backed control binaries.
	OsascriptPath     string `yaml:"osascript_path"`
	CliclickPath      string `yaml:"cliclick_path"`
	ScreencapturePath string `yaml:"screencapture_path"`
	OpenPath          string `yaml:"open_path"`
	// Per-invocation timeout for control subprocesses (e.g. "10s").
	ExecTimeout string `yaml:"exec_timeout"`
	// Minimum gap between subprocess spawns in milliseconds. Repeated
	// scripting calls thrash the OS automation server without this.
	ExecIntervalMs int `yaml:"exec_interval_ms"`
	// type-text payloads at or above this length go through the clipboard
	// paste path instead of per-key injection. 0 disables pasting.
	PasteThreshold int `yaml:"paste_threshold"`
	// Display bounds for coordinate validation. 0 means probe at startup.
	DisplayWidth  int `yaml:"display_width"`
	DisplayHeight int `yaml:"display_height"`

	Vision  VisionConfig  `yaml:"vision"`
	Browser BrowserConfig `yaml:"browser"`
}

// VisionConfig configures the pluggable vision locator channel.
type VisionConfig struct {
	// External matcher command; the capture path and query are appended.
	// Expected stdout: "x y confidence" on a single line.
	LocatorCommand []string `yaml:"locator_command"`
	// Matches below this confidence are treated as not visible.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// Directory for captured frames.
	CaptureDir string `yaml:"capture_dir"`
}

// BrowserConfig configures DevTools control for browser targets.
type BrowserConfig struct {
	// Target name -> DevTools websocket URL (e.g. ws://localhost:9222).
	Endpoints map[string]string `yaml:"endpoints"`
	// Timeout when attaching to an endpoint (e.g. "10s").
	AttachTimeout string `yaml:"attach_timeout"`
	// Timeout for element lookup and script evaluation (e.g. "5s").
	EvalTimeout string `yaml:"eval_timeout"`
}

// DispatchConfig tunes scheduler backoff and idle polling.
type DispatchConfig struct {
	// First cool-down after a recoverable failure (e.g. "250ms"); doubles
	// per consecutive failure up to BackoffCeiling.
	BackoffBase    string `yaml:"backoff_base"`
	BackoffCeiling string `yaml:"backoff_ceiling"`
	// Consecutive failures after which a channel is demoted behind its
	// class until the next success.
	DemoteAfter int `yaml:"demote_after"`
	// Liveness polling interval bounds; no-change polls grow geometrically
	// from PollBase to PollCeiling and hold there.
	PollBase    string `yaml:"poll_base"`
	PollCeiling string `yaml:"poll_ceiling"`
}

// PolicyConfig locates the rule document.
type PolicyConfig struct {
	RulesFile string `yaml:"rules_file"`
	// AutoConfirm treats require-confirmation verdicts as confirmed. Meant
	// for unattended runs; leave false so unconfirmed requests are refused.
	AutoConfirm bool `yaml:"auto_confirm"`
}

// RecorderConfig controls the outcome trace sink.
type RecorderConfig struct {
	Dir string `yaml:"dir"`
	// Number of trace files kept after rotation.
	MaxRotated int `yaml:"max_rotated"`
}

// FactsConfig controls the embedded deductive engine.
type FactsConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "desknerd-mcp",
			Version: "0.0.3",
			LogFile: "desknerd-mcp.log",
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Registry: RegistryConfig{
			AppDirs: []string{
				"/Applications",
				"/System/Applications",
				"/Applications/Utilities",
				"~/Applications",
			},
			CacheTTL:      "3s",
			StrictDefault: false,
		},
		Channels: ChannelsConfig{
			OsascriptPath:     "osascript",
			CliclickPath:      "cliclick",
			ScreencapturePath: "screencapture",
			OpenPath:          "open",
			ExecTimeout:       "10s",
			ExecIntervalMs:    10,
			PasteThreshold:    200,
			Vision: VisionConfig{
				ConfidenceThreshold: 0.8,
				CaptureDir:          "data/captures",
			},
			Browser: BrowserConfig{
				AttachTimeout: "10s",
				EvalTimeout:   "5s",
			},
		},
		Dispatch: DispatchConfig{
			BackoffBase:    "250ms",
			BackoffCeiling: "8s",
			DemoteAfter:    5,
			PollBase:       "200ms",
			PollCeiling:    "3s",
		},
		Policy: PolicyConfig{
			RulesFile:   "policy.yaml",
			AutoConfirm: false,
		},
		Recorder: RecorderConfig{
			Dir:        "data/traces",
			MaxRotated: 3,
		},
		Facts: FactsConfig{
			Enable:          true,
			SchemaPath:      "schemas/desktop.mg",
			FactBufferLimit: 2048,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .desknerd/config.yaml file.
// Returns the workspace root directory (parent of .desknerd/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .desknerd/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			// Verify the explicit workspace dir has a config
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	// Layer 2: Explicit config file (--config flag)
	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .desknerd/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	// Check if already exists
	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	// Create directory structure
	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	// Write template config
	templateConfig := `# DeskNERD project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# policy:
#   rules_file: ".desknerd/policy.yaml"

# channels:
#   browser:
#     endpoints:
#       "Google Chrome": "ws://localhost:9222"
#   vision:
#     locator_command: ["desknerd-locate"]
#     confidence_threshold: 0.8

# dispatch:
#   backoff_base: "250ms"
#   backoff_ceiling: "8s"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	// Write .gitignore for data directory
	gitignoreContent := "# Runtime data (logs, traces, captures) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Policy.RulesFile = resolve(cfg.Policy.RulesFile)
	cfg.Facts.SchemaPath = resolve(cfg.Facts.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	cfg.Channels.Vision.CaptureDir = resolve(cfg.Channels.Vision.CaptureDir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Policy.RulesFile == "" {
		return errors.New("policy.rules_file is required")
	}
	if len(c.Registry.AppDirs) == 0 {
		return errors.New("registry.app_dirs must list at least one directory")
	}
	if c.Channels.ExecIntervalMs < 0 {
		return errors.New("channels.exec_interval_ms must not be negative")
	}
	if t := c.Channels.Vision.ConfidenceThreshold; t < 0 || t > 1 {
		return errors.New("channels.vision.confidence_threshold must be within [0, 1]")
	}
	if c.Dispatch.DemoteAfter < 0 {
		return errors.New("dispatch.demote_after must not be negative")
	}
	return nil
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// GetCacheTTL returns the parsed enumeration cache TTL with a sane default.
func (r RegistryConfig) GetCacheTTL() time.Duration {
	return parseDurationOr(r.CacheTTL, 3*time.Second)
}

// GetExecTimeout returns the parsed subprocess timeout with a sane default.
func (c ChannelsConfig) GetExecTimeout() time.Duration {
	return parseDurationOr(c.ExecTimeout, 10*time.Second)
}

// GetExecInterval returns the minimum gap between subprocess spawns.
func (c ChannelsConfig) GetExecInterval() time.Duration {
	if c.ExecIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.ExecIntervalMs) * time.Millisecond
}

// GetAttachTimeout returns the parsed DevTools attach timeout with a sane default.
func (b BrowserConfig) GetAttachTimeout() time.Duration {
	return parseDurationOr(b.AttachTimeout, 10*time.Second)
}

// GetEvalTimeout returns the parsed DevTools evaluation timeout with a sane default.
func (b BrowserConfig) GetEvalTimeout() time.Duration {
	return parseDurationOr(b.EvalTimeout, 5*time.Second)
}

// GetBackoffBase returns the first cool-down duration with a sane default.
func (d DispatchConfig) GetBackoffBase() time.Duration {
	return parseDurationOr(d.BackoffBase, 250*time.Millisecond)
}

// GetBackoffCeiling returns the cool-down cap with a sane default.
func (d DispatchConfig) GetBackoffCeiling() time.Duration {
	return parseDurationOr(d.BackoffCeiling, 8*time.Second)
}

// GetPollBase returns the first liveness poll interval with a sane default.
func (d DispatchConfig) GetPollBase() time.Duration {
	return parseDurationOr(d.PollBase, 200*time.Millisecond)
}

// GetPollCeiling returns the liveness poll interval cap with a sane default.
func (d DispatchConfig) GetPollCeiling() time.Duration {
	return parseDurationOr(d.PollCeiling, 3*time.Second)
}

// GetDemoteAfter returns the demotion threshold with a sane default.
func (d DispatchConfig) GetDemoteAfter() int {
	if d.DemoteAfter <= 0 {
		return 5
	}
	return d.DemoteAfter
}

// GetMaxRotated returns the rotation keep-count with a sane default.
func (r RecorderConfig) GetMaxRotated() int {
	if r.MaxRotated <= 0 {
		return 3
	}
	return r.MaxRotated
}
