package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"desknerd-mcp-server/internal/channel"
	"desknerd-mcp-server/internal/config"
	"desknerd-mcp-server/internal/engine"
	"desknerd-mcp-server/internal/facts"
	mcpserver "desknerd-mcp-server/internal/mcp"
	"desknerd-mcp-server/internal/policy"
	"desknerd-mcp-server/internal/recorder"
	"desknerd-mcp-server/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "Path to an explicit DeskNERD config file (layered over workspace config)")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	workspaceDir := flag.String("workspace-dir", "", "Workspace root to use instead of walking up from the working directory")
	noWorkspace := flag.Bool("no-workspace", false, "Skip workspace discovery")
	initWorkspace := flag.Bool("init-workspace", false, "Create a .desknerd/ template in the current directory and exit")
	flag.Parse()

	if *initWorkspace {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("getting working directory: %v", err)
		}
		if err := config.InitWorkspace(cwd); err != nil {
			log.Fatalf("failed to initialize workspace: %v", err)
		}
		log.Printf("initialized %s", cwd+"/"+config.WorkspaceDirName)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP framing)
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			// If we can't open the log file, disable logging to avoid stdout pollution
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace %s", wsDir)
	}

	gate, err := policy.Load(cfg.Policy.RulesFile, cfg.Policy.AutoConfirm)
	if err != nil {
		log.Fatalf("failed to load policy rules: %v", err)
	}
	log.Printf("policy: %d rules from %s", len(gate.Rules()), cfg.Policy.RulesFile)

	source := registry.NewSystemSource(cfg.Channels.OsascriptPath, cfg.Registry.AppDirs, cfg.Channels.GetExecTimeout())
	reg := registry.New(source, cfg.Registry.GetCacheTTL(), cfg.Registry.StrictDefault, cfg.Channels.Browser.Endpoints)

	runner := channel.NewOSRunner(cfg.Channels.GetExecInterval(), cfg.Channels.GetExecTimeout())
	pointer := channel.NewPointerAdapter(runner, cfg.Channels.CliclickPath, cfg.Channels.OsascriptPath,
		cfg.Channels.DisplayWidth, cfg.Channels.DisplayHeight)
	var locator channel.Locator
	if len(cfg.Channels.Vision.LocatorCommand) > 0 {
		locator = channel.NewCommandLocator(runner, cfg.Channels.Vision.LocatorCommand)
	} else {
		log.Printf("no vision locator configured; vision channel limited to screen capture")
	}
	vision := channel.NewVisionAdapter(runner, cfg.Channels.ScreencapturePath, cfg.Channels.Vision.CaptureDir,
		locator, cfg.Channels.Vision.ConfidenceThreshold, pointer)

	adapters := []channel.Adapter{
		channel.NewAccessibilityAdapter(runner, cfg.Channels.OsascriptPath, cfg.Channels.OpenPath, cfg.Channels.PasteThreshold),
		channel.NewScriptedAdapter(runner, cfg.Channels.OsascriptPath, reg.ScriptEndpoint,
			cfg.Channels.Browser.GetAttachTimeout(), cfg.Channels.Browser.GetEvalTimeout()),
		pointer,
		vision,
	}

	rec, err := recorder.New(cfg.Recorder.Dir, cfg.Recorder.GetMaxRotated())
	if err != nil {
		log.Fatalf("failed to open the outcome recorder: %v", err)
	}
	if err := rec.Start(""); err != nil {
		log.Fatalf("failed to start a trace session: %v", err)
	}
	defer rec.Close()
	log.Printf("recording outcomes to %s", rec.Path())

	store, err := facts.New(cfg.Facts)
	if err != nil {
		log.Fatalf("failed to initialize the fact store: %v", err)
	}
	reg.SetSink(store)

	eng := engine.New(reg, gate, adapters, rec, store, engine.Config{
		BackoffBase:    cfg.Dispatch.GetBackoffBase(),
		BackoffCeiling: cfg.Dispatch.GetBackoffCeiling(),
		PollBase:       cfg.Dispatch.GetPollBase(),
		PollCeiling:    cfg.Dispatch.GetPollCeiling(),
		DemoteAfter:    cfg.Dispatch.GetDemoteAfter(),
	})

	server, err := mcpserver.NewServer(cfg, eng, reg, gate, rec, store, vision)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting DeskNERD MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting DeskNERD MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}
