package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/config"
	"github.com/hpungsan/nudge/internal/db"
	"github.com/hpungsan/nudge/internal/logging"
	"github.com/hpungsan/nudge/internal/mcp"
	"github.com/hpungsan/nudge/internal/prefetch"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"advise": true, "feedback": true, "invalidate": true,
	"packets": true, "export": true, "import": true, "purge": true,
	"trust": true, "serve": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode(args []string) bool {
	if len(args) < 2 {
		return false // No args → MCP server
	}
	arg := args[1]
	if cliCommands[arg] {
		return true
	}
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v"
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion(args []string) bool {
	if len(args) < 2 {
		return false
	}
	arg := args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
                  _
   _ __  _   _  __| | __ _  ___
  | '_ \| | | |/ _' |/ _' |/ _ \
  | | | | |_| | (_| | (_| |  __/
  |_| |_|\__,_|\__,_|\__, |\___|
                     |___/

  Advisory decision pipeline for coding agents

  Usage: nudge <command> [options]
         nudge --help

  MCP server mode requires piped input.`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion(os.Args) {
		if err := newCLIApp(nil).Run(os.Args); err != nil {
			fatal("%v", err)
		}
		return
	}

	if len(os.Args) >= 2 && !isCLIMode(os.Args) && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'nudge --help' for usage.\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args)
	stop()
	if err != nil {
		fatal("%v", err)
	}
}

// run opens the stores under ~/.nudge and dispatches to the CLI or the MCP
// stdio server.
func run(ctx context.Context, args []string) error {
	logger, err := logging.New(os.Getenv("NUDGE_VERBOSE") != "")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("could not determine home directory: %w", err)
	}
	baseDir := filepath.Join(homeDir, ".nudge")

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	cfg, err := config.LoadWithRepo(baseDir, cwd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.Init(baseDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	db.ConfigurePool(database, cfg)

	rt, err := newRuntime(ctx, baseDir, database, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}
	defer rt.Close()

	if isCLIMode(args) {
		return newCLIApp(rt).RunContext(ctx, args)
	}

	// MCP server mode (default)
	if unknown := mcp.ValidateDisabledTools(cfg.DisabledTools); len(unknown) > 0 {
		logger.Warn("unknown tools in disabled_tools", zap.Strings("tools", unknown))
	}
	if unknown := mcp.ValidateDisabledTypes(cfg.DisabledTypes); len(unknown) > 0 {
		logger.Warn("unknown types in disabled_types", zap.Strings("types", unknown))
	}
	if !cfg.DisablePrefetch {
		worker := prefetch.New(rt.pipe, rt.cache, cfg.PrefetchPerSecond, 0, logger.Named("prefetch"))
		rt.pipe.SetPrefetcher(worker)
		go worker.Run(ctx)
	}
	go rt.sweepSessions(ctx)
	return mcp.Run(rt.mcpDeps(), Version)
}
