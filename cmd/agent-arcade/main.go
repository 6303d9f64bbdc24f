package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/agent-arcade/internal/agent"
	"github.com/asheshgoplani/agent-arcade/internal/config"
	"github.com/asheshgoplani/agent-arcade/internal/logging"
	"github.com/asheshgoplani/agent-arcade/internal/statedb"
	"github.com/asheshgoplani/agent-arcade/internal/supervisor"
	"github.com/asheshgoplani/agent-arcade/internal/tmux"
)

const Version = "0.1.0"

// Exit codes.
const (
	exitOK        = 0
	exitFatal     = 1
	exitInterrupt = 130
)

var crashStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
func initColorProfile() {
	// Allow user override via environment variable
	// AGENT_ARCADE_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("AGENT_ARCADE_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("agent-arcade", flag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() { printUsage(fs) }
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Printf("agent-arcade v%s\n", Version)
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}

	logging.Init(logging.Config{
		LogDir: filepath.Join(config.DataDir(), "logs"),
		Level:  cfg.Logs.Level,
		Format: cfg.Logs.Format,
	})
	defer logging.Shutdown()

	if fs.Arg(0) == "history" {
		return runHistory(fs.Args()[1:])
	}

	selector := fs.Arg(0)
	if selector == "" {
		selector = "claude_code"
	}
	agentCfg, ok := cfg.ResolveAgent(selector)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown agent %q\n\nConfigured agents:\n", selector)
		for _, id := range cfg.AgentIDs() {
			fmt.Fprintf(os.Stderr, "  %s (%s)\n", id, cfg.Agents[id].Name)
		}
		return exitFatal
	}

	code, err := supervise(cfg, agentCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return code
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `agent-arcade v%s - play games while your agent works

Usage:
  agent-arcade [agent-id]      supervise an agent (default: claude_code)
  agent-arcade history [-n N]  show recent runs

Flags:
`, Version)
	fs.PrintDefaults()

	cfg, err := config.Load()
	if err != nil {
		return
	}
	fmt.Fprintf(os.Stderr, "\nConfigured agents:\n")
	for _, id := range cfg.AgentIDs() {
		fmt.Fprintf(os.Stderr, "  %-14s %s\n", id, cfg.Agents[id].Name)
	}
}

// supervise is the main run path: build the session, wire detection and the
// supervisor, attach, and tear everything down on the first exit condition.
func supervise(cfg *config.Config, agentCfg config.AgentConfig) (int, error) {
	cliLog := logging.ForComponent(logging.CompCLI)

	if err := tmux.CheckTmux(); err != nil {
		return exitFatal, err
	}

	session := tmux.NewSession(tmux.Config{
		Name:            cfg.Tmux.SessionName,
		StatusBar:       cfg.Tmux.StatusBar,
		MouseMode:       cfg.Tmux.MouseMode,
		ToggleWindowKey: cfg.Keybindings.ToggleWindow,
		ExitAppKey:      cfg.Keybindings.ExitApp,
	})

	workingDir := agentCfg.WorkingDirectory
	if workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workingDir = wd
		}
	}
	if err := session.Create(workingDir); err != nil {
		return exitFatal, fmt.Errorf("create session: %w", err)
	}
	defer session.Kill()

	strategy, err := agent.NewStrategy(agentCfg, cfg.Monitoring, session, tmux.AgentWindow)
	if err != nil {
		return exitFatal, err
	}
	handle := agent.NewHandle(agentCfg.ID, strategy)

	var db *statedb.HistoryDB
	var runID int64
	if cfg.History.Enabled {
		db, err = statedb.Open(filepath.Join(config.DataDir(), "history.db"))
		if err != nil {
			// History is best-effort; a broken database must not block a run.
			cliLog.Warn("history_unavailable", "error", err)
			db = nil
		} else {
			defer db.Close()
			if runID, err = db.StartRun(agentCfg.ID, time.Now()); err != nil {
				cliLog.Warn("history_start_failed", "error", err)
				db = nil
			}
		}
	}
	endRun := func(reason string) {
		if db != nil {
			if err := db.EndRun(runID, time.Now(), reason); err != nil {
				cliLog.Warn("history_end_failed", "error", err)
			}
		}
	}

	crashPath := tmux.CrashFilePath()
	sup := supervisor.New(supervisor.Config{
		Orchestrator:     session,
		Detector:         handle,
		AgentName:        agentCfg.Name,
		GamePollInterval: cfg.Monitoring.CheckInterval(),
		CrashFilePath:    crashPath,
		OnTransition: func(idle bool) {
			if db == nil {
				return
			}
			snap := handle.Snapshot()
			if err := db.RecordTransition(runID, snap.LastChange, idle, snap.Confidence); err != nil {
				cliLog.Warn("history_transition_failed", "error", err)
			}
		},
	})

	sup.RegisterPane(tmux.AgentWindow,
		tmux.NewCrashGuard(agentCfg.Name, agentCfg.Command),
		agentCfg.Command, agentCfg.Args...)

	gameCmd := strings.Fields(cfg.Games.Command)
	if len(gameCmd) > 0 {
		sup.RegisterPane(tmux.GameWindow,
			tmux.NewCrashGuard("the game", gameCmd[0]),
			gameCmd[0], gameCmd[1:]...)
	}

	if err := session.SetOption(tmux.OptSelectedAgent, agentCfg.ID); err != nil {
		cliLog.Warn("set_selected_agent_failed", "error", err)
	}

	if err := sup.Start(); err != nil {
		endRun("start_failed")
		return exitFatal, err
	}
	defer sup.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	attachErr := make(chan error, 1)
	go func() { attachErr <- session.Attach(ctx) }()

	select {
	case <-ctx.Done():
		cliLog.Info("interrupted")
		endRun("interrupt")
		return exitInterrupt, nil

	case err := <-sup.Fatal():
		endRun(exitReason(err))
		teardownAfterFatal(session, crashPath)
		return exitFatal, err

	case err := <-attachErr:
		if err != nil {
			endRun("attach_error")
			return exitFatal, err
		}
		cliLog.Info("detached")
		endRun("normal")
		return exitOK, nil
	}
}

func exitReason(err error) string {
	switch {
	case err == nil:
		return "normal"
	case errors.Is(err, supervisor.ErrCrashLoop):
		return "crash_loop"
	case errors.Is(err, supervisor.ErrPaneHealth):
		return "pane_health"
	default:
		return "fatal"
	}
}

// teardownAfterFatal kills the session, dumps the in-memory log ring for
// postmortem, and surfaces the crash explanation on the user's terminal.
func teardownAfterFatal(session *tmux.Session, crashPath string) {
	session.Kill()

	dumpPath := filepath.Join(config.DataDir(), "crash-dump.log")
	if err := logging.DumpRingBuffer(dumpPath); err == nil {
		fmt.Fprintf(os.Stderr, "Debug log written to %s\n", dumpPath)
	}

	data, err := os.ReadFile(crashPath)
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stderr, crashStyle.Render(strings.TrimSpace(string(data))))
	_ = os.Remove(crashPath)
}

// runHistory prints recent supervised runs from the history database.
func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 10, "number of runs to show")
	_ = fs.Parse(args)

	db, err := statedb.Open(filepath.Join(config.DataDir(), "history.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}
	defer db.Close()

	runs, err := db.RecentRuns(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return exitOK
	}

	fmt.Printf("%-6s %-14s %-20s %-10s %-12s %s\n",
		"ID", "AGENT", "STARTED", "DURATION", "EXIT", "TRANSITIONS")
	for _, r := range runs {
		duration := "-"
		if !r.EndedAt.IsZero() {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		reason := r.ExitReason
		if reason == "" {
			reason = "running"
		}
		fmt.Printf("%-6d %-14s %-20s %-10s %-12s %d\n",
			r.ID, r.Agent, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration, reason, r.Transitions)
	}
	return exitOK
}
