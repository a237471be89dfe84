package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"emgscope/cmd"
	"emgscope/internal/engine"
	"emgscope/internal/event"
	"emgscope/internal/log"
	"emgscope/internal/tui"
	"emgscope/pkg/build"
)

// main is the entry point for the EMG acquisition tool.
// The program flow is divided into three distinct phases:
//
// 1. Startup Phase:
//   - Initialize build information
//   - Parse command line arguments and load configuration
//   - Execute one-off commands (version, analyze, serve)
//
// 2. Monitor Phase:
//   - Start the acquisition engine and connect to the source
//   - Run the terminal UI, or log status changes when headless
//
// 3. Shutdown Phase:
//   - Handle termination signals or UI exit
//   - Finalise any recording and release resources
func main() {
	// ==================== STARTUP PHASE ====================

	if err := build.Initialize(); err != nil {
		log.Fatal(err)
	}

	inv, err := cmd.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if inv == nil {
		return // help or --version
	}

	if level, ok := log.ParseLevel(inv.Config.LogLevel); ok {
		log.SetLevel(level)
	}
	defer log.Sync()

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if inv.Command != cmd.CommandMonitor {
		if err := executeCommand(ctx, inv); err != nil {
			log.Fatal(err)
		}
		return
	}

	// ==================== MONITOR PHASE ====================

	// The TUI owns the terminal. Redirect before the engine builds its
	// component loggers, or fall back to errors only.
	if !inv.Headless {
		if inv.Config.LogFile != "" {
			closeLog, err := log.ToFile(inv.Config.LogFile)
			if err != nil {
				log.Fatal(err)
			}
			defer closeLog()
		} else if !inv.Config.Debug {
			log.SetLevel(log.LevelError)
		}
	}

	eng, err := engine.New(inv.Config)
	if err != nil {
		log.Fatal(err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatal(err)
	}

	// Subscribe before connecting so the first status messages are seen.
	events, unsub := eng.Bus().Subscribe(256)
	defer unsub()

	go func() {
		if err := eng.Connect(ctx); err != nil {
			log.L().Warn("initial connect failed", zap.Error(err))
		}
	}()

	if inv.Headless {
		runHeadless(ctx, events)
	} else {
		if err := tui.StartMonitorUI(eng, events); err != nil {
			log.Errorf("monitor UI: %v", err)
		}
	}

	// ==================== SHUTDOWN PHASE ====================

	var recording string
	if rec := eng.Recorder(); rec != nil {
		recording = rec.Path()
	}
	if err := eng.Close(); err != nil {
		log.Errorf("Error closing engine: %v", err)
	}
	if recording != "" {
		fmt.Printf("\nRecording saved to: %s\n", recording)
	}
}

// executeCommand handles the commands that don't need the live engine.
func executeCommand(ctx context.Context, inv *cmd.Invocation) error {
	switch inv.Command {
	case cmd.CommandVersion:
		fmt.Println(build.GetBuildFlags())
		return nil
	case cmd.CommandAnalyze:
		return cmd.Analyze(inv.Config, inv.Analyze, os.Stdout)
	case cmd.CommandServe:
		return cmd.Serve(ctx, inv.Config, inv.Serve, os.Stdin)
	default:
		return fmt.Errorf("unknown command %q", inv.Command)
	}
}

// runHeadless logs connection, pause and warning events until ctx is done.
func runHeadless(ctx context.Context, events <-chan event.Event) {
	logger := log.With(zap.String("component", "monitor"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case event.ConnectionChanged:
				logger.Info(ev.Message, zap.Stringer("state", ev.State))
			case event.PauseChanged:
				logger.Info(ev.Message)
			case event.Warning:
				logger.Warn(ev.Message, zap.String("source", ev.Source))
			}
		}
	}
}
