// Command agentd is the LeadLine device agent: it tracks call state,
// captures call audio, and uploads finished recordings to the backend,
// queueing them locally when the network is down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/leadline/leadline/internal/agent"
	"github.com/leadline/leadline/internal/agent/call"
	"github.com/leadline/leadline/internal/agent/capture"
	"github.com/leadline/leadline/internal/agent/uploader"
	"github.com/leadline/leadline/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "error: -server-url is required")
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting agentd",
		"server_url", cfg.ServerURL,
		"captures_dir", cfg.CaptureDir(),
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	queue, err := uploader.OpenQueue(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open upload queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	client := uploader.NewClient(cfg.ServerURL, cfg.AgentToken, logger)
	coord := uploader.NewCoordinator(client, queue, logger)
	coord.SetNotifyFunc(func(p uploader.PendingUpload) {
		// Surfaced to the agent UI in the mobile shell; here it is an
		// operator-visible log line.
		slog.Warn("recording delivery exhausted automatic retries",
			"call_log_id", p.CallLogID,
			"file", p.FilePath,
			"last_error", p.LastError,
		)
	})

	machine := call.NewMachine(logger)
	controller := capture.NewController(capture.NewWAVEngine(logger), cfg.CaptureDir(), cfg.MinFreeMB, logger)
	runtime := agent.NewRuntime(machine, controller, client, coord, 0, logger)

	go runtime.Run(appCtx)

	// The telephony bridge feeds runtime.Dial/SetState/FailCall; the
	// fallback monitor covers platforms without state callbacks.
	monitor := call.NewAppStateMonitor(machine, 30*time.Second, logger)
	go monitor.Run(appCtx)

	// SIGUSR1 doubles as the network-restored signal so an external
	// connectivity watcher can trigger an immediate drain.
	networkRestored := make(chan struct{}, 1)
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			select {
			case networkRestored <- struct{}{}:
			default:
			}
		}
	}()

	coord.StartRetryLoop(appCtx, networkRestored, time.Minute)

	// Drain anything left over from a previous run right away.
	if n := coord.ProcessRetryQueue(appCtx); n > 0 {
		slog.Info("recovered queued uploads from previous run", "delivered", n)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig.String())

	appCancel()
	slog.Info("agentd stopped")
}
