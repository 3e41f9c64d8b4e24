// Command guardian runs the Activity Guardian daemon: it keeps the
// assistant alive in its pane, writes the status file every tick, and
// drives the embedded heartbeat engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jaakkos/stringwork/internal/config"
	"github.com/jaakkos/stringwork/internal/guardian"
	"github.com/jaakkos/stringwork/internal/heartbeat"
	"github.com/jaakkos/stringwork/internal/ingress"
	"github.com/jaakkos/stringwork/internal/logging"
	"github.com/jaakkos/stringwork/internal/pane"
	"github.com/jaakkos/stringwork/internal/singleton"
	"github.com/jaakkos/stringwork/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to paneward.yaml")
	flag.Parse()

	tmpLogger := log.New(os.Stderr, "[guardian] ", log.LstdFlags)
	watcher, err := config.NewWatcher(*configPath, tmpLogger)
	if err != nil {
		tmpLogger.Fatalf("load config: %v", err)
	}
	cfg := watcher.Get()
	if err := cfg.ValidatePaneCommand(); err != nil {
		tmpLogger.Fatalf("%v", err)
	}

	logger, closeLog, err := logging.New(cfg.ResolvedLogDir(), "guardian", cfg.Guardian.LogMaxLines)
	if err != nil {
		tmpLogger.Fatalf("open log: %v", err)
	}
	defer closeLog()

	lockPath := filepath.Join(filepath.Dir(cfg.ResolvedStateFile()), "guardian.lock")
	lock, err := singleton.Acquire(lockPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer lock.Release()

	st, err := store.Open(cfg.ResolvedStateFile())
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	controller := pane.NewTmux()
	target := fmt.Sprintf("%s:%s.%s", cfg.Pane.Session, cfg.Pane.Window, cfg.Pane.Pane)

	hb := heartbeat.New(st, controller, heartbeat.Config{
		PrimaryInterval:        time.Duration(cfg.Heartbeat.PrimaryIntervalSeconds) * time.Second,
		MaxFailCount:           cfg.Heartbeat.MaxFailCount,
		DownRetryInterval:      time.Duration(cfg.Heartbeat.DownRetryIntervalSeconds) * time.Second,
		RateLimitProbeInterval: time.Duration(cfg.Heartbeat.RateLimitProbeIntervalSecs) * time.Second,
		PaneSession:            cfg.Pane.Session,
		PaneTarget:             target,
	}, logger)

	send := func(channel, endpoint, content string) error {
		core := ingress.New(st, cfg.ResolvedPendingChannelsPath(), resolveSendCommand(cfg), 10*time.Second)
		return core.Send(channel, []string{endpoint}, content)
	}

	g := guardian.New(controller, hb, guardian.Config{
		TickInterval:          time.Duration(cfg.Guardian.TickSeconds) * time.Second,
		IdleThreshold:         time.Duration(cfg.Guardian.IdleThresholdSeconds) * time.Second,
		RestartDelay:          time.Duration(cfg.Guardian.RestartDelaySeconds) * time.Second,
		RestartGrace:          time.Duration(cfg.Guardian.RestartGraceSeconds) * time.Second,
		MaintenanceCap:        time.Duration(cfg.Guardian.MaintenanceCapSeconds) * time.Second,
		StuckProbeThreshold:   time.Duration(cfg.Heartbeat.StuckProbeThresholdSeconds) * time.Second,
		TranscriptGlob:        cfg.Guardian.TranscriptGlob,
		StatusFilePath:        cfg.ResolvedStatusFilePath(),
		PendingChannelsPath:   cfg.ResolvedPendingChannelsPath(),
		Session:               cfg.Pane.Session,
		Target:                target,
		Command:               cfg.Pane.Command,
		ForegroundProcessName: cfg.Pane.Command[0],
	}, logger, send)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	go watcher.Start(ctx)
	g.Start(ctx)
	watcher.Stop()
	logger.Println("guardian stopped")
}

// resolveSendCommand looks up a channel's configured send executable.
func resolveSendCommand(cfg *config.Config) ingress.SendCommand {
	return func(channel string) ([]string, bool) {
		a, ok := cfg.Adapters[channel]
		if !ok || len(a.SendCommand) == 0 {
			return nil, false
		}
		return a.SendCommand, true
	}
}
