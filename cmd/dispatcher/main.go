// Command dispatcher runs the Message Bus daemon: it drains the
// conversation and control queues in priority order and delivers each
// entry to the assistant pane via paste-and-enter.
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

	"github.com/jaakkos/stringwork/internal/bus"
	"github.com/jaakkos/stringwork/internal/config"
	"github.com/jaakkos/stringwork/internal/logging"
	"github.com/jaakkos/stringwork/internal/pane"
	"github.com/jaakkos/stringwork/internal/singleton"
	"github.com/jaakkos/stringwork/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to paneward.yaml")
	flag.Parse()

	tmpLogger := log.New(os.Stderr, "[dispatcher] ", log.LstdFlags)
	watcher, err := config.NewWatcher(*configPath, tmpLogger)
	if err != nil {
		tmpLogger.Fatalf("load config: %v", err)
	}
	cfg := watcher.Get()

	logger, closeLog, err := logging.New(cfg.ResolvedLogDir(), "dispatcher", cfg.Guardian.LogMaxLines)
	if err != nil {
		tmpLogger.Fatalf("open log: %v", err)
	}
	defer closeLog()

	lockPath := filepath.Join(filepath.Dir(cfg.ResolvedStateFile()), "dispatcher.lock")
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

	d := bus.New(st, controller, bus.Config{
		IdlePoll:       time.Duration(cfg.Dispatcher.IdlePollMillis) * time.Millisecond,
		ActivePoll:     time.Duration(cfg.Dispatcher.ActivePollMillis) * time.Millisecond,
		MaxRetries:     cfg.Dispatcher.MaxDeliveryRetries,
		IdleThreshold:  cfg.Guardian.IdleThresholdSeconds,
		PaneTarget:     target,
		StatusFilePath: cfg.ResolvedStatusFilePath(),
	}, logger)

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
	d.Start(ctx)
	watcher.Stop()
	logger.Println("dispatcher stopped")
}
