// Command scheduler runs the Task Scheduler daemon: it dispatches due
// tasks onto the conversation queue, reschedules recurring tasks, and
// reaps stale-running entries.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jaakkos/stringwork/internal/config"
	"github.com/jaakkos/stringwork/internal/logging"
	"github.com/jaakkos/stringwork/internal/scheduler"
	"github.com/jaakkos/stringwork/internal/singleton"
	"github.com/jaakkos/stringwork/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to paneward.yaml")
	flag.Parse()

	tmpLogger := log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	watcher, err := config.NewWatcher(*configPath, tmpLogger)
	if err != nil {
		tmpLogger.Fatalf("load config: %v", err)
	}
	cfg := watcher.Get()

	logger, closeLog, err := logging.New(cfg.ResolvedLogDir(), "scheduler", cfg.Guardian.LogMaxLines)
	if err != nil {
		tmpLogger.Fatalf("open log: %v", err)
	}
	defer closeLog()

	lockPath := filepath.Join(filepath.Dir(cfg.ResolvedStateFile()), "scheduler.lock")
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

	s := scheduler.New(st, scheduler.Config{
		TickInterval:     time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		TaskTimeout:      time.Duration(cfg.Scheduler.TaskTimeoutSeconds) * time.Second,
		HistoryRetention: time.Duration(cfg.Scheduler.HistoryRetentionDays) * 24 * time.Hour,
		StatusFilePath:   cfg.ResolvedStatusFilePath(),
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
	s.Start(ctx)
	watcher.Stop()
	logger.Println("scheduler stopped")
}
