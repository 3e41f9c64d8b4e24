package guardian

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/stringwork/internal/heartbeat"
	"github.com/jaakkos/stringwork/internal/pane"
	"github.com/jaakkos/stringwork/internal/pendingchannels"
	"github.com/jaakkos/stringwork/internal/statusfile"
	"github.com/jaakkos/stringwork/internal/store"
)

func testGuardian(t *testing.T, send SendFunc) (*Guardian, *pane.Mock, Config) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mock := pane.NewMock()
	logger := log.New(os.Stderr, "", 0)
	hb := heartbeat.New(st, mock, heartbeat.Config{
		PrimaryInterval:        time.Hour,
		MaxFailCount:           3,
		DownRetryInterval:      time.Hour,
		RateLimitProbeInterval: time.Hour,
		PaneSession:            "paneward",
	}, logger)

	cfg := Config{
		TickInterval:          time.Second,
		IdleThreshold:         5 * time.Second,
		RestartDelay:          5 * time.Second,
		RestartGrace:          30 * time.Second,
		MaintenanceCap:        5 * time.Minute,
		StuckProbeThreshold:   300 * time.Second,
		StatusFilePath:        filepath.Join(t.TempDir(), "status.json"),
		PendingChannelsPath:   filepath.Join(t.TempDir(), "pending-channels.jsonl"),
		Session:               "paneward",
		Target:                "paneward:0.0",
		Command:               []string{"claude"},
		ForegroundProcessName: "claude",
	}
	if send == nil {
		send = func(channel, endpoint, content string) error { return nil }
	}
	return New(mock, hb, cfg, logger, send), mock, cfg
}

func TestDeriveStateOffline(t *testing.T) {
	got := deriveState(Observation{PaneExists: false}, false, 5*time.Second)
	if got != statusfile.StateOffline {
		t.Fatalf("deriveState = %v, want offline", got)
	}
}

func TestDeriveStateStopped(t *testing.T) {
	got := deriveState(Observation{PaneExists: true}, false, 5*time.Second)
	if got != statusfile.StateStopped {
		t.Fatalf("deriveState = %v, want stopped", got)
	}
}

func TestDeriveStateBusyAndIdle(t *testing.T) {
	obs := Observation{PaneExists: true, LastActivity: time.Now()}
	if got := deriveState(obs, true, 5*time.Second); got != statusfile.StateBusy {
		t.Fatalf("deriveState = %v, want busy", got)
	}
	obs.LastActivity = time.Now().Add(-time.Minute)
	if got := deriveState(obs, true, 5*time.Second); got != statusfile.StateIdle {
		t.Fatalf("deriveState = %v, want idle", got)
	}
}

func TestTickWritesStatusFile(t *testing.T) {
	g, mock, cfg := testGuardian(t, nil)
	mock.Sessions[cfg.Session] = true
	mock.Foreground = "claude"
	mock.ActivityAt = time.Now()

	g.tick()

	status, err := statusfile.Read(cfg.StatusFilePath)
	if err != nil {
		t.Fatalf("Read status file: %v", err)
	}
	if status.State != statusfile.StateBusy {
		t.Fatalf("status.State = %v, want busy", status.State)
	}
	if status.Health != statusfile.HealthOK {
		t.Fatalf("status.Health = %v, want ok", status.Health)
	}
}

func TestTickRestartsAfterDelay(t *testing.T) {
	g, mock, cfg := testGuardian(t, nil)
	_ = cfg

	for i := 0; i < 5; i++ {
		g.tick() // pane absent every tick; RestartDelay = 5s at 1s ticks
	}
	if !mock.Sessions[g.cfg.Session] {
		t.Fatal("expected guardian to have created the session after RestartDelay elapsed")
	}
}

func TestTickRestartsWhenNoMaintenancePatternMatches(t *testing.T) {
	g, mock, _ := testGuardian(t, nil)
	g.cfg.MaintenancePatterns = []string{"this-pattern-will-not-match-anything-xyz"}

	for i := 0; i < 5; i++ {
		g.tick()
	}
	if !mock.Sessions[g.cfg.Session] {
		t.Fatal("expected restart once the configured maintenance pattern did not match")
	}
}

func TestNotifyPendingChannelsOnRecovery(t *testing.T) {
	var notified []string
	send := func(channel, endpoint, content string) error {
		notified = append(notified, channel+"/"+endpoint)
		return nil
	}
	g, mock, cfg := testGuardian(t, send)
	mock.Sessions[cfg.Session] = true
	mock.Foreground = "claude"
	mock.ActivityAt = time.Now()

	if err := pendingchannels.Record(cfg.PendingChannelsPath, pendingchannels.Entry{Channel: "tg", EndpointID: "1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Force a recovering->ok transition path via the heartbeat engine directly.
	if err := g.heartbeat.HandleTimeout(heartbeat.PhasePrimary); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if _, err := g.heartbeat.HandleSuccess(heartbeat.PhaseRecovery); err != nil {
		t.Fatalf("HandleSuccess: %v", err)
	}
	g.notifyPendingChannels()

	if len(notified) != 1 || notified[0] != "tg/1" {
		t.Fatalf("notified = %v, want [tg/1]", notified)
	}
	list, err := pendingchannels.List(cfg.PendingChannelsPath)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("List after notify = %v, want empty (cleared)", list)
	}
}
