package heartbeat

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/stringwork/internal/pane"
	"github.com/jaakkos/stringwork/internal/statusfile"
	"github.com/jaakkos/stringwork/internal/store"
)

func testEngine(t *testing.T) (*Engine, *store.Store, *pane.Mock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mock := pane.NewMock()
	cfg := Config{
		PrimaryInterval:        100 * time.Millisecond,
		MaxFailCount:           3,
		DownRetryInterval:      time.Hour,
		RateLimitProbeInterval: time.Hour,
		PaneSession:            "paneward",
	}
	return New(st, mock, cfg, log.New(os.Stderr, "", 0)), st, mock
}

func TestHealthDefaultsOK(t *testing.T) {
	e, _, _ := testEngine(t)
	h, err := e.Health()
	if err != nil || h != statusfile.HealthOK {
		t.Fatalf("Health() = %v, %v, want ok, nil", h, err)
	}
}

func TestPrimaryTimeoutEntersRecovering(t *testing.T) {
	e, _, mock := testEngine(t)
	mock.Sessions["paneward"] = true

	if err := e.HandleTimeout(PhasePrimary); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	h, _ := e.Health()
	if h != statusfile.HealthRecovering {
		t.Fatalf("Health() = %v, want recovering", h)
	}
	if mock.Sessions["paneward"] {
		t.Fatal("pane session should have been killed entering recovering")
	}
}

func TestRecoveringEscalatesToDownAfterMaxFailCount(t *testing.T) {
	e, _, _ := testEngine(t)
	if err := e.HandleTimeout(PhasePrimary); err != nil { // ok -> recovering
		t.Fatalf("HandleTimeout 1: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := e.HandleTimeout(PhaseRecovery); err != nil {
			t.Fatalf("HandleTimeout recovery %d: %v", i, err)
		}
	}
	h, _ := e.Health()
	if h != statusfile.HealthDown {
		t.Fatalf("Health() = %v, want down after %d recovery timeouts", h, 3)
	}
}

func TestRecoveringSuccessReturnsToOK(t *testing.T) {
	e, _, _ := testEngine(t)
	if err := e.HandleTimeout(PhasePrimary); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	recovered, err := e.HandleSuccess(PhaseRecovery)
	if err != nil {
		t.Fatalf("HandleSuccess: %v", err)
	}
	if !recovered {
		t.Fatal("HandleSuccess recovered = false, want true")
	}
	h, _ := e.Health()
	if h != statusfile.HealthOK {
		t.Fatalf("Health() = %v, want ok", h)
	}
}

func TestDownTimeoutStaysDownNoKill(t *testing.T) {
	e, _, mock := testEngine(t)
	if err := e.HandleTimeout(PhasePrimary); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	for i := 0; i < 3; i++ {
		e.HandleTimeout(PhaseRecovery)
	}
	mock.Sessions["paneward"] = true // simulate a session existing again
	if err := e.HandleTimeout(PhaseDownCheck); err != nil {
		t.Fatalf("HandleTimeout down-check: %v", err)
	}
	h, _ := e.Health()
	if h != statusfile.HealthDown {
		t.Fatalf("Health() = %v, want down", h)
	}
	if !mock.Sessions["paneward"] {
		t.Fatal("down-check timeout must not kill the pane")
	}
}

func TestEnterRateLimitedAndRecover(t *testing.T) {
	e, _, _ := testEngine(t)
	resetAt := time.Now().Add(time.Hour)
	if err := e.EnterRateLimited(resetAt); err != nil {
		t.Fatalf("EnterRateLimited: %v", err)
	}
	h, _ := e.Health()
	if h != statusfile.HealthRateLimited {
		t.Fatalf("Health() = %v, want rate_limited", h)
	}
	got, err := e.RateLimitResetAt()
	if err != nil {
		t.Fatalf("RateLimitResetAt: %v", err)
	}
	if !got.Equal(resetAt) {
		t.Fatalf("RateLimitResetAt() = %v, want %v", got, resetAt)
	}
	recovered, err := e.HandleSuccess(PhaseRateLimitCheck)
	if err != nil || !recovered {
		t.Fatalf("HandleSuccess = %v, %v, want true, nil", recovered, err)
	}
}

func TestIssuePrimaryRespectsIntervalAndSinglePending(t *testing.T) {
	e, st, _ := testEngine(t)
	if err := e.IssuePrimary(); err != nil {
		t.Fatalf("IssuePrimary: %v", err)
	}
	c, err := st.PendingHeartbeat()
	if err != nil {
		t.Fatalf("PendingHeartbeat: %v", err)
	}
	if c.HeartbeatPhase != string(PhasePrimary) {
		t.Fatalf("HeartbeatPhase = %q, want primary", c.HeartbeatPhase)
	}

	// A second call while one is pending must not issue another.
	if err := e.IssuePrimary(); err != nil {
		t.Fatalf("IssuePrimary (already pending): %v", err)
	}
	c2, err := st.PendingHeartbeat()
	if err != nil {
		t.Fatalf("PendingHeartbeat: %v", err)
	}
	if c2.ID != c.ID {
		t.Fatalf("second IssuePrimary enqueued control %d, want only %d pending", c2.ID, c.ID)
	}
}

func TestPollAppliesTimeoutAutomatically(t *testing.T) {
	e, st, _ := testEngine(t)
	_, err := st.EnqueueControl("", "", "probe", store.EnqueueControlOptions{
		Priority: store.PrioritySystemIdleRequired, BypassState: true,
		AckDeadline: time.Millisecond, HeartbeatPhase: string(PhasePrimary),
	})
	if err != nil {
		t.Fatalf("EnqueueControl: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := e.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	h, _ := e.Health()
	if h != statusfile.HealthRecovering {
		t.Fatalf("Health() = %v, want recovering after Poll observed a past-deadline primary probe", h)
	}
}
