package bus

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

func testDispatcher(t *testing.T, statusPath string) (*Dispatcher, *store.Store, *pane.Mock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mock := pane.NewMock()
	logger := log.New(os.Stderr, "", 0)
	cfg := Config{
		IdlePoll:       10 * time.Millisecond,
		ActivePoll:     1 * time.Millisecond,
		MaxRetries:     5,
		IdleThreshold:  5,
		PaneTarget:     "paneward:0.0",
		StatusFilePath: statusPath,
	}
	return New(st, mock, cfg, logger), st, mock
}

func TestTickDeliversConversationWhenIdle(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status.json")
	if err := statusfile.Write(statusPath, statusfile.Status{State: statusfile.StateIdle, Health: statusfile.HealthOK, IdleSeconds: 10}); err != nil {
		t.Fatalf("Write status: %v", err)
	}
	d, st, mock := testDispatcher(t, statusPath)

	if _, err := st.EnqueueConversation(store.Conversation{
		Direction: store.DirectionIn, Channel: "tg", Content: "hello", Priority: store.PriorityNormalUser,
	}); err != nil {
		t.Fatalf("EnqueueConversation: %v", err)
	}

	if !d.tick() {
		t.Fatal("tick() = false, want true (should have delivered)")
	}
	if len(mock.Pastes) != 1 || mock.Pastes[0] != "hello" {
		t.Fatalf("Pastes = %v, want [hello]", mock.Pastes)
	}
}

func TestTickSkipsPriorityOneWhenBusy(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status.json")
	if err := statusfile.Write(statusPath, statusfile.Status{State: statusfile.StateBusy, Health: statusfile.HealthOK, IdleSeconds: 0}); err != nil {
		t.Fatalf("Write status: %v", err)
	}
	d, st, mock := testDispatcher(t, statusPath)

	if _, err := st.EnqueueConversation(store.Conversation{
		Direction: store.DirectionIn, Channel: "sys", Content: "idle-required", Priority: store.PrioritySystemIdleRequired,
	}); err != nil {
		t.Fatalf("EnqueueConversation: %v", err)
	}

	if d.tick() {
		t.Fatal("tick() = true, want false (priority-1 entry must wait for idle)")
	}
	if len(mock.Pastes) != 0 {
		t.Fatalf("Pastes = %v, want none delivered while busy", mock.Pastes)
	}

	if err := statusfile.Write(statusPath, statusfile.Status{State: statusfile.StateIdle, Health: statusfile.HealthOK, IdleSeconds: 10}); err != nil {
		t.Fatalf("Write status: %v", err)
	}
	if !d.tick() {
		t.Fatal("tick() = false after idle, want true")
	}
	if len(mock.Pastes) != 1 {
		t.Fatalf("Pastes = %v, want 1 after going idle", mock.Pastes)
	}
}

func TestTickPrefersControlAtSamePriority(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status.json")
	if err := statusfile.Write(statusPath, statusfile.Status{State: statusfile.StateIdle, Health: statusfile.HealthOK, IdleSeconds: 10}); err != nil {
		t.Fatalf("Write status: %v", err)
	}
	d, st, mock := testDispatcher(t, statusPath)

	if _, err := st.EnqueueConversation(store.Conversation{
		Direction: store.DirectionIn, Channel: "tg", Content: "conversation", Priority: store.PriorityUrgentUser,
	}); err != nil {
		t.Fatalf("EnqueueConversation: %v", err)
	}
	if _, err := st.EnqueueControl("", "", "control", store.EnqueueControlOptions{Priority: store.PriorityUrgentUser}); err != nil {
		t.Fatalf("EnqueueControl: %v", err)
	}

	if !d.tick() {
		t.Fatal("tick() = false, want true")
	}
	if len(mock.Pastes) != 1 || mock.Pastes[0] != "control" {
		t.Fatalf("Pastes = %v, want [control] delivered first at tied priority", mock.Pastes)
	}
}

func TestTickRevertsOnPasteFailure(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "status.json")
	if err := statusfile.Write(statusPath, statusfile.Status{State: statusfile.StateIdle, Health: statusfile.HealthOK, IdleSeconds: 10}); err != nil {
		t.Fatalf("Write status: %v", err)
	}
	d, st, mock := testDispatcher(t, statusPath)
	mock.FailPaste = true

	id, err := st.EnqueueConversation(store.Conversation{
		Direction: store.DirectionIn, Channel: "tg", Content: "hello", Priority: store.PriorityNormalUser,
	})
	if err != nil {
		t.Fatalf("EnqueueConversation: %v", err)
	}

	if d.tick() {
		t.Fatal("tick() = true, want false on paste failure")
	}
	got, err := st.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Status != store.ConversationPending || got.RetryCount != 1 {
		t.Fatalf("got status=%q retry=%d, want pending/1 after reverted delivery", got.Status, got.RetryCount)
	}
}

func TestTickFailOpenOnMissingStatusFile(t *testing.T) {
	d, st, mock := testDispatcher(t, filepath.Join(t.TempDir(), "missing-status.json"))

	if _, err := st.EnqueueConversation(store.Conversation{
		Direction: store.DirectionIn, Channel: "sys", Content: "idle-required", Priority: store.PrioritySystemIdleRequired,
	}); err != nil {
		t.Fatalf("EnqueueConversation: %v", err)
	}

	if !d.tick() {
		t.Fatal("tick() = false, want true (missing status file should fail open to idle)")
	}
	if len(mock.Pastes) != 1 {
		t.Fatalf("Pastes = %v, want 1 under fail-open idle assumption", mock.Pastes)
	}
}
