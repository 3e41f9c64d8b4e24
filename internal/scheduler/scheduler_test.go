package scheduler

import (
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/stringwork/internal/statusfile"
	"github.com/jaakkos/stringwork/internal/store"
)

func testScheduler(t *testing.T, alive bool) (*Scheduler, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	statusPath := filepath.Join(t.TempDir(), "status.json")
	state := statusfile.StateIdle
	if !alive {
		state = statusfile.StateOffline
	}
	if err := statusfile.Write(statusPath, statusfile.Status{State: state, Health: statusfile.HealthOK}); err != nil {
		t.Fatalf("Write status: %v", err)
	}

	cfg := Config{
		TickInterval:     10 * time.Second,
		TaskTimeout:      time.Hour,
		HistoryRetention: 30 * 24 * time.Hour,
		StatusFilePath:   statusPath,
	}
	return New(st, cfg, log.New(os.Stderr, "", 0)), st, statusPath
}

func TestDispatchDueOneShot(t *testing.T) {
	s, st, _ := testScheduler(t, true)
	task := store.Task{
		ID: "t1", Name: "reminder", Prompt: "say hi", Type: store.TaskOneTime,
		NextRunAt: time.Now().Add(-time.Second), MissThreshold: 300, Timezone: "UTC",
	}
	if err := st.AddTask(task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.tick()

	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskRunning {
		t.Fatalf("Status = %q, want running", got.Status)
	}
	convs, err := st.RecentConversations(10)
	if err != nil {
		t.Fatalf("RecentConversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("len(convs) = %d, want 1", len(convs))
	}
}

func TestSkipsCycleWhenAssistantNotAlive(t *testing.T) {
	s, st, _ := testScheduler(t, false)
	task := store.Task{
		ID: "t1", Name: "reminder", Prompt: "say hi", Type: store.TaskOneTime,
		NextRunAt: time.Now().Add(-time.Second), MissThreshold: 300, Timezone: "UTC",
	}
	if err := st.AddTask(task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.tick()

	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskPending {
		t.Fatalf("Status = %q, want pending (cycle should have been skipped)", got.Status)
	}
}

func TestMissedWindowFailsOneShot(t *testing.T) {
	s, st, _ := testScheduler(t, true)
	task := store.Task{
		ID: "t1", Name: "reminder", Prompt: "say hi", Type: store.TaskOneTime,
		NextRunAt: time.Now().Add(-time.Hour), MissThreshold: 60, Timezone: "UTC",
	}
	if err := st.AddTask(task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.tick()

	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskFailed || got.LastError != "Missed execution window" {
		t.Fatalf("got status=%q last_error=%q, want failed/Missed execution window", got.Status, got.LastError)
	}
}

func TestMissedWindowReschedulesRecurring(t *testing.T) {
	s, st, _ := testScheduler(t, true)
	task := store.Task{
		ID: "t1", Name: "daily", Prompt: "say hi", Type: store.TaskRecurring,
		CronExpression: "0 0 * * *", NextRunAt: time.Now().Add(-time.Hour), MissThreshold: 60, Timezone: "UTC",
	}
	if err := st.AddTask(task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.tick()

	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskPending {
		t.Fatalf("Status = %q, want pending (rescheduled)", got.Status)
	}
	if !got.NextRunAt.After(time.Now()) {
		t.Fatalf("NextRunAt = %v, want in the future", got.NextRunAt)
	}
}

func TestRescheduleCompletedRecurring(t *testing.T) {
	s, st, _ := testScheduler(t, true)
	task := store.Task{
		ID: "t1", Name: "daily", Prompt: "say hi", Type: store.TaskRecurring,
		CronExpression: "0 0 * * *", NextRunAt: time.Now(), Status: store.TaskCompleted, Timezone: "UTC",
	}
	if err := st.AddTask(task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	s.tick()

	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskPending {
		t.Fatalf("Status = %q, want pending", got.Status)
	}
}

func TestReapsStaleRunning(t *testing.T) {
	s, st, _ := testScheduler(t, true)
	task := store.Task{
		ID: "t1", Name: "long", Prompt: "say hi", Type: store.TaskOneTime,
		NextRunAt: time.Now(), Status: store.TaskRunning, Timezone: "UTC",
	}
	if err := st.AddTask(task); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := st.RescheduleTask("t1", task.NextRunAt, stale); err != nil {
		t.Fatalf("RescheduleTask: %v", err)
	}
	if err := st.ClaimTaskRunning("t1", stale); err != nil {
		t.Fatalf("ClaimTaskRunning: %v", err)
	}

	s.tick()

	got, err := st.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != store.TaskFailed {
		t.Fatalf("Status = %q, want failed (reaped stale one-shot)", got.Status)
	}
}

func TestNextOccurrenceInterval(t *testing.T) {
	task := store.Task{ID: "t1", Type: store.TaskInterval, IntervalSeconds: 60, Timezone: "UTC"}
	base := time.Now()
	next, err := NextOccurrence(task, base)
	if err != nil {
		t.Fatalf("NextOccurrence: %v", err)
	}
	if next.Sub(base) != 60*time.Second {
		t.Fatalf("next - base = %v, want 60s", next.Sub(base))
	}
}

func TestNextOccurrenceCron(t *testing.T) {
	task := store.Task{ID: "t1", Type: store.TaskRecurring, CronExpression: "0 0 * * *", Timezone: "UTC"}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextOccurrence(task, base)
	if err != nil {
		t.Fatalf("NextOccurrence: %v", err)
	}
	want := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextOccurrence = %v, want %v", next, want)
	}
}
