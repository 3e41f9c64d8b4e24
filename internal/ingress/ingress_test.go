package ingress

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jaakkos/stringwork/internal/pendingchannels"
	"github.com/jaakkos/stringwork/internal/store"
)

func testCore(t *testing.T, resolve SendCommand) (*Core, *store.Store, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	pendingPath := filepath.Join(t.TempDir(), "pending-channels.jsonl")
	if resolve == nil {
		resolve = func(string) ([]string, bool) { return nil, false }
	}
	return New(st, pendingPath, resolve, time.Second), st, pendingPath
}

func TestReceiveEnqueuesWhenHealthy(t *testing.T) {
	c, st, _ := testCore(t, func(string) ([]string, bool) {
		return []string{"/bin/send-telegram"}, true
	})

	id, err := c.Receive("telegram", "user-1", "hello", store.PriorityNormalUser, false, false)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	got, err := st.GetConversation(id)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Status != store.ConversationPending {
		t.Fatalf("Status = %q, want pending", got.Status)
	}
	if got.Direction != store.DirectionIn {
		t.Fatalf("Direction = %q, want in", got.Direction)
	}
	if got.Content == "hello" {
		t.Fatalf("Content = %q, want reply-via suffix appended", got.Content)
	}
}

func TestReceiveRejectsWhenUnhealthy(t *testing.T) {
	c, st, pendingPath := testCore(t, nil)
	if err := st.SetMeta("heartbeat_health", "down"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}

	_, err := c.Receive("telegram", "user-1", "hello", store.PriorityNormalUser, false, false)
	if err != ErrRejected {
		t.Fatalf("err = %v, want ErrRejected", err)
	}

	entries, err := pendingchannels.List(pendingPath)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Channel != "telegram" || entries[0].EndpointID != "user-1" {
		t.Fatalf("entries = %+v, want one recording telegram/user-1", entries)
	}
}

func TestReceiveBypassStateIgnoresHealth(t *testing.T) {
	c, st, _ := testCore(t, nil)
	if err := st.SetMeta("heartbeat_health", "down"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}

	id, err := c.Receive("cli", "", "ack primary", store.PrioritySystemIdleRequired, true, true)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if id == 0 {
		t.Fatalf("id = 0, want nonzero")
	}
}

func TestSendRecordsDeliveredOnSuccess(t *testing.T) {
	c, st, _ := testCore(t, func(string) ([]string, bool) {
		return []string{"/bin/true"}, true
	})

	if err := c.Send("telegram", []string{"user-1"}, "reply"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	convs, err := st.RecentConversations(10)
	if err != nil {
		t.Fatalf("RecentConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].Status != store.ConversationDelivered {
		t.Fatalf("convs = %+v, want one delivered", convs)
	}
}

func TestSendRecordsFailedOnMissingCommand(t *testing.T) {
	c, st, _ := testCore(t, func(string) ([]string, bool) { return nil, false })

	if err := c.Send("telegram", []string{"user-1"}, "reply"); err == nil {
		t.Fatalf("Send: want error for unconfigured channel")
	}
	convs, err := st.RecentConversations(10)
	if err != nil {
		t.Fatalf("RecentConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].Status != store.ConversationFailed {
		t.Fatalf("convs = %+v, want one failed", convs)
	}
}

func TestSendRecordsFailedOnShelloutFailure(t *testing.T) {
	c, st, _ := testCore(t, func(string) ([]string, bool) {
		return []string{"/bin/false"}, true
	})

	if err := c.Send("telegram", []string{"user-1"}, "reply"); err == nil {
		t.Fatalf("Send: want error for non-zero exit")
	}
	convs, err := st.RecentConversations(10)
	if err != nil {
		t.Fatalf("RecentConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].Status != store.ConversationFailed {
		t.Fatalf("convs = %+v, want one failed", convs)
	}
}
