package pendingchannels

import (
	"path/filepath"
	"testing"
)

func TestRecordDedupAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending-channels.jsonl")

	if err := Record(path, Entry{Channel: "tg", EndpointID: "1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := Record(path, Entry{Channel: "tg", EndpointID: "1"}); err != nil {
		t.Fatalf("Record dup: %v", err)
	}
	if err := Record(path, Entry{Channel: "discord", EndpointID: "2"}); err != nil {
		t.Fatalf("Record second: %v", err)
	}

	list, err := List(path)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2 (deduped)", len(list))
	}

	if err := Clear(path); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	list, err = List(path)
	if err != nil {
		t.Fatalf("List after clear: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("len(list) = %d, want 0 after clear", len(list))
	}
}

func TestListMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.jsonl")
	list, err := List(path)
	if err != nil {
		t.Fatalf("List on missing file: %v", err)
	}
	if list != nil {
		t.Fatalf("List on missing file = %v, want nil", list)
	}
}

func TestClearMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.jsonl")
	if err := Clear(path); err != nil {
		t.Fatalf("Clear on missing file: %v", err)
	}
}
