package pane

import "testing"

func TestNextBufferNameUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := nextBufferName()
		if seen[name] {
			t.Fatalf("duplicate buffer name %q", name)
		}
		seen[name] = true
	}
}

func TestMockPasteAndEnter(t *testing.T) {
	m := NewMock()
	if err := m.PasteAndEnter("paneward:0.0", "hello"); err != nil {
		t.Fatalf("PasteAndEnter: %v", err)
	}
	if len(m.Pastes) != 1 || m.Pastes[0] != "hello" {
		t.Fatalf("Pastes = %v, want [hello]", m.Pastes)
	}

	m.FailPaste = true
	if err := m.PasteAndEnter("paneward:0.0", "boom"); err == nil {
		t.Fatal("expected error when FailPaste is set")
	}
}

func TestMockSessionLifecycle(t *testing.T) {
	m := NewMock()
	has, err := m.HasSession("paneward")
	if err != nil || has {
		t.Fatalf("HasSession before create = %v, %v, want false, nil", has, err)
	}
	if err := m.CreateSession("paneward", []string{"claude"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	has, err = m.HasSession("paneward")
	if err != nil || !has {
		t.Fatalf("HasSession after create = %v, %v, want true, nil", has, err)
	}
	if err := m.KillSession("paneward"); err != nil {
		t.Fatalf("KillSession: %v", err)
	}
	has, _ = m.HasSession("paneward")
	if has {
		t.Fatal("session should not exist after kill")
	}
	// Idempotent.
	if err := m.KillSession("paneward"); err != nil {
		t.Fatalf("KillSession (idempotent): %v", err)
	}
}
