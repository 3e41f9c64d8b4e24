package store

import "testing"

func TestMetaSetGetUpsert(t *testing.T) {
	s := openTestStore(t)

	if _, ok, err := s.GetMeta("health"); err != nil || ok {
		t.Fatalf("GetMeta before set = %v, %v, want false, nil", ok, err)
	}
	if err := s.SetMeta("health", "ok"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	v, ok, err := s.GetMeta("health")
	if err != nil || !ok || v != "ok" {
		t.Fatalf("GetMeta = %q, %v, %v, want ok, true, nil", v, ok, err)
	}
	if err := s.SetMeta("health", "recovering"); err != nil {
		t.Fatalf("SetMeta overwrite: %v", err)
	}
	v, _, _ = s.GetMeta("health")
	if v != "recovering" {
		t.Fatalf("GetMeta after overwrite = %q, want recovering", v)
	}
}
