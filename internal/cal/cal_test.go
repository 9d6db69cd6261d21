package cal

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cal.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPowerOnRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec, err := s.GetPowerOnRecord()
	if err != nil {
		t.Fatalf("GetPowerOnRecord: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record on fresh store, got %v", rec)
	}

	want := []byte{1, 2, 3, 4}
	if err := s.PutPowerOnRecord(want); err != nil {
		t.Fatalf("PutPowerOnRecord: %v", err)
	}

	got, err := s.GetPowerOnRecord()
	if err != nil {
		t.Fatalf("GetPowerOnRecord: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRnDFlagDefaultsFalse(t *testing.T) {
	s := openTestStore(t)

	set, err := s.GetRnDFlag("no-omap-wd")
	if err != nil {
		t.Fatalf("GetRnDFlag: %v", err)
	}
	if set {
		t.Fatalf("expected unset flag to default to false")
	}

	if err := s.SetRnDFlag("no-omap-wd", true); err != nil {
		t.Fatalf("SetRnDFlag: %v", err)
	}
	set, err = s.GetRnDFlag("no-omap-wd")
	if err != nil {
		t.Fatalf("GetRnDFlag: %v", err)
	}
	if !set {
		t.Fatalf("expected flag to be set after SetRnDFlag(true)")
	}

	if err := s.SetRnDFlag("no-omap-wd", false); err != nil {
		t.Fatalf("SetRnDFlag: %v", err)
	}
	set, err = s.GetRnDFlag("no-omap-wd")
	if err != nil {
		t.Fatalf("GetRnDFlag: %v", err)
	}
	if set {
		t.Fatalf("expected flag to be cleared")
	}
}
