package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadSnapshot(t *testing.T) {
	dir := t.TempDir()
	snap := SnapshotV1{
		Header:     Header{Version: Version, Tick: 6000},
		TickRate:   20,
		NightStart: 12541,
		NightEnd:   23458,
		Worlds: []WorldV1{
			{
				ID:        "OVERWORLD",
				Type:      "OVERWORLD",
				Tick:      6000,
				TimeOfDay: 13000,
				Phase:     PhaseV1{DormancyEligible: true, PriorDormancyEligible: true, Tracked: true},
				Fatigue:   []FatigueV1{{Name: "steve", Ticks: 72000}},
			},
		},
	}
	path := filepath.Join(dir, "snapshots", FileName(6000))
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	w, ok := got.World("OVERWORLD")
	if !ok || !w.Phase.PriorDormancyEligible || w.TimeOfDay != 13000 || len(w.Fatigue) != 1 || w.Fatigue[0].Ticks != 72000 {
		t.Fatalf("world=%+v", w)
	}
	if _, ok := got.World("NETHER"); ok {
		t.Fatalf("unexpected world")
	}
}

func TestReadSnapshot_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName(1))
	if err := WriteSnapshot(path, SnapshotV1{Header: Header{Version: 99}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	if Latest(dir) != "" {
		t.Fatalf("empty dir should have no latest")
	}
	for _, name := range []string{FileName(20), FileName(6000), FileName(300), "notes.txt", "x.snap.zst"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got := Latest(dir); got != filepath.Join(dir, FileName(6000)) {
		t.Fatalf("latest=%s", got)
	}
}
