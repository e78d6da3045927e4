package notify

import "testing"

func TestRing_NewestFirstAndWraps(t *testing.T) {
	r := NewRing(3)
	if got := r.Recent(10); len(got) != 0 {
		t.Fatalf("empty ring returned %d", len(got))
	}
	for i := uint64(1); i <= 5; i++ {
		_ = r.RecordNotification(Report{Tick: i})
	}
	got := r.Recent(0)
	if len(got) != 3 || got[0].Tick != 5 || got[1].Tick != 4 || got[2].Tick != 3 {
		t.Fatalf("recent=%+v", got)
	}
	if got := r.Recent(1); len(got) != 1 || got[0].Tick != 5 {
		t.Fatalf("recent(1)=%+v", got)
	}
}
