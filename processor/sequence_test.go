package processor

import "testing"

func TestSequenceTrackerHappyPath(t *testing.T) {
	tr := NewSequenceTracker()
	tr.MarkSnapshot("M", 100)

	if v := tr.CheckDelta("M", 101); v != VerdictApply {
		t.Fatalf("next delta verdict = %v, want apply", v)
	}
	if v := tr.CheckDelta("M", 101); v != VerdictStale {
		t.Fatalf("repeated delta verdict = %v, want stale", v)
	}
	if v := tr.CheckDelta("M", 102); v != VerdictApply {
		t.Fatalf("following delta verdict = %v, want apply", v)
	}
}

func TestSequenceTrackerGapAndRecovery(t *testing.T) {
	tr := NewSequenceTracker()
	tr.MarkSnapshot("M", 100)
	tr.CheckDelta("M", 101)

	if v := tr.CheckDelta("M", 103); v != VerdictGap {
		t.Fatalf("skipped seq verdict = %v, want gap", v)
	}
	// After a gap everything is dropped until a new snapshot.
	if v := tr.CheckDelta("M", 104); v != VerdictAwaiting {
		t.Fatalf("post-gap verdict = %v, want awaiting", v)
	}

	tr.MarkSnapshot("M", 150)
	if v := tr.CheckDelta("M", 151); v != VerdictApply {
		t.Fatalf("post-resync verdict = %v, want apply", v)
	}
}

func TestSequenceTrackerDeltaBeforeSnapshot(t *testing.T) {
	tr := NewSequenceTracker()
	if v := tr.CheckDelta("M", 1); v != VerdictAwaiting {
		t.Fatalf("verdict = %v, want awaiting", v)
	}
}

func TestSequenceTrackerPerMarketIsolation(t *testing.T) {
	tr := NewSequenceTracker()
	tr.MarkSnapshot("A", 10)
	tr.MarkSnapshot("B", 20)

	if v := tr.CheckDelta("A", 12); v != VerdictGap {
		t.Fatalf("A verdict = %v, want gap", v)
	}
	if v := tr.CheckDelta("B", 21); v != VerdictApply {
		t.Fatalf("gap on A must not affect B, verdict = %v", v)
	}
}

func TestSequenceTrackerInvalidateAll(t *testing.T) {
	tr := NewSequenceTracker()
	tr.MarkSnapshot("A", 1)
	tr.MarkSnapshot("B", 2)
	tr.Invalidate("B")

	affected := tr.InvalidateAll()
	if len(affected) != 1 || affected[0] != "A" {
		t.Fatalf("affected = %v, want [A]", affected)
	}
	if tr.Synced("A") || tr.Synced("B") {
		t.Error("no market should remain synced")
	}
}

func TestSequenceTrackerSynthetic(t *testing.T) {
	tr := NewSequenceTracker()
	if s := tr.NextSynthetic("M"); s != 1 {
		t.Fatalf("first synthetic = %d", s)
	}
	if s := tr.NextSynthetic("M"); s != 2 {
		t.Fatalf("second synthetic = %d", s)
	}
	tr.Reset()
	if s := tr.NextSynthetic("M"); s != 1 {
		t.Fatalf("post-reset synthetic = %d", s)
	}
}
