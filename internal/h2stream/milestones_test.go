package h2stream

import (
	"testing"
	"time"
)

func TestMilestoneLog_MarkIsAtMostOnce(t *testing.T) {
	ml := NewMilestoneLog(0)
	t0 := time.Now()
	ml.Mark(MilestoneOpen, t0)
	ml.Mark(MilestoneOpen, t0.Add(time.Second))

	got, ok := ml.At(MilestoneOpen)
	if !ok || !got.Equal(t0) {
		t.Fatalf("At(Open) = (%v, %v), want (%v, true) — second Mark must be ignored", got, ok, t0)
	}
}

func TestMilestoneLog_FinishBelowThresholdIsNotSlow(t *testing.T) {
	ml := NewMilestoneLog(time.Hour)
	t0 := time.Now()
	ml.Mark(MilestoneOpen, t0)
	ml.Mark(MilestoneClose, t0.Add(time.Millisecond))

	_, report, slow := ml.Finish(0, 0)
	if slow || report != nil {
		t.Fatalf("expected not slow, got slow=%v report=%v", slow, report)
	}
}

func TestMilestoneLog_FinishAboveThresholdProducesDeltas(t *testing.T) {
	ml := NewMilestoneLog(time.Millisecond)
	t0 := time.Now()
	ml.Mark(MilestoneOpen, t0)
	ml.Mark(MilestoneStartTxn, t0.Add(10*time.Millisecond))
	ml.Mark(MilestoneClose, t0.Add(20*time.Millisecond))

	total, report, slow := ml.Finish(100, 200)
	if !slow || report == nil {
		t.Fatalf("expected slow report, got slow=%v report=%v", slow, report)
	}
	if total != 20*time.Millisecond {
		t.Fatalf("total = %v, want 20ms", total)
	}
	if len(report.Deltas) != 2 {
		t.Fatalf("len(Deltas) = %d, want 2", len(report.Deltas))
	}
	if report.String() == "" {
		t.Fatal("String() returned empty")
	}
}

func TestHistoryRing_WrapsAndPreservesOrder(t *testing.T) {
	hr := NewHistoryRing(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		hr.Append("loc", "EVT", i, base.Add(time.Duration(i)*time.Millisecond))
	}

	entries := hr.Entries()
	if len(entries) != 3 {
		t.Fatalf("len(Entries()) = %d, want 3", len(entries))
	}
	for i, e := range entries {
		wantReentrancy := i + 2 // entries 2,3,4 survive after 5 appends into cap 3
		if e.Reentrancy != wantReentrancy {
			t.Errorf("Entries()[%d].Reentrancy = %d, want %d", i, e.Reentrancy, wantReentrancy)
		}
	}
}
