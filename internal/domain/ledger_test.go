package domain

import (
	"testing"
	"time"
)

func TestSplitIncrementsSameDayRoundsUp(t *testing.T) {
	start := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(12*time.Minute + 30*time.Second)

	got := SplitIncrements(start, end, time.UTC)
	if len(got) != 1 {
		t.Fatalf("expected 1 increment, got %d", len(got))
	}
	if got[0].Date != "2026-03-01" || got[0].Minutes != 13 {
		t.Fatalf("expected 13 minutes on 2026-03-01, got %+v", got[0])
	}
}

func TestSplitIncrementsAcrossMidnight(t *testing.T) {
	start := time.Date(2026, time.March, 1, 23, 50, 0, 0, time.UTC)
	end := time.Date(2026, time.March, 2, 0, 10, 0, 0, time.UTC)

	got := SplitIncrements(start, end, time.UTC)
	if len(got) != 2 {
		t.Fatalf("expected 2 increments, got %d: %+v", len(got), got)
	}
	if got[0].Date != "2026-03-01" || got[0].Minutes != 10 {
		t.Fatalf("expected 10 minutes on 2026-03-01, got %+v", got[0])
	}
	if got[1].Date != "2026-03-02" || got[1].Minutes != 10 {
		t.Fatalf("expected 10 minutes on 2026-03-02, got %+v", got[1])
	}
}

func TestSplitIncrementsMultiDay(t *testing.T) {
	start := time.Date(2026, time.March, 1, 23, 0, 0, 0, time.UTC)
	end := time.Date(2026, time.March, 3, 1, 0, 0, 0, time.UTC)

	got := SplitIncrements(start, end, time.UTC)
	if len(got) != 3 {
		t.Fatalf("expected 3 increments, got %d: %+v", len(got), got)
	}
	wantMinutes := []int{60, 1440, 60}
	wantDates := []string{"2026-03-01", "2026-03-02", "2026-03-03"}
	for i := range got {
		if got[i].Date != wantDates[i] || got[i].Minutes != wantMinutes[i] {
			t.Fatalf("segment %d: expected %d minutes on %s, got %+v", i, wantMinutes[i], wantDates[i], got[i])
		}
	}
}

func TestSplitIncrementsZeroDuration(t *testing.T) {
	at := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	if got := SplitIncrements(at, at, time.UTC); got != nil {
		t.Fatalf("expected no increments, got %+v", got)
	}
	if got := SplitIncrements(at, at.Add(-time.Minute), time.UTC); got != nil {
		t.Fatalf("expected no increments for inverted interval, got %+v", got)
	}
}

func TestSplitIncrementsUsesConfiguredLocation(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 22:50-23:10 UTC is 23:50-00:10 in Berlin (UTC+1 in March before DST).
	start := time.Date(2026, time.March, 1, 22, 50, 0, 0, time.UTC)
	end := time.Date(2026, time.March, 1, 23, 10, 0, 0, time.UTC)

	got := SplitIncrements(start, end, berlin)
	if len(got) != 2 {
		t.Fatalf("expected a midnight split in Berlin, got %+v", got)
	}
	if got[0].Date != "2026-03-01" || got[1].Date != "2026-03-02" {
		t.Fatalf("unexpected dates: %+v", got)
	}

	utc := SplitIncrements(start, end, time.UTC)
	if len(utc) != 1 {
		t.Fatalf("expected no split in UTC, got %+v", utc)
	}
}

func TestDayKeyUsesLocation(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	at := time.Date(2026, time.March, 1, 23, 30, 0, 0, time.UTC)
	if got := DayKey(at, time.UTC); got != "2026-03-01" {
		t.Fatalf("expected 2026-03-01 in UTC, got %s", got)
	}
	if got := DayKey(at, berlin); got != "2026-03-02" {
		t.Fatalf("expected 2026-03-02 in Berlin, got %s", got)
	}
}
