package main

import (
	"testing"
	"time"

	"github.com/mcdev12/quizslot/go/internal/rounds"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 1, 19, 3, 30, 0, time.UTC)
	got := generate(now, options{generate: 3, category: "daily", every: 10 * time.Minute, length: 5 * time.Minute})

	if len(got) != 3 {
		t.Fatalf("rounds: got %d, want 3", len(got))
	}
	wantFirst := time.Date(2026, 6, 1, 19, 10, 0, 0, time.UTC)
	if !got[0].StartTime.Equal(wantFirst) {
		t.Fatalf("first start: got %v, want %v", got[0].StartTime, wantFirst)
	}
	if got[0].ID != "daily-20260601T1910" {
		t.Fatalf("id: got %q", got[0].ID)
	}
	v := rounds.NewValidator()
	for i, r := range got {
		if err := v.Validate(r); err != nil {
			t.Errorf("round %d invalid: %v", i, err)
		}
		if i > 0 && !r.StartTime.Equal(got[i-1].StartTime.Add(10*time.Minute)) {
			t.Errorf("round %d start: got %v", i, r.StartTime)
		}
	}
}

func TestSettingsArg(t *testing.T) {
	t.Parallel()
	if settingsArg(nil) != nil {
		t.Fatal("empty settings should be NULL")
	}
	if got := settingsArg([]byte(`{"questions":10}`)); got != `{"questions":10}` {
		t.Fatalf("got %v", got)
	}
}
