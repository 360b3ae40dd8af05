package system

import (
	"strings"
	"testing"
	"time"

	"apexbot/internal/task/scheduler"
)

func TestDurRel(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{-90 * time.Second, "1m30s"},
		{3*time.Hour + 5*time.Minute, "3h5m"},
		{75 * time.Hour, "3d3h"},
	}
	for _, tt := range tests {
		if got := durRel(tt.in); got != tt.want {
			t.Fatalf("durRel(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := formatTasks(nil, now); got != "暂无定时任务" {
		t.Fatalf("empty = %q", got)
	}
	got := formatTasks([]scheduler.ScheduleInfo{{
		Name:      "apex:reconcile",
		Spec:      "@every 2m0s",
		Next:      now.Add(90 * time.Second),
		Runs:      7,
		Skips:     1,
		Failures:  2,
		Running:   true,
		LastError: "context deadline exceeded",
	}}, now)
	for _, want := range []string{
		"定时任务（1）：",
		"- apex:reconcile [@every 2m0s] next=in 1m30s runs=7 skips=1 failures=2 (running)",
		"last error: context deadline exceeded",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("formatTasks missing %q:\n%s", want, got)
		}
	}
}
