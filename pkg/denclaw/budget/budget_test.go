package budget

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		payload string
		want    int64
	}{
		{"", 0},
		{"ab", 1},
		{"abcd", 1},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.payload); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.payload), got, tt.want)
		}
	}
}

func TestTokensForChars(t *testing.T) {
	t.Parallel()

	tests := []struct {
		chars int64
		want  int64
	}{
		{-1, 0},
		{0, 0},
		{1, 1},
		{3, 1},
		{4, 1},
		{4000, 1000},
	}
	for _, tt := range tests {
		if got := TokensForChars(tt.chars); got != tt.want {
			t.Errorf("TokensForChars(%d) = %d, want %d", tt.chars, got, tt.want)
		}
	}
}

func TestRecordUsageAccumulates(t *testing.T) {
	t.Parallel()
	l := NewLedger(filepath.Join(t.TempDir(), "budget.json"))

	if err := l.RecordUsage("anthropic", "claude-opus-4-5", 100); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := l.RecordUsage("anthropic", "claude-opus-4-5", 50); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := l.RecordUsage("anthropic", "claude-sonnet-4-5", 30); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	used, err := l.Used("anthropic", "claude-opus-4-5")
	if err != nil {
		t.Fatal(err)
	}
	if used != 150 {
		t.Errorf("used = %d, want 150", used)
	}

	other, _ := l.Used("anthropic", "claude-sonnet-4-5")
	if other != 30 {
		t.Errorf("other model used = %d, want 30", other)
	}
}

func TestUsageSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "budget.json")

	l := NewLedger(path)
	if err := l.RecordUsage("anthropic", "claude-opus-4-5", 42); err != nil {
		t.Fatal(err)
	}
	if err := l.SetBudget("anthropic", "claude-opus-4-5", 1000); err != nil {
		t.Fatal(err)
	}

	reopened := NewLedger(path)
	budgets, used, err := reopened.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if used["anthropic:claude-opus-4-5"] != 42 {
		t.Errorf("used after reopen = %d, want 42", used["anthropic:claude-opus-4-5"])
	}
	if budgets["anthropic:claude-opus-4-5"] != 1000 {
		t.Errorf("budget after reopen = %d, want 1000", budgets["anthropic:claude-opus-4-5"])
	}
}

func TestZeroUsageIsNotPersisted(t *testing.T) {
	t.Parallel()
	l := NewLedger(filepath.Join(t.TempDir(), "budget.json"))

	if err := l.RecordUsage("anthropic", "claude-opus-4-5", 0); err != nil {
		t.Fatal(err)
	}
	used, err := l.Used("anthropic", "claude-opus-4-5")
	if err != nil {
		t.Fatal(err)
	}
	if used != 0 {
		t.Errorf("used = %d, want 0", used)
	}
}
