package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRule(t *testing.T, dir, name, text string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSafeBookKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Side by Side", "sidebyside"},
		{"side_by_side", "side_by_side"},
		{"  LET'S GO 3 ", "letsgo3"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := SafeBookKey(tc.in); got != tc.want {
			t.Errorf("SafeBookKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRuleText_FoundAndTrimmed(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "side_by_side.txt", "\n  Teach slowly.  \n")
	s := NewStore(dir)
	if got := s.RuleText("side_by_side"); got != "Teach slowly." {
		t.Errorf("RuleText = %q", got)
	}
}

func TestRuleText_UnderscoreFallback(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "sidebyside.txt", "fallback rules")
	s := NewStore(dir)
	if got := s.RuleText("side_by_side"); got != "fallback rules" {
		t.Errorf("RuleText = %q, want fallback rules", got)
	}
}

func TestRuleText_MissingReturnsEmpty(t *testing.T) {
	s := NewStore(t.TempDir())
	if got := s.RuleText("unknown_book"); got != "" {
		t.Errorf("RuleText = %q, want empty", got)
	}
	if got := s.RuleText(""); got != "" {
		t.Errorf("RuleText(empty) = %q, want empty", got)
	}
}

func TestKickoffText_CandidateOrder(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "letsgo_start.txt", "start text")
	s := NewStore(dir)
	if got := s.KickoffText("letsgo"); got != "start text" {
		t.Errorf("KickoffText = %q, want start text", got)
	}

	// _kickoff wins over _start when both exist.
	writeRule(t, dir, "letsgo_kickoff.txt", "kickoff text")
	s = NewStore(dir)
	if got := s.KickoffText("letsgo"); got != "kickoff text" {
		t.Errorf("KickoffText = %q, want kickoff text", got)
	}
}

func TestCache_InvalidatedOnModTimeChange(t *testing.T) {
	dir := t.TempDir()
	path := writeRule(t, dir, "book.txt", "old")
	s := NewStore(dir)
	if got := s.RuleText("book"); got != "old" {
		t.Fatalf("RuleText = %q, want old", got)
	}

	if err := os.WriteFile(path, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Force a distinct mtime; some filesystems have coarse resolution.
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if got := s.RuleText("book"); got != "new" {
		t.Errorf("RuleText after rewrite = %q, want new", got)
	}
}
