package stage

import "testing"

func TestDiffLines(t *testing.T) {
	tests := []struct {
		before, after  string
		added, removed int
	}{
		{"", "a\nb\n", 2, 0},
		{"a\nb\n", "", 0, 2},
		{"a\nb\n", "a\nc\n", 1, 1},
		{"a\na\n", "a\n", 0, 1},
		{"x\n", "x\n", 0, 0},
	}
	for _, tt := range tests {
		a, r := diffLines(tt.before, tt.after)
		if a != tt.added || r != tt.removed {
			t.Errorf("diffLines(%q, %q) = +%d/-%d, want +%d/-%d", tt.before, tt.after, a, r, tt.added, tt.removed)
		}
	}
}

func TestCountLines(t *testing.T) {
	if n := countLines("a\nb\n"); n != 2 {
		t.Errorf("countLines = %d", n)
	}
	if n := countLines(""); n != 0 {
		t.Errorf("countLines(empty) = %d", n)
	}
}
