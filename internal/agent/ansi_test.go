package agent

import "testing"

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello world", "hello world"},
		{"color", "\x1b[31mred\x1b[0m text", "red text"},
		{"multi param", "\x1b[1;32;40mbold green\x1b[0m", "bold green"},
		{"cursor", "a\x1b[2Kb\x1b[1Ac", "abc"},
		{"osc bel", "\x1b]0;window title\x07prompt", "prompt"},
		{"osc st", "\x1b]0;title\x1b\\after", "after"},
		{"8bit csi", "x\x9b31my", "xy"},
		{"two byte", "a\x1bcb", "ab"},
		{"trailing esc", "abc\x1b", "abc"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripANSI(tt.input); got != tt.want {
				t.Errorf("StripANSI(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStripANSI_NoAllocFastPath(t *testing.T) {
	in := "no escapes here"
	if out := StripANSI(in); out != in {
		t.Errorf("fast path changed content: %q", out)
	}
}
