package textutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"ascii", "hello world", 5, "hello"},
		{"zero", "hello", 0, ""},
		{"inside rune", "ab你好", 4, "ab"},
		{"rune boundary", "ab你好", 5, "ab你"},
		{"emoji", "🐢🐢", 6, "🐢"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.n); got != tt.want {
				t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestTruncateAlwaysValidUTF8(t *testing.T) {
	s := strings.Repeat("小乌龟去冒险。", 50)
	for n := 0; n <= len(s); n++ {
		got := Truncate(s, n)
		if !utf8.ValidString(got) || len(got) > n {
			t.Fatalf("n=%d: invalid result %q", n, got)
		}
	}
}
