package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTelegramText(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		mode  string
		want  int
	}{
		{name: "short", in: "hello", limit: 10, want: 1},
		{name: "exact", in: strings.Repeat("a", 10), limit: 10, want: 1},
		{name: "hard split", in: strings.Repeat("a", 25), limit: 10, want: 3},
		{name: "newline preferred", in: strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8), limit: 10, want: 2},
		{name: "cjk runes", in: strings.Repeat("段", 15), limit: 10, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitTelegramText(tt.in, tt.limit, tt.mode)
			if len(got) != tt.want {
				t.Fatalf("chunks = %d (%q), want %d", len(got), got, tt.want)
			}
			for _, c := range got {
				if n := utf8.RuneCountInString(c); n > tt.limit {
					t.Fatalf("chunk has %d runes, limit %d", n, tt.limit)
				}
			}
		})
	}
}

func TestSplitTelegramTextKeepsTagsWhole(t *testing.T) {
	in := "aaaaaa<b>bold</b>"
	got := splitTelegramText(in, 8, "HTML")
	if got[0] != "aaaaaa" {
		t.Fatalf("first chunk = %q, want split before the tag", got[0])
	}
	if strings.Join(got, "") != in {
		t.Fatalf("chunks lost content: %q", got)
	}
}
