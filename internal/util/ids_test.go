package util

import (
	"strings"
	"testing"
)

func TestNormalizeSurface(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "empty input",
			in:   "",
			want: "",
		},
		{
			name: "lowercases",
			in:   "Tim Cook",
			want: "tim cook",
		},
		{
			name: "strips punctuation",
			in:   "T. Cook, CEO",
			want: "t cook ceo",
		},
		{
			name: "collapses whitespace",
			in:   "  Apple   Inc.  ",
			want: "apple inc",
		},
		{
			name: "keeps digits",
			in:   "Boeing 747",
			want: "boeing 747",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeSurface(tt.in)
			if got != tt.want {
				t.Fatalf("NormalizeSurface(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewIDsArePrefixedAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewEntityID()
		if !strings.HasPrefix(id, "ent_") {
			t.Fatalf("expected ent_ prefix, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = true
	}
	if !strings.HasPrefix(NewClaimID(), "clm_") {
		t.Fatalf("claim id missing prefix")
	}
	if !strings.HasPrefix(NewMentionID(), "mnt_") {
		t.Fatalf("mention id missing prefix")
	}
}
