package util

import (
	"strings"
	"unicode"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newID(prefix string) string {
	id, err := gonanoid.Generate(idAlphabet, 16)
	if err != nil {
		// gonanoid only fails when the platform RNG is broken.
		panic(err)
	}
	return prefix + "_" + id
}

// NewEntityID mints a stable entity identifier. Identifiers are opaque and
// never reused for a different referent.
func NewEntityID() string { return newID("ent") }

// NewClaimID mints a stable claim identifier.
func NewClaimID() string { return newID("clm") }

// NewMentionID mints a mention identifier.
func NewMentionID() string { return newID("mnt") }

// NormalizeSurface canonicalizes a surface form for lookup and comparison:
// lowercased, punctuation stripped, whitespace collapsed.
func NormalizeSurface(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
