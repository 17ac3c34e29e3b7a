package domain

import "strings"

// ComposeEmbeddingText builds the text whose embedding indexes a reading.
// It depends only on its arguments, so identical inputs produce
// byte-identical output.
func ComposeEmbeddingText(a Address, meterValue, notes string) string {
	var b strings.Builder
	b.WriteString("Water meter at ")
	b.WriteString(collapse(a.StreetNumber))
	b.WriteByte(' ')
	b.WriteString(collapse(a.StreetName))
	b.WriteString(", ")
	b.WriteString(collapse(a.City))
	b.WriteString(" reads ")
	b.WriteString(collapse(meterValue))
	b.WriteByte('.')
	if n := collapse(notes); n != "" {
		b.WriteString(" Notes: ")
		b.WriteString(strings.TrimRight(n, "."))
		b.WriteByte('.')
	}
	return b.String()
}

// JoinNotes appends note fragments, skipping blanks.
func JoinNotes(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = collapse(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "; ")
}
