// Package identity derives stable actor keys from raw contact identifiers.
package identity

import (
	"strings"
	"unicode"
)

// ActorKey is the normalized form of a contact identifier. It partitions
// turns and session records.
type ActorKey string

// String returns the key as a plain string.
func (k ActorKey) String() string { return string(k) }

// Empty reports whether the key carries no characters.
func (k ActorKey) Empty() bool { return k == "" }

// Normalize strips the formatting characters '+', '-' and whitespace from raw
// and leaves every other rune untouched. It never fails and
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) ActorKey {
	return ActorKey(strings.Map(func(r rune) rune {
		if r == '+' || r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw))
}

// Same reports whether two raw identifiers belong to the same actor.
func Same(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
