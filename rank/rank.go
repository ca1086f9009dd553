// Package rank produces opaque sibling keys whose byte order is the visual
// order of lists on a board and cards in a list. A key can always be
// generated strictly between two existing keys, so inserting never rewrites
// unrelated siblings.
package rank

import (
	"fmt"
	"strings"
)

// Rank is a base-62 fractional key. The empty Rank means "no neighbor" when
// passed to Between.
type Rank string

const (
	digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	base   = len(digits)

	// MaxLength is the key length past which siblings should be re-spread.
	MaxLength = 64
)

var digitIndex [256]int8

func init() {
	for i := range digitIndex {
		digitIndex[i] = -1
	}
	for i := 0; i < base; i++ {
		digitIndex[digits[i]] = int8(i)
	}
}

// InvalidRangeError reports a before/after pair that has no key between it.
type InvalidRangeError struct {
	Before Rank
	After  Rank
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("rank: invalid range (%q, %q): %s", e.Before, e.After, e.Reason)
}

// Less reports whether r sorts before o.
func (r Rank) Less(o Rank) bool { return r < o }

// Compare returns -1, 0 or 1 following byte order.
func Compare(a, b Rank) int { return strings.Compare(string(a), string(b)) }

// Validate checks that r is a well formed, non-empty key.
func Validate(r Rank) error {
	if r == "" {
		return &InvalidRangeError{Before: r, Reason: "empty rank"}
	}
	for i := 0; i < len(r); i++ {
		if digitIndex[r[i]] < 0 {
			return &InvalidRangeError{Before: r, Reason: fmt.Sprintf("invalid digit %q at %d", r[i], i)}
		}
	}
	if r[len(r)-1] == digits[0] {
		return &InvalidRangeError{Before: r, Reason: "trailing zero digit"}
	}
	return nil
}

// Between returns a key strictly greater than before and strictly less than
// after. An empty before means the new key becomes the head, an empty after
// means it becomes the tail; both empty yields the canonical seed.
func Between(before, after Rank) (Rank, error) {
	if before != "" {
		if err := Validate(before); err != nil {
			return "", &InvalidRangeError{Before: before, After: after, Reason: err.(*InvalidRangeError).Reason}
		}
	}
	if after != "" {
		if err := Validate(after); err != nil {
			return "", &InvalidRangeError{Before: before, After: after, Reason: err.(*InvalidRangeError).Reason}
		}
	}
	if before != "" && after != "" && before >= after {
		return "", &InvalidRangeError{Before: before, After: after, Reason: "before must sort strictly before after"}
	}
	return Rank(midpoint(string(before), string(after))), nil
}

// MustBetween is Between for callers that already hold a valid ordering.
// A failure means the caller broke the sibling ordering and panics.
func MustBetween(before, after Rank) Rank {
	r, err := Between(before, after)
	if err != nil {
		panic(err)
	}
	return r
}

// Seed is the key Between returns for an empty sibling set.
func Seed() Rank { return MustBetween("", "") }

// midpoint expects a < b (b == "" is unbounded) and neither ending in the
// zero digit. The result never ends in the zero digit either.
func midpoint(a, b string) string {
	if b != "" {
		n := 0
		for n < len(b) {
			ca := digits[0]
			if n < len(a) {
				ca = a[n]
			}
			if ca != b[n] {
				break
			}
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(a) {
				rest = a[n:]
			}
			return b[:n] + midpoint(rest, b[n:])
		}
	}

	da := 0
	if a != "" {
		da = int(digitIndex[a[0]])
	}
	db := base
	if b != "" {
		db = int(digitIndex[b[0]])
	}
	if db-da > 1 {
		return string(digits[(da+db+1)/2])
	}
	if len(b) > 1 {
		return b[:1]
	}
	rest := ""
	if len(a) > 1 {
		rest = a[1:]
	}
	return string(digits[da]) + midpoint(rest, "")
}

// NeedsRebalance reports whether r has grown past MaxLength.
func NeedsRebalance(r Rank) bool { return len(r) > MaxLength }

// Spread returns n strictly increasing keys spaced evenly across the key
// space, used to renumber a sibling set whose keys grew too long.
func Spread(n int) []Rank {
	if n <= 0 {
		return nil
	}
	width := 1
	capacity := base
	for capacity <= n {
		width++
		capacity *= base
	}
	out := make([]Rank, n)
	buf := make([]byte, width)
	for i := 0; i < n; i++ {
		v := (i + 1) * capacity / (n + 1)
		for w := width - 1; w >= 0; w-- {
			buf[w] = digits[v%base]
			v /= base
		}
		out[i] = Rank(strings.TrimRight(string(buf), digits[:1]))
	}
	return out
}
