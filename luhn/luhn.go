// Package luhn generates and validates Luhn mod N check digits over an
// arbitrary alphabet.
//
// The Block Exchange Protocol's device ID check characters (protocol
// package) are computed with this same algorithm, over the base32
// alphabet, one 13-character group at a time.
package luhn

import (
	"fmt"
	"strings"
)

// Alphabet is a string of N characters representing the digits of base N,
// in order.
type Alphabet string

// Base32 is the RFC 4648 base32 alphabet, the one device IDs are encoded
// and checksummed in.
const Base32 Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

// Generate returns the check character for s, which must be composed
// entirely of characters from a.
func (a Alphabet) Generate(s string) (rune, error) {
	if err := a.check(); err != nil {
		return 0, err
	}

	n := len(a)
	factor := 1
	sum := 0
	for i := 0; i < len(s); i++ {
		codepoint := strings.IndexByte(string(a), s[i])
		if codepoint == -1 {
			return 0, fmt.Errorf("digit %q not valid in alphabet %q", s[i], a)
		}
		addend := factor * codepoint
		if factor == 2 {
			factor = 1
		} else {
			factor = 2
		}
		sum += addend/n + addend%n
	}
	remainder := sum % n
	check := (n - remainder) % n
	return rune(a[check]), nil
}

// Validate reports whether the final character of s is the correct check
// character for the characters preceding it.
func (a Alphabet) Validate(s string) bool {
	if len(s) == 0 {
		return false
	}
	want, err := a.Generate(s[:len(s)-1])
	if err != nil {
		return false
	}
	return rune(s[len(s)-1]) == want
}

// check reports an error if a contains a repeated character.
func (a Alphabet) check() error {
	seen := make(map[byte]bool, len(a))
	for i := 0; i < len(a); i++ {
		if seen[a[i]] {
			return fmt.Errorf("digit %q non-unique in alphabet %q", a[i], a)
		}
		seen[a[i]] = true
	}
	return nil
}
