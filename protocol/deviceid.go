// Copyright (C) 2014 The Protocol Authors.

package protocol

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/bepfleet/bepd/luhn"
)

// DeviceID is the SHA-256 digest of a peer's DER-encoded X.509 certificate.
// Its canonical string form is a base32 encoding split into four groups,
// each decorated with a check character, and displayed as eight hyphenated
// septets.
type DeviceID [32]byte

// luhnAlphabet is base32's own alphabet, reused for the Luhn check
// characters so the encoded ID and its checksums share one character set.
const luhnAlphabet = string(luhn.Base32)

var base32Enc = base32.NewEncoding(luhnAlphabet)

// ErrInvalidDeviceID is returned when a device ID string fails check
// character validation or does not decode to 32 bytes.
var ErrInvalidDeviceID = fmt.Errorf("invalid device ID")

// NewDeviceID derives a DeviceID from the DER bytes of a peer's X.509
// certificate.
func NewDeviceID(certDER []byte) DeviceID {
	return DeviceID(sha256.Sum256(certDER))
}

// String returns the canonical, check-character-decorated form.
func (d DeviceID) String() string {
	if d.IsZero() {
		return ""
	}
	enc := base32Enc.EncodeToString(d[:])
	enc = strings.TrimRight(enc, "=")

	var chunked strings.Builder
	for i := 0; i < len(enc); i += 13 {
		chunk := enc[i : i+13]
		check, _ := luhn.Base32.Generate(chunk) // chunk is base32 output, always valid in the alphabet
		chunked.WriteString(chunk)
		chunked.WriteRune(check)
	}

	decorated := chunked.String()
	var out strings.Builder
	for i := 0; i < len(decorated); i += 7 {
		if i > 0 {
			out.WriteByte('-')
		}
		out.WriteString(decorated[i : i+7])
	}
	return out.String()
}

// Short returns the first 8 bytes of the device ID as a big-endian ShortID,
// used for compact logging and as the key type inside a Vector.
func (d DeviceID) Short() ShortID {
	var v uint64
	for _, b := range d[:8] {
		v = v<<8 | uint64(b)
	}
	return ShortID(v)
}

// IsZero reports whether d is the zero value.
func (d DeviceID) IsZero() bool {
	return d == DeviceID{}
}

// Equals reports whether d and other refer to the same device.
func (d DeviceID) Equals(other DeviceID) bool {
	return d == other
}

// Compare orders device IDs byte-wise, for use in sorted collections.
func (d DeviceID) Compare(other DeviceID) int {
	for i := range d {
		if d[i] != other[i] {
			if d[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// MarshalText implements encoding.TextMarshaler.
func (d DeviceID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, parsing the canonical
// string form produced by String. Hyphens and spaces are ignored and the
// input is case-folded before validation, but the check characters
// themselves must be correct: each of the four 14-character groups (after
// stripping separators) must end in the character ParseDeviceID computes
// for the 13 characters preceding it.
func (d *DeviceID) UnmarshalText(bs []byte) error {
	id, err := ParseDeviceID(string(bs))
	if err != nil {
		return err
	}
	*d = id
	return nil
}

// ParseDeviceID parses the canonical, check-character-decorated string form
// of a DeviceID.
func ParseDeviceID(s string) (DeviceID, error) {
	clean := strings.ToUpper(strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s))

	if len(clean) != 56 {
		return DeviceID{}, fmt.Errorf("%w: wrong length %d", ErrInvalidDeviceID, len(clean))
	}

	var data strings.Builder
	for i := 0; i < 56; i += 14 {
		group := clean[i : i+14]
		if !luhn.Base32.Validate(group) {
			return DeviceID{}, fmt.Errorf("%w: bad check character in group %q", ErrInvalidDeviceID, group)
		}
		data.WriteString(group[:13])
	}

	padded := data.String() + "===="
	decoded, err := base32Enc.DecodeString(padded)
	if err != nil {
		return DeviceID{}, fmt.Errorf("%w: %v", ErrInvalidDeviceID, err)
	}
	if len(decoded) != 32 {
		return DeviceID{}, fmt.Errorf("%w: decoded to %d bytes", ErrInvalidDeviceID, len(decoded))
	}

	var id DeviceID
	copy(id[:], decoded)
	return id, nil
}

