package protocol

import "github.com/calmh/xdr"

// ShortID is the compact numeric device identifier used inside a Vector.
// Vector entries travel on the wire as (u64 id, u64 value) pairs rather
// than full 32-byte DeviceIDs, so each device is represented by the first
// 8 bytes of its DeviceID, big-endian, via DeviceID.Short.
type ShortID uint64

// Vector is a mapping from ShortID to a monotonically increasing counter,
// used to order FileInfo versions across devices. The zero value is an
// empty vector.
type Vector map[ShortID]uint64

// Add sets the counter for id to value, unless the existing counter is
// already greater than or equal to value. Counters never move backwards.
func (v Vector) Add(id ShortID, value uint64) Vector {
	if v == nil {
		v = Vector{}
	}
	if cur, ok := v[id]; !ok || value > cur {
		v[id] = value
	}
	return v
}

// Merge folds every counter in other into v via Add, returning the
// resulting vector.
func (v Vector) Merge(other Vector) Vector {
	if v == nil {
		v = Vector{}
	}
	for id, value := range other {
		v = v.Add(id, value)
	}
	return v
}

// Copy returns an independent copy of v.
func (v Vector) Copy() Vector {
	cp := make(Vector, len(v))
	for id, value := range v {
		cp[id] = value
	}
	return cp
}

// Equal reports whether v and other hold identical id-to-counter mappings.
func (v Vector) Equal(other Vector) bool {
	if len(v) != len(other) {
		return false
	}
	for id, value := range v {
		if other[id] != value {
			return false
		}
	}
	return true
}

// LessThan reports whether every id present in v is also present in other
// with a counter that is no smaller. An empty v has no ids to check, so
// LessThan returns true against any other vector, including another empty
// one, and LessThan(v, v) is true for any v: this is not a strict order
// and is not antisymmetric with GreaterThan. Use Dominates for the more
// conventional, antisymmetric comparison.
func (v Vector) LessThan(other Vector) bool {
	for id, value := range v {
		if ov, ok := other[id]; !ok || value > ov {
			return false
		}
	}
	return true
}

// LessEqual reports v == other || v.LessThan(other).
func (v Vector) LessEqual(other Vector) bool {
	return v.Equal(other) || v.LessThan(other)
}

// GreaterThan reports other.LessThan(v). As with LessThan, this is not an
// antisymmetric order: equal vectors, including two empty ones, are both
// GreaterThan and LessThan each other.
func (v Vector) GreaterThan(other Vector) bool {
	return other.LessThan(v)
}

// GreaterEqual reports v == other || v.GreaterThan(other).
func (v Vector) GreaterEqual(other Vector) bool {
	return v.Equal(other) || v.GreaterThan(other)
}

// Dominates reports whether every id in other appears in v with a counter
// at least as large, i.e. v has fully caught up with or surpassed other.
// An id absent from a counts as a zero counter. Dominates(a, b) &&
// Dominates(b, a) implies that a and b hold the same nonzero counters, so
// a.Equal(b) holds whenever neither vector stores an explicit zero.
func Dominates(a, b Vector) bool {
	for id, bv := range b {
		if a[id] < bv {
			return false
		}
	}
	return true
}

func (v Vector) encodeXDR(xw *xdr.Writer) (int, error) {
	ids := make([]ShortID, 0, len(v))
	for id := range v {
		ids = append(ids, id)
	}
	xw.WriteUint32(uint32(len(ids)))
	for _, id := range ids {
		xw.WriteUint64(uint64(id))
		xw.WriteUint64(v[id])
	}
	return xw.Tot(), xw.Error()
}

func (v *Vector) decodeXDR(xr *xdr.Reader) error {
	n := xr.ReadUint32()
	out := make(Vector, n)
	for i := uint32(0); i < n; i++ {
		id := ShortID(xr.ReadUint64())
		value := xr.ReadUint64()
		out[id] = value
	}
	*v = out
	return xr.Error()
}
