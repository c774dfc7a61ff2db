// Package objectid provides a 12-byte globally unique identifier used to
// stamp Subscription records, mirroring the opaque ObjectId the backend
// uses as a primary key column type.
package objectid

import (
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ObjectID is a 12-byte identifier: a 4-byte big-endian Unix timestamp
// (seconds), a 5-byte process-wide random value, and a 3-byte counter that
// increments for every ID minted, wrapping at 2^24. Byte layout keeps IDs
// minted later lexicographically greater than ones minted earlier, at
// second resolution.
type ObjectID [12]byte

// Nil is the zero ObjectID.
var Nil ObjectID

// Generator mints ObjectIDs. The zero value is not usable; construct one
// with NewGenerator. A single Generator is safe for concurrent use.
type Generator struct {
	random  [5]byte
	counter uint32
}

// NewGenerator creates a Generator with a fresh random component drawn from
// uuid.New(), matching the teacher's pattern of seeding per-process entropy
// once at startup rather than per ID.
func NewGenerator() *Generator {
	id := uuid.New()
	var g Generator
	copy(g.random[:], id[:5])
	return &g
}

// Generate mints a new ObjectID using the current time.
func (g *Generator) Generate() ObjectID {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime mints a new ObjectID stamped with t instead of time.Now,
// useful for deterministic tests.
func (g *Generator) GenerateWithTime(t time.Time) ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(t.Unix()))
	copy(id[4:9], g.random[:])

	c := atomic.AddUint32(&g.counter, 1) & 0x00FFFFFF
	id[9] = byte(c >> 16)
	id[10] = byte(c >> 8)
	id[11] = byte(c)
	return id
}

// Timestamp returns the embedded creation time at second resolution.
func (id ObjectID) Timestamp() time.Time {
	return time.Unix(int64(binary.BigEndian.Uint32(id[0:4])), 0)
}

// IsZero reports whether id is the Nil ObjectID.
func (id ObjectID) IsZero() bool {
	return id == Nil
}

// Bytes returns the 12-byte representation.
func (id ObjectID) Bytes() []byte {
	return id[:]
}

// Compare returns -1, 0, or 1 as id is less than, equal to, or greater than
// other, comparing bytes in order.
func (id ObjectID) Compare(other ObjectID) int {
	for i := 0; i < len(id); i++ {
		if id[i] < other[i] {
			return -1
		}
		if id[i] > other[i] {
			return 1
		}
	}
	return 0
}

// String returns the 24-character lowercase hex encoding.
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// Parse decodes a 24-character hex string into an ObjectID.
func Parse(s string) (ObjectID, error) {
	if len(s) != 24 {
		return Nil, ErrInvalidLength
	}
	var id ObjectID
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return Nil, ErrInvalidHex
	}
	return id, nil
}

// FromBytes copies a 12-byte slice into an ObjectID.
func FromBytes(b []byte) (ObjectID, error) {
	if len(b) != 12 {
		return Nil, ErrInvalidLength
	}
	var id ObjectID
	copy(id[:], b)
	return id, nil
}
