// Package ident generates time-sortable identifiers for entities created
// on-device while offline.
//
// Identifiers are 26 characters over the Crockford base32 alphabet: the
// first 10 characters encode the wall-clock millisecond timestamp
// (most-significant first), the remaining 16 are random. Plain string
// comparison on two identifiers generated at different milliseconds matches
// their generation order. Identifiers are assigned once and become the
// permanent primary key of the entity; the server never renumbers them.
package ident

import (
	"crypto/rand"
	"sync"
	"time"
)

// Alphabet is the Crockford base32 symbol set: digits and uppercase letters
// excluding I, L, O and U to avoid transcription mistakes.
const Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	// Length is the total identifier length in characters.
	Length = 26

	timeChars = 10
	randChars = 16
)

// Generator produces identifiers. The zero value is ready to use.
//
// The internal millisecond/counter pair only guards uniqueness when many
// identifiers are requested within the same millisecond; callers must not
// rely on ordering between identifiers from the same millisecond.
type Generator struct {
	mu         sync.Mutex
	lastMilli  int64
	milliCount uint32
}

var defaultGenerator Generator

// New returns a fresh identifier from the package-level generator.
func New() string {
	return defaultGenerator.New()
}

// New returns a fresh 26-character identifier.
//
// It is synchronous, performs no I/O, and cannot fail: the random suffix
// comes from crypto/rand, which the runtime guarantees on supported
// platforms.
func (g *Generator) New() string {
	now := time.Now().UnixMilli()

	g.mu.Lock()
	if now == g.lastMilli {
		g.milliCount++
	} else {
		g.lastMilli = now
		g.milliCount = 0
	}
	g.mu.Unlock()

	var buf [Length]byte

	// Timestamp prefix, most-significant symbol first. 10 base32 symbols
	// hold 50 bits, comfortably above the 48 bits a millisecond clock
	// needs until the year 10889.
	ts := now
	for i := timeChars - 1; i >= 0; i-- {
		buf[i] = Alphabet[ts&0x1f]
		ts >>= 5
	}

	// Random suffix: one symbol per random byte. 256 is a multiple of 32,
	// so masking keeps the distribution uniform.
	var entropy [randChars]byte
	rand.Read(entropy[:])
	for i, b := range entropy {
		buf[timeChars+i] = Alphabet[b&0x1f]
	}

	return string(buf[:])
}

// Timestamp decodes the millisecond timestamp prefix of an identifier.
// Returns the zero time if the identifier is malformed.
func Timestamp(id string) time.Time {
	if len(id) != Length {
		return time.Time{}
	}
	var ms int64
	for i := 0; i < timeChars; i++ {
		v := symbolValue(id[i])
		if v < 0 {
			return time.Time{}
		}
		ms = ms<<5 | int64(v)
	}
	return time.UnixMilli(ms)
}

// Valid reports whether id is a well-formed identifier.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for i := 0; i < Length; i++ {
		if symbolValue(id[i]) < 0 {
			return false
		}
	}
	return true
}

func symbolValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'H':
		return int(c-'A') + 10
	case c == 'J' || c == 'K':
		return int(c-'J') + 18
	case c == 'M' || c == 'N':
		return int(c-'M') + 20
	case c >= 'P' && c <= 'T':
		return int(c-'P') + 22
	case c >= 'V' && c <= 'Z':
		return int(c-'V') + 27
	default:
		return -1
	}
}
