// Package tokenset holds the bounded, ordered list of refresh tokens an
// account currently accepts.
//
// Entries keep a SHA-256 digest of the raw signed token rather than the token
// itself. Digest equality is raw string equality, so membership checks never
// decode the token payload.
package tokenset

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"time"
)

const DefaultCapacity = 5

var ErrTokenNotFound = errors.New("refresh token not in set")

type Entry struct {
	Hash      string
	ExpiresAt time.Time
}

// Set is ordered oldest first. Methods never modify the receiver.
type Set []Entry

func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s Set) Contains(raw string) bool {
	return s.index(Digest(raw)) >= 0
}

// Add appends raw and evicts from the front until at most capacity entries
// remain.
func (s Set) Add(raw string, expiresAt time.Time, capacity int) Set {
	next := append(slices.Clone(s), Entry{Hash: Digest(raw), ExpiresAt: expiresAt.UTC()})
	return next.bounded(capacity)
}

// Rotate replaces oldRaw with newRaw. When oldRaw is absent the set is
// returned unchanged together with ErrTokenNotFound.
func (s Set) Rotate(oldRaw, newRaw string, expiresAt time.Time, capacity int) (Set, error) {
	idx := s.index(Digest(oldRaw))
	if idx < 0 {
		return s, ErrTokenNotFound
	}
	next := slices.Delete(slices.Clone(s), idx, idx+1)
	return next.Add(newRaw, expiresAt, capacity), nil
}

// Remove drops the first entry matching raw, if any.
func (s Set) Remove(raw string) Set {
	idx := s.index(Digest(raw))
	if idx < 0 {
		return s
	}
	return slices.Delete(slices.Clone(s), idx, idx+1)
}

func (s Set) Clear() Set {
	return Set{}
}

// Prune drops entries whose token has expired at now.
func (s Set) Prune(now time.Time) Set {
	return slices.DeleteFunc(slices.Clone(s), func(e Entry) bool {
		return !e.ExpiresAt.After(now)
	})
}

func (s Set) index(hash string) int {
	return slices.IndexFunc(s, func(e Entry) bool { return e.Hash == hash })
}

func (s Set) bounded(capacity int) Set {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if len(s) <= capacity {
		return s
	}
	return slices.Clone(s[len(s)-capacity:])
}
