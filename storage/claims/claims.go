// Package claims provides the durable mutual-exclusion primitive that grants
// at-most-one-worker-per-contact across cooperating dispatchers.
//
// A claim is one record {owner, expires_at} keyed by a sanitized work
// identifier. There is no heartbeat renewal: the TTL must exceed the
// worst-case per-unit processing time, after which a stale claim is
// reclaimable by any caller.
package claims

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Store is the claim store contract. The filesystem implementation is one
// concrete variant; database-row and distributed-lock variants substitute
// without touching the dispatcher.
type Store interface {
	// Acquire atomically creates a claim iff none exists or the existing
	// one is expired. It never uses a read-then-write sequence. It returns
	// false when a live claim is held by another owner; contention is
	// expected and is not an error.
	Acquire(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error)

	// Release unconditionally removes the claim. Releasing an absent key
	// is a no-op.
	Release(ctx context.Context, key string) error
}

const maxKeyLen = 120

// SanitizeKey maps an arbitrary work identifier onto a key safe for any
// claim medium (file name, table key). Unsafe runes become underscores and
// overlong keys are compacted with an xxhash suffix so distinct identifiers
// keep distinct claims.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if len(s) <= maxKeyLen {
		return s
	}
	return fmt.Sprintf("%s-%016x", s[:maxKeyLen-17], xxhash.Sum64String(key))
}
