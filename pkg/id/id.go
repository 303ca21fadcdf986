// Package id generates run identifiers. Run ids are ULIDs so that
// artifacts on disk sort by run start time.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewRunID returns a fresh run identifier based on the given start time.
func NewRunID(start time.Time) (string, error) {
	mutex.Lock()
	defer mutex.Unlock()

	u, err := ulid.New(uint64(start.UnixMilli()), entropy)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// MustNewRunID is NewRunID for the current time, panicking on failure.
// Failure requires entropy exhaustion within one millisecond.
func MustNewRunID() string {
	s, err := NewRunID(time.Now())
	if err != nil {
		panic(err)
	}
	return s
}

// IsValid reports whether s parses as a run identifier.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// StartTime extracts the run start time embedded in a run identifier.
func StartTime(s string) (time.Time, error) {
	u, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
