package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// record is the on-disk claim payload.
type record struct {
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expires_at"`
}

// FilesystemStore keeps one claim file per key under a root directory.
// The O_CREAT|O_EXCL open is the create-exclusive primitive: under N
// concurrent acquirers exactly one create succeeds.
type FilesystemStore struct {
	root string
	now  func() time.Time
}

var _ Store = (*FilesystemStore)(nil)

type FilesystemOption func(*FilesystemStore)

// WithClock overrides the time source. Tests use it to expire claims
// without sleeping.
func WithClock(now func() time.Time) FilesystemOption {
	return func(s *FilesystemStore) {
		s.now = now
	}
}

func NewFilesystemStore(root string, opts ...FilesystemOption) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create claim directory: %w", err)
	}
	s := &FilesystemStore{root: root, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FilesystemStore) path(key string) string {
	return filepath.Join(s.root, SanitizeKey(key)+".lock")
}

func (s *FilesystemStore) Acquire(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	return s.acquire(ctx, key, ttl, owner, true)
}

func (s *FilesystemStore) acquire(ctx context.Context, key string, ttl time.Duration, owner string, retry bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p := s.path(key)
	now := s.now()
	payload, err := json.Marshal(record{Owner: owner, ExpiresAt: now.Add(ttl).Unix()})
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := f.Write(payload)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			// A half-written record must not strand the key forever;
			// TTL reclamation still applies since an unreadable record
			// blocks only until it is removed by an expiry check, so
			// remove it eagerly here while we still own it.
			_ = os.Remove(p)
			return false, errors.Join(werr, cerr)
		}
		return true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, fmt.Errorf("create claim %s: %w", key, err)
	}

	// The claim exists. Reclaim it only when readably expired; an
	// unreadable or corrupt record is treated as held so two claimants
	// can never both proceed.
	raw, rerr := os.ReadFile(p)
	if rerr != nil {
		return false, nil
	}
	var existing record
	if json.Unmarshal(raw, &existing) != nil {
		return false, nil
	}
	if existing.ExpiresAt >= now.Unix() {
		return false, nil
	}

	_ = os.Remove(p)
	if retry {
		return s.acquire(ctx, key, ttl, owner, false)
	}
	return false, nil
}

func (s *FilesystemStore) Release(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}
