package claims

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
)

// SQLSchema is the DDL for the claim table. expires_at is unix seconds.
const SQLSchema = `CREATE TABLE IF NOT EXISTS %s (
	claim_key VARCHAR(255) NOT NULL,
	owner VARCHAR(255) NOT NULL,
	expires_at BIGINT NOT NULL,
	PRIMARY KEY (claim_key)
)`

// SQLStore keeps one row per claim in a shared table, which makes it safe
// for multiple dispatcher processes on different hosts. The primary-key
// insert is the create-exclusive primitive; expired rows are deleted first
// so that the insert itself decides the winner.
type SQLStore struct {
	db    *sql.DB
	table string
	sb    squirrel.StatementBuilderType
	now   func() time.Time
}

var _ Store = (*SQLStore)(nil)

type SQLOption func(*SQLStore)

func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		s.now = now
	}
}

// NewSQLStore builds a claim store over db. engine selects the placeholder
// format and duplicate-key detection ("postgres", "mysql" or "sqlite").
func NewSQLStore(db *sql.DB, engine, table string, opts ...SQLOption) (*SQLStore, error) {
	placeholder := squirrel.PlaceholderFormat(squirrel.Question)
	switch engine {
	case "postgres":
		placeholder = squirrel.Dollar
	case "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("undefined claim store engine: '%s'", engine)
	}
	s := &SQLStore{
		db:    db,
		table: table,
		sb:    squirrel.StatementBuilder.PlaceholderFormat(placeholder),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureSchema creates the claim table if it does not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(SQLSchema, s.table)); err != nil {
		return fmt.Errorf("ensure claim schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Acquire(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	key = SanitizeKey(key)
	now := s.now()

	// Clear a stale row first. If a competitor replaces it between the
	// delete and the insert, the primary key rejects us, which is the
	// correct contention answer.
	del, args, err := s.sb.Delete(s.table).
		Where(squirrel.Eq{"claim_key": key}).
		Where(squirrel.Lt{"expires_at": now.Unix()}).
		ToSql()
	if err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, del, args...); err != nil {
		return false, fmt.Errorf("reclaim expired claim %s: %w", key, err)
	}

	ins, args, err := s.sb.Insert(s.table).
		Columns("claim_key", "owner", "expires_at").
		Values(key, owner, now.Add(ttl).Unix()).
		ToSql()
	if err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, ins, args...); err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire claim %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLStore) Release(ctx context.Context, key string) error {
	del, args, err := s.sb.Delete(s.table).
		Where(squirrel.Eq{"claim_key": SanitizeKey(key)}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("release claim %s: %w", key, err)
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || // postgres
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite
}
