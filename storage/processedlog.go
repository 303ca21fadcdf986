package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/3i-Members/member-insights-processor-sub001/pkg/logger"
)

// ProcessedLogSchema is the DDL for the primary processing log table.
// processed_at is unix seconds so the column compares identically on every
// supported engine.
const ProcessedLogSchema = `CREATE TABLE IF NOT EXISTS %s (
	eni_id VARCHAR(255) NOT NULL,
	contact_id VARCHAR(255) NOT NULL,
	generator VARCHAR(255) NOT NULL,
	batch_id VARCHAR(255),
	processed_at BIGINT NOT NULL,
	PRIMARY KEY (eni_id, generator)
)`

// SQLProcessedLog is the primary, datastore-backed processing log.
type SQLProcessedLog struct {
	ds    *Datastore
	table string
}

func NewSQLProcessedLog(ds *Datastore, table string) *SQLProcessedLog {
	return &SQLProcessedLog{ds: ds, table: table}
}

// EnsureSchema creates the log table if it does not exist.
func (l *SQLProcessedLog) EnsureSchema(ctx context.Context) error {
	_, err := l.ds.DB.ExecContext(ctx, fmt.Sprintf(ProcessedLogSchema, l.table))
	if err != nil {
		return fmt.Errorf("ensure processed log schema: %w", err)
	}
	return nil
}

func (l *SQLProcessedLog) LookupProcessed(ctx context.Context, contactID string) ([]string, error) {
	query, args, err := l.ds.builder().
		Select("eni_id").
		From(l.table).
		Where(squirrel.Eq{"contact_id": contactID}).
		OrderBy("eni_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build processed lookup: %w", err)
	}

	rows, err := l.ds.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processed id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return ids, nil
}

// MarkProcessed inserts the entries, skipping rows already present so that
// a reclaimed contact can be reprocessed from scratch without errors.
func (l *SQLProcessedLog) MarkProcessed(ctx context.Context, entries []ProcessedEntry) (int, error) {
	now := time.Now().UTC().Unix()
	written := 0
	var errs *multierror.Error

	for _, e := range entries {
		ib := l.ds.builder().
			Insert(l.table).
			Columns("eni_id", "contact_id", "generator", "batch_id", "processed_at").
			Values(e.ENIID, e.ContactID, e.Generator, e.BatchID, now)

		switch l.ds.Engine {
		case "mysql":
			ib = ib.Options("IGNORE")
		default:
			ib = ib.Suffix("ON CONFLICT (eni_id, generator) DO NOTHING")
		}

		query, args, err := ib.ToSql()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("build insert for %s: %w", e.ENIID, err))
			continue
		}
		if _, err := l.ds.DB.ExecContext(ctx, query, args...); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("mark %s processed: %w", e.ENIID, err))
			continue
		}
		written++
	}
	return written, errs.ErrorOrNil()
}

// FileProcessedLog is the local fallback log: a JSON map of contact_id to
// processed ENI ids, written atomically via tmp+rename.
type FileProcessedLog struct {
	path string
	mu   sync.Mutex
}

func NewFileProcessedLog(path string) (*FileProcessedLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create fallback log directory: %w", err)
	}
	return &FileProcessedLog{path: path}, nil
}

func (l *FileProcessedLog) read() (map[string][]string, error) {
	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string][]string{}, nil
	}
	var data map[string][]string
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("corrupt fallback log %s: %w", l.path, err)
	}
	return data, nil
}

func (l *FileProcessedLog) write(data map[string][]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func (l *FileProcessedLog) LookupProcessed(_ context.Context, contactID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.read()
	if err != nil {
		return nil, err
	}
	ids := append([]string(nil), data[contactID]...)
	sort.Strings(ids)
	return ids, nil
}

func (l *FileProcessedLog) MarkProcessed(_ context.Context, entries []ProcessedEntry) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.read()
	if err != nil {
		return 0, err
	}

	written := 0
	for _, e := range entries {
		existing := data[e.ContactID]
		dup := false
		for _, id := range existing {
			if id == e.ENIID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		data[e.ContactID] = append(existing, e.ENIID)
		written++
	}

	if err := l.write(data); err != nil {
		return 0, err
	}
	return written, nil
}

// TieredProcessedLog answers lookups from the primary log and falls back to
// the local file log when the primary is unreachable, reporting which tier
// answered. This replaces exception-driven fallback with an explicit
// two-tier lookup.
type TieredProcessedLog struct {
	primary  *SQLProcessedLog
	fallback *FileProcessedLog
	logger   logger.Logger
}

var _ ProcessedLog = (*TieredProcessedLog)(nil)

func NewTieredProcessedLog(primary *SQLProcessedLog, fallback *FileProcessedLog, log logger.Logger) *TieredProcessedLog {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &TieredProcessedLog{primary: primary, fallback: fallback, logger: log}
}

func (l *TieredProcessedLog) LookupProcessed(ctx context.Context, contactID string) ([]string, Tier, error) {
	ids, err := l.primary.LookupProcessed(ctx, contactID)
	if err == nil {
		return ids, TierPrimary, nil
	}

	l.logger.Warn("primary processed log unavailable, consulting fallback",
		zap.String("contact_id", contactID), zap.Error(err))

	ids, ferr := l.fallback.LookupProcessed(ctx, contactID)
	if ferr != nil {
		return nil, TierNone, fmt.Errorf("both processed log tiers failed: primary: %v; fallback: %w", err, ferr)
	}
	return ids, TierFallback, nil
}

// MarkProcessed writes to the primary log and mirrors to the fallback so
// the fallback tier stays usable across primary outages. Fallback mirror
// failures are logged, not returned.
func (l *TieredProcessedLog) MarkProcessed(ctx context.Context, entries []ProcessedEntry) (int, error) {
	written, err := l.primary.MarkProcessed(ctx, entries)

	if _, ferr := l.fallback.MarkProcessed(ctx, entries); ferr != nil {
		l.logger.Warn("fallback processed log write failed", zap.Error(ferr))
	}

	if err != nil {
		return written, fmt.Errorf("%w", err)
	}
	return written, nil
}
