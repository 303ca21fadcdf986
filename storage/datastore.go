package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	// Supported engines.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/3i-Members/member-insights-processor-sub001/pkg/logger"
)

// Datastore wraps the SQL backend all storage components share.
type Datastore struct {
	DB          *sql.DB
	Engine      string
	Logger      logger.Logger
	Placeholder squirrel.PlaceholderFormat

	maxOpenConns    int
	maxIdleConns    int
	connMaxIdleTime time.Duration
	connMaxLifetime time.Duration
	pingTimeout     time.Duration
}

type DatastoreOption func(*Datastore)

func WithLogger(l logger.Logger) DatastoreOption {
	return func(d *Datastore) {
		d.Logger = l
	}
}

func WithMaxOpenConns(c int) DatastoreOption {
	return func(d *Datastore) {
		d.maxOpenConns = c
	}
}

func WithMaxIdleConns(c int) DatastoreOption {
	return func(d *Datastore) {
		d.maxIdleConns = c
	}
}

func WithConnMaxIdleTime(t time.Duration) DatastoreOption {
	return func(d *Datastore) {
		d.connMaxIdleTime = t
	}
}

func WithConnMaxLifetime(t time.Duration) DatastoreOption {
	return func(d *Datastore) {
		d.connMaxLifetime = t
	}
}

func WithPingTimeout(t time.Duration) DatastoreOption {
	return func(d *Datastore) {
		d.pingTimeout = t
	}
}

// NewDatastore opens a connection to the configured engine and waits for it
// to become reachable. Placeholder format follows the engine.
func NewDatastore(engine, uri string, opts ...DatastoreOption) (*Datastore, error) {
	var driverName string
	placeholder := squirrel.PlaceholderFormat(squirrel.Question)
	switch engine {
	case "postgres":
		driverName = "pgx"
		placeholder = squirrel.Dollar
	case "mysql":
		driverName = "mysql"
	case "sqlite":
		driverName = "sqlite"
	default:
		return nil, fmt.Errorf("undefined datastore engine: '%s'", engine)
	}

	db, err := sql.Open(driverName, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize datastore connection: %w", err)
	}

	d := &Datastore{
		DB:          db,
		Engine:      engine,
		Placeholder: placeholder,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.Logger == nil {
		d.Logger = logger.NewNoopLogger()
	}
	if d.pingTimeout == 0 {
		d.pingTimeout = 1 * time.Minute
	}

	if d.maxOpenConns != 0 {
		db.SetMaxOpenConns(d.maxOpenConns)
	}
	if d.maxIdleConns != 0 {
		db.SetMaxIdleConns(d.maxIdleConns)
	}
	if d.connMaxIdleTime != 0 {
		db.SetConnMaxIdleTime(d.connMaxIdleTime)
	}
	if d.connMaxLifetime != 0 {
		db.SetConnMaxLifetime(d.connMaxLifetime)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = d.pingTimeout
	attempt := 1
	err = backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			d.Logger.Info("waiting for the datastore", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize datastore connection: %w", err)
	}

	return d, nil
}

// Close releases the underlying connection pool.
func (d *Datastore) Close() error {
	return d.DB.Close()
}

// builder returns a statement builder bound to the engine's placeholder
// format.
func (d *Datastore) builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(d.Placeholder)
}
