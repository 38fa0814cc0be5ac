package universalbot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
		"pragma mmap_size = 8000000000;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation and update, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// KVEntry is a single key/value record. Keys are dotted paths like
// "guild_123.welcome", and values are arbitrary JSON documents.
type KVEntry struct {
	Key   string         `gorm:"primaryKey;column:key_path;size:255" json:"key"`
	Value datatypes.JSON `gorm:"not null" json:"value"`
	ModelUnixTime
}

func (KVEntry) TableName() string {
	return "kv_entries"
}

// KVStore is the key/value interface the bot's features are built on.
// There are no transactions across keys. Set overwrites any existing value
// (last write wins).
type KVStore interface {
	// Get loads the value stored at key into dest, returning false if
	// the key doesn't exist.
	Get(ctx context.Context, key string, dest any) (found bool, err error)

	// Set stores value at key, as JSON
	Set(ctx context.Context, key string, value any) error

	// Delete removes key, returning false if it didn't exist
	Delete(ctx context.Context, key string) (deleted bool, err error)
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	KVStore

	DB() *gorm.DB
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// database wraps a GORM connection. When concurrent writes are disabled
// (sqlite), writes are serialized with a mutex.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance.
//
// Parameters:
//   - db: A pointer to the GORM database connection.
//   - log: A pointer to the slog.Logger instance for logging events.
//     If nil, a default logger is used.
//   - enableConcurrentWrites: A boolean flag to enable or disable concurrent writes.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

// operationContext applies dbOperationTimeout when ctx has no deadline
func operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Get(ctx context.Context, key string, dest any) (bool, error) {
	ctx, cancel := operationContext(ctx)
	defer cancel()

	var entry KVEntry
	err := d.db.WithContext(ctx).Where("key_path = ?", key).Take(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("error getting key %q: %w", key, err)
	}
	if dest == nil {
		return true, nil
	}
	if err = json.Unmarshal(entry.Value, dest); err != nil {
		return true, fmt.Errorf("error decoding value for key %q: %w", key, err)
	}
	return true, nil
}

func (d *database) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("error encoding value for key %q: %w", key, err)
	}

	unlock := d.lock()
	defer unlock()

	ctx, cancel := operationContext(ctx)
	defer cancel()

	entry := KVEntry{Key: key, Value: datatypes.JSON(data)}
	rv := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "key_path"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		},
	).Create(&entry)
	if rv.Error != nil {
		return fmt.Errorf("error setting key %q: %w", key, rv.Error)
	}
	d.logger.DebugContext(ctx, "set key", "key", key)
	return nil
}

func (d *database) Delete(ctx context.Context, key string) (bool, error) {
	unlock := d.lock()
	defer unlock()

	ctx, cancel := operationContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Where("key_path = ?", key).Delete(&KVEntry{})
	if rv.Error != nil {
		return false, fmt.Errorf("error deleting key %q: %w", key, rv.Error)
	}
	d.logger.DebugContext(ctx, "deleted key", "key", key, "rows", rv.RowsAffected)
	return rv.RowsAffected > 0, nil
}

func (d *database) Create(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	unlock := d.lock()
	defer unlock()

	ctx, cancel := operationContext(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	unlock := d.lock()
	defer unlock()

	ctx, cancel := operationContext(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB initializes and returns a GORM database connection based on the specified database type.
// It also performs auto-migration for the specified models.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db); err != nil {
			return db, err
		}
	}

	if err = migrateDB(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// migrateDB creates or updates all tables in a single transaction
func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return fmt.Errorf("error starting transaction: %w", txn.Error)
	}

	if err := txn.Migrator().AutoMigrate(
		&KVEntry{},
		&AuditLog{},
	); err != nil {
		txn.Rollback()
		return fmt.Errorf("error migrating database: %w", err)
	}

	if err := txn.Commit().Error; err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// configureSQLite limits the connection pool to a single connection and
// applies sqliteExecPragma
func configureSQLite(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(
			pragmaErrors,
			db.WithContext(ctx).Exec(p).Error,
		)
	}
	return errors.Join(pragmaErrors...)
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
