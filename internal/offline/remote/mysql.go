package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// MySQLConfig is the connection info for MySQLBackend.
type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// DSN renders the go-sql-driver connection string.
func (c MySQLConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	port := c.Port
	if port == 0 {
		port = 3306
	}
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, port)
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Timeout = 5 * time.Second
	return cfg.FormatDSN()
}

// MySQLBackend writes directly into a MySQL database. The tables are
// created on the first write that reaches the server.
type MySQLBackend struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	schemaMu    sync.Mutex
	schemaReady bool
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS student_progress (
	student_id VARCHAR(64) NOT NULL,
	lesson_id VARCHAR(64) NOT NULL,
	score INT NOT NULL DEFAULT 0,
	completed BOOLEAN NOT NULL DEFAULT FALSE,
	time_spent INT NOT NULL DEFAULT 0,
	payload JSON NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	PRIMARY KEY (student_id, lesson_id)
);
CREATE TABLE IF NOT EXISTS student_points (
	student_id VARCHAR(64) NOT NULL PRIMARY KEY,
	points BIGINT NOT NULL DEFAULT 0,
	updated_at DATETIME(6) NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_records (
	kind VARCHAR(64) NOT NULL,
	record_id VARCHAR(128) NOT NULL,
	payload JSON NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	PRIMARY KEY (kind, record_id)
);
`

// OpenMySQL sets up the connection pool. No connection is made until the
// first write, so an unreachable server only defers writes.
func OpenMySQL(cfg MySQLConfig, logger *zap.Logger) (*MySQLBackend, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("backend database configured",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return NewMySQLBackend(db, logger), nil
}

// NewMySQLBackend wraps an existing connection.
func NewMySQLBackend(db *sql.DB, logger *zap.Logger) *MySQLBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MySQLBackend{db: db, logger: logger.Named("mysql"), now: time.Now}
}

// InitSchema creates the backend tables if they don't exist.
func (b *MySQLBackend) InitSchema(ctx context.Context) error {
	b.schemaMu.Lock()
	defer b.schemaMu.Unlock()
	if b.schemaReady {
		return nil
	}
	for _, stmt := range splitStatements(mysqlSchema) {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create backend schema: %w", err)
		}
	}
	b.schemaReady = true
	return nil
}

// ensureSchema runs InitSchema until it succeeds once. Failures are
// retryable write failures.
func (b *MySQLBackend) ensureSchema(ctx context.Context) error {
	if err := b.InitSchema(ctx); err != nil {
		b.logger.Debug("backend schema not ready", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrRemoteWriteFailed, err)
	}
	return nil
}

// Close closes the connection pool.
func (b *MySQLBackend) Close() error {
	return b.db.Close()
}

// UpsertProgress implements Backend. Rows are keyed by (student, lesson);
// the latest write wins.
func (b *MySQLBackend) UpsertProgress(ctx context.Context, payload json.RawMessage) error {
	f, err := extractProgress(payload)
	if err != nil {
		return err
	}
	if err := b.ensureSchema(ctx); err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
	INSERT INTO student_progress (student_id, lesson_id, score, completed, time_spent, payload, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		score = VALUES(score),
		completed = VALUES(completed),
		time_spent = VALUES(time_spent),
		payload = VALUES(payload),
		updated_at = VALUES(updated_at)
	`, f.StudentID, f.LessonID, f.Score, f.Completed, f.TimeSpent, string(payload), b.now().UTC())
	if err != nil {
		return classifyMySQL(fmt.Errorf("%w: upsert progress %s/%s: %w", ErrRemoteWriteFailed, f.StudentID, f.LessonID, err))
	}
	return nil
}

// ApplyPointsDelta implements Backend as a single atomic increment.
func (b *MySQLBackend) ApplyPointsDelta(ctx context.Context, studentID string, delta int) error {
	if studentID == "" {
		return Permanent(fmt.Errorf("%w: points delta needs a student id", ErrRemoteWriteFailed))
	}
	if err := b.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := b.db.ExecContext(ctx, `
	INSERT INTO student_points (student_id, points, updated_at)
	VALUES (?, ?, ?)
	ON DUPLICATE KEY UPDATE
		points = points + VALUES(points),
		updated_at = VALUES(updated_at)
	`, studentID, delta, b.now().UTC())
	if err != nil {
		return classifyMySQL(fmt.Errorf("%w: apply points to %s: %w", ErrRemoteWriteFailed, studentID, err))
	}
	return nil
}

// Upsert implements Backend for generic kinds, keyed by the payload's id.
func (b *MySQLBackend) Upsert(ctx context.Context, kind string, payload json.RawMessage) error {
	if !gjson.ValidBytes(payload) {
		return Permanent(fmt.Errorf("%w: %s payload is not valid JSON", ErrRemoteWriteFailed, kind))
	}
	id := gjson.GetBytes(payload, "id")
	if !id.Exists() || id.String() == "" {
		return Permanent(fmt.Errorf("%w: %s payload has no id", ErrRemoteWriteFailed, kind))
	}
	if err := b.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := b.db.ExecContext(ctx, `
	INSERT INTO sync_records (kind, record_id, payload, updated_at)
	VALUES (?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		payload = VALUES(payload),
		updated_at = VALUES(updated_at)
	`, kind, id.String(), string(payload), b.now().UTC())
	if err != nil {
		return classifyMySQL(fmt.Errorf("%w: upsert %s %s: %w", ErrRemoteWriteFailed, kind, id.String(), err))
	}
	return nil
}

// classifyMySQL marks data errors (bad values, constraint violations) as
// permanent. Connection-level failures stay retryable.
func classifyMySQL(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case 1048, // column cannot be null
		1264, // out of range
		1366, // incorrect value
		1406, // data too long
		1452, // foreign key
		3140: // invalid JSON
		return Permanent(err)
	}
	return err
}

func splitStatements(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
