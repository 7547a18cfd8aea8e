package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orbitloop/orbitloop/pkg/engine"
	"github.com/orbitloop/orbitloop/pkg/verify"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Logger receives errors from the notification sink, which cannot
	// return them. Nil discards them.
	Logger *zerolog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: is a separate database
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "history-store").Logger()
	}

	return &SQLiteStore{cfg: cfg, logger: logger}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// CreateExecution creates a new execution record
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, procedure, status, started_at, completed_at, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if exec.Status == "" {
		exec.Status = ExecutionStatusRunning
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}
	if exec.Metadata == "" {
		exec.Metadata = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.Procedure,
		exec.Status,
		exec.StartedAt.UTC(),
		utcPtr(exec.CompletedAt),
		exec.Error,
		exec.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// GetExecution retrieves an execution by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, procedure, status, started_at, completed_at, error, metadata
		FROM executions
		WHERE id = ?
	`

	exec := &Execution{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&exec.ID,
		&exec.Procedure,
		&exec.Status,
		&exec.StartedAt,
		&exec.CompletedAt,
		&exec.Error,
		&exec.Metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return exec, nil
}

// FinishExecution records the final status of an execution
func (s *SQLiteStore) FinishExecution(ctx context.Context, id string, status ExecutionStatus, errMsg *string) error {
	if !status.IsFinal() {
		return fmt.Errorf("execution status %q is not final", status)
	}

	query := `
		UPDATE executions
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("execution not found: %s", id)
	}

	return nil
}

// ListExecutions lists executions, newest first
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*Execution, error) {
	query := `
		SELECT id, procedure, status, started_at, completed_at, error, metadata
		FROM executions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	execs := []*Execution{}
	for rows.Next() {
		exec := &Execution{}
		err := rows.Scan(
			&exec.ID,
			&exec.Procedure,
			&exec.Status,
			&exec.StartedAt,
			&exec.CompletedAt,
			&exec.Error,
			&exec.Metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}

// DeleteExecution deletes an execution and, by cascade, its history
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("execution not found: %s", id)
	}

	return nil
}

// ensureExecution inserts a placeholder execution so history written
// before CreateExecution keeps its foreign key.
func ensureExecution(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO executions (id, procedure, status, started_at)
		VALUES (?, '', 'running', ?)
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure execution %s: %w", id, err)
	}
	return nil
}

// RecordOperation implements engine.OperationRecorder.
func (s *SQLiteStore) RecordOperation(ctx context.Context, rec engine.OperationRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureExecution(ctx, tx, rec.ExecutionID, rec.StartedAt); err != nil {
			return err
		}

		query := `
			INSERT INTO operations (
				id, execution_id, name, kind, status, action, attempts, error, started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			rec.ID,
			rec.ExecutionID,
			rec.Name,
			rec.Kind,
			rec.Status,
			rec.Action.String(),
			rec.Attempts,
			nullString(rec.Error),
			rec.StartedAt.UTC(),
			rec.CompletedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to record operation: %w", err)
		}
		return nil
	})
}

// ListOperations lists the operations of an execution in execution order
func (s *SQLiteStore) ListOperations(ctx context.Context, executionID string) ([]*Operation, error) {
	query := `
		SELECT id, execution_id, name, kind, status, action, attempts, error, started_at, completed_at
		FROM operations
		WHERE execution_id = ?
		ORDER BY rowid
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*Operation{}
	for rows.Next() {
		op := &Operation{}
		err := rows.Scan(
			&op.ID,
			&op.ExecutionID,
			&op.Name,
			&op.Kind,
			&op.Status,
			&op.Action,
			&op.Attempts,
			&op.Error,
			&op.StartedAt,
			&op.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}

// RecordEvaluation implements verify.StepRecorder. One row is written per
// leaf, in tree order.
func (s *SQLiteStore) RecordEvaluation(ctx context.Context, executionID string, ev *verify.Evaluation) error {
	if ev == nil {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if executionID != "" {
			if err := ensureExecution(ctx, tx, executionID, ev.StartedAt); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO verification_steps (
				evaluation_id, execution_id, position, parameter, symbol, expected, value,
				status, annotation, reason, fetches, error, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		for i, leaf := range ev.Leaves {
			var line verify.ReportLine
			if i < len(ev.Report.Lines) {
				line = ev.Report.Lines[i]
			}
			var errMsg *string
			if leaf.Step.Err != nil {
				msg := leaf.Step.Err.Error()
				errMsg = &msg
			}
			completed := leaf.Step.Updated
			if completed.IsZero() {
				completed = ev.CompletedAt
			}

			_, err := tx.ExecContext(ctx, query,
				ev.ID,
				nullString(executionID),
				i,
				leaf.Cond.Name(),
				leaf.Cond.Comparator.Symbol(),
				leaf.Cond.ExpectedString(),
				leaf.Step.Value,
				string(leaf.Step.Status),
				line.Annotation,
				leaf.Step.Reason,
				leaf.Step.Fetches,
				errMsg,
				completed.UTC(),
			)
			if err != nil {
				return fmt.Errorf("failed to record step %d of %s: %w", i, ev.ID, err)
			}
		}
		return nil
	})
}

// ListSteps lists the verification steps of an execution
func (s *SQLiteStore) ListSteps(ctx context.Context, executionID string) ([]*VerificationStep, error) {
	query := `
		SELECT id, evaluation_id, execution_id, position, parameter, symbol, expected, value,
		       status, annotation, reason, fetches, error, completed_at
		FROM verification_steps
		WHERE execution_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []*VerificationStep{}
	for rows.Next() {
		step := &VerificationStep{}
		err := rows.Scan(
			&step.ID,
			&step.EvaluationID,
			&step.ExecutionID,
			&step.Position,
			&step.Parameter,
			&step.Symbol,
			&step.Expected,
			&step.Value,
			&step.Status,
			&step.Annotation,
			&step.Reason,
			&step.Fetches,
			&step.Error,
			&step.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// Publish implements engine.NotificationSink. Write errors are logged.
func (s *SQLiteStore) Publish(n engine.Notification) {
	row := &Notification{
		ID:        n.ID,
		Kind:      string(n.Kind),
		Name:      n.Name,
		Value:     n.Value,
		Status:    string(n.Status),
		Reason:    n.Reason,
		Timestamp: n.Time,
	}
	if n.ExecutionID != "" {
		row.ExecutionID = &n.ExecutionID
	}
	if n.OperationID != "" {
		row.OperationID = &n.OperationID
	}
	if len(n.Data) > 0 {
		data, err := json.Marshal(n.Data)
		if err != nil {
			s.logger.Warn().Err(err).Str("notification", n.ID).Msg("Dropping unencodable notification data")
		} else {
			encoded := string(data)
			row.Data = &encoded
		}
	}

	if err := s.AppendNotification(context.Background(), row); err != nil {
		s.logger.Error().Err(err).
			Str("kind", row.Kind).
			Str("name", row.Name).
			Msg("Failed to persist notification")
	}
}

// AppendNotification appends a notification to the log
func (s *SQLiteStore) AppendNotification(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if n.ExecutionID != nil {
			if err := ensureExecution(ctx, tx, *n.ExecutionID, n.Timestamp); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO notifications (id, execution_id, operation_id, kind, name, value, status, reason, data, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			n.ID,
			n.ExecutionID,
			n.OperationID,
			n.Kind,
			n.Name,
			n.Value,
			n.Status,
			n.Reason,
			n.Data,
			n.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to append notification: %w", err)
		}
		return nil
	})
}

// ListNotifications lists notifications with optional filters, oldest first
func (s *SQLiteStore) ListNotifications(ctx context.Context, executionID *string, kind *string, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT id, execution_id, operation_id, kind, name, value, status, reason, data, timestamp
		FROM notifications
		WHERE (? IS NULL OR execution_id = ?)
		  AND (? IS NULL OR kind = ?)
		ORDER BY rowid
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, executionID, executionID, kind, kind, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	notifications := []*Notification{}
	for rows.Next() {
		n := &Notification{}
		err := rows.Scan(
			&n.ID,
			&n.ExecutionID,
			&n.OperationID,
			&n.Kind,
			&n.Name,
			&n.Value,
			&n.Status,
			&n.Reason,
			&n.Data,
			&n.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return notifications, nil
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
