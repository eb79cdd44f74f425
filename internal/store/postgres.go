package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/msageha/chime/internal/frequency"
	"github.com/msageha/chime/internal/model"
)

// PostgresStore persists tasks in a Postgres table. The DSN is read from the
// environment variable named by store.postgres.dsn_env so credentials never
// land in config.yaml.
type PostgresStore struct {
	db     *sql.DB
	table  string
	logger *log.Logger
}

func NewPostgresStore(dsnEnv, table string, logger *log.Logger) (*PostgresStore, error) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN env %s is not set", dsnEnv)
	}
	if table == "" {
		table = "tasks"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &PostgresStore{
		db:     db,
		table:  pq.QuoteIdentifier(table),
		logger: logger,
	}, nil
}

// EnsureSchema creates the task table when it does not exist yet.
func (ps *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id           text PRIMARY KEY,
			name         text NOT NULL,
			frequency    text NOT NULL,
			created_at   timestamptz NOT NULL DEFAULT now(),
			completed_at timestamptz
		)`, ps.table)
	if _, err := ps.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrUnavailable, err)
	}
	return nil
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

func (ps *PostgresStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	query := fmt.Sprintf(`
		SELECT id, name, frequency, created_at, completed_at
		FROM %s
		ORDER BY created_at`, ps.table)

	rows, err := ps.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var (
			t         model.Task
			completed sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Frequency, &t.CreatedAt, &completed); err != nil {
			return nil, fmt.Errorf("%w: scan task: %v", ErrUnavailable, err)
		}
		if completed.Valid {
			ts := completed.Time
			t.CompletedAt = &ts
		}

		every, err := frequency.Parse(t.Frequency)
		if err != nil {
			ps.warn("skip task id=%s: %v", t.ID, err)
			continue
		}
		t.Every = every
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", ErrUnavailable, err)
	}
	return tasks, nil
}

func (ps *PostgresStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	query := fmt.Sprintf(`
		SELECT id, name, frequency, created_at, completed_at
		FROM %s
		WHERE id = $1`, ps.table)

	var (
		t         model.Task
		completed sql.NullTime
	)
	err := ps.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name, &t.Frequency, &t.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return model.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return model.Task{}, fmt.Errorf("%w: get task %s: %v", ErrUnavailable, id, err)
	}
	if completed.Valid {
		ts := completed.Time
		t.CompletedAt = &ts
	}

	every, err := frequency.Parse(t.Frequency)
	if err != nil {
		return model.Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	t.Every = every
	return t, nil
}

func (ps *PostgresStore) AddTask(ctx context.Context, name, freq string) (model.Task, error) {
	every, err := frequency.Parse(freq)
	if err != nil {
		return model.Task{}, err
	}

	t := model.Task{
		ID:        uuid.NewString(),
		Name:      name,
		Frequency: freq,
		Every:     every,
		CreatedAt: time.Now().UTC(),
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, frequency, created_at)
		VALUES ($1, $2, $3, $4)`, ps.table)
	if _, err := ps.db.ExecContext(ctx, query, t.ID, t.Name, t.Frequency, t.CreatedAt); err != nil {
		return model.Task{}, fmt.Errorf("%w: add task: %v", ErrUnavailable, err)
	}
	return t, nil
}

func (ps *PostgresStore) CompleteTask(ctx context.Context, id string) (model.Task, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET completed_at = $1 WHERE id = $2`, ps.table)

	res, err := ps.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return model.Task{}, fmt.Errorf("%w: complete task %s: %v", ErrUnavailable, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Task{}, fmt.Errorf("%w: complete task %s: %v", ErrUnavailable, id, err)
	}
	if n == 0 {
		return model.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ps.GetTask(ctx, id)
}

func (ps *PostgresStore) RemoveTask(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ps.table)

	res, err := ps.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("%w: remove task %s: %v", ErrUnavailable, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: remove task %s: %v", ErrUnavailable, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (ps *PostgresStore) warn(format string, args ...any) {
	if ps.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ps.logger.Printf("%s WARN store: %s", time.Now().Format(time.RFC3339), msg)
}
