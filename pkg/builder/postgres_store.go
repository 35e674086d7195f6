package builder

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists runs, their summaries and log lines to Postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS multiarch_runs (
    id TEXT PRIMARY KEY,
    package TEXT NOT NULL,
    repository TEXT NOT NULL,
    version TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    error TEXT,
    summary JSONB
);
CREATE TABLE IF NOT EXISTS multiarch_run_logs (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES multiarch_runs(id) ON DELETE CASCADE,
    line TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PostgresStore) Create(run Run) error {
	query := `INSERT INTO multiarch_runs (id, package, repository, version, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
    package = EXCLUDED.package,
    repository = EXCLUDED.repository,
    version = EXCLUDED.version,
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(query,
		run.ID,
		run.Package,
		run.Repository,
		run.Version,
		run.Status,
		run.CreatedAt,
		run.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateStatus(id string, status RunStatus, errMsg string) error {
	now := time.Now().UTC()
	var finishedAt *time.Time
	if status.Finished() {
		finishedAt = &now
	}
	query := `UPDATE multiarch_runs SET status=$1, updated_at=$2, finished_at=$3, error=$4 WHERE id=$5`
	_, err := s.db.Exec(query, status, now, finishedAt, errMsg, id)
	return err
}

func (s *PostgresStore) SetSummary(id string, summary json.RawMessage) error {
	_, err := s.db.Exec(`UPDATE multiarch_runs SET summary=$1, updated_at=$2 WHERE id=$3`, []byte(summary), time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) AppendLog(id string, line string) error {
	_, err := s.db.Exec(`INSERT INTO multiarch_run_logs (run_id, line) VALUES ($1,$2)`, id, line)
	return err
}

const runColumns = `id, package, repository, version, status, created_at, updated_at, finished_at, error, summary`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var r Run
	var finishedAt sql.NullTime
	var errMsg sql.NullString
	var summary []byte
	if err := row.Scan(&r.ID, &r.Package, &r.Repository, &r.Version, &r.Status, &r.CreatedAt, &r.UpdatedAt, &finishedAt, &errMsg, &summary); err != nil {
		return Run{}, err
	}
	if finishedAt.Valid {
		r.FinishedAt = finishedAt.Time
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	if len(summary) > 0 {
		r.Summary = json.RawMessage(summary)
	}
	return r, nil
}

func (s *PostgresStore) List() ([]Run, error) {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM multiarch_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) Get(id string) (Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM multiarch_runs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	return r, err
}

func (s *PostgresStore) ListLogs(id string, limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT line FROM multiarch_run_logs WHERE run_id=$1 ORDER BY id ASC LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
