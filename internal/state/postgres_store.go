package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/charleshardy/agentic-kernel-testing-sub004/db/migrations"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func (p *PostgresStore) CreateJob(ctx context.Context, job JobRecord) error {
	now := time.Now().UTC()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	job.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO jobs (id, architecture, toolchain, priority, state, resource_id, payload_ref, concurrency_sensitive, trials, retry_count, fail_reason, log_uri, submitted_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		job.ID, job.Architecture, job.Toolchain, job.Priority, job.State, job.ResourceID, job.PayloadRef, job.ConcurrencySensitive, job.Trials, job.RetryCount, job.FailReason, job.LogURI, job.SubmittedAt, job.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, jobID string) (JobRecord, bool, error) {
	var j JobRecord
	err := p.db.QueryRowContext(ctx,
		`SELECT id, architecture, toolchain, priority, state, resource_id, payload_ref, concurrency_sensitive, trials, retry_count, fail_reason, log_uri, submitted_at, updated_at
		 FROM jobs WHERE id = $1`, jobID,
	).Scan(&j.ID, &j.Architecture, &j.Toolchain, &j.Priority, &j.State, &j.ResourceID, &j.PayloadRef, &j.ConcurrencySensitive, &j.Trials, &j.RetryCount, &j.FailReason, &j.LogURI, &j.SubmittedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, false, nil
	}
	if err != nil {
		return JobRecord{}, false, err
	}
	return j, true, nil
}

func (p *PostgresStore) UpdateJob(ctx context.Context, job JobRecord) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET state=$2, resource_id=$3, retry_count=$4, fail_reason=$5, log_uri=$6, updated_at=$7 WHERE id=$1`,
		job.ID, job.State, job.ResourceID, job.RetryCount, job.FailReason, job.LogURI, job.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

func (p *PostgresStore) UpdateJobIf(ctx context.Context, job JobRecord, expect ...string) (bool, error) {
	if len(expect) == 0 {
		return false, nil
	}
	job.UpdatedAt = time.Now().UTC()
	placeholders := make([]string, 0, len(expect))
	args := []any{job.ID, job.State, job.ResourceID, job.RetryCount, job.FailReason, job.LogURI, job.UpdatedAt}
	for _, s := range expect {
		args = append(args, s)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET state=$2, resource_id=$3, retry_count=$4, fail_reason=$5, log_uri=$6, updated_at=$7
		 WHERE id=$1 AND state IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]JobRecord, error) {
	query := `SELECT id, architecture, toolchain, priority, state, resource_id, payload_ref, concurrency_sensitive, trials, retry_count, fail_reason, log_uri, submitted_at, updated_at FROM jobs`
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if filter.State != "" {
		args = append(args, filter.State)
		clauses = append(clauses, fmt.Sprintf("state=$%d", len(args)))
	}
	if filter.Priority != "" {
		args = append(args, filter.Priority)
		clauses = append(clauses, fmt.Sprintf("priority=$%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY submitted_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return p.queryJobs(ctx, query, args...)
}

func (p *PostgresStore) ListNonTerminalJobs(ctx context.Context) ([]JobRecord, error) {
	return p.queryJobs(ctx,
		`SELECT id, architecture, toolchain, priority, state, resource_id, payload_ref, concurrency_sensitive, trials, retry_count, fail_reason, log_uri, submitted_at, updated_at
		 FROM jobs WHERE state NOT IN ('Completed','Failed','Cancelled') ORDER BY submitted_at`)
}

func (p *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]JobRecord, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobRecord, 0)
	for rows.Next() {
		var j JobRecord
		if err := rows.Scan(&j.ID, &j.Architecture, &j.Toolchain, &j.Priority, &j.State, &j.ResourceID, &j.PayloadRef, &j.ConcurrencySensitive, &j.Trials, &j.RetryCount, &j.FailReason, &j.LogURI, &j.SubmittedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendJobLog(ctx context.Context, jobID, chunk string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO job_logs (job_id, log_text, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (job_id) DO UPDATE SET log_text = job_logs.log_text || EXCLUDED.log_text, updated_at = EXCLUDED.updated_at`,
		jobID, chunk, time.Now().UTC(),
	)
	return err
}

func (p *PostgresStore) GetJobLog(ctx context.Context, jobID string) (string, error) {
	var text string
	err := p.db.QueryRowContext(ctx, `SELECT log_text FROM job_logs WHERE job_id=$1`, jobID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return text, err
}

func (p *PostgresStore) SaveFaultReport(ctx context.Context, report FaultReportRecord) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	evidence, err := json.Marshal(report.Evidence)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO fault_reports (job_id, kind, severity, evidence_json, reproducibility, outcome, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (job_id) DO NOTHING`,
		report.JobID, report.Kind, report.Severity, string(evidence), report.Reproducibility, report.Outcome, report.CreatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrFaultReportExists
	}
	return nil
}

func (p *PostgresStore) GetFaultReport(ctx context.Context, jobID string) (FaultReportRecord, bool, error) {
	var r FaultReportRecord
	var evidence string
	err := p.db.QueryRowContext(ctx,
		`SELECT job_id, kind, severity, evidence_json, reproducibility, outcome, created_at FROM fault_reports WHERE job_id=$1`, jobID,
	).Scan(&r.JobID, &r.Kind, &r.Severity, &evidence, &r.Reproducibility, &r.Outcome, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return FaultReportRecord{}, false, nil
	}
	if err != nil {
		return FaultReportRecord{}, false, err
	}
	if err := json.Unmarshal([]byte(evidence), &r.Evidence); err != nil {
		return FaultReportRecord{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) SaveTrial(ctx context.Context, trial TrialRecord) error {
	if trial.CreatedAt.IsZero() {
		trial.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO trials (id, job_id, seed, kind, severity, signature, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		trial.ID, trial.JobID, trial.Seed, trial.Kind, trial.Severity, trial.Signature, trial.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListTrialsByJob(ctx context.Context, jobID string) ([]TrialRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, job_id, seed, kind, severity, signature, created_at FROM trials WHERE job_id=$1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TrialRecord, 0)
	for rows.Next() {
		var t TrialRecord
		if err := rows.Scan(&t.ID, &t.JobID, &t.Seed, &t.Kind, &t.Severity, &t.Signature, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
