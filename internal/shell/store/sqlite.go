package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// withForeignKeys turns on foreign key enforcement, keeping any query
// parameters the DSN already carries.
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys=") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	// Open database connection
	db, err := sqlx.Open("sqlite3", withForeignKeys(dsn))
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID          string          `db:"id"`
	Project     string          `db:"project"`
	Mode        string          `db:"mode"`
	StartedAt   string          `db:"started_at"`
	FinishedAt  string          `db:"finished_at"`
	ExitCode    int             `db:"exit_code"`
	Verdict     string          `db:"verdict"`
	SuccessRate sql.NullFloat64 `db:"success_rate"`
	JobCount    int             `db:"job_count"`
	FailedJobs  int             `db:"failed_jobs"`
	Cancelled   bool            `db:"cancelled"`
}

type jobOutcomeRow struct {
	RunID        string `db:"run_id"`
	JobID        string `db:"job_id"`
	JobName      string `db:"job_name"`
	Outcome      string `db:"outcome"`
	Category     string `db:"category"`
	DeploymentID string `db:"deployment_id"`
	Attempts     int    `db:"attempts"`
	Remediations string `db:"remediations"`
	Polls        int    `db:"polls"`
	ElapsedMS    int64  `db:"elapsed_ms"`
	ErrorMessage string `db:"error_message"`
}

type probeResultRow struct {
	RunID        string `db:"run_id"`
	Name         string `db:"name"`
	Tier         string `db:"tier"`
	Kind         string `db:"kind"`
	Target       string `db:"target"`
	Status       string `db:"status"`
	ObservedCode int    `db:"observed_code"`
	LatencyMS    int64  `db:"latency_ms"`
	ErrorMessage string `db:"error_message"`
}

// SaveRun records a run and all of its children in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, report *domain.RunReport) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("SaveRun", "run", report.ID, "failed to begin transaction", ErrTxFailed)
	}

	if err := saveRun(ctx, tx, report); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("SaveRun", "run", report.ID, fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("SaveRun", "run", report.ID, "failed to commit transaction", ErrTxFailed)
	}
	return nil
}

func saveRun(ctx context.Context, exec executor, report *domain.RunReport) error {
	row := runRow{
		ID:         report.ID,
		Project:    report.Project,
		Mode:       report.Mode(),
		StartedAt:  report.StartedAt.UTC().Format(timeLayout),
		FinishedAt: report.FinishedAt.UTC().Format(timeLayout),
		ExitCode:   report.ExitCode(),
		Verdict:    string(report.Verdict()),
		JobCount:   len(report.Jobs),
		FailedJobs: report.FailedJobs(),
		Cancelled:  report.Cancelled,
	}
	if report.Health != nil {
		row.SuccessRate = sql.NullFloat64{Float64: report.Health.SuccessRate, Valid: true}
	}

	query := `
		INSERT INTO runs (
			id, project, mode, started_at, finished_at, exit_code,
			verdict, success_rate, job_count, failed_jobs, cancelled
		) VALUES (
			:id, :project, :mode, :started_at, :finished_at, :exit_code,
			:verdict, :success_rate, :job_count, :failed_jobs, :cancelled
		)`
	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("SaveRun", "run", report.ID, "run already recorded", ErrDuplicateID)
		}
		return NewStoreError("SaveRun", "run", report.ID, err.Error(), err)
	}

	for _, job := range report.Jobs {
		if err := insertJobOutcome(ctx, exec, report.ID, job); err != nil {
			return err
		}
	}

	if report.Health != nil {
		for _, r := range report.Health.Results {
			if err := insertProbeResult(ctx, exec, report.ID, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertJobOutcome(ctx context.Context, exec executor, runID string, job domain.JobReport) error {
	remediations := job.Remediations
	if remediations == nil {
		remediations = []domain.RemediationRecord{}
	}
	remediationsJSON, err := json.Marshal(remediations)
	if err != nil {
		return NewStoreError("SaveRun", "job_outcome", job.JobName, "failed to serialize remediations", ErrInvalidData)
	}

	row := jobOutcomeRow{
		RunID:        runID,
		JobID:        job.JobID,
		JobName:      job.JobName,
		Outcome:      string(job.Outcome.Kind),
		Category:     string(job.Outcome.Category),
		Attempts:     len(job.Attempts),
		Remediations: string(remediationsJSON),
		Polls:        job.Polls,
		ElapsedMS:    job.Elapsed.Milliseconds(),
	}
	if n := len(job.Attempts); n > 0 {
		row.DeploymentID = job.Attempts[n-1].ID
	}
	if job.Outcome.Err != nil {
		row.ErrorMessage = job.Outcome.Err.Error()
	}

	query := `
		INSERT INTO job_outcomes (
			run_id, job_id, job_name, outcome, category, deployment_id,
			attempts, remediations, polls, elapsed_ms, error_message
		) VALUES (
			:run_id, :job_id, :job_name, :outcome, :category, :deployment_id,
			:attempts, :remediations, :polls, :elapsed_ms, :error_message
		)`
	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveRun", "job_outcome", job.JobName, err.Error(), err)
	}
	return nil
}

func insertProbeResult(ctx context.Context, exec executor, runID string, r domain.ProbeResult) error {
	row := probeResultRow{
		RunID:        runID,
		Name:         r.Name,
		Tier:         string(r.Tier),
		Kind:         string(r.Kind),
		Target:       r.Target,
		Status:       string(r.Status),
		ObservedCode: r.ObservedCode,
		LatencyMS:    r.Latency.Milliseconds(),
		ErrorMessage: r.Error,
	}

	query := `
		INSERT INTO probe_results (
			run_id, name, tier, kind, target, status,
			observed_code, latency_ms, error_message
		) VALUES (
			:run_id, :name, :tier, :kind, :target, :status,
			:observed_code, :latency_ms, :error_message
		)`
	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveRun", "probe_result", r.Name, err.Error(), err)
	}
	return nil
}

// GetRun returns one run summary.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunSummary, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	summary := rowToRun(row)
	return &summary, nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]RunSummary, error) {
	opts = opts.Normalize()

	var rows []runRow
	query := `SELECT * FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`
	if err := s.db.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]RunSummary, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, rowToRun(row))
	}
	return runs, nil
}

// ListJobOutcomes returns the job outcomes of a run in the order they were recorded.
func (s *SQLiteStore) ListJobOutcomes(ctx context.Context, runID string) ([]JobOutcomeRecord, error) {
	var rows []jobOutcomeRow
	query := `
		SELECT run_id, job_id, job_name, outcome, category, deployment_id,
		       attempts, remediations, polls, elapsed_ms, error_message
		FROM job_outcomes WHERE run_id = ? ORDER BY id`
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, NewStoreError("ListJobOutcomes", "job_outcome", runID, err.Error(), err)
	}

	records := make([]JobOutcomeRecord, 0, len(rows))
	for _, row := range rows {
		rec := JobOutcomeRecord{
			RunID:        row.RunID,
			JobID:        row.JobID,
			JobName:      row.JobName,
			Outcome:      domain.OutcomeKind(row.Outcome),
			Category:     domain.FailureCategory(row.Category),
			DeploymentID: row.DeploymentID,
			Attempts:     row.Attempts,
			Polls:        row.Polls,
			Elapsed:      time.Duration(row.ElapsedMS) * time.Millisecond,
			Error:        row.ErrorMessage,
		}
		if err := json.Unmarshal([]byte(row.Remediations), &rec.Remediations); err != nil {
			return nil, NewStoreError("ListJobOutcomes", "job_outcome", row.JobName, "failed to deserialize remediations", ErrInvalidData)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListProbeResults returns the probe results of a run in report order.
func (s *SQLiteStore) ListProbeResults(ctx context.Context, runID string) ([]domain.ProbeResult, error) {
	var rows []probeResultRow
	query := `
		SELECT run_id, name, tier, kind, target, status,
		       observed_code, latency_ms, error_message
		FROM probe_results WHERE run_id = ? ORDER BY id`
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, NewStoreError("ListProbeResults", "probe_result", runID, err.Error(), err)
	}

	results := make([]domain.ProbeResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, domain.ProbeResult{
			Name:         row.Name,
			Tier:         domain.Tier(row.Tier),
			Kind:         domain.ProbeKind(row.Kind),
			Target:       row.Target,
			Status:       domain.ProbeStatus(row.Status),
			ObservedCode: row.ObservedCode,
			Latency:      time.Duration(row.LatencyMS) * time.Millisecond,
			Error:        row.ErrorMessage,
		})
	}
	return results, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

func rowToRun(row runRow) RunSummary {
	summary := RunSummary{
		ID:         row.ID,
		Project:    row.Project,
		Mode:       row.Mode,
		StartedAt:  parseTime(row.StartedAt),
		FinishedAt: parseTime(row.FinishedAt),
		ExitCode:   row.ExitCode,
		Verdict:    domain.Verdict(row.Verdict),
		JobCount:   row.JobCount,
		FailedJobs: row.FailedJobs,
		Cancelled:  row.Cancelled,
	}
	if row.SuccessRate.Valid {
		rate := row.SuccessRate.Float64
		summary.SuccessRate = &rate
	}
	return summary
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
