// Package store keeps the local run history: one row per benchmark run, one
// per task result and one per resource sample.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p-arndt/imagebench/internal/bench"
	"github.com/p-arndt/imagebench/internal/sink"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
	RunCrashed   = "crashed"
)

type Run struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Runtime    string    `json:"runtime"`
	Images     []string  `json:"images"`
	Workloads  []string  `json:"workloads"`
	Iterations int       `json:"iterations"`
	ReportDir  string    `json:"report_dir,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Filled by ListRuns from the results table.
	Results   int `json:"results"`
	Succeeded int `json:"succeeded"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	runtime     TEXT NOT NULL DEFAULT '',
	images      TEXT NOT NULL DEFAULT '',
	workloads   TEXT NOT NULL DEFAULT '',
	iterations  INTEGER NOT NULL DEFAULT 1,
	report_dir  TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS results (
	run_id          TEXT NOT NULL,
	task_key        TEXT NOT NULL,
	image           TEXT NOT NULL,
	workload        TEXT NOT NULL,
	iteration       INTEGER NOT NULL,
	status          TEXT NOT NULL,
	exit_code       INTEGER NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	container_id    TEXT NOT NULL DEFAULT '',
	start_time      DATETIME NOT NULL,
	end_time        DATETIME NOT NULL,
	skipped_samples INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, task_key)
);

CREATE TABLE IF NOT EXISTS samples (
	run_id     TEXT NOT NULL,
	task_key   TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	cpu        REAL,
	memory     INTEGER NOT NULL,
	block_io   INTEGER NOT NULL,
	network_io INTEGER NOT NULL,
	PRIMARY KEY (run_id, task_key, ts)
);
`

// DefaultMaxOpenConns is the default connection pool size.
// WAL mode allows multiple readers + 1 writer; workers write results concurrently.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 15s wait on lock (concurrent workers persisting results)
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=NORMAL: safe in WAL
	// temp_store=MEMORY: temp tables in RAM
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRun(r *Run) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO runs (id, status, runtime, images, workloads, iterations, report_dir, started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Status, r.Runtime, joinList(r.Images), joinList(r.Workloads), r.Iterations,
			r.ReportDir, r.StartedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// FinishRun records the final state of a run.
func (s *Store) FinishRun(id, status, reportDir string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET status = ?, report_dir = ?, finished_at = ? WHERE id = ?`,
			status, reportDir, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return checkRowAffected(result, id)
}

// GetRun returns nil, nil when the run does not exist.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(selectRunSQL+` WHERE r.id = ? GROUP BY r.id`, id)
	return scanRun(row)
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(selectRunSQL+` GROUP BY r.id ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// SaveResult upserts the terminal result of one task. Output and samples are
// not stored here; samples arrive through Write.
func (s *Store) SaveResult(runID string, r bench.RunResult) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT OR REPLACE INTO results
			 (run_id, task_key, image, workload, iteration, status, exit_code, error, container_id, start_time, end_time, skipped_samples)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, r.Task.Key(), r.Task.ImageID, r.Task.WorkloadID, r.Task.Iteration,
			string(r.Status), r.ExitCode, r.Error, r.ContainerID,
			r.StartTime.UTC(), r.EndTime.UTC(), r.SkippedSamples,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("saving result %s: %w", r.Task.Key(), err)
	}
	return nil
}

// ListResults returns the stored results of a run ordered by task key.
func (s *Store) ListResults(runID string) ([]bench.RunResult, error) {
	rows, err := s.db.Query(
		`SELECT image, workload, iteration, status, exit_code, error, container_id, start_time, end_time, skipped_samples
		 FROM results WHERE run_id = ? ORDER BY task_key`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	defer rows.Close()

	var out []bench.RunResult
	for rows.Next() {
		var r bench.RunResult
		var status string
		if err := rows.Scan(
			&r.Task.ImageID, &r.Task.WorkloadID, &r.Task.Iteration, &status, &r.ExitCode,
			&r.Error, &r.ContainerID, &r.StartTime, &r.EndTime, &r.SkippedSamples,
		); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		r.Status = bench.Status(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	return out, nil
}

// Write stores one sample point. Points already stored for the same task
// and timestamp are ignored.
func (s *Store) Write(ctx context.Context, p sink.Point) error {
	// NULL cpu marks a sample without a CPU baseline.
	cpu := sql.NullFloat64{Float64: p.CPUPercent, Valid: !p.CPUUnknown}
	err := retryOnBusy(func() error {
		_, e := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO samples (run_id, task_key, ts, cpu, memory, block_io, network_io)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.RunID, p.TaskKey, p.Timestamp.UnixNano(), cpu,
			int64(p.MemoryBytes), int64(p.BlockIOBytes), int64(p.NetworkIOBytes),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("%w: sqlite: %w", bench.ErrSinkUnavailable, err)
	}
	return nil
}

// Samples returns the stored samples of one task in timestamp order.
func (s *Store) Samples(runID, taskKey string) ([]bench.Sample, error) {
	rows, err := s.db.Query(
		`SELECT ts, cpu, memory, block_io, network_io FROM samples
		 WHERE run_id = ? AND task_key = ? ORDER BY ts`, runID, taskKey,
	)
	if err != nil {
		return nil, fmt.Errorf("listing samples: %w", err)
	}
	defer rows.Close()

	var out []bench.Sample
	for rows.Next() {
		var ts, mem, blk, net int64
		var cpu sql.NullFloat64
		var smp bench.Sample
		if err := rows.Scan(&ts, &cpu, &mem, &blk, &net); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		smp.CPUPercent = cpu.Float64
		smp.CPUUnknown = !cpu.Valid
		smp.Timestamp = time.Unix(0, ts)
		smp.MemoryBytes = uint64(mem)
		smp.BlockIOBytes = uint64(blk)
		smp.NetworkIOBytes = uint64(net)
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating samples: %w", err)
	}
	return out, nil
}

const selectRunSQL = `
SELECT r.id, r.status, r.runtime, r.images, r.workloads, r.iterations, r.report_dir,
       r.started_at, r.finished_at,
       COUNT(res.task_key),
       COALESCE(SUM(CASE WHEN res.status = 'success' THEN 1 ELSE 0 END), 0)
FROM runs r LEFT JOIN results res ON res.run_id = r.id`

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var images, workloads string
	var finished sql.NullTime
	err := row.Scan(
		&r.ID, &r.Status, &r.Runtime, &images, &workloads, &r.Iterations, &r.ReportDir,
		&r.StartedAt, &finished, &r.Results, &r.Succeeded,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	r.Images = splitList(images)
	r.Workloads = splitList(workloads)
	return &r, nil
}

// Image references and workload IDs never contain commas.
func joinList(s []string) string {
	return strings.Join(s, ",")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}
