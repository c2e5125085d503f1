package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/funnyzak/reqflow/internal/config"
	"github.com/funnyzak/reqflow/internal/logger"
	"github.com/funnyzak/reqflow/pkg/request"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
)

const runColumns = "id, source, started_ns, finished_ns, total, completed, failed, status"

const stepColumns = `id, run_id, idx, timestamp_ns, method, url, headers_json, body,
    status_code, response_body, response_time_ms, outcome, matched,
    exported_json, unresolved_json, error`

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug("Replay history opened", "path", absPath)
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    source TEXT,
    started_ns INTEGER NOT NULL,
    finished_ns INTEGER,
    total INTEGER NOT NULL DEFAULT 0,
    completed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_ns DESC);

CREATE TABLE IF NOT EXISTS steps (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    timestamp_ns INTEGER NOT NULL,
    method TEXT NOT NULL,
    url TEXT NOT NULL,
    headers_json TEXT,
    body BLOB,
    status_code INTEGER,
    response_body BLOB,
    response_time_ms INTEGER,
    outcome TEXT,
    matched INTEGER,
    exported_json TEXT,
    unresolved_json TEXT,
    error TEXT,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, timestamp_ns ASC);
`
	_, err := s.db.Exec(schema)
	return err
}

func newID() string {
	return ulid.Make().String()
}

func (s *sqliteStore) StartRun(run *request.RunRecord) (*request.RunRecord, error) {
	if run == nil {
		return nil, errNilRecord("run")
	}
	if strings.TrimSpace(run.ID) == "" {
		run.ID = newID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.StartedAt = run.StartedAt.UTC()
	if run.Status == "" {
		run.Status = request.RunRunning
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO runs ("+runColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		run.ID,
		run.Source,
		run.StartedAt.UnixNano(),
		nullTime(run.FinishedAt),
		run.Total,
		run.Completed,
		run.Failed,
		run.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	if err = s.prune(ctx, tx); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *sqliteStore) RecordStep(step *request.StepRecord) (*request.StepRecord, error) {
	if step == nil {
		return nil, errNilRecord("step")
	}
	if strings.TrimSpace(step.RunID) == "" {
		return nil, fmt.Errorf("step record has no run id")
	}
	if strings.TrimSpace(step.ID) == "" {
		step.ID = newID()
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	step.Timestamp = step.Timestamp.UTC()

	headersJSON, err := marshalOrEmpty(step.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	exportedJSON, err := marshalOrEmpty(step.Exported)
	if err != nil {
		return nil, fmt.Errorf("marshal exported variables: %w", err)
	}
	unresolvedJSON, err := marshalOrEmpty(step.Unresolved)
	if err != nil {
		return nil, fmt.Errorf("marshal unresolved placeholders: %w", err)
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM runs WHERE id = ?", step.RunID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		err = ErrRunNotFound
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO steps ("+stepColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		step.ID,
		step.RunID,
		step.Index,
		step.Timestamp.UnixNano(),
		step.Method,
		step.URL,
		headersJSON,
		[]byte(step.Body),
		step.StatusCode,
		[]byte(step.ResponseBody),
		step.ResponseTimeMs,
		string(step.Outcome),
		boolToInt(step.Matched),
		exportedJSON,
		unresolvedJSON,
		step.Error,
	)
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}

	counter := "completed"
	if step.Error != "" {
		counter = "failed"
	}
	if _, err = tx.ExecContext(ctx, "UPDATE runs SET "+counter+" = "+counter+" + 1 WHERE id = ?", step.RunID); err != nil {
		return nil, fmt.Errorf("update run counters: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return step, nil
}

func (s *sqliteStore) FinishRun(id, status string) error {
	if status == "" {
		status = request.RunFinished
	}
	res, err := s.db.ExecContext(context.Background(),
		"UPDATE runs SET status = ?, finished_ns = ? WHERE id = ?",
		status, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.Retention > 0 {
		cutoff := time.Now().Add(-s.cfg.Retention).UTC().UnixNano()
		if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE run_id IN (SELECT id FROM runs WHERE started_ns < ?)", cutoff); err != nil {
			return fmt.Errorf("prune steps by retention: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE started_ns < ?", cutoff); err != nil {
			return fmt.Errorf("prune by retention: %w", err)
		}
	}
	if s.cfg.MaxRuns > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM runs").Scan(&count); err != nil {
			return fmt.Errorf("count runs: %w", err)
		}
		if excess := count - s.cfg.MaxRuns; excess > 0 {
			oldest := "SELECT id FROM runs ORDER BY started_ns ASC, id ASC LIMIT ?"
			if _, err := tx.ExecContext(ctx, "DELETE FROM steps WHERE run_id IN ("+oldest+")", excess); err != nil {
				return fmt.Errorf("prune steps: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id IN ("+oldest+")", excess); err != nil {
				return fmt.Errorf("prune max runs: %w", err)
			}
		}
	}
	return nil
}

func (s *sqliteStore) ListRuns(opts ListOptions) ([]*request.RunRecord, int, error) {
	ctx := context.Background()
	where, args := buildFilters(opts)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM runs "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	queryBuilder := strings.Builder{}
	queryBuilder.WriteString("SELECT " + runColumns + " FROM runs ")
	queryBuilder.WriteString(where)
	queryBuilder.WriteString(" ORDER BY started_ns DESC, id DESC")

	listArgs := append([]interface{}{}, args...)
	if opts.Limit > 0 {
		offset := opts.Offset
		if offset < 0 {
			offset = 0
		}
		queryBuilder.WriteString(" LIMIT ? OFFSET ?")
		listArgs = append(listArgs, opts.Limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, queryBuilder.String(), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []*request.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

func (s *sqliteStore) GetRun(id string) (*StoredRun, error) {
	row := s.db.QueryRowContext(context.Background(), "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	steps, err := s.GetSteps(id)
	if err != nil {
		return nil, err
	}
	return &StoredRun{RunRecord: run, Steps: steps}, nil
}

func (s *sqliteStore) GetSteps(runID string) ([]*request.StepRecord, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT "+stepColumns+" FROM steps WHERE run_id = ? ORDER BY timestamp_ns ASC, id ASC", runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*request.StepRecord
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, step)
	}
	return result, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(scanner rowScanner) (*request.RunRecord, error) {
	var (
		run      request.RunRecord
		source   sql.NullString
		started  int64
		finished sql.NullInt64
	)
	if err := scanner.Scan(
		&run.ID,
		&source,
		&started,
		&finished,
		&run.Total,
		&run.Completed,
		&run.Failed,
		&run.Status,
	); err != nil {
		return nil, err
	}
	run.Source = source.String
	run.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid && finished.Int64 > 0 {
		run.FinishedAt = time.Unix(0, finished.Int64).UTC()
	}
	return &run, nil
}

func scanStep(scanner rowScanner) (*request.StepRecord, error) {
	var (
		step           request.StepRecord
		ts             int64
		headersJSON    sql.NullString
		body           []byte
		statusCode     sql.NullInt64
		responseBody   []byte
		responseTimeMs sql.NullInt64
		outcome        sql.NullString
		matched        sql.NullInt64
		exportedJSON   sql.NullString
		unresolvedJSON sql.NullString
		errorMsg       sql.NullString
	)
	if err := scanner.Scan(
		&step.ID,
		&step.RunID,
		&step.Index,
		&ts,
		&step.Method,
		&step.URL,
		&headersJSON,
		&body,
		&statusCode,
		&responseBody,
		&responseTimeMs,
		&outcome,
		&matched,
		&exportedJSON,
		&unresolvedJSON,
		&errorMsg,
	); err != nil {
		return nil, err
	}

	step.Timestamp = time.Unix(0, ts).UTC()
	step.Body = string(body)
	step.StatusCode = int(statusCode.Int64)
	step.ResponseBody = string(responseBody)
	step.ResponseTimeMs = responseTimeMs.Int64
	step.Outcome = request.Outcome(outcome.String)
	step.Matched = matched.Int64 == 1
	step.Error = errorMsg.String

	if headersJSON.Valid && headersJSON.String != "" {
		if err := json.Unmarshal([]byte(headersJSON.String), &step.Headers); err != nil {
			step.Headers = nil
		}
	}
	if exportedJSON.Valid && exportedJSON.String != "" {
		if err := json.Unmarshal([]byte(exportedJSON.String), &step.Exported); err != nil {
			step.Exported = nil
		}
	}
	if unresolvedJSON.Valid && unresolvedJSON.String != "" {
		if err := json.Unmarshal([]byte(unresolvedJSON.String), &step.Unresolved); err != nil {
			step.Unresolved = nil
		}
	}
	return &step, nil
}

func buildFilters(opts ListOptions) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if status := strings.TrimSpace(opts.Status); status != "" {
		clauses = append(clauses, "LOWER(status) = LOWER(?)")
		args = append(args, status)
	}

	if search := strings.TrimSpace(strings.ToLower(opts.Search)); search != "" {
		like := fmt.Sprintf("%%%s%%", search)
		clauses = append(clauses, "(LOWER(source) LIKE ? OR id IN (SELECT run_id FROM steps WHERE LOWER(url) LIKE ?))")
		args = append(args, like, like)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func marshalOrEmpty(v interface{}) (string, error) {
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return "", nil
		}
	case map[string]any:
		if len(t) == 0 {
			return "", nil
		}
	case []string:
		if len(t) == 0 {
			return "", nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
