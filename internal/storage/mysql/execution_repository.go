package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ExecutionRecord is the archived shape of a finished workflow execution.
type ExecutionRecord struct {
	ExecutionID  string `json:"execution_id"`
	WorkflowID   string `json:"workflow_id"`
	Executor     string `json:"executor"`
	StartStep    int    `json:"start_step"`
	FinalStep    int    `json:"final_step"`
	ResourceUsed uint64 `json:"resource_used"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
	StartedAt    int64  `json:"started_at"`
	CompletedAt  int64  `json:"completed_at"`
}

// ExecutionRepository archives finished workflow executions.
type ExecutionRepository interface {
	Save(ctx context.Context, record ExecutionRecord) error
	ListLatest(ctx context.Context, limit int) ([]ExecutionRecord, error)
}

const executionCacheSize = 512

// FileExecutionRepository appends execution records to a local JSON-lines
// file, keeping a bounded in-memory cache for reads.
type FileExecutionRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ExecutionRecord
}

// NewFileExecutionRepository creates a file-backed execution archive.
func NewFileExecutionRepository(dataDir string) (*FileExecutionRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	repo := &FileExecutionRepository{dataFile: filepath.Join(dataDir, "executions.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save appends the record to the log file.
func (r *FileExecutionRepository) Save(_ context.Context, record ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.OpenFile(r.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open execution log: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode execution record: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("write execution log: %w", err)
	}

	r.records = append([]ExecutionRecord{record}, r.records...)
	if len(r.records) > executionCacheSize {
		r.records = r.records[:executionCacheSize]
	}
	return nil
}

// ListLatest returns the most recent records, newest first.
func (r *FileExecutionRepository) ListLatest(_ context.Context, limit int) ([]ExecutionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	results := make([]ExecutionRecord, limit)
	copy(results, r.records[:limit])
	return results, nil
}

func (r *FileExecutionRepository) loadFromDisk() error {
	file, err := os.OpenFile(r.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open execution log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []ExecutionRecord
	for scanner.Scan() {
		var record ExecutionRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]ExecutionRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read execution log: %w", err)
	}

	if len(restored) > executionCacheSize {
		restored = restored[:executionCacheSize]
	}
	r.records = restored
	return nil
}

// SQLExecutionRepository archives executions in MySQL.
type SQLExecutionRepository struct {
	db *sql.DB
}

// NewSQLExecutionRepository opens the pool and applies pending migrations.
func NewSQLExecutionRepository(ctx context.Context, cfg Config) (*SQLExecutionRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLExecutionRepository{db: db}, nil
}

// Save inserts the execution record.
func (r *SQLExecutionRepository) Save(ctx context.Context, record ExecutionRecord) error {
	const stmt = `INSERT INTO workflow_executions
        (execution_id, workflow_id, executor, start_step, final_step, resource_used, success, error_message, started_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := r.db.ExecContext(ctx, stmt,
		record.ExecutionID,
		record.WorkflowID,
		record.Executor,
		record.StartStep,
		record.FinalStep,
		record.ResourceUsed,
		record.Success,
		record.ErrorMessage,
		record.StartedAt,
		record.CompletedAt,
	); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ListLatest returns the most recent execution records.
func (r *SQLExecutionRepository) ListLatest(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `SELECT execution_id, workflow_id, executor, start_step, final_step, resource_used, success, error_message, started_at, completed_at
        FROM workflow_executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var record ExecutionRecord
		if err := rows.Scan(&record.ExecutionID, &record.WorkflowID, &record.Executor, &record.StartStep,
			&record.FinalStep, &record.ResourceUsed, &record.Success, &record.ErrorMessage,
			&record.StartedAt, &record.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return records, nil
}

// Close releases the connection pool.
func (r *SQLExecutionRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var (
	_ ExecutionRepository = (*FileExecutionRepository)(nil)
	_ ExecutionRepository = (*SQLExecutionRepository)(nil)
)
