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

// SettlementRecord is the archived shape of a finalized payment.
type SettlementRecord struct {
	PaymentID      string `json:"payment_id"`
	Mode           string `json:"mode"`
	Payer          string `json:"payer"`
	TotalAmount    string `json:"total_amount"`
	ReleasedAmount string `json:"released_amount"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
	FinalizedAt    int64  `json:"finalized_at"`
}

// SettlementRepository archives finalized payments.
type SettlementRepository interface {
	Save(ctx context.Context, record SettlementRecord) error
	ListLatest(ctx context.Context, limit int) ([]SettlementRecord, error)
}

const settlementCacheSize = 512

// FileSettlementRepository appends settlement records to a local JSON-lines
// file, keeping a bounded in-memory cache for reads.
type FileSettlementRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []SettlementRecord
}

// NewFileSettlementRepository creates a file-backed settlement archive.
func NewFileSettlementRepository(dataDir string) (*FileSettlementRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	repo := &FileSettlementRepository{dataFile: filepath.Join(dataDir, "settlements.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save appends the record to the log file.
func (r *FileSettlementRepository) Save(_ context.Context, record SettlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.OpenFile(r.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open settlement log: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode settlement record: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("write settlement log: %w", err)
	}

	r.records = append([]SettlementRecord{record}, r.records...)
	if len(r.records) > settlementCacheSize {
		r.records = r.records[:settlementCacheSize]
	}
	return nil
}

// ListLatest returns the most recent records, newest first.
func (r *FileSettlementRepository) ListLatest(_ context.Context, limit int) ([]SettlementRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	results := make([]SettlementRecord, limit)
	copy(results, r.records[:limit])
	return results, nil
}

func (r *FileSettlementRepository) loadFromDisk() error {
	file, err := os.OpenFile(r.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open settlement log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []SettlementRecord
	for scanner.Scan() {
		var record SettlementRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]SettlementRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read settlement log: %w", err)
	}

	if len(restored) > settlementCacheSize {
		restored = restored[:settlementCacheSize]
	}
	r.records = restored
	return nil
}

// SQLSettlementRepository archives settlements in MySQL.
type SQLSettlementRepository struct {
	db *sql.DB
}

// NewSQLSettlementRepository opens the pool and applies pending migrations.
func NewSQLSettlementRepository(ctx context.Context, cfg Config) (*SQLSettlementRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLSettlementRepository{db: db}, nil
}

// Save inserts the settlement record.
func (r *SQLSettlementRepository) Save(ctx context.Context, record SettlementRecord) error {
	const stmt = `INSERT INTO settlements
        (payment_id, mode, payer, total_amount, released_amount, status, created_at, finalized_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := r.db.ExecContext(ctx, stmt,
		record.PaymentID,
		record.Mode,
		record.Payer,
		record.TotalAmount,
		record.ReleasedAmount,
		record.Status,
		record.CreatedAt,
		record.FinalizedAt,
	); err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// ListLatest returns the most recent settlement records.
func (r *SQLSettlementRepository) ListLatest(ctx context.Context, limit int) ([]SettlementRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `SELECT payment_id, mode, payer, total_amount, released_amount, status, created_at, finalized_at
        FROM settlements ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	defer rows.Close()

	var records []SettlementRecord
	for rows.Next() {
		var record SettlementRecord
		if err := rows.Scan(&record.PaymentID, &record.Mode, &record.Payer, &record.TotalAmount,
			&record.ReleasedAmount, &record.Status, &record.CreatedAt, &record.FinalizedAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return records, nil
}

// Close releases the connection pool.
func (r *SQLSettlementRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var (
	_ SettlementRepository = (*FileSettlementRepository)(nil)
	_ SettlementRepository = (*SQLSettlementRepository)(nil)
)
