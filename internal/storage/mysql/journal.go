package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	xerrors "P2PLend-Chain/internal/errors"
)

// TxRecord 表示一笔已确认交易的落库结构。
type TxRecord struct {
	ID          string `json:"id"`
	JobID       string `json:"job_id,omitempty"`
	Operation   string `json:"operation"`
	Step        string `json:"step,omitempty"`
	Network     string `json:"network"`
	TxHash      string `json:"tx_hash"`
	From        string `json:"from"`
	To          string `json:"to,omitempty"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	Status      uint64 `json:"status"`
	OfferID     string `json:"offer_id,omitempty"`
	ExplorerURL string `json:"explorer_url,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// JournalRepository 抽象交易流水的持久化接口。
type JournalRepository interface {
	Save(ctx context.Context, record *TxRecord) error
	ListLatest(ctx context.Context, limit int) ([]TxRecord, error)
	FindByHash(ctx context.Context, hash string) (*TxRecord, error)
	Close() error
}

const (
	defaultListLimit = 20
	maxCachedRecords = 1024
	journalFileName  = "journal.log"
)

// ErrRecordNotFound 表示流水中不存在指定交易。
var ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "transaction not found in journal")

func prepareRecord(record *TxRecord) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易记录不能为空")
	}
	if strings.TrimSpace(record.TxHash) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易哈希不能为空")
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	return nil
}

func duplicateHash(hash string) error {
	return xerrors.New(xerrors.CodeConflict, "交易 "+hash+" 已记录", xerrors.WithMetadata("tx_hash", hash))
}

// MemoryJournal 以 JSON 行追加写入本地文件，启动时回放最近的记录。
type MemoryJournal struct {
	mu       sync.RWMutex
	dataFile string
	records  []TxRecord
}

// NewMemoryJournal 在 path 打开流水文件；path 为目录时使用其中的 journal.log。
func NewMemoryJournal(path string) (*MemoryJournal, error) {
	if path == "" {
		path = journalFileName
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, journalFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	journal := &MemoryJournal{dataFile: path}
	if err := journal.loadFromDisk(); err != nil {
		return nil, err
	}
	return journal, nil
}

// Path 返回流水文件路径。
func (m *MemoryJournal) Path() string { return m.dataFile }

// Save 以追加写的方式记录交易。
func (m *MemoryJournal) Save(_ context.Context, record *TxRecord) error {
	if err := prepareRecord(record); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if strings.EqualFold(existing.TxHash, record.TxHash) {
			return duplicateHash(record.TxHash)
		}
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化交易记录失败: %w", err)
	}

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开交易流水失败")
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易流水失败")
	}

	m.records = append([]TxRecord{*record}, m.records...)
	if len(m.records) > maxCachedRecords {
		m.records = m.records[:maxCachedRecords]
	}
	return nil
}

// ListLatest 返回最近的交易，按写入时间倒序。
func (m *MemoryJournal) ListLatest(_ context.Context, limit int) ([]TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]TxRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// FindByHash 先查缓存，未命中时扫描整个文件。
func (m *MemoryJournal) FindByHash(_ context.Context, hash string) (*TxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, record := range m.records {
		if strings.EqualFold(record.TxHash, hash) {
			found := record
			return &found, nil
		}
	}
	if len(m.records) < maxCachedRecords {
		return nil, ErrRecordNotFound
	}

	var found *TxRecord
	err := m.scan(func(record TxRecord) {
		if strings.EqualFold(record.TxHash, hash) {
			match := record
			found = &match
		}
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrRecordNotFound
	}
	return found, nil
}

// Close 实现 JournalRepository 接口。
func (m *MemoryJournal) Close() error { return nil }

func (m *MemoryJournal) loadFromDisk() error {
	var restored []TxRecord
	if err := m.scan(func(record TxRecord) {
		restored = append(restored, record)
	}); err != nil {
		return err
	}
	for i, j := 0, len(restored)-1; i < j; i, j = i+1, j-1 {
		restored[i], restored[j] = restored[j], restored[i]
	}
	if len(restored) > maxCachedRecords {
		restored = restored[:maxCachedRecords]
	}
	m.records = restored
	return nil
}

func (m *MemoryJournal) scan(fn func(TxRecord)) error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取交易流水失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record TxRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		fn(record)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易流水失败")
	}
	return nil
}

// SQLJournal 使用 MySQL 存储交易流水。
type SQLJournal struct {
	db *sql.DB
}

// NewSQLJournal 创建连接池并执行迁移。
func NewSQLJournal(ctx context.Context, cfg Config) (*SQLJournal, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化交易流水存储失败")
	}
	return &SQLJournal{db: db}, nil
}

// NewSQLJournalWithDB 复用已迁移的连接池。
func NewSQLJournalWithDB(db *sql.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

const insertTxSQL = `INSERT INTO tx_journal
        (id, job_id, operation, step, network, tx_hash, from_address, to_address, block_number, gas_used, status, offer_id, explorer_url, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectTxColumns = `SELECT id, job_id, operation, step, network, tx_hash, from_address, to_address, block_number, gas_used, status, offer_id, explorer_url, created_at
        FROM tx_journal`

// Save 将交易写入 MySQL，重复的交易哈希返回冲突错误。
func (s *SQLJournal) Save(ctx context.Context, record *TxRecord) error {
	if err := prepareRecord(record); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertTxSQL,
		record.ID,
		record.JobID,
		record.Operation,
		record.Step,
		record.Network,
		record.TxHash,
		record.From,
		record.To,
		record.BlockNumber,
		record.GasUsed,
		record.Status,
		record.OfferID,
		record.ExplorerURL,
		record.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return duplicateHash(record.TxHash)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易流水失败")
	}
	return nil
}

// ListLatest 查询最近的若干条交易。
func (s *SQLJournal) ListLatest(ctx context.Context, limit int) ([]TxRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, selectTxColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易流水失败")
	}
	defer rows.Close()

	records := make([]TxRecord, 0, limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易流水失败")
	}
	return records, nil
}

// FindByHash 按交易哈希查询。
func (s *SQLJournal) FindByHash(ctx context.Context, hash string) (*TxRecord, error) {
	row := s.db.QueryRowContext(ctx, selectTxColumns+` WHERE tx_hash = ?`, hash)
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// Close 关闭底层数据库连接。
func (s *SQLJournal) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (TxRecord, error) {
	var record TxRecord
	err := row.Scan(
		&record.ID,
		&record.JobID,
		&record.Operation,
		&record.Step,
		&record.Network,
		&record.TxHash,
		&record.From,
		&record.To,
		&record.BlockNumber,
		&record.GasUsed,
		&record.Status,
		&record.OfferID,
		&record.ExplorerURL,
		&record.CreatedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return TxRecord{}, err
		}
		return TxRecord{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
	}
	return record, nil
}

var (
	_ JournalRepository = (*MemoryJournal)(nil)
	_ JournalRepository = (*SQLJournal)(nil)
)
