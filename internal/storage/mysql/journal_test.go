package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gomysql "github.com/go-sql-driver/mysql"

	xerrors "P2PLend-Chain/internal/errors"
	"P2PLend-Chain/internal/lending"
	"P2PLend-Chain/internal/storage/sqlfake"
)

const (
	hashA = "0x1111111111111111111111111111111111111111111111111111111111111111"
	hashB = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

func TestMemoryJournalPersistsAcrossRestarts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	journal, err := NewMemoryJournal(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if journal.Path() != filepath.Join(dir, "journal.log") {
		t.Fatalf("unexpected path: %s", journal.Path())
	}

	first := &TxRecord{Operation: "approve", Network: "localhost", TxHash: hashA, Status: 1, CreatedAt: 10}
	second := &TxRecord{Operation: "repay", Network: "localhost", TxHash: hashB, Status: 1, OfferID: "3", CreatedAt: 20}
	for _, record := range []*TxRecord{first, second} {
		if err := journal.Save(ctx, record); err != nil {
			t.Fatalf("save %s: %v", record.TxHash, err)
		}
		if record.ID == "" {
			t.Fatalf("expected id to be assigned")
		}
	}

	reopened, err := NewMemoryJournal(journal.Path())
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	latest, err := reopened.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if len(latest) != 2 || latest[0].TxHash != hashB || latest[1].TxHash != hashA {
		t.Fatalf("unexpected order after reload: %+v", latest)
	}

	found, err := reopened.FindByHash(ctx, hashB)
	if err != nil {
		t.Fatalf("find by hash: %v", err)
	}
	if found.OfferID != "3" || found.Operation != "repay" {
		t.Fatalf("unexpected record: %+v", found)
	}
}

func TestMemoryJournalRejects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	journal, err := NewMemoryJournal(filepath.Join(t.TempDir(), "nested", "journal.log"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}

	if err := journal.Save(ctx, &TxRecord{Operation: "approve"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if err := journal.Save(ctx, &TxRecord{Operation: "approve", TxHash: hashA}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := journal.Save(ctx, &TxRecord{Operation: "approve", TxHash: hashA}); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := journal.FindByHash(ctx, hashB); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLJournalSave(t *testing.T) {
	t.Parallel()

	db, drv := sqlfake.Open(t, sqlfake.Exec(insertTxSQL, sqlfake.Result{RowsAffected: 1}))
	journal := NewSQLJournalWithDB(db)

	record := &TxRecord{
		JobID:       "job-1",
		Operation:   "take-loan",
		Step:        "takeLoan",
		Network:     "celo-sepolia",
		TxHash:      hashA,
		From:        "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		To:          "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		BlockNumber: 42,
		GasUsed:     21000,
		Status:      1,
		OfferID:     "7",
	}
	if err := journal.Save(context.Background(), record); err != nil {
		t.Fatalf("save: %v", err)
	}
	drv.AssertConsumed(t)

	args := drv.Args(0)
	if len(args) != 14 {
		t.Fatalf("expected 14 args, got %d", len(args))
	}
	if args[0] != record.ID || args[5] != hashA || args[11] != "7" {
		t.Fatalf("unexpected args: %v", args)
	}
	if record.CreatedAt == 0 {
		t.Fatalf("expected created_at to be set")
	}
}

func TestSQLJournalDuplicateHash(t *testing.T) {
	t.Parallel()

	dup := &gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	db, drv := sqlfake.Open(t, sqlfake.ExecErr(insertTxSQL, dup))
	journal := NewSQLJournalWithDB(db)

	err := journal.Save(context.Background(), &TxRecord{Operation: "approve", TxHash: hashA})
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if xerrors.MetadataOf(err)["tx_hash"] != hashA {
		t.Fatalf("expected tx_hash metadata, got %v", xerrors.MetadataOf(err))
	}
	drv.AssertConsumed(t)
}

func TestSQLJournalQueries(t *testing.T) {
	t.Parallel()

	columns := []string{"id", "job_id", "operation", "step", "network", "tx_hash", "from_address", "to_address",
		"block_number", "gas_used", "status", "offer_id", "explorer_url", "created_at"}
	rows := sqlfake.Rows{
		Columns: columns,
		Values: [][]driver.Value{
			{"b", "", "repay", "repay", "localhost", hashB, "0xaa", "0xbb", int64(12), int64(50000), int64(1), "3", "", int64(20)},
			{"a", "", "approve", "approve", "localhost", hashA, "0xaa", "0xcc", int64(11), int64(46000), int64(1), "", "", int64(10)},
		},
	}

	db, drv := sqlfake.Open(t,
		sqlfake.Query(selectTxColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, rows),
		sqlfake.Query(selectTxColumns+` WHERE tx_hash = ?`, sqlfake.Rows{Columns: columns}),
	)
	journal := NewSQLJournalWithDB(db)

	latest, err := journal.ListLatest(context.Background(), 0)
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if len(latest) != 2 || latest[0].ID != "b" || latest[0].BlockNumber != 12 || latest[1].GasUsed != 46000 {
		t.Fatalf("unexpected records: %+v", latest)
	}
	if got := drv.Args(0); len(got) != 1 || got[0] != int64(defaultListLimit) {
		t.Fatalf("expected default limit, got %v", got)
	}

	if _, err := journal.FindByHash(context.Background(), hashA); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	drv.AssertConsumed(t)
}

func TestMigrateAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 2 || files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected migration files: %+v", files)
	}

	ops := []sqlfake.Op{
		sqlfake.Exec(createMigrationsTable, sqlfake.Result{}),
		sqlfake.Query(`SELECT version FROM schema_migrations`, sqlfake.Rows{
			Columns: []string{"version"},
			Values:  [][]driver.Value{{"0001"}},
		}),
	}
	for _, migration := range files[1:] {
		ops = append(ops, sqlfake.Begin())
		for _, stmt := range migration.statements {
			ops = append(ops, sqlfake.Exec(stmt, sqlfake.Result{}))
		}
		ops = append(ops,
			sqlfake.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, sqlfake.Result{RowsAffected: 1}),
			sqlfake.Commit(),
		)
	}

	db, drv := sqlfake.Open(t, ops...)
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	drv.AssertConsumed(t)
}

func TestRecorderMapsEntries(t *testing.T) {
	t.Parallel()

	journal, err := NewMemoryJournal(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	recorder := NewRecorder(journal)

	entry := lending.Entry{
		Operation: lending.OpWithdraw,
		JobID:     "job-9",
		Network:   "localhost",
		OfferID:   big.NewInt(5),
		Tx: lending.TxOutcome{
			Step:        "withdraw",
			Hash:        common.HexToHash(hashA),
			From:        common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
			To:          common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
			BlockNumber: 9,
			GasUsed:     30000,
			Status:      1,
			Elapsed:     time.Second,
		},
	}
	if err := recorder.RecordTx(context.Background(), entry); err != nil {
		t.Fatalf("record: %v", err)
	}

	record, err := journal.FindByHash(context.Background(), hashA)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if record.Operation != "withdraw" || record.JobID != "job-9" || record.OfferID != "5" || record.BlockNumber != 9 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.To != "0x5FbDB2315678afecb367f032d93F642f64180aa3" {
		t.Fatalf("unexpected to: %s", record.To)
	}

	deploy := RecordFromEntry(lending.Entry{Operation: lending.OpDeploy, Tx: lending.TxOutcome{Hash: common.HexToHash(hashB)}})
	if deploy.To != "" || deploy.OfferID != "" {
		t.Fatalf("deploy record should not carry to/offer: %+v", deploy)
	}
}
