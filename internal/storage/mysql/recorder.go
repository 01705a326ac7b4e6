package mysql

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"P2PLend-Chain/internal/lending"
)

// Recorder 将编排器确认的交易写入流水。
type Recorder struct {
	repo JournalRepository
}

// NewRecorder 包装一个流水仓库。
func NewRecorder(repo JournalRepository) *Recorder {
	return &Recorder{repo: repo}
}

// RecordTx 实现 lending.Recorder。
func (r *Recorder) RecordTx(ctx context.Context, entry lending.Entry) error {
	if r == nil || r.repo == nil {
		return nil
	}
	return r.repo.Save(ctx, RecordFromEntry(entry))
}

// RecordFromEntry 将编排器条目转换为流水记录。
func RecordFromEntry(entry lending.Entry) *TxRecord {
	record := &TxRecord{
		JobID:       entry.JobID,
		Operation:   string(entry.Operation),
		Step:        entry.Tx.Step,
		Network:     entry.Network,
		TxHash:      entry.Tx.Hash.Hex(),
		From:        entry.Tx.From.Hex(),
		BlockNumber: entry.Tx.BlockNumber,
		GasUsed:     entry.Tx.GasUsed,
		Status:      entry.Tx.Status,
		ExplorerURL: entry.Tx.ExplorerURL,
	}
	if entry.Tx.To != (common.Address{}) {
		record.To = entry.Tx.To.Hex()
	}
	if entry.OfferID != nil {
		record.OfferID = entry.OfferID.String()
	}
	return record
}

var _ lending.Recorder = (*Recorder)(nil)
