package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"tiller/internal/domain"
)

// PositionArchive persists closed positions for offline analysis.
type PositionArchive interface {
	// ArchivePosition appends a closed position to the archive. Re-archiving
	// the same position is a no-op.
	ArchivePosition(ctx context.Context, pos *domain.Position) error

	// ReadArchive returns archived positions closed within [start, end].
	ReadArchive(ctx context.Context, start, end time.Time) ([]ClosedPositionRecord, error)
}

// Compile-time interface check.
var _ PositionArchive = (*ParquetArchive)(nil)

// ParquetArchive implements PositionArchive using Parquet files on disk, one
// file per year of close dates.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates an archive rooted at the given data directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// ClosedPositionRecord is the Parquet schema for a closed position. Decimal
// fields are stored as strings to keep exact values.
type ClosedPositionRecord struct {
	ID          string `parquet:"id"`
	AccountID   string `parquet:"account_id"`
	Symbol      string `parquet:"symbol"`
	Side        string `parquet:"side"`
	EntryPrice  string `parquet:"entry_price"`
	ExitPrice   string `parquet:"exit_price"`
	Quantity    string `parquet:"quantity"`
	RealizedPnL string `parquet:"realized_pnl"`
	FeesPaid    string `parquet:"fees_paid"`
	ExitReason  string `parquet:"exit_reason"`
	OpenedAt    int64  `parquet:"opened_at,timestamp(millisecond)"` // Unix ms
	ClosedAt    int64  `parquet:"closed_at,timestamp(millisecond)"` // Unix ms
}

// ArchivePosition appends a closed position to its year file, deduplicating
// by position id.
func (a *ParquetArchive) ArchivePosition(_ context.Context, pos *domain.Position) error {
	if pos.State != domain.StateClosed || pos.Closed == nil || pos.ClosedAt == nil {
		return fmt.Errorf("archiving position %s: not closed", pos.ID)
	}

	rec := ClosedPositionRecord{
		ID:          pos.ID.String(),
		AccountID:   pos.AccountID.String(),
		Symbol:      pos.Symbol,
		Side:        string(pos.Side),
		ExitPrice:   pos.Closed.ExitPrice.String(),
		Quantity:    pos.Quantity.String(),
		RealizedPnL: pos.RealizedPnL.String(),
		FeesPaid:    pos.FeesPaid.String(),
		ExitReason:  string(pos.Closed.Reason),
		ClosedAt:    pos.ClosedAt.UnixMilli(),
	}
	if pos.EntryPrice != nil {
		rec.EntryPrice = pos.EntryPrice.String()
	}
	if pos.EntryFilledAt != nil {
		rec.OpenedAt = pos.EntryFilledAt.UnixMilli()
	}

	path := a.yearPath(pos.ClosedAt.Year())
	existing, _ := readArchiveFile(path)
	merged := mergeClosedRecords(existing, []ClosedPositionRecord{rec})
	if err := writeArchiveFile(path, merged); err != nil {
		return fmt.Errorf("archiving position %s: %w", pos.ID, err)
	}
	return nil
}

// ReadArchive returns archived positions closed within [start, end], oldest
// first.
func (a *ParquetArchive) ReadArchive(_ context.Context, start, end time.Time) ([]ClosedPositionRecord, error) {
	var records []ClosedPositionRecord
	for year := start.Year(); year <= end.Year(); year++ {
		rows, err := readArchiveFile(a.yearPath(year))
		if err != nil {
			// No file for this year.
			continue
		}
		for _, r := range rows {
			ts := time.UnixMilli(r.ClosedAt)
			if !ts.Before(start) && !ts.After(end) {
				records = append(records, r)
			}
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ClosedAt < records[j].ClosedAt
	})
	return records, nil
}

// yearPath returns the archive file for a close year.
// Layout: <dataDir>/closed/<YYYY>.parquet
func (a *ParquetArchive) yearPath(year int) string {
	return filepath.Join(a.DataDir, "closed", fmt.Sprintf("%d.parquet", year))
}

func writeArchiveFile(path string, records []ClosedPositionRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readArchiveFile(path string) ([]ClosedPositionRecord, error) {
	return parquet.ReadFile[ClosedPositionRecord](path)
}

// mergeClosedRecords deduplicates by position id, preferring incoming
// records. Results are sorted by close time.
func mergeClosedRecords(existing, incoming []ClosedPositionRecord) []ClosedPositionRecord {
	seen := make(map[string]ClosedPositionRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.ID] = r
	}
	for _, r := range incoming {
		seen[r.ID] = r
	}

	merged := make([]ClosedPositionRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ClosedAt < merged[j].ClosedAt
	})
	return merged
}
