package eventlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// ParquetRow is the exported column layout.
type ParquetRow struct {
	Seq       int64  `parquet:"name=seq, type=INT64"`
	Type      string `parquet:"name=type, type=UTF8"`
	BountyID  string `parquet:"name=bounty_id, type=UTF8"`
	Actor     string `parquet:"name=actor, type=UTF8"`
	Recipient string `parquet:"name=recipient, type=UTF8"`
	Amount    string `parquet:"name=amount, type=UTF8"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
	Payload   string `parquet:"name=payload, type=UTF8"`
	PrevHash  string `parquet:"name=prev_hash, type=UTF8"`
	Hash      string `parquet:"name=hash, type=UTF8"`
}

func toParquetRow(rec *Record) *ParquetRow {
	row := &ParquetRow{
		Seq:       int64(rec.Seq),
		Type:      rec.Type,
		Actor:     rec.Actor,
		Recipient: rec.Recipient,
		Amount:    trimAmount(rec.Amount),
		Timestamp: rec.Timestamp,
		Payload:   rec.Payload,
		PrevHash:  rec.PrevHash,
		Hash:      rec.Hash,
	}
	if rec.BountyID != nil {
		row.BountyID = fmt.Sprintf("%d", *rec.BountyID)
	}
	return row
}

func trimAmount(padded string) string {
	for i := 0; i < len(padded)-1; i++ {
		if padded[i] != '0' {
			return padded[i:]
		}
	}
	if padded == "" {
		return ""
	}
	return padded[len(padded)-1:]
}

// ExportParquet writes every record matching f (ignoring f.Limit) to path and
// returns the number of rows written.
func (l *Log) ExportParquet(ctx context.Context, path string, f Filter) (int, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("eventlog: create export dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("eventlog: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(ParquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("eventlog: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	page := f
	page.Limit = maxLimit
	for {
		records, err := l.Query(ctx, page)
		if err != nil {
			pw.WriteStop()
			file.Close()
			return written, err
		}
		for i := range records {
			if err := pw.Write(toParquetRow(&records[i])); err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("eventlog: parquet write: %w", err)
			}
			written++
		}
		if len(records) < page.Limit {
			break
		}
		page.AfterSeq = records[len(records)-1].Seq
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("eventlog: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("eventlog: close parquet file: %w", err)
	}
	l.logger.Info("exported escrow events", "path", path, "rows", written)
	return written, nil
}
