package parquet

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"tickflow/internal/market"
)

// WriteFile writes records of one data class into a parquet file at path.
// The file is written to a temp name and renamed into place so a crash
// mid-compression never leaves a truncated parquet file behind. Returns
// the number of rows written.
func WriteFile(path string, class market.DataClass, records []market.Record) (int64, error) {
	switch class {
	case market.ClassTick:
		rows := make([]TickRow, 0, len(records))
		for _, rec := range records {
			t, ok := rec.(*market.Tick)
			if !ok {
				return 0, fmt.Errorf("parquet: record %T in tick partition", rec)
			}
			rows = append(rows, tickToRow(t))
		}
		return writeRows(path, rows)
	case market.ClassDepth:
		rows := make([]DepthRow, 0, len(records))
		for _, rec := range records {
			d, ok := rec.(*market.DepthSnapshot)
			if !ok {
				return 0, fmt.Errorf("parquet: record %T in depth partition", rec)
			}
			rows = append(rows, depthToRow(d))
		}
		return writeRows(path, rows)
	case market.ClassMetric:
		rows := make([]MetricRow, 0, len(records))
		for _, rec := range records {
			m, ok := rec.(*market.OrderFlowMetric)
			if !ok {
				return 0, fmt.Errorf("parquet: record %T in metric partition", rec)
			}
			rows = append(rows, metricToRow(m))
		}
		return writeRows(path, rows)
	case market.ClassBar:
		rows := make([]BarRow, 0, len(records))
		for _, rec := range records {
			b, ok := rec.(*market.Bar)
			if !ok {
				return 0, fmt.Errorf("parquet: record %T in bar partition", rec)
			}
			rows = append(rows, barToRow(b))
		}
		return writeRows(path, rows)
	default:
		return 0, fmt.Errorf("parquet: unknown data class %v", class)
	}
}

// ReadFile reads all records of one data class from a parquet file.
func ReadFile(path string, class market.DataClass) ([]market.Record, error) {
	switch class {
	case market.ClassTick:
		rows, err := readRows[TickRow](path)
		if err != nil {
			return nil, err
		}
		out := make([]market.Record, len(rows))
		for i := range rows {
			out[i] = rowToTick(&rows[i])
		}
		return out, nil
	case market.ClassDepth:
		rows, err := readRows[DepthRow](path)
		if err != nil {
			return nil, err
		}
		out := make([]market.Record, len(rows))
		for i := range rows {
			out[i] = rowToDepth(&rows[i])
		}
		return out, nil
	case market.ClassMetric:
		rows, err := readRows[MetricRow](path)
		if err != nil {
			return nil, err
		}
		out := make([]market.Record, len(rows))
		for i := range rows {
			out[i] = rowToMetric(&rows[i])
		}
		return out, nil
	case market.ClassBar:
		rows, err := readRows[BarRow](path)
		if err != nil {
			return nil, err
		}
		out := make([]market.Record, len(rows))
		for i := range rows {
			out[i] = rowToBar(&rows[i])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parquet: unknown data class %v", class)
	}
}

// NumRows returns the row count of a parquet file without materializing it.
func NumRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return 0, fmt.Errorf("open parquet: %w", err)
	}
	return pf.NumRows(), nil
}

func writeRows[T any](path string, rows []T) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	w := parquet.NewGenericWriter[T](f, parquet.Compression(&parquet.Zstd))

	var written int64
	for off := 0; off < len(rows); {
		n, err := w.Write(rows[off:])
		if err != nil {
			w.Close()
			f.Close()
			os.Remove(tmp)
			return 0, fmt.Errorf("write rows: %w", err)
		}
		off += n
		written += int64(n)
	}

	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("rename: %w", err)
	}
	return written, nil
}

func readRows[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[T](f)
	defer r.Close()

	rows := make([]T, r.NumRows())
	if len(rows) == 0 {
		return rows, nil
	}

	read := 0
	for read < len(rows) {
		n, err := r.Read(rows[read:])
		read += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
	}
	return rows[:read], nil
}
