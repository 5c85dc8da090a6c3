package store

import (
	"sort"

	"tickflow/internal/market"
	"tickflow/internal/store/parquet"
)

// Cursor iterates records in [startUs, endUs) across partitions in timestamp
// order. Partitions are loaded one at a time so a range spanning many days
// never holds more than one partition in memory.
type Cursor struct {
	partitions []PartitionInfo
	startUs    int64
	endUs      int64

	nextPart int
	buf      []market.Record
	bufPos   int
	cur      market.Record
	err      error
	closed   bool
}

func newCursor(partitions []PartitionInfo, startUs, endUs int64) *Cursor {
	return &Cursor{
		partitions: partitions,
		startUs:    startUs,
		endUs:      endUs,
	}
}

// Next advances to the next record. It returns false when the range is
// exhausted or an error occurred; check Err after the loop.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}

	for {
		if c.bufPos < len(c.buf) {
			c.cur = c.buf[c.bufPos]
			c.bufPos++
			return true
		}
		if c.nextPart >= len(c.partitions) {
			return false
		}
		info := c.partitions[c.nextPart]
		c.nextPart++
		if err := c.load(info); err != nil {
			c.err = err
			return false
		}
	}
}

// load reads one partition, filters to the cursor range, and sorts.
func (c *Cursor) load(info PartitionInfo) error {
	var (
		records []market.Record
		err     error
	)
	switch info.State {
	case PartitionCompressed:
		records, err = parquet.ReadFile(info.ParquetPath, info.Class)
	default:
		records, err = readSegment(info.SegPath)
	}
	if err != nil {
		return err
	}

	c.buf = c.buf[:0]
	for _, rec := range records {
		if ts := rec.Ts(); ts >= c.startUs && ts < c.endUs {
			c.buf = append(c.buf, rec)
		}
	}
	sort.SliceStable(c.buf, func(i, j int) bool { return c.buf[i].Ts() < c.buf[j].Ts() })
	c.bufPos = 0
	return nil
}

// Record returns the record at the current position.
func (c *Cursor) Record() market.Record {
	return c.cur
}

// Err returns the first error encountered during iteration.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the cursor. Safe to call more than once.
func (c *Cursor) Close() error {
	c.closed = true
	c.buf = nil
	return nil
}
