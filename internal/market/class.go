package market

import (
	"fmt"
	"time"
)

// DataClass identifies one of the four persisted record streams. Each class
// is stored in its own time-partitioned directory tree with an independent
// retention and compression policy.
type DataClass int

const (
	// ClassTick stores raw normalized ticks.
	ClassTick DataClass = iota

	// ClassDepth stores raw order-book depth snapshots.
	ClassDepth

	// ClassMetric stores computed order-flow metrics (one per symbol and
	// interval).
	ClassMetric

	// ClassBar stores 1-minute continuous-aggregate bars.
	ClassBar
)

// PartitionDuration is the fixed wall-clock span covered by one partition.
// Whole-partition retention and compression keep lifecycle cost independent
// of record count, so the unit is deliberately coarse.
const PartitionDuration = 24 * time.Hour

// partitionLayout is the time layout used for partition keys and filenames.
const partitionLayout = "2006-01-02"

// String returns the string representation of the data class.
func (c DataClass) String() string {
	switch c {
	case ClassTick:
		return "tick"
	case ClassDepth:
		return "depth"
	case ClassMetric:
		return "metric"
	case ClassBar:
		return "bar"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// ParseDataClass parses a string into a DataClass.
func ParseDataClass(s string) (DataClass, error) {
	switch s {
	case "tick":
		return ClassTick, nil
	case "depth":
		return ClassDepth, nil
	case "metric":
		return ClassMetric, nil
	case "bar":
		return ClassBar, nil
	default:
		return ClassTick, fmt.Errorf("unknown data class: %s", s)
	}
}

// AllClasses returns all data classes in declaration order.
func AllClasses() []DataClass {
	return []DataClass{ClassTick, ClassDepth, ClassMetric, ClassBar}
}

// TruncateToPartition truncates a microsecond timestamp to the start of its
// partition window (UTC day boundary).
func TruncateToPartition(tsUs int64) int64 {
	t := time.UnixMicro(tsUs).UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.UnixMicro()
}

// PartitionKey formats a partition start timestamp as its on-disk key.
func PartitionKey(startUs int64) string {
	return time.UnixMicro(startUs).UTC().Format(partitionLayout)
}

// ParsePartitionKey parses an on-disk partition key back into the partition
// start timestamp in microseconds.
func ParsePartitionKey(key string) (int64, error) {
	t, err := time.Parse(partitionLayout, key)
	if err != nil {
		return 0, fmt.Errorf("parse partition key %q: %w", key, err)
	}
	return t.UnixMicro(), nil
}

// Record is implemented by every persisted record type. The store treats
// records uniformly through this interface; encoding and schema are chosen
// by Class.
type Record interface {
	Class() DataClass
	Sym() string
	Ts() int64
}
