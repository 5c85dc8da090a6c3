package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"tickflow/internal/market"
	"tickflow/internal/store/codec"
)

// Segment file format (little-endian):
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
//
// One framed record per appended market record. The segment doubles as the
// write-ahead log for its partition: appends are flushed before they are
// acknowledged, and the index is rebuilt by replay on reopen.
const (
	segMagic         = 0x544B464C00534547 // "TKFL" + "SEG"
	segVersion       = 1
	segHeaderSize    = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	maxRecordSize    = 16 * 1024 * 1024
)

// segmentWriter appends framed records to a partition segment file.
type segmentWriter struct {
	path  string
	file  *os.File
	w     *bufio.Writer
	size  int64
	fsync bool
}

// openSegmentWriter opens a segment for appending, creating it (with header)
// if it does not exist. Existing records are replayed through onRecord to
// rebuild the caller's index before the file is positioned for append.
func openSegmentWriter(path string, fsync bool, onRecord func(rec market.Record, crc uint32)) (*segmentWriter, error) {
	if _, err := os.Stat(path); err == nil {
		if err := replaySegment(path, onRecord); err != nil {
			return nil, fmt.Errorf("replay segment %s: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open segment: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat segment: %w", err)
		}
		return &segmentWriter{
			path:  path,
			file:  f,
			w:     bufio.NewWriter(f),
			size:  info.Size(),
			fsync: fsync,
		}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [segHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], segMagic)
	binary.LittleEndian.PutUint32(header[8:12], segVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write segment header: %w", err)
	}

	return &segmentWriter{
		path:  path,
		file:  f,
		w:     bufio.NewWriter(f),
		size:  segHeaderSize,
		fsync: fsync,
	}, nil
}

// append frames and writes one encoded record, flushing before returning so
// an acknowledged append survives a process crash.
func (s *segmentWriter) append(payload []byte, crc uint32) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc)

	if _, err := s.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.fsync {
		if err := s.file.Sync(); err != nil {
			return err
		}
	}

	s.size += int64(recordHeaderSize + len(payload))
	return nil
}

// close flushes and closes the segment file.
func (s *segmentWriter) close() error {
	if s.w != nil {
		if err := s.w.Flush(); err != nil {
			s.file.Close()
			return err
		}
	}
	return s.file.Close()
}

// replaySegment reads every framed record in a segment, invoking onRecord for
// each. A truncated trailing record (torn write) ends the replay silently;
// any other corruption is an error.
func replaySegment(path string, onRecord func(rec market.Record, crc uint32)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	var header [segHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != segMagic {
		return fmt.Errorf("invalid magic: expected %x, got %x", uint64(segMagic), magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != segVersion {
		return fmt.Errorf("unsupported segment version: %d", version)
	}

	for {
		var recHeader [recordHeaderSize]byte
		if _, err := io.ReadFull(f, recHeader[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("read record header: %w", err)
		}

		length := binary.LittleEndian.Uint32(recHeader[0:4])
		expectedCRC := binary.LittleEndian.Uint32(recHeader[4:8])
		if length > maxRecordSize {
			return fmt.Errorf("record too large: %d bytes", length)
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Torn trailing write; everything before it is intact.
				return nil
			}
			return fmt.Errorf("read payload: %w", err)
		}

		if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
			return fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actual)
		}

		rec, err := codec.Decode(payload)
		if err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if onRecord != nil {
			onRecord(rec, expectedCRC)
		}
	}
}

// readSegment reads all records from a segment file.
func readSegment(path string) ([]market.Record, error) {
	var records []market.Record
	err := replaySegment(path, func(rec market.Record, _ uint32) {
		records = append(records, rec)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
