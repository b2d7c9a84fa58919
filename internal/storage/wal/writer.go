package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/xtxerr/corral/internal/errors"
	"github.com/xtxerr/corral/internal/metadata"
	"github.com/xtxerr/corral/internal/storage/types"
)

// Writer implements a write-ahead log for crash-safe measurement
// persistence. Each segment file contains a sequence of records with CRC
// checksums.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
type Writer struct {
	mu sync.Mutex

	dir            string
	currentSegment *os.File
	currentSize    int64
	segmentSeq     int64

	writer *bufio.Writer

	opts   Options
	closed bool

	stats WriterStats
}

// Options configures the WAL writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	// Default: 64MB
	MaxSegmentSize int64

	// SyncEveryWrite flushes and fsyncs after each appended record.
	// When false, records are flushed on rotation, Sync, and Close.
	SyncEveryWrite bool

	// BufferSize is the size of the write buffer. Default: 64KB
	BufferSize int
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 64 * 1024 * 1024,
		BufferSize:     64 * 1024,
	}
}

// WriterStats holds WAL writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	EntriesWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
}

const (
	walMagic         = 0x434f52574a4e4c01 // "CORWJNL" + version tag
	walVersion       = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	segmentSuffix    = ".wal"
)

// NewWriter creates a WAL writer rooted at dir, continuing after any
// existing segments.
func NewWriter(dir string, opts Options) (*Writer, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &Writer{dir: dir, opts: opts}

	seqs, err := listSegmentSeqs(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(seqs) > 0 {
		w.segmentSeq = seqs[len(seqs)-1] + 1
	}

	if err := w.rotateLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// Append journals a single insert. It satisfies the ingest Journal hook.
func (w *Writer) Append(ctx context.Context, ns types.Namespace, meta metadata.Metadata, m types.Measurement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.Write([]Entry{{Namespace: ns, Meta: meta, M: m}})
}

// Write journals a batch of entries as one CRC-framed record.
func (w *Writer) Write(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	payload, err := encodeEntries(entries)
	if err != nil {
		return fmt.Errorf("encode entries: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrClosed
	}

	if w.currentSize+int64(len(payload))+recordHeaderSize > w.opts.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return fmt.Errorf("write record header: %w", err)
	}
	if _, err := w.writer.Write(payload); err != nil {
		return fmt.Errorf("write record payload: %w", err)
	}

	written := int64(recordHeaderSize + len(payload))
	w.currentSize += written
	w.stats.RecordsWritten++
	w.stats.EntriesWritten += int64(len(entries))
	w.stats.BytesWritten += written

	if w.opts.SyncEveryWrite {
		return w.syncLocked()
	}
	return nil
}

// Sync flushes buffered records and fsyncs the current segment.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.ErrClosed
	}
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := w.currentSegment.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	w.stats.SyncsPerformed++
	return nil
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := w.currentSegment.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return w.currentSegment.Close()
}

// Stats returns a copy of the writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Dir returns the WAL directory.
func (w *Writer) Dir() string {
	return w.dir
}

// ActiveSegmentSeq returns the sequence number of the segment currently
// being appended to. Replay after a restart must stop below it.
func (w *Writer) ActiveSegmentSeq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentSeq - 1
}

func (w *Writer) rotateLocked() error {
	if w.currentSegment != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flush old segment: %w", err)
		}
		if err := w.currentSegment.Sync(); err != nil {
			return fmt.Errorf("fsync old segment: %w", err)
		}
		if err := w.currentSegment.Close(); err != nil {
			return fmt.Errorf("close old segment: %w", err)
		}
	}

	path := filepath.Join(w.dir, segmentName(w.segmentSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return fmt.Errorf("write segment header: %w", err)
	}

	w.currentSegment = f
	w.currentSize = headerSize
	w.segmentSeq++
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.stats.SegmentsCreated++
	return nil
}

func segmentName(seq int64) string {
	return fmt.Sprintf("%016d%s", seq, segmentSuffix)
}

func listSegmentSeqs(dir string) ([]int64, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var seqs []int64
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Truncate removes all completed segments except the active one. Called
// after the catalog's contents have been durably committed downstream.
func (w *Writer) Truncate() error {
	w.mu.Lock()
	activeSeq := w.segmentSeq - 1
	dir := w.dir
	w.mu.Unlock()

	seqs, err := listSegmentSeqs(dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	for _, seq := range seqs {
		if seq >= activeSeq {
			continue
		}
		if err := os.Remove(filepath.Join(dir, segmentName(seq))); err != nil {
			return fmt.Errorf("remove segment %d: %w", seq, err)
		}
	}
	return nil
}
