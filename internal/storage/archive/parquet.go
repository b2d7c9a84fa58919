package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/corral/internal/store"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// CompressionLevel for algorithms that support it (zstd: 1-22)
	CompressionLevel int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:      CompressionZstd,
		CompressionLevel: 3,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// MeasurementRow represents a persisted measurement field in Parquet
// format.
type MeasurementRow struct {
	DB          string   `parquet:"db,zstd"`
	Coll        string   `parquet:"coll,zstd"`
	BucketID    string   `parquet:"bucket_id,zstd"`
	MetaKey     string   `parquet:"meta_key,zstd"`
	Seq         int32    `parquet:"seq"`
	TimestampMs int64    `parquet:"timestamp_ms"`
	Field       string   `parquet:"field,zstd"`
	ValueFloat  *float64 `parquet:"value_float,optional"`
	ValueInt    *int64   `parquet:"value_int,optional"`
	ValueBool   *bool    `parquet:"value_bool,optional"`
	ValueText   *string  `parquet:"value_text,optional,zstd"`
}

// StoreToRow converts a store row to a Parquet row.
func StoreToRow(r *store.Row) MeasurementRow {
	return MeasurementRow{
		DB:          r.DB,
		Coll:        r.Coll,
		BucketID:    r.BucketID,
		MetaKey:     r.MetaKey,
		Seq:         int32(r.Seq),
		TimestampMs: r.TimestampMs,
		Field:       r.Field,
		ValueFloat:  r.ValueFloat,
		ValueInt:    r.ValueInt,
		ValueBool:   r.ValueBool,
		ValueText:   r.ValueText,
	}
}

// RowToStore converts a Parquet row back to a store row.
func RowToStore(r *MeasurementRow) store.Row {
	return store.Row{
		DB:          r.DB,
		Coll:        r.Coll,
		BucketID:    r.BucketID,
		MetaKey:     r.MetaKey,
		Seq:         int(r.Seq),
		TimestampMs: r.TimestampMs,
		Field:       r.Field,
		ValueFloat:  r.ValueFloat,
		ValueInt:    r.ValueInt,
		ValueBool:   r.ValueBool,
		ValueText:   r.ValueText,
	}
}

// Writer writes measurement rows to a Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[MeasurementRow]
	rowCount int64
	closed   bool
}

// NewWriter creates a new measurement Parquet writer.
func NewWriter(path string, opts Options) (*Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}

	writer := parquet.NewGenericWriter[MeasurementRow](f, writerOpts...)

	return &Writer{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes rows to the Parquet file.
func (w *Writer) Write(rows []store.Row) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	prows := make([]MeasurementRow, len(rows))
	for i := range rows {
		prows[i] = StoreToRow(&rows[i])
	}

	n, err := w.writer.Write(prows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close closes the writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Reader reads measurement rows from a Parquet file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[MeasurementRow]
	path   string
}

// NewReader creates a new measurement Parquet reader.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	pf, err := parquet.OpenFile(f, info.Size(), parquet.ReadBufferSize(1024*1024))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	reader := parquet.NewGenericReader[MeasurementRow](pf)

	return &Reader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// ReadAll reads all rows from the file.
func (r *Reader) ReadAll() ([]store.Row, error) {
	numRows := r.reader.NumRows()
	prows := make([]MeasurementRow, numRows)

	n, err := r.reader.Read(prows)
	if err != nil && n == 0 {
		return nil, err
	}

	rows := make([]store.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = RowToStore(&prows[i])
	}

	return rows, nil
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")
