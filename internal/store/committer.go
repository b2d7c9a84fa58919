package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xtxerr/corral/internal/ingest"
	"github.com/xtxerr/corral/internal/storage/types"
)

// =============================================================================
// Committed Batch Persistence
// =============================================================================

var _ ingest.Committer = (*Store)(nil)

// Row is one persisted measurement field. A measurement with N fields
// (plus its timestamp) becomes N rows sharing (db, coll, bucket_id, seq).
type Row struct {
	DB          string
	Coll        string
	BucketID    string
	MetaKey     string
	Seq         int
	TimestampMs int64
	Field       string
	ValueFloat  *float64
	ValueInt    *int64
	ValueBool   *bool
	ValueText   *string
}

// maxRowsPerInsert is the number of rows per multi-row INSERT statement.
// 11 columns * 90 rows keeps us under DuckDB's parameter limits.
const maxRowsPerInsert = 90

// CommitBatch persists one coalesced batch: the measurement rows plus the
// batch's new-field registrations, in a single transaction.
func (s *Store) CommitBatch(ctx context.Context, c ingest.Commit) error {
	rows := flattenCommit(c)

	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		for i := 0; i < len(rows); i += maxRowsPerInsert {
			end := i + maxRowsPerInsert
			if end > len(rows) {
				end = len(rows)
			}
			query, args := buildRowInsert(rows[i:end])
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert rows chunk %d: %w", i/maxRowsPerInsert, err)
			}
		}

		if len(c.NewFields) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bucket_fields (db, coll, bucket_id, field)
			VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare field registration: %w", err)
		}
		defer stmt.Close()

		for _, f := range c.NewFields {
			if _, err := stmt.ExecContext(ctx,
				c.Namespace.DB, c.Namespace.Coll, c.Bucket.String(), f); err != nil {
				return fmt.Errorf("register field %s: %w", f, err)
			}
		}
		return nil
	})
}

// flattenCommit turns a commit's measurements into field rows. Sequence
// numbers continue from the bucket's previously committed count so replays
// of the same bucket never collide.
func flattenCommit(c ingest.Commit) []Row {
	base := Row{
		DB:       c.Namespace.DB,
		Coll:     c.Namespace.Coll,
		BucketID: c.Bucket.String(),
		MetaKey:  c.Meta.Key(),
	}

	rows := make([]Row, 0, len(c.Measurements)*4)
	for i, m := range c.Measurements {
		for _, name := range m.FieldNames() {
			if name == types.TimeField {
				continue
			}
			r := base
			r.Seq = c.NumPreviouslyCommitted + i
			r.TimestampMs = m.Time.UnixMilli()
			r.Field = name

			switch v := m.Fields[name].(type) {
			case float64:
				r.ValueFloat = &v
			case int64:
				r.ValueInt = &v
			case bool:
				r.ValueBool = &v
			case string:
				r.ValueText = &v
			}
			rows = append(rows, r)
		}
	}
	return rows
}

// buildRowInsert builds a multi-row INSERT for a chunk of rows.
func buildRowInsert(rows []Row) (string, []interface{}) {
	const columnsPerRow = 11

	args := make([]interface{}, 0, len(rows)*columnsPerRow)

	var query strings.Builder
	query.Grow(200 + len(rows)*30)
	query.WriteString(`INSERT INTO measurements (db, coll, bucket_id, meta_key, seq,
		timestamp_ms, field, value_float, value_int, value_bool, value_text) VALUES `)

	for i, r := range rows {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?,?,?,?,?,?,?,?)")

		args = append(args,
			r.DB,
			r.Coll,
			r.BucketID,
			r.MetaKey,
			r.Seq,
			r.TimestampMs,
			r.Field,
			r.ValueFloat,
			r.ValueInt,
			r.ValueBool,
			r.ValueText,
		)
	}

	return query.String(), args
}

// =============================================================================
// Row Queries
// =============================================================================

// RowsBefore returns up to limit rows older than beforeMs, oldest first.
// Used by the archiver to page cold rows out to Parquet.
func (s *Store) RowsBefore(ctx context.Context, beforeMs int64, limit int) ([]Row, error) {
	query := `
		SELECT db, coll, bucket_id, meta_key, seq, timestamp_ms, field,
		       value_float, value_int, value_bool, value_text
		FROM measurements
		WHERE timestamp_ms < ?
		ORDER BY timestamp_ms ASC
	`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	sqlRows, err := s.db.QueryContext(ctx, query, beforeMs)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer sqlRows.Close()

	capacity := limit
	if capacity <= 0 {
		capacity = 100
	}
	rows := make([]Row, 0, capacity)

	for sqlRows.Next() {
		var r Row
		var vf sql.NullFloat64
		var vi sql.NullInt64
		var vb sql.NullBool
		var vt sql.NullString

		if err := sqlRows.Scan(
			&r.DB, &r.Coll, &r.BucketID, &r.MetaKey, &r.Seq, &r.TimestampMs, &r.Field,
			&vf, &vi, &vb, &vt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if vf.Valid {
			r.ValueFloat = &vf.Float64
		}
		if vi.Valid {
			r.ValueInt = &vi.Int64
		}
		if vb.Valid {
			r.ValueBool = &vb.Bool
		}
		if vt.Valid {
			r.ValueText = &vt.String
		}

		rows = append(rows, r)
	}

	return rows, sqlRows.Err()
}

// DeleteRowsBefore deletes rows older than beforeMs and returns the count.
func (s *Store) DeleteRowsBefore(ctx context.Context, beforeMs int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM measurements WHERE timestamp_ms < ?`, beforeMs)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountRows returns the number of persisted measurement rows.
func (s *Store) CountRows(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM measurements`).Scan(&count)
	return count, err
}

// BucketFields returns the registered field names for a bucket, sorted.
func (s *Store) BucketFields(ctx context.Context, ns types.Namespace, bucketID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field FROM bucket_fields
		WHERE db = ? AND coll = ? AND bucket_id = ?
		ORDER BY field
	`, ns.DB, ns.Coll, bucketID)
	if err != nil {
		return nil, fmt.Errorf("query bucket fields: %w", err)
	}
	defer rows.Close()

	var fields []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}
