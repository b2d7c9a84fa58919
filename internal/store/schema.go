package store

import (
	"context"
	"database/sql"
	"fmt"
)

// =============================================================================
// Schema Bootstrap
// =============================================================================

// migrateSchema creates the measurement tables.
//
// This is idempotent - safe to run multiple times.
//
// Tables:
//   - measurements: one row per measurement field, with nullable typed
//     value columns. The (db, coll, bucket_id, seq) tuple groups the rows
//     of one measurement back together.
//   - bucket_fields: field names registered per bucket, written from each
//     commit's new-field diff.
func migrateSchema(ctx context.Context, db *sql.DB) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "measurements",
			sql: `CREATE TABLE IF NOT EXISTS measurements (
				db VARCHAR NOT NULL,
				coll VARCHAR NOT NULL,
				bucket_id VARCHAR NOT NULL,
				meta_key VARCHAR NOT NULL,
				seq INTEGER NOT NULL,
				timestamp_ms BIGINT NOT NULL,
				field VARCHAR NOT NULL,
				value_float DOUBLE,
				value_int BIGINT,
				value_bool BOOLEAN,
				value_text VARCHAR,
				committed_at TIMESTAMP DEFAULT now()
			)`,
		},
		{
			name: "bucket_fields",
			sql: `CREATE TABLE IF NOT EXISTS bucket_fields (
				db VARCHAR NOT NULL,
				coll VARCHAR NOT NULL,
				bucket_id VARCHAR NOT NULL,
				field VARCHAR NOT NULL,
				registered_at TIMESTAMP DEFAULT now(),
				PRIMARY KEY (db, coll, bucket_id, field)
			)`,
		},
		{
			name: "idx_measurements_ns_ts",
			sql:  `CREATE INDEX IF NOT EXISTS idx_measurements_ns_ts ON measurements(db, coll, timestamp_ms)`,
		},
		{
			name: "idx_measurements_bucket",
			sql:  `CREATE INDEX IF NOT EXISTS idx_measurements_bucket ON measurements(bucket_id)`,
		},
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}
