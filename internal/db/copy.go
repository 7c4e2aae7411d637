package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// copyBatchSize bounds the rows handed to a single COPY so a huge span or
// fact batch does not hold one server-side operation open for minutes.
const copyBatchSize = 10_000

// CopyFrom bulk-inserts rows with the PostgreSQL COPY protocol, chunked into
// batches. Span and fact writes go through this when a stage produces more
// rows than individual INSERTs are worth. Returns the total rows written; on
// error, rows from already-committed batches stay inserted.
func CopyFrom(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	var total int64
	for start := 0; start < len(rows); start += copyBatchSize {
		end := min(start+copyBatchSize, len(rows))
		n, err := pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows[start:end]))
		total += n
		if err != nil {
			return total, eris.Wrapf(err, "db: COPY INTO %s (rows %d-%d)", table, start, end)
		}
	}
	return total, nil
}
