package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/weftdb/weft/internal/storage"
)

// Default sweep intervals.
const (
	DefaultExpirySweepInterval = 60 * time.Second
	DefaultLeaseSweepInterval  = 60 * time.Second
)

// StartSweepers launches the entry-expiry and queue-lease sweepers. They
// run until ctx is cancelled; sweep errors are logged and counted but
// never stop the loops. Zero intervals select the defaults.
func (s *Store) StartSweepers(ctx context.Context, expiryEvery, leaseEvery time.Duration) {
	if expiryEvery <= 0 {
		expiryEvery = DefaultExpirySweepInterval
	}
	if leaseEvery <= 0 {
		leaseEvery = DefaultLeaseSweepInterval
	}

	go s.sweepLoop(ctx, "expiry", expiryEvery, func(ctx context.Context) error {
		_, err := s.SweepExpired(ctx)
		return err
	})
	go s.sweepLoop(ctx, "lease", leaseEvery, func(ctx context.Context) error {
		_, err := s.RecoverLeases(ctx)
		return err
	})
}

func (s *Store) sweepLoop(ctx context.Context, name string, every time.Duration, sweep func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.closed.Load() {
				return
			}
			if err := sweep(ctx); err != nil {
				s.sweepErrors.Add(1)
				log.Printf("sqlite: %s sweep failed: %v", name, err)
			}
		}
	}
}

// SweepExpired lazily deletes entries whose deadline has passed, removing
// any FTS rows in the same transaction. Returns the number of rows
// removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	var deleted int64
	err := s.withWriteTx(ctx, func(conn *sql.Conn) error {
		now := s.nowUnix()
		rows, err := conn.QueryContext(ctx,
			"SELECT key FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?", now)
		if err != nil {
			return fmt.Errorf("failed to scan expired keys: %w", err)
		}
		var expired [][]byte
		for rows.Next() {
			var k []byte
			if err := rows.Scan(&k); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan key: %w", err)
			}
			expired = append(expired, k)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read keys: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}

		res, err := conn.ExecContext(ctx,
			"DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?", now)
		if err != nil {
			return fmt.Errorf("failed to delete expired rows: %w", err)
		}
		deleted, _ = res.RowsAffected()

		for _, encKey := range expired {
			if err := s.ftsDelete(ctx, conn, encKey); err != nil {
				return err
			}
		}
		return nil
	})
	return deleted, err
}

// SweepErrors returns the number of background sweep failures since open.
func (s *Store) SweepErrors() int64 { return s.sweepErrors.Load() }

// FlushMetrics upserts per-operation aggregates into the durable metrics
// table. Used by the optional metrics flusher.
func (s *Store) FlushMetrics(ctx context.Context, rows []storage.MetricRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withWriteTx(ctx, func(conn *sql.Conn) error {
		now := s.nowUnix()
		for _, r := range rows {
			_, err := conn.ExecContext(ctx,
				`INSERT INTO kv_metrics (op, count, errors, total_latency_ms, updated_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT(op) DO UPDATE SET count = excluded.count,
				 errors = excluded.errors, total_latency_ms = excluded.total_latency_ms,
				 updated_at = excluded.updated_at`,
				r.Op, r.Count, r.Errors, r.TotalLatencyMs, now)
			if err != nil {
				return fmt.Errorf("failed to flush metric %q: %w", r.Op, err)
			}
		}
		return nil
	})
}
