package sink

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/perfstream/anomalyd/errs"
)

const insertRecordSQL = `
INSERT INTO provenance_records (id, program, rank, kind, io_step, seq, document)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// PostgresStore persists provenance documents into the provenance_records
// table, keyed by a store-assigned UUID. Inserts are rate limited so bursts
// of anomalies do not starve the database.
type PostgresStore struct {
	pool    *pgxpool.Pool
	program uint64
	rank    uint64
	limiter *rate.Limiter
}

// NewPostgresStore wraps a connection pool. A nil limiter disables pacing.
func NewPostgresStore(pool *pgxpool.Pool, program, rank uint64, limiter *rate.Limiter) *PostgresStore {
	return &PostgresStore{pool: pool, program: program, rank: rank, limiter: limiter}
}

// Write stores one batch inside a transaction, preserving record order via
// the sequence column.
func (s *PostgresStore) Write(ctx context.Context, batch Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return errs.New("sink/postgres", errs.KindTransientIO, errs.WithCause(err))
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.New("sink/postgres", errs.KindTransientIO,
			errs.WithMessage("begin failed"),
			errs.WithCause(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	pending := &pgx.Batch{}
	for seq, record := range batch.Records {
		pending.Queue(insertRecordSQL,
			uuid.NewString(), s.program, s.rank, string(batch.Kind), batch.Step, seq, []byte(record))
	}
	results := tx.SendBatch(ctx, pending)
	for range batch.Records {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return errs.New("sink/postgres", errs.KindTransientIO,
				errs.WithMessage("insert failed"),
				errs.WithField("kind", string(batch.Kind)),
				errs.WithCause(err))
		}
	}
	if err := results.Close(); err != nil {
		return errs.New("sink/postgres", errs.KindTransientIO, errs.WithCause(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.New("sink/postgres", errs.KindTransientIO,
			errs.WithMessage("commit failed"),
			errs.WithCause(err))
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
