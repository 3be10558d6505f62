package repository

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"

	defaultTxAttempts = 3
)

// Repositories exposes the repositories bound to one transaction.
type Repositories interface {
	Artifacts() *ArtifactRepository
	Reports() *ReportRepository
	Chunks() *ChunkRepository
}

// TxRunner runs index writes in serializable transactions so concurrent reanalyses of one
// artifact cannot both leave a current report version. Serialization failures are retried.
type TxRunner struct {
	pool     *pgxpool.Pool
	opts     pgx.TxOptions
	attempts int
}

func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{
		pool:     pool,
		opts:     pgx.TxOptions{IsoLevel: pgx.Serializable},
		attempts: defaultTxAttempts,
	}
}

// WithTx runs fn in a transaction, rerunning it from scratch when Postgres aborts the
// transaction for a serialization conflict or deadlock. fn must not have side effects outside
// the transaction.
func (r *TxRunner) WithTx(ctx context.Context, fn func(repos Repositories) error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.runOnce(ctx, fn)
		if !isRetryableTxError(err) || ctx.Err() != nil {
			return err
		}
		log.Printf("Retrying index transaction (attempt %d/%d): %v", attempt, r.attempts, err)
	}
	return err
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(repos Repositories) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, r.opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&txRepos{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}

type txRepos struct {
	tx pgx.Tx
}

func (r *txRepos) Artifacts() *ArtifactRepository {
	return NewArtifactRepositoryWithTx(r.tx)
}

func (r *txRepos) Reports() *ReportRepository {
	return NewReportRepositoryWithTx(r.tx)
}

func (r *txRepos) Chunks() *ChunkRepository {
	return NewChunkRepositoryWithTx(r.tx)
}
