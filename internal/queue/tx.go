package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

type txFn func(ctx context.Context, tx *sql.Tx) error

// runInTx commits when fn returns nil and rolls back on error or panic, so a
// bulk update is never left half applied.
func runInTx(ctx context.Context, db *sql.DB, logger zerolog.Logger, fn txFn) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error().Err(err).Msg("begin transaction")
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Error().Err(rbErr).Interface("panic", p).Msg("rollback after panic failed")
			}
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error().Err(rbErr).AnErr("original_error", err).Msg("rollback failed")
			return fmt.Errorf("rollback: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		logger.Error().Err(err).Msg("commit transaction")
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
