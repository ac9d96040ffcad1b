// Package journal persists trade history to Postgres. Writes are
// best-effort: the trading path never blocks on, and never fails
// because of, the database.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/pulse-trading/pulse/internal/position"
)

const writeTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	mint           TEXT NOT NULL,
	name           TEXT NOT NULL,
	score          DOUBLE PRECISION NOT NULL,
	signature      TEXT NOT NULL,
	entry_price    DOUBLE PRECISION NOT NULL,
	current_price  DOUBLE PRECISION NOT NULL,
	amount_sol     NUMERIC NOT NULL,
	pnl_sol        NUMERIC NOT NULL,
	pnl_percent    DOUBLE PRECISION NOT NULL,
	status         TEXT NOT NULL,
	close_reason   TEXT,
	opened_at      TIMESTAMPTZ NOT NULL,
	closed_at      TIMESTAMPTZ
)`

// Journal writes positions to the trades table.
type Journal struct {
	pool *pgxpool.Pool
}

// Open connects, verifies the connection, and bootstraps the schema.
func Open(ctx context.Context, dsn string) (*Journal, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: bootstrap schema: %w", err)
	}
	return &Journal{pool: pool}, nil
}

// RecordOpen inserts a freshly opened position asynchronously.
func (j *Journal) RecordOpen(s position.Snapshot) {
	if j == nil {
		return
	}
	go j.write(s, `
		INSERT INTO trades (id, mint, name, score, signature, entry_price,
			current_price, amount_sol, pnl_sol, pnl_percent, status, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		func(s position.Snapshot) []any {
			return []any{s.ID, s.Mint, s.Name, s.Score, s.Signature, s.EntryPriceSOL,
				s.CurrentPriceSOL, s.AmountSOL, s.PnLSOL, s.PnLPct, s.Status, s.OpenedAt}
		})
}

// RecordClose updates the row with the final state asynchronously.
func (j *Journal) RecordClose(s position.Snapshot) {
	if j == nil {
		return
	}
	go j.write(s, `
		UPDATE trades SET current_price = $2, amount_sol = $3, pnl_sol = $4,
			pnl_percent = $5, status = $6, close_reason = $7, closed_at = $8
		WHERE id = $1`,
		func(s position.Snapshot) []any {
			return []any{s.ID, s.CurrentPriceSOL, s.AmountSOL, s.PnLSOL,
				s.PnLPct, s.Status, s.CloseReason, s.ClosedAt}
		})
}

func (j *Journal) write(s position.Snapshot, sql string, args func(position.Snapshot) []any) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := j.pool.Exec(ctx, sql, args(s)...); err != nil {
		log.Debug().Err(err).Str("id", s.ID).Msg("journal write dropped")
	}
}

// Close releases the connection pool.
func (j *Journal) Close() {
	if j != nil && j.pool != nil {
		j.pool.Close()
	}
}
