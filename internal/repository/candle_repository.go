package repository

import (
	"context"
	"errors"
	"time"

	"crystal-ball/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

const createTables = `
CREATE TABLE IF NOT EXISTS candles (
    symbol      TEXT        NOT NULL,
    interval    TEXT        NOT NULL,
    open_time   TIMESTAMPTZ NOT NULL,
    open        NUMERIC     NOT NULL,
    high        NUMERIC     NOT NULL,
    low         NUMERIC     NOT NULL,
    close       NUMERIC     NOT NULL,
    volume      NUMERIC     NOT NULL,
    PRIMARY KEY (symbol, interval, open_time)
);

CREATE INDEX IF NOT EXISTS idx_candles_symbol_interval_time
    ON candles (symbol, interval, open_time DESC);

CREATE TABLE IF NOT EXISTS signal_analogs (
    id             BIGSERIAL   PRIMARY KEY,
    symbol         TEXT        NOT NULL,
    signal_value   DOUBLE PRECISION NOT NULL,
    direction      INT         NOT NULL,
    occurred_at    TIMESTAMPTZ NOT NULL,
    horizon_hours  INT         NOT NULL,
    forward_return DOUBLE PRECISION,
    matured_at     TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_signal_analogs_lookup
    ON signal_analogs (symbol, horizon_hours, occurred_at DESC);

CREATE TABLE IF NOT EXISTS model_artifacts (
    id               BIGSERIAL   PRIMARY KEY,
    predictor        TEXT        NOT NULL,
    version          INT         NOT NULL,
    feature_spec     TEXT        NOT NULL,
    trained_from     TIMESTAMPTZ NOT NULL,
    trained_to       TIMESTAMPTZ NOT NULL,
    trained_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    hyperparams_json TEXT        NOT NULL DEFAULT '{}',
    metrics_json     TEXT        NOT NULL DEFAULT '{}',
    artifact_format  TEXT        NOT NULL,
    artifact_blob    BYTEA       NOT NULL,
    is_active        BOOLEAN     NOT NULL DEFAULT FALSE,
    activated_at     TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (predictor, version)
);
`

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CandleRepository stores OHLCV history and owns schema creation for the
// engine's tables.
type CandleRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewCandleRepository(pool PgxPool, tracer trace.Tracer) *CandleRepository {
	return &CandleRepository{pool: pool, tracer: tracer}
}

func (r *CandleRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "candle-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, createTables)
	return err
}

func (r *CandleRepository) UpsertCandles(ctx context.Context, candles []*domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	_, span := r.tracer.Start(ctx, "candle-repo.upsert-candles")
	defer span.End()

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(
			`INSERT INTO candles (symbol, interval, open_time, open, high, low, close, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
			     open = EXCLUDED.open,
			     high = EXCLUDED.high,
			     low = EXCLUDED.low,
			     close = EXCLUDED.close,
			     volume = EXCLUDED.volume`,
			c.Symbol, c.Interval, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range candles {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// GetCandles returns up to limit most recent candles, newest first.
func (r *CandleRepository) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]*domain.Candle, error) {
	_, span := r.tracer.Start(ctx, "candle-repo.get-candles")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT symbol, interval, open_time, open, high, low, close, volume
		 FROM candles
		 WHERE symbol = $1 AND interval = $2
		 ORDER BY open_time DESC
		 LIMIT $3`,
		symbol, interval, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandles(rows)
}

func (r *CandleRepository) GetCandlesInRange(ctx context.Context, symbol, interval string, from, to time.Time) ([]*domain.Candle, error) {
	_, span := r.tracer.Start(ctx, "candle-repo.get-candles-in-range")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT symbol, interval, open_time, open, high, low, close, volume
		 FROM candles
		 WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4
		 ORDER BY open_time DESC`,
		symbol, interval, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandles(rows)
}

// CloseAt returns the first close at or after the given time, used to resolve
// the realized forward return of a matured analog.
func (r *CandleRepository) CloseAt(ctx context.Context, symbol, interval string, at time.Time) (float64, error) {
	_, span := r.tracer.Start(ctx, "candle-repo.close-at")
	defer span.End()

	var close float64
	err := r.pool.QueryRow(ctx,
		`SELECT close FROM candles
		 WHERE symbol = $1 AND interval = $2 AND open_time >= $3
		 ORDER BY open_time ASC
		 LIMIT 1`,
		symbol, interval, at.UTC(),
	).Scan(&close)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, pgx.ErrNoRows
		}
		return 0, err
	}
	return close, nil
}

func scanCandles(rows pgx.Rows) ([]*domain.Candle, error) {
	var candles []*domain.Candle
	for rows.Next() {
		c := &domain.Candle{}
		if err := rows.Scan(&c.Symbol, &c.Interval, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}
