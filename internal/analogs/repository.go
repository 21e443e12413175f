package analogs

import (
	"context"
	"errors"

	"crystal-ball/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores and retrieves historical signal analogs. An analog is a
// past ensemble signal occurrence plus the forward return that was realized
// over its horizon; matured analogs are the validator's sample population.
type Repository struct {
	pool   pool
	tracer trace.Tracer
}

func NewRepository(pool pool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

// Record persists a fresh signal occurrence with an unknown forward return.
func (r *Repository) Record(ctx context.Context, a domain.HistoricalAnalog) (int64, error) {
	_, span := r.tracer.Start(ctx, "signal-analogs.record")
	defer span.End()

	if a.Symbol == "" || a.HorizonHours <= 0 {
		return 0, errors.New("invalid analog payload")
	}
	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO signal_analogs (symbol, signal_value, direction, occurred_at, horizon_hours)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`,
		a.Symbol,
		a.SignalValue,
		a.Direction,
		a.OccurredAt.UTC(),
		a.HorizonHours,
	).Scan(&id)
	return id, err
}

// Match returns matured analogs whose signal falls within tolerance of the
// probe signal, newest first. Only rows whose horizon has fully elapsed and
// whose forward return has been filled are eligible.
func (r *Repository) Match(ctx context.Context, symbol string, signal, tolerance float64, lookbackDays, horizonHours int) ([]domain.HistoricalAnalog, error) {
	_, span := r.tracer.Start(ctx, "signal-analogs.match")
	defer span.End()

	rows, err := r.pool.Query(ctx, `
SELECT id, symbol, signal_value, direction, occurred_at, horizon_hours, forward_return
FROM signal_analogs
WHERE symbol = $1
  AND horizon_hours = $2
  AND forward_return IS NOT NULL
  AND ABS(signal_value - $3) <= $4
  AND occurred_at >= NOW() - ($5 || ' days')::interval
  AND occurred_at <= NOW() - ($2 || ' hours')::interval
ORDER BY occurred_at DESC`,
		symbol, horizonHours, signal, tolerance, lookbackDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnalogs(rows)
}

// ListUnmatured returns analogs whose horizon has elapsed but whose forward
// return is still unset. The maturation job fills these from candle history.
func (r *Repository) ListUnmatured(ctx context.Context, limit int) ([]domain.HistoricalAnalog, error) {
	_, span := r.tracer.Start(ctx, "signal-analogs.list-unmatured")
	defer span.End()

	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, symbol, signal_value, direction, occurred_at, horizon_hours, forward_return
FROM signal_analogs
WHERE forward_return IS NULL
  AND occurred_at <= NOW() - (horizon_hours || ' hours')::interval
ORDER BY occurred_at ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnalogs(rows)
}

// SetForwardReturn fills the realized return of a matured analog.
func (r *Repository) SetForwardReturn(ctx context.Context, id int64, forwardReturn float64) error {
	_, span := r.tracer.Start(ctx, "signal-analogs.set-forward-return")
	defer span.End()

	tag, err := r.pool.Exec(ctx, `
UPDATE signal_analogs SET forward_return = $2, matured_at = NOW()
WHERE id = $1 AND forward_return IS NULL`, id, forwardReturn)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CountMatured reports how many matured analogs exist for a symbol/horizon,
// regardless of signal bucket. Used for operational visibility.
func (r *Repository) CountMatured(ctx context.Context, symbol string, horizonHours int) (int, error) {
	_, span := r.tracer.Start(ctx, "signal-analogs.count-matured")
	defer span.End()

	var n int
	err := r.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM signal_analogs
WHERE symbol = $1 AND horizon_hours = $2 AND forward_return IS NOT NULL`,
		symbol, horizonHours).Scan(&n)
	return n, err
}

func scanAnalogs(rows pgx.Rows) ([]domain.HistoricalAnalog, error) {
	var out []domain.HistoricalAnalog
	for rows.Next() {
		var (
			a   domain.HistoricalAnalog
			ret *float64
		)
		if err := rows.Scan(&a.ID, &a.Symbol, &a.SignalValue, &a.Direction, &a.OccurredAt, &a.HorizonHours, &ret); err != nil {
			return nil, err
		}
		a.OccurredAt = a.OccurredAt.UTC()
		if ret != nil {
			a.ForwardReturn = *ret
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
