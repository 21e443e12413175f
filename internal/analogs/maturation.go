package analogs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crystal-ball/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

type priceSource interface {
	CloseAt(ctx context.Context, symbol, interval string, at time.Time) (float64, error)
}

type analogStore interface {
	ListUnmatured(ctx context.Context, limit int) ([]domain.HistoricalAnalog, error)
	SetForwardReturn(ctx context.Context, id int64, forwardReturn float64) error
}

// Maturation fills realized forward returns for analogs whose horizon has
// elapsed. Analogs missing price data are skipped and retried on the next
// pass.
type Maturation struct {
	store    analogStore
	prices   priceSource
	interval string
	tracer   trace.Tracer
}

func NewMaturation(store analogStore, prices priceSource, interval string, tracer trace.Tracer) *Maturation {
	if interval == "" {
		interval = "1h"
	}
	return &Maturation{store: store, prices: prices, interval: interval, tracer: tracer}
}

// Resolve matures up to limit analogs and returns how many were filled.
func (m *Maturation) Resolve(ctx context.Context, limit int) (int, error) {
	ctx, span := m.tracer.Start(ctx, "analog-maturation.resolve")
	defer span.End()

	pending, err := m.store.ListUnmatured(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unmatured analogs: %w", err)
	}

	resolved := 0
	for _, a := range pending {
		startClose, err := m.prices.CloseAt(ctx, a.Symbol, m.interval, a.OccurredAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return resolved, err
		}
		endClose, err := m.prices.CloseAt(ctx, a.Symbol, m.interval, a.OccurredAt.Add(time.Duration(a.HorizonHours)*time.Hour))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return resolved, err
		}
		if startClose <= 0 {
			continue
		}
		if err := m.store.SetForwardReturn(ctx, a.ID, (endClose-startClose)/startClose); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}
