package registry

import (
	"context"
	"errors"
	"time"

	"crystal-ball/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository persists versioned model artifacts, one lineage per predictor.
// At most one version per predictor is active; activation flips atomically
// inside a transaction so readers never observe zero or two active rows.
type Repository struct {
	pool   pool
	tracer trace.Tracer
}

func NewRepository(pool pool, tracer trace.Tracer) *Repository {
	return &Repository{pool: pool, tracer: tracer}
}

func (r *Repository) NextVersion(ctx context.Context, predictor domain.PredictorID) (int, error) {
	_, span := r.tracer.Start(ctx, "model-registry.next-version")
	defer span.End()

	var version int
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM model_artifacts WHERE predictor = $1`, string(predictor)).Scan(&version)
	return version, err
}

func (r *Repository) Insert(ctx context.Context, artifact domain.ModelArtifact) (*domain.ModelArtifact, error) {
	_, span := r.tracer.Start(ctx, "model-registry.insert")
	defer span.End()

	if artifact.Predictor == "" || artifact.Version <= 0 {
		return nil, errors.New("invalid artifact payload")
	}
	var out domain.ModelArtifact
	err := r.pool.QueryRow(ctx, `
INSERT INTO model_artifacts (
    predictor, version, feature_spec,
    trained_from, trained_to, trained_at,
    hyperparams_json, metrics_json,
    artifact_format, artifact_blob,
    is_active, activated_at
) VALUES (
    $1, $2, $3,
    $4, $5, COALESCE($6, NOW()),
    $7, $8,
    $9, $10,
    $11, $12
)
RETURNING id, predictor, version, feature_spec,
          trained_from, trained_to, trained_at,
          hyperparams_json, metrics_json,
          artifact_format, artifact_blob,
          is_active, activated_at, created_at`,
		string(artifact.Predictor),
		artifact.Version,
		artifact.FeatureSpec,
		artifact.TrainedFrom.UTC(),
		artifact.TrainedTo.UTC(),
		nullIfZeroTime(artifact.TrainedAt),
		fallbackJSON(artifact.HyperparamsJSON),
		fallbackJSON(artifact.MetricsJSON),
		artifact.Format,
		artifact.Blob,
		artifact.IsActive,
		nullTime(artifact.ActivatedAt),
	).Scan(
		&out.ID,
		&out.Predictor,
		&out.Version,
		&out.FeatureSpec,
		&out.TrainedFrom,
		&out.TrainedTo,
		&out.TrainedAt,
		&out.HyperparamsJSON,
		&out.MetricsJSON,
		&out.Format,
		&out.Blob,
		&out.IsActive,
		&out.ActivatedAt,
		&out.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	normalizeTimes(&out)
	return &out, nil
}

// GetActive returns the active artifact of a predictor, or nil when none has
// been activated yet.
func (r *Repository) GetActive(ctx context.Context, predictor domain.PredictorID) (*domain.ModelArtifact, error) {
	_, span := r.tracer.Start(ctx, "model-registry.get-active")
	defer span.End()

	return r.getOne(ctx, `
SELECT id, predictor, version, feature_spec,
       trained_from, trained_to, trained_at,
       hyperparams_json, metrics_json,
       artifact_format, artifact_blob,
       is_active, activated_at, created_at
FROM model_artifacts
WHERE predictor = $1 AND is_active = TRUE
ORDER BY version DESC
LIMIT 1`, string(predictor))
}

func (r *Repository) GetLatest(ctx context.Context, predictor domain.PredictorID) (*domain.ModelArtifact, error) {
	_, span := r.tracer.Start(ctx, "model-registry.get-latest")
	defer span.End()

	return r.getOne(ctx, `
SELECT id, predictor, version, feature_spec,
       trained_from, trained_to, trained_at,
       hyperparams_json, metrics_json,
       artifact_format, artifact_blob,
       is_active, activated_at, created_at
FROM model_artifacts
WHERE predictor = $1
ORDER BY version DESC
LIMIT 1`, string(predictor))
}

// Activate marks one version active and deactivates the rest of the lineage.
func (r *Repository) Activate(ctx context.Context, predictor domain.PredictorID, version int) error {
	_, span := r.tracer.Start(ctx, "model-registry.activate")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE model_artifacts SET is_active = FALSE, activated_at = NULL WHERE predictor = $1`, string(predictor)); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE model_artifacts SET is_active = TRUE, activated_at = NOW() WHERE predictor = $1 AND version = $2`, string(predictor), version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return tx.Commit(ctx)
}

func (r *Repository) getOne(ctx context.Context, query string, arg any) (*domain.ModelArtifact, error) {
	var out domain.ModelArtifact
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&out.ID,
		&out.Predictor,
		&out.Version,
		&out.FeatureSpec,
		&out.TrainedFrom,
		&out.TrainedTo,
		&out.TrainedAt,
		&out.HyperparamsJSON,
		&out.MetricsJSON,
		&out.Format,
		&out.Blob,
		&out.IsActive,
		&out.ActivatedAt,
		&out.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	normalizeTimes(&out)
	return &out, nil
}

func normalizeTimes(artifact *domain.ModelArtifact) {
	artifact.TrainedFrom = artifact.TrainedFrom.UTC()
	artifact.TrainedTo = artifact.TrainedTo.UTC()
	artifact.TrainedAt = artifact.TrainedAt.UTC()
	artifact.CreatedAt = artifact.CreatedAt.UTC()
	if artifact.ActivatedAt != nil {
		t := artifact.ActivatedAt.UTC()
		artifact.ActivatedAt = &t
	}
}

func fallbackJSON(v string) string {
	if v == "" {
		return "{}"
	}
	return v
}

func nullIfZeroTime(v time.Time) any {
	if v.IsZero() {
		return nil
	}
	return v.UTC()
}

func nullTime(v *time.Time) any {
	if v == nil || v.IsZero() {
		return nil
	}
	return v.UTC()
}
