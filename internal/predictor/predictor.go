package predictor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"crystal-ball/internal/domain"
)

// Input is the read-only payload for a single predict call.
type Input struct {
	// Rows is the chronological recent feature window, oldest first.
	Rows []domain.FeatureRow
	// CurrentPrice is the latest traded price for the asset.
	CurrentPrice float64
	// AsOf stamps the produced signal.
	AsOf time.Time
}

// Predictor is the uniform contract every base model implements.
//
// Train builds a new immutable model snapshot without touching the snapshot
// currently serving Predict; the swap is atomic. Predict is a pure function
// of the snapshot and the input and must clamp its signal to [-1, 1].
type Predictor interface {
	ID() domain.PredictorID
	Train(ctx context.Context, history []domain.FeatureRow) (domain.TrainingDiagnostics, error)
	Predict(ctx context.Context, in Input) (domain.Signal, error)
	Info() domain.ModelInfo

	// MarshalArtifact serializes the current snapshot for the registry.
	MarshalArtifact() ([]byte, error)
	// RestoreArtifact publishes a snapshot deserialized from a stored artifact.
	RestoreArtifact(blob []byte, version int) error
}

// State owns a predictor's model snapshot. Readers observe a single
// consistent snapshot via an atomic pointer; Train publishes a replacement
// wholesale and serializes against itself per predictor.
type State[T any] struct {
	current atomic.Pointer[T]
	version atomic.Int64
	trainMu sync.Mutex
}

// Load returns the current snapshot, or nil before the first publish.
func (s *State[T]) Load() *T { return s.current.Load() }

// Version returns the version of the current snapshot.
func (s *State[T]) Version() int { return int(s.version.Load()) }

// Publish swaps in a new snapshot. In-flight readers keep the old one.
func (s *State[T]) Publish(snap *T, version int) {
	s.version.Store(int64(version))
	s.current.Store(snap)
}

// BeginTraining serializes retrains for this predictor. The returned func
// releases the training lock.
func (s *State[T]) BeginTraining() func() {
	s.trainMu.Lock()
	return s.trainMu.Unlock
}

// NewSignal stamps a clamped signal value for a predictor.
func NewSignal(id domain.PredictorID, value float64, asOf time.Time) domain.Signal {
	if value > 1 {
		value = 1
	}
	if value < -1 {
		value = -1
	}
	return domain.Signal{Source: id, Value: value, Timestamp: asOf.UTC()}
}
