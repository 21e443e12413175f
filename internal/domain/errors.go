package domain

import "errors"

var (
	// ErrModelNotInitialized is returned by Predict when no trained snapshot
	// exists yet. Non-fatal to the ensemble: the predictor is excluded.
	ErrModelNotInitialized = errors.New("model not initialized")

	// ErrInsufficientHistory is returned by Train when the history window is
	// below the algorithm's minimum. Surfaced to the training caller only.
	ErrInsufficientHistory = errors.New("insufficient training history")

	// ErrAllModelsUnavailable is returned by the aggregator when zero
	// predictors produced a usable signal. Fatal to the aggregation call.
	ErrAllModelsUnavailable = errors.New("no ensemble models available")

	// ErrDataFetch marks an economic feature fetch failure. Recovered locally
	// by falling back to the last cached vector.
	ErrDataFetch = errors.New("economic data fetch failed")
)
