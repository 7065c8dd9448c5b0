package markov

import "errors"

var (
	// ErrStateNotFound is returned when a state has no transitions in the
	// model. Callers can recover by backing off to a shorter seed suffix
	// or to the <START> state; Model.Generate does this automatically.
	ErrStateNotFound = errors.New("markov: state not found")

	// ErrNoTrainingData is returned by generation when the model holds no
	// transitions at all. Training is unaffected by this condition.
	ErrNoTrainingData = errors.New("markov: model has no training data")

	// ErrCorruptData is returned when a distribution blob or model
	// snapshot is corrupt or truncated. Store reads treat rows that fail
	// to decode as absent instead of propagating this upward.
	ErrCorruptData = errors.New("markov: corrupt or truncated data")

	// ErrInvalidOrder is returned when a model order is outside the
	// supported range.
	ErrInvalidOrder = errors.New("markov: order out of range")
)
