package markov

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	// StartToken is the reserved token used to pad the beginning of every
	// trained sequence, so seed lookups for short or empty contexts
	// always have a defined state to resolve to.
	StartToken = "<START>"
	// EndToken is the reserved token appended to every trained sequence,
	// giving the sampler a defined stopping state.
	EndToken = "<END>"

	// MinOrder and MaxOrder bound the supported n-gram state lengths.
	MinOrder = 2
	MaxOrder = 5
)

// Transition is a single (state, next token) count increment. Train
// returns one per observed n-gram so callers can persist them, and the
// store returns them when scanning the raw transition log.
type Transition struct {
	Order int
	State string
	Next  string
	Count int64
}

// StateEntry is a compacted, read-optimized per-state distribution as
// persisted by the store.
type StateEntry struct {
	Order      int
	State      string
	Dist       *Distribution
	TotalCount int64
	UpdatedAt  time.Time
}

// StateSource provides the persisted transition data a model needs to
// rebuild its in-memory table. It is implemented by the store package.
type StateSource interface {
	// CompactedStates returns every compacted entry for the given order.
	CompactedStates(ctx context.Context, order int) ([]StateEntry, error)
	// RawTransitions returns every raw transition row for the given
	// order. An order of 0 selects all orders.
	RawTransitions(ctx context.Context, order int) ([]Transition, error)
}

// Model is an in-memory Markov transition table of fixed order. It is
// built by training, loaded from a store, or restored from a snapshot,
// and is sampled by Generate. A Model has a single logical owner;
// concurrent training and sampling must be serialized by the caller.
type Model struct {
	order       int
	transitions map[string]*Distribution
	logger      *slog.Logger
}

// NewModel creates an empty model with the given n-gram order. The order
// is fixed for the lifetime of the model and must be between MinOrder
// and MaxOrder.
func NewModel(order int) (*Model, error) {
	if order < MinOrder || order > MaxOrder {
		return nil, fmt.Errorf("%w: %d (want %d-%d)", ErrInvalidOrder, order, MinOrder, MaxOrder)
	}
	return &Model{
		order:       order,
		transitions: make(map[string]*Distribution),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// SetLogger sets the logger for the model. By default, all logs are
// discarded.
func (m *Model) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Order returns the model's fixed n-gram order.
func (m *Model) Order() int {
	return m.order
}

// Len returns the number of distinct states with at least one transition.
func (m *Model) Len() int {
	return len(m.transitions)
}

// stateKey serializes a state's token sequence into its storage key.
// Tokens never contain whitespace, so a single space is unambiguous.
func stateKey(tokens []string) string {
	return strings.Join(tokens, " ")
}

// Train slides a window of order+1 tokens over the sequence and
// increments the count for each (state, next token) pair. The sequence
// is padded with order StartTokens on the left and one EndToken on the
// right, so every non-empty sequence contributes transitions and the
// synthetic start state used for seed fallback is always trained.
// It returns the observed increments so the caller can persist them;
// an empty sequence trains nothing and returns nil.
func (m *Model) Train(tokens []string) []Transition {
	if len(tokens) == 0 {
		return nil
	}

	seq := make([]string, 0, len(tokens)+m.order+1)
	for i := 0; i < m.order; i++ {
		seq = append(seq, StartToken)
	}
	seq = append(seq, tokens...)
	seq = append(seq, EndToken)

	observed := make([]Transition, 0, len(seq)-m.order)
	for i := 0; i+m.order < len(seq); i++ {
		state := stateKey(seq[i : i+m.order])
		next := seq[i+m.order]
		m.add(state, next, 1)
		observed = append(observed, Transition{Order: m.order, State: state, Next: next, Count: 1})
	}
	return observed
}

// add accumulates a count for (state, next), creating the state's
// distribution on first sight.
func (m *Model) add(state, next string, count int64) {
	d, ok := m.transitions[state]
	if !ok {
		d = NewDistribution()
		m.transitions[state] = d
	}
	d.Add(next, count)
}

// Distribution returns the normalized next-token probabilities for a
// state. It returns ErrStateNotFound when the state has no transitions
// or its total count is zero; it never divides by zero.
func (m *Model) Distribution(state string) (map[string]float64, error) {
	d, ok := m.transitions[state]
	if !ok || d.Total() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrStateNotFound, state)
	}
	total := float64(d.Total())
	probs := make(map[string]float64, d.Len())
	for _, tok := range d.Tokens() {
		probs[tok] = float64(d.Count(tok)) / total
	}
	return probs, nil
}

// Export flattens the in-memory table into Transition increments, one
// per (state, next token) pair, suitable for persisting with
// AddTransitionBatch. States are emitted in lexical order.
func (m *Model) Export() []Transition {
	states := make([]string, 0, len(m.transitions))
	for state := range m.transitions {
		states = append(states, state)
	}
	sort.Strings(states)

	var out []Transition
	for _, state := range states {
		d := m.transitions[state]
		for _, tok := range d.Tokens() {
			out = append(out, Transition{Order: m.order, State: state, Next: tok, Count: d.Count(tok)})
		}
	}
	return out
}

// LoadFromStore replaces the model's in-memory transition table with
// every compacted entry and raw transition row matching the model's
// order, merging counts when the same (state, next) pair appears in both
// representations. It returns the number of distinct states loaded so
// callers can detect an empty model.
func (m *Model) LoadFromStore(ctx context.Context, src StateSource) (int, error) {
	compacted, err := src.CompactedStates(ctx, m.order)
	if err != nil {
		return 0, fmt.Errorf("could not load compacted states: %w", err)
	}
	raw, err := src.RawTransitions(ctx, m.order)
	if err != nil {
		return 0, fmt.Errorf("could not load raw transitions: %w", err)
	}

	m.transitions = make(map[string]*Distribution, len(compacted))
	for _, entry := range compacted {
		for _, tok := range entry.Dist.Tokens() {
			m.add(entry.State, tok, entry.Dist.Count(tok))
		}
	}
	for _, t := range raw {
		m.add(t.State, t.Next, t.Count)
	}

	m.logger.InfoContext(ctx, "Model loaded from store",
		slog.Int("order", m.order),
		slog.Int("compacted_states", len(compacted)),
		slog.Int("raw_rows", len(raw)),
		slog.Int("states_loaded", len(m.transitions)),
	)
	return len(m.transitions), nil
}
