package markov

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
)

// generateOptions is the immutable configuration for a single generation
// call, built once from the supplied GenerateOptions and never mutated
// mid-sampling.
type generateOptions struct {
	maxTokens         int
	temperature       float64
	topK              int
	recommendedTokens int
	loopWindow        int
	rng               *rand.Rand
}

// GenerateOption is a function that configures generation parameters.
// It's used as a variadic argument to Generate.
type GenerateOption func(*generateOptions)

// WithMaxTokens sets the hard ceiling on the number of generated tokens.
// Generation never returns a longer sequence regardless of any other
// setting.
func WithMaxTokens(n int) GenerateOption {
	return func(o *generateOptions) { o.maxTokens = n }
}

// WithTemperature adjusts the randomness of token selection. A value of
// 1.0 is standard weighted random selection, values > 1.0 flatten the
// distribution, and values <= 0 clamp to deterministic arg-max choice.
func WithTemperature(t float64) GenerateOption {
	return func(o *generateOptions) { o.temperature = t }
}

// WithTopK restricts the selection pool to the top k highest-count
// tokens at each step, with ties broken deterministically by the order
// tokens were first observed. A value of 0 disables the restriction.
func WithTopK(k int) GenerateOption {
	return func(o *generateOptions) { o.topK = k }
}

// WithRecommendedTokens sets a soft length target. As the generated
// length approaches and exceeds it, the weight of the EndToken is
// boosted so sequences tend to stop near the target. A value of 0
// disables the bias.
func WithRecommendedTokens(n int) GenerateOption {
	return func(o *generateOptions) { o.recommendedTokens = n }
}

// WithLoopWindow sets the window size for repetition detection:
// generation stops once the last n tokens exactly repeat the n tokens
// before them. A value of 0 disables the check.
func WithLoopWindow(n int) GenerateOption {
	return func(o *generateOptions) { o.loopWindow = n }
}

// WithRand sets the random source used for sampling, which makes
// generation reproducible. By default the shared global source is used.
func WithRand(src rand.Source) GenerateOption {
	return func(o *generateOptions) { o.rng = rand.New(src) }
}

// seedResolution names the outcome of seed state resolution.
type seedResolution int

const (
	// seedExactMatch: the order-length suffix of the seed context exists
	// in the model.
	seedExactMatch seedResolution = iota
	// seedOrderBackoff: a shorter suffix of the seed context, left-padded
	// with StartTokens, exists in the model.
	seedOrderBackoff
	// seedStartFallback: nothing matched; generation starts from the
	// synthetic all-StartToken state.
	seedStartFallback
)

func (r seedResolution) String() string {
	switch r {
	case seedExactMatch:
		return "exact_match"
	case seedOrderBackoff:
		return "order_backoff"
	default:
		return "start_fallback"
	}
}

// Generate samples a token sequence from the model starting at the
// resolved seed state. It does not mutate the model. Generation stops
// when the EndToken is drawn, the max-token ceiling is reached, a
// repeating loop is detected, or ctx is done (in which case the tokens
// generated so far are returned along with ctx.Err()).
//
// A model with no transitions at all returns ErrNoTrainingData.
func (m *Model) Generate(ctx context.Context, seed []string, opts ...GenerateOption) ([]string, error) {
	if len(m.transitions) == 0 {
		return nil, ErrNoTrainingData
	}

	o := generateOptions{
		maxTokens:   100,
		temperature: 1.0,
		topK:        0,
		loopWindow:  8,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxTokens < 0 {
		o.maxTokens = 0
	}

	state, resolution := m.resolveSeed(seed)
	m.logger.DebugContext(ctx, "Seed resolved",
		slog.String("resolution", resolution.String()),
		slog.String("state", stateKey(state)),
	)

	generated := make([]string, 0, o.maxTokens)
	for len(generated) < o.maxTokens {
		if err := ctx.Err(); err != nil {
			m.logger.DebugContext(ctx, "Generation cancelled",
				slog.Int("generated_length", len(generated)),
			)
			return generated, err
		}

		dist, ok := m.transitions[stateKey(state)]
		if !ok || dist.Total() == 0 {
			// Dead end in the chain.
			m.logger.DebugContext(ctx, "Generation terminated at dead end",
				slog.String("state", stateKey(state)),
				slog.Int("generated_length", len(generated)),
			)
			break
		}

		next := sampleNext(dist, len(generated), &o)
		if next == EndToken {
			break
		}
		generated = append(generated, next)
		state = append(state[1:], next)

		// The ceiling takes precedence when both would trip on this step.
		if o.loopWindow > 0 && len(generated) < o.maxTokens && repeatingTail(generated, o.loopWindow) {
			m.logger.DebugContext(ctx, "Generation terminated by loop detection",
				slog.Int("loop_window", o.loopWindow),
				slog.Int("generated_length", len(generated)),
			)
			break
		}
	}
	return generated, nil
}

// resolveSeed maps a seed context onto a trained state. It walks an
// explicit fallback chain: the exact order-length suffix of the seed,
// then progressively shorter suffixes left-padded with StartTokens, and
// finally the synthetic all-StartToken state. The returned slice is
// always exactly order tokens long and owned by the caller.
func (m *Model) resolveSeed(seed []string) ([]string, seedResolution) {
	longest := len(seed)
	if longest > m.order {
		longest = m.order
	}
	for k := longest; k >= 1; k-- {
		candidate := m.padStart(seed[len(seed)-k:])
		if _, ok := m.transitions[stateKey(candidate)]; ok {
			if k == longest {
				return candidate, seedExactMatch
			}
			return candidate, seedOrderBackoff
		}
	}
	return m.padStart(nil), seedStartFallback
}

// padStart left-pads tokens with StartTokens up to the model order.
func (m *Model) padStart(tokens []string) []string {
	state := make([]string, 0, m.order)
	for i := len(tokens); i < m.order; i++ {
		state = append(state, StartToken)
	}
	return append(state, tokens...)
}

// endBoost is the length-bias multiplier applied to the EndToken's raw
// probability mass: 1 + 5*sigmoid(0.2*(length - 0.8*recommended)).
// It stays near 1 well below 80% of the target, reaches roughly 6x at
// the target, and keeps growing beyond it.
func endBoost(currentLength, recommended int) float64 {
	x := 0.2 * (float64(currentLength) - 0.8*float64(recommended))
	sigmoid := 1.0 / (1.0 + math.Exp(-x))
	return 1.0 + 5.0*sigmoid
}

// candidate pairs a token with its current sampling weight.
type candidate struct {
	token  string
	weight float64
}

// sampleNext draws one next token from a state's distribution, applying
// the top-k restriction, length bias, and temperature scaling in that
// order. The restriction is computed on raw counts, so the length bias
// can never displace a genuinely higher-count token from the pool; it
// only reweights EndToken when EndToken survives the cut. Candidates
// are considered in the distribution's insertion order, which keeps
// tie-breaking deterministic.
func sampleNext(dist *Distribution, currentLength int, o *generateOptions) string {
	cands := make([]candidate, 0, dist.Len())
	for _, tok := range dist.Tokens() {
		cands = append(cands, candidate{token: tok, weight: float64(dist.Count(tok))})
	}

	// Top-k restriction on raw counts. A stable sort preserves insertion
	// order among equal weights. An empty result set falls back to
	// unrestricted.
	if o.topK > 0 && o.topK < len(cands) {
		restricted := make([]candidate, len(cands))
		copy(restricted, cands)
		sort.SliceStable(restricted, func(i, j int) bool {
			return restricted[i].weight > restricted[j].weight
		})
		restricted = restricted[:o.topK]
		if len(restricted) > 0 {
			cands = restricted
		}
	}

	// Length-biased stopping: boost the raw mass of EndToken when a
	// target is configured and the token is in the candidate pool.
	if o.recommendedTokens > 0 {
		for i := range cands {
			if cands[i].token == EndToken {
				cands[i].weight *= endBoost(currentLength, o.recommendedTokens)
			}
		}
	}

	// Temperature <= 0 clamps to the deterministic arg-max limit.
	if o.temperature <= 0 {
		best := cands[0]
		for _, c := range cands[1:] {
			if c.weight > best.weight {
				best = c
			}
		}
		return best.token
	}

	// Raise each weight to the power 1/temperature, computed in log
	// space with the max subtracted for numerical stability.
	if o.temperature != 1.0 {
		maxLog := math.Inf(-1)
		logs := make([]float64, len(cands))
		for i, c := range cands {
			logs[i] = math.Log(c.weight) / o.temperature
			if logs[i] > maxLog {
				maxLog = logs[i]
			}
		}
		for i := range cands {
			cands[i].weight = math.Exp(logs[i] - maxLog)
		}
	}

	var total float64
	for _, c := range cands {
		total += c.weight
	}
	r := o.float64() * total
	for _, c := range cands {
		r -= c.weight
		if r < 0 {
			return c.token
		}
	}
	return cands[len(cands)-1].token
}

// float64 draws from the configured source, falling back to the shared
// global source.
func (o *generateOptions) float64() float64 {
	if o.rng != nil {
		return o.rng.Float64()
	}
	return rand.Float64()
}

// repeatingTail reports whether the last window tokens exactly repeat
// the window tokens before them.
func repeatingTail(tokens []string, window int) bool {
	if window <= 0 || len(tokens) < 2*window {
		return false
	}
	tail := tokens[len(tokens)-window:]
	prev := tokens[len(tokens)-2*window : len(tokens)-window]
	for i := range tail {
		if tail[i] != prev[i] {
			return false
		}
	}
	return true
}
