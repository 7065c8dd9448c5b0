package markov

import (
	"regexp"
	"strings"
)

// WordTokenizer is a reversible word-level tokenizer. It splits text
// into word tokens and contiguous punctuation runs, and can join a token
// sequence back into text with punctuation attached to the preceding
// word. Its behavior can be customized with functional options.
type WordTokenizer struct {
	tokenRegex         *regexp.Regexp
	noSpaceBeforeRegex *regexp.Regexp
}

// TokenizerOption configures a WordTokenizer.
type TokenizerOption func(*WordTokenizer)

// WithTokenPattern sets the regex used to extract tokens from input text.
// Default: `[\w']+|[^\w\s]+`
func WithTokenPattern(expr string) TokenizerOption {
	return func(t *WordTokenizer) {
		t.tokenRegex = regexp.MustCompile(expr)
	}
}

// WithNoSpaceBefore sets the regex deciding which tokens attach directly
// to the preceding token during detokenization.
// Default: `^[.,!?;:)\]}]`
func WithNoSpaceBefore(expr string) TokenizerOption {
	return func(t *WordTokenizer) {
		t.noSpaceBeforeRegex = regexp.MustCompile(expr)
	}
}

// NewWordTokenizer creates a tokenizer with default settings, which can
// be overridden by providing one or more TokenizerOption functions.
func NewWordTokenizer(opts ...TokenizerOption) *WordTokenizer {
	t := &WordTokenizer{
		// Word runs (including internal apostrophes) or runs of
		// anything that is neither a word character nor whitespace.
		tokenRegex: regexp.MustCompile(`[\w']+|[^\w\s]+`),
		// Closing punctuation attaches to the preceding word.
		noSpaceBeforeRegex: regexp.MustCompile(`^[.,!?;:)\]}]`),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tokenize splits text into tokens. It is pure and deterministic, and
// returns an empty slice for empty or whitespace-only input.
func (t *WordTokenizer) Tokenize(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return t.tokenRegex.FindAllString(text, -1)
}

// Detokenize joins tokens back into text. Every token is preceded by a
// space except the first and those matching the no-space-before rule,
// which makes Detokenize the left inverse of Tokenize up to whitespace
// normalization. The reserved <START> and <END> tokens are dropped.
func (t *WordTokenizer) Detokenize(tokens []string) string {
	var b strings.Builder
	first := true
	for _, tok := range tokens {
		if tok == StartToken || tok == EndToken {
			continue
		}
		if !first && !t.noSpaceBeforeRegex.MatchString(tok) {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
		first = false
	}
	return b.String()
}
