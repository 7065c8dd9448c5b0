// Package textproc provides training-time text normalization and
// filtering: PII-like spans are replaced with placeholder words, and
// messages that are too short, look like code, or were already seen are
// rejected before they reach the model.
package textproc

import (
	"regexp"
	"sync"

	"github.com/parakeet-chat/parakeet/pkg/markov"
)

// Placeholder words substituted for sensitive or structural spans. They
// are ordinary word tokens so they flow through the tokenizer unchanged.
const (
	URLPlaceholder     = "URL"
	EmailPlaceholder   = "EMAIL"
	MentionPlaceholder = "USER"
	PhonePlaceholder   = "PHONE"
)

// Processor normalizes and filters raw text ahead of training. It keeps
// a seen-message set for deduplication, so a single Processor should be
// shared across an ingest path.
type Processor struct {
	minTokens int
	tokenizer *markov.WordTokenizer

	urlRegex     *regexp.Regexp
	emailRegex   *regexp.Regexp
	mentionRegex *regexp.Regexp
	phoneRegex   *regexp.Regexp
	codeRegex    *regexp.Regexp

	mu   sync.Mutex
	seen map[string]struct{}
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithMinTokens sets the minimum token count a message must have to be
// eligible for training. Default: 3.
func WithMinTokens(n int) ProcessorOption {
	return func(p *Processor) { p.minTokens = n }
}

// NewProcessor creates a Processor that tokenizes with the given
// tokenizer.
func NewProcessor(tokenizer *markov.WordTokenizer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		minTokens:    3,
		tokenizer:    tokenizer,
		urlRegex:     regexp.MustCompile(`(?i)https?://\S+|www\.\S+`),
		emailRegex:   regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		mentionRegex: regexp.MustCompile(`<@\d+>|@\w+`),
		phoneRegex:   regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
		codeRegex:    regexp.MustCompile("```|^    |^\t|Traceback|File \"|Error:|Exception:"),
		seen:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Normalize replaces URLs, emails, mentions, and phone numbers with
// placeholder words. It is also applied to generated output before it
// leaves the process, so scrubbed spans can never be reproduced.
func (p *Processor) Normalize(text string) string {
	text = p.urlRegex.ReplaceAllString(text, URLPlaceholder)
	text = p.emailRegex.ReplaceAllString(text, EmailPlaceholder)
	text = p.mentionRegex.ReplaceAllString(text, MentionPlaceholder)
	text = p.phoneRegex.ReplaceAllString(text, PhonePlaceholder)
	return text
}

// ShouldTrain reports whether text is eligible for training: long
// enough, not a code block or stack trace, and not a duplicate of a
// previously accepted message.
func (p *Processor) ShouldTrain(text string) bool {
	if len(p.tokenizer.Tokenize(text)) < p.minTokens {
		return false
	}
	if p.codeRegex.MatchString(text) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.seen[text]; dup {
		return false
	}
	p.seen[text] = struct{}{}
	return true
}

// Preprocess runs the full pipeline: eligibility check, normalization,
// tokenization. It returns nil when the text should not be trained on.
func (p *Processor) Preprocess(text string) []string {
	if !p.ShouldTrain(text) {
		return nil
	}
	tokens := p.tokenizer.Tokenize(p.Normalize(text))
	if len(tokens) == 0 {
		return nil
	}
	return tokens
}
