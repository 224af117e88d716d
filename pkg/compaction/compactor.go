package compaction

import (
	"github.com/aretw0/arbor/pkg/domain"
)

// Strategy selects how history is trimmed when it outgrows the budget.
type Strategy string

const (
	// SlidingWindow keeps the last N messages.
	SlidingWindow Strategy = "sliding_window"
	// TokenAware fills the token budget from the most recent message
	// backwards, always retaining the last N.
	TokenAware Strategy = "token_aware"
)

const (
	defaultMaxTokens = 8000
	defaultKeepLast  = 10

	// Rough estimate, one token per four characters plus a flat per-message
	// overhead for role framing.
	charsPerToken      = 4
	perMessageOverhead = 4
)

// Compactor trims conversation history to fit a context budget.
//
// System instructions never pass through here: they travel on the model
// request itself, so trimming can only ever drop user, assistant, and tool
// messages.
type Compactor struct {
	strategy  Strategy
	maxTokens int
	keepLast  int
}

// CompactorOption configures a Compactor.
type CompactorOption func(*Compactor)

// WithStrategy selects the trim strategy.
func WithStrategy(s Strategy) CompactorOption {
	return func(c *Compactor) {
		if s != "" {
			c.strategy = s
		}
	}
}

// WithMaxTokens sets the token budget that triggers trimming.
func WithMaxTokens(n int) CompactorOption {
	return func(c *Compactor) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// WithKeepLast sets how many recent messages are always retained.
func WithKeepLast(n int) CompactorOption {
	return func(c *Compactor) {
		if n > 0 {
			c.keepLast = n
		}
	}
}

// New creates a Compactor. Defaults: token-aware, 8000 tokens, keep last 10.
func New(opts ...CompactorOption) *Compactor {
	c := &Compactor{
		strategy:  TokenAware,
		maxTokens: defaultMaxTokens,
		keepLast:  defaultKeepLast,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EstimateTokens approximates the token footprint of messages.
func EstimateTokens(messages []domain.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/charsPerToken + perMessageOverhead
	}
	return total
}

// Trim returns the messages to keep. The input is never mutated; when no
// trimming is needed the input slice is returned as-is.
func (c *Compactor) Trim(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}
	if EstimateTokens(messages) <= c.maxTokens {
		return messages
	}

	var kept []domain.Message
	switch c.strategy {
	case SlidingWindow:
		kept = tail(messages, c.keepLast)
	default:
		kept = c.tokenAware(messages)
	}

	// A window must not open on an orphaned tool result.
	for len(kept) > 0 && kept[0].Role == domain.RoleTool {
		kept = kept[1:]
	}

	out := make([]domain.Message, len(kept))
	copy(out, kept)
	return out
}

func (c *Compactor) tokenAware(messages []domain.Message) []domain.Message {
	recent := tail(messages, c.keepLast)
	middle := messages[:len(messages)-len(recent)]

	budget := c.maxTokens - EstimateTokens(recent)

	// Fill the remaining budget from the newest middle message backwards.
	cut := len(middle)
	used := 0
	for i := len(middle) - 1; i >= 0; i-- {
		t := EstimateTokens(middle[i : i+1])
		if used+t > budget {
			break
		}
		used += t
		cut = i
	}

	out := make([]domain.Message, 0, len(middle)-cut+len(recent))
	out = append(out, middle[cut:]...)
	out = append(out, recent...)
	return out
}

func tail(messages []domain.Message, n int) []domain.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}
