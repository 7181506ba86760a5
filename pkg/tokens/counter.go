// Package tokens counts prompt tokens with tiktoken.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens with the cl100k_base encoding. Provider tokenizers differ;
// cl100k is used as a shared approximation for every model.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a cl100k_base counter.
func NewCounter() (*Counter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &Counter{codec: codec}, nil
}

// Approximate returns a counter that always uses the 4-characters-per-token estimate.
func Approximate() *Counter {
	return &Counter{}
}

// MustCounter returns a tiktoken counter, or the approximation if the codec fails to load.
func MustCounter() *Counter {
	c, err := NewCounter()
	if err != nil {
		return Approximate()
	}
	return c
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return estimate(text)
	}
	count, err := c.codec.Count(text)
	if err != nil {
		return estimate(text)
	}
	return count
}

// Fits reports whether text plus reserve tokens fits into limit.
func (c *Counter) Fits(text string, reserve, limit int) bool {
	return c.Count(text)+reserve <= limit
}

// estimate is the 4 chars per token fallback, rounded up.
func estimate(text string) int {
	return (len(text) + 3) / 4
}
