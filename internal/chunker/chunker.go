// Package chunker splits indexable text into overlapping windows for
// embedding and retrieval.
package chunker

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Config holds chunking parameters.
type Config struct {
	TargetChars  int      // target window size (default: 500)
	OverlapChars int      // overlap between consecutive windows (default: 50)
	Separators   []string // cut preferences, most preferred first
}

// DefaultConfig returns the default chunking configuration.
func DefaultConfig() Config {
	return Config{
		TargetChars:  500,
		OverlapChars: 50,
		Separators:   []string{"\n\n", "\n", ". ", " ", ""},
	}
}

// Piece is one chunk of a source text. Ordinals are contiguous from 0 in
// source order.
type Piece struct {
	Ordinal    int    `json:"ordinal"`
	Text       string `json:"text"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	TokenCount int    `json:"token_count,omitempty"`
}

// Chunker produces deterministic chunk sequences for a fixed configuration.
type Chunker struct {
	cfg       Config
	tokenizer *tiktoken.Tiktoken
}

// New creates a chunker. Token counts are zero unless NewWithTokenizer is
// used.
func New(cfg Config) *Chunker {
	if cfg.TargetChars <= 0 {
		cfg.TargetChars = 500
	}
	if cfg.OverlapChars < 0 || cfg.OverlapChars >= cfg.TargetChars {
		cfg.OverlapChars = 50
	}
	if len(cfg.Separators) == 0 {
		cfg.Separators = DefaultConfig().Separators
	}
	return &Chunker{cfg: cfg}
}

// NewWithTokenizer creates a chunker that annotates each piece with a
// cl100k_base token count.
func NewWithTokenizer(cfg Config) (*Chunker, error) {
	c := New(cfg)
	tokenizer, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tokenizer: %w", err)
	}
	c.tokenizer = tokenizer
	return c, nil
}

// Chunk splits text into overlapping pieces. The operation is pure and
// deterministic for a given configuration: identical text yields identical
// piece texts and ordinals. Whitespace-only windows are dropped and the
// ordinal sequence closed up.
func (c *Chunker) Chunk(text string) []Piece {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	target := c.cfg.TargetChars
	step := target - c.cfg.OverlapChars

	var pieces []Piece
	ordinal := 0

	for start := 0; start < len(text); {
		end := c.cutPoint(text, start)
		window := text[start:end]

		if strings.TrimSpace(window) != "" {
			p := Piece{
				Ordinal: ordinal,
				Text:    window,
				Start:   start,
				End:     end,
			}
			if c.tokenizer != nil {
				p.TokenCount = len(c.tokenizer.Encode(window, nil, nil))
			}
			pieces = append(pieces, p)
			ordinal++
		}

		if end >= len(text) {
			break
		}
		start += step
	}

	return pieces
}

// cutPoint finds where the window starting at start should end: the latest
// occurrence of the most preferred separator inside [target-50, target+50],
// or a hard cut at target when no separator lands there.
func (c *Chunker) cutPoint(text string, start int) int {
	target := c.cfg.TargetChars

	if start+target >= len(text) {
		return len(text)
	}

	lo := start + target - 50
	if lo < start+1 {
		lo = start + 1
	}
	hi := start + target + 50
	if hi > len(text) {
		hi = len(text)
	}

	for _, sep := range c.cfg.Separators {
		if sep == "" {
			break
		}
		// Latest occurrence whose separator ends within (lo, hi].
		idx := strings.LastIndex(text[lo:hi], sep)
		if idx < 0 {
			continue
		}
		cut := lo + idx + len(sep)
		if cut > start {
			return cut
		}
	}

	return start + target
}

// CountTokens returns the token count of text, or 0 when the chunker was
// built without a tokenizer.
func (c *Chunker) CountTokens(text string) int {
	if c.tokenizer == nil {
		return 0
	}
	return len(c.tokenizer.Encode(text, nil, nil))
}
