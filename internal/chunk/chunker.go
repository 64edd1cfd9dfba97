// Package chunk splits cleaned document text into token-bounded chunks for
// embedding. Splitting prefers semantic boundaries (paragraphs, then
// sentences) and adjacent chunks overlap by a configurable token count so
// context is not lost at chunk edges.
package chunk

import (
	"strings"
)

// Default chunking parameters. The embedder has a hard per-input token
// budget; these keep every chunk inside it.
const (
	DefaultMaxChunkTokens = 256
	DefaultOverlapTokens  = 50
)

// Options configures the chunker.
type Options struct {
	MaxChunkTokens int // Maximum tokens per chunk (default: DefaultMaxChunkTokens)
	OverlapTokens  int // Tokens shared between adjacent chunks (default: DefaultOverlapTokens)
}

// Chunk is a token-bounded slice of a document's cleaned text.
type Chunk struct {
	Text       string // Chunk content
	Index      int    // 0-based position within the document
	TokenCount int    // Token count of Text (always ≤ MaxChunkTokens)
}

// Chunker splits text into chunks. Immutable after construction and safe for
// concurrent use.
type Chunker struct {
	tokenizer *Tokenizer
	options   Options
}

// NewChunker creates a chunker with the given tokenizer and options.
func NewChunker(tokenizer *Tokenizer, opts Options) *Chunker {
	if opts.MaxChunkTokens <= 0 {
		opts.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if opts.OverlapTokens < 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}
	if opts.OverlapTokens >= opts.MaxChunkTokens {
		opts.OverlapTokens = opts.MaxChunkTokens / 4
	}
	return &Chunker{tokenizer: tokenizer, options: opts}
}

// Tokenizer returns the tokenizer this chunker budgets with.
func (c *Chunker) Tokenizer() *Tokenizer {
	return c.tokenizer
}

// Chunk splits text into token-bounded chunks. Empty or whitespace-only
// input yields an empty slice, not an error.
func (c *Chunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return []Chunk{}
	}

	// Break the document into semantic units no larger than the budget.
	units := c.splitUnits(text)

	var chunks []Chunk
	var current []string // tokens of the chunk being assembled
	fresh := 0           // tokens in current not carried over as overlap

	emit := func() {
		chunks = append(chunks, Chunk{
			Text:       strings.Join(current, " "),
			Index:      len(chunks),
			TokenCount: len(current),
		})
	}

	flush := func() {
		if len(current) == 0 {
			return
		}
		emit()

		// Seed the next chunk with the tail of this one.
		if c.options.OverlapTokens > 0 && len(current) > c.options.OverlapTokens {
			overlap := make([]string, c.options.OverlapTokens)
			copy(overlap, current[len(current)-c.options.OverlapTokens:])
			current = overlap
		} else {
			current = nil
		}
		fresh = 0
	}

	for _, unit := range units {
		unitTokens := c.tokenizer.Tokenize(unit)
		if len(unitTokens) == 0 {
			continue
		}
		if len(current)+len(unitTokens) > c.options.MaxChunkTokens {
			flush()
			// Overlap alone may still not leave room for the unit.
			if len(current)+len(unitTokens) > c.options.MaxChunkTokens {
				current = nil
			}
		}
		current = append(current, unitTokens...)
		fresh += len(unitTokens)
	}
	// A trailing chunk that is nothing but carried-over overlap would be a
	// strict subset of the previous one; skip it.
	if fresh > 0 {
		emit()
	}

	if chunks == nil {
		return []Chunk{}
	}
	return chunks
}

// splitUnits breaks text into units that each fit the token budget:
// paragraphs first, oversized paragraphs by sentences, oversized sentences
// by a hard token split.
func (c *Chunker) splitUnits(text string) []string {
	var units []string
	for _, para := range splitParagraphs(text) {
		if c.tokenizer.Count(para) <= c.options.MaxChunkTokens {
			units = append(units, para)
			continue
		}
		for _, sentence := range splitSentences(para) {
			if c.tokenizer.Count(sentence) <= c.options.MaxChunkTokens {
				units = append(units, sentence)
				continue
			}
			units = append(units, c.hardSplit(sentence)...)
		}
	}
	return units
}

// hardSplit cuts a run of tokens into budget-sized pieces. Only reached for
// degenerate input (a single "sentence" longer than the whole budget).
func (c *Chunker) hardSplit(text string) []string {
	tokens := c.tokenizer.Tokenize(text)
	var parts []string
	for start := 0; start < len(tokens); start += c.options.MaxChunkTokens {
		end := start + c.options.MaxChunkTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		parts = append(parts, strings.Join(tokens[start:end], " "))
	}
	return parts
}

// splitParagraphs splits on blank lines, dropping empty parts.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var paras []string
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			paras = append(paras, trimmed)
		}
	}
	return paras
}

// sentenceEnders terminate a sentence when followed by whitespace.
var sentenceEnders = map[byte]struct{}{'.': {}, '!': {}, '?': {}}

// splitSentences splits a paragraph at sentence boundaries. The heuristic is
// deliberately simple: an ender followed by whitespace ends a sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		if _, ok := sentenceEnders[text[i]]; ok && (text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t') {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
