package chunk

import (
	"strings"
	"unicode"
)

// Tokenizer splits text into tokens for chunk budgeting.
//
// It is a whitespace word tokenizer: a token is a maximal run of
// non-whitespace characters. This tracks subword tokenizers closely enough
// for budgeting (a word is at least one model token) while staying
// deterministic and dependency-free. The instance is immutable after
// construction and safe for concurrent use.
type Tokenizer struct{}

// NewTokenizer loads the tokenizer. Construction is cheap today but callers
// must treat it as expensive: the service pool builds exactly one per process.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{}
}

// Tokenize splits text on whitespace runs. Empty input yields nil.
func (t *Tokenizer) Tokenize(text string) []string {
	return strings.FieldsFunc(text, unicode.IsSpace)
}

// Count returns the token count of text.
func (t *Tokenizer) Count(text string) int {
	return len(t.Tokenize(text))
}
