// Package tokenizer estimates token counts for budget accounting. The
// default estimator uses a bytes-per-token heuristic; a BPE-backed
// estimator is available when exact counts matter.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts the approximate tokens in a piece of text.
type Estimator interface {
	Count(text string) int
}

// Heuristic estimates tokens as ceil(len/4), the common rule of thumb
// for English text under modern BPE vocabularies.
type Heuristic struct{}

// Count returns ceil(len(text)/4).
func (Heuristic) Count(text string) int {
	return (len(text) + 3) / 4
}

// BPE counts tokens with a real tiktoken encoding. The encoding is
// loaded lazily and cached; load failures fall back to the heuristic.
type BPE struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewBPE creates a BPE estimator for the given encoding name, such as
// "cl100k_base" or "o200k_base".
func NewBPE(encoding string) *BPE {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &BPE{encoding: encoding}
}

// Count returns the exact token count under the configured encoding,
// or the heuristic estimate if the encoding cannot be loaded.
func (b *BPE) Count(text string) int {
	b.once.Do(func() {
		enc, err := tiktoken.GetEncoding(b.encoding)
		if err == nil {
			b.enc = enc
		}
	})
	if b.enc == nil {
		return Heuristic{}.Count(text)
	}
	return len(b.enc.Encode(text, nil, nil))
}
