// Package chunk splits raw document text into overlapping word windows.
// Chunks are the unit of embedding and storage for the ingestion pipeline.
package chunk

import (
	"strconv"
	"strings"

	"github.com/casevault/lexrag/internal/errors"
)

// Chunking defaults tuned for legal prose retrieval.
const (
	// DefaultSize is the window size in words.
	DefaultSize = 350

	// DefaultOverlap is the number of words shared between adjacent windows.
	DefaultOverlap = 40

	// DefaultMinSize is the smallest trailing window worth emitting.
	// A final partial window below this is discarded.
	DefaultMinSize = 25

	// CharsPerToken is the rough character-to-token ratio used for the
	// token estimate carried on each chunk.
	CharsPerToken = 4
)

// Chunk is one overlapping window of document text.
// Produced fresh on every Split call and never mutated afterwards.
type Chunk struct {
	// Index is the 0-based position of the chunk within the document.
	Index int

	// Text is the normalized chunk content (single-space separated words).
	Text string

	// StartWord and EndWord delimit the window in word offsets.
	// StartWord is inclusive, EndWord exclusive.
	StartWord int
	EndWord   int

	// TokenEstimate approximates the token count of Text.
	TokenEstimate int
}

// Options controls the sliding window.
type Options struct {
	// Size is the window size in words.
	Size int

	// Overlap is the number of words shared between adjacent windows.
	// Must be strictly less than Size.
	Overlap int

	// MinSize discards the trailing partial window once it falls below
	// this many words.
	MinSize int
}

// DefaultOptions returns the standard chunking parameters.
func DefaultOptions() Options {
	return Options{
		Size:    DefaultSize,
		Overlap: DefaultOverlap,
		MinSize: DefaultMinSize,
	}
}

// normalize fills in zero-valued fields with defaults.
func (o Options) normalize() Options {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Overlap < 0 {
		o.Overlap = DefaultOverlap
	}
	if o.MinSize <= 0 {
		o.MinSize = DefaultMinSize
	}
	return o
}

// validate rejects option combinations that would make the window stall.
func (o Options) validate() error {
	if o.Overlap >= o.Size {
		return errors.New(errors.ErrCodeChunkOptions,
			"overlap must be strictly less than chunk size", nil).
			WithDetail("size", strconv.Itoa(o.Size)).
			WithDetail("overlap", strconv.Itoa(o.Overlap))
	}
	return nil
}

// Split divides raw text into overlapping word windows.
//
// Whitespace is normalized, the text is split into words, and a window of
// opts.Size words slides forward by opts.Size-opts.Overlap words per step.
// The final partial window is discarded once its length falls below
// opts.MinSize. Split is a pure function of its inputs: identical arguments
// always yield identical output.
//
// Empty or whitespace-only input yields an empty slice, not an error.
func Split(raw string, opts Options) ([]Chunk, error) {
	opts = opts.normalize()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	words := strings.Fields(raw)
	if len(words) == 0 {
		return []Chunk{}, nil
	}

	stride := opts.Size - opts.Overlap
	chunks := make([]Chunk, 0, 1+(len(words)-1)/stride)

	for start := 0; start < len(words); start += stride {
		end := start + opts.Size
		if end > len(words) {
			end = len(words)
		}

		// Trailing remainder below the minimum is dropped.
		if end-start < opts.MinSize {
			break
		}

		text := strings.Join(words[start:end], " ")
		chunks = append(chunks, Chunk{
			Index:         len(chunks),
			Text:          text,
			StartWord:     start,
			EndWord:       end,
			TokenEstimate: estimateTokens(text),
		})

		// The window reached the end of the document; further strides
		// would only re-emit suffixes of this chunk.
		if end == len(words) {
			break
		}
	}

	return chunks, nil
}

// estimateTokens approximates the token count of text from its length.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}
