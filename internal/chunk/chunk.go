// Package chunk segments crash-log content into model-budget-sized pieces,
// respecting the structural boundaries of the log kind being analyzed.
package chunk

import (
	"fmt"
	"regexp"

	"github.com/anrdispatch/dispatchd/internal/cost"
)

// Kind identifies the structural family of the input content.
type Kind string

const (
	KindANR       Kind = "anr"
	KindTombstone Kind = "tombstone"
)

// Chunk is one contiguous slice of input sized for one upstream round-trip.
type Chunk struct {
	Index          int
	Total          int
	Text           string
	EstInputTokens int
}

// Budget computes the maximum chunk size in characters for a given provider
// model and mode, per the formula:
//
//	max_chars = context_window * 0.8 * mode_ratio * chars_per_token
//
// with a 10,000 character floor.
func Budget(model cost.ModelInfo, provider cost.Provider, mode cost.Mode) int {
	charsPerToken := 2.5
	if provider == cost.ProviderOpenAI {
		charsPerToken = 4.0
	}
	budget := float64(model.ContextWindow) * 0.8 * cost.ChunkBudgetRatio(mode) * charsPerToken
	if budget < 10000 {
		budget = 10000
	}
	return int(budget)
}

// threadCap returns the per-mode thread packing ceiling for ANR chunking.
// 0 means unlimited (MaxToken mode).
func threadCap(mode cost.Mode) int {
	switch mode {
	case cost.ModeQuick:
		return 20
	case cost.ModeIntelligent:
		return 50
	case cost.ModeLargeFile:
		return 100
	default:
		return 0
	}
}

// Chunker splits content deterministically according to its structural
// Kind.
type Chunker struct{}

// New constructs a Chunker.
func New() *Chunker { return &Chunker{} }

// Split segments content into chunks bounded by maxChars, using the
// structural strategy appropriate to kind. Given identical
// (content, kind, mode, maxChars) the output is byte-identical across
// calls — no randomness, no map iteration order dependence.
func (c *Chunker) Split(kind Kind, content string, mode cost.Mode, maxChars int) ([]Chunk, error) {
	var texts []string
	switch kind {
	case KindANR:
		texts = splitANR(content, mode, maxChars)
	case KindTombstone:
		texts = splitTombstone(content, mode, maxChars)
	default:
		return nil, fmt.Errorf("chunk: unsupported kind %q", kind)
	}
	if len(texts) == 0 {
		texts = packLines(content, maxChars)
	}
	out := make([]Chunk, len(texts))
	for i, t := range texts {
		out[i] = Chunk{
			Index:          i,
			Total:          len(texts),
			Text:           t,
			EstInputTokens: len(t) / 3, // coarse per-chunk estimate; authoritative estimate lives in cost.EstimateTokens
		}
	}
	return out, nil
}

// anrIndicators are structural markers that, when at least two match,
// qualify content as a well-formed ANR trace.
var anrIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^"[^"]*"\s+prio=\d+\s+tid=\d+`),
	regexp.MustCompile(`(?m)^----- pid \d+`),
	regexp.MustCompile(`(?m)^Cmd line:`),
	regexp.MustCompile(`(?m)^DALVIK THREADS`),
	regexp.MustCompile(`(?m)^Main thread state:`),
	regexp.MustCompile(`(?m)^suspend all histogram`),
	regexp.MustCompile(`(?m)^\s+\| state=`),
}

// tombstoneIndicators mirror the ANR set for native crash dumps.
var tombstoneIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\*\*\* \*\*\* \*\*\*`),
	regexp.MustCompile(`(?m)^backtrace:`),
	regexp.MustCompile(`(?m)^stack:`),
	regexp.MustCompile(`(?m)^memory near`),
	regexp.MustCompile(`(?m)^code around`),
	regexp.MustCompile(`(?m)^registers:`),
	regexp.MustCompile(`(?m)^memory map:`),
}

// Validate requires at least two structural indicator patterns to match
// before content is treated as well-formed input for kind. This is a
// pre-flight check distinct from chunking itself.
func Validate(kind Kind, content string) error {
	var patterns []*regexp.Regexp
	switch kind {
	case KindANR:
		patterns = anrIndicators
	case KindTombstone:
		patterns = tombstoneIndicators
	default:
		return fmt.Errorf("chunk: unsupported kind %q", kind)
	}
	matches := 0
	for _, p := range patterns {
		if p.MatchString(content) {
			matches++
		}
	}
	if matches < 2 {
		return fmt.Errorf("chunk: content does not look like %s (matched %d/%d structural indicators, need 2)", kind, matches, len(patterns))
	}
	return nil
}
