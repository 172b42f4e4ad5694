// Package splitter cuts parsed document text into chunks sized for
// embedding. Two strategies exist: a separator-ladder splitter that walks
// from paragraph breaks down to single characters, and a semantic merger
// that grows chunks paragraph by paragraph, optionally asking the LLM
// whether adjacent passages belong together.
package splitter

import (
	"context"
	"strings"
	"unicode/utf8"
)

// DefaultSeparators orders split points from coarse to fine. CJK sentence
// and clause marks sit between newlines and their ASCII counterparts so
// mixed-language documents cut at natural boundaries. The final empty
// string means a fixed-width character cut.
var DefaultSeparators = []string{
	"\n\n", "\n",
	"。", "！", "？", "；", "，",
	". ", "! ", "? ", "; ", ", ",
	" ", "",
}

// Config controls the chunking behaviour. A zero ChunkOverlap means no
// overlap; use DefaultConfig for the standard 800/100 setup.
type Config struct {
	ChunkSize    int      // Maximum characters per chunk (runes). Default 800.
	ChunkOverlap int      // Trailing characters of chunk i-1 carried into chunk i.
	Separators   []string // Split ladder. Defaults to DefaultSeparators.

	// Semantic enables the paragraph-merge strategy. Inputs shorter than
	// ShortTextThreshold additionally consult the Decider at merge points.
	Semantic           bool
	SemanticMin        int // Minimum characters per semantic chunk. Default 200.
	SemanticMax        int // Maximum characters per semantic chunk. Default 800.
	ShortTextThreshold int // Length bound for LLM-assisted merging. Default 5000.
}

// DefaultConfig returns the standard ladder configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          800,
		ChunkOverlap:       100,
		Separators:         DefaultSeparators,
		SemanticMin:        200,
		SemanticMax:        800,
		ShortTextThreshold: 5000,
	}
}

func (c *Config) applyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 800
	}
	if len(c.Separators) == 0 {
		c.Separators = DefaultSeparators
	}
	if c.SemanticMin == 0 {
		c.SemanticMin = 200
	}
	if c.SemanticMax == 0 {
		c.SemanticMax = 800
	}
	if c.ShortTextThreshold == 0 {
		c.ShortTextThreshold = 5000
	}
}

// Splitter implements the separator-ladder strategy.
type Splitter struct {
	cfg Config
}

// New returns a Splitter with the given configuration.
// Zero-value fields are replaced with defaults.
func New(cfg Config) *Splitter {
	cfg.applyDefaults()
	return &Splitter{cfg: cfg}
}

// splitTask is one unit of pending decomposition work.
type splitTask struct {
	text string
	sep  int // index into cfg.Separators to try next
}

// Split cuts text into chunks of at most ChunkSize characters. Chunks after
// the first start with the trailing ChunkOverlap characters of their
// predecessor when that carry still fits under the cap.
func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if runeLen(text) <= s.cfg.ChunkSize {
		return []string{text}
	}
	pieces := s.decompose(text)
	chunks := s.merge(pieces)
	return s.applyOverlap(chunks)
}

// decompose reduces text to pieces no longer than ChunkSize using an
// explicit work stack instead of recursion. Children are pushed in reverse
// so pieces pop in document order. Splitting keeps each separator glued to
// the piece on its left; oversized pieces descend to the next separator,
// and the empty separator at the ladder's end forces a fixed-width cut.
func (s *Splitter) decompose(text string) []string {
	var out []string
	stack := []splitTask{{text: text, sep: 0}}
	for len(stack) > 0 {
		task := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if runeLen(task.text) <= s.cfg.ChunkSize {
			out = append(out, task.text)
			continue
		}

		idx := s.findSeparator(task.text, task.sep)
		sep := s.cfg.Separators[idx]
		if sep == "" {
			out = append(out, cutFixed(task.text, s.cfg.ChunkSize)...)
			continue
		}
		parts := splitKeepSep(task.text, sep)
		if len(parts) == 1 {
			// Separator only appears at the very end; descend directly.
			stack = append(stack, splitTask{text: parts[0], sep: idx + 1})
			continue
		}
		for i := len(parts) - 1; i >= 0; i-- {
			stack = append(stack, splitTask{text: parts[i], sep: idx + 1})
		}
	}
	return out
}

// findSeparator returns the index of the first separator at or after from
// that occurs in text. The empty separator matches everything, so the scan
// always terminates inside the ladder.
func (s *Splitter) findSeparator(text string, from int) int {
	for i := from; i < len(s.cfg.Separators); i++ {
		if strings.Contains(text, s.cfg.Separators[i]) {
			return i
		}
	}
	return len(s.cfg.Separators) - 1
}

// merge greedily concatenates adjacent pieces while the result stays within
// ChunkSize. Pieces already carry their separators, so concatenation
// reconstructs the original text; only chunk boundaries are trimmed.
func (s *Splitter) merge(pieces []string) []string {
	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if chunk := strings.TrimSpace(cur.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		cur.Reset()
		curLen = 0
	}
	for _, p := range pieces {
		pl := runeLen(p)
		if curLen > 0 && curLen+pl > s.cfg.ChunkSize {
			flush()
		}
		cur.WriteString(p)
		curLen += pl
	}
	flush()
	return chunks
}

// applyOverlap prepends the tail of each chunk's predecessor. The carry is
// shortened when the combined length would exceed ChunkSize, and skipped
// when the chunk already begins with it.
func (s *Splitter) applyOverlap(chunks []string) []string {
	if s.cfg.ChunkOverlap <= 0 || len(chunks) < 2 {
		return chunks
	}
	out := make([]string, len(chunks))
	out[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		carry := tailRunes(chunks[i-1], s.cfg.ChunkOverlap)
		room := s.cfg.ChunkSize - runeLen(chunks[i])
		if room <= 0 || carry == "" || strings.HasPrefix(chunks[i], carry) {
			out[i] = chunks[i]
			continue
		}
		if runeLen(carry) > room {
			carry = tailRunes(carry, room)
		}
		out[i] = carry + chunks[i]
	}
	return out
}

// Chooser picks a strategy per input and runs it.
type Chooser struct {
	cfg      Config
	ladder   *Splitter
	semantic *Semantic
	assisted *Semantic
}

// NewChooser wires both strategies. The decider may be nil, in which case
// semantic splitting is always rule-only.
func NewChooser(cfg Config, d Decider) *Chooser {
	cfg.applyDefaults()
	return &Chooser{
		cfg:      cfg,
		ladder:   New(cfg),
		semantic: NewSemantic(cfg, nil),
		assisted: NewSemantic(cfg, d),
	}
}

// Split selects the strategy for this input: LLM-assisted semantic merging
// for short inputs when enabled, rule-only semantic merging for longer
// ones, and the separator ladder when semantic splitting is off.
func (c *Chooser) Split(ctx context.Context, text string) []string {
	if c.cfg.Semantic {
		if runeLen(text) < c.cfg.ShortTextThreshold {
			return c.assisted.Split(ctx, text)
		}
		return c.semantic.Split(ctx, text)
	}
	return c.ladder.Split(text)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// splitKeepSep splits on sep and re-attaches sep to the left piece, so
// joining the pieces reproduces the input exactly.
func splitKeepSep(text, sep string) []string {
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i < len(parts)-1 {
			p += sep
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// cutFixed slices text into size-rune windows.
func cutFixed(text string, size int) []string {
	runes := []rune(text)
	out := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// tailRunes returns the last n runes of s.
func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
