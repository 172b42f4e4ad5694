package splitter

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Decider answers whether two adjacent passages belong in the same chunk.
// tail is the end of the accumulated chunk, head the start of the next
// segment; both are bounded to 200 characters by the caller.
type Decider interface {
	ShouldMerge(ctx context.Context, tail, head string) (bool, error)
}

// Semantic merges document segments into chunks bounded by MinChunkSize and
// MaxChunkSize. When a decider is present, it is consulted once the
// accumulated chunk has reached twice the minimum; a declined merge cuts
// the chunk there. Decider failures degrade the rest of the run to
// rule-only merging rather than failing the split.
type Semantic struct {
	min     int
	max     int
	decider Decider
}

// NewSemantic returns a semantic merger. A nil decider means rule-only.
func NewSemantic(cfg Config, d Decider) *Semantic {
	cfg.applyDefaults()
	return &Semantic{min: cfg.SemanticMin, max: cfg.SemanticMax, decider: d}
}

// headingStart matches lines that open a new document segment: decimal
// outlines ("1.", "2.3"), CJK enumerations ("一、", "第三章"), and lettered
// items ("A.").
var headingStart = regexp.MustCompile(`^\s*(?:\d+(?:\.\d+)*[.、)]\s*|[一二三四五六七八九十百]+[、.]\s*|第.{1,9}[章节条部分]|[A-Z][.)]\s+)`)

// Split merges segments greedily and post-processes chunk sizes.
func (m *Semantic) Split(ctx context.Context, text string) []string {
	segs := segments(text)
	if len(segs) == 0 {
		return nil
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	decider := m.decider
	flush := func() {
		if chunk := strings.TrimSpace(cur.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		cur.Reset()
		curLen = 0
	}

	for _, seg := range segs {
		segLen := runeLen(seg)
		if curLen == 0 {
			cur.WriteString(seg)
			curLen = segLen
			continue
		}
		if curLen+segLen+2 > m.max {
			flush()
			cur.WriteString(seg)
			curLen = segLen
			continue
		}
		if decider != nil && curLen >= 2*m.min {
			merge, err := decider.ShouldMerge(ctx, tailRunes(cur.String(), 200), headRunes(seg, 200))
			if err != nil {
				slog.Warn("merge decider failed, continuing rule-only", "error", err)
				decider = nil
			} else if !merge {
				flush()
				cur.WriteString(seg)
				curLen = segLen
				continue
			}
		}
		cur.WriteString("\n\n")
		cur.WriteString(seg)
		curLen += segLen + 2
	}
	flush()

	return m.sizePass(chunks)
}

// segments splits text into paragraphs. Blank lines end a segment, and a
// heading-style line starts a new one even without a preceding blank line.
func segments(text string) []string {
	lines := strings.Split(text, "\n")
	var segs []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segs = append(segs, s)
		}
		cur.Reset()
	}
	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln)
		if trimmed == "" {
			flush()
			continue
		}
		if cur.Len() > 0 && headingStart.MatchString(ln) {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(trimmed)
	}
	flush()
	return segs
}

// sizePass enforces the size bounds after merging: chunks above the
// maximum split at sentence boundaries, chunks below the minimum join
// their successor when the pair still fits.
func (m *Semantic) sizePass(chunks []string) []string {
	var sized []string
	for _, c := range chunks {
		if runeLen(c) > m.max {
			sized = append(sized, splitSentenceBounded(c, m.max)...)
		} else {
			sized = append(sized, c)
		}
	}

	var out []string
	for i := 0; i < len(sized); i++ {
		c := sized[i]
		for runeLen(c) < m.min && i+1 < len(sized) && runeLen(c)+runeLen(sized[i+1])+2 <= m.max {
			i++
			c = c + "\n\n" + sized[i]
		}
		out = append(out, c)
	}
	return out
}

// splitSentenceBounded packs whole sentences into max-sized chunks. A
// single sentence longer than max is cut at fixed width.
func splitSentenceBounded(text string, max int) []string {
	var out []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
		curLen = 0
	}
	for _, sent := range splitSentences(text) {
		sl := runeLen(sent)
		if sl > max {
			flush()
			out = append(out, cutFixed(sent, max)...)
			continue
		}
		if curLen+sl > max && curLen > 0 {
			flush()
		}
		cur.WriteString(sent)
		curLen += sl
	}
	flush()
	return out
}

// splitSentences breaks text after sentence terminators. CJK terminators
// end a sentence unconditionally; ASCII ones require trailing whitespace or
// end of text so decimal points survive.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		boundary := false
		switch runes[i] {
		case '。', '！', '？':
			boundary = true
		case '.', '!', '?':
			boundary = i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t'
		}
		if boundary {
			if s := cur.String(); strings.TrimSpace(s) != "" {
				sentences = append(sentences, s)
			}
			cur.Reset()
		}
	}
	if s := cur.String(); strings.TrimSpace(s) != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// headRunes returns the first n runes of s.
func headRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
