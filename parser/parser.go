// Package parser extracts plain text from uploaded documents.
//
// Every parser emits the same shape: paragraphs separated by one blank
// line, table rows as " | "-joined lines. The splitter's separator ladder
// and the retrieval prompts both rely on that structure.
package parser

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedType is returned for file extensions without a parser.
	ErrUnsupportedType = errors.New("ragserve: unsupported file type")

	// ErrParseFailed is returned when a document of a supported type cannot
	// be read, typically because the file is corrupt or mislabeled.
	ErrParseFailed = errors.New("ragserve: file parse failed")
)

// Parser extracts text from one document format.
type Parser interface {
	Parse(r io.Reader) (string, error)
}

// Registry dispatches parsing by file extension.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with all built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	text := &TextParser{}
	htm := &HTMLParser{}
	for ext, p := range map[string]Parser{
		"txt":      text,
		"md":       text,
		"markdown": text,
		"pdf":      &PDFParser{},
		"docx":     &DOCXParser{},
		"html":     htm,
		"htm":      htm,
		"xlsx":     &XLSXParser{},
	} {
		r.parsers[ext] = p
	}
	return r
}

// Register adds or replaces the parser for an extension.
func (r *Registry) Register(ext string, p Parser) {
	r.parsers[strings.ToLower(strings.TrimPrefix(ext, "."))] = p
}

// Ext returns the lowercased extension of name without the leading dot.
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Supported reports whether name's extension has a registered parser.
func (r *Registry) Supported(name string) bool {
	_, ok := r.parsers[Ext(name)]
	return ok
}

// Extensions returns the registered extensions, unordered.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.parsers))
	for ext := range r.parsers {
		exts = append(exts, ext)
	}
	return exts
}

// Parse opens path and dispatches to the parser for its extension.
func (r *Registry) Parse(path string) (string, error) {
	p, ok := r.parsers[Ext(path)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, Ext(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	text, err := p.Parse(f)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrParseFailed, filepath.Base(path), err)
	}
	return text, nil
}

// collapseBlankRuns trims trailing space per line and squeezes runs of blank
// lines down to a single blank line, so paragraphs are separated by exactly
// one empty line. Leading and trailing blank lines are dropped.
func collapseBlankRuns(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := true
	for _, ln := range lines {
		t := strings.TrimRight(ln, " \t\r")
		if strings.TrimSpace(t) == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, t)
		blank = false
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
