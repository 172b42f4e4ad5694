package parser

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// HTMLParser renders the document as plain paragraphs. Script, style, and
// page chrome (nav, header, footer) are dropped; headings, paragraphs,
// blockquotes, and table cells become blocks; list items keep a "- " bullet.
type HTMLParser struct{}

var htmlSkip = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
}

var htmlBlocks = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"p": true, "blockquote": true, "li": true, "pre": true,
	"td": true, "th": true, "caption": true, "figcaption": true,
}

func (p *HTMLParser) Parse(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parsing HTML: %w", err)
	}

	var blocks []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && htmlSkip[n.Data] {
			return
		}
		if n.Type == html.ElementNode && htmlBlocks[n.Data] {
			text := strings.Join(strings.Fields(textContent(n)), " ")
			if text != "" {
				if n.Data == "li" {
					text = "- " + text
				}
				blocks = append(blocks, text)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(blocks) == 0 {
		return "", fmt.Errorf("no text content in HTML")
	}
	return strings.Join(blocks, "\n\n"), nil
}

// textContent concatenates text nodes under n, still skipping dropped containers.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && htmlSkip[n.Data] {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
