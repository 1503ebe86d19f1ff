// Package scenes splits manuscripts into the units the rewrite engine processes independently.
// Scene-break markers divide a manuscript into scenes; manuscripts without at least two scenes
// are packed into paragraph-aligned chunks instead.
package scenes

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// DefaultChunkSize is the target size in characters of a chunk
const DefaultChunkSize = 4000

// SceneSeparator is placed between scenes when a manuscript is reassembled
const SceneSeparator = "* * *"

// breakLine matches a line that consists only of a scene-break marker: ***, * * *, #, or ---
var breakLine = regexp.MustCompile(`^(?:\*{3,}|\*(?:\s+\*){2,}|#|-{3,})$`)

var blankLines = regexp.MustCompile(`\n\s*\n`)

// Unit is one independently rewritable piece of a manuscript
type Unit struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Result is a manuscript decomposed into numbered units
type Result struct {
	Strategy types.Strategy `json:"strategy"`
	Units    []Unit         `json:"units"`
}

// Numbers returns the unit ordinals, ascending
func (r Result) Numbers() []int {
	out := make([]int, len(r.Units))
	for i, u := range r.Units {
		out[i] = u.Number
	}
	return out
}

// Splitter decomposes manuscripts
type Splitter struct {
	// ChunkSize is the target chunk size in characters; zero means DefaultChunkSize
	ChunkSize int
}

// Split decomposes content with the default splitter
func Split(content string, format types.SourceFormat) (Result, error) {
	return Splitter{}.Split(content, format)
}

// Split decomposes content into scenes, or into chunks when fewer than two scenes are found
func (s Splitter) Split(content string, format types.SourceFormat) (Result, error) {
	text := content
	if format == types.FormatHTML {
		var err error
		text, err = HTMLToText(content)
		if err != nil {
			return Result{}, err
		}
	}
	text = normalizeNewlines(text)

	parts := splitScenes(text)
	if len(parts) >= 2 {
		return Result{Strategy: types.StrategyScene, Units: number(parts)}, nil
	}

	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	return Result{Strategy: types.StrategyChunk, Units: number(chunk(strings.Join(parts, "\n\n"), size))}, nil
}

// Join reassembles unit texts in order using the separator appropriate to strategy
func Join(texts []string, strategy types.Strategy) string {
	sep := "\n\n"
	if strategy == types.StrategyScene {
		sep = "\n\n" + SceneSeparator + "\n\n"
	}
	return strings.Join(texts, sep)
}

// HTMLToText flattens an HTML manuscript into blank-line separated paragraphs.
// Each <hr> becomes a scene-break line.
func HTMLToText(content string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var paragraphs []string
	var walk func(sel *goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Children().Each(func(_ int, child *goquery.Selection) {
			switch goquery.NodeName(child) {
			case "hr":
				paragraphs = append(paragraphs, SceneSeparator)
			case "script", "style", "head", "nav":
				return
			case "div", "section", "article", "main", "body", "blockquote":
				walk(child)
			default:
				if text := collapseSpace(child.Text()); text != "" {
					paragraphs = append(paragraphs, text)
				}
			}
		})
	}
	walk(doc.Find("body"))

	return strings.Join(paragraphs, "\n\n"), nil
}

// splitScenes cuts text at marker lines and drops empty scenes
func splitScenes(text string) []string {
	var scenes []string
	var current []string
	flush := func() {
		if scene := strings.TrimSpace(strings.Join(current, "\n")); scene != "" {
			scenes = append(scenes, scene)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		if breakLine.MatchString(strings.TrimSpace(line)) {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return scenes
}

// chunk packs paragraphs into chunks of at most size characters.
// A paragraph longer than size becomes a chunk of its own.
func chunk(text string, size int) []string {
	var chunks []string
	var b strings.Builder
	for _, para := range paragraphs(text) {
		if b.Len() > 0 && b.Len()+2+len(para) > size {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(para)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

func paragraphs(text string) []string {
	var out []string
	for _, p := range blankLines.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func number(texts []string) []Unit {
	units := make([]Unit, len(texts))
	for i, t := range texts {
		units[i] = Unit{Number: i + 1, Text: t}
	}
	return units
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\r", "\n")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
