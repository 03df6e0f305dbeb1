// Package engine – chunker.go splits knowledge documents into
// embedding-sized chunks. Markdown heading splits are tried first,
// then blank-line paragraph splits, then a character fallback with
// overlap. The document preamble (title and intro before the first
// heading) is prepended to every chunk so each one carries enough
// context to stand alone.
package engine

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	charsPerToken = 4

	defaultChunkSize    = 256 * charsPerToken // ~1024 chars
	defaultChunkOverlap = 32 * charsPerToken  // ~128 chars

	// Similarity = 1 - distance. Chunks with adjusted distance above
	// this are dropped: better to answer from nothing than inject
	// loosely related context that confuses the model.
	distanceThreshold = 0.5

	// When a query keyword appears literally in a chunk, reduce its
	// distance by this much per match. Entity lookups ("Where
	// SparkFun?") then find the right chunk even when vector
	// similarity alone ranks it poorly.
	keywordBoost = 0.15
)

// Words too common to be useful for keyword matching.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "it": {}, "in": {}, "on": {},
	"at": {}, "to": {}, "for": {}, "of": {}, "and": {}, "or": {}, "not": {},
	"be": {}, "are": {}, "was": {}, "were": {}, "do": {}, "does": {},
	"did": {}, "has": {}, "have": {}, "had": {}, "can": {}, "could": {},
	"will": {}, "would": {}, "should": {}, "may": {}, "might": {}, "i": {},
	"me": {}, "my": {}, "you": {}, "your": {}, "we": {}, "our": {},
	"they": {}, "them": {}, "their": {}, "what": {}, "where": {},
	"when": {}, "how": {}, "who": {}, "which": {}, "that": {}, "this": {},
	"there": {}, "here": {}, "with": {}, "from": {}, "about": {},
	"into": {}, "if": {}, "so": {}, "than": {}, "but": {}, "just": {},
	"any": {}, "some": {}, "all": {}, "no": {}, "yes": {},
}

var wordRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// extractKeywords pulls meaningful words from a query for hybrid
// matching: lowercase, alphanumeric runs, at least two characters,
// stop words removed.
func extractKeywords(text string) []string {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	keywords := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		keywords = append(keywords, w)
	}
	return keywords
}

// chunkText splits a document for embedding, trying strategies in
// order of preference until one produces more than a single chunk.
func chunkText(text string, chunkSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	preamble, body := extractPreamble(text)

	// Sub-headers first: individual entries like exhibitors or FAQ
	// answers usually live under ###.
	if strings.Contains(body, "\n### ") {
		chunks := splitOnHeading(body, "### ", preamble)
		if len(chunks) > 1 {
			return finalizeChunks(chunks, chunkSize)
		}
	}

	if strings.Contains(body, "\n## ") || strings.HasPrefix(body, "## ") {
		chunks := splitOnHeading(body, "## ", preamble)
		if len(chunks) > 1 {
			return finalizeChunks(chunks, chunkSize)
		}
	}

	chunks := splitOnBlankLines(body, preamble)
	if len(chunks) > 1 {
		return finalizeChunks(chunks, chunkSize)
	}

	return chunkByChars(text, chunkSize, overlap)
}

// extractPreamble returns (preamble, body) where body starts at the
// first ## or ### heading. With no headings the whole text is body.
func extractPreamble(text string) (string, string) {
	lines := strings.Split(text, "\n")
	bodyStart := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "## ") || strings.HasPrefix(line, "### ") {
			bodyStart = i
			break
		}
	}
	if bodyStart < 0 {
		return "", text
	}
	preamble := strings.TrimSpace(strings.Join(lines[:bodyStart], "\n"))
	body := strings.TrimSpace(strings.Join(lines[bodyStart:], "\n"))
	return preamble, body
}

// splitOnHeading splits body on a heading marker. Each section keeps
// its heading, and when splitting on ### the parent ## heading is
// carried into every section beneath it.
func splitOnHeading(body, marker, preamble string) []string {
	var sections []string
	var current []string
	parentHeading := ""

	flush := func() {
		if len(current) > 0 {
			sections = append(sections, strings.TrimSpace(strings.Join(current, "\n")))
			current = nil
		}
	}

	for _, line := range strings.Split(body, "\n") {
		if marker == "### " && strings.HasPrefix(line, "## ") && !strings.HasPrefix(line, "### ") {
			parentHeading = line
			if len(current) > 0 {
				flush()
			}
			current = append(current, line)
			continue
		}

		if strings.HasPrefix(line, marker) && len(current) > 0 {
			flush()
			if marker == "### " && parentHeading != "" {
				current = append(current, parentHeading)
			}
			current = append(current, line)
		} else {
			current = append(current, line)
		}
	}
	flush()

	return prependPreamble(sections, preamble)
}

// splitOnBlankLines groups consecutive non-empty lines into blocks.
// Returns nil when the text has no paragraph breaks, so the caller
// falls through to the character strategy.
func splitOnBlankLines(body, preamble string) []string {
	var blocks []string
	var current []string

	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(current) > 0 {
				blocks = append(blocks, strings.TrimSpace(strings.Join(current, "\n")))
				current = nil
			}
		} else {
			current = append(current, line)
		}
	}
	if len(current) > 0 {
		blocks = append(blocks, strings.TrimSpace(strings.Join(current, "\n")))
	}

	if len(blocks) <= 1 {
		return nil
	}
	return prependPreamble(blocks, preamble)
}

func prependPreamble(sections []string, preamble string) []string {
	if preamble == "" {
		return sections
	}
	chunks := make([]string, len(sections))
	for i, s := range sections {
		chunks[i] = preamble + "\n\n" + s
	}
	return chunks
}

// finalizeChunks splits oversized chunks by characters and merges
// very small adjacent ones (under 20% of chunkSize) so the index is
// not littered with heading-only fragments.
func finalizeChunks(chunks []string, chunkSize int) []string {
	var sized []string
	for _, chunk := range chunks {
		if len(chunk) <= chunkSize {
			sized = append(sized, chunk)
		} else {
			sized = append(sized, chunkByChars(chunk, chunkSize, defaultChunkOverlap)...)
		}
	}

	minSize := chunkSize / 5
	var merged []string
	for _, chunk := range sized {
		n := len(merged)
		switch {
		case n > 0 && len(merged[n-1]) < minSize && len(merged[n-1])+len(chunk)+2 <= chunkSize:
			merged[n-1] = merged[n-1] + "\n\n" + chunk
		case n > 0 && len(chunk) < minSize && len(merged[n-1])+len(chunk)+2 <= chunkSize:
			merged[n-1] = merged[n-1] + "\n\n" + chunk
		default:
			merged = append(merged, chunk)
		}
	}

	if len(merged) == 0 {
		return sized
	}
	return merged
}

// chunkByChars is the fallback splitter: fixed-size windows with
// overlap, nudged onto rune boundaries so multi-byte characters are
// never cut in half.
func chunkByChars(text string, chunkSize, overlap int) []string {
	step := chunkSize - overlap
	if step <= 0 {
		step = chunkSize
	}

	var chunks []string
	for start := 0; start < len(text); start += step {
		for start < len(text) && !utf8.RuneStart(text[start]) {
			start++
		}
		if start >= len(text) {
			break
		}
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		for end < len(text) && !utf8.RuneStart(text[end]) {
			end--
		}
		if chunk := strings.TrimSpace(text[start:end]); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}
