// Package format prepares answer text for mesh radio transmission. It strips
// markdown down to plain prose, collapses whitespace, and splits long answers
// into byte-bounded chunks that each fit a single LoRa frame. All functions are
// pure: the same input and budget always produce the same chunk sequence, which
// is what makes re-fetching a specific chunk by index meaningful.
package format

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MoreTag is the continuation marker appended to every chunk that has more
// chunks after it. Senders reply !more to pull the next chunk.
const MoreTag = " [!more]"

// MoreTagBytes is the UTF-8 byte cost of MoreTag, reserved out of the frame
// budget when chunking.
const MoreTagBytes = len(MoreTag)

// fallbackText is sent when the engine produced nothing usable.
const fallbackText = "I couldn't generate a response. Try again."

var (
	codeBlockRe      = regexp.MustCompile("(?s)```.*?```")
	boldRe           = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe         = regexp.MustCompile(`\*([^*\n]+)\*`)
	inlineCodeRe     = regexp.MustCompile("`([^`]+)`")
	headerRe         = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	linkRe           = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	unorderedListRe  = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	orderedListRe    = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
	blockquoteRe     = regexp.MustCompile(`(?m)^>\s?`)
	horizontalRuleRe = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)
	multiSpaceRe     = regexp.MustCompile(`[ \t]+`)
	multiNewlineRe   = regexp.MustCompile(`\n+`)

	// Sentence-ending punctuation followed by whitespace or end of text.
	sentenceEndRe = regexp.MustCompile(`[.!?](\s|$)`)
	// Clause boundaries are acceptable fallbacks so a cut doesn't land
	// mid-clause in narrative text: semicolons, colons, em-dashes, ellipses.
	clauseEndRe = regexp.MustCompile("[.!?;:—…](\\s|$)")
)

// StripMarkdown removes markdown formatting, keeping the plain text content.
// Code blocks are dropped entirely: code is unreadable over a 230-byte link.
func StripMarkdown(text string) string {
	text = codeBlockRe.ReplaceAllString(text, "")
	text = boldRe.ReplaceAllString(text, "$1")
	text = italicRe.ReplaceAllString(text, "$1")
	text = inlineCodeRe.ReplaceAllString(text, "$1")
	text = headerRe.ReplaceAllString(text, "")
	text = linkRe.ReplaceAllString(text, "$1")
	text = blockquoteRe.ReplaceAllString(text, "")
	text = horizontalRuleRe.ReplaceAllString(text, "")
	text = unorderedListRe.ReplaceAllString(text, "")
	text = orderedListRe.ReplaceAllString(text, "")
	return text
}

// CollapseWhitespace flattens newlines and runs of spaces to single spaces.
func CollapseWhitespace(text string) string {
	text = multiNewlineRe.ReplaceAllString(text, " ")
	text = multiSpaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Clean runs the full pipeline: strip markdown, then collapse whitespace.
func Clean(text string) string {
	return CollapseWhitespace(StripMarkdown(text))
}

// truncateBytes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// TruncateAtBoundary shortens text to fit maxBytes, preferring to cut after a
// sentence end, then after a clause boundary, then at a word boundary, and
// only as a last resort at a raw byte position. The returned string is always
// a (right-trimmed) prefix of text.
func TruncateAtBoundary(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	truncated := truncateBytes(text, maxBytes)

	if locs := sentenceEndRe.FindAllStringIndex(truncated, -1); locs != nil {
		last := locs[len(locs)-1]
		return strings.TrimSpace(truncated[:last[0]+1])
	}

	if locs := clauseEndRe.FindAllStringIndex(truncated, -1); locs != nil {
		last := locs[len(locs)-1]
		// Cut after the boundary rune; em-dash and ellipsis are multi-byte.
		_, size := utf8.DecodeRuneInString(truncated[last[0]:])
		return strings.TrimSpace(truncated[:last[0]+size])
	}

	if i := strings.LastIndex(truncated, " "); i > 0 {
		return strings.TrimSpace(truncated[:i])
	}

	return strings.TrimSpace(truncated)
}

// ChunkText splits text into chunks that each fit within maxBytes, cutting at
// the boundaries TruncateAtBoundary prefers. Input is assumed already Clean.
func ChunkText(text string, maxBytes int) []string {
	if len(text) <= maxBytes {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= maxBytes {
			chunks = append(chunks, remaining)
			break
		}
		chunk := TruncateAtBoundary(remaining, maxBytes)
		if chunk == "" {
			// Force progress on pathological input with no cut points.
			chunk = strings.TrimSpace(truncateBytes(remaining, maxBytes))
			if chunk == "" {
				break
			}
		}
		chunks = append(chunks, chunk)
		remaining = strings.TrimSpace(remaining[len(chunk):])
	}
	return chunks
}

// FormatResponse turns raw engine output into radio-ready chunks.
//
// The text is cleaned, optionally prefixed with a provenance tag naming the
// peer the answer came from, and split so that every chunk plus MoreTag still
// fits maxBytes. It returns the first frame ready to send (with MoreTag when
// more chunks follow), the full chunk list for the pagination buffer, and
// whether the answer was split at all.
func FormatResponse(text string, maxBytes int, provenance string) (string, []string, bool) {
	text = Clean(text)
	if text == "" {
		text = fallbackText
	}
	if provenance != "" {
		text = "[via " + provenance + "] " + text
	}

	if len(text) <= maxBytes {
		return text, []string{text}, false
	}

	// Reserve the marker on every chunk so any of them can be re-served
	// with the tag attached and still fit one frame.
	chunks := ChunkText(text, maxBytes-MoreTagBytes)
	return chunks[0] + MoreTag, chunks, true
}
