package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// charsPerToken is the approximate character-to-token ratio used to size
// chunk windows. Deliberately conservative (1 char per token) so batch
// packing never overshoots a provider's token limit.
const charsPerToken = 1

// chunkEntry is one window produced by the chunker. Hash digests the text
// alone, so unchanged content keeps its hash even when surrounding lines
// shift.
type chunkEntry struct {
	StartLine int
	EndLine   int
	Text      string
	Hash      string
}

// chunkMarkdown splits Markdown into line-bounded windows of at most
// max(32, tokens*charsPerToken) characters, carrying overlap lines into the head of
// each subsequent window. Windows never break inside a fenced code block;
// oversized single lines are split at whitespace so URLs stay intact.
// Blank-only windows are dropped.
func chunkMarkdown(content string, tokens, overlap int) []chunkEntry {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 {
		return nil
	}
	maxChars := max(32, tokens*charsPerToken)
	overlapChars := max(0, overlap*charsPerToken)

	type lineRec struct {
		text string
		no   int
	}
	var (
		cur      []lineRec
		curChars int
		inFence  bool
		chunks   []chunkEntry
	)

	flush := func() {
		// Trim blank edge lines: surrounding whitespace must not shift a
		// chunk's hash, and blank-only windows are dropped.
		start, end := 0, len(cur)
		for start < end && strings.TrimSpace(cur[start].text) == "" {
			start++
		}
		for end > start && strings.TrimSpace(cur[end-1].text) == "" {
			end--
		}
		if start >= end {
			return
		}
		window := cur[start:end]
		parts := make([]string, len(window))
		for i, rec := range window {
			parts[i] = rec.text
		}
		text := strings.Join(parts, "\n")
		chunks = append(chunks, chunkEntry{
			StartLine: window[0].no,
			EndLine:   window[len(window)-1].no,
			Text:      text,
			Hash:      hashText(text),
		})
	}

	// carry keeps the trailing lines of the flushed window, newest first
	// until overlapChars is covered, as the head of the next window.
	carry := func() {
		if overlapChars <= 0 || len(cur) == 0 {
			cur = cur[:0]
			curChars = 0
			return
		}
		acc := 0
		start := len(cur)
		for start > 0 {
			acc += len(cur[start-1].text) + 1
			start--
			if acc >= overlapChars {
				break
			}
		}
		kept := make([]lineRec, len(cur)-start)
		copy(kept, cur[start:])
		cur = kept
		curChars = acc
	}

	push := func(text string, no int) {
		size := len(text) + 1
		// Overflow truncates at the last safe boundary: never mid-fence.
		if curChars+size > maxChars && len(cur) > 0 && !inFence {
			flush()
			carry()
		}
		cur = append(cur, lineRec{text: text, no: no})
		curChars += size
	}

	for i, line := range lines {
		no := i + 1
		if isFenceDelimiter(line) {
			push(line, no)
			inFence = !inFence
			continue
		}
		if len(line) > maxChars && !inFence {
			for _, seg := range splitLongLine(line, maxChars) {
				push(seg, no)
			}
			continue
		}
		push(line, no)
	}
	flush()
	return chunks
}

func isFenceDelimiter(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// splitLongLine breaks an oversized line into segments of at most maxChars,
// preferring the last whitespace before the limit so tokens such as URLs
// are not cut mid-word unless a single token exceeds the limit.
func splitLongLine(line string, maxChars int) []string {
	var segs []string
	for len(line) > maxChars {
		cut := strings.LastIndexByte(line[:maxChars], ' ')
		if cut <= 0 {
			cut = maxChars
		}
		segs = append(segs, line[:cut])
		line = strings.TrimLeft(line[cut:], " ")
	}
	if line != "" {
		segs = append(segs, line)
	}
	return segs
}

// hashText returns the hex sha256 of s. Chunk hashes, file hashes, chunk
// ids, and provider keys all go through here.
func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// chunkID derives the deterministic chunk primary key. Re-indexing
// identical content yields identical ids.
func chunkID(source, path string, startLine, endLine int, chunkHash, model string) string {
	return hashText(fmt.Sprintf("%s:%s:%d:%d:%s:%s", source, path, startLine, endLine, chunkHash, model))
}
