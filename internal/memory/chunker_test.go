package memory

import (
	"strings"
	"testing"
)

func TestChunkMarkdown_LineRanges(t *testing.T) {
	text := "# Title\n\nFirst paragraph with some content.\nMore content here.\n\nSecond paragraph.\nAnd a second line.\n\nThird paragraph is short."
	chunks := chunkMarkdown(text, 60, 0)

	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if chunks[0].StartLine != 1 {
		t.Errorf("first chunk start line = %d, want 1", chunks[0].StartLine)
	}
	last := chunks[len(chunks)-1]
	if last.EndLine != len(strings.Split(text, "\n")) {
		t.Errorf("last chunk end line = %d, want %d", last.EndLine, len(strings.Split(text, "\n")))
	}
	for i, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			t.Errorf("chunk %d is blank", i)
		}
		if c.StartLine > c.EndLine {
			t.Errorf("chunk %d has inverted range %d..%d", i, c.StartLine, c.EndLine)
		}
		if c.Hash == "" {
			t.Errorf("chunk %d has empty hash", i)
		}
	}
}

func TestChunkMarkdown_SmallInput(t *testing.T) {
	chunks := chunkMarkdown("Short text.", 1000, 0)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Text != "Short text." {
		t.Errorf("text = %q", chunks[0].Text)
	}
}

func TestChunkMarkdown_BlankOnlyDropped(t *testing.T) {
	chunks := chunkMarkdown("\n\n\n   \n\n", 40, 0)
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks for blank input, got %d", len(chunks))
	}
}

func TestChunkMarkdown_FenceNotSplit(t *testing.T) {
	var b strings.Builder
	b.WriteString("intro line\n```go\n")
	for i := 0; i < 20; i++ {
		b.WriteString("fmt.Println(\"a fairly long line of code inside the fence\")\n")
	}
	b.WriteString("```\nafter the fence\n")

	chunks := chunkMarkdown(b.String(), 200, 0)
	for _, c := range chunks {
		opens := strings.Count(c.Text, "```")
		if opens == 1 {
			t.Fatalf("chunk splits a fenced code block:\n%s", c.Text)
		}
	}
}

func TestChunkMarkdown_OverlapCarried(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, strings.Repeat("x", 20))
	}
	chunks := chunkMarkdown(strings.Join(lines, "\n"), 100, 40)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartLine > chunks[i-1].EndLine {
			t.Errorf("chunk %d starts at %d after previous end %d: no overlap", i, chunks[i].StartLine, chunks[i-1].EndLine)
		}
	}
}

func TestChunkHash_TranslationInvariant(t *testing.T) {
	para := "A stable paragraph of content that fits one chunk."
	a := chunkMarkdown(para, 400, 0)
	b := chunkMarkdown("\n\n"+para+"\n\n", 400, 0)
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("expected single chunks, got %d and %d", len(a), len(b))
	}
	if a[0].Hash != b[0].Hash {
		t.Errorf("surrounding blank lines changed the chunk hash: %s vs %s", a[0].Hash, b[0].Hash)
	}
	if a[0].StartLine == b[0].StartLine {
		t.Errorf("expected shifted line numbers, both start at %d", a[0].StartLine)
	}
}

func TestChunkMarkdown_LongLineSplitAtWhitespace(t *testing.T) {
	line := strings.Repeat("word ", 60) + "https://example.com/a/very/long/url"
	chunks := chunkMarkdown(line, 80, 0)
	for _, c := range chunks {
		if strings.Contains(c.Text, "https://") && !strings.Contains(c.Text, "https://example.com/a/very/long/url") {
			t.Errorf("URL was split mid-token: %q", c.Text)
		}
	}
}

func TestChunkID_Deterministic(t *testing.T) {
	a := chunkID(SourceMemory, "MEMORY.md", 1, 5, "abc", "model-x")
	b := chunkID(SourceMemory, "MEMORY.md", 1, 5, "abc", "model-x")
	if a != b {
		t.Errorf("chunk id is not deterministic: %s vs %s", a, b)
	}
	if a == chunkID(SourceSessions, "MEMORY.md", 1, 5, "abc", "model-x") {
		t.Error("chunk id ignores source")
	}
}
