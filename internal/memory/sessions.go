package memory

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// sessionDebounce is the settle window for transcript update events.
const sessionDebounce = 5 * time.Second

// transcriptToText extracts the indexable text of a line-delimited JSON
// transcript. Only user and assistant text is kept; each message becomes
// one "Role: text" line. Malformed lines are skipped silently — the file
// is append-only and partial tail writes are expected.
func transcriptToText(data string) string {
	var out []string
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec struct {
			Type    string `json:"type"`
			Message struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "message" {
			continue
		}
		role := rec.Message.Role
		if role != "user" && role != "assistant" {
			continue
		}
		text := contentText(rec.Message.Content)
		if text == "" {
			continue
		}
		out = append(out, strings.ToUpper(role[:1])+role[1:]+": "+text)
	}
	return strings.Join(out, "\n")
}

// contentText flattens a message content field: either a plain string
// taken verbatim or an array of {type:"text", text} blocks. Whitespace is
// collapsed per extracted segment.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return collapseWhitespace(plain)
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type != "text" {
			continue
		}
		if t := collapseWhitespace(b.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// listSessionFiles enumerates transcript files (.jsonl) directly under the
// sessions directory, rejecting symlinks.
func listSessionFiles(sessionsDir string) []string {
	if sessionsDir == "" {
		return nil
	}
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || e.Type()&os.ModeSymlink != 0 {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(e.Name()), ".jsonl") {
			continue
		}
		out = append(out, filepath.Join(sessionsDir, e.Name()))
	}
	sort.Strings(out)
	return out
}

// sessionFileState tracks append deltas for one transcript without
// re-reading the whole file: a byte baseline plus pending byte and
// message counters.
type sessionFileState struct {
	lastSize        int64
	pendingBytes    int64
	pendingMessages int
}

// sessionDeltaTracker debounces transcript update events and marks files
// dirty once the configured byte or message thresholds are crossed. On a
// trigger the thresholds are subtracted from the pending counters rather
// than resetting them, so bursts larger than one threshold carry over.
type sessionDeltaTracker struct {
	deltaBytes int
	deltaMsgs  int
	onDirty    func(paths []string)

	mu      sync.Mutex
	files   map[string]*sessionFileState
	pending map[string]struct{}
	timer   *time.Timer
	closed  bool
}

func newSessionDeltaTracker(s Settings, onDirty func(paths []string)) *sessionDeltaTracker {
	return &sessionDeltaTracker{
		deltaBytes: s.SessionDeltaBytes,
		deltaMsgs:  s.SessionDeltaMsgs,
		onDirty:    onDirty,
		files:      map[string]*sessionFileState{},
		pending:    map[string]struct{}{},
	}
}

// Note records a transcript update event and arms the debounce timer.
func (t *sessionDeltaTracker) Note(absPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending[absPath] = struct{}{}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(sessionDebounce, t.flush)
}

// Close stops the debounce timer; pending events are discarded.
func (t *sessionDeltaTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *sessionDeltaTracker) flush() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(t.pending))
	for p := range t.pending {
		paths = append(paths, p)
	}
	t.pending = map[string]struct{}{}

	var dirty []string
	for _, p := range paths {
		if t.advanceLocked(p) {
			dirty = append(dirty, p)
		}
	}
	t.mu.Unlock()

	if len(dirty) > 0 {
		t.onDirty(dirty)
	}
}

// advanceLocked folds the latest stat into the file's pending counters
// and reports whether the thresholds fired. A threshold <= 0 means any
// positive delta triggers.
func (t *sessionDeltaTracker) advanceLocked(absPath string) bool {
	st, err := os.Stat(absPath)
	if err != nil {
		return false
	}
	state := t.files[absPath]
	if state == nil {
		state = &sessionFileState{}
		t.files[absPath] = state
	}
	size := st.Size()
	deltaBytes := size - state.lastSize
	var countFrom int64
	if deltaBytes < 0 {
		// Truncated or rotated: reset the baseline and treat the whole
		// file as fresh content.
		state.pendingBytes += size
		countFrom = 0
	} else {
		state.pendingBytes += deltaBytes
		countFrom = state.lastSize
	}

	// Only pay for newline counting while the byte threshold alone has
	// not already fired.
	if state.pendingBytes < int64(t.deltaBytes) || t.deltaBytes <= 0 {
		if n := countNewlines(absPath, countFrom, size); n > 0 {
			state.pendingMessages += n
		}
	}
	state.lastSize = size

	triggered := thresholdHit(state.pendingBytes, int64(t.deltaBytes)) ||
		thresholdHit(int64(state.pendingMessages), int64(t.deltaMsgs))
	if !triggered {
		return false
	}
	state.pendingBytes = max(0, state.pendingBytes-int64(max(0, t.deltaBytes)))
	state.pendingMessages = max(0, state.pendingMessages-max(0, t.deltaMsgs))
	slog.Debug("session delta triggered",
		"path", absPath,
		"pending_bytes", state.pendingBytes,
		"pending_messages", state.pendingMessages)
	return true
}

// thresholdHit reports whether pending crosses the threshold; a threshold
// of zero or less fires on any positive delta.
func thresholdHit(pending, threshold int64) bool {
	if threshold <= 0 {
		return pending > 0
	}
	return pending >= threshold
}

// countNewlines counts '\n' bytes in [from, to) of the file.
func countNewlines(absPath string, from, to int64) int {
	if to <= from {
		return 0
	}
	f, err := os.Open(absPath)
	if err != nil {
		return 0
	}
	defer f.Close()
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return 0
	}
	var count int
	buf := make([]byte, 32*1024)
	remaining := to - from
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		read, err := f.Read(buf[:n])
		for _, b := range buf[:read] {
			if b == '\n' {
				count++
			}
		}
		remaining -= int64(read)
		if err != nil {
			break
		}
	}
	return count
}
