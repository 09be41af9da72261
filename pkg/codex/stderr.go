package codex

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/durango-dev/durango/internal/common/logger"
)

// ansiPattern matches ANSI escape sequences so colored agent output can be
// normalized before matching.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// benignStderrSubstrings are known-harmless agent warnings about stale
// rollout files. Matching lines are suppressed entirely.
var benignStderrSubstrings = []string{
	"stale rollout",
	"failed to resolve rollout",
	"skipping rollout file",
}

// StderrFilter is an io.Writer for the spawned agent's stderr. It reassembles
// lines across arbitrary write chunks, strips ANSI escapes, collapses
// whitespace, and suppresses known-benign noise; everything else is surfaced
// as a diagnostic.
type StderrFilter struct {
	logger *logger.Logger

	mu  sync.Mutex
	buf strings.Builder
}

// NewStderrFilter creates a filter writing diagnostics to log.
func NewStderrFilter(log *logger.Logger) *StderrFilter {
	return &StderrFilter{logger: log.WithFields(zap.String("component", "codex-stderr"))}
}

// Write implements io.Writer. It never returns an error.
func (f *StderrFilter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf.Write(p)
	text := f.buf.String()
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		f.handleLine(text[:idx])
		text = text[idx+1:]
	}
	f.buf.Reset()
	f.buf.WriteString(text)
	return len(p), nil
}

// Flush emits any buffered partial line. Call after the process exits.
func (f *StderrFilter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf.Len() > 0 {
		f.handleLine(f.buf.String())
		f.buf.Reset()
	}
}

func (f *StderrFilter) handleLine(line string) {
	normalized := NormalizeStderrLine(line)
	if normalized == "" {
		return
	}
	if isBenignStderrLine(normalized) {
		return
	}
	f.logger.Warn("agent stderr", zap.String("line", normalized))
}

// NormalizeStderrLine strips ANSI escape sequences and collapses runs of
// whitespace into single spaces.
func NormalizeStderrLine(line string) string {
	line = ansiPattern.ReplaceAllString(line, "")
	return strings.Join(strings.Fields(line), " ")
}

func isBenignStderrLine(normalized string) bool {
	lower := strings.ToLower(normalized)
	for _, s := range benignStderrSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
