package codex

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durango-dev/durango/internal/common/logger"
)

func TestWatchProcessRecordsExitAndFlushesStderr(t *testing.T) {
	a := NewAppServerClient(AppServerConfig{URL: "ws://127.0.0.1:1", Bin: "sh"}, logger.Default())
	f := NewStderrFilter(logger.Default())

	// The final stderr line has no trailing newline.
	cmd := exec.Command("sh", "-c", "printf 'dangling diagnostic' 1>&2; exit 3")
	cmd.Stderr = f
	require.NoError(t, cmd.Start())

	a.watchProcess(cmd, f)

	code, exited := a.processExited()
	assert.True(t, exited)
	assert.Equal(t, 3, code)

	f.mu.Lock()
	assert.Zero(t, f.buf.Len(), "unterminated stderr line is drained on exit")
	f.mu.Unlock()
}
