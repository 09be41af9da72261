package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durango-dev/durango/pkg/codex"
	"github.com/durango-dev/durango/pkg/relay"
)

type fakeAgent struct {
	threadStartID  string
	threadStartErr error
	threadReadRaw  json.RawMessage
	threadReadErr  error
	turnStartErr   error
	interruptErr   error
	models         []codex.Model
	modelsErr      error

	turnStarts  []codex.TurnStartParams
	interrupted []string
}

func (a *fakeAgent) ThreadStart(ctx context.Context, params codex.ThreadStartParams) (string, error) {
	return a.threadStartID, a.threadStartErr
}

func (a *fakeAgent) ThreadRead(ctx context.Context, threadID string) (json.RawMessage, error) {
	return a.threadReadRaw, a.threadReadErr
}

func (a *fakeAgent) TurnStart(ctx context.Context, params codex.TurnStartParams) (json.RawMessage, error) {
	a.turnStarts = append(a.turnStarts, params)
	return json.RawMessage(`{}`), a.turnStartErr
}

func (a *fakeAgent) TurnInterrupt(ctx context.Context, threadID string) error {
	a.interrupted = append(a.interrupted, threadID)
	return a.interruptErr
}

func (a *fakeAgent) ListModels(ctx context.Context, limit, maxPages int) ([]codex.Model, error) {
	return a.models, a.modelsErr
}

func newTestCoordinator(agent *fakeAgent) (*Coordinator, *fakeSender, *Bindings) {
	sender := &fakeSender{}
	bindings := NewBindings()
	hydrator := NewHydrator("m-1", sender, testLogger())
	c := NewCoordinator("m-1", agent, bindings, hydrator, sender, testLogger())
	return c, sender, bindings
}

func ackStatuses(acks []*relay.DispatchAck) []string {
	out := make([]string, len(acks))
	for i, ack := range acks {
		out[i] = ack.Status
	}
	return out
}

func TestDispatchThreadStart(t *testing.T) {
	agent := &fakeAgent{threadStartID: "agent-1"}
	c, sender, bindings := newTestCoordinator(agent)

	c.HandleDispatch(context.Background(), &relay.DispatchAction{
		Type:      relay.ActionThreadStart,
		RequestID: "req-1",
		ThreadID:  "dl-1",
		Cwd:       t.TempDir(),
		Prompt:    "fix the build",
	})

	acks := sender.acks()
	assert.Equal(t, []string{relay.AckAccepted, relay.AckRunning, relay.AckCompleted}, ackStatuses(acks))
	for _, ack := range acks {
		assert.Equal(t, "req-1", ack.RequestID)
		assert.Equal(t, "m-1", ack.MachineID)
	}

	payload, ok := acks[2].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent-1", payload["codexThreadId"])
	assert.Equal(t, "started", payload["state"])

	threadID, bound := bindings.Lookup("agent-1")
	require.True(t, bound)
	assert.Equal(t, "dl-1", threadID)

	require.Len(t, agent.turnStarts, 1)
	require.Len(t, agent.turnStarts[0].Input, 1)
	assert.Equal(t, "text", agent.turnStarts[0].Input[0].Type)
	assert.Equal(t, "fix the build", agent.turnStarts[0].Input[0].Text)
	assert.NotNil(t, agent.turnStarts[0].Input[0].TextElements,
		"text input must serialize text_elements as an empty array")
}

func TestDispatchFailureAckChain(t *testing.T) {
	agent := &fakeAgent{threadStartErr: errors.New("spawn refused")}
	c, sender, _ := newTestCoordinator(agent)

	c.HandleDispatch(context.Background(), &relay.DispatchAction{
		Type:      relay.ActionThreadStart,
		RequestID: "req-1",
		Prompt:    "x",
	})

	acks := sender.acks()
	assert.Equal(t, []string{relay.AckAccepted, relay.AckRunning, relay.AckFailed}, ackStatuses(acks))
	require.NotNil(t, acks[2].Error)
	assert.Equal(t, relay.ErrCodeAppServerError, acks[2].Error.Code)
	assert.Contains(t, acks[2].Error.Message, "spawn refused")
}

func TestDispatchTurnStartAttachmentOnly(t *testing.T) {
	agent := &fakeAgent{}
	c, sender, bindings := newTestCoordinator(agent)

	cwd := t.TempDir()
	c.HandleDispatch(context.Background(), &relay.DispatchAction{
		Type:          relay.ActionTurnStart,
		RequestID:     "req-7",
		ThreadID:      "dl-1",
		CodexThreadID: "agent-1",
		Cwd:           cwd,
		Attachments: []relay.Attachment{
			{Kind: "image", Name: "screen shot.png", Data: []byte{0x89, 0x50}},
		},
	})

	acks := sender.acks()
	assert.Equal(t, []string{relay.AckAccepted, relay.AckRunning, relay.AckCompleted}, ackStatuses(acks))

	wantPath := filepath.Join(cwd, ".durango", "uploads", "req-7", "01-screen_shot.png")
	data, err := os.ReadFile(wantPath)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50}, data)

	require.Len(t, agent.turnStarts, 1)
	input := agent.turnStarts[0].Input
	require.Len(t, input, 1)
	assert.Equal(t, "localImage", input[0].Type)
	assert.Equal(t, wantPath, input[0].Path)

	_, bound := bindings.Lookup("agent-1")
	assert.True(t, bound)
}

func TestDispatchTurnStartFileAttachmentBecomesMention(t *testing.T) {
	agent := &fakeAgent{}
	c, _, _ := newTestCoordinator(agent)

	c.HandleDispatch(context.Background(), &relay.DispatchAction{
		Type:          relay.ActionTurnStart,
		RequestID:     "req-8",
		CodexThreadID: "agent-1",
		Cwd:           t.TempDir(),
		Prompt:        "review this",
		Attachments: []relay.Attachment{
			{Kind: "file", Name: "notes.md", Data: []byte("# notes")},
		},
	})

	require.Len(t, agent.turnStarts, 1)
	input := agent.turnStarts[0].Input
	require.Len(t, input, 2)
	assert.Equal(t, "text", input[0].Type)
	assert.Equal(t, "mention", input[1].Type)
	assert.Equal(t, "notes.md", input[1].Name)
	assert.Contains(t, input[1].Path, "01-notes.md")
}

func TestDispatchTurnStartEmptyInputFails(t *testing.T) {
	agent := &fakeAgent{}
	c, sender, _ := newTestCoordinator(agent)

	c.HandleDispatch(context.Background(), &relay.DispatchAction{
		Type:          relay.ActionTurnStart,
		RequestID:     "req-1",
		CodexThreadID: "agent-1",
		Prompt:        "   ",
	})

	acks := sender.acks()
	assert.Equal(t, []string{relay.AckAccepted, relay.AckRunning, relay.AckFailed}, ackStatuses(acks))
	assert.Contains(t, acks[2].Error.Message, "requires prompt text or at least one attachment")
	assert.Empty(t, agent.turnStarts)
}

func TestDispatchThreadHydrate(t *testing.T) {
	agent := &fakeAgent{
		threadReadRaw: json.RawMessage(`{"thread":{"id":"agent-1","items":[{"type":"agentMessage","text":"hi"}]}}`),
	}
	c, sender, bindings := newTestCoordinator(agent)

	c.HandleDispatch(context.Background(), &relay.DispatchAction{
		Type:          relay.ActionThreadHydrate,
		RequestID:     "req-1",
		ThreadID:      "dl-1",
		CodexThreadID: "agent-1",
	})

	acks := sender.acks()
	require.Equal(t, []string{relay.AckAccepted, relay.AckRunning, relay.AckCompleted}, ackStatuses(acks))
	payload, ok := acks[2].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hydrated", payload["state"])
	assert.Equal(t, 2, payload["importedItemCount"])

	threadID, bound := bindings.Lookup("agent-1")
	require.True(t, bound)
	assert.Equal(t, "dl-1", threadID)

	// Upserts went out for the replayed item and its terminator.
	assert.Len(t, sender.upserts(), 2)
}

func TestDispatchThreadHydrateDerivesThreadID(t *testing.T) {
	agent := &fakeAgent{threadReadRaw: json.RawMessage(`{}`)}
	c, _, bindings := newTestCoordinator(agent)

	c.HandleDispatch(context.Background(), &relay.DispatchAction{
		Type:          relay.ActionThreadHydrate,
		RequestID:     "req-1",
		CodexThreadID: "agent-1",
	})

	threadID, bound := bindings.Lookup("agent-1")
	require.True(t, bound)
	assert.Equal(t, "codex:agent-1", threadID)
}

func TestDispatchModelList(t *testing.T) {
	agent := &fakeAgent{models: []codex.Model{{ID: "gpt-5"}, {ID: "gpt-5-mini"}}}
	c, sender, _ := newTestCoordinator(agent)

	c.HandleDispatch(context.Background(), &relay.DispatchAction{
		Type:      relay.ActionModelList,
		RequestID: "req-1",
	})

	acks := sender.acks()
	require.Equal(t, []string{relay.AckAccepted, relay.AckRunning, relay.AckCompleted}, ackStatuses(acks))
	payload := acks[2].Payload.(map[string]any)
	models := payload["models"].([]codex.Model)
	assert.Len(t, models, 2)
}

func TestDispatchTurnInterrupt(t *testing.T) {
	agent := &fakeAgent{}
	c, sender, _ := newTestCoordinator(agent)

	c.HandleDispatch(context.Background(), &relay.DispatchAction{
		Type:          relay.ActionTurnInterrupt,
		RequestID:     "req-1",
		CodexThreadID: "agent-1",
	})

	acks := sender.acks()
	require.Equal(t, []string{relay.AckAccepted, relay.AckRunning, relay.AckCompleted}, ackStatuses(acks))
	assert.Equal(t, map[string]any{"state": "interrupted"}, acks[2].Payload)
	assert.Equal(t, []string{"agent-1"}, agent.interrupted)
}

func TestDispatchUnknownAction(t *testing.T) {
	c, sender, _ := newTestCoordinator(&fakeAgent{})

	c.HandleDispatch(context.Background(), &relay.DispatchAction{Type: "thread.destroy", RequestID: "req-1"})

	acks := sender.acks()
	require.Equal(t, []string{relay.AckAccepted, relay.AckRunning, relay.AckFailed}, ackStatuses(acks))
	assert.Contains(t, acks[2].Error.Message, "thread.destroy")
}

var attachmentNamePattern = regexp.MustCompile(`^\d{2}-[A-Za-z0-9._-]{1,120}$`)

func TestMaterializedAttachmentNames(t *testing.T) {
	base := t.TempDir()
	files, err := materializeAttachments(base, "req-1", []relay.Attachment{
		{Kind: "file", Name: "../../etc/passwd", Data: []byte("x")},
		{Kind: "file", Name: "weird name?*.txt", Data: []byte("x")},
		{Kind: "file", Name: "", Data: []byte("x")},
		{Kind: "image", Name: "очень.png", Data: []byte("x")},
	})
	require.NoError(t, err)
	require.Len(t, files, 4)

	for _, f := range files {
		rel, err := filepath.Rel(filepath.Join(base, ".durango", "uploads", "req-1"), f.Path)
		require.NoError(t, err)
		assert.Regexp(t, attachmentNamePattern, rel)
	}
}

func TestSafeAttachmentName(t *testing.T) {
	long := ""
	for range [30]int{} {
		long += "abcdefgh"
	}

	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"dir/sub/report.pdf", "report.pdf"},
		{"spaces here.txt", "spaces_here.txt"},
		{"", "attachment"},
		{"..", "attachment"},
		{long, long[:120]},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeAttachmentName(tt.in), "input %q", tt.in)
	}
}
