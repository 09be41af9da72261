package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerMessageDispatch(t *testing.T) {
	// Attachment data is base64 on the wire ("aGk=" is "hi").
	data := []byte(`{
		"type": "dispatch.request",
		"action": {
			"type": "turn.start",
			"requestId": "req-1",
			"threadId": "dl-1",
			"codexThreadId": "agent-1",
			"prompt": "hello",
			"attachments": [{"kind": "image", "name": "a.png", "data": "aGk="}]
		}
	}`)

	msg, err := ParseServerMessage(data)
	require.NoError(t, err)
	assert.Equal(t, TypeDispatchRequest, msg.Type)
	require.NotNil(t, msg.Action)
	assert.Equal(t, ActionTurnStart, msg.Action.Type)
	assert.Equal(t, "req-1", msg.Action.RequestID)
	assert.Equal(t, "agent-1", msg.Action.CodexThreadID)
	require.Len(t, msg.Action.Attachments, 1)
	assert.Equal(t, "image", msg.Action.Attachments[0].Kind)
	assert.Equal(t, []byte("hi"), msg.Action.Attachments[0].Data)
}

func TestParseServerMessageSessionError(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{
		"type": "session.error",
		"error": {"code": "UNAUTHORIZED", "message": "bad token"},
		"recoverable": false
	}`))
	require.NoError(t, err)
	assert.Equal(t, TypeSessionError, msg.Type)
	require.NotNil(t, msg.Error)
	assert.Equal(t, ErrCodeUnauthorized, msg.Error.Code)
	assert.False(t, msg.Recoverable)
}

func TestParseServerMessageMalformed(t *testing.T) {
	_, err := ParseServerMessage([]byte(`{"type":`))
	assert.Error(t, err)
}
