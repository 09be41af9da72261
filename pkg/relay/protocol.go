// Package relay provides types for the durango relay protocol.
// The relay brokers between the web product and bridge daemons over a
// WebSocket carrying JSON text frames, plus a small HTTP API.
package relay

import "encoding/json"

// Client → server message types.
const (
	TypeMachineHello     = "machine.hello"
	TypeMachineHeartbeat = "machine.heartbeat"
	TypeDispatchAck      = "dispatch.ack"
	TypeEventUpsert      = "event.upsert"
	TypeThreadUpdate     = "thread.update"
	TypeThreadUpsert     = "thread.upsert"
)

// Server → client message types.
const (
	TypeSessionReady    = "session.ready"
	TypeDispatchRequest = "dispatch.request"
	TypeSessionError    = "session.error"
)

// Relay error codes.
const (
	ErrCodeMachineOffline       = "MACHINE_OFFLINE"
	ErrCodeCodexUnauthenticated = "CODEX_UNAUTHENTICATED"
	ErrCodeProjectNotFound      = "PROJECT_NOT_FOUND"
	ErrCodeDispatchTimeout      = "DISPATCH_TIMEOUT"
	ErrCodeAppServerError       = "APP_SERVER_ERROR"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeValidationError      = "VALIDATION_ERROR"
)

// Dispatch ack statuses. For every dispatch the bridge emits acks in strict
// order: accepted, running, then exactly one of completed or failed.
const (
	AckAccepted  = "accepted"
	AckRunning   = "running"
	AckCompleted = "completed"
	AckFailed    = "failed"
)

// Dispatch action types.
const (
	ActionThreadStart   = "thread.start"
	ActionThreadHydrate = "thread.hydrate"
	ActionTurnStart     = "turn.start"
	ActionModelList     = "model.list"
	ActionTurnInterrupt = "turn.interrupt"
)

// ErrorEnvelope carries a relay error code with a human-readable message.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// MachineDescriptor describes this machine in the hello handshake.
type MachineDescriptor struct {
	MachineID    string `json:"machineId"`
	UserID       string `json:"userId"`
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	Arch         string `json:"arch"`
	OSVersion    string `json:"osVersion,omitempty"`
	CLIVersion   string `json:"cliVersion"`
	CodexVersion string `json:"codexVersion,omitempty"`
}

// MachineHello is the first client frame after socket open.
type MachineHello struct {
	Type    string            `json:"type"`
	Token   string            `json:"token"`
	Machine MachineDescriptor `json:"machine"`
}

// MachineHeartbeat is sent at the relay-specified interval after session.ready.
type MachineHeartbeat struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	Timestamp int64  `json:"timestamp"`
}

// DispatchAck acknowledges progress on a dispatch request.
type DispatchAck struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	MachineID string         `json:"machineId"`
	Status    string         `json:"status"`
	Error     *ErrorEnvelope `json:"error,omitempty"`
	Payload   any            `json:"payload,omitempty"`
}

// EventUpsert forwards one translated item to the relay.
type EventUpsert struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	MachineID string `json:"machineId"`
	ThreadID  string `json:"threadId"`
	RunID     string `json:"runId,omitempty"`
	Item      *Item  `json:"item"`
}

// ThreadUpdate carries a title change for an already-known thread.
type ThreadUpdate struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	ThreadID  string `json:"threadId"`
	Title     string `json:"title"`
}

// ThreadUpsert announces a discovered agent thread to the relay.
type ThreadUpsert struct {
	Type      string        `json:"type"`
	MachineID string        `json:"machineId"`
	Thread    ThreadSummary `json:"thread"`
}

// ThreadSummary is the relay-side thread record sent in thread.upsert.
type ThreadSummary struct {
	ID            string `json:"id"`
	ProjectID     string `json:"projectId"`
	CodexThreadID string `json:"codexThreadId"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// ServerMessage is the tagged envelope for inbound relay frames.
// Only the fields for the matching Type are populated.
type ServerMessage struct {
	Type string `json:"type"`

	// session.ready
	MachineID           string `json:"machineId,omitempty"`
	UserID              string `json:"userId,omitempty"`
	HeartbeatIntervalMs int    `json:"heartbeatIntervalMs,omitempty"`

	// dispatch.request
	Action *DispatchAction `json:"action,omitempty"`

	// session.error
	Error       *ErrorEnvelope `json:"error,omitempty"`
	Recoverable bool           `json:"recoverable,omitempty"`
}

// DispatchAction is the union of fields across the five dispatch actions.
type DispatchAction struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`

	// Relay-assigned downstream thread id (thread.start, thread.hydrate, turn.start).
	ThreadID string `json:"threadId,omitempty"`
	// Agent thread id (thread.hydrate, turn.start against an existing thread).
	CodexThreadID string `json:"codexThreadId,omitempty"`

	Cwd             string          `json:"cwd,omitempty"`
	Prompt          string          `json:"prompt,omitempty"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort string          `json:"reasoningEffort,omitempty"`
	ApprovalPolicy  string          `json:"approvalPolicy,omitempty"`
	Sandbox         string          `json:"sandbox,omitempty"`
	Attachments     []Attachment    `json:"attachments,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// Attachment is an uploaded file carried inline in a dispatch request.
// Data is base64-encoded on the wire.
type Attachment struct {
	Kind string `json:"kind"` // "image" or "file"
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Item is the frozen downstream item schema: a tagged union over six variants.
// Every item carries id, turnId, and a millisecond timestamp; the remaining
// fields depend on Type.
type Item struct {
	ID        string `json:"id"`
	TurnID    string `json:"turnId"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`

	// userMessage, agentMessage, plan
	Text string `json:"text,omitempty"`

	// reasoning
	Summary []string `json:"summary,omitempty"`

	// commandExecution
	Command  string `json:"command,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Status   string `json:"status,omitempty"` // running, completed, failed, interrupted
	Output   string `json:"output,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`

	// fileChange
	Path  string `json:"path,omitempty"`
	Patch string `json:"patch,omitempty"`
}

// Item type tags.
const (
	ItemUserMessage      = "userMessage"
	ItemAgentMessage     = "agentMessage"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "commandExecution"
	ItemFileChange       = "fileChange"
	ItemPlan             = "plan"
)

// Command/turn statuses after normalization.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// ParseServerMessage decodes one inbound relay frame.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// NewDispatchAck builds a dispatch.ack message.
func NewDispatchAck(requestID, machineID, status string) *DispatchAck {
	return &DispatchAck{
		Type:      TypeDispatchAck,
		RequestID: requestID,
		MachineID: machineID,
		Status:    status,
	}
}

// NewEventUpsert builds an event.upsert message.
func NewEventUpsert(requestID, machineID, threadID string, item *Item) *EventUpsert {
	return &EventUpsert{
		Type:      TypeEventUpsert,
		RequestID: requestID,
		MachineID: machineID,
		ThreadID:  threadID,
		Item:      item,
	}
}
