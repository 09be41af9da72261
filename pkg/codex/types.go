// Package codex provides types and a client for the Codex app-server protocol.
// The app-server speaks JSON-RPC 2.0 over a single WebSocket; responses
// sometimes omit the "jsonrpc":"2.0" header, which the client accepts.
package codex

import "encoding/json"

// Request represents an outbound JSON-RPC request. Outbound frames always
// carry the jsonrpc marker.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification represents a JSON-RPC notification (no id field).
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// App-server method names.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadRead    = "thread/read"
	MethodThreadList    = "thread/list"
	MethodModelList     = "model/list"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodGetAuthStatus = "getAuthStatus"
)

// InitializeParams for initialize.
type InitializeParams struct {
	ClientInfo   ClientInfo   `json:"clientInfo"`
	Capabilities Capabilities `json:"capabilities"`
}

// ClientInfo identifies the client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises client capabilities.
type Capabilities struct {
	ExperimentalAPI bool `json:"experimentalApi"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Cwd                  string `json:"cwd"`
	Model                string `json:"model,omitempty"`
	ApprovalPolicy       string `json:"approvalPolicy,omitempty"` // "untrusted", "on-failure", "on-request", "never"
	Sandbox              string `json:"sandbox,omitempty"`        // "workspace-write", "read-only", "danger-full-access"
	ExperimentalRawEvent bool   `json:"experimentalRawEvents"`
}

// ThreadStartResult from thread/start.
type ThreadStartResult struct {
	Thread Thread `json:"thread"`
}

// Thread is the app-server thread record. Listing responses add cwd and a
// preview of the latest user prompt.
type Thread struct {
	ID        string `json:"id"`
	Cwd       string `json:"cwd,omitempty"`
	Preview   string `json:"preview,omitempty"`
	CreatedAt any    `json:"createdAt,omitempty"` // seconds or millis, normalized downstream
	UpdatedAt any    `json:"updatedAt,omitempty"`
}

// ThreadReadParams for thread/read.
type ThreadReadParams struct {
	ThreadID     string `json:"threadId"`
	IncludeTurns bool   `json:"includeTurns"`
}

// ThreadListParams for one page of thread/list.
type ThreadListParams struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// ThreadListResult from thread/list.
type ThreadListResult struct {
	Data       []Thread `json:"data"`
	NextCursor *string  `json:"nextCursor"`
}

// ModelListParams for one page of model/list.
type ModelListParams struct {
	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// Model is one entry from model/list.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}

// ModelListResult from model/list.
type ModelListResult struct {
	Data       []Model `json:"data"`
	NextCursor *string `json:"nextCursor"`
}

// InputItem is one element of turn/start input. Text items always carry an
// empty text_elements array on the wire; other kinds omit the key entirely,
// which is why the tag uses omitzero rather than omitempty.
type InputItem struct {
	Type         string `json:"type"` // "text", "image", "localImage", "mention", "skill"
	Text         string `json:"text,omitempty"`
	TextElements []any  `json:"text_elements,omitzero"`
	URL          string `json:"url,omitempty"`
	Path         string `json:"path,omitempty"`
	Name         string `json:"name,omitempty"`
}

// NewTextInput builds a text input item.
func NewTextInput(text string) InputItem {
	return InputItem{Type: "text", Text: text, TextElements: []any{}}
}

// NewLocalImageInput builds a localImage input item.
func NewLocalImageInput(path string) InputItem {
	return InputItem{Type: "localImage", Path: path}
}

// NewMentionInput builds a mention input item.
func NewMentionInput(name, path string) InputItem {
	return InputItem{Type: "mention", Name: name, Path: path}
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID        string      `json:"threadId"`
	Input           []InputItem `json:"input"`
	Model           string      `json:"model,omitempty"`
	ReasoningEffort string      `json:"reasoningEffort,omitempty"`
	ApprovalPolicy  string      `json:"approvalPolicy,omitempty"`
	Sandbox         string      `json:"sandbox,omitempty"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
}

// AuthStatus from getAuthStatus.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Method        string `json:"method,omitempty"`
	Email         string `json:"email,omitempty"`
}
