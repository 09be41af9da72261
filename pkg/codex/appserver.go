package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/durango-dev/durango/internal/common/logger"
)

// ExistingProbeTimeout bounds the single dial attempt made to detect a
// pre-existing agent server before spawning one.
const ExistingProbeTimeout = 1500 * time.Millisecond

// Pagination clamps for thread/list and model/list.
const (
	minPageLimit = 1
	maxPageLimit = 100
	minMaxPages  = 1
	maxMaxPages  = 20
)

// AppServerConfig configures the agent client.
type AppServerConfig struct {
	// URL is the agent server WebSocket URL.
	URL string
	// Bin is the agent binary spawned when no server answers at URL.
	Bin string
	// ClientName and ClientVersion are reported in initialize.
	ClientName    string
	ClientVersion string
}

// AppServerClient provides typed operations against the agent server,
// spawning the agent binary when no pre-existing server answers.
type AppServerClient struct {
	cfg    AppServerConfig
	logger *logger.Logger

	rpc *Client

	cmd      *exec.Cmd
	cmdMu    sync.Mutex
	exitCode atomic.Int64
	exited   atomic.Bool
	spawned  bool
}

// NewAppServerClient creates an agent client. Start must be called before
// any operation.
func NewAppServerClient(cfg AppServerConfig, log *logger.Logger) *AppServerClient {
	return &AppServerClient{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "codex-client")),
		rpc:    NewClient(log),
	}
}

// Notifications exposes the agent notification stream.
func (a *AppServerClient) Notifications() <-chan Notification {
	return a.rpc.Notifications()
}

// Spawned reports whether this client owns the agent process.
func (a *AppServerClient) Spawned() bool { return a.spawned }

// Start attaches to a pre-existing agent server or spawns one, then performs
// the initialize handshake. Initialization completes before any other
// request is issued.
func (a *AppServerClient) Start(ctx context.Context) error {
	if err := a.rpc.ConnectOnce(ctx, a.cfg.URL, ExistingProbeTimeout); err == nil {
		a.logger.Info("attached to existing agent server", zap.String("url", a.cfg.URL))
	} else {
		a.logger.Info("no existing agent server, spawning",
			zap.String("bin", a.cfg.Bin), zap.String("url", a.cfg.URL))
		if err := a.spawn(); err != nil {
			return err
		}
		if err := a.rpc.Connect(ctx, a.cfg.URL, a.processExited); err != nil {
			a.killSpawned()
			return err
		}
	}
	return a.initialize(ctx)
}

func (a *AppServerClient) spawn() error {
	cmd := exec.Command(a.cfg.Bin, "app-server", "--listen", a.cfg.URL)
	cmd.Stdout = io.Discard
	stderr := NewStderrFilter(a.logger)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s app-server: %w", a.cfg.Bin, err)
	}

	a.cmdMu.Lock()
	a.cmd = cmd
	a.spawned = true
	a.cmdMu.Unlock()

	go a.watchProcess(cmd, stderr)
	return nil
}

// watchProcess records the agent's exit and drains any unterminated stderr
// line so a final diagnostic is not lost.
func (a *AppServerClient) watchProcess(cmd *exec.Cmd, stderr *StderrFilter) {
	err := cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	a.exitCode.Store(int64(code))
	a.exited.Store(true)
	stderr.Flush()
}

func (a *AppServerClient) processExited() (int, bool) {
	if !a.exited.Load() {
		return 0, false
	}
	return int(a.exitCode.Load()), true
}

func (a *AppServerClient) killSpawned() {
	a.cmdMu.Lock()
	cmd := a.cmd
	a.cmdMu.Unlock()
	if cmd != nil && cmd.Process != nil && !a.exited.Load() {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (a *AppServerClient) initialize(ctx context.Context) error {
	_, err := a.rpc.Call(ctx, MethodInitialize, InitializeParams{
		ClientInfo:   ClientInfo{Name: a.cfg.ClientName, Version: a.cfg.ClientVersion},
		Capabilities: Capabilities{ExperimentalAPI: true},
	})
	if err != nil {
		return fmt.Errorf("initialize agent server: %w", err)
	}
	if err := a.rpc.Notify(MethodInitialized, nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	a.logger.Info("agent server initialized")
	return nil
}

// Close tears down the transport and signals any spawned agent process.
func (a *AppServerClient) Close() error {
	err := a.rpc.Close()
	a.killSpawned()
	return err
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ListThreads paginates thread/list with a cursor, terminating on an empty
// page or a null cursor.
func (a *AppServerClient) ListThreads(ctx context.Context, limit, maxPages int) ([]Thread, error) {
	limit = clamp(limit, minPageLimit, maxPageLimit)
	maxPages = clamp(maxPages, minMaxPages, maxMaxPages)

	var threads []Thread
	cursor := ""
	for page := 0; page < maxPages; page++ {
		raw, err := a.rpc.Call(ctx, MethodThreadList, ThreadListParams{Limit: limit, Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("thread/list page %d: %w", page+1, err)
		}
		var result ThreadListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode thread/list response: %w", err)
		}
		if len(result.Data) == 0 {
			break
		}
		threads = append(threads, result.Data...)
		if result.NextCursor == nil || *result.NextCursor == "" {
			break
		}
		cursor = *result.NextCursor
	}
	return threads, nil
}

// ListModels paginates model/list identically to ListThreads.
func (a *AppServerClient) ListModels(ctx context.Context, limit, maxPages int) ([]Model, error) {
	limit = clamp(limit, minPageLimit, maxPageLimit)
	maxPages = clamp(maxPages, minMaxPages, maxMaxPages)

	var models []Model
	cursor := ""
	for page := 0; page < maxPages; page++ {
		raw, err := a.rpc.Call(ctx, MethodModelList, ModelListParams{Limit: limit, Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("model/list page %d: %w", page+1, err)
		}
		var result ModelListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode model/list response: %w", err)
		}
		if len(result.Data) == 0 {
			break
		}
		models = append(models, result.Data...)
		if result.NextCursor == nil || *result.NextCursor == "" {
			break
		}
		cursor = *result.NextCursor
	}
	return models, nil
}

// ThreadStart creates a thread. Approval policy defaults to "never" and
// sandbox to "danger-full-access"; raw events are always requested.
func (a *AppServerClient) ThreadStart(ctx context.Context, params ThreadStartParams) (string, error) {
	if params.ApprovalPolicy == "" {
		params.ApprovalPolicy = "never"
	}
	if params.Sandbox == "" {
		params.Sandbox = "danger-full-access"
	}
	params.ExperimentalRawEvent = true

	raw, err := a.rpc.Call(ctx, MethodThreadStart, params)
	if err != nil {
		return "", fmt.Errorf("thread/start: %w", err)
	}
	var result ThreadStartResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode thread/start response: %w", err)
	}
	if result.Thread.ID == "" {
		return "", fmt.Errorf("thread/start returned empty thread id (raw: %s)", raw)
	}
	return result.Thread.ID, nil
}

// ThreadRead fetches a thread with its turns. The response shape varies
// across agent versions, so the raw payload is returned for the hydration
// engine to interpret.
func (a *AppServerClient) ThreadRead(ctx context.Context, threadID string) (json.RawMessage, error) {
	raw, err := a.rpc.Call(ctx, MethodThreadRead, ThreadReadParams{ThreadID: threadID, IncludeTurns: true})
	if err != nil {
		return nil, fmt.Errorf("thread/read %s: %w", threadID, err)
	}
	return raw, nil
}

// TurnStart starts a turn. The input must contain at least one item.
func (a *AppServerClient) TurnStart(ctx context.Context, params TurnStartParams) (json.RawMessage, error) {
	if len(params.Input) == 0 {
		return nil, fmt.Errorf("turn/start requires at least one input item")
	}
	raw, err := a.rpc.Call(ctx, MethodTurnStart, params)
	if err != nil {
		return nil, fmt.Errorf("turn/start: %w", err)
	}
	return raw, nil
}

// TurnInterrupt requests a best-effort cancel of the running turn.
func (a *AppServerClient) TurnInterrupt(ctx context.Context, threadID string) error {
	if _, err := a.rpc.Call(ctx, MethodTurnInterrupt, TurnInterruptParams{ThreadID: threadID}); err != nil {
		return fmt.Errorf("turn/interrupt %s: %w", threadID, err)
	}
	return nil
}

// GetAuthStatus reads the agent's authentication state.
func (a *AppServerClient) GetAuthStatus(ctx context.Context) (*AuthStatus, error) {
	raw, err := a.rpc.Call(ctx, MethodGetAuthStatus, nil)
	if err != nil {
		return nil, fmt.Errorf("getAuthStatus: %w", err)
	}
	var status AuthStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("decode getAuthStatus response: %w", err)
	}
	return &status, nil
}
