package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/durango-dev/durango/internal/common/logger"
	"github.com/durango-dev/durango/pkg/codex"
	"github.com/durango-dev/durango/pkg/relay"
)

// agentAPI is the slice of the agent client the coordinator needs.
type agentAPI interface {
	ThreadStart(ctx context.Context, params codex.ThreadStartParams) (string, error)
	ThreadRead(ctx context.Context, threadID string) (json.RawMessage, error)
	TurnStart(ctx context.Context, params codex.TurnStartParams) (json.RawMessage, error)
	TurnInterrupt(ctx context.Context, threadID string) error
	ListModels(ctx context.Context, limit, maxPages int) ([]codex.Model, error)
}

// Coordinator executes relay dispatch requests against the agent and
// reports progress through the accepted/running/completed|failed ack chain.
type Coordinator struct {
	machineID string
	agent     agentAPI
	bindings  *Bindings
	hydrator  *Hydrator
	sender    relaySender
	logger    *logger.Logger
}

// NewCoordinator creates a dispatch coordinator.
func NewCoordinator(machineID string, agent agentAPI, bindings *Bindings, hydrator *Hydrator, sender relaySender, log *logger.Logger) *Coordinator {
	return &Coordinator{
		machineID: machineID,
		agent:     agent,
		bindings:  bindings,
		hydrator:  hydrator,
		sender:    sender,
		logger:    log.WithFields(zap.String("component", "coordinator")),
	}
}

// HandleDispatch runs one dispatch to completion. Every dispatch is
// acknowledged accepted then running before any work, and ends with exactly
// one of completed or failed.
func (c *Coordinator) HandleDispatch(ctx context.Context, action *relay.DispatchAction) {
	log := c.logger.WithFields(
		zap.String("request_id", action.RequestID),
		zap.String("action", action.Type),
	)
	log.Info("dispatch received")

	c.ack(action.RequestID, relay.AckAccepted, nil, nil)
	c.ack(action.RequestID, relay.AckRunning, nil, nil)

	payload, err := c.run(ctx, action)
	if err != nil {
		log.WithError(err).Error("dispatch failed")
		c.ack(action.RequestID, relay.AckFailed, &relay.ErrorEnvelope{
			Code:    relay.ErrCodeAppServerError,
			Message: err.Error(),
		}, nil)
		return
	}

	c.ack(action.RequestID, relay.AckCompleted, nil, payload)
	log.Info("dispatch completed")
}

func (c *Coordinator) run(ctx context.Context, action *relay.DispatchAction) (any, error) {
	switch action.Type {
	case relay.ActionThreadStart:
		return c.threadStart(ctx, action)
	case relay.ActionThreadHydrate:
		return c.threadHydrate(ctx, action)
	case relay.ActionTurnStart:
		return c.turnStart(ctx, action)
	case relay.ActionModelList:
		return c.modelList(ctx)
	case relay.ActionTurnInterrupt:
		return c.turnInterrupt(ctx, action)
	default:
		return nil, fmt.Errorf("unknown dispatch action %q", action.Type)
	}
}

func (c *Coordinator) threadStart(ctx context.Context, action *relay.DispatchAction) (any, error) {
	codexThreadID, err := c.agent.ThreadStart(ctx, codex.ThreadStartParams{
		Cwd:            action.Cwd,
		Model:          action.Model,
		ApprovalPolicy: action.ApprovalPolicy,
		Sandbox:        action.Sandbox,
	})
	if err != nil {
		return nil, err
	}

	// Binding must be in place before turn/start so the first notifications
	// are not dropped as unbound.
	c.bindings.Install(codexThreadID, c.downstreamID(action, codexThreadID))

	input, err := buildTurnInput(action)
	if err != nil {
		return nil, err
	}
	if _, err := c.agent.TurnStart(ctx, c.turnParams(action, codexThreadID, input)); err != nil {
		return nil, err
	}

	return map[string]any{"codexThreadId": codexThreadID, "state": "started"}, nil
}

func (c *Coordinator) threadHydrate(ctx context.Context, action *relay.DispatchAction) (any, error) {
	if action.CodexThreadID == "" {
		return nil, fmt.Errorf("thread.hydrate requires codexThreadId")
	}
	threadID := c.downstreamID(action, action.CodexThreadID)
	c.bindings.Install(action.CodexThreadID, threadID)

	raw, err := c.agent.ThreadRead(ctx, action.CodexThreadID)
	if err != nil {
		return nil, err
	}
	count, err := c.hydrator.Hydrate(action.RequestID, threadID, raw)
	if err != nil {
		return nil, fmt.Errorf("hydrate thread %s: %w", action.CodexThreadID, err)
	}

	return map[string]any{"state": "hydrated", "importedItemCount": count}, nil
}

func (c *Coordinator) turnStart(ctx context.Context, action *relay.DispatchAction) (any, error) {
	if action.CodexThreadID == "" {
		return nil, fmt.Errorf("turn.start requires codexThreadId")
	}
	c.bindings.Install(action.CodexThreadID, c.downstreamID(action, action.CodexThreadID))

	input, err := buildTurnInput(action)
	if err != nil {
		return nil, err
	}
	if _, err := c.agent.TurnStart(ctx, c.turnParams(action, action.CodexThreadID, input)); err != nil {
		return nil, err
	}

	return map[string]any{"state": "started"}, nil
}

func (c *Coordinator) modelList(ctx context.Context) (any, error) {
	models, err := c.agent.ListModels(ctx, 100, 20)
	if err != nil {
		return nil, err
	}
	return map[string]any{"models": models}, nil
}

func (c *Coordinator) turnInterrupt(ctx context.Context, action *relay.DispatchAction) (any, error) {
	if action.CodexThreadID == "" {
		return nil, fmt.Errorf("turn.interrupt requires codexThreadId")
	}
	if err := c.agent.TurnInterrupt(ctx, action.CodexThreadID); err != nil {
		return nil, err
	}
	return map[string]any{"state": "interrupted"}, nil
}

func (c *Coordinator) turnParams(action *relay.DispatchAction, codexThreadID string, input []codex.InputItem) codex.TurnStartParams {
	return codex.TurnStartParams{
		ThreadID:        codexThreadID,
		Input:           input,
		Model:           action.Model,
		ReasoningEffort: action.ReasoningEffort,
		ApprovalPolicy:  action.ApprovalPolicy,
		Sandbox:         action.Sandbox,
	}
}

// downstreamID prefers the relay-assigned thread id, deriving one from the
// agent thread id only when the dispatch carried none.
func (c *Coordinator) downstreamID(action *relay.DispatchAction, codexThreadID string) string {
	if action.ThreadID != "" {
		return action.ThreadID
	}
	return DeriveThreadID(codexThreadID)
}

func (c *Coordinator) ack(requestID, status string, errEnv *relay.ErrorEnvelope, payload any) {
	ack := relay.NewDispatchAck(requestID, c.machineID, status)
	ack.Error = errEnv
	ack.Payload = payload
	if err := c.sender.Send(ack); err != nil {
		c.logger.Warn("relay send failed",
			zap.String("request_id", requestID), zap.String("status", status), zap.Error(err))
	}
}
