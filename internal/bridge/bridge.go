package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/durango-dev/durango/internal/common/logger"
	"github.com/durango-dev/durango/internal/config"
	relaylink "github.com/durango-dev/durango/internal/relay"
	"github.com/durango-dev/durango/pkg/codex"
	"github.com/durango-dev/durango/pkg/relay"
)

// Bridge wires the agent client, the relay link, and the dispatch machinery
// into one session. A session is single-shot: once either side drops, the
// process is expected to exit.
type Bridge struct {
	cfg     *config.Config
	machine relay.MachineDescriptor
	logger  *logger.Logger

	agent    *codex.AppServerClient
	link     *relaylink.Client
	api      *relaylink.APIClient
	bindings *Bindings

	forwarder   *Forwarder
	coordinator *Coordinator
	bootstrap   *Bootstrap

	relayReady atomic.Bool
	startedAt  time.Time

	fatal chan error
}

// Status is the snapshot served by the debug endpoint.
type Status struct {
	MachineID      string `json:"machineId"`
	RelayConnected bool   `json:"relayConnected"`
	AgentConnected bool   `json:"agentConnected"`
	Bindings       int    `json:"bindings"`
	UptimeSeconds  int64  `json:"uptimeSeconds"`
}

// New assembles a bridge from config. Run starts it.
func New(cfg *config.Config, machine relay.MachineDescriptor, log *logger.Logger) *Bridge {
	b := &Bridge{
		cfg:      cfg,
		machine:  machine,
		logger:   log.WithFields(zap.String("component", "bridge")),
		bindings: NewBindings(),
		fatal:    make(chan error, 1),
	}

	b.agent = codex.NewAppServerClient(codex.AppServerConfig{
		URL:           cfg.Codex.AppServerURL,
		Bin:           cfg.Codex.Bin,
		ClientName:    "durango",
		ClientVersion: machine.CLIVersion,
	}, log)

	b.api = relaylink.NewAPIClient(cfg.Relay.URL, cfg.Machine.Token)
	b.link = relaylink.NewClient(cfg.RelayWebSocketURL(), cfg.Machine.Token, machine, relaylink.Handlers{
		OnSessionReady: b.onSessionReady,
		OnDispatch:     b.onDispatch,
		OnSessionError: b.onSessionError,
		OnDisconnect:   b.onDisconnect,
	}, log)

	b.forwarder = NewForwarder(machine.MachineID, b.bindings, b.link, log)
	hydrator := NewHydrator(machine.MachineID, b.link, log)
	b.coordinator = NewCoordinator(machine.MachineID, b.agent, b.bindings, hydrator, b.link, log)
	b.bootstrap = NewBootstrap(machine.MachineID, cfg.ProjectsFile(), b.api, b.agent, b.bindings, b.link, log)

	return b
}

// Status reports the current session state.
func (b *Bridge) Status() Status {
	var uptime int64
	if !b.startedAt.IsZero() {
		uptime = int64(time.Since(b.startedAt).Seconds())
	}
	return Status{
		MachineID:      b.machine.MachineID,
		RelayConnected: b.relayReady.Load(),
		AgentConnected: !b.startedAt.IsZero(),
		Bindings:       b.bindings.Len(),
		UptimeSeconds:  uptime,
	}
}

// Run connects agent-first, then the relay, and blocks until the context is
// cancelled or the session fails. Teardown closes both transports; a spawned
// agent process receives SIGTERM.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.agent.Start(ctx); err != nil {
		return fmt.Errorf("start agent client: %w", err)
	}
	defer b.agent.Close()
	b.startedAt = time.Now()

	b.probeAuth(ctx)

	if err := b.link.Connect(ctx); err != nil {
		return err
	}
	defer b.link.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.forwardNotifications(ctx) })
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-b.fatal:
			return err
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		b.logger.Info("bridge shutting down")
		return nil
	}
	return err
}

func (b *Bridge) forwardNotifications(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-b.agent.Notifications():
			if !ok {
				return errors.New("agent connection lost")
			}
			b.forwarder.HandleNotification(n)
		}
	}
}

// probeAuth surfaces the agent's auth state at startup so an unauthenticated
// agent is visible before the first dispatch fails.
func (b *Bridge) probeAuth(ctx context.Context) {
	status, err := b.agent.GetAuthStatus(ctx)
	if err != nil {
		b.logger.WithError(err).Warn("could not read agent auth status")
		return
	}
	if !status.Authenticated {
		b.logger.Warn("agent is not authenticated, dispatches will fail",
			zap.String("code", relay.ErrCodeCodexUnauthenticated))
		return
	}
	b.logger.Info("agent authenticated",
		zap.String("method", status.Method), zap.String("email", status.Email))
}

func (b *Bridge) onSessionReady(machineID, userID string, heartbeatInterval time.Duration) {
	b.relayReady.Store(true)
	b.logger.Info("session ready",
		zap.String("machine_id", machineID),
		zap.String("user_id", userID),
		zap.Duration("heartbeat_interval", heartbeatInterval))
	go b.bootstrap.Run(context.Background())
}

func (b *Bridge) onDispatch(action *relay.DispatchAction) {
	// Callbacks run on the relay read loop; dispatches block on agent
	// round-trips, so each runs on its own goroutine.
	go b.coordinator.HandleDispatch(context.Background(), action)
}

func (b *Bridge) onSessionError(errEnv *relay.ErrorEnvelope, recoverable bool) {
	if recoverable || errEnv == nil {
		return
	}
	b.fail(fmt.Errorf("relay session error %s: %s", errEnv.Code, errEnv.Message))
}

func (b *Bridge) onDisconnect(err error) {
	b.relayReady.Store(false)
	b.fail(fmt.Errorf("relay connection lost: %w", err))
}

func (b *Bridge) fail(err error) {
	select {
	case b.fatal <- err:
	default:
	}
}
