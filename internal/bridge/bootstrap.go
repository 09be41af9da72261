package bridge

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/durango-dev/durango/internal/common/logger"
	"github.com/durango-dev/durango/internal/project"
	"github.com/durango-dev/durango/pkg/codex"
	"github.com/durango-dev/durango/pkg/relay"
)

const defaultThreadTitle = "Imported Codex thread"

// projectRegistrar is the slice of the relay HTTP API bootstrap needs.
type projectRegistrar interface {
	RegisterProject(ctx context.Context, project any) error
}

// threadLister enumerates existing agent threads.
type threadLister interface {
	ListThreads(ctx context.Context, limit, maxPages int) ([]codex.Thread, error)
}

// Bootstrap runs the one-time sync after session.ready: it registers this
// machine's projects with the relay and announces existing agent threads
// that live inside a registered project.
type Bootstrap struct {
	machineID    string
	projectsFile string
	api          projectRegistrar
	agent        threadLister
	bindings     *Bindings
	sender       relaySender
	logger       *logger.Logger
}

// NewBootstrap creates a bootstrap runner.
func NewBootstrap(machineID, projectsFile string, api projectRegistrar, agent threadLister, bindings *Bindings, sender relaySender, log *logger.Logger) *Bootstrap {
	return &Bootstrap{
		machineID:    machineID,
		projectsFile: projectsFile,
		api:          api,
		agent:        agent,
		bindings:     bindings,
		sender:       sender,
		logger:       log.WithFields(zap.String("component", "bootstrap")),
	}
}

// Run performs the sync. Registration failures are skipped per project; a
// failed thread listing aborts only the discovery half.
func (b *Bootstrap) Run(ctx context.Context) {
	mine := b.registerProjects(ctx)
	b.discoverThreads(ctx, mine)
}

func (b *Bootstrap) registerProjects(ctx context.Context) []project.Project {
	projects, err := project.Load(b.projectsFile)
	if err != nil {
		b.logger.WithError(err).Warn("failed to load project manifest")
		return nil
	}
	mine := project.ForMachine(projects, b.machineID)

	registered := 0
	for _, p := range mine {
		if err := b.api.RegisterProject(ctx, p); err != nil {
			b.logger.WithError(err).Warn("project registration failed",
				zap.String("project_id", p.ID), zap.String("path", p.AbsolutePath))
			continue
		}
		registered++
	}
	b.logger.Info("registered projects",
		zap.Int("registered", registered), zap.Int("total", len(mine)))
	return mine
}

func (b *Bootstrap) discoverThreads(ctx context.Context, projects []project.Project) {
	threads, err := b.agent.ListThreads(ctx, 50, 10)
	if err != nil {
		b.logger.WithError(err).Warn("thread discovery failed")
		return
	}

	announced := 0
	now := time.Now().UnixMilli()
	for _, t := range threads {
		if t.ID == "" || t.Cwd == "" {
			continue
		}
		p := project.FindByLongestPrefix(projects, t.Cwd)
		if p == nil {
			continue
		}

		threadID := DeriveThreadID(t.ID)
		b.bindings.Install(t.ID, threadID)
		upsert := &relay.ThreadUpsert{
			Type:      relay.TypeThreadUpsert,
			MachineID: b.machineID,
			Thread: relay.ThreadSummary{
				ID:            threadID,
				ProjectID:     p.ID,
				CodexThreadID: t.ID,
				Title:         ThreadTitle(t.Preview),
				Status:        "active",
				CreatedAt:     NormalizeTimestamp(t.CreatedAt, now),
				UpdatedAt:     NormalizeTimestamp(t.UpdatedAt, now),
			},
		}
		if err := b.sender.Send(upsert); err != nil {
			b.logger.WithError(err).Warn("thread.upsert send failed", zap.String("thread_id", threadID))
			continue
		}
		announced++
	}
	b.logger.Info("announced existing threads",
		zap.Int("announced", announced), zap.Int("listed", len(threads)))
}

// ThreadTitle derives a display title from the agent's preview text: first
// non-empty line, whitespace-collapsed, capped at 120 characters.
func ThreadTitle(preview string) string {
	for _, line := range strings.Split(preview, "\n") {
		collapsed := strings.Join(strings.Fields(line), " ")
		if collapsed == "" {
			continue
		}
		// Truncate on rune boundaries; byte slicing would split multibyte
		// previews into invalid UTF-8.
		if runes := []rune(collapsed); len(runes) > 120 {
			collapsed = string(runes[:120])
		}
		return collapsed
	}
	return defaultThreadTitle
}

// NormalizeTimestamp coerces the agent's variously-typed timestamps to
// millisecond integers. Values below 1e12 are treated as seconds; invalid
// or non-positive values fall back to now.
func NormalizeTimestamp(v any, now int64) int64 {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return now
	}
	if f < 1e12 {
		return int64(math.Round(f * 1000))
	}
	return int64(math.Round(f))
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}
