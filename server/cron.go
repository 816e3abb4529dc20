package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plover-labs/feedflow/pipeline"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

func nextCronRunUTC(expr string, now time.Time) (time.Time, error) {
	schedule, err := parseCronExpressionUTC(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}

func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// GraphReloaderConfig configures the scheduled graph-directory reload.
type GraphReloaderConfig struct {
	Runtime *pipeline.Runtime
	Dir     string
	Cron    string
	Now     func() time.Time
	Logger  *slog.Logger
}

// GraphReloader re-reads the graph directory on a cron schedule and swaps
// the loaded definitions into the pipeline runtime. Edits to graph files
// take effect at the next tick without a restart.
type GraphReloader struct {
	runtime  *pipeline.Runtime
	dir      string
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGraphReloader creates a graph reloader instance.
func NewGraphReloader(cfg GraphReloaderConfig) (*GraphReloader, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("graph reloader runtime is nil")
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("graph reloader directory is empty")
	}
	schedule, err := parseCronExpressionUTC(cfg.Cron)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &GraphReloader{
		runtime:  cfg.Runtime,
		dir:      cfg.Dir,
		schedule: schedule,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// NextRun returns the first scheduled reload after now.
func (g *GraphReloader) NextRun(now time.Time) time.Time {
	return g.schedule.Next(now.UTC())
}

// Start starts the background reload loop.
func (g *GraphReloader) Start(ctx context.Context) error {
	if g == nil {
		return errors.New("graph reloader is nil")
	}

	g.mu.Lock()
	if g.cancel != nil {
		g.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.cancel = cancel
	g.done = done
	g.mu.Unlock()

	go func() {
		defer close(done)
		for {
			wait := time.Until(g.NextRun(g.now()))
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if err := g.RunOnce(loopCtx); err != nil {
					g.logger.Error("scheduled graph reload", "dir", g.dir, "error", err)
				}
			}
		}
	}()

	_ = ctx
	return nil
}

// Stop stops the background reload loop.
func (g *GraphReloader) Stop(ctx context.Context) error {
	if g == nil {
		return nil
	}

	g.mu.Lock()
	cancel := g.cancel
	done := g.done
	g.cancel = nil
	g.done = nil
	g.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single reload pass.
func (g *GraphReloader) RunOnce(ctx context.Context) error {
	if g == nil || g.runtime == nil {
		return errors.New("graph reloader is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := g.runtime.ReloadDirectory(g.dir); err != nil {
		return fmt.Errorf("reload graph directory %q: %w", g.dir, err)
	}
	g.logger.Info("graphs reloaded", "dir", g.dir, "graphs", g.runtime.Graphs())
	return nil
}
