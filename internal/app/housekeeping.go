package app

import (
	"context"
	"strings"
	"time"

	"chatalert/internal/config"
	"chatalert/internal/scheduler"
	logx "chatalert/pkg/logx"
)

const (
	jobPrune = "history.prune"
	jobStats = "stats"

	defaultPruneSchedule = "0 3 * * *"
	defaultStatsSchedule = "1h"
)

// registerJobs (re)installs housekeeping jobs for cfg. A job without work to
// do (no store, no retention) is removed.
func (a *App) registerJobs(cfg *config.Config) error {
	keep, err := retention(cfg)
	if err != nil {
		return err
	}
	hk := cfg.Housekeeping

	if a.store != nil && keep > 0 {
		err := a.sched.Add(scheduler.Job{
			Name:     jobPrune,
			Schedule: orDefault(hk.PruneSchedule, defaultPruneSchedule),
			Timeout:  2 * time.Minute,
			Run:      func(ctx context.Context) error { return a.prune(ctx, keep) },
		})
		if err != nil {
			return err
		}
	} else {
		a.sched.Remove(jobPrune)
	}

	return a.sched.Add(scheduler.Job{
		Name:     jobStats,
		Schedule: orDefault(hk.StatsSchedule, defaultStatsSchedule),
		Timeout:  10 * time.Second,
		Run:      a.logStats,
	})
}

func (a *App) prune(ctx context.Context, keep time.Duration) error {
	before := a.clk.Now().Add(-keep)
	n, err := a.store.PruneHighlights(ctx, before)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Info("highlight history pruned", logx.Int("removed", n), logx.Time("before", before))
	}
	return nil
}

func (a *App) logStats(ctx context.Context) error {
	st, err := a.alerts.Snapshot(ctx)
	if err != nil {
		return err
	}
	fields := []logx.Field{
		logx.Int("displayed", len(st.Displayed)),
		logx.Int("pending", len(st.Pending)),
		logx.Int("rules", len(a.engine.Rules())),
		logx.Uint64("bus_dropped", a.bus.Dropped()),
	}
	if a.overlay != nil {
		fields = append(fields, logx.Int("renderers", a.overlay.Hub().Clients(ctx)))
	}
	if a.notif != nil {
		fields = append(fields, logx.Int("forward_history", len(a.notif.History())))
	}
	a.log.Info("stats", fields...)
	return nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
