package app

import (
	"fmt"
	"strings"
	"time"

	"chatalert/internal/alerts"
	"chatalert/internal/config"
	"chatalert/internal/notifier"
	"chatalert/internal/overlay"
	"chatalert/internal/scheduler"
	"chatalert/internal/storage"
	kit "chatalert/internal/transport"
	telegram "chatalert/internal/transport/telegram/adapter"
	logx "chatalert/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapAlertsConfig converts the notifications section. An unknown corner is
// not fatal: it is logged and replaced by the default.
func mapAlertsConfig(cfg *config.Config, log logx.Logger) (alerts.Config, error) {
	out := alerts.DefaultConfig()
	n := cfg.Notifications

	if c, ok := alerts.ParseCorner(n.Corner); ok {
		out.Corner = c
	} else {
		log.Warn("unknown notifications.corner, using default",
			logx.String("corner", n.Corner), logx.String("default", out.Corner.String()))
	}
	if n.Screen != nil {
		out.Screen = *n.Screen
	}
	if n.Stagger != nil {
		out.Stagger = *n.Stagger
	}
	if n.MaxItems != nil {
		out.MaxItems = *n.MaxItems
	}
	if n.MaxQueueSize != nil {
		out.MaxQueueSize = *n.MaxQueueSize
	}

	var err error
	if out.DisplayTime, err = config.ParseDurationOrDefault("notifications.display_time", n.DisplayTime, out.DisplayTime); err != nil {
		return alerts.Config{}, err
	}
	if out.MaxDisplayTime, err = config.ParseDurationOrDefault("notifications.max_display_time", n.MaxDisplayTime, out.MaxDisplayTime); err != nil {
		return alerts.Config{}, err
	}
	if out.ShortMaxDisplayTime, err = config.ParseDurationOrDefault("notifications.short_max_display_time", n.ShortMaxDisplayTime, out.ShortMaxDisplayTime); err != nil {
		return alerts.Config{}, err
	}
	if out.ExpireTime, err = config.ParseDurationIfSet("notifications.expire_time", n.ExpireTime, out.ExpireTime); err != nil {
		return alerts.Config{}, err
	}
	if out.ActivityTime, err = config.ParseDurationIfSet("notifications.activity_time", n.ActivityTime, out.ActivityTime); err != nil {
		return alerts.Config{}, err
	}
	return out, nil
}

// mapDisplay builds the static monitor layout. No screens means the default
// single monitor.
func mapDisplay(cfg *config.Config) alerts.StaticDisplay {
	d := cfg.Display
	if len(d.Screens) == 0 {
		return alerts.DefaultDisplay()
	}
	out := alerts.StaticDisplay{
		List:    make([]alerts.Screen, 0, len(d.Screens)),
		Parent:  -1,
		Default: d.Default,
	}
	for _, s := range d.Screens {
		out.List = append(out.List, alerts.NewScreen(
			alerts.Rect{X: s.X, Y: s.Y, W: s.Width, H: s.Height},
			alerts.Insets{Top: s.ReservedTop, Bottom: s.ReservedBottom, Left: s.ReservedLeft, Right: s.ReservedRight},
		))
	}
	if d.Parent != nil {
		out.Parent = *d.Parent
	}
	return out
}

func mapSizer(cfg *config.Config) alerts.TextSizer {
	s := alerts.DefaultTextSizer()
	d := cfg.Display
	if d.AlertWidth > 0 {
		s.Width = d.AlertWidth
	}
	if d.CharsPerLine > 0 {
		s.CharsPerLine = d.CharsPerLine
	}
	if d.LineHeight > 0 {
		s.LineHeight = d.LineHeight
	}
	if d.Padding > 0 {
		s.Padding = d.Padding
	}
	if d.MaxBodyLines > 0 {
		s.MaxBodyLines = d.MaxBodyLines
	}
	return s
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		if sc.TailSize < 0 {
			return storage.Config{}, false, fmt.Errorf("storage.tail_size must be >= 0")
		}
		return storage.Config{Driver: "file", Path: path, TailSize: sc.TailSize}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// retention is how long highlight history is kept; zero keeps everything.
func retention(cfg *config.Config) (time.Duration, error) {
	if cfg == nil || cfg.Storage == nil {
		return 0, nil
	}
	return config.ParseDurationField("storage.retention", cfg.Storage.Retention)
}

// mapNotifierConfig maps the forwarding section. Omitted means disabled.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Workers:         2,
		QueueSize:       256,
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Forwarding == nil {
		return out, nil
	}
	f := cfg.Forwarding
	out.Enabled = f.Enabled
	out.Target = kit.ChatTarget{ChatID: f.ChatID, ThreadID: f.ThreadID}
	out.PersistDedup = f.PersistDedup
	if f.Workers != 0 {
		out.Workers = f.Workers
	}
	if f.QueueSize != 0 {
		out.QueueSize = f.QueueSize
	}
	if f.RatePerSec != 0 {
		out.RatePerSec = f.RatePerSec
	}
	if f.RetryMax != 0 {
		out.RetryMax = f.RetryMax
	}
	if f.DedupMaxEntries != 0 {
		out.DedupMaxEntries = f.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("forwarding.retry_base", f.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("forwarding.retry_max_delay", f.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationIfSet("forwarding.dedup_window", f.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, fmt.Errorf("forwarding.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, fmt.Errorf("forwarding.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, fmt.Errorf("forwarding.rate_per_sec must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, fmt.Errorf("forwarding.retry_max must be >= 0")
	case out.DedupMaxEntries < 0:
		return notifier.Config{}, fmt.Errorf("forwarding.dedup_max_entries must be >= 0")
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	t := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	ttl, err := config.ParseDurationOrDefault("telegram.admin_cache_ttl", t.AdminCacheTTL, 10*time.Minute)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:         strings.TrimSpace(t.Token),
		PollTimeout:   poll,
		AdminCacheTTL: ttl,
		AllowedChats:  t.AllowedChats,
	}, nil
}

func mapOverlayConfig(cfg *config.Config) overlay.Config {
	o := cfg.Overlay
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = overlay.DefaultAddress
	}
	return overlay.Config{
		Enabled:        o.Enabled,
		Address:        addr,
		Debug:          o.Debug,
		AllowedOrigins: o.AllowedOrigins,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Housekeeping.Enabled,
		Timezone: strings.TrimSpace(cfg.Housekeeping.Timezone),
	}
}

// validate runs every mapping so a bad hot reload is rejected before commit.
func validate(cfg *config.Config) error {
	if _, err := mapAlertsConfig(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := retention(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	hk := cfg.Housekeeping
	if tz := strings.TrimSpace(hk.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("housekeeping.timezone: invalid %q: %w", tz, err)
		}
	}
	for path, raw := range map[string]string{
		"housekeeping.prune_schedule": hk.PruneSchedule,
		"housekeeping.stats_schedule": hk.StatsSchedule,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(raw); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
