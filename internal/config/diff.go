package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chatalert/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured fields for logging. Secrets (the bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Highlight, newCfg.Highlight) {
		changed = append(changed, "highlight")
		h := newCfg.Highlight
		attrs = append(attrs,
			logx.Int("highlight.rules", len(h.Rules)),
			logx.Bool("highlight.username_set", strings.TrimSpace(h.Username) != ""),
			logx.Bool("highlight.highlight_username", h.HighlightUsernameEnabled()),
			logx.Bool("highlight.follow_up", h.FollowUp),
			logx.Int("highlight.categories", len(h.Categories)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		changed = append(changed, "notifications")
		n := newCfg.Notifications
		attrs = append(attrs,
			logx.String("notifications.corner", n.Corner),
			logx.String("notifications.display_time", n.DisplayTime),
			logx.Bool("notifications.placement_changed",
				oldCfg.Notifications.Corner != n.Corner || !reflect.DeepEqual(oldCfg.Notifications.Screen, n.Screen)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Display, newCfg.Display) {
		changed = append(changed, "display")
		attrs = append(attrs, logx.Int("display.screens", len(newCfg.Display.Screens)))
	}

	if oldCfg.Sources != newCfg.Sources {
		changed = append(changed, "sources")
		attrs = append(attrs,
			logx.Bool("sources.telegram", newCfg.Sources.Telegram),
			logx.Bool("sources.stdin", newCfg.Sources.Stdin),
		)
	}

	// The token value is compared but never logged.
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		strings.TrimSpace(ot.AdminCacheTTL) != strings.TrimSpace(nt.AdminCacheTTL) ||
		!reflect.DeepEqual(ot.AllowedChats, nt.AllowedChats) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.allowed_chats", len(nt.AllowedChats)),
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Forwarding, newCfg.Forwarding) {
		changed = append(changed, "forwarding")
		f := derefForwarding(newCfg.Forwarding)
		attrs = append(attrs,
			logx.Bool("forwarding.enabled", f.Enabled),
			logx.Int("forwarding.workers", f.Workers),
			logx.Int("forwarding.rate_per_sec", f.RatePerSec),
			logx.Bool("forwarding.persist_dedup", f.PersistDedup),
		)
	}

	if !reflect.DeepEqual(oldCfg.Overlay, newCfg.Overlay) {
		changed = append(changed, "overlay")
		attrs = append(attrs,
			logx.Bool("overlay.enabled", newCfg.Overlay.Enabled),
			logx.String("overlay.addr", strings.TrimSpace(newCfg.Overlay.Addr)),
			logx.Bool("overlay.debug", newCfg.Overlay.Debug),
		)
	}

	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(newS.Retention)),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		hk := newCfg.Housekeeping
		attrs = append(attrs,
			logx.Bool("housekeeping.enabled", hk.Enabled),
			logx.String("housekeeping.timezone", strings.TrimSpace(hk.Timezone)),
			logx.String("housekeeping.prune_schedule", strings.TrimSpace(hk.PruneSchedule)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether any changed section can only take effect
// after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "display", "sources", "telegram", "overlay", "storage":
			out = append(out, s)
		}
	}
	return out
}

func derefForwarding(f *ForwardingConfig) ForwardingConfig {
	if f == nil {
		return ForwardingConfig{}
	}
	return *f
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}
