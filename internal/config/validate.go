package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks field syntax. Semantic checks that need component
// knowledge (corner names, schedules) happen when the app maps sections.
func (c *Config) Validate() error {
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	n := c.Notifications
	dur("notifications.display_time", n.DisplayTime)
	dur("notifications.max_display_time", n.MaxDisplayTime)
	dur("notifications.short_max_display_time", n.ShortMaxDisplayTime)
	dur("notifications.expire_time", n.ExpireTime)
	dur("notifications.activity_time", n.ActivityTime)

	for i, s := range c.Display.Screens {
		if s.Width <= 0 || s.Height <= 0 {
			errs = append(errs, fmt.Errorf("display.screens[%d]: width and height must be > 0", i))
		}
	}

	dur("telegram.poll_timeout", c.Telegram.PollTimeout)
	dur("telegram.admin_cache_ttl", c.Telegram.AdminCacheTTL)
	if c.Sources.Telegram && strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required when sources.telegram is enabled"))
	}

	if f := c.Forwarding; f != nil && f.Enabled {
		if f.ChatID == 0 {
			errs = append(errs, errors.New("forwarding.chat_id: required when forwarding is enabled"))
		}
		if strings.TrimSpace(c.Telegram.Token) == "" {
			errs = append(errs, errors.New("forwarding: requires telegram.token"))
		}
		dur("forwarding.retry_base", f.RetryBase)
		dur("forwarding.retry_max_delay", f.RetryMaxDelay)
		dur("forwarding.dedup_window", f.DedupWindow)
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path: required for driver "+s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
		dur("storage.retention", s.Retention)
	}

	return errors.Join(errs...)
}
