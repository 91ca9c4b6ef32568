package config

// Config is the whole chatalert configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Pointer sections may be omitted; the app applies defaults for them.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Highlight     HighlightConfig     `json:"highlight"`
	Notifications NotificationsConfig `json:"notifications"`
	Display       DisplayConfig       `json:"display"`
	Sources       SourcesConfig       `json:"sources"`
	Telegram      TelegramConfig      `json:"telegram"`
	Forwarding    *ForwardingConfig   `json:"forwarding,omitempty"`
	Overlay       OverlayConfig       `json:"overlay"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Housekeeping  HousekeepingConfig  `json:"housekeeping"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format of the stderr sink: "console" (default) or "json".
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HighlightConfig feeds the highlight engine.
//
// Example:
//
//	highlight:
//	  username: alice
//	  rules: ["w:deploy", "user:bob", "cat:admin re:.*urgent.*"]
//	  categories: { vip: [carol, dave] }
type HighlightConfig struct {
	Rules    []string `json:"rules"`
	Username string   `json:"username,omitempty"`
	// HighlightUsername defaults to true when username is set.
	HighlightUsername *bool `json:"highlight_username,omitempty"`
	FollowUp          bool  `json:"follow_up"`
	// Categories grants static category membership: category -> usernames.
	Categories map[string][]string `json:"categories,omitempty"`
}

// HighlightUsernameEnabled resolves the optional flag.
func (h HighlightConfig) HighlightUsernameEnabled() bool {
	if h.HighlightUsername == nil {
		return true
	}
	return *h.HighlightUsername
}

// NotificationsConfig drives the alert queue manager. Zero values fall back
// to the manager defaults.
type NotificationsConfig struct {
	// Corner is one of bottom-right, bottom-left, top-right, top-left.
	Corner string `json:"corner,omitempty"`
	// Screen is an explicit display index; omit or -1 for auto.
	Screen              *int     `json:"screen,omitempty"`
	DisplayTime         string   `json:"display_time,omitempty"`
	Stagger             *float64 `json:"stagger,omitempty"`
	MaxDisplayTime      string   `json:"max_display_time,omitempty"`
	ShortMaxDisplayTime string   `json:"short_max_display_time,omitempty"`
	MaxItems            *int     `json:"max_items,omitempty"`
	MaxQueueSize        *int     `json:"max_queue_size,omitempty"`
	ExpireTime          string   `json:"expire_time,omitempty"`
	// ActivityTime enables activity extension; "0s" or omitted disables it.
	ActivityTime string `json:"activity_time,omitempty"`
}

// DisplayConfig describes the monitors the overlay renders on.
type DisplayConfig struct {
	Screens []ScreenConfig `json:"screens,omitempty"`
	// Parent is the screen of the hosting window, -1 when unknown.
	Parent  *int `json:"parent,omitempty"`
	Default int  `json:"default,omitempty"`

	// Alert sizing.
	AlertWidth   int `json:"alert_width,omitempty"`
	CharsPerLine int `json:"chars_per_line,omitempty"`
	LineHeight   int `json:"line_height,omitempty"`
	Padding      int `json:"padding,omitempty"`
	MaxBodyLines int `json:"max_body_lines,omitempty"`
}

type ScreenConfig struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
	// Reserved edges (taskbars, docks) excluded from the safe area.
	ReservedTop    int `json:"reserved_top,omitempty"`
	ReservedBottom int `json:"reserved_bottom,omitempty"`
	ReservedLeft   int `json:"reserved_left,omitempty"`
	ReservedRight  int `json:"reserved_right,omitempty"`
}

// SourcesConfig selects which chat transports feed the pipeline.
type SourcesConfig struct {
	Telegram bool `json:"telegram"`
	// Stdin reads "user[cats]: text" lines from standard input.
	Stdin bool `json:"stdin,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout   string  `json:"poll_timeout,omitempty"`
	AdminCacheTTL string  `json:"admin_cache_ttl,omitempty"`
	AllowedChats  []int64 `json:"allowed_chats,omitempty"`
}

// ForwardingConfig controls relaying highlighted messages to an operator chat.
// Omitted means disabled.
type ForwardingConfig struct {
	Enabled         bool   `json:"enabled"`
	ChatID          int64  `json:"chat_id"`
	ThreadID        int    `json:"thread_id,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// OverlayConfig controls the renderer bridge.
//
// Security note: prefer a loopback address (e.g. "127.0.0.1:7465").
type OverlayConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty"`
	Debug          bool     `json:"debug,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// StorageConfig controls highlight history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chatalert.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	TailSize    int    `json:"tail_size,omitempty"`    // file only
	Retention   string `json:"retention,omitempty"`
}

// HousekeepingConfig schedules background maintenance.
type HousekeepingConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	// PruneSchedule accepts cron ("0 3 * * *"), HH:MM or a duration.
	PruneSchedule string `json:"prune_schedule,omitempty"`
	StatsSchedule string `json:"stats_schedule,omitempty"`
}
