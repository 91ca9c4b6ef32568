package alerts

import (
	"time"

	logx "chatalert/pkg/logx"
)

// AutoScreen selects the screen from the parent window or the default monitor.
const AutoScreen = -1

// Config controls admission, timing and placement of alerts.
type Config struct {
	Corner Corner
	Screen int

	// DisplayTime is the base lifetime; the n-th stacked alert (0-based) gets
	// DisplayTime * (1 + Stagger*n).
	DisplayTime time.Duration
	Stagger     float64
	// MaxDisplayTime is the hard cap, even while activity keeps extending.
	MaxDisplayTime time.Duration
	// ShortMaxDisplayTime replaces the hard cap of the oldest alert under backpressure.
	ShortMaxDisplayTime time.Duration

	MaxItems     int
	MaxQueueSize int

	// ExpireTime is how long an alert is flagged as new. Zero disables the flag.
	ExpireTime time.Duration
	// ActivityTime is the activity polling period. Zero disables extension.
	ActivityTime time.Duration
}

func DefaultConfig() Config {
	return Config{
		Corner:              BottomRight,
		Screen:              AutoScreen,
		DisplayTime:         10 * time.Second,
		Stagger:             0.25,
		MaxDisplayTime:      60 * time.Second,
		ShortMaxDisplayTime: 5 * time.Second,
		MaxItems:            4,
		MaxQueueSize:        4,
		ExpireTime:          30 * time.Second,
	}
}

// sanitize clamps invalid values and logs each correction.
func (c Config) sanitize(log logx.Logger) Config {
	def := DefaultConfig()
	if !c.Corner.Valid() {
		log.Warn("invalid alert corner, using default", logx.Int("corner", int(c.Corner)), logx.String("default", def.Corner.String()))
		c.Corner = def.Corner
	}
	if c.Screen < AutoScreen {
		log.Warn("invalid screen index, using auto", logx.Int("screen", c.Screen))
		c.Screen = AutoScreen
	}
	if c.MaxItems < 1 {
		log.Warn("max items below 1, clamped", logx.Int("max_items", c.MaxItems))
		c.MaxItems = 1
	}
	if c.MaxQueueSize < 0 {
		log.Warn("negative max queue size, clamped", logx.Int("max_queue_size", c.MaxQueueSize))
		c.MaxQueueSize = 0
	}
	if c.Stagger < 0 {
		log.Warn("negative stagger, clamped", logx.Float64("stagger", c.Stagger))
		c.Stagger = 0
	}
	if c.DisplayTime <= 0 {
		log.Warn("non-positive display time, using default", logx.Duration("display_time", c.DisplayTime))
		c.DisplayTime = def.DisplayTime
	}
	if c.MaxDisplayTime <= 0 {
		log.Warn("non-positive max display time, using default", logx.Duration("max_display_time", c.MaxDisplayTime))
		c.MaxDisplayTime = def.MaxDisplayTime
	}
	if c.ShortMaxDisplayTime <= 0 {
		log.Warn("non-positive short max display time, using default", logx.Duration("short_max_display_time", c.ShortMaxDisplayTime))
		c.ShortMaxDisplayTime = def.ShortMaxDisplayTime
	}
	if c.ExpireTime < 0 {
		c.ExpireTime = 0
	}
	if c.ActivityTime < 0 {
		c.ActivityTime = 0
	}
	return c
}
