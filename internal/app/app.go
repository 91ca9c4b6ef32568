package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coreos/go-systemd/v22/daemon"

	"chatalert/internal/activity"
	"chatalert/internal/alerts"
	"chatalert/internal/config"
	"chatalert/internal/eventbus"
	"chatalert/internal/highlight"
	"chatalert/internal/notifier"
	"chatalert/internal/overlay"
	"chatalert/internal/runtime/supervisor"
	"chatalert/internal/scheduler"
	"chatalert/internal/storage"
	kit "chatalert/internal/transport"
	"chatalert/internal/transport/linesource"
	telegram "chatalert/internal/transport/telegram/adapter"
	logx "chatalert/pkg/logx"
)

const messageBuffer = 256

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	clk  clock.Clock

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine     *highlight.Engine
	categories atomic.Pointer[Categories]
	activity   *activity.Tracker
	alerts     *alerts.Manager
	notif      *notifier.Service
	sched      *scheduler.Service
	overlay    *overlay.Server

	tg      *telegram.Adapter
	input   *linesource.Source
	sources []kit.Source

	messages chan kit.Message
	drained  chan struct{}
	stopOnce sync.Once
}

type Option func(*options)

type options struct {
	input io.Reader
	clk   clock.Clock
}

// WithInput adds a line source reading r, regardless of sources.stdin.
func WithInput(r io.Reader) Option { return func(o *options) { o.input = r } }

// WithClock replaces the wall clock for timers and timestamps.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clk = c } }

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clk == nil {
		o.clk = clock.New()
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:     cfgm,
		clk:      o.clk,
		log:      log,
		logs:     logSvc,
		bus:      eventbus.New(),
		messages: make(chan kit.Message, messageBuffer),
		drained:  make(chan struct{}),
	}

	// Telegram is both a source and the forwarding sender.
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Sources.Telegram || ncfg.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(tcfg, logSvc.Logger().With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.tg = tg
		if cfg.Sources.Telegram {
			a.sources = append(a.sources, tg)
		}
	}

	in := o.input
	if in == nil && cfg.Sources.Stdin {
		in = os.Stdin
	}
	if in != nil {
		a.input = linesource.New(in, logSvc.Logger().With(logx.String("comp", "lines")), a.clk)
		a.sources = append(a.sources, a.input)
	}
	if len(a.sources) == 0 {
		log.Warn("no message sources enabled; nothing will raise alerts")
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger())
		if err != nil {
			return nil, err
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.engine = highlight.New(
		highlight.WithLogger(logSvc.Logger().With(logx.String("comp", "highlight"))),
		highlight.WithClock(a.clk),
	)
	a.configureEngine(cfg)

	acfg, err := mapAlertsConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	a.activity = activity.New(a.clk)
	a.alerts = alerts.New(acfg,
		alerts.WithLogger(logSvc.Logger().With(logx.String("comp", "alerts"))),
		alerts.WithClock(a.clk),
		alerts.WithBus(a.bus),
		alerts.WithDisplay(mapDisplay(cfg)),
		alerts.WithSizer(mapSizer(cfg)),
		alerts.WithActivity(a.activity),
		alerts.WithHooks(alerts.Hooks{OnActivate: a.onActivate, OnClosed: a.onClosed}),
	)

	var sender kit.Sender
	if a.tg != nil {
		sender = a.tg
	}
	a.notif = notifier.New(ncfg, sender, logSvc.Logger().With(logx.String("comp", "notifier")), a.bus, a.store)

	a.sched = scheduler.New(mapSchedulerConfig(cfg), logSvc.Logger(), a.bus)
	if err := a.registerJobs(cfg); err != nil {
		return nil, err
	}

	if ocfg := mapOverlayConfig(cfg); ocfg.Enabled {
		var hist overlay.History
		if a.store != nil {
			hist = a.store
		}
		a.overlay = overlay.New(ocfg, a.alerts, a.bus, a.activity, hist, logSvc.Logger())
	}

	return a, nil
}

// NewEngine builds a highlight engine and the static categories for cfg.
// fallbackUser is the self-mention name when highlight.username is empty.
func NewEngine(cfg *config.Config, fallbackUser string, log logx.Logger, clk clock.Clock) (*highlight.Engine, Categories) {
	e := highlight.New(highlight.WithLogger(log), highlight.WithClock(clk))
	return e, ConfigureEngine(e, cfg, fallbackUser, log)
}

// ConfigureEngine installs the highlight section on e. Every setting is
// swapped atomically, so it is safe while messages are being matched.
func ConfigureEngine(e *highlight.Engine, cfg *config.Config, fallbackUser string, log logx.Logger) Categories {
	h := cfg.Highlight
	n := e.Configure(h.Rules)
	user := strings.TrimSpace(h.Username)
	if user == "" {
		user = fallbackUser
	}
	e.SetUsername(user)
	e.SetHighlightUsername(h.HighlightUsernameEnabled())
	e.SetFollowUp(h.FollowUp)

	cats := NewCategories(h.Categories)
	log.Info("highlight rules installed",
		logx.Int("rules", n),
		logx.Bool("self_mention", e.Username() != ""),
		logx.Bool("follow_up", h.FollowUp),
		logx.Int("categorized_users", len(cats)),
	)
	return cats
}

func (a *App) configureEngine(cfg *config.Config) {
	var self string
	if a.tg != nil {
		self = a.tg.Username()
	}
	cats := ConfigureEngine(a.engine, cfg, self, a.logs.Logger().With(logx.String("comp", "highlight")))
	a.categories.Store(&cats)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// InputDrained is closed once the line input is exhausted and every message
// it produced went through the pipeline. It never closes without line input.
func (a *App) InputDrained() <-chan struct{} { return a.drained }

func (a *App) Alerts() *alerts.Manager   { return a.alerts }
func (a *App) Engine() *highlight.Engine { return a.engine }
func (a *App) Bus() eventbus.Bus         { return a.bus }

// Overlay is nil when the renderer bridge is disabled.
func (a *App) Overlay() *overlay.Server { return a.overlay }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if err := a.alerts.Start(c); err != nil {
		return err
	}
	if a.overlay != nil {
		if err := a.overlay.Start(c); err != nil {
			return fmt.Errorf("overlay: %w", err)
		}
	}
	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	if a.cfgm.Get().Housekeeping.Enabled {
		a.sched.Start(c)
	}

	a.sup.Go("pipeline", func(c context.Context) error {
		return a.pipeline(c, a.messages)
	})
	for _, src := range a.sources {
		if err := src.Start(c, a.messages); err != nil {
			return fmt.Errorf("source %s: %w", src.Name(), err)
		}
		a.log.Info("source started", logx.String("source", src.Name()))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = latest(sub, newCfg)
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", a.watchdog)
	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("sources", len(a.sources)), logx.Bool("overlay", a.overlay != nil))
	return nil
}

// latest coalesces bursts: it keeps only the newest config in the channel.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.configureEngine(newCfg)

	if acfg, err := mapAlertsConfig(newCfg, a.log); err != nil {
		a.log.Warn("invalid notifications config; keeping previous", logx.Err(err))
	} else if err := a.alerts.Apply(ctx, acfg); err != nil && !errors.Is(err, alerts.ErrPlacementLocked) {
		a.log.Warn("notifications config not applied", logx.Err(err))
	}

	a.applyNotifier(ctx, newCfg)
	a.applyScheduler(ctx, newCfg)

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config) {
	prev := a.notif.Enabled()
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid forwarding config; keeping previous", logx.Err(err))
		return
	}
	if ncfg.Enabled && a.tg == nil {
		a.log.Warn("forwarding enabled without a telegram client; restart required")
	}
	a.notif.Apply(ncfg)
	switch now := a.notif.Enabled(); {
	case prev && !now:
		a.log.Info("forwarding disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prev && now:
		a.log.Info("forwarding enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) applyScheduler(ctx context.Context, cfg *config.Config) {
	a.sched.Apply(mapSchedulerConfig(cfg))
	if err := a.registerJobs(cfg); err != nil {
		a.log.Warn("housekeeping jobs not updated", logx.Err(err))
	}
	prev := a.sched.Running()
	switch now := cfg.Housekeeping.Enabled; {
	case prev && !now:
		a.log.Info("housekeeping disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prev && now:
		a.log.Info("housekeeping enabled via config")
		a.sched.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
			}()
		}
	}

	for i := len(a.sources) - 1; i >= 0; i-- {
		src := a.sources[i]
		step("source."+src.Name(), 2*time.Second, src.Stop)
	}
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("overlay", 2*time.Second, func(c context.Context) error {
		if a.overlay != nil {
			return a.overlay.Stop(c)
		}
		return nil
	})
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("alerts", time.Second, a.alerts.Stop)

	// Wait for supervised goroutines (pipeline, config watch/reload) before
	// closing the store they write to.
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if err := a.logs.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "log close:", err)
	}
}
