package alerts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"chatalert/internal/eventbus"
	"chatalert/internal/runtime/supervisor"
	logx "chatalert/pkg/logx"
)

var (
	ErrStopped         = errors.New("alerts: manager not running")
	ErrPlacementLocked = errors.New("alerts: corner and screen cannot change while alerts are visible or queued")
)

type alert struct {
	id   AlertID
	req  Request
	size Size

	offset  int
	pos     Point
	shownAt time.Time
	isNew   bool

	primaryDur  time.Duration
	primary     *clock.Timer
	primaryGen  uint64
	fallback    *clock.Timer
	fallbackGen uint64
	fallbackAt  time.Time
	shortened   bool
	expire      *clock.Timer
	activity    *clock.Timer
}

func (a *alert) stopTimers() {
	for _, t := range []*clock.Timer{a.primary, a.fallback, a.expire, a.activity} {
		if t != nil {
			t.Stop()
		}
	}
	a.primary, a.fallback, a.expire, a.activity = nil, nil, nil, nil
}

func (a *alert) view() AlertView {
	return AlertView{
		ID:        a.id,
		Title:     a.req.Title,
		Body:      a.req.Body,
		Token:     a.req.Token,
		Position:  a.pos,
		Size:      a.size,
		Offset:    a.offset,
		New:       a.isNew,
		Shortened: a.shortened,
		Created:   a.req.Created,
		ShownAt:   a.shownAt,
	}
}

// Manager admits alerts into a bounded on-screen stack, queues the overflow,
// times each displayed alert and keeps the stack contiguous.
//
// All state is owned by one loop goroutine. Public methods and timer callbacks
// post closures to it.
type Manager struct {
	log      logx.Logger
	clk      clock.Clock
	bus      eventbus.Bus
	display  Display
	sizer    Sizer
	activity ActivitySource
	hooks    Hooks

	ops      chan func()
	running  atomic.Bool
	loopDone chan struct{}
	sup      *supervisor.Supervisor

	hookMu  sync.Mutex
	hookQ   []func()
	hookSig chan struct{}

	// Loop-owned.
	cfg       Config
	displayed []*alert
	pending   []*alert
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option    { return func(m *Manager) { m.log = log } }
func WithClock(c clock.Clock) Option       { return func(m *Manager) { m.clk = c } }
func WithBus(b eventbus.Bus) Option        { return func(m *Manager) { m.bus = b } }
func WithDisplay(d Display) Option         { return func(m *Manager) { m.display = d } }
func WithSizer(s Sizer) Option             { return func(m *Manager) { m.sizer = s } }
func WithActivity(a ActivitySource) Option { return func(m *Manager) { m.activity = a } }
func WithHooks(h Hooks) Option             { return func(m *Manager) { m.hooks = h } }

func New(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		ops:      make(chan func(), 64),
		loopDone: make(chan struct{}),
		hookSig:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	if m.clk == nil {
		m.clk = clock.New()
	}
	if m.display == nil {
		m.display = DefaultDisplay()
	}
	if m.sizer == nil {
		m.sizer = DefaultTextSizer()
	}
	m.cfg = cfg.sanitize(m.log)
	return m
}

// Start runs the manager loop and the hook dispatcher until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("alerts: already started")
	}
	m.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(m.log))
	m.sup.Go0("alerts.loop", m.loop)
	m.sup.Go0("alerts.hooks", m.dispatchHooks)
	m.log.Info("alert manager started",
		logx.Int("max_items", m.cfg.MaxItems),
		logx.Int("max_queue", m.cfg.MaxQueueSize),
		logx.String("corner", m.cfg.Corner.String()),
	)
	return nil
}

// Stop cancels all timers and waits for the loop to exit. Displayed alerts are
// abandoned without close hooks.
func (m *Manager) Stop(ctx context.Context) error {
	if m.sup == nil {
		return nil
	}
	return m.sup.Stop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer func() {
		close(m.loopDone)
		for _, a := range m.displayed {
			a.stopTimers()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.ops:
			fn()
		}
	}
}

// post hands fn to the loop. It is what timer callbacks use.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.loopDone:
	}
}

// do runs fn on the loop and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	if !m.running.Load() {
		return ErrStopped
	}
	done := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(done) }:
	case <-m.loopDone:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-m.loopDone:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue shows the alert now if there is room, otherwise queues it.
func (m *Manager) Enqueue(ctx context.Context, req Request) (AlertID, error) {
	if req.Created.IsZero() {
		req.Created = m.clk.Now()
	}
	a := &alert{id: newAlertID(), req: req, size: m.sizer.Size(req.Title, req.Body)}
	err := m.do(ctx, func() { m.admit(a) })
	if err != nil {
		return "", err
	}
	return a.id, nil
}

// Close removes the alert with id. Unknown ids are ignored.
func (m *Manager) Close(ctx context.Context, id AlertID) error {
	return m.do(ctx, func() { m.close(id, ReasonClosed) })
}

// Activate reports a user interaction with a displayed alert: the activation
// hook gets the alert's token, then the alert closes.
func (m *Manager) Activate(ctx context.Context, id AlertID) error {
	return m.do(ctx, func() {
		i := m.indexOf(id)
		if i < 0 {
			return
		}
		ev := m.event(EventActivated, m.displayed[i], "")
		m.emit(ev)
		if h := m.hooks.OnActivate; h != nil {
			m.queueHook(func() { h(ev) })
		}
		m.close(id, ReasonActivated)
	})
}

// ClearAll drops every pending alert and closes every displayed one.
func (m *Manager) ClearAll(ctx context.Context) error {
	return m.do(ctx, func() {
		pending := m.pending
		m.pending = nil
		for _, a := range pending {
			m.emit(m.event(EventDropped, a, ReasonCleared))
		}
		shown := append([]*alert(nil), m.displayed...)
		for _, a := range shown {
			m.close(a.id, ReasonCleared)
		}
	})
}

// Apply installs a new configuration. Timing changes apply to alerts shown
// afterwards. A corner or screen change is refused with ErrPlacementLocked
// while any alert is displayed or pending; the rest of cfg still applies.
func (m *Manager) Apply(ctx context.Context, cfg Config) error {
	var applyErr error
	err := m.do(ctx, func() { applyErr = m.apply(cfg) })
	if err != nil {
		return err
	}
	return applyErr
}

// Snapshot returns a copy of the displayed and pending alerts.
func (m *Manager) Snapshot(ctx context.Context) (State, error) {
	var st State
	err := m.do(ctx, func() {
		st.Config = m.cfg
		st.Screen = m.screen()
		st.Displayed = make([]AlertView, 0, len(m.displayed))
		for _, a := range m.displayed {
			st.Displayed = append(st.Displayed, a.view())
		}
		st.Pending = make([]AlertView, 0, len(m.pending))
		for _, a := range m.pending {
			st.Pending = append(st.Pending, a.view())
		}
	})
	return st, err
}

// ---- loop-side ----

func (m *Manager) apply(cfg Config) error {
	cfg = cfg.sanitize(m.log)
	var err error
	if (cfg.Corner != m.cfg.Corner || cfg.Screen != m.cfg.Screen) && (len(m.displayed) > 0 || len(m.pending) > 0) {
		m.log.Warn("alert placement change rejected",
			logx.String("corner", cfg.Corner.String()),
			logx.Int("screen", cfg.Screen),
			logx.Int("displayed", len(m.displayed)),
			logx.Int("pending", len(m.pending)),
		)
		cfg.Corner, cfg.Screen = m.cfg.Corner, m.cfg.Screen
		err = ErrPlacementLocked
	}
	m.cfg = cfg

	// Newest alerts give way when capacity shrinks.
	for len(m.displayed) > m.cfg.MaxItems {
		m.close(m.displayed[len(m.displayed)-1].id, ReasonCapacity)
	}
	m.promote()
	return err
}

func (m *Manager) admit(a *alert) {
	if len(m.displayed) < m.cfg.MaxItems {
		m.show(a)
		return
	}
	m.pending = append(m.pending, a)
	m.log.Debug("alert queued", logx.String("id", string(a.id)), logx.Int("pending", len(m.pending)))
	m.emit(m.event(EventQueued, a, ""))
	if len(m.pending) > m.cfg.MaxQueueSize {
		m.backpressure()
	}
}

func (m *Manager) screen() Screen { return SelectScreen(m.display, m.cfg.Screen) }

// stackExtent is the offset at which the next alert goes.
func (m *Manager) stackExtent() int {
	off := 0
	for _, a := range m.displayed {
		off += a.size.H + Margin
	}
	return off
}

func (m *Manager) show(a *alert) {
	idx := len(m.displayed)
	now := m.clk.Now()

	a.offset = m.stackExtent()
	a.pos = Place(m.cfg.Corner, m.screen().Safe, a.size, a.offset)
	a.shownAt = now
	a.isNew = m.cfg.ExpireTime > 0
	a.primaryDur = time.Duration(float64(m.cfg.DisplayTime) * (1 + m.cfg.Stagger*float64(idx)))
	m.displayed = append(m.displayed, a)

	m.armPrimary(a)
	a.fallbackAt = now.Add(m.cfg.MaxDisplayTime)
	m.armFallback(a, m.cfg.MaxDisplayTime)
	if m.cfg.ExpireTime > 0 {
		id := a.id
		a.expire = m.clk.AfterFunc(m.cfg.ExpireTime, func() { m.post(func() { m.onExpire(id) }) })
	}
	if m.cfg.ActivityTime > 0 && m.activity != nil {
		m.armActivity(a, m.cfg.ActivityTime)
	}

	m.log.Debug("alert shown",
		logx.String("id", string(a.id)),
		logx.Int("index", idx),
		logx.Duration("lifetime", a.primaryDur),
	)
	m.emit(m.event(EventShown, a, ""))
}

func (m *Manager) armPrimary(a *alert) {
	if a.primary != nil {
		a.primary.Stop()
	}
	a.primaryGen++
	id, gen := a.id, a.primaryGen
	a.primary = m.clk.AfterFunc(a.primaryDur, func() {
		m.post(func() {
			if cur := m.lookup(id); cur != nil && cur.primaryGen == gen {
				m.close(id, ReasonTimeout)
			}
		})
	})
}

func (m *Manager) armFallback(a *alert, d time.Duration) {
	if a.fallback != nil {
		a.fallback.Stop()
	}
	a.fallbackGen++
	id, gen := a.id, a.fallbackGen
	a.fallback = m.clk.AfterFunc(d, func() {
		m.post(func() {
			if cur := m.lookup(id); cur != nil && cur.fallbackGen == gen {
				m.close(id, ReasonMaxTime)
			}
		})
	})
}

// armActivity polls the activity source every period; while the user is
// active the primary timer starts over. The fallback timer is left alone.
func (m *Manager) armActivity(a *alert, period time.Duration) {
	id := a.id
	a.activity = m.clk.AfterFunc(period, func() {
		m.post(func() {
			cur := m.lookup(id)
			if cur == nil || cur.activity == nil {
				return
			}
			if m.activity.Active(period) {
				m.armPrimary(cur)
			}
			m.armActivity(cur, period)
		})
	})
}

func (m *Manager) onExpire(id AlertID) {
	a := m.lookup(id)
	if a == nil || !a.isNew {
		return
	}
	a.isNew = false
	m.emit(m.event(EventExpired, a, ""))
}

// backpressure shortens the hard cap of the oldest displayed alert.
func (m *Manager) backpressure() {
	if len(m.displayed) == 0 {
		return
	}
	a := m.displayed[0]
	if a.shortened {
		return
	}
	deadline := a.shownAt.Add(m.cfg.ShortMaxDisplayTime)
	if !deadline.Before(a.fallbackAt) {
		return
	}
	a.shortened = true
	a.fallbackAt = deadline
	m.armFallback(a, max(0, deadline.Sub(m.clk.Now())))
	m.log.Debug("alert backpressure",
		logx.String("id", string(a.id)),
		logx.Int("pending", len(m.pending)),
		logx.Duration("short_max", m.cfg.ShortMaxDisplayTime),
	)
	m.emit(m.event(EventBackpressure, a, ""))
}

func (m *Manager) indexOf(id AlertID) int {
	for i, a := range m.displayed {
		if a.id == id {
			return i
		}
	}
	return -1
}

func (m *Manager) lookup(id AlertID) *alert {
	if i := m.indexOf(id); i >= 0 {
		return m.displayed[i]
	}
	return nil
}

// close removes id from the displayed stack (or the pending queue), reflows
// the alerts after it and promotes pending ones.
func (m *Manager) close(id AlertID, reason string) {
	i := m.indexOf(id)
	if i < 0 {
		for j, p := range m.pending {
			if p.id == id {
				m.pending = append(m.pending[:j], m.pending[j+1:]...)
				m.emit(m.event(EventDropped, p, reason))
				return
			}
		}
		return
	}
	a := m.displayed[i]
	a.stopTimers()
	m.displayed = append(m.displayed[:i], m.displayed[i+1:]...)

	shift := a.size.H + Margin
	safe := m.screen().Safe
	for _, later := range m.displayed[i:] {
		later.offset -= shift
		later.pos = Place(m.cfg.Corner, safe, later.size, later.offset)
		m.emit(m.event(EventMoved, later, ""))
	}

	m.log.Debug("alert closed", logx.String("id", string(a.id)), logx.String("reason", reason))
	ev := m.event(EventClosed, a, reason)
	m.emit(ev)
	if h := m.hooks.OnClosed; h != nil {
		m.queueHook(func() { h(ev) })
	}
	m.promote()
}

func (m *Manager) promote() {
	for len(m.displayed) < m.cfg.MaxItems && len(m.pending) > 0 {
		next := m.pending[0]
		m.pending[0] = nil
		m.pending = m.pending[1:]
		m.show(next)
	}
}

func (m *Manager) event(kind EventKind, a *alert, reason string) Event {
	return Event{
		Kind:     kind,
		ID:       a.id,
		Title:    a.req.Title,
		Body:     a.req.Body,
		Token:    a.req.Token,
		Reason:   reason,
		Position: a.pos,
		Size:     a.size,
		New:      a.isNew,
		Pending:  len(m.pending),
		At:       m.clk.Now(),
	}
}

func (m *Manager) emit(ev Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: ev.Kind.Topic(), Time: ev.At, Data: ev})
}

// ---- hooks ----

func (m *Manager) queueHook(fn func()) {
	m.hookMu.Lock()
	m.hookQ = append(m.hookQ, fn)
	m.hookMu.Unlock()
	select {
	case m.hookSig <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatchHooks(ctx context.Context) {
	for {
		m.hookMu.Lock()
		q := m.hookQ
		m.hookQ = nil
		m.hookMu.Unlock()

		for _, fn := range q {
			m.runHook(fn)
		}
		if len(q) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-m.hookSig:
		}
	}
}

func (m *Manager) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("alert hook panicked", logx.Any("panic", r))
		}
	}()
	fn()
}
