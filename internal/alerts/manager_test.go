package alerts

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"chatalert/internal/eventbus"
	logx "chatalert/pkg/logx"
)

var testDisplay = StaticDisplay{
	List:   []Screen{NewScreen(Rect{W: 1000, H: 800}, Insets{})},
	Parent: -1,
}

// Height is 20px per title character, so tests can pick sizes.
var titleSizer = SizerFunc(func(title, _ string) Size { return Size{W: 100, H: 20 * len(title)} })

type hookLog struct {
	mu        sync.Mutex
	closed    []Event
	activated []Event
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		OnActivate: func(e Event) { h.mu.Lock(); h.activated = append(h.activated, e); h.mu.Unlock() },
		OnClosed:   func(e Event) { h.mu.Lock(); h.closed = append(h.closed, e); h.mu.Unlock() },
	}
}

func (h *hookLog) closedEvents() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.closed...)
}

func (h *hookLog) activatedEvents() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.activated...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DisplayTime = time.Minute
	cfg.MaxDisplayTime = 2 * time.Minute
	cfg.ExpireTime = 0
	cfg.Stagger = 0
	return cfg
}

func startManager(t *testing.T, cfg Config, opts ...Option) (*Manager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	base := []Option{WithClock(clk), WithDisplay(testDisplay), WithSizer(titleSizer)}
	m := New(cfg, append(base, opts...)...)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m, clk
}

func snapshot(t *testing.T, m *Manager) State {
	t.Helper()
	st, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() = %v", err)
	}
	return st
}

// waitFor polls the manager until cond holds. Mock timers fire their callbacks
// on separate goroutines, so effects land shortly after clock.Add returns.
func waitFor(t *testing.T, m *Manager, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st := snapshot(t, m)
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state: %d displayed, %d pending", what, len(st.Displayed), len(st.Pending))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func enqueue(t *testing.T, m *Manager, title string) AlertID {
	t.Helper()
	id, err := m.Enqueue(context.Background(), Request{Title: title, Token: "tok-" + title})
	if err != nil {
		t.Fatalf("Enqueue(%q) = %v", title, err)
	}
	return id
}

func assertContiguous(t *testing.T, st State) {
	t.Helper()
	off := 0
	for i, a := range st.Displayed {
		if a.Offset != off {
			t.Fatalf("displayed[%d].Offset = %d, want %d", i, a.Offset, off)
		}
		want := Place(st.Config.Corner, st.Screen.Safe, a.Size, off)
		if a.Position != want {
			t.Fatalf("displayed[%d].Position = %+v, want %+v", i, a.Position, want)
		}
		off += a.Size.H + Margin
	}
}

func ids(views []AlertView) []AlertID {
	out := make([]AlertID, 0, len(views))
	for _, v := range views {
		out = append(out, v.ID)
	}
	return out
}

func TestEnqueueAdmissionAndPromotion(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxItems = 2
	m, _ := startManager(t, cfg)

	a := enqueue(t, m, "a")
	b := enqueue(t, m, "bb")
	c := enqueue(t, m, "ccc")

	st := snapshot(t, m)
	if len(st.Displayed) != 2 || len(st.Pending) != 1 {
		t.Fatalf("got %d displayed, %d pending, want 2, 1", len(st.Displayed), len(st.Pending))
	}
	if st.Pending[0].ID != c {
		t.Fatalf("pending[0] = %s, want %s", st.Pending[0].ID, c)
	}

	if err := m.Close(context.Background(), a); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	st = snapshot(t, m)
	if got := ids(st.Displayed); len(got) != 2 || got[0] != b || got[1] != c {
		t.Fatalf("displayed = %v, want [%s %s]", got, b, c)
	}
	if len(st.Pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(st.Pending))
	}
	assertContiguous(t, st)
}

func TestCloseReflowsLaterAlerts(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxItems = 3
	bus := eventbus.New()
	moved, unsub := bus.Subscribe(16, EventMoved.Topic())
	defer unsub()
	m, _ := startManager(t, cfg, WithBus(bus))

	enqueue(t, m, "a")
	b := enqueue(t, m, "bb")
	c := enqueue(t, m, "ccc")

	before := snapshot(t, m)
	if got := before.Displayed[2].Offset; got != 20+Margin+40+Margin {
		t.Fatalf("third offset = %d, want %d", got, 20+Margin+40+Margin)
	}

	if err := m.Close(context.Background(), b); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	st := snapshot(t, m)
	assertContiguous(t, st)
	if got := st.Displayed[1].Offset; got != 20+Margin {
		t.Fatalf("offset after reflow = %d, want %d", got, 20+Margin)
	}
	if want := (Point{X: 1000 - 100 - Margin, Y: 800 - 60 - (20 + Margin)}); st.Displayed[1].Position != want {
		t.Fatalf("position after reflow = %+v, want %+v", st.Displayed[1].Position, want)
	}

	select {
	case e := <-moved:
		if ev := e.Data.(Event); ev.ID != c {
			t.Fatalf("moved event for %s, want %s", ev.ID, c)
		}
	case <-time.After(time.Second):
		t.Fatal("expected alert.moved event")
	}
}

func TestTopCornerStacksDownward(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Corner = TopLeft
	m, _ := startManager(t, cfg)

	enqueue(t, m, "a")
	enqueue(t, m, "bb")
	st := snapshot(t, m)
	if got := st.Displayed[1].Position; got != (Point{X: Margin, Y: 20 + Margin}) {
		t.Fatalf("second position = %+v", got)
	}
	assertContiguous(t, st)
}

func TestPrimaryTimerWithStagger(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DisplayTime = 10 * time.Second
	cfg.Stagger = 0.5
	log := &hookLog{}
	m, clk := startManager(t, cfg, WithHooks(log.hooks()))

	a := enqueue(t, m, "a")
	b := enqueue(t, m, "b")

	clk.Add(10 * time.Second)
	st := waitFor(t, m, "first alert to time out", func(st State) bool { return len(st.Displayed) == 1 })
	if st.Displayed[0].ID != b {
		t.Fatalf("remaining = %s, want %s", st.Displayed[0].ID, b)
	}
	assertContiguous(t, st)

	clk.Add(5 * time.Second)
	waitFor(t, m, "second alert to time out", func(st State) bool { return len(st.Displayed) == 0 })

	waitHooks(t, func() bool { return len(log.closedEvents()) == 2 })
	closed := log.closedEvents()
	if closed[0].ID != a || closed[0].Reason != ReasonTimeout {
		t.Fatalf("closed[0] = %+v, want %s timeout", closed[0], a)
	}
}

type countingActivity struct {
	active bool
	calls  atomic.Int32
}

func (c *countingActivity) Active(time.Duration) bool {
	c.calls.Add(1)
	return c.active
}

func TestActivityExtendsUntilFallback(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DisplayTime = 3 * time.Second
	cfg.MaxDisplayTime = 9 * time.Second
	cfg.ActivityTime = 2 * time.Second
	act := &countingActivity{active: true}
	log := &hookLog{}
	m, clk := startManager(t, cfg, WithActivity(act), WithHooks(log.hooks()))

	enqueue(t, m, "a")
	for i := int32(1); i <= 4; i++ {
		clk.Add(2 * time.Second)
		waitHooks(t, func() bool { return act.calls.Load() == i })
		if st := snapshot(t, m); len(st.Displayed) != 1 {
			t.Fatalf("after %d ticks alert should still be shown", i)
		}
	}

	clk.Add(time.Second)
	waitFor(t, m, "fallback close", func(st State) bool { return len(st.Displayed) == 0 })
	waitHooks(t, func() bool { return len(log.closedEvents()) == 1 })
	if r := log.closedEvents()[0].Reason; r != ReasonMaxTime {
		t.Fatalf("close reason = %q, want %q", r, ReasonMaxTime)
	}
}

func TestInactiveUserDoesNotExtend(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DisplayTime = 3 * time.Second
	cfg.ActivityTime = 2 * time.Second
	act := &countingActivity{}
	m, clk := startManager(t, cfg, WithActivity(act))

	enqueue(t, m, "a")
	clk.Add(2 * time.Second)
	waitHooks(t, func() bool { return act.calls.Load() == 1 })
	snapshot(t, m)
	clk.Add(time.Second)
	waitFor(t, m, "primary close", func(st State) bool { return len(st.Displayed) == 0 })
}

func TestBackpressureShortensOldest(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxItems = 2
	cfg.MaxQueueSize = 1
	cfg.ShortMaxDisplayTime = 5 * time.Second
	bus := eventbus.New()
	bp, unsub := bus.Subscribe(4, EventBackpressure.Topic())
	defer unsub()
	log := &hookLog{}
	m, clk := startManager(t, cfg, WithBus(bus), WithHooks(log.hooks()))

	a := enqueue(t, m, "a")
	b := enqueue(t, m, "b")
	c := enqueue(t, m, "c")
	if st := snapshot(t, m); st.Displayed[0].Shortened {
		t.Fatal("queue within limit should not shorten")
	}
	d := enqueue(t, m, "d")

	st := snapshot(t, m)
	if !st.Displayed[0].Shortened || st.Displayed[1].Shortened {
		t.Fatalf("only the oldest alert should be shortened: %+v", st.Displayed)
	}
	select {
	case e := <-bp:
		if e.Data.(Event).ID != a {
			t.Fatalf("backpressure on %v, want %s", e.Data, a)
		}
	case <-time.After(time.Second):
		t.Fatal("expected alert.backpressure event")
	}

	clk.Add(5 * time.Second)
	st = waitFor(t, m, "oldest alert to close", func(st State) bool {
		return len(st.Displayed) == 2 && st.Displayed[0].ID == b
	})
	if st.Displayed[1].ID != c || len(st.Pending) != 1 || st.Pending[0].ID != d {
		t.Fatalf("displayed = %v, pending = %v", ids(st.Displayed), ids(st.Pending))
	}
	assertContiguous(t, st)
	waitHooks(t, func() bool { return len(log.closedEvents()) == 1 })
	if ev := log.closedEvents()[0]; ev.ID != a || ev.Reason != ReasonMaxTime {
		t.Fatalf("closed = %+v, want %s max_time", ev, a)
	}
}

func TestClearAll(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxItems = 2
	cfg.MaxQueueSize = 10
	bus := eventbus.New()
	dropped, unsub := bus.Subscribe(16, EventDropped.Topic())
	defer unsub()
	log := &hookLog{}
	m, _ := startManager(t, cfg, WithBus(bus), WithHooks(log.hooks()))

	for _, title := range []string{"a", "b", "c", "d", "e"} {
		enqueue(t, m, title)
	}
	if err := m.ClearAll(context.Background()); err != nil {
		t.Fatalf("ClearAll() = %v", err)
	}
	st := snapshot(t, m)
	if len(st.Displayed) != 0 || len(st.Pending) != 0 {
		t.Fatalf("after ClearAll: %d displayed, %d pending", len(st.Displayed), len(st.Pending))
	}
	waitHooks(t, func() bool { return len(log.closedEvents()) == 2 })
	for _, ev := range log.closedEvents() {
		if ev.Reason != ReasonCleared {
			t.Fatalf("close reason = %q, want cleared", ev.Reason)
		}
	}
	if got := len(dropped); got != 3 {
		t.Fatalf("dropped events = %d, want 3", got)
	}
}

func TestActivateFiresHookWithToken(t *testing.T) {
	t.Parallel()
	log := &hookLog{}
	m, _ := startManager(t, testConfig(), WithHooks(log.hooks()))

	id := enqueue(t, m, "a")
	if err := m.Activate(context.Background(), id); err != nil {
		t.Fatalf("Activate() = %v", err)
	}
	if err := m.Activate(context.Background(), "unknown"); err != nil {
		t.Fatalf("Activate(unknown) = %v, want nil", err)
	}
	if err := m.Close(context.Background(), id); err != nil {
		t.Fatalf("second Close() = %v, want nil", err)
	}

	waitHooks(t, func() bool { return len(log.activatedEvents()) == 1 && len(log.closedEvents()) == 1 })
	if tok := log.activatedEvents()[0].Token; tok != "tok-a" {
		t.Fatalf("token = %v, want tok-a", tok)
	}
	if r := log.closedEvents()[0].Reason; r != ReasonActivated {
		t.Fatalf("close reason = %q, want activated", r)
	}
	if st := snapshot(t, m); len(st.Displayed) != 0 {
		t.Fatal("activated alert should be closed")
	}
}

func TestHooksMayCallBackIntoManager(t *testing.T) {
	t.Parallel()
	var m *Manager
	var closedFromHook atomic.Bool
	hooks := Hooks{OnActivate: func(e Event) {
		// Closing the next alert from inside a hook must not deadlock.
		st, err := m.Snapshot(context.Background())
		if err == nil && len(st.Displayed) > 0 {
			_ = m.Close(context.Background(), st.Displayed[0].ID)
			closedFromHook.Store(true)
		}
	}}
	m, _ = startManager(t, testConfig(), WithHooks(hooks))

	a := enqueue(t, m, "a")
	enqueue(t, m, "b")
	if err := m.Activate(context.Background(), a); err != nil {
		t.Fatalf("Activate() = %v", err)
	}
	waitFor(t, m, "hook to close the other alert", func(st State) bool { return len(st.Displayed) == 0 })
	if !closedFromHook.Load() {
		t.Fatal("hook did not run")
	}
}

func TestClosePendingAlert(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxItems = 1
	m, _ := startManager(t, cfg)

	enqueue(t, m, "a")
	b := enqueue(t, m, "b")
	if err := m.Close(context.Background(), b); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if st := snapshot(t, m); len(st.Pending) != 0 || len(st.Displayed) != 1 {
		t.Fatalf("got %d displayed, %d pending, want 1, 0", len(st.Displayed), len(st.Pending))
	}
}

func TestExpireClearsNewFlag(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ExpireTime = 5 * time.Second
	m, clk := startManager(t, cfg)

	enqueue(t, m, "a")
	if !snapshot(t, m).Displayed[0].New {
		t.Fatal("fresh alert should be new")
	}
	clk.Add(5 * time.Second)
	waitFor(t, m, "expire", func(st State) bool { return len(st.Displayed) == 1 && !st.Displayed[0].New })
}

func TestApplyRejectsPlacementChangeWhileVisible(t *testing.T) {
	t.Parallel()
	m, _ := startManager(t, testConfig())
	enqueue(t, m, "a")

	next := testConfig()
	next.Corner = TopLeft
	next.MaxItems = 7
	if err := m.Apply(context.Background(), next); !errors.Is(err, ErrPlacementLocked) {
		t.Fatalf("Apply() = %v, want ErrPlacementLocked", err)
	}
	st := snapshot(t, m)
	if st.Config.Corner != BottomRight {
		t.Fatalf("corner = %s, want unchanged bottom-right", st.Config.Corner)
	}
	if st.Config.MaxItems != 7 {
		t.Fatalf("MaxItems = %d, other fields should still apply", st.Config.MaxItems)
	}

	if err := m.ClearAll(context.Background()); err != nil {
		t.Fatalf("ClearAll() = %v", err)
	}
	if err := m.Apply(context.Background(), next); err != nil {
		t.Fatalf("Apply() on empty manager = %v", err)
	}
	if got := snapshot(t, m).Config.Corner; got != TopLeft {
		t.Fatalf("corner = %s, want top-left", got)
	}
}

func TestApplyShrinkingCapacity(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxItems = 3
	log := &hookLog{}
	m, _ := startManager(t, cfg, WithHooks(log.hooks()))
	a := enqueue(t, m, "a")
	enqueue(t, m, "b")
	enqueue(t, m, "c")

	cfg.MaxItems = 1
	if err := m.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("Apply() = %v", err)
	}
	st := snapshot(t, m)
	if got := ids(st.Displayed); len(got) != 1 || got[0] != a {
		t.Fatalf("displayed = %v, want [%s]", got, a)
	}
	waitHooks(t, func() bool { return len(log.closedEvents()) == 2 })
	for _, ev := range log.closedEvents() {
		if ev.Reason != ReasonCapacity {
			t.Fatalf("reason = %q, want capacity", ev.Reason)
		}
	}
}

func TestMaxItemsClampedToOne(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.MaxItems = 0
	m, _ := startManager(t, cfg, WithLogger(logx.NewJSON(&buf, "warn")))

	enqueue(t, m, "a")
	enqueue(t, m, "b")
	st := snapshot(t, m)
	if len(st.Displayed) != 1 || len(st.Pending) != 1 {
		t.Fatalf("got %d displayed, %d pending, want 1, 1", len(st.Displayed), len(st.Pending))
	}
	if !strings.Contains(buf.String(), "max items below 1") {
		t.Fatalf("expected clamp warning, got %q", buf.String())
	}
}

func TestNotStarted(t *testing.T) {
	t.Parallel()
	m := New(testConfig())
	if _, err := m.Enqueue(context.Background(), Request{Title: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue() = %v, want ErrStopped", err)
	}
}

func TestStoppedManagerRejectsCalls(t *testing.T) {
	t.Parallel()
	m, _ := startManager(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if err := m.ClearAll(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("ClearAll() after Stop = %v, want ErrStopped", err)
	}
}

func waitHooks(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
