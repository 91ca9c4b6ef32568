package overlay

import (
	"context"
	"encoding/json"
	"time"

	"chatalert/internal/alerts"
	"chatalert/internal/eventbus"
	logx "chatalert/pkg/logx"
)

// Frame types sent to renderers.
const (
	FrameSnapshot = "snapshot"
	FrameError    = "error"
)

// Client message types.
const (
	MsgActivate = "activate"
	MsgClose    = "close"
	MsgClear    = "clear"
	MsgActivity = "activity"
)

// Frame is one server -> renderer message. Alert events keep their bus type
// ("alert.shown", "alert.moved", ...).
type Frame struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// ClientMessage is one renderer -> server message.
type ClientMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Alerts is the subset of the alert manager the overlay drives.
type Alerts interface {
	Snapshot(ctx context.Context) (alerts.State, error)
	Activate(ctx context.Context, id alerts.AlertID) error
	Close(ctx context.Context, id alerts.AlertID) error
	ClearAll(ctx context.Context) error
}

// ActivitySink receives user activity reported by the renderer.
type ActivitySink interface {
	Touch()
}

// Hub fans alert events out to every connected renderer.
type Hub struct {
	log      logx.Logger
	bus      eventbus.Bus
	alerts   Alerts
	activity ActivitySink

	register   chan *client
	unregister chan *client
	clients    map[*client]struct{}
	count      chan chan int
	done       chan struct{}
}

func NewHub(a Alerts, bus eventbus.Bus, activity ActivitySink, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		log:        log,
		bus:        bus,
		alerts:     a,
		activity:   activity,
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    map[*client]struct{}{},
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is done. Every client gets a snapshot
// before any event published after it registered. Run must be called once.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	var events <-chan eventbus.Event
	if h.bus != nil {
		ch, unsub := h.bus.Subscribe(256, "alert")
		defer unsub()
		events = ch
	}
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.sendSnapshot(ctx, c)
			h.log.Debug("renderer connected", logx.String("client", c.id), logx.Int("clients", len(h.clients)))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Debug("renderer disconnected", logx.String("client", c.id), logx.Int("clients", len(h.clients)))
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.broadcast(Frame{Type: ev.Type, Time: ev.Time, Data: ev.Data})
		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// Clients reports the number of connected renderers.
func (h *Hub) Clients(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
	case <-h.done:
		return 0
	case <-ctx.Done():
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-ctx.Done():
		return 0
	}
}

func (h *Hub) sendSnapshot(ctx context.Context, c *client) {
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	st, err := h.alerts.Snapshot(sctx)
	if err != nil {
		h.deliver(c, Frame{Type: FrameError, Time: time.Now(), Data: err.Error()})
		return
	}
	h.deliver(c, Frame{Type: FrameSnapshot, Time: time.Now(), Data: st})
}

func (h *Hub) broadcast(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Warn("frame encode failed", logx.String("type", f.Type), logx.Err(err))
		return
	}
	for c := range h.clients {
		h.push(c, b)
	}
}

func (h *Hub) deliver(c *client, f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Warn("frame encode failed", logx.String("type", f.Type), logx.Err(err))
		return
	}
	h.push(c, b)
}

// push drops a renderer that cannot keep up rather than blocking the hub.
func (h *Hub) push(c *client, b []byte) {
	select {
	case c.send <- b:
	default:
		delete(h.clients, c)
		close(c.send)
		h.log.Warn("renderer too slow, disconnected", logx.String("client", c.id))
	}
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// handle applies one renderer message.
func (h *Hub) handle(ctx context.Context, c *client, msg ClientMessage) error {
	switch msg.Type {
	case MsgActivate:
		return h.alerts.Activate(ctx, alerts.AlertID(msg.ID))
	case MsgClose:
		return h.alerts.Close(ctx, alerts.AlertID(msg.ID))
	case MsgClear:
		return h.alerts.ClearAll(ctx)
	case MsgActivity:
		if h.activity != nil {
			h.activity.Touch()
		}
		return nil
	default:
		h.log.Debug("unknown renderer message", logx.String("type", msg.Type), logx.String("client", c.id))
		return nil
	}
}
