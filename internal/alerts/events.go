package alerts

import (
	"time"

	"github.com/google/uuid"
)

// AlertID identifies one alert for its whole life (pending and displayed).
type AlertID string

func newAlertID() AlertID { return AlertID(uuid.NewString()) }

// Request is one alert to show.
type Request struct {
	Title string
	Body  string
	// Token is handed back unchanged on activation.
	Token   any
	Created time.Time
}

type EventKind string

const (
	EventShown        EventKind = "shown"
	EventQueued       EventKind = "queued"
	EventMoved        EventKind = "moved"
	EventExpired      EventKind = "expired"
	EventBackpressure EventKind = "backpressure"
	EventActivated    EventKind = "activated"
	EventClosed       EventKind = "closed"
	EventDropped      EventKind = "dropped"
)

// Topic is the eventbus type for kind, e.g. "alert.shown".
func (k EventKind) Topic() string { return "alert." + string(k) }

// Close reasons.
const (
	ReasonTimeout   = "timeout"
	ReasonMaxTime   = "max_time"
	ReasonClosed    = "closed"
	ReasonActivated = "activated"
	ReasonCleared   = "cleared"
	ReasonCapacity  = "capacity"
)

// Event describes one alert lifecycle step. It is published on the bus and
// passed to hooks.
type Event struct {
	Kind     EventKind `json:"kind"`
	ID       AlertID   `json:"id"`
	Title    string    `json:"title,omitempty"`
	Body     string    `json:"body,omitempty"`
	Token    any       `json:"token,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Position Point     `json:"position"`
	Size     Size      `json:"size"`
	New      bool      `json:"new,omitempty"`
	Pending  int       `json:"pending"`
	At       time.Time `json:"at"`
}

// Hooks are called in event order from a dedicated goroutine, so they may call
// back into the Manager.
type Hooks struct {
	// OnActivate receives the activated alert, including its Token.
	OnActivate func(Event)
	// OnClosed fires once per alert leaving the displayed set.
	OnClosed func(Event)
}

// ActivitySource reports whether the user was active within window.
type ActivitySource interface {
	Active(window time.Duration) bool
}

// AlertView is a read-only copy of an alert's state.
type AlertView struct {
	ID        AlertID   `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Token     any       `json:"token,omitempty"`
	Position  Point     `json:"position"`
	Size      Size      `json:"size"`
	Offset    int       `json:"offset"`
	New       bool      `json:"new"`
	Shortened bool      `json:"shortened,omitempty"`
	Created   time.Time `json:"created"`
	ShownAt   time.Time `json:"shown_at,omitzero"`
}

// State is a snapshot of the manager.
type State struct {
	Displayed []AlertView `json:"displayed"`
	Pending   []AlertView `json:"pending"`
	Screen    Screen      `json:"screen"`
	Config    Config      `json:"-"`
}
