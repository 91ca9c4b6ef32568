package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatalert/internal/alerts"
	"chatalert/internal/eventbus"
	"chatalert/internal/highlight"
	"chatalert/internal/notifier"
	"chatalert/internal/storage"
	kit "chatalert/internal/transport"
	logx "chatalert/pkg/logx"
)

const (
	// TopicHighlightMatched is published once per highlighted message.
	TopicHighlightMatched = "highlight.matched"

	storeTimeout = 2 * time.Second
)

// MatchedEvent is the bus payload of highlight.matched.
type MatchedEvent struct {
	AlertID alerts.AlertID `json:"alert_id,omitempty"`
	Ref     kit.MessageRef `json:"ref"`
	User    string         `json:"user"`
	Chat    string         `json:"chat"`
	Reason  string         `json:"reason"`
	Rule    string         `json:"rule,omitempty"`
	Queued  bool           `json:"queued"`
}

// Categories maps lowercased usernames to statically granted categories.
type Categories map[string][]string

// NewCategories inverts the config layout (category -> users).
func NewCategories(byCategory map[string][]string) Categories {
	out := Categories{}
	for cat, users := range byCategory {
		cat = strings.TrimSpace(cat)
		if cat == "" {
			continue
		}
		for _, u := range users {
			u = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(u, "@")))
			if u != "" {
				out[u] = append(out[u], cat)
			}
		}
	}
	return out
}

// Message converts a transport message for the highlight engine, merging
// source-derived and static categories.
func (c Categories) Message(m kit.Message) highlight.Message {
	set := highlight.NewCategorySet(m.Categories...)
	set.Add(c[strings.ToLower(m.FromUsername)]...)
	return highlight.Message{User: m.FromUsername, Categories: set, Text: m.Text}
}

func alertTitle(user, chat string) string {
	return fmt.Sprintf("%s in %s", user, chat)
}

// pipeline consumes messages until ctx ends or in is closed. It also closes
// drained once the line input is done and its messages were handled.
func (a *App) pipeline(ctx context.Context, in <-chan kit.Message) error {
	var inputDone <-chan struct{}
	if a.input != nil {
		inputDone = a.input.Done()
	}
	draining := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-inputDone:
			// The source closes Done after its last send, so everything it
			// produced is already buffered in.
			inputDone = nil
			draining = true
		case m, ok := <-in:
			if !ok {
				return nil
			}
			a.handle(ctx, m)
		}
		if draining && len(in) == 0 {
			draining = false
			a.log.Info("line input drained")
			close(a.drained)
		}
	}
}

// handle runs one message through the engine and, on a match, raises the
// alert, records it, forwards it and announces it on the bus.
func (a *App) handle(ctx context.Context, m kit.Message) {
	if strings.TrimSpace(m.Text) == "" {
		return
	}
	cats := *a.categories.Load()
	v := a.engine.Match(cats.Message(m))
	if !v.Matched {
		a.log.Trace("message not highlighted", logx.String("user", m.FromUsername), logx.String("ref", m.Ref().String()))
		return
	}
	if m.At.IsZero() {
		m.At = a.clk.Now()
	}
	chat := m.Chat()
	a.log.Debug("message highlighted",
		logx.String("user", m.FromUsername),
		logx.String("chat", chat),
		logx.String("reason", string(v.Reason)),
		logx.String("rule", v.Rule),
	)

	ev := MatchedEvent{
		Ref:    m.Ref(),
		User:   m.FromUsername,
		Chat:   chat,
		Reason: string(v.Reason),
		Rule:   v.Rule,
	}

	id, err := a.alerts.Enqueue(ctx, alerts.Request{
		Title:   alertTitle(m.FromUsername, chat),
		Body:    m.Text,
		Token:   m.Ref(),
		Created: m.At,
	})
	switch {
	case err == nil:
		ev.AlertID, ev.Queued = id, true
	case errors.Is(err, context.Canceled):
		return
	default:
		a.log.Warn("alert enqueue failed", logx.String("ref", m.Ref().String()), logx.Err(err))
	}

	if a.store != nil {
		rec := storage.Highlight{
			ID:        string(id),
			At:        m.At,
			Source:    m.Source,
			Chat:      chat,
			MessageID: m.Ref().String(),
			User:      m.FromUsername,
			Text:      m.Text,
			Reason:    string(v.Reason),
			Rule:      v.Rule,
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := a.store.AppendHighlight(sctx, rec); err != nil {
			a.log.Warn("highlight not recorded", logx.String("id", rec.ID), logx.Err(err))
		}
		cancel()
	}

	if a.notif != nil && a.notif.Enabled() {
		err := a.notif.Forward(ctx, notifier.Highlight{
			User:   m.FromUsername,
			Chat:   chat,
			Text:   m.Text,
			Reason: string(v.Reason),
			Rule:   v.Rule,
			At:     m.At,
		})
		if err != nil {
			a.log.Warn("highlight not forwarded", logx.String("ref", m.Ref().String()), logx.Err(err))
		}
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: TopicHighlightMatched, Time: a.clk.Now(), Data: ev})
	}
}

// onActivate marks the stored highlight so history shows what was acted on.
func (a *App) onActivate(ev alerts.Event) {
	ref, _ := ev.Token.(kit.MessageRef)
	a.log.Info("alert activated", logx.String("id", string(ev.ID)), logx.String("ref", ref.String()))
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := a.store.MarkActivated(ctx, string(ev.ID), ev.At); err != nil {
		a.log.Warn("activation not recorded", logx.String("id", string(ev.ID)), logx.Err(err))
	}
}

func (a *App) onClosed(ev alerts.Event) {
	a.log.Debug("alert closed", logx.String("id", string(ev.ID)), logx.String("reason", ev.Reason))
}
