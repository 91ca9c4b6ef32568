// Package transport defines how chat messages enter chatalert and how text
// leaves it.
package transport

import (
	"context"
	"strconv"
	"time"
)

// Message is one incoming chat message, normalized across sources.
type Message struct {
	Source       string
	ChatID       int64
	ChatTitle    string
	ThreadID     int // telegram forum topic thread id (0 if none)
	MessageID    int
	FromID       int64
	FromUsername string
	// Categories are source-derived sender categories (bot, admin, premium...).
	Categories []string
	Text       string
	At         time.Time
}

// Ref points back at the message; it is the alert token.
func (m Message) Ref() MessageRef {
	return MessageRef{Source: m.Source, ChatID: m.ChatID, ThreadID: m.ThreadID, MessageID: m.MessageID}
}

// Chat is a display name for the conversation.
func (m Message) Chat() string {
	if m.ChatTitle != "" {
		return m.ChatTitle
	}
	if m.ChatID != 0 {
		return strconv.FormatInt(m.ChatID, 10)
	}
	return m.Source
}

type MessageRef struct {
	Source    string `json:"source"`
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	MessageID int    `json:"message_id"`
}

func (r MessageRef) String() string {
	return r.Source + ":" + strconv.FormatInt(r.ChatID, 10) + ":" + strconv.Itoa(r.MessageID)
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is an outbound text queued on the notifier.
type Notification struct {
	Channel string // "telegram"
	Target  ChatTarget
	Text    string
	Options *SendOptions
}

// Source produces chat messages until stopped.
type Source interface {
	Name() string
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
