package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "chatalert/internal/runtime/supervisor"
	kit "chatalert/internal/transport"
	logx "chatalert/pkg/logx"
)

const SourceName = "telegram"

type Config struct {
	Token       string
	PollTimeout time.Duration
	// AdminCacheTTL controls how long chat administrator lists are reused.
	AdminCacheTTL time.Duration
	// AllowedChats limits which chats are read. Empty means all.
	AllowedChats []int64
}

// Adapter reads chat messages from Telegram (long polling) and sends text back.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- kit.Message
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64

	adminMu sync.Mutex
	admins  map[int64]adminEntry
}

type adminEntry struct {
	ids map[int64]struct{}
	at  time.Time
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 10 * time.Minute
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, admins: map[int64]adminEntry{}}
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Name() string { return SourceName }

// Username is the bot's own username, used as the default self-mention name.
func (a *Adapter) Username() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) allowed(chatID int64) bool {
	if len(a.cfg.AllowedChats) == 0 {
		return true
	}
	for _, id := range a.cfg.AllowedChats {
		if id == chatID {
			return true
		}
	}
	return false
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil || !a.allowed(m.Chat.ID) {
		return nil
	}
	isAdmin := false
	if m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup {
		isAdmin = a.isAdmin(m.Chat, m.Sender.ID)
	}
	a.deliver(kit.Message{
		Source:       SourceName,
		ChatID:       m.Chat.ID,
		ChatTitle:    chatTitle(m.Chat),
		ThreadID:     m.ThreadID,
		MessageID:    m.ID,
		FromID:       m.Sender.ID,
		FromUsername: senderName(m.Sender),
		Categories:   categoriesFor(m.Sender, isAdmin),
		Text:         m.Text,
		At:           m.Time(),
	})
	return nil
}

func (a *Adapter) deliver(m kit.Message) {
	out, _ := a.out.Load().(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		a.dropped.Add(1)
	}
}

// isAdmin consults a per-chat administrator cache, refreshed after AdminCacheTTL.
func (a *Adapter) isAdmin(chat *tele.Chat, userID int64) bool {
	a.adminMu.Lock()
	e, ok := a.admins[chat.ID]
	a.adminMu.Unlock()

	if !ok || time.Since(e.at) > a.cfg.AdminCacheTTL {
		members, err := a.bot.AdminsOf(chat)
		if err != nil {
			a.log.Debug("admin list unavailable", logx.Int64("chat_id", chat.ID), logx.Err(err))
			if !ok {
				return false
			}
		} else {
			e = adminEntry{ids: make(map[int64]struct{}, len(members)), at: time.Now()}
			for _, mem := range members {
				if mem.User != nil {
					e.ids[mem.User.ID] = struct{}{}
				}
			}
			a.adminMu.Lock()
			a.admins[chat.ID] = e
			a.adminMu.Unlock()
		}
	}
	_, is := e.ids[userID]
	return is
}

func categoriesFor(u *tele.User, admin bool) []string {
	var cats []string
	if u.IsBot {
		cats = append(cats, "bot")
	}
	if u.IsPremium {
		cats = append(cats, "premium")
	}
	if admin {
		cats = append(cats, "admin")
	}
	return cats
}

func senderName(u *tele.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func chatTitle(c *tele.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	if c.Username != "" {
		return "@" + c.Username
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("telegram.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telegram.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until bot.Stop; restart it if it returns early.
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Stop never blocks shutdown for long on the pending getUpdates call.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Debug("telegram stop", logx.Err(err))
	}
	return nil
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that keep chunks at least a third of the limit long.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText sends text in as many chunks as needed and returns the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{Source: SourceName, ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}
