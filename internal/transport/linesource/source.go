// Package linesource reads chat messages from a text stream, one per line:
//
//	user: text
//	user[cat1,cat2]: text
//	#chat user: text
//
// It backs "chatalert run --stdin" and local experiments.
package linesource

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"

	rtsup "chatalert/internal/runtime/supervisor"
	kit "chatalert/internal/transport"
	logx "chatalert/pkg/logx"
)

const SourceName = "lines"

var errMalformed = errors.New("expected \"user: text\"")

// ParseLine parses one input line. Blank lines and lines starting with "//"
// yield ok=false and no error.
func ParseLine(line string) (kit.Message, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "//") {
		return kit.Message{}, false, nil
	}
	var m kit.Message
	if strings.HasPrefix(line, "#") {
		chat, rest, ok := strings.Cut(line[1:], " ")
		if !ok || chat == "" {
			return kit.Message{}, false, errMalformed
		}
		m.ChatTitle = "#" + chat
		line = strings.TrimSpace(rest)
	}
	head, text, ok := strings.Cut(line, ":")
	if !ok {
		return kit.Message{}, false, errMalformed
	}
	head = strings.TrimSpace(head)
	if i := strings.IndexByte(head, '['); i >= 0 && strings.HasSuffix(head, "]") {
		for _, c := range strings.Split(head[i+1:len(head)-1], ",") {
			if c = strings.TrimSpace(c); c != "" {
				m.Categories = append(m.Categories, c)
			}
		}
		head = strings.TrimSpace(head[:i])
	}
	if head == "" || strings.ContainsAny(head, " \t") {
		return kit.Message{}, false, errMalformed
	}
	m.FromUsername = head
	m.Text = strings.TrimSpace(text)
	return m, true, nil
}

// Source emits one message per parsed line.
type Source struct {
	r   io.Reader
	log logx.Logger
	clk clock.Clock

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	done chan struct{}
}

func New(r io.Reader, log logx.Logger, clk clock.Clock) *Source {
	if clk == nil {
		clk = clock.New()
	}
	return &Source{r: r, log: log, clk: clk, done: make(chan struct{})}
}

func (s *Source) Name() string { return SourceName }

// Done is closed once the reader is exhausted or the source is stopped.
func (s *Source) Done() <-chan struct{} { return s.done }

func (s *Source) Start(ctx context.Context, out chan<- kit.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.sup.Go("lines.read", func(ctx context.Context) error {
		defer close(s.done)
		return s.read(ctx, out)
	})
	return nil
}

func (s *Source) read(ctx context.Context, out chan<- kit.Message) error {
	sc := bufio.NewScanner(s.r)
	n, seq := 0, 0
	for sc.Scan() {
		n++
		m, ok, err := ParseLine(sc.Text())
		if err != nil {
			s.log.Debug("line skipped", logx.Int("line", n), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		seq++
		m.Source = SourceName
		m.MessageID = seq
		m.At = s.clk.Now()
		select {
		case out <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	s.log.Info("input exhausted", logx.Int("lines", n), logx.Int("messages", seq))
	return nil
}

// Stop waits for the reader goroutine. A reader blocked in Read (stdin) is
// abandoned once ctx expires.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
