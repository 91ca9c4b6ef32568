package highlight

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	logx "chatalert/pkg/logx"
)

func TestEngineRulesInOrder(t *testing.T) {
	t.Parallel()
	e := New()
	if n := e.Configure([]string{"", "user:bob", "  ", "hello"}); n != 2 {
		t.Fatalf("Configure() = %d, want 2", n)
	}
	v := e.Explain(Message{User: "bob", Text: "hello"})
	if !v.Matched || v.Reason != ReasonRule || v.Rule != "user:bob" {
		t.Fatalf("Explain() = %+v, want first rule user:bob", v)
	}
	if e.Check(Message{User: "eve", Text: "nothing"}) {
		t.Fatal("unexpected match")
	}
}

func TestEngineSelfMention(t *testing.T) {
	t.Parallel()
	e := New()
	e.SetUsername("Tester")

	msg := Message{User: "x", Text: "hey tester!"}
	if e.Check(msg) {
		t.Fatal("self-mention should be off until SetHighlightUsername(true)")
	}
	e.SetHighlightUsername(true)
	if v := e.Explain(msg); v.Reason != ReasonSelfMention {
		t.Fatalf("Explain() = %+v, want self mention", v)
	}
	if e.Check(Message{Text: "testers unite"}) {
		t.Fatal("partial word should not match")
	}

	e.SetUsername("")
	if e.Check(msg) || e.Username() != "" {
		t.Fatal("empty username should disable self-mention")
	}
}

func TestEngineBadUsernameDisablesPattern(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := New(WithLogger(logx.NewJSON(&buf, "warn")))
	e.SetHighlightUsername(true)
	e.SetUsername("ok")
	e.SetUsername("bad(")

	if e.Check(Message{Text: "ok"}) {
		t.Fatal("previous pattern should be cleared on failure")
	}
	if !strings.Contains(buf.String(), "self-mention pattern disabled") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
}

func TestEngineFollowUpWindow(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	e := New(WithClock(clk))
	e.Configure([]string{"hello"})
	e.SetFollowUp(true)

	if v := e.Match(Message{User: "X", Text: "hello"}); !v.Matched {
		t.Fatal("expected initial match")
	}
	quiet := Message{User: "x", Text: "unrelated"}

	clk.Add(5 * time.Second)
	if v := e.Explain(quiet); v.Reason != ReasonFollowUp {
		t.Fatalf("at +5s Explain() = %+v, want follow up", v)
	}
	clk.Add(6 * time.Second)
	if e.Check(quiet) {
		t.Fatal("at +11s follow up should have lapsed")
	}
}

func TestEngineFollowUpDisabled(t *testing.T) {
	t.Parallel()
	clk := clock.NewMock()
	e := New(WithClock(clk))
	e.RecordMatch("bob")
	if e.Check(Message{User: "bob", Text: "x"}) {
		t.Fatal("follow up disabled, should not match")
	}
}

func TestEngineCheckDoesNotRecord(t *testing.T) {
	t.Parallel()
	e := New(WithClock(clock.NewMock()))
	e.Configure([]string{"hello"})
	e.SetFollowUp(true)

	e.Check(Message{User: "bob", Text: "hello"})
	if e.Check(Message{User: "bob", Text: "other"}) {
		t.Fatal("Check must not record matches")
	}
}

func TestEngineLogsDegradedRules(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := New(WithLogger(logx.NewJSON(&buf, "warn")))
	e.Configure([]string{"re:[", "fine"})

	if !strings.Contains(buf.String(), "highlight rule degraded") {
		t.Fatalf("expected warning, got %q", buf.String())
	}
	if got := len(e.Rules()); got != 2 {
		t.Fatalf("Rules() len = %d, want 2", got)
	}
}

func TestEngineConfigureWhileChecking(t *testing.T) {
	t.Parallel()
	e := New()
	e.Configure([]string{"alpha"})
	msg := Message{User: "u", Text: "alpha beta"}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				e.Configure([]string{"beta", "gamma"})
			} else {
				e.Configure([]string{"alpha"})
			}
		}
	}()
	for i := 0; i < 2000; i++ {
		if !e.Check(msg) {
			close(stop)
			wg.Wait()
			t.Fatal("Check observed a partial rule set")
		}
	}
	close(stop)
	wg.Wait()
}
