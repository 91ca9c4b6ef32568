package linesource

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	kit "chatalert/internal/transport"
	logx "chatalert/pkg/logx"
)

func TestParseLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    kit.Message
		ok      bool
		wantErr bool
	}{
		{in: "bob: hello there", want: kit.Message{FromUsername: "bob", Text: "hello there"}, ok: true},
		{in: "bob[vip, mod]: re: colons: kept", want: kit.Message{FromUsername: "bob", Categories: []string{"vip", "mod"}, Text: "re: colons: kept"}, ok: true},
		{in: "#lobby alice: hi", want: kit.Message{ChatTitle: "#lobby", FromUsername: "alice", Text: "hi"}, ok: true},
		{in: "   "},
		{in: "// comment"},
		{in: "no colon here", wantErr: true},
		{in: "two words: x", wantErr: true},
		{in: ": empty user", wantErr: true},
	}
	for _, tt := range tests {
		got, ok, err := ParseLine(tt.in)
		if (err != nil) != tt.wantErr || ok != tt.ok {
			t.Fatalf("ParseLine(%q) = ok %v, err %v", tt.in, ok, err)
		}
		if ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("ParseLine(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestSourceEmitsMessages(t *testing.T) {
	t.Parallel()
	in := strings.NewReader("bob: one\ngarbage\n\nalice[vip]: two\n")
	src := New(in, logx.Nop(), nil)
	out := make(chan kit.Message, 4)

	if err := src.Start(context.Background(), out); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	select {
	case <-src.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("source did not finish")
	}
	close(out)

	var got []kit.Message
	for m := range out {
		got = append(got, m)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[1].FromUsername != "alice" || got[1].MessageID != 2 || got[1].Source != SourceName {
		t.Fatalf("second message = %+v", got[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := src.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}
