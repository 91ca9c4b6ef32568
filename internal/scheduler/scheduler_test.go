package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatalert/internal/eventbus"
	logx "chatalert/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0 3 * * *", want: "0 3 * * *"},
		{in: "@daily", want: "@daily"},
		{in: "@every 1h", want: "@every 1h"},
		{in: "cron:*/5 * * * *", want: "*/5 * * * *"},
		{in: "55m", want: "@every 55m0s"},
		{in: "02:30", want: "@every 2h30m0s"},
		{in: "every:00:15", want: "@every 15m0s"},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSchedule(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSchedule(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAddValidates(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name string
		job  Job
	}{
		{"no name", Job{Schedule: "1h", Run: noop}},
		{"no func", Job{Name: "x", Schedule: "1h"}},
		{"bad schedule", Job{Name: "x", Schedule: "whenever", Run: noop}},
		{"bad cron", Job{Name: "x", Schedule: "61 * * * *", Run: noop}},
	}
	for _, tt := range tests {
		if err := s.Add(tt.job); err == nil {
			t.Errorf("%s: Add() = nil, want error", tt.name)
		}
	}
	if got := len(s.Jobs()); got != 0 {
		t.Fatalf("Jobs() = %d entries, want 0", got)
	}
}

func TestRunNowRecordsAndPublishes(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, "housekeeping")
	defer unsub()

	s := New(Config{}, logx.Nop(), bus)
	boom := errors.New("boom")
	fail := true
	if err := s.Add(Job{Name: "prune", Schedule: "@daily", Run: func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		if fail {
			return boom
		}
		return nil
	}}); err != nil {
		t.Fatalf("Add() = %v", err)
	}

	if err := s.RunNow(context.Background(), "prune"); !errors.Is(err, boom) {
		t.Fatalf("RunNow() = %v, want boom", err)
	}
	ev := <-events
	if ev.Type != "housekeeping.run" {
		t.Fatalf("event type = %q", ev.Type)
	}
	if re, ok := ev.Data.(RunEvent); !ok || re.Name != "prune" || re.Error != "boom" {
		t.Fatalf("event data = %#v", ev.Data)
	}

	fail = false
	if err := s.RunNow(context.Background(), "prune"); err != nil {
		t.Fatalf("RunNow() = %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("Jobs() = %d entries, want 1", len(jobs))
	}
	if jobs[0].Runs != 2 || jobs[0].LastErr != "" || jobs[0].LastRun.IsZero() {
		t.Fatalf("status = %+v, want 2 runs and cleared error", jobs[0])
	}

	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("RunNow(missing) = nil, want error")
	}
}

func TestStartReplaceRemoveStop(t *testing.T) {
	t.Parallel()

	s := New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add(Job{Name: "stats", Schedule: "1h", Run: noop}); err != nil {
		t.Fatalf("Add() = %v", err)
	}
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	if err := s.Add(Job{Name: "prune", Schedule: "0 3 * * *", Run: noop}); err != nil {
		t.Fatalf("Add() = %v", err)
	}
	if err := s.Add(Job{Name: "stats", Schedule: "30m", Run: noop}); err != nil {
		t.Fatalf("Add(replace) = %v", err)
	}

	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0].Name != "stats" || jobs[1].Name != "prune" {
		t.Fatalf("Jobs() = %+v, want stats then prune", jobs)
	}
	if jobs[0].Spec != "@every 30m0s" {
		t.Fatalf("stats spec = %q, want replaced spec", jobs[0].Spec)
	}
	for _, j := range jobs {
		if j.Next.IsZero() {
			t.Errorf("job %s has no next run", j.Name)
		}
	}

	s.Apply(Config{Timezone: "Europe/Berlin"})
	if got := len(s.Jobs()); got != 2 {
		t.Fatalf("after tz change Jobs() = %d, want 2", got)
	}
	for _, j := range s.Jobs() {
		if j.Next.IsZero() {
			t.Errorf("job %s lost its schedule after restart", j.Name)
		}
	}

	s.Remove("stats")
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0].Name != "prune" {
		t.Fatalf("after Remove Jobs() = %+v", jobs)
	}

	if !s.Running() {
		t.Fatal("Running() = false before Stop")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Running() {
		t.Fatal("Running() = true after Stop")
	}
}
