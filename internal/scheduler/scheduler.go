package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chatalert/internal/eventbus"
	logx "chatalert/pkg/logx"
)

// Config controls the housekeeping scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Job is one named periodic task.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus is a read-only view of a registered job.
type JobStatus struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Next     time.Time     `json:"next,omitzero"`
	LastRun  time.Time     `json:"last_run,omitzero"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_err,omitempty"`
	Runs     uint64        `json:"runs"`
}

// RunEvent is published as "housekeeping.run" after every job run.
type RunEvent struct {
	Name  string        `json:"name"`
	Took  time.Duration `json:"took"`
	Error string        `json:"error,omitempty"`
}

const defaultJobTimeout = time.Minute

type jobDef struct {
	job     Job
	spec    string
	entryID cron.EntryID

	mu       sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
	runs     uint64
}

// Service triggers housekeeping jobs on cron schedules in a configurable
// timezone. A job that is still running when its next tick fires is skipped.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	defs   map[string]*jobDef
	order  []string
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		cfg: cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
	}
}

// Add registers or replaces a job by name.
func (s *Service) Add(job Job) error {
	name := strings.TrimSpace(job.Name)
	if name == "" {
		return errors.New("scheduler: job name required")
	}
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %q has no func", name)
	}
	spec, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", name, err)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("scheduler: job %q: %w", name, err)
	}
	if job.Timeout <= 0 {
		job.Timeout = defaultJobTimeout
	}
	job.Name = name

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[name]; ok {
		if s.c != nil {
			s.c.Remove(old.entryID)
		}
	} else {
		s.order = append(s.order, name)
	}
	d := &jobDef{job: job, spec: spec}
	s.defs[name] = d
	if s.c != nil {
		return s.addLocked(d)
	}
	return nil
}

// Remove unregisters a job. Unknown names are ignored.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return
	}
	if s.c != nil {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Apply swaps the config; a timezone change restarts cron with every job.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Start begins triggering. Jobs run with contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	l := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	for _, name := range s.order {
		if err := s.addLocked(s.defs[name]); err != nil {
			s.log.Error("job register failed", logx.String("name", name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Running reports whether cron is triggering jobs.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Stop halts triggering and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs still running")
	}
	s.log.Info("scheduler stopped")
}

// RunNow runs a job immediately on the caller's goroutine.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.run(ctx, d)
}

// Jobs lists registered jobs in registration order.
func (s *Service) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.order))
	for _, name := range s.order {
		d := s.defs[name]
		st := JobStatus{Name: name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			st.Next = s.c.Entry(d.entryID).Next
		}
		d.mu.Lock()
		st.LastRun, st.LastTook, st.LastErr, st.Runs = d.lastRun, d.lastTook, d.lastErr, d.runs
		d.mu.Unlock()
		out = append(out, st)
	}
	return out
}

func (s *Service) addLocked(d *jobDef) error {
	ctx := s.ctx
	id, err := s.c.AddFunc(d.spec, func() { _ = s.run(ctx, d) })
	if err != nil {
		return err
	}
	d.entryID = id
	s.log.Debug("job registered", logx.String("name", d.job.Name), logx.String("spec", d.spec), logx.Duration("timeout", d.job.Timeout))
	return nil
}

func (s *Service) run(parent context.Context, d *jobDef) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, d.job.Timeout)
	defer cancel()

	start := time.Now()
	err := d.job.Run(ctx)
	took := time.Since(start)

	d.mu.Lock()
	d.lastRun, d.lastTook, d.runs = start, took, d.runs+1
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.mu.Unlock()

	ev := RunEvent{Name: d.job.Name, Took: took}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("job failed", logx.String("name", d.job.Name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("name", d.job.Name), logx.Duration("took", took))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "housekeeping.run", Data: ev})
	}
	return err
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's own diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
