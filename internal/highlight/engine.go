package highlight

import (
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	logx "chatalert/pkg/logx"
)

// FollowUpWindow is how long after a match further messages from the same
// user are also highlighted (when follow-up is enabled).
const FollowUpWindow = 10 * time.Second

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonSelfMention Reason = "self_mention"
	ReasonRule        Reason = "rule"
	ReasonFollowUp    Reason = "follow_up"
)

// Verdict explains a Check result.
type Verdict struct {
	Matched bool
	Reason  Reason
	// Rule is the source of the matching rule (ReasonRule only).
	Rule string
}

type ruleSet struct {
	rules []Rule
}

type Engine struct {
	log logx.Logger
	clk clock.Clock

	rules    atomic.Pointer[ruleSet]
	self     atomic.Pointer[regexp.Regexp]
	username atomic.Pointer[string]

	highlightUsername atomic.Bool
	followUp          atomic.Bool

	mu     sync.Mutex
	recent map[string]time.Time
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

// WithClock injects the time source used for follow-up bookkeeping.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clk = c } }

func New(opts ...Option) *Engine {
	e := &Engine{recent: map[string]time.Time{}}
	for _, o := range opts {
		o(e)
	}
	if e.clk == nil {
		e.clk = clock.New()
	}
	e.rules.Store(&ruleSet{})
	return e
}

// Configure compiles raw rule lines and swaps the rule snapshot in one step.
// Blank lines are skipped. Degraded rules are kept (their filters still apply)
// and logged. It returns the number of rules installed.
func (e *Engine) Configure(raw []string) int {
	rules := make([]Rule, 0, len(raw))
	for _, line := range raw {
		if strings.TrimSpace(line) == "" {
			continue
		}
		r := Compile(line)
		if r.Err != nil {
			e.log.Warn("highlight rule degraded", logx.String("rule", r.Source), logx.Err(r.Err))
		}
		rules = append(rules, r)
	}
	e.rules.Store(&ruleSet{rules: rules})
	e.log.Debug("highlight rules configured", logx.Int("rules", len(rules)))
	return len(rules)
}

// Rules returns the current snapshot.
func (e *Engine) Rules() []Rule {
	return slices.Clone(e.rules.Load().rules)
}

// SetUsername installs the self-mention pattern for name. An empty name or a
// pattern that does not compile disables self-mention matching.
func (e *Engine) SetUsername(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		e.self.Store(nil)
		e.username.Store(nil)
		return
	}
	re, err := compileFull(wordPattern(name, true))
	if err != nil {
		e.log.Warn("self-mention pattern disabled", logx.String("username", name), logx.Err(err))
		e.self.Store(nil)
		e.username.Store(nil)
		return
	}
	e.self.Store(re)
	e.username.Store(&name)
}

// Username returns the name behind the active self-mention pattern, if any.
func (e *Engine) Username() string {
	if p := e.username.Load(); p != nil {
		return *p
	}
	return ""
}

func (e *Engine) SetHighlightUsername(enabled bool) { e.highlightUsername.Store(enabled) }
func (e *Engine) SetFollowUp(enabled bool)          { e.followUp.Store(enabled) }

// Check reports whether m should be highlighted. It does not record the match.
func (e *Engine) Check(m Message) bool { return e.Explain(m).Matched }

// Explain evaluates m and reports which step matched:
// self-mention, then rules in order, then follow-up.
func (e *Engine) Explain(m Message) Verdict {
	if e.highlightUsername.Load() {
		if re := e.self.Load(); re != nil && re.MatchString(m.Text) {
			return Verdict{Matched: true, Reason: ReasonSelfMention}
		}
	}
	for _, r := range e.rules.Load().rules {
		if r.Eval(m) {
			return Verdict{Matched: true, Reason: ReasonRule, Rule: r.Source}
		}
	}
	if e.followUp.Load() && e.recentlyMatched(m.User) {
		return Verdict{Matched: true, Reason: ReasonFollowUp}
	}
	return Verdict{}
}

// Match is Explain followed by RecordMatch on a positive verdict.
func (e *Engine) Match(m Message) Verdict {
	v := e.Explain(m)
	if v.Matched {
		e.RecordMatch(m.User)
	}
	return v
}

// RecordMatch notes that user just triggered a highlight.
func (e *Engine) RecordMatch(user string) {
	user = strings.ToLower(strings.TrimSpace(user))
	if user == "" {
		return
	}
	now := e.clk.Now()
	e.mu.Lock()
	e.recent[user] = now
	e.mu.Unlock()
}

func (e *Engine) recentlyMatched(user string) bool {
	user = strings.ToLower(strings.TrimSpace(user))
	now := e.clk.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for u, at := range e.recent {
		if now.Sub(at) > FollowUpWindow {
			delete(e.recent, u)
		}
	}
	_, ok := e.recent[user]
	return ok
}
