package highlight

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type FilterKind int

const (
	FilterUser FilterKind = iota + 1
	FilterCategory
)

func (k FilterKind) String() string {
	switch k {
	case FilterUser:
		return "user"
	case FilterCategory:
		return "cat"
	default:
		return "unknown"
	}
}

// Filter is a non-text condition on the sender.
type Filter struct {
	Kind FilterKind
	// Value is lowercased for FilterUser.
	Value string
}

func (f Filter) allows(m Message) bool {
	switch f.Kind {
	case FilterUser:
		return strings.ToLower(m.User) == f.Value
	case FilterCategory:
		return m.Categories != nil && m.Categories.HasCategory(f.Value)
	default:
		return false
	}
}

type PredicateKind int

const (
	PredicateNone PredicateKind = iota
	PredicateRegex
	PredicateContains
	PredicateContainsFold
)

func (k PredicateKind) String() string {
	switch k {
	case PredicateRegex:
		return "regex"
	case PredicateContains:
		return "contains"
	case PredicateContainsFold:
		return "contains_fold"
	default:
		return "none"
	}
}

// Predicate is the text part of a rule. The zero value is "no predicate".
type Predicate struct {
	Kind PredicateKind
	// Term is the regex pattern (as compiled, before anchoring) or the substring.
	Term string

	re    *regexp.Regexp
	lower string
}

func (p Predicate) Match(text string) bool {
	switch p.Kind {
	case PredicateRegex:
		return p.re != nil && p.re.MatchString(text)
	case PredicateContains:
		return strings.Contains(text, p.Term)
	case PredicateContainsFold:
		return strings.Contains(strings.ToLower(text), p.lower)
	default:
		return false
	}
}

// Rule is one compiled configuration line.
type Rule struct {
	Source    string
	Filters   []Filter
	Predicate Predicate
	// Err is set when a regex failed to compile and the predicate was dropped.
	Err error
}

// Inert reports whether the rule can never match.
func (r Rule) Inert() bool {
	return len(r.Filters) == 0 && r.Predicate.Kind == PredicateNone
}

// Eval applies the rule to m. All filters must hold; then the predicate
// decides, or filter satisfaction alone when there is no predicate.
func (r Rule) Eval(m Message) bool {
	for _, f := range r.Filters {
		if !f.allows(m) {
			return false
		}
	}
	if r.Predicate.Kind != PredicateNone {
		return r.Predicate.Match(m.Text)
	}
	return len(r.Filters) > 0
}

func (r Rule) String() string {
	var b strings.Builder
	for _, f := range r.Filters {
		fmt.Fprintf(&b, "%s=%q ", f.Kind, f.Value)
	}
	if r.Predicate.Kind != PredicateNone {
		fmt.Fprintf(&b, "%s=%q", r.Predicate.Kind, r.Predicate.Term)
	} else if len(r.Filters) == 0 {
		b.WriteString("inert")
	}
	return strings.TrimSpace(b.String())
}

// Compile parses one raw rule line. It never fails: a bad regular expression
// leaves the rule without a predicate and records the cause in Err.
func Compile(raw string) Rule {
	src := strings.TrimSpace(raw)
	filters, pred, err := parse(src)
	return Rule{Source: src, Filters: filters, Predicate: pred, Err: err}
}

func parse(s string) ([]Filter, Predicate, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "re:"):
		return regexPredicate(s[len("re:"):])
	case strings.HasPrefix(s, "w:"):
		return wordPredicate(s[len("w:"):], true)
	case strings.HasPrefix(s, "wcs:"):
		return wordPredicate(s[len("wcs:"):], false)
	case strings.HasPrefix(s, "cs:"):
		term := s[len("cs:"):]
		if term == "" {
			return nil, Predicate{}, nil
		}
		return nil, Predicate{Kind: PredicateContains, Term: term}, nil
	case strings.HasPrefix(s, "cat:"):
		return withFilter(FilterCategory, s[len("cat:"):])
	case strings.HasPrefix(s, "user:"):
		return withFilter(FilterUser, s[len("user:"):])
	case s == "":
		return nil, Predicate{}, nil
	default:
		return nil, Predicate{Kind: PredicateContainsFold, Term: s, lower: strings.ToLower(s)}, nil
	}
}

// withFilter handles "<name> [rest]": the name runs to the first whitespace,
// rest is compiled recursively and ANDed with the filter.
func withFilter(kind FilterKind, s string) ([]Filter, Predicate, error) {
	name, rest := s, ""
	if i := strings.IndexFunc(s, unicode.IsSpace); i >= 0 {
		name, rest = s[:i], s[i:]
	}
	if kind == FilterUser {
		name = strings.ToLower(name)
	}
	innerFilters, pred, err := parse(rest)

	filters := make([]Filter, 0, 1+len(innerFilters))
	if name != "" {
		filters = append(filters, Filter{Kind: kind, Value: name})
	}
	filters = append(filters, innerFilters...)
	return filters, pred, err
}

func regexPredicate(expr string) ([]Filter, Predicate, error) {
	if expr == "" {
		return nil, Predicate{}, nil
	}
	re, err := compileFull(expr)
	if err != nil {
		return nil, Predicate{}, fmt.Errorf("invalid regex %q: %w", expr, err)
	}
	return nil, Predicate{Kind: PredicateRegex, Term: expr, re: re}, nil
}

func wordPredicate(term string, fold bool) ([]Filter, Predicate, error) {
	if term == "" {
		return nil, Predicate{}, nil
	}
	return regexPredicate(wordPattern(term, fold))
}

func wordPattern(term string, fold bool) string {
	p := `.*\b` + term + `\b.*`
	if fold {
		p = "(?i)" + p
	}
	return p
}

// compileFull anchors expr so MatchString behaves as a whole-string match.
func compileFull(expr string) (*regexp.Regexp, error) {
	if _, err := regexp.Compile(expr); err != nil {
		return nil, err
	}
	return regexp.Compile(`^(?:` + expr + `)$`)
}
