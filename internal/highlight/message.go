package highlight

import "strings"

// Categories answers category membership for the sender of a message.
type Categories interface {
	HasCategory(name string) bool
}

// CategorySet is a simple Categories backed by a set.
type CategorySet map[string]struct{}

func NewCategorySet(names ...string) CategorySet {
	s := make(CategorySet, len(names))
	s.Add(names...)
	return s
}

func (s CategorySet) Add(names ...string) {
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			s[n] = struct{}{}
		}
	}
}

func (s CategorySet) HasCategory(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members in no particular order.
func (s CategorySet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	return out
}

// Message is what the engine evaluates.
type Message struct {
	User       string
	Categories Categories
	Text       string
}
