package adapter

import (
	"reflect"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"fits", "hello", 10, []string{"hello"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"prefers newline", "abcdef\nghijkl", 10, []string{"abcdef", "ghijkl"}},
		{"runes not bytes", strings.Repeat("é", 5), 5, []string{strings.Repeat("é", 5)}},
	}
	for _, tt := range tests {
		if got := splitText(tt.in, tt.limit); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("%s: splitText() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestCategoriesFor(t *testing.T) {
	t.Parallel()
	got := categoriesFor(&tele.User{IsBot: true, IsPremium: true}, true)
	want := []string{"bot", "premium", "admin"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("categoriesFor() = %v, want %v", got, want)
	}
	if got := categoriesFor(&tele.User{}, false); len(got) != 0 {
		t.Fatalf("plain user categories = %v, want none", got)
	}
}

func TestNames(t *testing.T) {
	t.Parallel()
	if got := senderName(&tele.User{FirstName: "Ada", LastName: "L"}); got != "Ada L" {
		t.Fatalf("senderName() = %q", got)
	}
	if got := senderName(&tele.User{Username: "ada", FirstName: "Ada"}); got != "ada" {
		t.Fatalf("senderName() = %q", got)
	}
	if got := chatTitle(&tele.Chat{Username: "room"}); got != "@room" {
		t.Fatalf("chatTitle() = %q", got)
	}
}
