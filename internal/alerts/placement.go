package alerts

import (
	"fmt"
	"strings"
)

// Margin is the gap kept between an alert and the screen's side edge, and
// between stacked alerts.
const Margin = 8

type Corner int

const (
	BottomRight Corner = iota
	BottomLeft
	TopRight
	TopLeft
)

func (c Corner) Top() bool  { return c == TopLeft || c == TopRight }
func (c Corner) Left() bool { return c == TopLeft || c == BottomLeft }

func (c Corner) Valid() bool { return c >= BottomRight && c <= TopLeft }

func (c Corner) String() string {
	switch c {
	case BottomRight:
		return "bottom-right"
	case BottomLeft:
		return "bottom-left"
	case TopRight:
		return "top-right"
	case TopLeft:
		return "top-left"
	default:
		return fmt.Sprintf("corner(%d)", int(c))
	}
}

// ParseCorner accepts "top-left", "top_left", "topleft" and the like.
func ParseCorner(s string) (Corner, bool) {
	k := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "bottomright", "":
		return BottomRight, true
	case "bottomleft":
		return BottomLeft, true
	case "topright":
		return TopRight, true
	case "topleft":
		return TopLeft, true
	default:
		return BottomRight, false
	}
}

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Insets are screen areas reserved by the OS (taskbars, docks).
type Insets struct {
	Top, Bottom, Left, Right int
}

type Screen struct {
	Bounds Rect `json:"bounds"`
	// Safe is Bounds minus reserved areas.
	Safe Rect `json:"safe"`
}

func NewScreen(bounds Rect, reserved Insets) Screen {
	safe := Rect{
		X: bounds.X + reserved.Left,
		Y: bounds.Y + reserved.Top,
		W: bounds.W - reserved.Left - reserved.Right,
		H: bounds.H - reserved.Top - reserved.Bottom,
	}
	if safe.Empty() {
		safe = bounds
	}
	return Screen{Bounds: bounds, Safe: safe}
}

// Place returns the top-left point of an alert of the given size. The alert is
// inset by Margin from the corner's side edge, flush with its top or bottom
// edge, and pushed offset pixels away from that edge.
func Place(corner Corner, safe Rect, size Size, offset int) Point {
	var p Point
	if corner.Left() {
		p.X = safe.X + Margin
	} else {
		p.X = safe.X + safe.W - size.W - Margin
	}
	if corner.Top() {
		p.Y = safe.Y + offset
	} else {
		p.Y = safe.Y + safe.H - size.H - offset
	}
	return p
}

// Display describes the monitors alerts can be shown on.
type Display interface {
	Screens() []Screen
	// ParentScreen is the screen currently hosting the main window, if known.
	ParentScreen() (int, bool)
	DefaultScreen() int
}

// StaticDisplay is a fixed monitor layout, usually built from configuration.
type StaticDisplay struct {
	List    []Screen
	Parent  int // <0 when unknown
	Default int
}

func (d StaticDisplay) Screens() []Screen { return d.List }

func (d StaticDisplay) ParentScreen() (int, bool) {
	return d.Parent, d.Parent >= 0 && d.Parent < len(d.List)
}

func (d StaticDisplay) DefaultScreen() int { return d.Default }

// DefaultDisplay is a single 1920x1080 monitor.
func DefaultDisplay() StaticDisplay {
	return StaticDisplay{
		List:   []Screen{NewScreen(Rect{W: 1920, H: 1080}, Insets{Bottom: 40})},
		Parent: -1,
	}
}

// SelectScreen resolves index (AutoScreen for automatic) to a screen:
// an explicit valid index first, then the parent window's screen, then the
// default screen.
func SelectScreen(d Display, index int) Screen {
	screens := d.Screens()
	if len(screens) == 0 {
		s := DefaultDisplay().List[0]
		return s
	}
	if index >= 0 && index < len(screens) {
		return screens[index]
	}
	if i, ok := d.ParentScreen(); ok && i >= 0 && i < len(screens) {
		return screens[i]
	}
	if i := d.DefaultScreen(); i >= 0 && i < len(screens) {
		return screens[i]
	}
	return screens[0]
}

// Sizer computes the on-screen size of an alert.
type Sizer interface {
	Size(title, body string) Size
}

type SizerFunc func(title, body string) Size

func (f SizerFunc) Size(title, body string) Size { return f(title, body) }

// TextSizer estimates alert height from the wrapped line count of its text.
type TextSizer struct {
	Width        int
	CharsPerLine int
	LineHeight   int
	Padding      int
	MaxBodyLines int
}

func DefaultTextSizer() TextSizer {
	return TextSizer{Width: 320, CharsPerLine: 42, LineHeight: 18, Padding: 8, MaxBodyLines: 4}
}

func (s TextSizer) Size(title, body string) Size {
	cpl := max(s.CharsPerLine, 1)
	lines := 0
	if body != "" {
		for _, l := range strings.Split(body, "\n") {
			n := len([]rune(l))
			lines += max(1, (n+cpl-1)/cpl)
		}
	}
	if s.MaxBodyLines > 0 {
		lines = min(lines, s.MaxBodyLines)
	}
	if title != "" {
		lines++
	}
	lines = max(lines, 1)
	return Size{W: s.Width, H: 2*s.Padding + lines*s.LineHeight}
}
