package rollout

import "fmt"

// Mode is the ladder of AI-capability exposure for a venue. The order is
// total and transitions move one rung at a time.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeShadowUI Mode = "shadow_ui"
	ModeAssisted Mode = "assisted"
	ModeFull     Mode = "full"
)

var modeRank = map[Mode]int{
	ModeOff:      0,
	ModeShadowUI: 1,
	ModeAssisted: 2,
	ModeFull:     3,
}

// promotions and fallbacks form the explicit adjacency table. Any
// transition not listed here is invalid, which keeps the one-step
// invariant in a single place.
var (
	promotions = map[Mode]Mode{
		ModeOff:      ModeShadowUI,
		ModeShadowUI: ModeAssisted,
		ModeAssisted: ModeFull,
	}

	fallbacks = map[Mode]Mode{
		ModeFull:     ModeAssisted,
		ModeAssisted: ModeShadowUI,
		ModeShadowUI: ModeOff,
	}
)

func (m Mode) Valid() bool {
	_, ok := modeRank[m]
	return ok
}

// Rank gives the position in the ladder; higher means more capability.
func (m Mode) Rank() int {
	return modeRank[m]
}

// AtLeast reports whether m grants at least the capability of other.
func (m Mode) AtLeast(other Mode) bool {
	return modeRank[m] >= modeRank[other]
}

// Next returns the adjacent promotion target.
func (m Mode) Next() (Mode, bool) {
	next, ok := promotions[m]
	return next, ok
}

// Prev returns the adjacent fallback target.
func (m Mode) Prev() (Mode, bool) {
	prev, ok := fallbacks[m]
	return prev, ok
}

func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("invalid rollout mode: %q", s)
	}
	return m, nil
}
