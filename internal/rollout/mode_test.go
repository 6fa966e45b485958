package rollout

import "testing"

func TestModeOrdering(t *testing.T) {
	ladder := []Mode{ModeOff, ModeShadowUI, ModeAssisted, ModeFull}

	for i := 1; i < len(ladder); i++ {
		if !ladder[i].AtLeast(ladder[i-1]) {
			t.Errorf("%s should be at least %s", ladder[i], ladder[i-1])
		}
		if ladder[i-1].AtLeast(ladder[i]) {
			t.Errorf("%s should not be at least %s", ladder[i-1], ladder[i])
		}
	}
}

func TestModeAdjacency(t *testing.T) {
	tests := []struct {
		mode    Mode
		next    Mode
		hasNext bool
		prev    Mode
		hasPrev bool
	}{
		{ModeOff, ModeShadowUI, true, "", false},
		{ModeShadowUI, ModeAssisted, true, ModeOff, true},
		{ModeAssisted, ModeFull, true, ModeShadowUI, true},
		{ModeFull, "", false, ModeAssisted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			next, ok := tt.mode.Next()
			if ok != tt.hasNext || next != tt.next {
				t.Errorf("Next() = %q/%v, want %q/%v", next, ok, tt.next, tt.hasNext)
			}
			prev, ok := tt.mode.Prev()
			if ok != tt.hasPrev || prev != tt.prev {
				t.Errorf("Prev() = %q/%v, want %q/%v", prev, ok, tt.prev, tt.hasPrev)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"off", "shadow_ui", "assisted", "full"} {
		if _, err := ParseMode(valid); err != nil {
			t.Errorf("ParseMode(%q) unexpected error: %v", valid, err)
		}
	}

	for _, invalid := range []string{"", "shadow", "FULL", "on"} {
		if _, err := ParseMode(invalid); err == nil {
			t.Errorf("ParseMode(%q) expected error", invalid)
		}
	}
}
