package role

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	t.Parallel()

	got, err := ValidateName("  Moderators  ")
	if err != nil {
		t.Fatalf("ValidateName() error = %v", err)
	}
	if got != "Moderators" {
		t.Errorf("ValidateName() = %q, want %q", got, "Moderators")
	}

	for _, bad := range []string{"", "   ", strings.Repeat("x", 101)} {
		if _, err := ValidateName(bad); !errors.Is(err, ErrNameLength) {
			t.Errorf("ValidateName(%q) error = %v, want ErrNameLength", bad, err)
		}
	}
}

func TestValidateColor(t *testing.T) {
	t.Parallel()

	if err := ValidateColor(nil); err != nil {
		t.Errorf("nil color should be no change, got %v", err)
	}
	max := 0xFFFFFF
	if err := ValidateColor(&max); err != nil {
		t.Errorf("max color rejected: %v", err)
	}
	over := 0x1000000
	if err := ValidateColor(&over); !errors.Is(err, ErrColorRange) {
		t.Errorf("over-range color error = %v, want ErrColorRange", err)
	}
	neg := -1
	if err := ValidateColor(&neg); !errors.Is(err, ErrColorRange) {
		t.Errorf("negative color error = %v, want ErrColorRange", err)
	}
}

func TestIsEveryone(t *testing.T) {
	t.Parallel()

	everyone := Role{ID: 42, GuildID: 42}
	if !everyone.IsEveryone() {
		t.Error("role with id == guild id should be @everyone")
	}
	other := Role{ID: 43, GuildID: 42}
	if other.IsEveryone() {
		t.Error("role with distinct id should not be @everyone")
	}
}
