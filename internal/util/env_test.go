package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"off", true, false},
		{"0", true, false},
		{"", true, true},
		{"garbage", true, true},
		{"garbage", false, false},
	}
	for _, tt := range tests {
		t.Setenv("LEADPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("LEADPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("LEADPIPE_TEST_DUR", "36h")
	if got := ParseDurationEnv("LEADPIPE_TEST_DUR", time.Hour); got != 36*time.Hour {
		t.Errorf("got %v", got)
	}
	t.Setenv("LEADPIPE_TEST_DUR", "not-a-duration")
	if got := ParseDurationEnv("LEADPIPE_TEST_DUR", time.Hour); got != time.Hour {
		t.Errorf("invalid value did not fall back: %v", got)
	}
	t.Setenv("LEADPIPE_TEST_DUR", "")
	if got := ParseDurationEnv("LEADPIPE_TEST_DUR", 15*time.Minute); got != 15*time.Minute {
		t.Errorf("empty value did not fall back: %v", got)
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("LEADPIPE_TEST_STR", "custom")
	if got := EnvOrDefault("LEADPIPE_TEST_STR", "fallback"); got != "custom" {
		t.Errorf("got %q", got)
	}
	t.Setenv("LEADPIPE_TEST_STR", "")
	if got := EnvOrDefault("LEADPIPE_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("got %q", got)
	}
}
