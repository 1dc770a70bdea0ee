package util

import (
	"testing"
	"time"
)

func TestGetEnvInt(t *testing.T) {
	t.Setenv("GP_TEST_INT", "16")
	if got := GetEnvInt("GP_TEST_INT", 4); got != 16 {
		t.Fatalf("expected 16, got %d", got)
	}
	t.Setenv("GP_TEST_INT", "sixteen")
	if got := GetEnvInt("GP_TEST_INT", 4); got != 4 {
		t.Fatalf("expected default 4 for invalid value, got %d", got)
	}
	if got := GetEnvInt("GP_TEST_INT_MISSING", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"false", false},
		{"0", false},
		{"maybe", true},
	}
	for _, tc := range tests {
		t.Run(tc.value, func(t *testing.T) {
			t.Setenv("GP_TEST_BOOL", tc.value)
			if got := GetEnvBool("GP_TEST_BOOL", true); got != tc.want {
				t.Fatalf("GetEnvBool(%q) = %v, want %v", tc.value, got, tc.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("GP_TEST_DUR", "250ms")
	if got := GetEnvDuration("GP_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", got)
	}
	t.Setenv("GP_TEST_DUR", "3")
	if got := GetEnvDuration("GP_TEST_DUR", time.Second); got != 3*time.Second {
		t.Fatalf("expected 3s, got %v", got)
	}
	t.Setenv("GP_TEST_DUR", "soon")
	if got := GetEnvDuration("GP_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("expected default, got %v", got)
	}
}

func TestGetEnvStringEmptyFallsBack(t *testing.T) {
	t.Setenv("GP_TEST_STR", "")
	if got := GetEnvString("GP_TEST_STR", "text"); got != "text" {
		t.Fatalf("expected default for empty value, got %q", got)
	}
}
