package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("HALO_TEST_STR", "  value  ")
	if got := EnvString("HALO_TEST_STR", "def"); got != "value" {
		t.Fatalf("got %q", got)
	}
	if got := EnvString("HALO_TEST_STR_UNSET", "def"); got != "def" {
		t.Fatalf("got %q", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("HALO_TEST_BOOL", "true")
	if !EnvBool("HALO_TEST_BOOL", false) {
		t.Fatalf("want true")
	}
	t.Setenv("HALO_TEST_BOOL", "nope")
	if !EnvBool("HALO_TEST_BOOL", true) {
		t.Fatalf("invalid value must fall back to default")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("HALO_TEST_INT", "42")
	if got := EnvInt("HALO_TEST_INT", 7); got != 42 {
		t.Fatalf("got %d", got)
	}
	t.Setenv("HALO_TEST_INT", "-3")
	if got := EnvInt("HALO_TEST_INT", 7); got != 7 {
		t.Fatalf("non-positive must fall back, got %d", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("HALO_TEST_DUR", "90s")
	if got := EnvDuration("HALO_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Fatalf("got %v", got)
	}
	t.Setenv("HALO_TEST_DUR", "0s")
	if got := EnvDuration("HALO_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("zero must fall back, got %v", got)
	}
}
