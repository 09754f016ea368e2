package util

import "testing"

func TestGetEnvString(t *testing.T) {
	t.Setenv("SIFT_TEST_STR", "hello")

	if got := GetEnvString("SIFT_TEST_STR", "fallback"); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	if got := GetEnvString("SIFT_TEST_STR_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}

	t.Setenv("SIFT_TEST_STR_EMPTY", "")
	if got := GetEnvString("SIFT_TEST_STR_EMPTY", "fallback"); got != "" {
		t.Fatalf("expected empty string for a set-but-empty variable, got %q", got)
	}
}

func TestGetEnvNumeric(t *testing.T) {
	t.Setenv("SIFT_TEST_NUM", "2.5")
	if got := GetEnvNumeric("SIFT_TEST_NUM", 4); got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}

	t.Setenv("SIFT_TEST_NUM_BAD", "not-a-number")
	if got := GetEnvNumeric("SIFT_TEST_NUM_BAD", 4); got != 4 {
		t.Fatalf("expected fallback 4, got %v", got)
	}

	if got := GetEnvNumeric("SIFT_TEST_NUM_MISSING", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %v", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	for value, want := range map[string]bool{"true": true, "1": true, "TRUE": true, "false": false, "0": false} {
		t.Setenv("SIFT_TEST_BOOL", value)
		if got := GetEnvBool("SIFT_TEST_BOOL", !want); got != want {
			t.Fatalf("value %q: expected %v, got %v", value, want, got)
		}
	}

	t.Setenv("SIFT_TEST_BOOL", "maybe")
	if got := GetEnvBool("SIFT_TEST_BOOL", true); got != true {
		t.Fatal("expected fallback for an unparsable value")
	}
	if got := GetEnvBool("SIFT_TEST_BOOL_MISSING", true); got != true {
		t.Fatal("expected fallback for an unset variable")
	}
}
