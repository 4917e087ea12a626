package config

import (
	"testing"
	"time"
)

func TestDurationAcceptsSecondsAndGoSyntax(t *testing.T) {
	t.Setenv("TEST_INTERVAL", "90")
	d, err := Duration("TEST_INTERVAL", time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("expected 90s, got %s (err=%v)", d, err)
	}

	t.Setenv("TEST_INTERVAL", "15m")
	d, err = Duration("TEST_INTERVAL", time.Minute)
	if err != nil || d != 15*time.Minute {
		t.Fatalf("expected 15m, got %s (err=%v)", d, err)
	}

	t.Setenv("TEST_INTERVAL", "soon")
	if _, err := Duration("TEST_INTERVAL", time.Minute); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestIntFallbackAndError(t *testing.T) {
	n, err := Int("TEST_UNSET_INT", 7)
	if err != nil || n != 7 {
		t.Fatalf("expected fallback 7, got %d (err=%v)", n, err)
	}
	t.Setenv("TEST_INT", "x")
	if _, err := Int("TEST_INT", 1); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestListAndBool(t *testing.T) {
	t.Setenv("TEST_LIST", " a, ,b ,c")
	got := List("TEST_LIST", "")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected list: %#v", got)
	}
	t.Setenv("TEST_BOOL", "yes")
	if !Bool("TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	if Bool("TEST_BOOL_UNSET", true) != true {
		t.Fatal("expected fallback")
	}
}

func TestPort(t *testing.T) {
	if _, err := Port("TEST_PORT", "70000"); err == nil {
		t.Fatal("expected invalid port error")
	}
	p, err := Port("TEST_PORT", "8080")
	if err != nil || p != "8080" {
		t.Fatalf("expected 8080, got %q (err=%v)", p, err)
	}
}
