package envutil

import (
	"testing"
	"time"
)

func TestStrAndInt(t *testing.T) {
	t.Setenv("EU_STR", "  value  ")
	if got := Str("EU_STR", "x"); got != "value" {
		t.Fatalf("Str = %q", got)
	}
	if got := Str("EU_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("Str default = %q", got)
	}
	t.Setenv("EU_INT", "42")
	if got := Int("EU_INT", 0); got != 42 {
		t.Fatalf("Int = %d", got)
	}
	t.Setenv("EU_INT_BAD", "forty")
	if got := Int("EU_INT_BAD", 7); got != 7 {
		t.Fatalf("Int on garbage = %d, want default", got)
	}
}

func TestBool(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", "on"} {
		t.Setenv("EU_BOOL", v)
		if !Bool("EU_BOOL", false) {
			t.Fatalf("Bool(%q) = false", v)
		}
	}
	t.Setenv("EU_BOOL", "off")
	if Bool("EU_BOOL", true) {
		t.Fatal("Bool(off) = true")
	}
	t.Setenv("EU_BOOL", "maybe")
	if !Bool("EU_BOOL", true) {
		t.Fatal("Bool on garbage must keep the default")
	}
}

func TestFloat(t *testing.T) {
	t.Setenv("EU_FLOAT", "0.25")
	if got := Float("EU_FLOAT", 0.1); got != 0.25 {
		t.Fatalf("Float = %v", got)
	}
	t.Setenv("EU_FLOAT", "lots")
	if got := Float("EU_FLOAT", 0.1); got != 0.1 {
		t.Fatalf("Float on garbage = %v, want default", got)
	}
}

func TestDuration(t *testing.T) {
	t.Setenv("EU_DUR", "90s")
	if got := Duration("EU_DUR", 0); got != 90*time.Second {
		t.Fatalf("Duration = %s", got)
	}
	t.Setenv("EU_DUR", "300")
	if got := Duration("EU_DUR", 0); got != 300*time.Second {
		t.Fatalf("bare-integer Duration = %s, want seconds", got)
	}
	t.Setenv("EU_DUR", "soon")
	if got := Duration("EU_DUR", time.Minute); got != time.Minute {
		t.Fatalf("Duration on garbage = %s, want default", got)
	}
}
