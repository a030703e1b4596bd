package logger

import "testing"

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"DEBUG":   DEBUG,
		"info":    INFO,
		"":        INFO,
		"warn":    WARN,
		"warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerDoesNotPanic(t *testing.T) {
	l := NewLogger("debug", "test")
	l.Debug("hello %s", "world")
	l.Info("hello %s", "world")
	l.Warn("hello %s", "world")
	l.Error("hello %s", "world")
	l.Success("hello %s", "world")
}

func TestWithPrefixSharesLevel(t *testing.T) {
	l := NewLogger("warn", "parent")
	child := l.WithPrefix("child")
	if child.atom.Level() != l.atom.Level() {
		t.Fatalf("expected WithPrefix to share the atomic level")
	}
}

func TestSetLevel(t *testing.T) {
	l := NewLogger("info", "")
	l.SetLevel("error")
	if l.atom.Level().String() != "error" {
		t.Fatalf("expected level error, got %v", l.atom.Level())
	}
}

func TestLogr(t *testing.T) {
	l := NewLogger("info", "")
	lr := l.Logr()
	lr.Info("via logr")
}
