package config

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestLoadErrorClass(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "none", err: nil, want: "none"},
		{name: "validation", err: fmt.Errorf("%w: %w", errValidate, errors.New("DATABASE_URL is required")), want: "validation"},
		{name: "parse", err: fmt.Errorf("%w: %w", errParse, errors.New("PENDING_AUTH_TTL: invalid duration")), want: "parse"},
		{name: "unwrapped message is not matched", err: errors.New("validate config: looks similar"), want: "load"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := loadErrorClass(tc.err); got != tc.want {
				t.Fatalf("loadErrorClass()=%q want %q", got, tc.want)
			}
		})
	}
}

func TestEnvironmentLabelIsBounded(t *testing.T) {
	cases := map[string]string{
		"  Production ": "production",
		"test":          "test",
		"":              "unknown",
		"my-laptop":     "other",
	}
	for in, want := range cases {
		if got := environmentLabel(in); got != want {
			t.Fatalf("environmentLabel(%q)=%q want %q", in, got, want)
		}
	}
}

func TestStoreMode(t *testing.T) {
	if got := storeMode(&Config{}); got != "memory" {
		t.Fatalf("expected memory without REDIS_ADDR, got %q", got)
	}
	if got := storeMode(&Config{RedisAddr: "localhost:6379"}); got != "redis" {
		t.Fatalf("expected redis, got %q", got)
	}
}

func FuzzEnvironmentLabel(f *testing.F) {
	f.Add("production")
	f.Add("   ")
	f.Add(strings.Repeat("x", 2048))

	f.Fuzz(func(t *testing.T, raw string) {
		switch environmentLabel(raw) {
		case "unknown", "other", "development", "test", "staging", "production":
		default:
			t.Fatalf("unbounded label for %q", raw)
		}
	})
}
