package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	t.Run("missing file is ignored", func(t *testing.T) {
		if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
			t.Fatalf("expected nil for missing file, got %v", err)
		}
	})

	t.Run("directory is an open or read error", func(t *testing.T) {
		err := LoadEnvFile(t.TempDir())
		if err == nil || !(strings.Contains(err.Error(), "open env file") || strings.Contains(err.Error(), "read env file")) {
			t.Fatalf("expected env file error, got %v", err)
		}
	})

	t.Run("loads values and keeps existing", func(t *testing.T) {
		t.Setenv("SSG_TEST_EXISTING", "from-env")
		t.Setenv("SSG_TEST_NEW", "")
		_ = os.Unsetenv("SSG_TEST_NEW")
		t.Setenv("SSG_TEST_QUOTED", "")
		_ = os.Unsetenv("SSG_TEST_QUOTED")
		file := filepath.Join(t.TempDir(), "test.env")
		content := "# comment\nSSG_TEST_EXISTING=from-file\nexport SSG_TEST_NEW=hello\nSSG_TEST_QUOTED=\"0xabc\"\nNO_EQUALS\n"
		if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
			t.Fatalf("write env file: %v", err)
		}
		if err := LoadEnvFile(file); err != nil {
			t.Fatalf("load env file: %v", err)
		}
		if got := os.Getenv("SSG_TEST_EXISTING"); got != "from-env" {
			t.Fatalf("expected existing value kept, got %q", got)
		}
		if got := os.Getenv("SSG_TEST_NEW"); got != "hello" {
			t.Fatalf("unexpected SSG_TEST_NEW=%q", got)
		}
		if got := os.Getenv("SSG_TEST_QUOTED"); got != "0xabc" {
			t.Fatalf("unexpected SSG_TEST_QUOTED=%q", got)
		}
	})
}
