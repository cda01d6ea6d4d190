package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sandeepkv93/smart-session-gateway/internal/security"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_ACCESS_SECRET", "abcdefghijklmnopqrstuvwxyz123456")
	t.Setenv("JWT_ISSUER", "iss")
	t.Setenv("JWT_AUDIENCE", "aud")
	t.Setenv("SESSION_KEY_SEALING_KEY", hex.EncodeToString(make([]byte, 32)))
	t.Setenv("CHAIN_IDS", "11155111")
	t.Setenv("RPC_URLS", "11155111=http://127.0.0.1:1")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "file:"+filepath.Join(t.TempDir(), "cmd.db"))
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	setTestEnv(t)
	out, err := runCommand(t, "token", "--subject", "owner-1")
	if err != nil {
		t.Fatalf("token command: %v (%s)", err, out)
	}
	claims, err := security.NewJWTManager("iss", "aud", "abcdefghijklmnopqrstuvwxyz123456").ParseAccessToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	if claims.Subject != "owner-1" {
		t.Fatalf("expected subject owner-1, got %q", claims.Subject)
	}
}

func TestTokenCommandRequiresSubject(t *testing.T) {
	setTestEnv(t)
	if _, err := runCommand(t, "token"); err == nil {
		t.Fatal("expected error without --subject")
	}
}

func TestMigrateCommandCreatesSchema(t *testing.T) {
	setTestEnv(t)
	if out, err := runCommand(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v (%s)", err, out)
	}
}

func TestCommandsFailOnInvalidConfig(t *testing.T) {
	setTestEnv(t)
	t.Setenv("JWT_ACCESS_SECRET", "short")
	if _, err := runCommand(t, "migrate"); err == nil || !strings.Contains(err.Error(), "JWT_ACCESS_SECRET") {
		t.Fatalf("expected config validation error, got %v", err)
	}
}
