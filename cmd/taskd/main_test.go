package main

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/basket/taskd/internal/config"
)

func TestRunInitCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKD_HOME", home)

	var out bytes.Buffer
	if code := runInitCommand(nil, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), "wrote") {
		t.Fatalf("unexpected output: %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Fatalf("config.yaml not written: %v", err)
	}

	out.Reset()
	if code := runInitCommand(nil, &out); code != 0 {
		t.Fatalf("second init: got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), "already exists") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	if code := runInitCommand([]string{"extra"}, &out); code != 2 {
		t.Fatalf("extra args: got exit code %d, want 2", code)
	}
}

func TestLoadAuthToken_GeneratesAndReuses(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKD_AUTH_TOKEN", "")

	first, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("loadAuthToken: %v", err)
	}
	if first == "" {
		t.Fatal("expected generated token")
	}
	info, err := os.Stat(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("auth.token not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("auth.token mode %v, want 0600", info.Mode().Perm())
	}

	second, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("loadAuthToken: %v", err)
	}
	if second != first {
		t.Fatalf("token changed between runs: %q != %q", first, second)
	}
	if got := clientAPIKey(home); got != first {
		t.Fatalf("client key %q, want %q", got, first)
	}
}

func TestLoadAuthToken_EnvWins(t *testing.T) {
	t.Setenv("TASKD_AUTH_TOKEN", "from-env")
	got, err := loadAuthToken(t.TempDir())
	if err != nil {
		t.Fatalf("loadAuthToken: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("got %q, want from-env", got)
	}
}

func TestOperatorEntries(t *testing.T) {
	keys := []config.APIKeyEntry{
		{Key: "a", Principal: "alice"},
		operatorKey("tok"),
	}
	got := operatorEntries(keys)
	if len(got) != 1 || got[0].Key != "tok" || got[0].Principal != operatorPrincipal {
		t.Fatalf("unexpected operator entries: %+v", got)
	}
}

func TestIsAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Fatal("expected second listen to fail")
	}
	if !isAddrInUse(err) {
		t.Fatalf("expected address-in-use, got %v", err)
	}
	if isAddrInUse(errors.New("boom")) {
		t.Fatal("plain error should not match")
	}
	if !isAddrInUse(os.NewSyscallError("bind", syscall.EADDRINUSE)) {
		t.Fatal("syscall error should match")
	}
}
