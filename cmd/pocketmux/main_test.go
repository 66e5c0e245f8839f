package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pocketmux/pocketmux/internal/appconfig"
)

func TestResolveTargetUserHost(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	params, err := resolveTarget(cfg, "alice@example.com", "", 0, "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if params.User != "alice" || params.Host != "example.com" {
		t.Fatalf("unexpected params: %+v", params)
	}
	if params.Port != 22 {
		t.Fatalf("default port not applied: %d", params.Port)
	}
}

func TestResolveTargetProfileWithFlagPrecedence(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	cfg.Hosts = []appconfig.HostProfile{
		{Name: "dev", Host: "dev.example.com", Port: 2222, User: "alice"},
	}
	params, err := resolveTarget(cfg, "dev", "bob", 0, "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if params.Host != "dev.example.com" || params.Port != 2222 {
		t.Fatalf("profile not applied: %+v", params)
	}
	if params.User != "bob" {
		t.Fatalf("flag did not override profile user: %q", params.User)
	}
}

func TestResolveTargetRequiresUser(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	if _, err := resolveTarget(cfg, "example.com", "", 0, "", ""); err == nil {
		t.Fatalf("expected error without a user")
	}
}

func TestResolveTargetReadsKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(keyPath, []byte("fake key material"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := appconfig.DefaultConfig()
	params, err := resolveTarget(cfg, "alice@example.com", "", 0, keyPath, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(params.PrivateKey) != "fake key material" {
		t.Fatalf("key not loaded")
	}

	if _, err := resolveTarget(cfg, "alice@example.com", "", 0, filepath.Join(t.TempDir(), "missing"), ""); err == nil {
		t.Fatalf("expected error for missing key file")
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "pocketmux") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", "--path", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "show", "--path", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out.String(), "session_prefix: pocketmux") {
		t.Fatalf("unexpected config output:\n%s", out.String())
	}
}

func TestConfigPathCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "path"})
	if err := root.Execute(); err != nil {
		t.Fatalf("config path: %v", err)
	}
	if !strings.Contains(out.String(), "config.yaml") {
		t.Fatalf("unexpected path output %q", out.String())
	}
}
