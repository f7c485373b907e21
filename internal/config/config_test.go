package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.DataDir == "" {
		t.Error("expected non-empty data dir")
	}
	if cfg.RPC.Port != 31416 {
		t.Errorf("expected default RPC port 31416, got %d", cfg.RPC.Port)
	}
	if cfg.RPC.AllowRemote {
		t.Error("remote RPC should be disabled by default")
	}
	if !cfg.Features.EnableFeeds {
		t.Error("feeds should be enabled by default")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RPC.Port != 31416 {
		t.Error("expected defaults for missing file")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.RPC.Port = 4000
	cfg.Platform = "aarch64-apple-darwin"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.RPC.Port != 4000 {
		t.Errorf("expected port 4000, got %d", loaded.RPC.Port)
	}
	if loaded.Platform != "aarch64-apple-darwin" {
		t.Errorf("platform not round-tripped: %q", loaded.Platform)
	}
}

func TestRPCPassword(t *testing.T) {
	dir := t.TempDir()
	pwFile := filepath.Join(dir, "rpc_auth.cfg")
	if err := os.WriteFile(pwFile, []byte("sekrit\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.RPC.PasswordFile = pwFile

	pw, err := cfg.RPCPassword()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pw != "sekrit" {
		t.Errorf("expected trimmed password, got %q", pw)
	}
}
