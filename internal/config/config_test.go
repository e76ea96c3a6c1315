package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.Email = "alice@example.com"
	cfg.Identity.Token = "tok-1"
	return cfg
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	want := validConfig()
	want.Chat.Contacts = []string{"bob@example.com"}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Identity.Email != want.Identity.Email {
		t.Fatalf("email = %q", got.Identity.Email)
	}
	if len(got.Chat.Contacts) != 1 || got.Chat.Contacts[0] != "bob@example.com" {
		t.Fatalf("contacts = %v", got.Chat.Contacts)
	}
	if len(got.ICE.Servers) == 0 {
		t.Fatal("default ICE servers lost")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing email", func(c *Config) { c.Identity.Email = "" }, true},
		{"email with underscore", func(c *Config) { c.Identity.Email = "a_b@example.com" }, true},
		{"missing relay url", func(c *Config) { c.Relay.URL = "" }, true},
		{"bad relay scheme", func(c *Config) { c.Relay.URL = "ftp://relay" }, true},
		{"http relay rewritten", func(c *Config) { c.Relay.URL = "https://relay.example.com" }, false},
		{"backoff inverted", func(c *Config) { c.Relay.ReconnectMaxSec = 0 }, true},
		{"ice server without urls", func(c *Config) { c.ICE.Servers = []ICEServer{{}} }, true},
		{"bad contact", func(c *Config) { c.Chat.Contacts = []string{"has space"} }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected a new file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
	// Second call loads the file it just wrote; the default has no
	// identity, so the load fails validation.
	if _, created, err = Ensure(path); created || err == nil {
		t.Fatalf("Ensure on fresh default: created=%v err=%v", created, err)
	}
}

func TestWatchPicksUpChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, validConfig()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan Config, 4)
	if err := Watch(ctx, path, func(cfg Config) { changed <- cfg }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	next := validConfig()
	next.ICE.Servers = append(next.ICE.Servers, ICEServer{
		URLs:       []string{"turn:turn.example.com:3478"},
		Username:   "u",
		Credential: "p",
	})
	if err := Save(path, next); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case cfg := <-changed:
		if len(cfg.ICE.Servers) != 2 {
			t.Fatalf("reloaded servers = %d, want 2", len(cfg.ICE.Servers))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("watcher never fired")
	}

	// A broken write must not reach the callback.
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Save(path, validConfig()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	select {
	case cfg := <-changed:
		if len(cfg.ICE.Servers) != 1 {
			t.Fatalf("got config from broken write: %+v", cfg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("watcher never recovered")
	}
}
