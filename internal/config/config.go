// Package config loads and watches the client configuration file.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"

	"github.com/alania-chat/alania/internal/util"
)

var log = logging.Logger("alania.config")

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	ICE      ICE      `json:"ice"`
	Chat     Chat     `json:"chat"`
	Media    Media    `json:"media"`
}

type Identity struct {
	// Email is the account address, which doubles as the signaling
	// identity.
	Email string `json:"email"`
	Token string `json:"token"`
}

type Relay struct {
	// URL of the signaling relay. http(s) schemes are rewritten to ws(s).
	URL string `json:"url"`

	// Reconnect backoff bounds (seconds).
	ReconnectMinSec int `json:"reconnect_min_seconds"`
	ReconnectMaxSec int `json:"reconnect_max_seconds"`
}

// ICEServer mirrors the STUN/TURN entry shape pion expects. TURN entries
// carry credentials; these rotate, which is why the file is watched.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type ICE struct {
	Servers []ICEServer `json:"servers"`
}

type Chat struct {
	// BufferSize is the per-conversation in-memory message window.
	BufferSize int `json:"buffer_size"`

	// Contacts are the peer addresses whose conversations are listened on
	// at startup, so their offers are answered without any local action.
	Contacts []string `json:"contacts"`
}

type Media struct {
	// DisableVideo forces audio-only calls regardless of what the caller
	// asked for.
	DisableVideo bool `json:"disable_video"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL:             "wss://relay.alania.chat",
			ReconnectMinSec: 1,
			ReconnectMaxSec: 30,
		},
		ICE: ICE{
			Servers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		Chat: Chat{
			BufferSize: 100,
		},
	}
}

func (c *Config) Validate() error {
	email, err := util.ValidateAddress(c.Identity.Email)
	if err != nil {
		return fmt.Errorf("identity.email: %w", err)
	}
	c.Identity.Email = email

	raw := strings.TrimSpace(c.Relay.URL)
	if raw == "" {
		return errors.New("relay.url is required")
	}
	u, err := url.Parse(util.NormalizeWSURL(raw))
	if err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("relay.url scheme must be ws, wss, http or https")
	}
	if u.Host == "" {
		return errors.New("relay.url is missing a host")
	}

	if c.Relay.ReconnectMinSec <= 0 {
		return errors.New("relay.reconnect_min_seconds must be > 0")
	}
	if c.Relay.ReconnectMaxSec < c.Relay.ReconnectMinSec {
		return errors.New("relay.reconnect_max_seconds must be >= relay.reconnect_min_seconds")
	}

	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d] has no urls", i)
		}
	}

	if c.Chat.BufferSize < 0 {
		return errors.New("chat.buffer_size must be >= 0")
	}
	for i, contact := range c.Chat.Contacts {
		normalized, err := util.ValidateAddress(contact)
		if err != nil {
			return fmt.Errorf("chat.contacts[%d]: %w", i, err)
		}
		c.Chat.Contacts[i] = normalized
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The default config fails validation on
// purpose (no identity) so a fresh install prompts the user to fill it in.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// Watch reloads the file on every change and hands each valid new Config to
// onChange, until ctx ends. Invalid intermediate states (half-written
// saves, editor temp swaps) are logged and skipped. Used to pick up rotated
// TURN credentials without a restart.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}

	// Watch the directory: editors replace the file, which would drop a
	// watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Warnf("ignoring config change: %v", err)
					continue
				}
				log.Infof("config reloaded from %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			}
		}
	}()
	return nil
}
