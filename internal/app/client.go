// Package app wires the client together: relay transport, session registry,
// chat and call orchestration, and the config watcher. Run keeps the relay
// connection alive until the context ends.
package app

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/alania-chat/alania/internal/call"
	"github.com/alania-chat/alania/internal/chat"
	"github.com/alania-chat/alania/internal/config"
	"github.com/alania-chat/alania/internal/event"
	"github.com/alania-chat/alania/internal/media"
	"github.com/alania-chat/alania/internal/proto"
	"github.com/alania-chat/alania/internal/session"
	"github.com/alania-chat/alania/internal/signaling"
	"github.com/alania-chat/alania/internal/util"
)

var log = logging.Logger("alania.app")

// Options configures a Client beyond the config file itself.
type Options struct {
	// CfgPath enables the live config watcher when non-empty.
	CfgPath string

	// Store receives messages and attachments. Nil means NullStore.
	Store chat.Store

	// Source overrides the media capture backend. Nil means the platform
	// device source.
	Source media.Source
}

// Client is one running messaging/calling client.
type Client struct {
	cfg     config.Config
	cfgPath string

	transport *signaling.Transport
	registry  *session.Registry
	bus       *event.Bus
	chat      *chat.Manager
	calls     *call.Manager
}

// New builds the full wiring from a validated config.
func New(cfg config.Config, opts Options) *Client {
	store := opts.Store
	if store == nil {
		store = chat.NullStore{}
	}
	source := opts.Source
	if source == nil {
		source = media.NewDeviceSource()
	}

	self := cfg.Identity.Email
	bus := event.NewBus()
	transport := signaling.NewTransport(util.NormalizeWSURL(cfg.Relay.URL))
	registry := session.NewRegistry(transport, source, bus, self)
	registry.UpdateICEServers(iceServers(cfg.ICE))

	chatMgr := chat.New(registry, store, bus, self, cfg.Chat.BufferSize)
	callMgr := call.New(registry, bus, self)
	chatMgr.SetCallHandler(callMgr.HandleEnvelope)

	return &Client{
		cfg:       cfg,
		cfgPath:   opts.CfgPath,
		transport: transport,
		registry:  registry,
		bus:       bus,
		chat:      chatMgr,
		calls:     callMgr,
	}
}

// Chat returns the message orchestrator.
func (c *Client) Chat() *chat.Manager { return c.chat }

// Calls returns the call orchestrator.
func (c *Client) Calls() *call.Manager { return c.calls }

// Events returns the bus UI layers subscribe on.
func (c *Client) Events() *event.Bus { return c.bus }

// Sessions returns the peer session registry.
func (c *Client) Sessions() *session.Registry { return c.registry }

// Dial starts a call, honoring the config's video kill switch.
func (c *Client) Dial(ctx context.Context, target string, video bool) error {
	if c.cfg.Media.DisableVideo {
		video = false
	}
	return c.calls.Start(ctx, target, video)
}

// Run connects to the relay and keeps the connection alive with exponential
// backoff until ctx ends. Conversations for configured contacts are listened
// on up front, so offers arriving while this client was away replay out of
// the relay's buffer straight into new receiver sessions.
func (c *Client) Run(ctx context.Context) error {
	self := c.cfg.Identity.Email
	for _, contact := range c.cfg.Chat.Contacts {
		c.registry.Listen(proto.ConversationID(self, contact))
	}

	if c.cfgPath != "" {
		err := config.Watch(ctx, c.cfgPath, func(cfg config.Config) {
			c.registry.UpdateICEServers(iceServers(cfg.ICE))
		})
		if err != nil {
			log.Warnf("config watcher disabled: %v", err)
		}
	}

	down := make(chan error, 1)
	c.transport.OnDown(func(err error) {
		select {
		case down <- err:
		default:
		}
	})

	creds := signaling.Credentials{Address: self, Token: c.cfg.Identity.Token}
	minBackoff := time.Duration(c.cfg.Relay.ReconnectMinSec) * time.Second
	maxBackoff := time.Duration(c.cfg.Relay.ReconnectMaxSec) * time.Second
	backoff := minBackoff

	for {
		err := c.transport.Connect(ctx, creds)
		if err == nil {
			log.Infof("connected to relay as %s", self)
			backoff = minBackoff
			select {
			case <-ctx.Done():
				return c.shutdown()
			case err := <-down:
				log.Warnf("relay connection lost: %v", err)
				continue
			}
		}

		log.Warnf("relay connect failed, retrying in %s: %v", backoff, err)
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (c *Client) shutdown() error {
	log.Infof("shutting down")
	c.calls.HangUp()
	if err := c.registry.Close(); err != nil {
		log.Warnf("closing sessions: %v", err)
	}
	if err := c.chat.Close(); err != nil {
		log.Warnf("closing chat: %v", err)
	}
	return c.transport.Close()
}

func iceServers(ice config.ICE) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(ice.Servers))
	for _, s := range ice.Servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers
}
