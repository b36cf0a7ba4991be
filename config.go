package wirehole

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/wirehole/wirehole/kvstore"
	"github.com/wirehole/wirehole/metrics"
)

// SignalingMode selects how peers find each other.
type SignalingMode int

const (
	// ModeCompact uses the UDP rendezvous server sharing the data socket.
	ModeCompact SignalingMode = iota
	// ModeRelay uses a framed TCP signaling server.
	ModeRelay
	// ModePubsub exchanges payloads through a shared key/value store.
	ModePubsub
)

func (m SignalingMode) String() string {
	switch m {
	case ModeCompact:
		return "compact"
	case ModeRelay:
		return "relay"
	case ModePubsub:
		return "pubsub"
	}
	return "unknown"
}

// Callbacks fire from Update (or the internal worker in threaded mode).
// They receive coarse events only; panics inside them are contained.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func()
	OnData         func()
}

// DefaultUpdateInterval is the threaded-mode tick period.
const DefaultUpdateInterval = 10 * time.Millisecond

// Config describes one session. LocalPeerID is always required; the rest
// depends on the signaling mode.
type Config struct {
	Mode SignalingMode

	// ServerHost/ServerPort locate the rendezvous server (Compact/Relay).
	ServerHost string
	ServerPort int

	// KVStore backs Pubsub signaling.
	KVStore kvstore.Store
	// Channel names the Pubsub channel. Defaults to the sorted peer-id
	// pair when empty.
	Channel string
	// PollInterval for Pubsub. 0 selects the default 2s.
	PollInterval time.Duration

	LocalPeerID string

	// BindPort for the UDP socket. 0 binds an ephemeral port.
	BindPort int

	// STUNServer/TURNServer enable srflx/relay candidate gathering
	// ("host:port"). Empty disables the phase.
	STUNServer   string
	TURNServer   string
	TURNUsername string
	TURNPassword string
	TURNRealm    string

	// AuthKey seals Pubsub payloads and keys the DTLS/SCTP plug-ins.
	AuthKey string

	DisableLanShortcut bool
	SkipHostCandidates bool

	// Transport plug-in selection. DTLS and SCTP compose (SCTP inside
	// DTLS); PseudoTCP excludes the other two.
	UsePseudoTCP bool
	UseDTLS      bool
	UseSCTP      bool

	// Threaded runs an internal worker calling Update every
	// UpdateInterval; public methods are then mutex-protected.
	Threaded       bool
	UpdateInterval time.Duration

	Callbacks Callbacks

	// Logger defaults to zap.NewNop.
	Logger *zap.Logger

	// Metrics is optional; nil disables session instrumentation.
	Metrics *metrics.Collector
}

func (c *Config) validate() error {
	if c.LocalPeerID == "" {
		return errors.New("local_peer_id is required")
	}
	if len(c.LocalPeerID) > 32 {
		return errors.New("local_peer_id exceeds 32 bytes")
	}
	switch c.Mode {
	case ModeCompact, ModeRelay:
		if c.ServerHost == "" || c.ServerPort == 0 {
			return errors.New("server_host and server_port are required for this mode")
		}
	case ModePubsub:
		if c.KVStore == nil {
			return errors.New("kv_store is required for pubsub mode")
		}
	default:
		return errors.New("unknown signaling mode")
	}
	if c.UsePseudoTCP && (c.UseDTLS || c.UseSCTP) {
		return errors.New("pseudotcp excludes dtls/sctp")
	}
	if (c.UseDTLS || c.UseSCTP) && c.AuthKey == "" && c.UseDTLS {
		return errors.New("dtls requires auth_key")
	}
	return nil
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c *Config) updateInterval() time.Duration {
	if c.UpdateInterval > 0 {
		return c.UpdateInterval
	}
	return DefaultUpdateInterval
}
