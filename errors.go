package wirehole

import "fmt"

// ErrorKind classifies session failures coarsely. Callbacks only see
// connected/disconnected; the kind and detail are retrievable through
// Session.Err.
type ErrorKind int

const (
	KindConfigInvalid ErrorKind = iota
	KindNetworkInit
	KindSocketBind
	KindSocketIO
	KindResolveFailed
	KindSignalingTimeout
	KindSignalingProtocol
	KindPeerOffline
	KindNatPunchFailed
	KindLivenessLost
	KindTransportPlugin
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config_invalid"
	case KindNetworkInit:
		return "network_init"
	case KindSocketBind:
		return "socket_bind"
	case KindSocketIO:
		return "socket_io"
	case KindResolveFailed:
		return "resolve_failed"
	case KindSignalingTimeout:
		return "signaling_timeout"
	case KindSignalingProtocol:
		return "signaling_protocol"
	case KindPeerOffline:
		return "peer_offline"
	case KindNatPunchFailed:
		return "nat_punch_failed"
	case KindLivenessLost:
		return "liveness_lost"
	case KindTransportPlugin:
		return "transport_plugin"
	case KindClosed:
		return "closed"
	}
	return "unknown"
}

// Error carries the failure kind, the operation that surfaced it, and the
// underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("wirehole: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("wirehole: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
