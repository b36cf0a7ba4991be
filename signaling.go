package wirehole

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wirehole/wirehole/internal/ice"
	"github.com/wirehole/wirehole/internal/nat"
	"github.com/wirehole/wirehole/internal/protocol"
	"github.com/wirehole/wirehole/internal/signal"
	"github.com/wirehole/wirehole/internal/util"
)

// startSignaling wires the mode-specific client. Called under mu from
// Connect.
func (s *Session) startSignaling() {
	switch s.cfg.Mode {
	case ModeCompact:
		s.compact = signal.NewCompact(s.serverEP, s.cfg.LocalPeerID, s.remoteID, signal.CompactHooks{
			Registered: s.onRegistered,
			PeerInfo:   s.onCompactPeerInfo,
			PeerOff:    s.onCompactPeerOff,
			Failed: func(err error) {
				s.setError(KindSignalingTimeout, "register", err)
			},
		})
		s.compact.Start()
	case ModeRelay:
		addr := fmt.Sprintf("%s:%d", s.cfg.ServerHost, s.cfg.ServerPort)
		s.relaySig = signal.NewRelay(addr, s.cfg.LocalPeerID, signal.RelayHooks{
			LoggedIn:   s.onRelayLoggedIn,
			Offer:      s.onRelayOffer,
			Forward:    s.onRelayForward,
			ConnectAck: s.onRelayConnectAck,
			Failed:     s.onRelaySigFailed,
		})
		s.relaySig.Start()
	case ModePubsub:
		role := signal.Publisher
		if s.remoteID == "" {
			role = signal.Subscriber
		}
		s.pubsub = signal.NewPubSub(s.cfg.KVStore, s.channelName(), role, s.cfg.PollInterval,
			s.sealer, s.buildPayload, signal.PubSubHooks{
				Payload: s.onPubSubPayload,
				Failed: func(err error) {
					s.setError(KindSignalingProtocol, "pubsub", err)
				},
			})
	}
}

// channelName derives the pubsub channel: explicit config wins, otherwise
// the sorted peer-id pair so both ends agree.
func (s *Session) channelName() string {
	if s.cfg.Channel != "" {
		return s.cfg.Channel
	}
	ids := []string{s.cfg.LocalPeerID, s.remoteID}
	sort.Strings(ids)
	return ids[0] + "-" + ids[1]
}

// buildPayload snapshots the local side for an out-of-band exchange.
func (s *Session) buildPayload() *protocol.SignalingPayload {
	return &protocol.SignalingPayload{
		Sender:     s.cfg.LocalPeerID,
		Target:     s.remoteID,
		Timestamp:  uint32(time.Now().Unix()),
		Candidates: s.local.All(),
	}
}

// sealPayload encodes and optionally seals the local payload for the TCP
// signaling channel.
func (s *Session) sealPayload() []byte {
	body := protocol.EncodeSignalingPayload(s.buildPayload())
	if s.sealer == nil {
		return body
	}
	sealed, err := s.sealer.Seal(body)
	if err != nil {
		return body
	}
	return sealed
}

// openPayload reverses sealPayload for an inbound signaling body.
func (s *Session) openPayload(body []byte) (*protocol.SignalingPayload, error) {
	if s.sealer != nil {
		plain, err := s.sealer.Open(body)
		if err != nil {
			return nil, err
		}
		body = plain
	}
	return protocol.DecodeSignalingPayload(body)
}

// tickSignaling advances the active mode client.
func (s *Session) tickSignaling(now time.Time) {
	switch {
	case s.compact != nil:
		s.compact.Tick(now, s.local.All(), s.sendRaw)
	case s.relaySig != nil:
		s.relaySig.Tick(now)
	case s.pubsub != nil:
		s.pubsub.Tick(now)
	}
}

// ---------------------------------------------------------------------------
// COMPACT hooks
// ---------------------------------------------------------------------------

func (s *Session) onRegistered(ack protocol.RegisterAck) {
	if ack.Status != protocol.RegisterStatusOK {
		s.setError(KindSignalingProtocol, "register", fmt.Errorf("server rejected registration (status %d)", ack.Status))
		return
	}
	s.relayAvail = ack.Flags&protocol.RegisterAckFlagRelay != 0
	// The server's observed mapping is a free srflx candidate.
	if !ack.PublicEndpoint.IsZero() {
		s.addLocalCandidate(protocol.Candidate{
			Kind:     protocol.CandidateServerReflexive,
			Endpoint: ack.PublicEndpoint,
			Priority: ice.Priority(protocol.CandidateServerReflexive, 65534, 1),
		})
	}
	if ack.ProbePort != 0 && s.natProbe == nil {
		alt := s.serverEP
		alt.Port = ack.ProbePort
		local := protocol.Endpoint{Port: s.localPort}
		if eps := s.routes.HostEndpoints(s.localPort); len(eps) > 0 {
			local = eps[0]
		}
		s.natProbe = nat.NewProbe(s.serverEP, alt, local, util.ProbeID(s.cfg.LocalPeerID))
	}
	s.log.Debug("registered with rendezvous server",
		zap.Bool("peer_online", ack.PeerOnline != 0),
		zap.Bool("relay_avail", s.relayAvail))
}

func (s *Session) onCompactPeerInfo(seq uint16, flags uint8, base uint8, cands []protocol.Candidate) {
	if sid, ok := s.compact.SessionID(); ok {
		s.sessionID = sid
	}
	if flags&protocol.PeerInfoFlagAddrUpdate != 0 {
		s.remote.Replace(cands)
		s.checklist = nil
	} else {
		// base tells how many we are expected to hold already; the set
		// dedup makes re-delivery idempotent either way.
		for _, c := range cands {
			s.addRemoteCandidate(c)
		}
	}
	if s.checklist == nil && s.remote.Len() > 0 {
		s.checklist = ice.Form(&s.local, &s.remote, s.controlling())
	}
	s.onRemoteCandidates(0)
}

func (s *Session) onCompactPeerOff() {
	s.log.Info("peer went offline, waiting for it to return")
	wasUp := s.state == StateConnected || s.state == StateRelay
	s.sessionID = 0
	s.remote = ice.Set{}
	s.checklist = nil
	s.trav = nat.New()
	s.path = PathNone
	s.state = StateRegistering
	if wasUp {
		s.fireDisconnected()
	}
}

// ---------------------------------------------------------------------------
// RELAY hooks
// ---------------------------------------------------------------------------

func (s *Session) onRelayLoggedIn() {
	if s.remoteID != "" {
		s.relaySig.Connect(s.remoteID, s.sealPayload())
	} else {
		s.relaySig.Wait()
	}
}

func (s *Session) onRelayOffer(sender string, flags uint8, payload []byte) {
	if s.remoteID != "" && sender != s.remoteID {
		return
	}
	s.remoteID = sender
	if flags&protocol.OfferFlagReverse != 0 {
		// The server could not cache our peer's candidates; connect back.
		s.relaySig.Connect(sender, s.sealPayload())
		return
	}
	pl, err := s.openPayload(payload)
	if err != nil {
		s.setError(KindSignalingProtocol, "offer", err)
		return
	}
	s.relaySig.Answer(sender, s.sealPayload())
	s.acceptRemotePayload(pl)
}

func (s *Session) onRelayForward(sender string, payload []byte) {
	if sender != s.remoteID {
		return
	}
	pl, err := s.openPayload(payload)
	if err != nil {
		s.setError(KindSignalingProtocol, "answer", err)
		return
	}
	s.acceptRemotePayload(pl)
}

func (s *Session) onRelayConnectAck(status uint8, acked uint8) {
	switch status {
	case protocol.ConnectStatusOK:
		s.log.Debug("offer forwarded", zap.Uint8("candidates", acked))
	case protocol.ConnectStatusPeerOffline:
		s.log.Info("peer offline, offer cached at server")
	case protocol.ConnectStatusStorageFull:
		s.log.Warn("server cache full, waiting for reverse connect")
	}
}

func (s *Session) onRelaySigFailed(err error) {
	// Once a path is up the TCP channel is disposable.
	if s.state == StateConnected || s.state == StateRelay ||
		s.state == StateClosing || s.state == StateClosed {
		return
	}
	s.setError(KindSignalingProtocol, "signaling", err)
}

// ---------------------------------------------------------------------------
// PUBSUB hook
// ---------------------------------------------------------------------------

func (s *Session) onPubSubPayload(pl *protocol.SignalingPayload) {
	if s.remoteID == "" {
		s.remoteID = pl.Sender
	} else if pl.Sender != s.remoteID && pl.Sender != "" {
		return
	}
	s.acceptRemotePayload(pl)
}

// ---------------------------------------------------------------------------
// Shared candidate lifecycle
// ---------------------------------------------------------------------------

// acceptRemotePayload merges an out-of-band candidate batch and arms
// punching, honoring the sender's delay trigger.
func (s *Session) acceptRemotePayload(pl *protocol.SignalingPayload) {
	for _, c := range pl.Candidates {
		s.addRemoteCandidate(c)
	}
	if s.checklist == nil && s.remote.Len() > 0 {
		s.checklist = ice.Form(&s.local, &s.remote, s.controlling())
	}
	s.onRemoteCandidates(time.Duration(pl.DelayTrigger) * time.Millisecond)
}

// controlling picks a deterministic ICE role from the peer ids.
func (s *Session) controlling() bool {
	return s.cfg.LocalPeerID < s.remoteID
}

func (s *Session) addLocalCandidate(c protocol.Candidate) {
	if !s.local.Add(c) {
		return
	}
	s.log.Debug("local candidate",
		zap.Uint8("kind", uint8(c.Kind)),
		zap.String("endpoint", c.Endpoint.String()))
	s.publishCandidate(c)
}

// publishCandidate trickles one late candidate through the active mode.
func (s *Session) publishCandidate(c protocol.Candidate) {
	switch {
	case s.compact != nil:
		s.compact.Trickle(c)
	case s.relaySig != nil && s.remoteID != "" && s.relaySig.State() >= signal.RelayLoggedIn:
		pl := &protocol.SignalingPayload{
			Sender:     s.cfg.LocalPeerID,
			Target:     s.remoteID,
			Timestamp:  uint32(time.Now().Unix()),
			Candidates: []protocol.Candidate{c},
		}
		body := protocol.EncodeSignalingPayload(pl)
		if s.sealer != nil {
			if sealed, err := s.sealer.Seal(body); err == nil {
				body = sealed
			}
		}
		s.relaySig.Connect(s.remoteID, body)
	}
	// Pubsub publishes the full set once; late candidates ride the
	// payload snapshot taken at write time.
}

func (s *Session) addRemoteCandidate(c protocol.Candidate) {
	if !s.remote.Add(c) {
		return
	}
	if s.checklist != nil {
		s.checklist.AddRemote(&s.local, c, s.controlling())
	}
	// A fresh candidate may revive a relay-stuck session.
	if s.trav.RestartFromRelay(time.Now()) {
		s.state = StatePunching
		s.path = PathNone
		s.log.Info("restarting punch from relay on new candidate")
	}
}

// onRemoteCandidates arms or re-arms punching once a remote set exists.
func (s *Session) onRemoteCandidates(delay time.Duration) {
	if s.remote.Len() == 0 {
		return
	}
	switch s.state {
	case StateRegistering:
		s.state = StatePunching
		now := time.Now()
		s.punchArmedAt = now.Add(delay)
		s.punchDelayed = delay > 0
		if !s.punchDelayed {
			s.armPunch(now)
		}
		s.startLanProbe()
	case StatePunching, StateConnected, StateRelay:
		// Candidate churn on a live machine is handled by addRemoteCandidate.
	}
}

func (s *Session) armPunch(now time.Time) {
	s.trav.StartPunching(now)
	s.punchStart = now
	s.log.Info("punching started", zap.Int("remote_candidates", s.remote.Len()))
}

// startLanProbe arms the same-subnet shortcut when a remote host candidate
// shares a local subnet.
func (s *Session) startLanProbe() {
	if s.cfg.DisableLanShortcut || s.lan.active || s.lan.done {
		return
	}
	for _, c := range s.remote.All() {
		if c.Kind != protocol.CandidateHost {
			continue
		}
		if s.routes.SameSubnet(c.Endpoint) {
			s.lan = lanProbe{target: c.Endpoint, active: true}
			return
		}
	}
}
