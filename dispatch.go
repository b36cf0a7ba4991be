package wirehole

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/wirehole/wirehole/internal/ice"
	"github.com/wirehole/wirehole/internal/nat"
	"github.com/wirehole/wirehole/internal/protocol"
)

// dispatch routes one inbound datagram. Malformed datagrams may still be
// STUN/TURN answers or DTLS records; everything else is dropped with a
// counter bump.
func (s *Session) dispatch(data []byte, from protocol.Endpoint, now time.Time) {
	hdr, body, err := protocol.DecodeHeader(data)
	if err != nil {
		s.dispatchOpaque(data, from)
		return
	}

	// COMPACT rendezvous traffic shares the data socket.
	if s.compact != nil && from == s.serverEP && s.compact.OnPacket(hdr, body, s.sendRaw) {
		return
	}

	switch hdr.Type {
	case protocol.TypePunch:
		// Always answer, even before our own punching starts: the reply is
		// what opens the reverse mapping.
		s.sendPacket(from, protocol.Header{Type: protocol.TypePunchAck, Seq: hdr.Seq}, nil)

	case protocol.TypePunchAck:
		s.onPunchAck(from, now)

	case protocol.TypePing:
		s.sendPacket(from, protocol.Header{Type: protocol.TypePong, Seq: hdr.Seq}, nil)
		s.trav.Seen(now)

	case protocol.TypePong:
		s.trav.Seen(now)

	case protocol.TypeData:
		if s.pluginUp && s.pluginPseudo {
			s.plugin.OnPacket(data)
			s.trav.Seen(now)
			return
		}
		s.onData(hdr.Seq, body, now)

	case protocol.TypeAck:
		if s.pluginUp && s.pluginPseudo {
			s.plugin.OnPacket(data)
			s.trav.Seen(now)
			return
		}
		if ack, err := protocol.DecodeAck(body); err == nil {
			s.rel.OnAck(*ack, now)
			s.trav.Seen(now)
		}

	case protocol.TypeFin:
		if from == s.active && (s.state == StateConnected || s.state == StateRelay) {
			s.log.Info("peer closed the session")
			s.state = StateClosed
			s.path = PathNone
			s.fireDisconnected()
		}

	case protocol.TypeRouteProbe:
		if _, err := protocol.DecodeRouteProbe(body); err == nil {
			s.sendPacket(from, protocol.Header{Type: protocol.TypeRouteProbeAck, Seq: hdr.Seq}, nil)
		}

	case protocol.TypeRouteProbeAck:
		s.onRouteProbeAck(from, now)

	case protocol.TypeNatProbeAck:
		if s.natProbe == nil || s.natProbe.Done() {
			return
		}
		if ack, err := protocol.DecodeNatProbeAck(body); err == nil {
			s.natProbe.OnAck(from, *ack)
			if s.natProbe.Done() {
				s.onNatClassified()
			}
		}

	case protocol.TypeRelayData:
		s.onRelayData(hdr, body, from, now)

	case protocol.TypeRelayAck:
		sid, inner, err := protocol.DecodeRelay(body)
		if err != nil || sid != s.sessionID || from != s.serverEP {
			s.drop()
			return
		}
		if ack, err := protocol.DecodeAck(inner); err == nil {
			s.rel.OnAck(*ack, now)
			s.trav.Seen(now)
		}

	default:
		s.drop()
	}
}

// onNatClassified records the probe verdict and biases path selection: a
// symmetric mapping makes direct punching near-hopeless, so the punch budget
// is cut and the relay takes over sooner.
func (s *Session) onNatClassified() {
	s.natKind = s.natProbe.Kind()
	s.log.Info("nat classified", zap.String("kind", s.natKind.String()))
	if s.natKind == nat.KindSymmetric {
		s.trav.BiasSymmetric()
	}
}

// dispatchOpaque handles datagrams that are not protocol packets: STUN
// binding answers, TURN server traffic, and DTLS records on the peer path.
func (s *Session) dispatchOpaque(data []byte, from protocol.Endpoint) {
	if s.binding != nil && !s.stunDone && from == s.stunEP && s.binding.OnPacket(data) {
		s.stunDone = true
		if mapped, ok := s.binding.Mapped(); ok {
			s.addLocalCandidate(protocol.Candidate{
				Kind:     protocol.CandidateServerReflexive,
				Endpoint: mapped,
				Priority: ice.Priority(protocol.CandidateServerReflexive, 65535, 1),
			})
		}
		return
	}
	if s.turn != nil && from == s.turnEP && s.turn.HandleInbound(data, from) {
		return
	}
	if s.pluginUp && !s.pluginPseudo && from == s.active {
		s.plugin.OnPacket(data)
		s.trav.Seen(time.Now())
		return
	}
	s.drop()
}

func (s *Session) onPunchAck(from protocol.Endpoint, now time.Time) {
	if s.state != StatePunching {
		return
	}
	if !s.remote.Contains(from) {
		// Unknown mapping (symmetric NAT rewrote the port). Record it as a
		// peer-reflexive candidate; the next ack will match.
		s.addRemoteCandidate(protocol.Candidate{
			Kind:     protocol.CandidatePeerReflexive,
			Endpoint: from,
			Priority: ice.Priority(protocol.CandidatePeerReflexive, 65535, 1),
		})
		return
	}
	s.nominate(from, now)
}

// nominate fixes the peer path on endpoint ep.
func (s *Session) nominate(ep protocol.Endpoint, now time.Time) {
	if s.checklist != nil {
		s.checklist.Nominate(ep)
	}
	s.active = ep
	s.trav.Connected(ep, now)
	s.path = PathPunch
	s.state = StateConnected
	s.log.Info("path established",
		zap.String("path", s.path.String()),
		zap.String("endpoint", ep.String()),
		zap.Int("punch_attempts", s.trav.Attempts()))
	if s.met != nil {
		s.met.PunchSucceeded(now.Sub(s.punchStart))
		s.met.Connected(s.path.String())
	}
	s.initPlugin()
	s.fireConnected()
}

func (s *Session) onRouteProbeAck(from protocol.Endpoint, now time.Time) {
	if s.lan.done {
		return
	}
	switch s.state {
	case StateRegistering, StatePunching, StateRelay:
	default:
		return
	}
	s.lan.done = true
	s.lan.active = false
	s.active = from
	s.trav.Connected(from, now)
	s.path = PathLan
	s.state = StateConnected
	s.log.Info("lan shortcut established", zap.String("endpoint", from.String()))
	if s.met != nil {
		s.met.Connected(s.path.String())
	}
	s.initPlugin()
	s.fireConnected()
}

func (s *Session) onData(seq uint16, payload []byte, now time.Time) {
	stored := s.rel.OnData(seq, payload)
	// Out-of-window DATA still answers with the current cumulative state.
	s.sendAck(now)
	s.trav.Seen(now)
	if !stored {
		return
	}
	if fed := s.str.FeedFromReliable(s.rel); fed > 0 {
		s.fireData()
	}
}

func (s *Session) onRelayData(hdr protocol.Header, body []byte, from protocol.Endpoint, now time.Time) {
	sid, inner, err := protocol.DecodeRelay(body)
	if err != nil || from != s.serverEP || sid == 0 || sid != s.sessionID {
		s.drop()
		return
	}
	s.onData(hdr.Seq, inner, now)
}

// ---------------------------------------------------------------------------
// Per-tick component driving
// ---------------------------------------------------------------------------

// tickGather advances STUN/TURN candidate gathering.
func (s *Session) tickGather(now time.Time) {
	if s.binding != nil && !s.binding.Done() {
		s.binding.Tick(now, s.sendRaw)
	}
	if s.turn != nil && !s.turnStarted {
		s.turnStarted = true
		go func() {
			relay, err := s.turn.Allocate()
			s.turnResult <- turnOutcome{relay: relay, err: err}
		}()
	}
	if s.turnResult != nil {
		select {
		case res := <-s.turnResult:
			s.turnResult = nil
			if res.err != nil {
				s.log.Warn("turn allocation failed", zap.Error(res.err))
				return
			}
			s.addLocalCandidate(protocol.Candidate{
				Kind:     protocol.CandidateRelay,
				Endpoint: res.relay,
				Priority: ice.Priority(protocol.CandidateRelay, 65535, 1),
			})
		default:
		}
	}
}

// tickLan retransmits the same-subnet probe.
func (s *Session) tickLan(now time.Time) {
	if !s.lan.active || s.lan.done {
		return
	}
	if s.lan.attempts >= lanProbeAttempts {
		s.lan.active = false
		return
	}
	if !s.lan.lastSend.IsZero() && now.Sub(s.lan.lastSend) < lanProbeInterval {
		return
	}
	probe := protocol.RouteProbe{Port: s.localPort}
	s.sendPacket(s.lan.target, protocol.Header{Type: protocol.TypeRouteProbe}, protocol.EncodeRouteProbe(&probe))
	s.lan.attempts++
	s.lan.lastSend = now
}

// tickNat drives punching, the NAT-type probe, keepalive, and liveness.
func (s *Session) tickNat(now time.Time) {
	if s.punchDelayed && s.state == StatePunching && !now.Before(s.punchArmedAt) {
		s.punchDelayed = false
		s.armPunch(now)
	}
	if s.natProbe != nil && !s.natProbe.Done() {
		s.natProbe.Tick(now, func(ep protocol.Endpoint, pl protocol.NatProbe) {
			s.sendPacket(ep, protocol.Header{Type: protocol.TypeNatProbe}, protocol.EncodeNatProbe(&pl))
		})
		if s.natProbe.Done() {
			s.onNatClassified()
		}
	}

	s.trav.TickPunch(now, s.punchTargets(), func(ep protocol.Endpoint) {
		s.sendPacket(ep, protocol.Header{Type: protocol.TypePunch}, nil)
		if s.checklist != nil {
			s.checklist.MarkProbed(ep, now)
		}
	})
	if s.trav.Expired(now) {
		s.onPunchExpired(now)
	}
	s.trav.TickKeepalive(now, func(ep protocol.Endpoint) {
		s.sendPacket(ep, protocol.Header{Type: protocol.TypePing}, nil)
	})
	if s.path == PathRelay && now.Sub(s.lastAckSent) >= nat.KeepaliveInterval {
		// The relayed ACK doubles as the keepalive on the server path.
		s.sendAck(now)
	}
	if s.trav.Dead(now) {
		s.setError(KindLivenessLost, "keepalive", errLivenessLost)
	}
}

// punchTargets returns remote candidates in priority order, skipping relay
// candidates (reachable only with a TURN data plane).
func (s *Session) punchTargets() []protocol.Candidate {
	all := s.remote.ByPriority()
	out := all[:0:0]
	for _, c := range all {
		if c.Kind == protocol.CandidateRelay {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (s *Session) onPunchExpired(now time.Time) {
	if s.cfg.Mode == ModeCompact && s.relayAvail && s.sessionID != 0 {
		s.trav.FallbackRelay(now)
		s.state = StateRelay
		s.path = PathRelay
		s.log.Info("punch budget spent, falling back to server relay")
		if s.met != nil {
			s.met.Connected(s.path.String())
		}
		s.fireConnected()
		return
	}
	s.setError(KindNatPunchFailed, "punch", errPunchBudget)
}

// tickData moves bytes between the stream, the reliable window, and the
// wire.
func (s *Session) tickData(now time.Time) {
	if s.state != StateConnected && s.state != StateRelay {
		return
	}
	if s.pluginUp {
		s.plugin.Tick(now)
		if fe, ok := s.plugin.(interface{ Err() error }); ok && fe.Err() != nil {
			s.setError(KindTransportPlugin, "transport", fe.Err())
		}
		return
	}
	s.str.FlushToReliable(s.rel)
	if err := s.rel.Tick(now, s.sendDataSeq); err != nil {
		s.setError(KindLivenessLost, "retransmit", err)
		return
	}
	if now.Sub(s.lastAckSent) >= ackRefresh {
		s.sendAck(now)
	}
	if fed := s.str.FeedFromReliable(s.rel); fed > 0 {
		s.fireData()
	}
}

// sendDataSeq transmits one reliable payload on the current path.
func (s *Session) sendDataSeq(seq uint16, payload []byte) bool {
	if s.path == PathRelay {
		body := protocol.EncodeRelay(s.sessionID, payload)
		s.sendPacket(s.serverEP, protocol.Header{Type: protocol.TypeRelayData, Seq: seq}, body)
	} else {
		s.sendPacket(s.active, protocol.Header{Type: protocol.TypeData, Seq: seq}, payload)
	}
	return true
}

// sendAck emits the current cumulative + SACK state on the current path.
func (s *Session) sendAck(now time.Time) {
	ack := s.rel.BuildAck()
	body := protocol.EncodeAck(&ack)
	if s.path == PathRelay {
		s.sendPacket(s.serverEP, protocol.Header{Type: protocol.TypeRelayAck}, protocol.EncodeRelay(s.sessionID, body))
	} else if s.path != PathNone {
		s.sendPacket(s.active, protocol.Header{Type: protocol.TypeAck}, body)
	}
	s.lastAckSent = now
}

// initPlugin constructs and starts the configured transport plug-in once a
// direct path exists. On the relay path the built-in window carries data
// and plug-ins stay dormant.
func (s *Session) initPlugin() {
	if s.plugin != nil || s.pluginUp {
		return
	}
	s.plugin = s.makePlugin(s.controlling())
	if s.plugin == nil {
		return
	}
	if err := s.plugin.Init(func(payload []byte) {
		s.sendRaw(s.active, payload)
	}); err != nil {
		s.setError(KindTransportPlugin, "transport", err)
		return
	}
	s.pluginUp = true
	s.log.Info("transport plug-in started")
}

var (
	errLivenessLost = errors.New("no peer traffic within the liveness window")
	errPunchBudget  = errors.New("punch budget exhausted with no relay fallback")
)
