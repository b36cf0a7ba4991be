package transport

import (
	"net"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"github.com/pion/sctp"
)

const sctpStreamID = 1

// SCTP runs a pion SCTP association over the peer path, optionally inside a
// PSK DTLS layer when a pre-shared key is supplied. Message boundaries are
// preserved per SCTP semantics.
type SCTP struct {
	psk    []byte
	client bool

	pc    *pathConn
	assoc *sctp.Association
	strm  *sctp.Stream

	setup  chan sctpResult
	recvQ  chan []byte
	ready  bool
	closed bool
	failed error
}

type sctpResult struct {
	assoc *sctp.Association
	strm  *sctp.Stream
	err   error
}

// NewSCTP builds the plug-in. psk nil runs SCTP in the clear; non-nil
// wraps it in PSK DTLS first.
func NewSCTP(psk []byte, client bool) *SCTP {
	return &SCTP{
		psk:    psk,
		client: client,
		setup:  make(chan sctpResult, 1),
		recvQ:  make(chan []byte, 256),
	}
}

func (s *SCTP) Init(send func(payload []byte)) error {
	s.pc = newPathConn(dtlsLocalAddr, dtlsRemoteAddr, send)
	go s.establish()
	return nil
}

// establish runs the blocking handshakes: DTLS first when keyed, then the
// SCTP association and its single data stream.
func (s *SCTP) establish() {
	var conn net.Conn = s.pc
	if s.psk != nil {
		cfg := &dtls.Config{
			PSK:             func(hint []byte) ([]byte, error) { return s.psk, nil },
			PSKIdentityHint: []byte("wirehole"),
			CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		}
		dconn, err := handshakeDTLS(s.pc, cfg, s.client)
		if err != nil {
			s.setup <- sctpResult{err: err}
			return
		}
		conn = dconn
	}

	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelError
	cfg := sctp.Config{NetConn: conn, LoggerFactory: lf}
	var assoc *sctp.Association
	var err error
	if s.client {
		assoc, err = sctp.Client(cfg)
	} else {
		assoc, err = sctp.Server(cfg)
	}
	if err != nil {
		s.setup <- sctpResult{err: err}
		return
	}
	strm, err := assoc.OpenStream(sctpStreamID, sctp.PayloadTypeWebRTCBinary)
	if err != nil {
		assoc.Close()
		s.setup <- sctpResult{err: err}
		return
	}
	s.setup <- sctpResult{assoc: assoc, strm: strm}
}

// Tick collects the association result and starts the read pump.
func (s *SCTP) Tick(now time.Time) {
	if s.ready || s.closed || s.failed != nil {
		return
	}
	select {
	case res := <-s.setup:
		if res.err != nil {
			s.failed = res.err
			return
		}
		s.assoc = res.assoc
		s.strm = res.strm
		s.ready = true
		go s.readLoop()
	default:
	}
}

func (s *SCTP) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := s.strm.Read(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case s.recvQ <- data:
		default:
		}
	}
}

func (s *SCTP) IsReady() bool { return s.ready && !s.closed }

// Err returns the terminal failure, if any.
func (s *SCTP) Err() error { return s.failed }

func (s *SCTP) SendData(b []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if !s.ready {
		return 0, ErrNotReady
	}
	return s.strm.Write(b)
}

func (s *SCTP) Recv(b []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	select {
	case data := <-s.recvQ:
		return copy(b, data), nil
	default:
		return 0, nil
	}
}

func (s *SCTP) OnPacket(b []byte) {
	if s.pc != nil {
		s.pc.deliver(b)
	}
}

func (s *SCTP) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.strm != nil {
		s.strm.Close()
	}
	if s.assoc != nil {
		s.assoc.Close()
	}
	if s.pc != nil {
		s.pc.Close()
	}
	return nil
}
