// Package udp implements the voice UDP session: socket ownership, external
// address discovery and connection status tracking.
package udp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSessionClosed is returned once a session has reached the
	// disconnected state. A new Session must be built to retry.
	ErrSessionClosed = errors.New("udp: session closed")

	// ErrNotConnected is returned by Send before any socket has been opened.
	ErrNotConnected = errors.New("udp: session has no socket")
)

// DefaultWriteTimeout bounds how long a single Send may wait on socket
// back-pressure.
const DefaultWriteTimeout = 250 * time.Millisecond

const maxDatagramSize = 1500

// Status is the connection state of a Session.
type Status int32

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Endpoint is the remote voice server address handed over by session
// negotiation.
type Endpoint struct {
	IP   string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(int(e.Port)))
}

// network returns udp4 or udp6 depending on the IP literal.
func (e Endpoint) network() (string, error) {
	addr, err := netip.ParseAddr(e.IP)
	if err != nil {
		return "", fmt.Errorf("udp: invalid endpoint address %q: %w", e.IP, err)
	}
	if addr.Unmap().Is4() {
		return "udp4", nil
	}
	return "udp6", nil
}

// Transition describes the state change performed by Connect.
type Transition struct {
	From, To Status
	// Rebuilt is false when Connect was a no-op for an identical endpoint.
	Rebuilt  bool
	External netip.AddrPort
}

// TransportError wraps a socket level failure. It never changes the session
// status by itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "udp: " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

var _ error = (*TransportError)(nil)

// Dialer opens the datagram socket. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Option func(*Session)

func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

func WithDialer(d Dialer) Option {
	return func(s *Session) {
		s.dialer = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.writeTimeout = d
	}
}

// Session owns one voice UDP socket. It is safe for concurrent use; the
// audio loop and the keepalive manager share its Send path.
type Session struct {
	// connectMu serialises Connect calls. mu guards everything below it and
	// is never held across network waits.
	connectMu sync.Mutex
	mu        sync.Mutex

	conn     net.Conn
	readDone chan struct{}
	endpoint Endpoint
	ssrc     uint32
	status   Status
	external netip.AddrPort
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	rebuilds     atomic.Uint64
	dialer       Dialer
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New returns a session in the connecting state with no socket.
func New(opts ...Option) *Session {
	s := &Session{
		status:       StatusConnecting,
		observer:     ObserverFuncs{},
		dialer:       &net.Dialer{},
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// External returns the address learned by the last successful discovery.
func (s *Session) External() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.external
}

// SSRC returns the ssrc of the current connection.
func (s *Session) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssrc
}

// Rebuilds counts how many sockets this session has opened.
func (s *Session) Rebuilds() uint64 {
	return s.rebuilds.Load()
}

// Done is closed when the session is disconnected. Heartbeats and playback
// jobs stop on it.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Connect opens a socket to ep and performs address discovery for ssrc.
// Calling it again with the same endpoint and ssrc while connected does
// nothing. The engine does not time discovery out; ctx bounds the wait.
func (s *Session) Connect(ctx context.Context, ep Endpoint, ssrc uint32) (Transition, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	from := s.status
	if from == StatusDisconnected {
		s.mu.Unlock()
		return Transition{From: from, To: from}, ErrSessionClosed
	}
	if from == StatusConnected && s.endpoint == ep && s.ssrc == ssrc {
		t := Transition{From: from, To: from, External: s.external}
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()

	network, err := ep.network()
	if err != nil {
		return Transition{From: from, To: from}, err
	}

	s.teardown()

	conn, err := s.dialer.DialContext(ctx, network, ep.String())
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		s.emitError(terr)
		return Transition{From: from, To: s.Status()}, terr
	}

	pending := make(chan []byte, 1)
	done := make(chan struct{})

	s.mu.Lock()
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		conn.Close()
		return Transition{From: from, To: StatusDisconnected}, ErrSessionClosed
	}
	s.conn = conn
	s.readDone = done
	s.endpoint = ep
	s.ssrc = ssrc
	s.status = StatusConnecting
	s.external = netip.AddrPort{}
	s.mu.Unlock()

	s.rebuilds.Add(1)
	go s.readLoop(conn, pending, done)

	s.logger.Debug("voice socket opened", "endpoint", ep.String(), "ssrc", ssrc)

	external, err := s.discover(ctx, conn, ssrc, pending)
	if err != nil {
		s.emitError(err)
		return Transition{From: from, To: s.Status(), Rebuilt: true}, err
	}

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return Transition{From: from, To: s.Status(), Rebuilt: true}, ErrSessionClosed
	}
	s.status = StatusConnected
	s.external = external
	obs := s.observer
	s.mu.Unlock()

	s.logger.Info("voice session connected",
		"endpoint", ep.String(),
		"ssrc", ssrc,
		"external", external.String(),
	)
	obs.OnConnected(external)

	return Transition{From: from, To: StatusConnected, Rebuilt: true, External: external}, nil
}

func (s *Session) discover(ctx context.Context, conn net.Conn, ssrc uint32, pending <-chan []byte) (netip.AddrPort, error) {
	if err := s.write(conn, EncodeDiscoveryRequest(ssrc)); err != nil {
		return netip.AddrPort{}, err
	}
	select {
	case reply := <-pending:
		return DecodeDiscoveryResponse(reply)
	case <-ctx.Done():
		return netip.AddrPort{}, fmt.Errorf("udp: discovery: %w", ctx.Err())
	case <-s.ctx.Done():
		return netip.AddrPort{}, ErrSessionClosed
	}
}

// teardown drops the current socket without ending the session.
func (s *Session) teardown() {
	s.mu.Lock()
	conn, done := s.conn, s.readDone
	s.conn, s.readDone = nil, nil
	if s.status == StatusConnected {
		s.status = StatusConnecting
	}
	s.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	<-done
}

// Send writes one datagram. Errors are reported to the observer and
// returned, but the session status is left alone.
func (s *Session) Send(b []byte) error {
	s.mu.Lock()
	conn, status := s.conn, s.status
	s.mu.Unlock()

	if status == StatusDisconnected {
		return ErrSessionClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	if err := s.write(conn, b); err != nil {
		s.emitError(err)
		return err
	}
	return nil
}

func (s *Session) write(conn net.Conn, b []byte) error {
	if s.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
	}
	if _, err := conn.Write(b); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (s *Session) readLoop(conn net.Conn, pending chan<- []byte, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !s.owns(conn) {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Warn("voice socket closed underneath session")
				s.shutdown(false)
				return
			}
			s.emitError(&TransportError{Op: "read", Err: err})
			continue
		}

		data := bytes.Clone(buf[:n])
		if pending != nil && isDiscoveryResponse(data) {
			pending <- data
			pending = nil
			continue
		}
		s.observerSnapshot().OnMessage(data)
	}
}

func (s *Session) owns(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == conn
}

func (s *Session) observerSnapshot() Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

func (s *Session) emitError(err error) {
	s.logger.Debug("voice session error", "error", err)
	s.observerSnapshot().OnError(err)
}

// Close moves the session to disconnected, releases the socket and detaches
// the observer. It is safe to call more than once.
func (s *Session) Close() error {
	s.shutdown(true)
	return nil
}

// shutdown performs the terminal transition. The socket is invalidated
// before the session context is cancelled so no late tick can write to it.
// wait is false when called from the read loop itself.
func (s *Session) shutdown(wait bool) {
	s.mu.Lock()
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	s.status = StatusDisconnected
	conn, done := s.conn, s.readDone
	s.conn, s.readDone = nil, nil
	obs := s.observer
	s.mu.Unlock()

	s.cancel()

	if conn != nil {
		conn.Close()
		if wait {
			<-done
		}
	}

	obs.OnClose()

	s.mu.Lock()
	s.observer = ObserverFuncs{}
	s.mu.Unlock()

	s.logger.Info("voice session closed")
}
