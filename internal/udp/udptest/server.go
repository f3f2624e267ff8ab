// Package udptest provides a loopback fake voice server for tests.
package udptest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/glizzus/soundwire/internal/udp"
)

// Server answers discovery requests and records every other datagram it
// receives.
type Server struct {
	conn *net.UDPConn

	mu          sync.Mutex
	replyAddr   string
	replyPort   uint16
	silent      bool
	discoveries int
	client      *net.UDPAddr

	packets chan []byte
	done    chan struct{}
}

// NewServer listens on 127.0.0.1 and shuts down when the test ends.
// Discovery replies report 203.0.113.7:50000 unless changed.
func NewServer(t testing.TB) *Server {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("udptest: listen: %v", err)
	}

	s := &Server{
		conn:      conn,
		replyAddr: "203.0.113.7",
		replyPort: 50000,
		packets:   make(chan []byte, 1024),
		done:      make(chan struct{}),
	}
	go s.serve()

	t.Cleanup(func() {
		conn.Close()
		<-s.done
	})
	return s
}

// Endpoint returns the address sessions should connect to.
func (s *Server) Endpoint() udp.Endpoint {
	addr := s.conn.LocalAddr().(*net.UDPAddr)
	return udp.Endpoint{IP: addr.IP.String(), Port: uint16(addr.Port)}
}

// External is the address the server reports in discovery replies.
func (s *Server) External() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return netip.AddrPortFrom(netip.MustParseAddr(s.replyAddr), s.replyPort)
}

// SetReply changes the address placed into discovery replies. addr is
// written verbatim, so it may be garbage.
func (s *Server) SetReply(addr string, port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyAddr, s.replyPort = addr, port
}

// SetSilent makes the server ignore discovery requests.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// Discoveries returns how many discovery requests were received.
func (s *Server) Discoveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discoveries
}

// Packets delivers every non-discovery datagram in arrival order.
func (s *Server) Packets() <-chan []byte {
	return s.packets
}

// SendToClient writes b to the last peer that contacted the server.
func (s *Server) SendToClient(b []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errors.New("udptest: no client yet")
	}
	_, err := s.conn.WriteToUDP(b, client)
	return err
}

func (s *Server) serve() {
	defer close(s.done)

	buf := make([]byte, 2048)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		b := bytes.Clone(buf[:n])

		s.mu.Lock()
		s.client = from
		isDiscovery := n == udp.DiscoveryPacketSize && binary.BigEndian.Uint16(b[0:2]) == 1
		if !isDiscovery {
			s.mu.Unlock()
			select {
			case s.packets <- b:
			default:
			}
			continue
		}
		s.discoveries++
		silent := s.silent
		reply := udp.EncodeDiscoveryResponse(binary.BigEndian.Uint32(b[4:8]), s.replyAddr, s.replyPort)
		s.mu.Unlock()

		if !silent {
			s.conn.WriteToUDP(reply, from)
		}
	}
}
