package udp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	// DiscoveryPacketSize is the size of both the discovery request and the
	// reply sent by voice servers.
	DiscoveryPacketSize = 74

	discoveryRequestType  = 1
	discoveryResponseType = 2
	discoveryBodyLength   = DiscoveryPacketSize - 4
	discoveryAddressStart = 8
)

// ProtocolError reports a malformed discovery exchange. The attempt is
// abandoned; the caller may retry Connect.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "udp: discovery: " + e.Reason
}

var _ error = (*ProtocolError)(nil)

// EncodeDiscoveryRequest builds the 74-byte request asking the voice server
// to echo our externally visible address for ssrc.
func EncodeDiscoveryRequest(ssrc uint32) []byte {
	b := make([]byte, DiscoveryPacketSize)
	binary.BigEndian.PutUint16(b[0:2], discoveryRequestType)
	binary.BigEndian.PutUint16(b[2:4], discoveryBodyLength)
	binary.BigEndian.PutUint32(b[4:8], ssrc)
	return b
}

// EncodeDiscoveryResponse builds a reply the way voice servers do. It is
// used by fake servers in tests and by the cli's discover command.
func EncodeDiscoveryResponse(ssrc uint32, addr string, port uint16) []byte {
	b := make([]byte, DiscoveryPacketSize)
	binary.BigEndian.PutUint16(b[0:2], discoveryResponseType)
	binary.BigEndian.PutUint16(b[2:4], discoveryBodyLength)
	binary.BigEndian.PutUint32(b[4:8], ssrc)
	copy(b[discoveryAddressStart:DiscoveryPacketSize-3], addr)
	binary.BigEndian.PutUint16(b[DiscoveryPacketSize-2:], port)
	return b
}

// isDiscoveryResponse reports whether b looks like a discovery reply and
// should be routed to a pending discovery instead of the observer.
func isDiscoveryResponse(b []byte) bool {
	return len(b) >= discoveryAddressStart && binary.BigEndian.Uint16(b[0:2]) == discoveryResponseType
}

// DecodeDiscoveryResponse extracts the external IPv4 address and port from a
// discovery reply. Anything that is not a dotted-decimal IPv4 literal is
// rejected.
func DecodeDiscoveryResponse(b []byte) (netip.AddrPort, error) {
	if len(b) < discoveryAddressStart+3 {
		return netip.AddrPort{}, &ProtocolError{Reason: fmt.Sprintf("reply too short: %d bytes", len(b))}
	}
	if typ := binary.BigEndian.Uint16(b[0:2]); typ != discoveryResponseType {
		return netip.AddrPort{}, &ProtocolError{Reason: fmt.Sprintf("unexpected reply type %d", typ)}
	}

	field := b[discoveryAddressStart : len(b)-2]
	end := bytes.IndexByte(field, 0)
	if end < 0 {
		return netip.AddrPort{}, &ProtocolError{Reason: "address is not NUL-terminated"}
	}

	addr, err := netip.ParseAddr(string(field[:end]))
	if err != nil || !addr.Is4() {
		return netip.AddrPort{}, &ProtocolError{Reason: fmt.Sprintf("invalid IPv4 address %q", field[:end])}
	}

	port := binary.BigEndian.Uint16(b[len(b)-2:])
	return netip.AddrPortFrom(addr, port), nil
}
