// Package packet decodes the addressing fields of raw IP packets read from the
// tunnel interface.
package packet

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// Protocol is the transport protocol of a parsed packet.
type Protocol int

const (
	ProtocolOther Protocol = iota
	ProtocolTCP
	ProtocolUDP
	ProtocolICMP
)

// IANA protocol numbers.
const (
	numICMP   = 1
	numTCP    = 6
	numUDP    = 17
	numICMPv6 = 58
)

const (
	ipv4MinHeader = 20
	ipv6Header    = 40
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	case ProtocolICMP:
		return "ICMP"
	default:
		return "OTHER"
	}
}

// Number returns the IANA protocol number used by socket lookups.
// ICMP maps to the IPv4 number and OTHER to 0.
func (p Protocol) Number() int {
	switch p {
	case ProtocolTCP:
		return numTCP
	case ProtocolUDP:
		return numUDP
	case ProtocolICMP:
		return numICMP
	default:
		return 0
	}
}

// HasPorts reports whether the protocol carries port numbers.
func (p Protocol) HasPorts() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// ProtocolFromNumber maps an IP protocol / next-header value.
func ProtocolFromNumber(n int) Protocol {
	switch n {
	case numTCP:
		return ProtocolTCP
	case numUDP:
		return ProtocolUDP
	case numICMP, numICMPv6:
		return ProtocolICMP
	default:
		return ProtocolOther
	}
}

// ParsedPacket holds the fields of one IP packet needed for attribution.
type ParsedPacket struct {
	Protocol        Protocol
	SourceIP        string
	DestinationIP   string
	SourcePort      uint16
	DestinationPort uint16
	Length          int
}

// Parse decodes the first length bytes of buf. It never panics; malformed or
// unsupported input returns ok=false.
func Parse(buf []byte, length int) (ParsedPacket, bool) {
	if length < ipv4MinHeader || length > len(buf) {
		return ParsedPacket{}, false
	}
	b := buf[:length]

	switch b[0] >> 4 {
	case 4:
		return parseIPv4(b)
	case 6:
		return parseIPv6(b)
	default:
		return ParsedPacket{}, false
	}
}

func parseIPv4(b []byte) (ParsedPacket, bool) {
	hl := int(b[0]&0x0f) * 4
	if hl < ipv4MinHeader || hl > len(b) {
		return ParsedPacket{}, false
	}
	p := ParsedPacket{
		Protocol:      ProtocolFromNumber(int(b[9])),
		SourceIP:      formatIPv4(b[12:16]),
		DestinationIP: formatIPv4(b[16:20]),
		Length:        len(b),
	}
	p.SourcePort, p.DestinationPort = readPorts(p.Protocol, b[hl:])
	return p, true
}

func parseIPv6(b []byte) (ParsedPacket, bool) {
	if len(b) < ipv6Header {
		return ParsedPacket{}, false
	}
	p := ParsedPacket{
		Protocol:      ProtocolFromNumber(int(b[6])),
		SourceIP:      formatIPv6(b[8:24]),
		DestinationIP: formatIPv6(b[24:40]),
		Length:        len(b),
	}
	p.SourcePort, p.DestinationPort = readPorts(p.Protocol, b[ipv6Header:])
	return p, true
}

// readPorts reads the two big-endian ports at the start of a TCP/UDP header.
func readPorts(proto Protocol, transport []byte) (src, dst uint16) {
	if !proto.HasPorts() || len(transport) < 4 {
		return 0, 0
	}
	return binary.BigEndian.Uint16(transport[0:2]), binary.BigEndian.Uint16(transport[2:4])
}

func formatIPv4(a []byte) string {
	var sb strings.Builder
	sb.Grow(15)
	for i, o := range a {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.Itoa(int(o)))
	}
	return sb.String()
}

// formatIPv6 renders eight colon-separated lowercase hex groups without
// leading zeros or "::" compression.
func formatIPv6(a []byte) string {
	var sb strings.Builder
	sb.Grow(39)
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strconv.FormatUint(uint64(binary.BigEndian.Uint16(a[i:i+2])), 16))
	}
	return sb.String()
}
