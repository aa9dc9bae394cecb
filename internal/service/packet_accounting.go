package service

import (
	"bearguard/internal/packet"
	"bearguard/internal/process"
)

// OwnerResolver attributes a connection tuple to an account and application.
// *process.Resolver implements it.
type OwnerResolver interface {
	Resolve(proto packet.Protocol, localAddr string, localPort uint16, remoteAddr string, remotePort uint16) (uid int, identity string)
}

// PacketAccounting records packets read from the sinkhole in the ledger.
// Everything routed into the sinkhole belongs to a blocked application, so
// entries are logged as blocked, attributed or not.
type PacketAccounting struct {
	resolver OwnerResolver
	ledger   *TrafficLedger
}

// NewPacketAccounting wires the resolver to the ledger.
func NewPacketAccounting(resolver OwnerResolver, ledger *TrafficLedger) *PacketAccounting {
	return &PacketAccounting{resolver: resolver, ledger: ledger}
}

// HandlePacket implements PacketSink. Unparseable packets are dropped silently.
func (pa *PacketAccounting) HandlePacket(pkt []byte) {
	p, ok := packet.Parse(pkt, len(pkt))
	if !ok {
		return
	}

	uid, identity := process.UnknownUID, ""
	if pa.resolver != nil {
		// Outbound packets: the source is the local end of the socket.
		uid, identity = pa.resolver.Resolve(p.Protocol, p.SourceIP, p.SourcePort, p.DestinationIP, p.DestinationPort)
	}

	pa.ledger.LogConnection(Connection{
		Identity:        identity,
		UID:             uid,
		Protocol:        p.Protocol,
		SourceIP:        p.SourceIP,
		SourcePort:      p.SourcePort,
		DestinationIP:   p.DestinationIP,
		DestinationPort: p.DestinationPort,
		BytesOut:        int64(p.Length),
		WasBlocked:      true,
	})
}
