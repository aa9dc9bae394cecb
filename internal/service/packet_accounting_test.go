package service

import (
	"net"
	"sync"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bearguard/internal/packet"
	"bearguard/internal/process"
)

type resolveCall struct {
	proto      packet.Protocol
	localAddr  string
	localPort  uint16
	remoteAddr string
	remotePort uint16
}

type fakeResolver struct {
	mu       sync.Mutex
	calls    []resolveCall
	uid      int
	identity string
}

func (f *fakeResolver) Resolve(proto packet.Protocol, localAddr string, localPort uint16, remoteAddr string, remotePort uint16) (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resolveCall{proto, localAddr, localPort, remoteAddr, remotePort})
	return f.uid, f.identity
}

func tcpPacket(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 2},
		DstIP:    net.IP{93, 184, 216, 34},
	}
	tcp := &layers.TCP{SrcPort: 40123, DstPort: 443, SYN: true, Window: 65535}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload([]byte("hello"))))
	return buf.Bytes()
}

func TestAccountingLogsAttributedPacket(t *testing.T) {
	res := &fakeResolver{uid: 10057, identity: "com.blocked"}
	ledger := NewTrafficLedger(10)
	pa := NewPacketAccounting(res, ledger)

	pkt := tcpPacket(t)
	pa.HandlePacket(pkt)

	require.Len(t, res.calls, 1)
	assert.Equal(t, resolveCall{packet.ProtocolTCP, "10.0.0.2", 40123, "93.184.216.34", 443}, res.calls[0])

	got := ledger.Connections()
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, "com.blocked", c.Identity)
	assert.Equal(t, 10057, c.UID)
	assert.Equal(t, packet.ProtocolTCP, c.Protocol)
	assert.Equal(t, uint16(443), c.DestinationPort)
	assert.Equal(t, int64(len(pkt)), c.BytesOut)
	assert.Zero(t, c.BytesIn)
	assert.True(t, c.WasBlocked)
}

func TestAccountingUnattributedPacket(t *testing.T) {
	ledger := NewTrafficLedger(10)
	pa := NewPacketAccounting(&fakeResolver{uid: process.UnknownUID}, ledger)

	pa.HandlePacket(tcpPacket(t))

	got := ledger.Connections()
	require.Len(t, got, 1)
	assert.False(t, got[0].Attributed())
	assert.Equal(t, process.UnknownUID, got[0].UID)
	assert.Empty(t, ledger.StatsPerApplication())
	_, out := ledger.TotalBytes()
	assert.Positive(t, out)
}

func TestAccountingWithoutResolver(t *testing.T) {
	ledger := NewTrafficLedger(10)
	NewPacketAccounting(nil, ledger).HandlePacket(tcpPacket(t))

	got := ledger.Connections()
	require.Len(t, got, 1)
	assert.Equal(t, process.UnknownUID, got[0].UID)
}

func TestAccountingDropsGarbage(t *testing.T) {
	res := &fakeResolver{}
	ledger := NewTrafficLedger(10)
	pa := NewPacketAccounting(res, ledger)

	pa.HandlePacket(nil)
	pa.HandlePacket([]byte{0x45, 0x00, 0x00})
	pa.HandlePacket(make([]byte, 40)) // version 0

	assert.Zero(t, ledger.Len())
	assert.Empty(t, res.calls)
}
