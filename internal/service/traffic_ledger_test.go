package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bearguard/internal/packet"
)

func conn(identity string, in, out int64, at time.Time) Connection {
	return Connection{
		Identity:        identity,
		UID:             10000,
		Protocol:        packet.ProtocolTCP,
		SourceIP:        "10.0.0.2",
		SourcePort:      40000,
		DestinationIP:   "93.184.216.34",
		DestinationPort: 443,
		Timestamp:       at,
		BytesIn:         in,
		BytesOut:        out,
		WasBlocked:      true,
	}
}

func TestLedgerAssignsIDsAndTimestamps(t *testing.T) {
	l := NewTrafficLedger(10)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	a := l.LogConnection(Connection{Identity: "com.a"})
	b := l.LogConnection(Connection{Identity: "com.b"})

	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, int64(2), b.ID)
	assert.Equal(t, fixed, a.Timestamp)
}

func TestLedgerEvictsOldestBeyondCapacity(t *testing.T) {
	l := NewTrafficLedger(0)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 1001; i++ {
		l.LogConnection(conn(fmt.Sprintf("com.app%d", i), 0, 1, base.Add(time.Duration(i)*time.Millisecond)))
	}

	require.Equal(t, 1000, l.Len())
	got := l.Connections()
	assert.Equal(t, "com.app1000", got[0].Identity)
	assert.Equal(t, "com.app1", got[len(got)-1].Identity)
	assert.Empty(t, l.ConnectionsFor("com.app0"))
}

func TestLedgerNewestFirst(t *testing.T) {
	l := NewTrafficLedger(10)
	base := time.Unix(1_700_000_000, 0)

	l.LogConnection(conn("com.mid", 0, 0, base.Add(time.Second)))
	l.LogConnection(conn("com.old", 0, 0, base))
	l.LogConnection(conn("com.new", 0, 0, base.Add(2*time.Second)))
	l.LogConnection(conn("com.new2", 0, 0, base.Add(2*time.Second)))

	var order []string
	for _, c := range l.Connections() {
		order = append(order, c.Identity)
	}
	assert.Equal(t, []string{"com.new2", "com.new", "com.mid", "com.old"}, order)
}

func TestLedgerStatsOnlyAttributed(t *testing.T) {
	l := NewTrafficLedger(10)
	base := time.Unix(1_700_000_000, 0)

	l.LogConnection(conn("com.a", 100, 10, base))
	l.LogConnection(conn("com.a", 50, 5, base.Add(time.Minute)))
	l.LogConnection(conn("com.b", 1, 2, base))
	l.LogConnection(conn("", 1000, 1000, base))

	stats := l.StatsPerApplication()
	require.Len(t, stats, 2)
	a := stats["com.a"]
	assert.Equal(t, int64(150), a.BytesIn)
	assert.Equal(t, int64(15), a.BytesOut)
	assert.Equal(t, 2, a.ConnectionCount)
	assert.Equal(t, base.Add(time.Minute), a.LastConnectionTime)

	in, out := stats.TotalBytes()
	assert.Equal(t, int64(151), in)
	assert.Equal(t, int64(17), out)

	// The ledger total includes unattributed traffic.
	in, out = l.TotalBytes()
	assert.Equal(t, int64(1151), in)
	assert.Equal(t, int64(1017), out)
}

func TestLedgerStatsFollowEviction(t *testing.T) {
	l := NewTrafficLedger(2)
	base := time.Unix(1_700_000_000, 0)
	l.LogConnection(conn("com.a", 10, 0, base))
	l.LogConnection(conn("com.b", 20, 0, base))
	l.LogConnection(conn("com.b", 30, 0, base))

	stats := l.StatsPerApplication()
	assert.NotContains(t, stats, "com.a")
	assert.Equal(t, int64(50), stats["com.b"].BytesIn)
}

func TestLedgerClear(t *testing.T) {
	l := NewTrafficLedger(10)
	l.LogConnection(conn("com.a", 1, 1, time.Time{}))
	l.LogConnection(conn("com.a", 1, 1, time.Time{}))
	l.Clear()

	assert.Zero(t, l.Len())
	assert.Empty(t, l.Connections())
	assert.Empty(t, l.StatsPerApplication())
	in, out := l.TotalBytes()
	assert.Zero(t, in)
	assert.Zero(t, out)

	next := l.LogConnection(conn("com.a", 1, 1, time.Time{}))
	assert.Equal(t, int64(3), next.ID)
}

func TestLedgerConnectionsFor(t *testing.T) {
	l := NewTrafficLedger(10)
	base := time.Unix(1_700_000_000, 0)
	l.LogConnection(conn("com.a", 0, 0, base))
	l.LogConnection(conn("com.b", 0, 0, base))
	l.LogConnection(conn("com.a", 0, 0, base.Add(time.Second)))

	got := l.ConnectionsFor("com.a")
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(1), got[1].ID)
	assert.Empty(t, l.ConnectionsFor("com.none"))
}

func TestLedgerObservers(t *testing.T) {
	l := NewTrafficLedger(10)
	conns := l.ObserveConnections()
	defer conns.Close()
	stats := l.ObserveStats()
	defer stats.Close()

	assert.Empty(t, <-conns.C)
	assert.Empty(t, <-stats.C)

	l.LogConnection(conn("com.a", 5, 7, time.Time{}))

	select {
	case got := <-conns.C:
		require.Len(t, got, 1)
		assert.Equal(t, "com.a", got[0].Identity)
	case <-time.After(time.Second):
		t.Fatal("no connections update")
	}
	select {
	case got := <-stats.C:
		assert.Equal(t, int64(5), got["com.a"].BytesIn)
	case <-time.After(time.Second):
		t.Fatal("no stats update")
	}
}

func TestLedgerSnapshotsAreIndependent(t *testing.T) {
	l := NewTrafficLedger(2)
	l.LogConnection(conn("com.a", 0, 0, time.Time{}))
	snap := l.Connections()
	snap[0].Identity = "mutated"

	assert.Equal(t, "com.a", l.Connections()[0].Identity)
}
