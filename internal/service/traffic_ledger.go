package service

import (
	"slices"
	"sync"
	"time"

	"bearguard/internal/core"
	"bearguard/internal/metrics"
	"bearguard/internal/packet"
)

// Connection is one ledger entry. Entries are immutable once logged.
type Connection struct {
	ID              int64
	Identity        string // empty when the owner is unknown
	UID             int
	Protocol        packet.Protocol
	SourceIP        string
	SourcePort      uint16
	DestinationIP   string
	DestinationPort uint16
	Timestamp       time.Time
	BytesIn         int64
	BytesOut        int64
	WasBlocked      bool
}

// Attributed reports whether the connection has a known application.
func (c Connection) Attributed() bool {
	return c.Identity != ""
}

// AppTraffic aggregates the retained connections of one application.
type AppTraffic struct {
	Identity           string
	BytesIn            int64
	BytesOut           int64
	ConnectionCount    int
	LastConnectionTime time.Time
}

// TrafficStats is the per-application aggregate keyed by identity.
type TrafficStats map[string]AppTraffic

// TotalBytes sums every application in the aggregate.
func (s TrafficStats) TotalBytes() (in, out int64) {
	for _, a := range s {
		in += a.BytesIn
		out += a.BytesOut
	}
	return in, out
}

// TrafficLedger keeps the most recent connections in insertion order and
// derives per-application statistics from them.
type TrafficLedger struct {
	mu       sync.Mutex
	entries  []Connection // oldest first
	nextID   int64
	capacity int
	now      func() time.Time

	connections *core.Watchable[[]Connection]
	stats       *core.Watchable[TrafficStats]
}

// NewTrafficLedger creates a ledger retaining at most capacity entries.
// A non-positive capacity selects core.DefaultLedgerCapacity.
func NewTrafficLedger(capacity int) *TrafficLedger {
	if capacity <= 0 {
		capacity = core.DefaultLedgerCapacity
	}
	return &TrafficLedger{
		capacity:    capacity,
		now:         time.Now,
		connections: core.NewWatchable[[]Connection](nil),
		stats:       core.NewWatchable(TrafficStats{}),
	}
}

// LogConnection assigns the next id, appends c and evicts the oldest entries
// beyond capacity. A zero timestamp is set to the current time.
func (l *TrafficLedger) LogConnection(c Connection) Connection {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	c.ID = l.nextID
	if c.Timestamp.IsZero() {
		c.Timestamp = l.now()
	}
	l.entries = append(l.entries, c)
	if over := len(l.entries) - l.capacity; over > 0 {
		// Fresh backing array so published snapshots never alias.
		l.entries = slices.Clone(l.entries[over:])
	}
	l.publishLocked()

	m := metrics.Get()
	m.RecordConnection(c.WasBlocked, c.BytesIn, c.BytesOut)
	m.LedgerSize.Set(float64(len(l.entries)))
	return c
}

// Connections returns the retained entries, newest first.
func (l *TrafficLedger) Connections() []Connection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return newestFirst(l.entries)
}

// ConnectionsFor returns the retained entries of identity, newest first.
func (l *TrafficLedger) ConnectionsFor(identity string) []Connection {
	var out []Connection
	for _, c := range l.Connections() {
		if c.Identity == identity {
			out = append(out, c)
		}
	}
	return out
}

// ObserveConnections streams the retained entries, newest first.
func (l *TrafficLedger) ObserveConnections() *core.Subscription[[]Connection] {
	return l.connections.Subscribe()
}

// ObserveStats streams the per-application aggregate.
func (l *TrafficLedger) ObserveStats() *core.Subscription[TrafficStats] {
	return l.stats.Subscribe()
}

// Clear drops every entry. Ids keep increasing.
func (l *TrafficLedger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.publishLocked()
	metrics.Get().LedgerSize.Set(0)
}

// TotalBytes sums bytes over all retained entries, attributed or not.
func (l *TrafficLedger) TotalBytes() (in, out int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.entries {
		in += c.BytesIn
		out += c.BytesOut
	}
	return in, out
}

// StatsPerApplication aggregates retained entries with a known identity.
func (l *TrafficLedger) StatsPerApplication() TrafficStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return aggregate(l.entries)
}

// Len returns the number of retained entries.
func (l *TrafficLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *TrafficLedger) publishLocked() {
	l.connections.Set(newestFirst(l.entries))
	l.stats.Set(aggregate(l.entries))
}

// newestFirst sorts by timestamp descending; equal timestamps keep the later
// insertion first.
func newestFirst(entries []Connection) []Connection {
	out := make([]Connection, len(entries))
	for i, c := range entries {
		out[len(entries)-1-i] = c
	}
	slices.SortStableFunc(out, func(a, b Connection) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return out
}

func aggregate(entries []Connection) TrafficStats {
	stats := make(TrafficStats)
	for _, c := range entries {
		if !c.Attributed() {
			continue
		}
		a := stats[c.Identity]
		a.Identity = c.Identity
		a.BytesIn += c.BytesIn
		a.BytesOut += c.BytesOut
		a.ConnectionCount++
		if c.Timestamp.After(a.LastConnectionTime) {
			a.LastConnectionTime = c.Timestamp
		}
		stats[c.Identity] = a
	}
	return stats
}
