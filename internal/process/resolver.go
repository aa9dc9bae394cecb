package process

import (
	"strconv"
	"sync"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"bearguard/internal/core"
	"bearguard/internal/metrics"
	"bearguard/internal/packet"
	"bearguard/internal/platform"
)

// UnknownUID marks traffic whose owner could not be determined.
const UnknownUID = -1

// cachedIdentity is a UID binding. Misses are cached too (ok=false).
type cachedIdentity struct {
	identity string
	ok       bool
}

// Resolver maps connection tuples to owning UIDs and UIDs to application
// identities. The UID cache lives for the process lifetime and is cleared
// as a whole by Invalidate.
type Resolver struct {
	owners   platform.OwnershipLookup
	packages platform.PackageRegistry

	mu    sync.Mutex // serializes cache writes against Invalidate
	gen   uint64
	cache *cache.Cache
	group singleflight.Group
}

// NewResolver creates a resolver with an empty cache. Either collaborator
// may be nil, in which case the matching lookups always miss.
func NewResolver(owners platform.OwnershipLookup, packages platform.PackageRegistry) *Resolver {
	return &Resolver{
		owners:   owners,
		packages: packages,
		cache:    cache.New(cache.NoExpiration, 0),
	}
}

// ResolveOwnerUID returns the uid holding the socket, or false on any failure.
func (r *Resolver) ResolveOwnerUID(proto packet.Protocol, localAddr string, localPort uint16, remoteAddr string, remotePort uint16) (int, bool) {
	m := metrics.Get()
	if r.owners == nil {
		m.OwnerLookups.WithLabelValues("unsupported").Inc()
		return UnknownUID, false
	}
	uid, err := r.owners.OwnerUID(proto, localAddr, localPort, remoteAddr, remotePort)
	if err != nil || uid < 0 {
		m.OwnerLookups.WithLabelValues("miss").Inc()
		core.Log.Debugf("Process", "No owner for %s %s:%d -> %s:%d: %v",
			proto, localAddr, localPort, remoteAddr, remotePort, err)
		return UnknownUID, false
	}
	m.OwnerLookups.WithLabelValues("hit").Inc()
	return uid, true
}

// ResolveIdentity returns the first application identity registered for uid.
func (r *Resolver) ResolveIdentity(uid int) (string, bool) {
	if uid < 0 {
		return "", false
	}
	key := strconv.Itoa(uid)
	if v, found := r.cache.Get(key); found {
		metrics.Get().IdentityLookup.WithLabelValues("hit").Inc()
		c := v.(cachedIdentity)
		return c.identity, c.ok
	}
	metrics.Get().IdentityLookup.WithLabelValues("miss").Inc()

	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()

	// Concurrent first packets of one app share a single registry query.
	v, _, _ := r.group.Do(strconv.FormatUint(gen, 10)+"/"+key, func() (any, error) {
		c := r.lookup(uid)
		r.mu.Lock()
		if r.gen == gen {
			r.cache.Set(key, c, cache.NoExpiration)
		}
		r.mu.Unlock()
		return c, nil
	})
	c := v.(cachedIdentity)
	return c.identity, c.ok
}

func (r *Resolver) lookup(uid int) cachedIdentity {
	if r.packages == nil {
		return cachedIdentity{}
	}
	ids, err := r.packages.PackagesForUID(uid)
	if err != nil {
		core.Log.Debugf("Process", "Package lookup for uid %d failed: %v", uid, err)
		return cachedIdentity{}
	}
	if len(ids) == 0 || ids[0] == "" {
		return cachedIdentity{}
	}
	return cachedIdentity{identity: ids[0], ok: true}
}

// Resolve combines owner and identity lookup for one tuple.
func (r *Resolver) Resolve(proto packet.Protocol, localAddr string, localPort uint16, remoteAddr string, remotePort uint16) (uid int, identity string) {
	uid, ok := r.ResolveOwnerUID(proto, localAddr, localPort, remoteAddr, remotePort)
	if !ok {
		return UnknownUID, ""
	}
	identity, _ = r.ResolveIdentity(uid)
	return uid, identity
}

// Invalidate clears the entire UID cache. Lookups already in flight are not
// stored.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.gen++
	r.cache.Flush()
	r.mu.Unlock()
	metrics.Get().CachePurges.Inc()
	core.Log.Debugf("Process", "UID cache cleared")
}

// CacheSize returns the number of cached UID bindings.
func (r *Resolver) CacheSize() int {
	return r.cache.ItemCount()
}
