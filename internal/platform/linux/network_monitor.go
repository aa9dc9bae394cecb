//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"bearguard/internal/core"
)

const networkDebounce = 500 * time.Millisecond

// mobilePrefixes are interface name prefixes of cellular modems.
var mobilePrefixes = []string{"wwan", "rmnet", "ppp", "usb", "ccmni", "wwp"}

// ClassifyInterface maps the interface carrying the default route to a
// network type. An empty name means there is no default route.
func ClassifyInterface(name string, wireless bool) core.NetworkType {
	if name == "" {
		return core.NetworkNone
	}
	if wireless {
		return core.NetworkWiFi
	}
	for _, p := range mobilePrefixes {
		if strings.HasPrefix(name, p) {
			return core.NetworkMobile
		}
	}
	// Wired uplinks are unmetered and follow the Wi-Fi permission.
	return core.NetworkWiFi
}

// NetworkMonitor tracks the default route through rtnetlink and publishes
// the resulting network type.
type NetworkMonitor struct {
	*core.Watchable[core.NetworkType]

	done chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// NewNetworkMonitor classifies the current default route and starts
// listening for route changes.
func NewNetworkMonitor() (*NetworkMonitor, error) {
	nm := &NetworkMonitor{
		Watchable: core.NewWatchable(detectNetwork()),
		done:      make(chan struct{}),
	}

	updates := make(chan netlink.RouteUpdate, 64)
	if err := netlink.RouteSubscribe(updates, nm.done); err != nil {
		return nil, fmt.Errorf("[Network] route subscribe: %w", err)
	}

	nm.wg.Add(1)
	go nm.loop(updates)
	core.Log.Infof("Network", "Network monitor started (%s)", nm.Get())
	return nm, nil
}

func (nm *NetworkMonitor) loop(updates <-chan netlink.RouteUpdate) {
	defer nm.wg.Done()
	for {
		select {
		case <-nm.done:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Dst != nil {
				if ones, _ := u.Dst.Mask.Size(); ones != 0 {
					continue
				}
			}
			if u.Table != 0 && u.Table != unix.RT_TABLE_MAIN {
				continue
			}
			nm.trigger()
		}
	}
}

// trigger collapses bursts of route messages into one re-evaluation.
func (nm *NetworkMonitor) trigger() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.timer != nil {
		nm.timer.Stop()
	}
	nm.timer = time.AfterFunc(networkDebounce, func() {
		select {
		case <-nm.done:
			return
		default:
		}
		n := detectNetwork()
		if n != nm.Get() {
			core.Log.Infof("Network", "Active network: %s", n)
			nm.Set(n)
		}
	})
}

// Close stops listening.
func (nm *NetworkMonitor) Close() error {
	close(nm.done)
	nm.mu.Lock()
	if nm.timer != nil {
		nm.timer.Stop()
	}
	nm.mu.Unlock()
	nm.wg.Wait()
	core.Log.Infof("Network", "Network monitor stopped")
	return nil
}

// detectNetwork picks the main-table default route with the lowest metric.
func detectNetwork() core.NetworkType {
	filter := &netlink.Route{Table: unix.RT_TABLE_MAIN}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, filter, netlink.RT_FILTER_TABLE)
	if err != nil {
		core.Log.Warnf("Network", "Route list: %v", err)
		return core.NetworkNone
	}

	best := -1
	bestMetric := 0
	for i, r := range routes {
		if r.Dst != nil {
			if ones, _ := r.Dst.Mask.Size(); ones != 0 {
				continue
			}
		}
		if r.LinkIndex == 0 {
			continue
		}
		if best < 0 || r.Priority < bestMetric {
			best, bestMetric = i, r.Priority
		}
	}
	if best < 0 {
		return ClassifyInterface("", false)
	}

	link, err := netlink.LinkByIndex(routes[best].LinkIndex)
	if err != nil {
		return core.NetworkNone
	}
	name := link.Attrs().Name
	return ClassifyInterface(name, isWireless(name))
}

func isWireless(name string) bool {
	_, err := os.Stat(filepath.Join("/sys/class/net", name, "wireless"))
	return err == nil
}
