package replicaset

import (
	"log"
	"sync"
	"time"

	skiff "github.com/skiffdb/go-skiff"
)

// Process-wide registry: at most one Monitor per set name, alive for
// the rest of the process once inserted.
var (
	setsMutex sync.Mutex
	sets      = make(map[string]*Monitor)

	watcherOnce sync.Once
)

// watchInterval is the pause between background check rounds.
var watchInterval = 20 * time.Second

// GetMonitor returns the shared Monitor for the named set, creating
// and registering one on first use. The seed list only matters for
// that first call: an already registered Monitor keeps its evolved
// node list and the supplied seeds are ignored.
//
// The first call also launches the background watcher that keeps every
// registered Monitor fresh.
func GetMonitor(name string, seeds []skiff.HostAddress, opts MonitorOpts) *Monitor {
	setsMutex.Lock()
	m := sets[name]
	setsMutex.Unlock()

	if m == nil {
		// Seeding probes the network, so it runs outside the registry
		// lock. A concurrent call for the same name may win the insert;
		// the loser's Monitor is discarded.
		fresh := NewMonitor(name, seeds, opts)

		setsMutex.Lock()
		if existing := sets[name]; existing != nil {
			m = existing
		} else {
			sets[name] = fresh
			m = fresh
		}
		setsMutex.Unlock()

		if m != fresh {
			if err := fresh.Close(); err != nil {
				log.Printf("skiff: closing duplicate monitor for set %s: %s", name, err)
			}
		}
	}

	watcherOnce.Do(func() {
		go watcher()
	})

	return m
}

// CheckAll runs one check round over every registered Monitor. The
// round works off a point-in-time view of the registry: a Monitor
// registered while the round is in flight may be missed until the next
// one.
func CheckAll() {
	seen := make(map[string]bool)

	for {
		var m *Monitor

		setsMutex.Lock()
		for name, candidate := range sets {
			if seen[name] {
				continue
			}
			seen[name] = true
			m = candidate
			break
		}
		setsMutex.Unlock()

		if m == nil {
			break
		}

		m.Check()
	}
}

// watcher is the background job keeping every registered set fresh. It
// runs for the rest of the process.
func watcher() {
	for {
		time.Sleep(watchInterval)
		CheckAll()
	}
}
