// Package replicaset adds replica-set awareness on top of the
// single-host skiff connection.
//
// Main features:
//
// - Shared background-refreshed topology cache per named replica set.
//
// - Automatic primary discovery with a secondary selection for
// read-capable operations.
package replicaset

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	skiff "github.com/skiffdb/go-skiff"
)

var (
	ErrNoNodes       = errors.New("no known members in replica set")
	ErrHookInstalled = errors.New("change hook already installed")
)

// Member states reported by replSetGetStatus.
const (
	statePrimary   = 1
	stateSecondary = 2
)

// recheckPause separates the two passes of a discovery run.
var recheckPause = 1 * time.Second

// NoPrimaryError is returned by Primary when a discovery run completed
// both passes without identifying a primary.
type NoPrimaryError struct {
	Set string
}

func (e NoPrimaryError) Error() string {
	return fmt.Sprintf("no primary found for replica set %s", e.Set)
}

// ChangeHook is invoked when probing a member grows the membership
// list. It runs at most once per member probe that added nodes, so a
// discovery pass that probes several members may run it more than once.
type ChangeHook func(*Monitor)

// The hook is process-wide, shared by every Monitor.
var (
	hookMutex  sync.Mutex
	changeHook ChangeHook
)

// SetChangeHook installs the process-wide membership change hook.
// Installing a second hook is an error.
func SetChangeHook(hook ChangeHook) error {
	hookMutex.Lock()
	defer hookMutex.Unlock()

	if changeHook != nil {
		return ErrHookInstalled
	}
	changeHook = hook
	return nil
}

func getChangeHook() ChangeHook {
	hookMutex.Lock()
	defer hookMutex.Unlock()
	return changeHook
}

// DialFunc opens a connection to a single member.
type DialFunc func(addr string, opts skiff.Opts) (skiff.Connector, error)

func defaultDial(addr string, opts skiff.Opts) (skiff.Connector, error) {
	return skiff.Connect(addr, opts)
}

// MonitorOpts configures the probe connections of a Monitor.
type MonitorOpts struct {
	// ConnOpts is applied to every probe connection. DialTimeout
	// defaults to skiff.DefaultDialTimeout.
	ConnOpts skiff.Opts
	// Dial overrides how probe connections are opened.
	Dial DialFunc
}

// Monitor tracks the topology of one named replica set: the known
// members, their liveness and the index of the member currently
// believed to be the primary.
//
// A Monitor is shared between every Client of the same set and between
// the background watcher; all methods are safe for concurrent use. The
// node list only ever grows: members discovered from isMaster host
// lists are added and never removed, so node indexes stay valid for
// the Monitor's lifetime.
type Monitor struct {
	name string
	opts MonitorOpts

	// mutex guards nodes and the ok flags. It is never held across
	// network I/O.
	mutex sync.Mutex
	nodes []node

	// master is the index of the believed primary, -1 when unknown.
	// Read atomically without the mutex in fast-path predicates; a
	// stale read at worst triggers an extra discovery run.
	master int32
}

// NewMonitor seeds a Monitor for the named set. Seeds that fail to
// connect are skipped; seeding stops early once a probed seed reports
// itself primary. The returned Monitor may not know the primary yet -
// Primary triggers discovery on demand.
func NewMonitor(name string, seeds []skiff.HostAddress, opts MonitorOpts) *Monitor {
	m := &Monitor{
		name:   name,
		opts:   opts,
		master: -1,
	}
	if m.opts.Dial == nil {
		m.opts.Dial = defaultDial
	}
	if m.opts.ConnOpts.DialTimeout == 0 {
		m.opts.ConnOpts.DialTimeout = skiff.DefaultDialTimeout
	}

	for _, seed := range seeds {
		if m.findAddr(seed) >= 0 {
			continue
		}

		conn, err := m.opts.Dial(seed.String(), m.opts.ConnOpts)
		if err != nil {
			// skip seeds that don't work
			log.Printf("skiff: error connecting to seed %s: %s", seed, err)
			continue
		}

		m.mutex.Lock()
		m.nodes = append(m.nodes, node{addr: seed, conn: conn, ok: true})
		i := len(m.nodes) - 1
		m.mutex.Unlock()

		if isPrimary, _ := m.checkNode(i); isPrimary {
			break
		}
	}

	return m
}

// Name returns the replica set name.
func (m *Monitor) Name() string {
	return m.name
}

// ServerAddress returns the canonical "name/host1:port1,host2:port2"
// form over the current node list.
func (m *Monitor) ServerAddress() string {
	var sb strings.Builder
	if m.name != "" {
		sb.WriteString(m.name)
		sb.WriteString("/")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	for i := range m.nodes {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(m.nodes[i].addr.String())
	}
	return sb.String()
}

// Primary returns the address of the current primary, running a
// discovery pass first when the primary is unknown or marked failed.
func (m *Monitor) Primary() (skiff.HostAddress, error) {
	// Optimistic read; a stale answer costs one extra search.
	if !m.primaryHealthy() {
		m.search()
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	master := int(atomic.LoadInt32(&m.master))
	if master < 0 {
		return skiff.HostAddress{}, NoPrimaryError{Set: m.name}
	}
	return m.nodes[master].addr, nil
}

func (m *Monitor) primaryHealthy() bool {
	master := atomic.LoadInt32(&m.master)
	if master < 0 {
		return false
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if int(master) >= len(m.nodes) {
		return false
	}
	return m.nodes[master].ok
}

// Secondary picks a usable member other than the primary, scanning the
// node list circularly from a random offset. When no secondary
// qualifies it falls back to the first known member, which may be the
// primary itself.
func (m *Monitor) Secondary() (skiff.HostAddress, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.nodes) == 0 {
		return skiff.HostAddress{}, ErrNoNodes
	}

	x := rand.Intn(len(m.nodes))
	master := int(atomic.LoadInt32(&m.master))
	for i := 0; i < len(m.nodes); i++ {
		p := (i + x) % len(m.nodes)
		if p == master {
			continue
		}
		if m.nodes[p].ok {
			return m.nodes[p].addr, nil
		}
	}

	return m.nodes[0].addr, nil
}

// NotifyPrimaryFailure tells the Monitor a caller saw the primary at
// addr fail. A no-op unless addr still is the believed primary.
func (m *Monitor) NotifyPrimaryFailure(addr skiff.HostAddress) {
	if atomic.LoadInt32(&m.master) < 0 {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	master := atomic.LoadInt32(&m.master)
	if master >= 0 && m.nodes[master].addr == addr {
		atomic.StoreInt32(&m.master, -1)
	}
}

// NotifySecondaryFailure tells the Monitor a caller saw the member at
// addr fail.
func (m *Monitor) NotifySecondaryFailure(addr skiff.HostAddress) {
	i := m.findAddr(addr)
	if i < 0 {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.nodes[i].ok = false
}

// Check verifies that the believed primary still reports itself
// primary, and runs full discovery otherwise. Called periodically by
// the background watcher.
func (m *Monitor) Check() {
	master := int(atomic.LoadInt32(&m.master))
	if master >= 0 {
		if isPrimary, _ := m.checkNode(master); isPrimary {
			// current primary is fine, so we're done
			return
		}
	}

	// we either have no primary, or the current one is gone
	m.search()
}

// Close tears down every probe connection. Monitors handed out by
// GetMonitor live for the process and are never closed; this serves
// standalone Monitors only.
func (m *Monitor) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var errs *multierror.Error
	for i := range m.nodes {
		if m.nodes[i].conn == nil {
			continue
		}
		if err := m.nodes[i].conn.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		m.nodes[i].conn = nil
	}
	return errs.ErrorOrNil()
}

// search is the primary-discovery run: up to two passes over all known
// nodes with a pause in between. The first node that reports itself
// primary wins. Once per run, a peer's primary hint short-cuts the
// sequential scan. When both passes fail the believed index is left
// unchanged: Primary reports the failure only if the index was unknown,
// and otherwise keeps returning the previously believed primary.
func (m *Monitor) search() {
	triedQuickCheck := false

	for pass := 0; pass < 2; pass++ {
		if pass > 0 {
			time.Sleep(recheckPause)
		}

		for i := 0; i < m.nodeCount(); i++ {
			isPrimary, hint := m.checkNode(i)
			if isPrimary {
				atomic.StoreInt32(&m.master, int32(i))
				return
			}

			if triedQuickCheck || hint == "" {
				continue
			}
			if x := m.find(hint); x >= 0 {
				triedQuickCheck = true
				if isPrimary, _ := m.checkNode(x); isPrimary {
					atomic.StoreInt32(&m.master, int32(x))
					return
				}
			}
		}
	}
}

// checkNode probes node i: identify it, merge any members it reports,
// refresh liveness from the set status. Returns whether the node
// reports itself primary and the primary hint it gave, if any. Probe
// errors never escape; they are logged and read as "not primary".
func (m *Monitor) checkNode(i int) (isPrimary bool, maybePrimary string) {
	conn := m.probeConn(i)
	if conn == nil {
		return false, ""
	}

	isPrimary, resp, err := conn.IsMaster()
	if err != nil {
		log.Printf("skiff: set %s: identify of %s failed: %s", m.name, conn.Addr(), err)
		return false, ""
	}

	changed := false
	if resp.Has("hosts") {
		if p := resp.Str("primary"); p != "" {
			maybePrimary = p
		}
		changed = m.checkHosts(resp.Strings("hosts")) || changed
	}
	if resp.Has("passives") {
		changed = m.checkHosts(resp.Strings("passives")) || changed
	}

	m.checkStatus(conn)

	if changed {
		if hook := getChangeHook(); hook != nil {
			hook(m)
		}
	}

	return isPrimary, maybePrimary
}

// probeConn returns a usable probe connection for node i, redialing a
// broken or missing one. Returns nil when the member stays unreachable;
// the node record is kept so the next pass can retry.
func (m *Monitor) probeConn(i int) skiff.Connector {
	m.mutex.Lock()
	conn := m.nodes[i].conn
	addr := m.nodes[i].addr
	m.mutex.Unlock()

	if conn != nil && !conn.IsFailed() {
		return conn
	}

	fresh, err := m.opts.Dial(addr.String(), m.opts.ConnOpts)
	if err != nil {
		log.Printf("skiff: set %s: can't reach member %s: %s", m.name, addr, err)
		return nil
	}

	m.mutex.Lock()
	if cur := m.nodes[i].conn; cur != nil && cur != conn && !cur.IsFailed() {
		// lost a redial race, keep the winner's connection
		m.mutex.Unlock()
		fresh.Close()
		return cur
	}
	if conn != nil {
		conn.Close()
	}
	m.nodes[i].conn = fresh
	m.mutex.Unlock()

	return fresh
}

// checkHosts merges unknown members from a host list into the node
// list. Reports whether anything was added.
func (m *Monitor) checkHosts(hosts []string) bool {
	added := false
	for _, h := range hosts {
		addr, err := skiff.ParseHostAddress(h)
		if err != nil {
			log.Printf("skiff: set %s: bad member address %q: %s", m.name, h, err)
			continue
		}
		if m.findAddr(addr) >= 0 {
			continue
		}

		conn, err := m.opts.Dial(addr.String(), m.opts.ConnOpts)
		if err != nil {
			// keep the record anyway, the next pass retries the dial
			log.Printf("skiff: set %s: error connecting to member %s: %s", m.name, addr, err)
			conn = nil
		}

		m.mutex.Lock()
		m.nodes = append(m.nodes, node{addr: addr, conn: conn, ok: true})
		m.mutex.Unlock()

		log.Printf("skiff: updated set (%s) to: %s", m.name, m.ServerAddress())
		added = true
	}
	return added
}

// checkStatus refreshes liveness flags from the replica-set status
// command. Members not yet in the node list are ignored here; a later
// pass picks them up from the host list.
func (m *Monitor) checkStatus(conn skiff.Connector) {
	status, err := conn.RunCommand(skiff.AdminDB, skiff.Doc{"replSetGetStatus": 1})
	if err != nil {
		log.Printf("skiff: set %s: status of %s failed: %s", m.name, conn.Addr(), err)
		return
	}

	for _, member := range status.Docs("members") {
		i := m.find(member.Str("name"))
		if i < 0 {
			continue
		}

		health, _ := member.Num("health")
		state, _ := member.Num("state")
		usable := health == 1 && (state == statePrimary || state == stateSecondary)

		m.mutex.Lock()
		m.nodes[i].ok = usable
		m.mutex.Unlock()
	}
}

func (m *Monitor) nodeCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.nodes)
}

// find locates a member by its "host:port" string form.
func (m *Monitor) find(host string) int {
	addr, err := skiff.ParseHostAddress(host)
	if err != nil {
		return -1
	}
	return m.findAddr(addr)
}

func (m *Monitor) findAddr(addr skiff.HostAddress) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for i := range m.nodes {
		if m.nodes[i].addr == addr {
			return i
		}
	}
	return -1
}
