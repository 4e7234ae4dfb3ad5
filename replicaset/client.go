package replicaset

import (
	"errors"
	"fmt"
	"log"

	"github.com/hashicorp/go-multierror"

	skiff "github.com/skiffdb/go-skiff"
)

// ClientOpts configures a Client.
type ClientOpts struct {
	// ConnOpts is applied to the user connections (primary and
	// secondary). MaxReconnects defaults to 2 so a freshly elected
	// primary that is still opening its port gets a second chance.
	ConnOpts skiff.Opts
	// MonitorOpts configures the probe connections of the shared
	// Monitor. Ignored when the Monitor for the set already exists.
	MonitorOpts MonitorOpts
	// Dial overrides how user connections are opened.
	Dial DialFunc
}

type authInfo struct {
	db       string
	user     string
	password string
	digest   bool
}

// Client routes operations over a replica set: writes and commands go
// to the primary, reads flagged with skiff.QuerySecondaryOK are served
// by a secondary when one is usable. Which physical member serves a
// call is hidden from the caller.
//
// A Client consults the shared Monitor of its set for member identity
// and owns at most two user connections (primary, secondary), replaced
// on failure. Every fresh user connection replays the cached
// credentials before user traffic flows through it.
//
// A Client is meant to be owned by one caller at a time; the Monitor
// behind it is shared and safe for concurrent use.
type Client struct {
	monitor *Monitor
	opts    ClientOpts

	primary     skiff.Connector
	primaryAddr skiff.HostAddress

	secondary     skiff.Connector
	secondaryAddr skiff.HostAddress

	// auths is append-only; replay order equals insertion order.
	auths []authInfo
}

// NewClient creates a Client for the named set, fetching (or creating)
// the shared Monitor. No user connection is opened yet; Connect does
// that eagerly, any operation does it lazily.
func NewClient(name string, seeds []skiff.HostAddress, opts ClientOpts) *Client {
	if opts.Dial == nil {
		opts.Dial = defaultDial
	}
	if opts.ConnOpts.MaxReconnects == 0 {
		opts.ConnOpts.MaxReconnects = 2
	}

	return &Client{
		monitor: GetMonitor(name, seeds, opts.MonitorOpts),
		opts:    opts,
	}
}

// Monitor returns the shared Monitor the Client consults.
func (c *Client) Monitor() *Monitor {
	return c.monitor
}

// ServerAddress returns the canonical address form of the underlying
// set.
func (c *Client) ServerAddress() string {
	return c.monitor.ServerAddress()
}

// Connect eagerly establishes the primary connection. It returns false
// instead of an error; when no primary was found the Monitor is told
// about the last known one so the next discovery starts clean.
func (c *Client) Connect() bool {
	if _, err := c.checkPrimary(); err != nil {
		var noPrimary NoPrimaryError
		if errors.As(err, &noPrimary) && !c.primaryAddr.Empty() {
			c.monitor.NotifyPrimaryFailure(c.primaryAddr)
		}
		return false
	}
	return true
}

// Auth authenticates against db on the primary. Only credentials that
// worked are cached for replay on future connections.
func (c *Client) Auth(db, user, password string, digest bool) error {
	conn, err := c.checkPrimary()
	if err != nil {
		return err
	}

	// first make sure it actually works
	if err := conn.Auth(db, user, password, digest); err != nil {
		return err
	}

	// now that it does, save it so a fresh connection can be replayed
	c.auths = append(c.auths, authInfo{db: db, user: user, password: password, digest: digest})
	return nil
}

// Close tears down the user connections. The shared Monitor stays
// alive for other Clients of the set.
func (c *Client) Close() error {
	var errs *multierror.Error
	if c.primary != nil {
		if err := c.primary.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.primary = nil
	}
	if c.secondary != nil {
		if err := c.secondary.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.secondary = nil
	}
	return errs.ErrorOrNil()
}

// PrimaryConn returns a healthy connection to the current primary.
func (c *Client) PrimaryConn() (skiff.Connector, error) {
	return c.checkPrimary()
}

// SecondaryConn returns a healthy connection to a selected secondary.
func (c *Client) SecondaryConn() (skiff.Connector, error) {
	return c.checkSecondary()
}

// checkPrimary reuses the cached primary connection when the Monitor
// still names the same address and the connection is healthy.
// Otherwise the Monitor learns about the failure, the (possibly new)
// primary is fetched and a fresh authenticated connection replaces the
// cached one.
func (c *Client) checkPrimary() (skiff.Connector, error) {
	addr, err := c.monitor.Primary()
	if err != nil {
		return nil, err
	}

	if c.primary != nil && addr == c.primaryAddr {
		if !c.primary.IsFailed() {
			return c.primary, nil
		}
		c.monitor.NotifyPrimaryFailure(c.primaryAddr)

		addr, err = c.monitor.Primary()
		if err != nil {
			return nil, err
		}
	}

	conn, err := c.opts.Dial(addr.String(), c.opts.ConnOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to primary %s: %w", addr, err)
	}
	if c.primary != nil {
		c.primary.Close()
	}
	c.applyAuths(conn)
	c.primary = conn
	c.primaryAddr = addr

	return conn, nil
}

// checkSecondary reuses the cached secondary connection while it is
// healthy. On failure the Monitor is notified so the next selection
// avoids the member, and a fresh authenticated connection to the newly
// selected secondary replaces the cached one.
func (c *Client) checkSecondary() (skiff.Connector, error) {
	if c.secondary != nil {
		if !c.secondary.IsFailed() {
			return c.secondary, nil
		}
		c.monitor.NotifySecondaryFailure(c.secondaryAddr)
	}

	addr, err := c.monitor.Secondary()
	if err != nil {
		return nil, err
	}

	if c.secondary == nil || c.secondary.IsFailed() || addr != c.secondaryAddr {
		conn, err := c.opts.Dial(addr.String(), c.opts.ConnOpts)
		if err != nil {
			return nil, fmt.Errorf("connecting to secondary %s: %w", addr, err)
		}
		if c.secondary != nil {
			c.secondary.Close()
		}
		c.applyAuths(conn)
		c.secondary = conn
		c.secondaryAddr = addr
	}

	return c.secondary, nil
}

// applyAuths replays every cached credential, in insertion order, on a
// fresh connection. Failures are logged and do not fail the
// connection.
func (c *Client) applyAuths(conn skiff.Connector) {
	var errs *multierror.Error
	for _, a := range c.auths {
		if err := conn.Auth(a.db, a.user, a.password, a.digest); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("db %s user %s: %w", a.db, a.user, err))
		}
	}
	if errs.ErrorOrNil() != nil {
		log.Printf("skiff: cached auth failed for set %s: %s", c.monitor.Name(), errs)
	}
}

// dropSecondary throws the cached secondary away after an operation on
// it failed, so the next attempt selects a different member.
func (c *Client) dropSecondary() {
	if c.secondary == nil {
		return
	}
	c.monitor.NotifySecondaryFailure(c.secondaryAddr)
	c.secondary.Close()
	c.secondary = nil
}

// Insert stores a document through the primary.
func (c *Client) Insert(ns string, doc skiff.Doc) error {
	conn, err := c.checkPrimary()
	if err != nil {
		return err
	}
	return conn.Insert(ns, doc)
}

// InsertMany stores a batch of documents through the primary.
func (c *Client) InsertMany(ns string, docs []skiff.Doc) error {
	conn, err := c.checkPrimary()
	if err != nil {
		return err
	}
	return conn.InsertMany(ns, docs)
}

// Update applies an update through the primary.
func (c *Client) Update(ns string, selector, update skiff.Doc, flags uint32) error {
	conn, err := c.checkPrimary()
	if err != nil {
		return err
	}
	return conn.Update(ns, selector, update, flags)
}

// Remove deletes documents through the primary.
func (c *Client) Remove(ns string, selector skiff.Doc, flags uint32) error {
	conn, err := c.checkPrimary()
	if err != nil {
		return err
	}
	return conn.Remove(ns, selector, flags)
}

// KillCursors releases server-side cursors through the primary.
func (c *Client) KillCursors(ids ...int64) error {
	conn, err := c.checkPrimary()
	if err != nil {
		return err
	}
	return conn.KillCursors(ids...)
}

// RunCommand runs a command through the primary.
func (c *Client) RunCommand(db string, cmd skiff.Doc) (skiff.Doc, error) {
	conn, err := c.checkPrimary()
	if err != nil {
		return nil, err
	}
	return conn.RunCommand(db, cmd)
}

// Query runs a filter against a namespace. With QuerySecondaryOK set,
// two secondaries are tried before the primary serves the read.
func (c *Client) Query(ns string, filter, fields skiff.Doc, limit, skip int32, flags uint32) ([]skiff.Doc, int64, error) {
	if flags&skiff.QuerySecondaryOK != 0 {
		for i := 0; i < 2; i++ {
			conn, err := c.checkSecondary()
			if err != nil {
				log.Printf("skiff: can't reach a secondary of set %s: %s", c.monitor.Name(), err)
				continue
			}
			docs, cursor, err := conn.Query(ns, filter, fields, limit, skip, flags)
			if err == nil {
				return docs, cursor, nil
			}
			log.Printf("skiff: can't query secondary %s of set %s: %s", c.secondaryAddr, c.monitor.Name(), err)
			c.dropSecondary()
		}
	}

	conn, err := c.checkPrimary()
	if err != nil {
		return nil, 0, err
	}
	return conn.Query(ns, filter, fields, limit, skip, flags)
}

// FindOne returns the first matching document. With QuerySecondaryOK
// set, two secondaries are tried before the primary serves the read.
func (c *Client) FindOne(ns string, filter, fields skiff.Doc, flags uint32) (skiff.Doc, error) {
	if flags&skiff.QuerySecondaryOK != 0 {
		for i := 0; i < 2; i++ {
			conn, err := c.checkSecondary()
			if err != nil {
				log.Printf("skiff: can't reach a secondary of set %s: %s", c.monitor.Name(), err)
				continue
			}
			doc, err := conn.FindOne(ns, filter, fields, flags)
			if err == nil {
				return doc, nil
			}
			log.Printf("skiff: can't query secondary %s of set %s: %s", c.secondaryAddr, c.monitor.Name(), err)
			c.dropSecondary()
		}
	}

	conn, err := c.checkPrimary()
	if err != nil {
		return nil, err
	}
	return conn.FindOne(ns, filter, fields, flags)
}

// Call forwards a raw wire call. Queries whose flags carry
// QuerySecondaryOK take the secondary path with the same two-attempt
// fallback as Query.
func (c *Client) Call(code skiff.Op, body skiff.Doc) (*skiff.Response, error) {
	if code == skiff.OpQuery || code == skiff.OpFindOne {
		flags, _ := body.Num("flags")
		if uint32(flags)&skiff.QuerySecondaryOK != 0 {
			for i := 0; i < 2; i++ {
				conn, err := c.checkSecondary()
				if err != nil {
					log.Printf("skiff: can't reach a secondary of set %s: %s", c.monitor.Name(), err)
					continue
				}
				resp, err := conn.Call(code, body)
				if err == nil {
					return resp, nil
				}
				log.Printf("skiff: can't query secondary %s of set %s: %s", c.secondaryAddr, c.monitor.Name(), err)
				c.dropSecondary()
			}
		}
	}

	conn, err := c.checkPrimary()
	if err != nil {
		return nil, err
	}
	return conn.Call(code, body)
}
