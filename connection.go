// Package skiff implements a client for the Skiff replicated document
// database. It provides the single-host connection, the document model
// and the wire protocol; replica-set aware routing lives in the
// replicaset subpackage.
package skiff

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	// DefaultDialTimeout bounds the initial network dial when
	// Opts.DialTimeout is not set.
	DefaultDialTimeout = 5 * time.Second

	bufSize = 128 * 1024
)

// Connection states.
const (
	connDisconnected = uint32(iota)
	connConnected
	connClosed
)

// Opts is a way to configure a Connection.
type Opts struct {
	// Timeout is a timeout per a network read/write.
	Timeout time.Duration
	// DialTimeout is a timeout for the initial network dial.
	DialTimeout time.Duration
	// Reconnect is the initial pause between redial attempts.
	Reconnect time.Duration
	// MaxReconnects is the number of additional dial attempts after the
	// first one fails. Zero means a single attempt.
	MaxReconnects uint
	// Transport is a connect transport type ("" or "ssl").
	Transport string
	// Ssl configures the "ssl" transport.
	Ssl SslOpts
	// Dialer overrides the network dialer.
	Dialer Dialer
	// Logger receives connection events. SimpleLogger is used when nil.
	Logger Logger
}

// Clone returns a copy of the Opts object.
func (opts Opts) Clone() Opts {
	optsCopy := opts

	return optsCopy
}

// Connection is a synchronous connection to a single Skiff instance.
//
// A Connection serialises requests through an internal mutex, but it is
// meant to be driven by one caller at a time: replica-set clients own
// their connections exclusively.
type Connection struct {
	addr string
	opts Opts
	id   uuid.UUID

	mutex    sync.Mutex
	c        net.Conn
	r        *bufio.Reader
	w        writeFlusher
	greeting Greeting
	sync     uint32
	state    uint32
}

// Connect dials a single Skiff instance and reads its greeting.
func Connect(addr string, opts Opts) (*Connection, error) {
	conn := &Connection{
		addr: addr,
		opts: opts,
		id:   uuid.New(),
	}
	if conn.opts.DialTimeout == 0 {
		conn.opts.DialTimeout = DefaultDialTimeout
	}
	if conn.opts.Reconnect == 0 {
		conn.opts.Reconnect = 100 * time.Millisecond
	}
	if conn.opts.Dialer == nil {
		conn.opts.Dialer = NetDialer{}
	}
	if conn.opts.Logger == nil {
		conn.opts.Logger = SimpleLogger{}
	}

	if err := conn.dial(); err != nil {
		conn.opts.Logger.Report(ConnectionFailedEvent{newBaseEvent(addr), err}, conn)
		return nil, err
	}

	return conn, nil
}

func (conn *Connection) dial() error {
	attempt := func() error {
		nc, err := conn.opts.Dialer.Dial(conn.addr, DialOpts{
			DialTimeout: conn.opts.DialTimeout,
			IoTimeout:   conn.opts.Timeout,
			Transport:   conn.opts.Transport,
			Ssl:         conn.opts.Ssl,
		})
		if err != nil {
			return fmt.Errorf("failed to dial: %w", err)
		}

		dc := &deadlineIO{to: conn.opts.Timeout, c: nc}
		r := bufio.NewReaderSize(dc, bufSize)
		w := bufio.NewWriterSize(dc, bufSize)

		version, salt, err := readGreeting(r)
		if err != nil {
			nc.Close()
			return fmt.Errorf("failed to read greeting: %w", err)
		}

		conn.mutex.Lock()
		conn.c = nc
		conn.r = r
		conn.w = w
		conn.greeting = Greeting{Version: version, salt: salt}
		conn.mutex.Unlock()
		atomic.StoreUint32(&conn.state, connConnected)
		return nil
	}

	if conn.opts.MaxReconnects == 0 {
		return attempt()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = conn.opts.Reconnect
	bo.MaxElapsedTime = 0
	return backoff.Retry(attempt, backoff.WithMaxRetries(bo, uint64(conn.opts.MaxReconnects)))
}

// Addr returns the address this connection was dialed to.
func (conn *Connection) Addr() string {
	return conn.addr
}

// Greeting returns the server greeting read on connect.
func (conn *Connection) Greeting() Greeting {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	return conn.greeting
}

// IsFailed reports whether the connection is unusable: it either broke
// on a network error or was closed.
func (conn *Connection) IsFailed() bool {
	return atomic.LoadUint32(&conn.state) != connConnected
}

// Close closes the connection. It is safe to call more than once.
func (conn *Connection) Close() error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	if atomic.LoadUint32(&conn.state) == connClosed {
		return nil
	}
	atomic.StoreUint32(&conn.state, connClosed)

	if conn.c != nil {
		return conn.c.Close()
	}
	return nil
}

func (conn *Connection) stateToString() string {
	switch atomic.LoadUint32(&conn.state) {
	case connConnected:
		return "connected"
	case connClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// fail marks the connection broken and tears the socket down. Called
// with the mutex held.
func (conn *Connection) fail(err error) {
	if atomic.LoadUint32(&conn.state) == connClosed {
		return
	}
	atomic.StoreUint32(&conn.state, connDisconnected)
	if conn.c != nil {
		conn.c.Close()
	}
	conn.opts.Logger.Report(DisconnectedEvent{newBaseEvent(conn.addr), err}, conn)
}

// Call performs a single request/response exchange with an arbitrary
// operation code and body.
func (conn *Connection) Call(code Op, body Doc) (*Response, error) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()

	if atomic.LoadUint32(&conn.state) != connConnected {
		return nil, ClientError{ErrConnectionNotReady, "connection is not ready"}
	}

	conn.sync++
	sync := conn.sync

	if err := writePacket(conn.w, code, sync, body); err != nil {
		conn.fail(err)
		return nil, ClientError{ErrConnectionClosed, "failed to send request: " + err.Error()}
	}

	resp, err := readResponse(conn.r)
	if err != nil {
		conn.fail(err)
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, ClientError{ErrTimeouted, "request timed out"}
		}
		if clierr, ok := err.(ClientError); ok {
			return nil, clierr
		}
		return nil, ClientError{ErrConnectionClosed, "failed to read response: " + err.Error()}
	}

	if resp.Sync != sync {
		conn.opts.Logger.Report(UnexpectedResponseIdEvent{
			baseEvent:  newBaseEvent(conn.addr),
			RequestId:  sync,
			ResponseId: resp.Sync,
		}, conn)
		conn.fail(fmt.Errorf("response id %d does not match request id %d", resp.Sync, sync))
		return nil, ClientError{ErrProtocolError, "response id mismatch"}
	}

	// A server-side error leaves the connection usable.
	if err := serverError(resp.Body); err != nil {
		return resp, err
	}
	return resp, nil
}

// Auth authenticates against db. With digest set the password leaves
// the client only as a salted scramble.
func (conn *Connection) Auth(db, user, password string, digest bool) error {
	body := Doc{"db": db, "user": user}
	if digest {
		conn.mutex.Lock()
		salt := conn.greeting.salt
		conn.mutex.Unlock()
		body["scramble"] = scramblePassword(salt, password)
	} else {
		body["password"] = password
	}

	_, err := conn.Call(OpAuth, body)
	return err
}

// IsMaster runs the identify-yourself command and reports whether the
// instance believes it is the primary, along with the full reply.
func (conn *Connection) IsMaster() (bool, Doc, error) {
	resp, err := conn.RunCommand(AdminDB, Doc{"isMaster": 1})
	if err != nil {
		return false, resp, err
	}
	return resp.Bool("isMaster"), resp, nil
}

// RunCommand runs a command document against db and returns the reply
// body.
func (conn *Connection) RunCommand(db string, cmd Doc) (Doc, error) {
	resp, err := conn.Call(OpCommand, Doc{"db": db, "command": cmd})
	if resp == nil {
		return nil, err
	}
	return resp.Body, err
}

// Query runs a filter against a namespace and returns the first batch
// of matching documents plus a cursor id (zero when the result set is
// exhausted).
func (conn *Connection) Query(ns string, filter, fields Doc, limit, skip int32, flags uint32) ([]Doc, int64, error) {
	body := Doc{
		"ns":    ns,
		"limit": limit,
		"skip":  skip,
		"flags": flags,
	}
	if filter != nil {
		body["filter"] = filter
	}
	if fields != nil {
		body["fields"] = fields
	}

	resp, err := conn.Call(OpQuery, body)
	if err != nil {
		return nil, 0, err
	}
	cursor, _ := resp.Body.Num("cursorId")
	return resp.Body.Docs("docs"), int64(cursor), nil
}

// FindOne returns the first document matching the filter, or nil.
func (conn *Connection) FindOne(ns string, filter, fields Doc, flags uint32) (Doc, error) {
	body := Doc{
		"ns":    ns,
		"flags": flags,
	}
	if filter != nil {
		body["filter"] = filter
	}
	if fields != nil {
		body["fields"] = fields
	}

	resp, err := conn.Call(OpFindOne, body)
	if err != nil {
		return nil, err
	}
	return resp.Body.Doc("doc"), nil
}

// Insert stores a single document in a namespace.
func (conn *Connection) Insert(ns string, doc Doc) error {
	_, err := conn.Call(OpInsert, Doc{"ns": ns, "docs": []Doc{doc}})
	return err
}

// InsertMany stores a batch of documents in a namespace.
func (conn *Connection) InsertMany(ns string, docs []Doc) error {
	_, err := conn.Call(OpInsert, Doc{"ns": ns, "docs": docs})
	return err
}

// Update applies an update document to everything the selector matches.
func (conn *Connection) Update(ns string, selector, update Doc, flags uint32) error {
	_, err := conn.Call(OpUpdate, Doc{
		"ns":       ns,
		"selector": selector,
		"update":   update,
		"flags":    flags,
	})
	return err
}

// Remove deletes documents matching the selector.
func (conn *Connection) Remove(ns string, selector Doc, flags uint32) error {
	_, err := conn.Call(OpDelete, Doc{
		"ns":       ns,
		"selector": selector,
		"flags":    flags,
	})
	return err
}

// KillCursors releases server-side cursors.
func (conn *Connection) KillCursors(ids ...int64) error {
	_, err := conn.Call(OpKillCursors, Doc{"cursors": ids})
	return err
}
