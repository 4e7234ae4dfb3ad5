package skiff

// Connector is the single-host client surface. *Connection implements
// it; replica-set routing code depends on this interface only, so the
// transport can be substituted in tests.
type Connector interface {
	// Addr returns the address the connector is bound to.
	Addr() string
	// IsFailed reports whether the connection is unusable.
	IsFailed() bool
	// Close releases the underlying transport.
	Close() error

	// Auth authenticates against db.
	Auth(db, user, password string, digest bool) error
	// IsMaster runs the identify-yourself command.
	IsMaster() (bool, Doc, error)
	// RunCommand runs a command document against db.
	RunCommand(db string, cmd Doc) (Doc, error)

	Query(ns string, filter, fields Doc, limit, skip int32, flags uint32) ([]Doc, int64, error)
	FindOne(ns string, filter, fields Doc, flags uint32) (Doc, error)
	Insert(ns string, doc Doc) error
	InsertMany(ns string, docs []Doc) error
	Update(ns string, selector, update Doc, flags uint32) error
	Remove(ns string, selector Doc, flags uint32) error
	KillCursors(ids ...int64) error
	Call(code Op, body Doc) (*Response, error)
}

var _ Connector = (*Connection)(nil)
