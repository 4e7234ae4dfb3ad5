package skiff

// Op is a wire operation code.
type Op uint32

const (
	OpCommand Op = iota + 1
	OpQuery
	OpFindOne
	OpInsert
	OpUpdate
	OpDelete
	OpKillCursors
	OpAuth
)

// String returns a readable name of the operation for logs.
func (op Op) String() string {
	switch op {
	case OpCommand:
		return "command"
	case OpQuery:
		return "query"
	case OpFindOne:
		return "findOne"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpKillCursors:
		return "killCursors"
	case OpAuth:
		return "auth"
	}
	return "unknown"
}

// Query flags word.
const (
	// QuerySecondaryOK signals that the caller tolerates a reply
	// served by a secondary.
	QuerySecondaryOK uint32 = 1 << iota
	QueryNoCursorTimeout
	QueryPartialResults
)

// Update flags word.
const (
	UpdateUpsert uint32 = 1 << iota
	UpdateMulti
)

// Delete flags word.
const (
	DeleteSingle uint32 = 1 << iota
)

// AdminDB is the database administrative commands are issued against.
const AdminDB = "admin"

// Packet header keys.
const (
	keyCode = 0x00
	keySync = 0x01
)
