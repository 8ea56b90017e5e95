// Package protocol decodes the command stream written to the malachi
// command pipe.
//
// Two mutually exclusive wire formats exist. The legacy format frames
// records with ASCII control separators; the current format prefixes each
// JSON object with a 4-byte little-endian length. Both decoders produce the
// same Command sum type.
package protocol

// Op identifies a command variant.
type Op int

const (
	OpUnknown Op = iota
	// Legacy text protocol.
	OpAdded
	OpChanged
	OpRemoved
	// JSON protocol.
	OpAdd
	OpRemove
	OpQuery
	// Shared.
	OpShutdown
)

// String returns the wire name of the operation.
func (o Op) String() string {
	switch o {
	case OpAdded:
		return "added"
	case OpChanged:
		return "changed"
	case OpRemoved:
		return "removed"
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpQuery:
		return "query"
	case OpShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Field size limits in bytes.
const (
	MaxPathLen       = 4095
	MaxHashLen       = 64
	MaxOpLen         = 15
	MaxQueryIDLen    = 63
	MaxQueryTermsLen = 4095

	// MaxFields is the most fields one legacy record may hold, the
	// operation name included.
	MaxFields = 5

	// MaxRecordSize bounds a legacy record between separators.
	MaxRecordSize = (MaxOpLen + 1) + 2*(MaxPathLen+1) + 2*(MaxHashLen+1) + MaxFields
)

// Command is one decoded protocol operation. The concrete type determines
// which fields exist.
type Command interface {
	Op() Op
	isCommand()
}

// FileEvent is the payload shared by the legacy file notifications.
type FileEvent struct {
	Root     string // repository root path
	RootHash string // repository head commit
	Leaf     string // file path
	LeafHash string // file blob hash
}

// Added reports a new file in a watched repository.
type Added struct{ FileEvent }

// Changed reports a modified file in a watched repository.
type Changed struct{ FileEvent }

// Removed reports a deleted file in a watched repository.
type Removed struct{ FileEvent }

// Add asks the daemon to index the repository at Path.
type Add struct {
	Path string
}

// Remove asks the daemon to forget the repository at Path.
type Remove struct {
	Path string
}

// Query is a search request. RepoFilter is empty when the client did not
// restrict the search to one repository.
type Query struct {
	QueryID    string
	Terms      string
	RepoFilter string
}

// Shutdown asks the daemon to stop.
type Shutdown struct{}

func (Added) Op() Op    { return OpAdded }
func (Changed) Op() Op  { return OpChanged }
func (Removed) Op() Op  { return OpRemoved }
func (Add) Op() Op      { return OpAdd }
func (Remove) Op() Op   { return OpRemove }
func (Query) Op() Op    { return OpQuery }
func (Shutdown) Op() Op { return OpShutdown }

func (Added) isCommand()    {}
func (Changed) isCommand()  {}
func (Removed) isCommand()  {}
func (Add) isCommand()      {}
func (Remove) isCommand()   {}
func (Query) isCommand()    {}
func (Shutdown) isCommand() {}
