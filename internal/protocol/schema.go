package protocol

// fieldSpec describes one command field at the decode boundary.
type fieldSpec struct {
	name     string // used in error reports
	key      string // JSON object key; empty for positional fields
	maxLen   int
	required bool
}

// opSpec maps a wire operation to its fields and the command they build.
// build receives one value per field, in table order.
type opSpec struct {
	op     Op
	name   string
	fields []fieldSpec
	build  func(v []string) Command
}

var fileFields = []fieldSpec{
	{name: "root", maxLen: MaxPathLen, required: true},
	{name: "roothash", maxLen: MaxHashLen, required: true},
	{name: "leaf", maxLen: MaxPathLen, required: true},
	{name: "leafhash", maxLen: MaxHashLen, required: true},
}

func fileEvent(v []string) FileEvent {
	return FileEvent{Root: v[0], RootHash: v[1], Leaf: v[2], LeafHash: v[3]}
}

var legacyOps = []opSpec{
	{op: OpAdded, name: "added", fields: fileFields, build: func(v []string) Command { return Added{fileEvent(v)} }},
	{op: OpChanged, name: "changed", fields: fileFields, build: func(v []string) Command { return Changed{fileEvent(v)} }},
	{op: OpRemoved, name: "removed", fields: fileFields, build: func(v []string) Command { return Removed{fileEvent(v)} }},
	{op: OpShutdown, name: "shutdown", build: func([]string) Command { return Shutdown{} }},
}

var pathFields = []fieldSpec{
	{name: "path", key: "path", maxLen: MaxPathLen, required: true},
}

var queryFields = []fieldSpec{
	{name: "queryid", key: "queryId", maxLen: MaxQueryIDLen, required: true},
	{name: "terms", key: "terms", maxLen: MaxQueryTermsLen, required: true},
	{name: "repofilter", key: "repoFilter", maxLen: MaxPathLen},
}

var jsonOps = []opSpec{
	{op: OpAdd, name: "add", fields: pathFields, build: func(v []string) Command { return Add{Path: v[0]} }},
	{op: OpRemove, name: "remove", fields: pathFields, build: func(v []string) Command { return Remove{Path: v[0]} }},
	{op: OpQuery, name: "query", fields: queryFields, build: func(v []string) Command {
		return Query{QueryID: v[0], Terms: v[1], RepoFilter: v[2]}
	}},
	{op: OpShutdown, name: "shutdown", build: func([]string) Command { return Shutdown{} }},
}

func findOp(table []opSpec, name string) *opSpec {
	for i := range table {
		if table[i].name == name {
			return &table[i]
		}
	}
	return nil
}
