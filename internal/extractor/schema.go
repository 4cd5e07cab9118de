package extractor

import "strings"

// Dialect names a source language handled by a registered adapter.
type Dialect string

const (
	DialectPLpgSQL    Dialect = "plpgsql"
	DialectPython     Dialect = "python"
	DialectTypeScript Dialect = "typescript"
	DialectJavaScript Dialect = "javascript"
	DialectRust       Dialect = "rust"
	DialectJava       Dialect = "java"
	DialectGo         Dialect = "go"
)

// NormalizeDialect maps common aliases onto the canonical dialect names.
func NormalizeDialect(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "plpgsql", "pgsql", "postgres", "postgresql", "sql":
		return DialectPLpgSQL
	case "python", "py":
		return DialectPython
	case "typescript", "ts":
		return DialectTypeScript
	case "javascript", "js":
		return DialectJavaScript
	case "rust", "rs":
		return DialectRust
	case "java":
		return DialectJava
	case "go", "golang":
		return DialectGo
	default:
		return Dialect(strings.ToLower(strings.TrimSpace(name)))
	}
}

// SourceUnit is one input file: raw text, declared dialect and origin path.
// Units are treated as immutable once read.
type SourceUnit struct {
	Path    string  `json:"path"`
	Dialect Dialect `json:"dialect"`
	Text    []byte  `json:"-"`
}

// NewSourceUnit copies text so later mutation of the caller's buffer cannot leak into the unit.
func NewSourceUnit(path string, dialect Dialect, text []byte) SourceUnit {
	buf := make([]byte, len(text))
	copy(buf, text)
	return SourceUnit{Path: path, Dialect: dialect, Text: buf}
}

// Span locates a node in its source unit. Lines are 1-based, bytes are 0-based half-open.
type Span struct {
	StartByte int `json:"start_byte" yaml:"start_byte"`
	EndByte   int `json:"end_byte" yaml:"end_byte"`
	StartLine int `json:"start_line" yaml:"start_line"`
	EndLine   int `json:"end_line" yaml:"end_line"`
}

// NodeKind tags the closed set of constructs every adapter maps into.
type NodeKind string

const (
	KindUnit      NodeKind = "unit"      // root of a parse tree
	KindFunction  NodeKind = "function"  // SQL function/procedure or route handler
	KindTable     NodeKind = "table"     // table definition
	KindParameter NodeKind = "parameter" // parameter declaration
	KindDeclare   NodeKind = "declare"   // local variable declaration
	KindAssign    NodeKind = "assign"
	KindBlock     NodeKind = "block"  // nested statement block
	KindIf        NodeKind = "if"     // children are KindBranch
	KindBranch    NodeKind = "branch" // Cond is empty for the else branch
	KindLoop      NodeKind = "loop"
	KindCase      NodeKind = "case"    // children are KindBranch
	KindTry       NodeKind = "try"     // protected block plus handlers
	KindHandler   NodeKind = "handler" // exception handler branch
	KindSelect    NodeKind = "select"
	KindInsert    NodeKind = "insert"
	KindUpdate    NodeKind = "update"
	KindDelete    NodeKind = "delete"
	KindDynamic   NodeKind = "dynamic" // EXECUTE of runtime-built SQL
	KindPerform   NodeKind = "perform"
	KindCursor    NodeKind = "cursor" // OPEN / FETCH / CLOSE
	KindRaise     NodeKind = "raise"  // raise, throw, error return
	KindReturn    NodeKind = "return"
	KindCall      NodeKind = "call"
	KindExit      NodeKind = "exit"  // EXIT / CONTINUE / break
	KindOther     NodeKind = "other" // anything the adapter could not shape
)

// Container reports whether the kind only groups other nodes.
func (k NodeKind) Container() bool {
	switch k {
	case KindUnit, KindFunction, KindBlock, KindBranch, KindHandler:
		return true
	}
	return false
}

// Node is the uniform syntax tree shared by all dialects. Which fields are
// populated depends on Kind; unused fields stay zero.
type Node struct {
	Kind     NodeKind          `json:"kind"`
	Span     Span              `json:"span"`
	Text     string            `json:"text,omitempty"`
	Name     string            `json:"name,omitempty"`
	Type     string            `json:"type,omitempty"`
	Cond     string            `json:"cond,omitempty"`
	Value    string            `json:"value,omitempty"`
	SQL      *SQLInfo          `json:"sql,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
	Children []*Node           `json:"children,omitempty"`
}

// SetMeta lazily allocates Meta.
func (n *Node) SetMeta(key, value string) {
	if value == "" {
		return
	}
	if n.Meta == nil {
		n.Meta = make(map[string]string)
	}
	n.Meta[key] = value
}

// Walk visits n and its descendants depth-first in source order.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// SQLInfo is the decomposition of one SQL statement.
type SQLInfo struct {
	Verb        string       `json:"verb"`
	Tables      []string     `json:"tables,omitempty"`
	Columns     []string     `json:"columns,omitempty"`
	Assignments []Assignment `json:"assignments,omitempty"`
	Into        []string     `json:"into,omitempty"`
	Where       string       `json:"where,omitempty"`
	Aggregates  []string     `json:"aggregates,omitempty"`
	Returning   []string     `json:"returning,omitempty"`
	Conflict    bool         `json:"conflict,omitempty"`
}

// Assignment is one `column = value` pair of an UPDATE SET list or an INSERT row.
type Assignment struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// Tree is the adapter output: the largest parseable tree plus non-fatal warnings.
type Tree struct {
	Unit     SourceUnit `json:"unit"`
	Root     *Node      `json:"root"`
	Warnings []Warning  `json:"warnings,omitempty"`
}

// Partial reports whether any span had to be degraded to an Other node.
func (t *Tree) Partial() bool {
	for _, w := range t.Warnings {
		if w.Code == WarnPartialParse {
			return true
		}
	}
	return false
}

const (
	WarnPartialParse = "partial_parse"
	// WarnSkippedCode marks module-level code that no handler covers.
	WarnSkippedCode  = "skipped_code"
)

// Warning is a non-fatal adapter diagnostic.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Span    Span   `json:"span"`
}
