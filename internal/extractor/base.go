package extractor

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnsupportedDialect is returned for units whose dialect has no registered adapter.
var ErrUnsupportedDialect = errors.New("unsupported dialect")

// ParseError is fatal to one unit: the adapter could not recover any tree.
type ParseError struct {
	Path string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Msg)
}

// LanguageAdapter maps one dialect's native syntax into the uniform Node tree.
// Implementations must be pure functions of the input bytes.
type LanguageAdapter interface {
	Dialect() Dialect
	Parse(ctx context.Context, unit SourceUnit) (*Tree, error)
}
