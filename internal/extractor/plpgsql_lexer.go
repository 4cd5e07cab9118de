package extractor

import (
	"sort"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokNumber
	tokString
	tokDollarString
	tokParam
	tokOp
	tokSemicolon
	tokComma
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLabelOpen  // <<
	tokLabelClose // >>
)

type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
	line  int
}

// is matches identifiers case-insensitively against a keyword.
func (t token) is(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (t token) isAny(kws ...string) bool {
	for _, kw := range kws {
		if t.is(kw) {
			return true
		}
	}
	return false
}

// ident returns the identifier value with quoting removed and case folded.
func (t token) ident() string {
	switch t.kind {
	case tokQuotedIdent:
		return strings.ReplaceAll(strings.Trim(t.text, `"`), `""`, `"`)
	case tokIdent:
		return strings.ToLower(t.text)
	}
	return t.text
}

// dollarBody returns the byte range of a dollar-quoted string's content.
func (t token) dollarBody() (int, int) {
	tagLen := strings.Index(t.text[1:], "$") + 2
	return t.start + tagLen, t.end - tagLen
}

// lineIndex maps byte offsets to 1-based line numbers.
type lineIndex []int

func newLineIndex(src []byte) lineIndex {
	idx := lineIndex{0}
	for i, b := range src {
		if b == '\n' {
			idx = append(idx, i+1)
		}
	}
	return idx
}

func (li lineIndex) line(off int) int {
	return sort.SearchInts(li, off+1)
}

func (li lineIndex) span(start, end int) Span {
	last := end - 1
	if last < start {
		last = start
	}
	return Span{StartByte: start, EndByte: end, StartLine: li.line(start), EndLine: li.line(last)}
}

type lexer struct {
	src   []byte
	pos   int
	end   int
	lines lineIndex
	path  string
}

// lexRange tokenizes src[from:to]. Offsets in the returned tokens stay relative to src.
func lexRange(path string, src []byte, lines lineIndex, from, to int) ([]token, error) {
	lx := &lexer{src: src, pos: from, end: to, lines: lines, path: path}
	var toks []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (lx *lexer) fail(at int, msg string) error {
	return &ParseError{Path: lx.path, Line: lx.lines.line(at), Msg: msg}
}

func (lx *lexer) peekAt(i int) byte {
	if i < lx.end {
		return lx.src[i]
	}
	return 0
}

func (lx *lexer) emit(kind tokenKind, start int) token {
	return token{kind: kind, text: string(lx.src[start:lx.pos]), start: start, end: lx.pos, line: lx.lines.line(start)}
}

func (lx *lexer) next() (token, error) {
	if err := lx.skipSpace(); err != nil {
		return token{}, err
	}
	start := lx.pos
	if lx.pos >= lx.end {
		return token{kind: tokEOF, start: lx.end, end: lx.end, line: lx.lines.line(lx.end)}, nil
	}
	c := lx.src[lx.pos]
	switch {
	case c == '\'':
		return lx.quoted(start, '\'', false)
	case (c == 'E' || c == 'e') && lx.peekAt(lx.pos+1) == '\'':
		lx.pos++
		return lx.quoted(start, '\'', true)
	case c == '"':
		return lx.quoted(start, '"', false)
	case c == '$' && isDigit(lx.peekAt(lx.pos+1)):
		lx.pos++
		for lx.pos < lx.end && isDigit(lx.src[lx.pos]) {
			lx.pos++
		}
		return lx.emit(tokParam, start), nil
	case c == '$':
		if tok, ok, err := lx.dollar(start); ok || err != nil {
			return tok, err
		}
		lx.pos++
		return lx.emit(tokOp, start), nil
	case isIdentStart(c):
		for lx.pos < lx.end && isIdentPart(lx.src[lx.pos]) {
			lx.pos++
		}
		return lx.emit(tokIdent, start), nil
	case isDigit(c):
		for lx.pos < lx.end && (isDigit(lx.src[lx.pos]) || lx.src[lx.pos] == '.') {
			lx.pos++
		}
		return lx.emit(tokNumber, start), nil
	}
	lx.pos++
	switch c {
	case ';':
		return lx.emit(tokSemicolon, start), nil
	case ',':
		return lx.emit(tokComma, start), nil
	case '(':
		return lx.emit(tokLParen, start), nil
	case ')':
		return lx.emit(tokRParen, start), nil
	case '[':
		return lx.emit(tokLBracket, start), nil
	case ']':
		return lx.emit(tokRBracket, start), nil
	}
	two := string(c) + string(lx.peekAt(lx.pos))
	switch two {
	case "<<":
		lx.pos++
		return lx.emit(tokLabelOpen, start), nil
	case ">>":
		lx.pos++
		return lx.emit(tokLabelClose, start), nil
	case ":=", "::", "<>", "!=", ">=", "<=", "||", "=>", "->":
		lx.pos++
		if two == "->" && lx.peekAt(lx.pos) == '>' {
			lx.pos++
		}
	}
	return lx.emit(tokOp, start), nil
}

func (lx *lexer) skipSpace() error {
	for lx.pos < lx.end {
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			lx.pos++
		case c == '-' && lx.peekAt(lx.pos+1) == '-':
			for lx.pos < lx.end && lx.src[lx.pos] != '\n' {
				lx.pos++
			}
		case c == '/' && lx.peekAt(lx.pos+1) == '*':
			start := lx.pos
			depth := 0
			for {
				if lx.pos >= lx.end {
					return lx.fail(start, "unterminated block comment")
				}
				if lx.src[lx.pos] == '/' && lx.peekAt(lx.pos+1) == '*' {
					depth++
					lx.pos += 2
					continue
				}
				if lx.src[lx.pos] == '*' && lx.peekAt(lx.pos+1) == '/' {
					depth--
					lx.pos += 2
					if depth == 0 {
						break
					}
					continue
				}
				lx.pos++
			}
		default:
			return nil
		}
	}
	return nil
}

func (lx *lexer) quoted(start int, q byte, backslash bool) (token, error) {
	lx.pos++ // opening quote
	for {
		if lx.pos >= lx.end {
			if q == '"' {
				return token{}, lx.fail(start, "unterminated quoted identifier")
			}
			return token{}, lx.fail(start, "unterminated string literal")
		}
		c := lx.src[lx.pos]
		if backslash && c == '\\' {
			lx.pos += 2
			continue
		}
		if c == q {
			if lx.peekAt(lx.pos+1) == q {
				lx.pos += 2
				continue
			}
			lx.pos++
			break
		}
		lx.pos++
	}
	if q == '"' {
		return lx.emit(tokQuotedIdent, start), nil
	}
	return lx.emit(tokString, start), nil
}

// dollar lexes $tag$...$tag$. ok is false when the '$' does not open a dollar quote.
func (lx *lexer) dollar(start int) (token, bool, error) {
	i := lx.pos + 1
	for i < lx.end && isIdentPart(lx.src[i]) && lx.src[i] != '$' {
		i++
	}
	if i >= lx.end || lx.src[i] != '$' {
		return token{}, false, nil
	}
	tag := string(lx.src[lx.pos : i+1])
	body := i + 1
	closeAt := strings.Index(string(lx.src[body:lx.end]), tag)
	if closeAt < 0 {
		return token{}, false, lx.fail(start, "unterminated dollar-quoted string "+tag)
	}
	lx.pos = body + closeAt + len(tag)
	return lx.emit(tokDollarString, start), true, nil
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c|0x20 >= 'a' && c|0x20 <= 'z') || c >= 0x80 }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) || c == '$' }

// unquoteSQL strips the quotes of a SQL string literal token.
func unquoteSQL(t token) string {
	s := t.text
	switch t.kind {
	case tokDollarString:
		a, b := t.dollarBody()
		return s[a-t.start : b-t.start]
	case tokString:
		if len(s) > 0 && (s[0] == 'E' || s[0] == 'e') {
			s = s[1:]
		}
		if len(s) >= 2 {
			s = s[1 : len(s)-1]
		}
		return strings.ReplaceAll(s, "''", "'")
	}
	return s
}
