package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PLpgSQLAdapter parses SQL scripts holding function definitions, DO blocks and
// table definitions. Statements it cannot shape degrade to KindOther with a
// partial_parse warning; only lexical errors are fatal.
type PLpgSQLAdapter struct{}

func NewPLpgSQLAdapter() *PLpgSQLAdapter { return &PLpgSQLAdapter{} }

func (a *PLpgSQLAdapter) Dialect() Dialect { return DialectPLpgSQL }

func (a *PLpgSQLAdapter) Parse(ctx context.Context, unit SourceUnit) (*Tree, error) {
	lines := newLineIndex(unit.Text)
	toks, err := lexRange(unit.Path, unit.Text, lines, 0, len(unit.Text))
	if err != nil {
		return nil, err
	}
	p := &sqlParser{path: unit.Path, src: unit.Text, lines: lines, toks: toks}
	root := &Node{Kind: KindUnit, Name: unit.Path, Span: lines.span(0, len(unit.Text))}

	items, degraded := 0, 0
	for !p.atEOF() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.peek().kind == tokSemicolon {
			p.advance()
			continue
		}
		start := p.pos
		n, err := p.topLevel()
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				return nil, pe
			}
			p.pos = start
			n = p.recover(err)
			degraded++
		}
		items++
		root.Children = append(root.Children, n)
	}
	if items > 0 && items == degraded {
		return nil, &ParseError{Path: unit.Path, Line: p.warnings[0].Span.StartLine, Msg: "no parseable statements: " + p.warnings[0].Message}
	}
	return &Tree{Unit: unit, Root: root, Warnings: p.warnings}, nil
}

type syntaxError struct {
	tok token
	msg string
}

func (e *syntaxError) Error() string { return fmt.Sprintf("line %d: %s", e.tok.line, e.msg) }

type sqlParser struct {
	path     string
	src      []byte
	lines    lineIndex
	toks     []token
	pos      int
	warnings []Warning
}

func (p *sqlParser) peek() token { return p.toks[p.pos] }

func (p *sqlParser) peekN(k int) token {
	if p.pos+k < len(p.toks) {
		return p.toks[p.pos+k]
	}
	return p.toks[len(p.toks)-1]
}

func (p *sqlParser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *sqlParser) atEOF() bool { return p.peek().kind == tokEOF }

func (p *sqlParser) accept(kw string) bool {
	if p.peek().is(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *sqlParser) acceptKind(k tokenKind) bool {
	if p.peek().kind == k {
		p.pos++
		return true
	}
	return false
}

func (p *sqlParser) expect(kw string) error {
	if !p.accept(kw) {
		return p.errorf("expected %s, found %q", kw, p.peek().text)
	}
	return nil
}

func (p *sqlParser) errorf(format string, args ...any) error {
	return &syntaxError{tok: p.peek(), msg: fmt.Sprintf(format, args...)}
}

// prevEnd is the end offset of the last consumed token.
func (p *sqlParser) prevEnd() int {
	if p.pos == 0 {
		return 0
	}
	return p.toks[p.pos-1].end
}

func (p *sqlParser) node(kind NodeKind, start int) *Node {
	end := p.prevEnd()
	if end < start {
		end = start
	}
	return &Node{Kind: kind, Span: p.lines.span(start, end), Text: strings.TrimSpace(string(p.src[start:end]))}
}

func (p *sqlParser) textOf(toks []token) string {
	if len(toks) == 0 {
		return ""
	}
	return strings.TrimSpace(string(p.src[toks[0].start:toks[len(toks)-1].end]))
}

// rest consumes tokens up to the next depth-0 semicolon and returns them; the semicolon is consumed too.
func (p *sqlParser) rest() []token {
	from := p.pos
	depth := 0
	for !p.atEOF() {
		t := p.peek()
		switch t.kind {
		case tokLParen, tokLBracket:
			depth++
		case tokRParen, tokRBracket:
			depth--
		case tokSemicolon:
			if depth <= 0 {
				out := p.toks[from:p.pos]
				p.advance()
				return out
			}
		}
		p.advance()
	}
	return p.toks[from:p.pos]
}

// until consumes tokens up to kw at depth 0 and consumes kw itself.
func (p *sqlParser) until(kw string) ([]token, error) {
	from := p.pos
	depth := 0
	for {
		t := p.peek()
		switch {
		case t.kind == tokEOF:
			return nil, p.errorf("expected %s before end of input", kw)
		case t.kind == tokSemicolon && depth == 0:
			return nil, p.errorf("expected %s before ';'", kw)
		case t.kind == tokLParen:
			depth++
		case t.kind == tokRParen:
			depth--
		case depth == 0 && t.is(kw):
			out := p.toks[from:p.pos]
			p.advance()
			return out, nil
		}
		p.advance()
	}
}

// recover skips to the next statement boundary and records the skipped span as Other.
func (p *sqlParser) recover(cause error) *Node {
	start := p.peek().start
	p.rest()
	n := p.node(KindOther, start)
	n.SetMeta("error", cause.Error())
	p.warnings = append(p.warnings, Warning{Code: WarnPartialParse, Message: cause.Error(), Span: n.Span})
	return n
}

func (p *sqlParser) warn(msg string) {
	t := p.peek()
	p.warnings = append(p.warnings, Warning{Code: WarnPartialParse, Message: msg, Span: p.lines.span(t.start, t.end)})
}

func (p *sqlParser) topLevel() (*Node, error) {
	t := p.peek()
	switch {
	case t.is("CREATE"):
		k := 1
		for p.peekN(k).isAny("OR", "REPLACE", "TEMP", "TEMPORARY", "UNLOGGED", "GLOBAL", "LOCAL") {
			k++
		}
		switch {
		case p.peekN(k).isAny("FUNCTION", "PROCEDURE"):
			return p.createFunction()
		case p.peekN(k).is("TABLE"):
			return p.createTable()
		}
	case t.is("DO"):
		return p.doBlock()
	case t.isAny("SELECT", "INSERT", "UPDATE", "DELETE", "WITH", "MERGE"):
		return p.sqlStatement()
	}
	p.rest()
	n := p.node(KindOther, t.start)
	n.SetMeta("statement", strings.ToLower(t.text))
	return n, nil
}

func (p *sqlParser) createFunction() (*Node, error) {
	start := p.advance().start // CREATE
	for !p.peek().isAny("FUNCTION", "PROCEDURE") {
		p.advance()
	}
	kind := strings.ToLower(p.advance().text)
	name, next := qualifiedName(p.toks, p.pos)
	if name == "" {
		return nil, p.errorf("expected %s name", kind)
	}
	p.pos = next
	if p.peek().kind != tokLParen {
		return nil, p.errorf("expected parameter list")
	}
	params, err := p.parameters()
	if err != nil {
		return nil, err
	}

	var body token
	var hasBody bool
	var header int
	var returns, lang string
	for !p.atEOF() && p.peek().kind != tokSemicolon {
		t := p.advance()
		switch {
		case t.is("RETURNS"):
			returns = p.textOf(p.typeTokens())
		case t.is("LANGUAGE"):
			l := p.advance()
			lang = strings.ToLower(unquoteSQL(l))
		case t.is("AS") && !hasBody:
			header = t.start
			b := p.advance()
			if b.kind != tokDollarString && b.kind != tokString {
				return nil, p.errorf("expected function body")
			}
			body, hasBody = b, true
		}
	}
	p.acceptKind(tokSemicolon)
	if !hasBody {
		return nil, p.errorf("%s %s has no body", kind, name)
	}
	fn := &Node{
		Kind: KindFunction,
		Name: name,
		Type: returns,
		Span: p.lines.span(start, body.end),
		Text: strings.TrimSpace(string(p.src[start:header])),
	}
	fn.SetMeta("kind", kind)
	if lang == "" {
		lang = "plpgsql"
	}
	fn.SetMeta("language", lang)
	fn.Children = append(fn.Children, params...)

	stmts, err := p.parseBody(body, lang)
	if err != nil {
		return nil, err
	}
	fn.Children = append(fn.Children, stmts...)
	return fn, nil
}

// typeTokens consumes a type expression such as `TABLE(a int)` or `SETOF leads`.
func (p *sqlParser) typeTokens() []token {
	from := p.pos
	depth := 0
	for !p.atEOF() {
		t := p.peek()
		if depth == 0 && (t.kind == tokSemicolon || t.isAny("AS", "LANGUAGE", "IMMUTABLE", "STABLE", "VOLATILE", "SECURITY", "STRICT", "CALLED", "COST", "ROWS", "PARALLEL", "SET", "LEAKPROOF", "RETURNS", "WINDOW")) {
			break
		}
		switch t.kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
		}
		p.advance()
	}
	return p.toks[from:p.pos]
}

func (p *sqlParser) parameters() ([]*Node, error) {
	open := p.pos
	end := matchParen(p.toks, open)
	if p.toks[end].kind != tokRParen {
		return nil, p.errorf("unclosed parameter list")
	}
	var out []*Node
	for i, part := range splitTop(p.toks[open+1 : end]) {
		if len(part) == 0 {
			continue
		}
		param := &Node{Kind: KindParameter, Span: p.lines.span(part[0].start, part[len(part)-1].end), Text: p.textOf(part)}
		if part[0].isAny("IN", "OUT", "INOUT", "VARIADIC") {
			param.SetMeta("mode", strings.ToLower(part[0].text))
			part = part[1:]
		}
		for k, t := range part {
			if t.is("DEFAULT") || (t.kind == tokOp && t.text == "=") {
				param.Value = p.textOf(part[k+1:])
				part = part[:k]
				break
			}
		}
		if len(part) >= 2 && (part[0].kind == tokIdent || part[0].kind == tokQuotedIdent) {
			param.Name = part[0].ident()
			param.Type = strings.ToLower(p.textOf(part[1:]))
		} else {
			param.Name = fmt.Sprintf("$%d", i+1)
			param.Type = strings.ToLower(p.textOf(part))
		}
		out = append(out, param)
	}
	p.pos = end + 1
	return out, nil
}

// parseBody lexes the function body in place so spans stay relative to the file.
func (p *sqlParser) parseBody(body token, lang string) ([]*Node, error) {
	from, to := body.start+1, body.end-1
	if body.kind == tokDollarString {
		from, to = body.dollarBody()
	}
	toks, err := lexRange(p.path, p.src, p.lines, from, to)
	if err != nil {
		return nil, err
	}
	sub := &sqlParser{path: p.path, src: p.src, lines: p.lines, toks: toks}
	var stmts []*Node
	if lang == "sql" {
		for !sub.atEOF() {
			if sub.acceptKind(tokSemicolon) {
				continue
			}
			stmts = append(stmts, sub.guard(sub.sqlStatement))
		}
	} else {
		stmts = sub.block()
	}
	p.warnings = append(p.warnings, sub.warnings...)
	return stmts, nil
}

// guard runs a statement parser and degrades failures to Other.
func (p *sqlParser) guard(parse func() (*Node, error)) *Node {
	start := p.pos
	n, err := parse()
	if err != nil {
		p.pos = start
		return p.recover(err)
	}
	return n
}

func (p *sqlParser) doBlock() (*Node, error) {
	start := p.advance().start
	lang := "plpgsql"
	var body token
	found := false
	for !p.atEOF() && p.peek().kind != tokSemicolon {
		t := p.advance()
		switch {
		case t.is("LANGUAGE"):
			lang = strings.ToLower(unquoteSQL(p.advance()))
		case t.kind == tokDollarString || t.kind == tokString:
			body, found = t, true
		}
	}
	p.acceptKind(tokSemicolon)
	if !found {
		return nil, p.errorf("DO without body")
	}
	fn := &Node{Kind: KindFunction, Name: "do_block", Span: p.lines.span(start, body.end), Text: "DO"}
	fn.SetMeta("kind", "do")
	fn.SetMeta("language", lang)
	stmts, err := p.parseBody(body, lang)
	if err != nil {
		return nil, err
	}
	fn.Children = stmts
	return fn, nil
}

// block parses `[<<label>>] [DECLARE ...] BEGIN ... [EXCEPTION ...] END [label]`.
func (p *sqlParser) block() []*Node {
	if p.peek().kind == tokLabelOpen {
		p.pos += 3
	}
	var out []*Node
	if p.accept("DECLARE") {
		out = append(out, p.declarations()...)
	}
	if !p.peek().is("BEGIN") {
		p.warn(fmt.Sprintf("expected BEGIN, found %q", p.peek().text))
		return append(out, p.statements("END", "EXCEPTION")...)
	}
	begin := p.advance()
	stmts := p.statements("END", "EXCEPTION")
	if p.peek().is("EXCEPTION") {
		p.advance()
		protected := &Node{Kind: KindBlock, Children: stmts, Span: p.lines.span(begin.start, begin.end)}
		if len(stmts) > 0 {
			protected.Span = p.lines.span(stmts[0].Span.StartByte, stmts[len(stmts)-1].Span.EndByte)
		}
		try := &Node{Kind: KindTry, Children: append([]*Node{protected}, p.handlers()...)}
		try.Span = p.lines.span(begin.start, p.prevEnd())
		try.Text = strings.TrimSpace(string(p.src[begin.start:p.prevEnd()]))
		out = append(out, try)
	} else {
		out = append(out, stmts...)
	}
	if !p.accept("END") {
		p.warn("block is missing END")
		return out
	}
	if t := p.peek(); t.kind == tokIdent && !t.isAny("IF", "LOOP", "CASE") {
		p.advance()
	}
	p.acceptKind(tokSemicolon)
	return out
}

func (p *sqlParser) declarations() []*Node {
	var out []*Node
	for !p.atEOF() && !p.peek().is("BEGIN") {
		if p.acceptKind(tokSemicolon) {
			continue
		}
		if p.peek().is("DECLARE") {
			p.advance()
			continue
		}
		out = append(out, p.guard(p.declaration))
	}
	return out
}

func (p *sqlParser) declaration() (*Node, error) {
	nameTok := p.advance()
	if nameTok.kind != tokIdent && nameTok.kind != tokQuotedIdent {
		return nil, &syntaxError{tok: nameTok, msg: "expected variable name"}
	}
	toks := p.rest()
	n := p.node(KindDeclare, nameTok.start)
	n.Name = nameTok.ident()
	if len(toks) > 0 && toks[0].is("CONSTANT") {
		n.SetMeta("constant", "true")
		toks = toks[1:]
	}
	switch {
	case len(toks) > 0 && (toks[0].is("CURSOR") || (toks[0].isAny("NO", "SCROLL"))):
		n.Type = "cursor"
		for k, t := range toks {
			if t.is("FOR") {
				n.SQL = decomposeTokens(p.src, toks[k+1:])
				break
			}
		}
		return n, nil
	case len(toks) > 1 && toks[0].is("ALIAS") && toks[1].is("FOR"):
		n.Type = "alias"
		n.Value = p.textOf(toks[2:])
		return n, nil
	}
	for k, t := range toks {
		if t.is("DEFAULT") || (t.kind == tokOp && (t.text == ":=" || t.text == "=")) {
			n.Value = p.textOf(toks[k+1:])
			toks = toks[:k]
			break
		}
	}
	for k := 0; k+1 < len(toks); k++ {
		if toks[k].is("NOT") && toks[k+1].is("NULL") {
			n.SetMeta("not_null", "true")
			toks = toks[:k]
			break
		}
	}
	if len(toks) > 0 && toks[len(toks)-1].is("COLLATE") {
		toks = toks[:len(toks)-1]
	}
	n.Type = strings.ToLower(p.textOf(toks))
	return n, nil
}

func (p *sqlParser) handlers() []*Node {
	var out []*Node
	for p.peek().is("WHEN") {
		from := p.pos
		when := p.advance()
		cond, err := p.until("THEN")
		if err != nil {
			p.pos = from
			out = append(out, p.recover(err))
			continue
		}
		h := &Node{Kind: KindHandler, Cond: strings.ToLower(p.textOf(cond))}
		h.Children = p.statements("WHEN", "END")
		h.Span = p.lines.span(when.start, p.prevEnd())
		h.Text = strings.TrimSpace(string(p.src[when.start:p.prevEnd()]))
		out = append(out, h)
	}
	return out
}

// statements parses until one of the stop keywords starts a statement.
func (p *sqlParser) statements(stops ...string) []*Node {
	var out []*Node
	for {
		t := p.peek()
		if t.kind == tokEOF || t.isAny(stops...) {
			return out
		}
		if t.kind == tokSemicolon {
			p.advance()
			continue
		}
		out = append(out, p.guard(p.statement))
	}
}

func (p *sqlParser) statement() (*Node, error) {
	t := p.peek()
	switch {
	case t.kind == tokLabelOpen:
		p.advance()
		label := p.advance()
		if p.peek().kind != tokLabelClose {
			return nil, p.errorf("unterminated label")
		}
		p.advance()
		n, err := p.statement()
		if err != nil {
			return nil, err
		}
		n.SetMeta("label", label.ident())
		return n, nil
	case t.isAny("DECLARE", "BEGIN"):
		start := t.start
		children := p.block()
		n := p.node(KindBlock, start)
		n.Children = children
		return n, nil
	case t.is("IF"):
		return p.ifStatement()
	case t.is("CASE"):
		return p.caseStatement()
	case t.isAny("LOOP", "WHILE", "FOR", "FOREACH"):
		return p.loop()
	case t.isAny("EXIT", "CONTINUE"):
		p.advance()
		toks := p.rest()
		n := p.node(KindExit, t.start)
		n.Name = strings.ToLower(t.text)
		for k, tk := range toks {
			if tk.is("WHEN") {
				n.Cond = p.textOf(toks[k+1:])
			}
		}
		return n, nil
	case t.is("RETURN"):
		return p.returnStatement()
	case t.is("RAISE"):
		return p.raise()
	case t.is("ASSERT"):
		return p.assert()
	case t.is("PERFORM"):
		p.advance()
		toks := p.rest()
		n := p.node(KindPerform, t.start)
		if name, next := qualifiedName(toks, 0); next < len(toks) && toks[next].kind == tokLParen {
			n.Name = name
		}
		n.Value = p.textOf(toks)
		return n, nil
	case t.is("EXECUTE"):
		p.advance()
		toks := p.rest()
		n := p.node(KindDynamic, t.start)
		n.Value = p.textOf(toks)
		for k, tk := range toks {
			if tk.is("INTO") {
				n.SetMeta("into", p.textOf(toks[k+1:]))
				n.Value = p.textOf(toks[:k])
				break
			}
		}
		return n, nil
	case t.isAny("SELECT", "INSERT", "UPDATE", "DELETE", "WITH", "MERGE"):
		return p.sqlStatement()
	case t.isAny("OPEN", "FETCH", "CLOSE", "MOVE"):
		p.advance()
		toks := p.rest()
		n := p.node(KindCursor, t.start)
		n.Name = strings.ToLower(t.text)
		if len(toks) > 0 {
			n.SetMeta("cursor", toks[0].ident())
		}
		for k, tk := range toks {
			if tk.is("FOR") && k+1 < len(toks) {
				if toks[k+1].is("EXECUTE") {
					n.SetMeta("dynamic", "true")
				} else {
					n.SQL = decomposeTokens(p.src, toks[k+1:])
				}
				break
			}
		}
		return n, nil
	case t.is("GET"):
		p.advance()
		toks := p.rest()
		n := p.node(KindAssign, t.start)
		n.SetMeta("diagnostics", "true")
		if eq := indexOp(toks, "="); eq > 0 {
			n.Name = lastSegment(toks[:eq])
			n.Value = strings.ToLower(p.textOf(toks[eq+1:]))
		} else if eq := indexOp(toks, ":="); eq > 0 {
			n.Name = lastSegment(toks[:eq])
			n.Value = strings.ToLower(p.textOf(toks[eq+1:]))
		}
		return n, nil
	case t.is("CALL"):
		p.advance()
		toks := p.rest()
		n := p.node(KindCall, t.start)
		n.Name, _ = qualifiedName(toks, 0)
		return n, nil
	case t.isAny("NULL", "COMMIT", "ROLLBACK"):
		p.advance()
		p.rest()
		n := p.node(KindOther, t.start)
		n.SetMeta("statement", strings.ToLower(t.text))
		return n, nil
	}
	return p.assignment()
}

func (p *sqlParser) assignment() (*Node, error) {
	start := p.peek()
	if start.kind != tokIdent && start.kind != tokQuotedIdent {
		return nil, p.errorf("unexpected %q", start.text)
	}
	from := p.pos
	toks := p.rest()
	op := indexOp(toks, ":=")
	if op < 0 {
		op = indexOp(toks, "=")
	}
	if op <= 0 {
		p.pos = from
		return nil, p.errorf("unrecognized statement starting with %q", start.text)
	}
	for _, t := range toks[:op] {
		if t.kind != tokIdent && t.kind != tokQuotedIdent && t.kind != tokLBracket && t.kind != tokRBracket &&
			t.kind != tokNumber && t.kind != tokParam && !(t.kind == tokOp && t.text == ".") {
			p.pos = from
			return nil, p.errorf("unrecognized statement starting with %q", start.text)
		}
	}
	n := p.node(KindAssign, start.start)
	n.Name = strings.ToLower(p.textOf(toks[:op]))
	n.Value = p.textOf(toks[op+1:])
	n.SQL = p.embeddedQuery(toks[op+1:])
	return n, nil
}

// embeddedQuery decomposes the first parenthesized SELECT inside an expression.
func (p *sqlParser) embeddedQuery(toks []token) *SQLInfo {
	for k := 0; k+1 < len(toks); k++ {
		if toks[k].kind == tokLParen && toks[k+1].isAny("SELECT", "WITH") {
			end := matchParen(toks, k)
			return decomposeTokens(p.src, toks[k+1:end])
		}
	}
	return nil
}

func (p *sqlParser) sqlStatement() (*Node, error) {
	t := p.peek()
	toks := p.rest()
	info := decomposeTokens(p.src, toks)
	if info == nil {
		return nil, &syntaxError{tok: t, msg: "unrecognized SQL statement"}
	}
	var kind NodeKind
	switch info.Verb {
	case "SELECT":
		kind = KindSelect
	case "INSERT":
		kind = KindInsert
	case "UPDATE", "MERGE":
		kind = KindUpdate
	case "DELETE":
		kind = KindDelete
	}
	n := p.node(kind, t.start)
	n.SQL = info
	return n, nil
}

func (p *sqlParser) ifStatement() (*Node, error) {
	start := p.advance()
	n := &Node{Kind: KindIf}
	branchStart := start.start
	cond, err := p.until("THEN")
	if err != nil {
		return nil, err
	}
	for {
		b := &Node{Kind: KindBranch, Cond: p.textOf(cond)}
		b.Children = p.statements("ELSIF", "ELSEIF", "ELSE", "END")
		b.Span = p.lines.span(branchStart, p.prevEnd())
		n.Children = append(n.Children, b)
		t := p.peek()
		if !t.isAny("ELSIF", "ELSEIF") {
			break
		}
		p.advance()
		branchStart = t.start
		if cond, err = p.until("THEN"); err != nil {
			return nil, err
		}
	}
	if t := p.peek(); t.is("ELSE") {
		p.advance()
		b := &Node{Kind: KindBranch}
		b.Children = p.statements("END")
		b.Span = p.lines.span(t.start, p.prevEnd())
		n.Children = append(n.Children, b)
	}
	n.Cond = n.Children[0].Cond
	// A bare END (or end of input) leaves the IF open. The branches parsed so far are kept
	// and the END is left for the enclosing block.
	if !p.peek().is("END") || !p.peekN(1).is("IF") {
		p.warn(fmt.Sprintf("IF at line %d is missing END IF", p.lines.line(start.start)))
		n.SetMeta("unterminated", "true")
		full := p.node(KindIf, start.start)
		n.Span, n.Text = full.Span, full.Text
		return n, nil
	}
	p.pos += 2
	p.acceptKind(tokSemicolon)
	full := p.node(KindIf, start.start)
	n.Span, n.Text = full.Span, full.Text
	return n, nil
}

func (p *sqlParser) caseStatement() (*Node, error) {
	start := p.advance()
	n := &Node{Kind: KindCase}
	var subject []token
	for !p.peek().is("WHEN") {
		if p.atEOF() || p.peek().kind == tokSemicolon {
			return nil, p.errorf("CASE without WHEN")
		}
		subject = append(subject, p.advance())
	}
	n.Value = p.textOf(subject)
	for p.peek().is("WHEN") {
		when := p.advance()
		cond, err := p.until("THEN")
		if err != nil {
			return nil, err
		}
		b := &Node{Kind: KindBranch, Cond: p.textOf(cond)}
		if n.Value != "" {
			b.Cond = n.Value + " = " + b.Cond
		}
		b.Children = p.statements("WHEN", "ELSE", "END")
		b.Span = p.lines.span(when.start, p.prevEnd())
		n.Children = append(n.Children, b)
	}
	if t := p.peek(); t.is("ELSE") {
		p.advance()
		b := &Node{Kind: KindBranch}
		b.Children = p.statements("END")
		b.Span = p.lines.span(t.start, p.prevEnd())
		n.Children = append(n.Children, b)
	}
	if err := p.expect("END"); err != nil {
		return nil, err
	}
	if err := p.expect("CASE"); err != nil {
		return nil, err
	}
	p.acceptKind(tokSemicolon)
	full := p.node(KindCase, start.start)
	n.Span, n.Text = full.Span, full.Text
	return n, nil
}

func (p *sqlParser) loop() (*Node, error) {
	start := p.advance()
	n := &Node{Kind: KindLoop, Name: strings.ToLower(start.text)}
	if !start.is("LOOP") {
		header, err := p.until("LOOP")
		if err != nil {
			return nil, err
		}
		n.Cond = p.textOf(header)
		if start.isAny("FOR", "FOREACH") && len(header) > 0 {
			n.SetMeta("variable", header[0].ident())
			for k, t := range header {
				if !t.is("IN") || k+1 >= len(header) {
					continue
				}
				switch {
				case header[k+1].is("EXECUTE"):
					n.SetMeta("dynamic", "true")
				case header[k+1].isAny("SELECT", "WITH"):
					n.SQL = decomposeTokens(p.src, header[k+1:])
					n.SetMeta("query_loop", "true")
				}
				break
			}
		}
	}
	n.Children = p.statements("END")
	if err := p.expect("END"); err != nil {
		return nil, err
	}
	if err := p.expect("LOOP"); err != nil {
		return nil, err
	}
	if p.peek().kind == tokIdent {
		p.advance()
	}
	p.acceptKind(tokSemicolon)
	full := p.node(KindLoop, start.start)
	n.Span, n.Text = full.Span, full.Text
	return n, nil
}

func (p *sqlParser) returnStatement() (*Node, error) {
	t := p.advance()
	toks := p.rest()
	n := p.node(KindReturn, t.start)
	if len(toks) > 0 && toks[0].isAny("NEXT", "QUERY") {
		n.SetMeta("mode", strings.ToLower(toks[0].text))
		if toks[0].is("QUERY") && len(toks) > 1 {
			if toks[1].is("EXECUTE") {
				n.SetMeta("dynamic", "true")
			} else {
				n.SQL = decomposeTokens(p.src, toks[1:])
			}
		}
		toks = toks[1:]
	}
	n.Value = p.textOf(toks)
	if n.SQL == nil {
		n.SQL = p.embeddedQuery(toks)
	}
	return n, nil
}

var raiseLevels = map[string]bool{"debug": true, "log": true, "info": true, "notice": true, "warning": true, "exception": true}

func (p *sqlParser) raise() (*Node, error) {
	t := p.advance()
	toks := p.rest()
	n := p.node(KindRaise, t.start)
	n.Name = "exception"
	if len(toks) > 0 && toks[0].kind == tokIdent && raiseLevels[strings.ToLower(toks[0].text)] {
		n.Name = strings.ToLower(toks[0].text)
		toks = toks[1:]
	}
	using := -1
	for k, tk := range toks {
		if tk.is("USING") {
			using = k
			break
		}
	}
	msg := toks
	if using >= 0 {
		msg = toks[:using]
		for _, opt := range splitTop(toks[using+1:]) {
			if len(opt) >= 3 && opt[1].kind == tokOp && opt[1].text == "=" {
				n.SetMeta(strings.ToLower(opt[0].text), unquoteSQL(opt[2]))
			}
		}
	}
	if n.Value == "" && n.Meta["message"] != "" {
		n.Value = n.Meta["message"]
	}
	switch {
	case len(msg) > 0 && msg[0].kind == tokString:
		n.Value = unquoteSQL(msg[0])
	case len(msg) > 1 && msg[0].is("SQLSTATE"):
		n.SetMeta("errcode", unquoteSQL(msg[1]))
	case len(msg) > 0 && msg[0].kind == tokIdent:
		n.SetMeta("condition", msg[0].ident())
	}
	return n, nil
}

// assert is modelled as a guard: IF NOT (cond) THEN RAISE.
func (p *sqlParser) assert() (*Node, error) {
	t := p.advance()
	toks := p.rest()
	cond, msg := toks, []token(nil)
	if parts := splitTop(toks); len(parts) > 1 {
		cond, msg = parts[0], parts[1]
	}
	full := p.node(KindIf, t.start)
	raise := &Node{Kind: KindRaise, Name: "exception", Span: full.Span, Text: full.Text}
	if len(msg) > 0 && msg[0].kind == tokString {
		raise.Value = unquoteSQL(msg[0])
	}
	cs := "NOT (" + p.textOf(cond) + ")"
	full.Cond = cs
	full.SetMeta("assert", "true")
	full.Children = []*Node{{Kind: KindBranch, Cond: cs, Span: full.Span, Children: []*Node{raise}}}
	return full, nil
}

func (p *sqlParser) createTable() (*Node, error) {
	start := p.advance().start
	for !p.peek().is("TABLE") {
		p.advance()
	}
	p.advance()
	if p.peek().is("IF") {
		p.pos += 3 // IF NOT EXISTS
	}
	name, next := qualifiedName(p.toks, p.pos)
	if name == "" {
		return nil, p.errorf("expected table name")
	}
	p.pos = next
	if p.peek().kind != tokLParen {
		return nil, p.errorf("expected column list")
	}
	open := p.pos
	end := matchParen(p.toks, open)
	if p.toks[end].kind != tokRParen {
		return nil, p.errorf("unclosed column list")
	}
	elems := splitTop(p.toks[open+1 : end])
	p.pos = end + 1
	p.rest()

	n := p.node(KindTable, start)
	n.Name = name
	info := &SQLInfo{Verb: "CREATE TABLE", Tables: []string{name}}
	for _, el := range elems {
		if len(el) < 2 || el[0].isAny("CONSTRAINT", "PRIMARY", "UNIQUE", "FOREIGN", "CHECK", "EXCLUDE", "LIKE") {
			if len(el) > 1 && el[0].is("PRIMARY") {
				if k := indexKind(el, tokLParen); k > 0 {
					n.SetMeta("primary_key", strings.ToLower(p.textOf(el[k+1:matchParen(el, k)])))
				}
			}
			continue
		}
		col := el[0].ident()
		info.Columns = append(info.Columns, col)
		typEnd := len(el)
		for k := 1; k < len(el); k++ {
			if el[k].isAny("NOT", "NULL", "DEFAULT", "PRIMARY", "REFERENCES", "UNIQUE", "CHECK", "GENERATED", "CONSTRAINT", "COLLATE") {
				typEnd = k
				break
			}
		}
		n.SetMeta("type:"+col, strings.ToLower(p.textOf(el[1:typEnd])))
		for k := typEnd; k < len(el); k++ {
			switch {
			case el[k].is("PRIMARY"):
				n.SetMeta("primary_key", col)
			case el[k].is("DEFAULT") && k+1 < len(el):
				n.SetMeta("default:"+col, strings.ToLower(p.textOf(el[k+1:defaultEnd(el, k+1)])))
			case el[k].is("REFERENCES") && k+1 < len(el):
				ref, _ := qualifiedName(el, k+1)
				n.SetMeta("references:"+col, ref)
			case el[k].is("UNIQUE"):
				n.SetMeta("unique:"+col, "true")
			}
		}
	}
	n.SQL = info
	return n, nil
}

func indexKind(toks []token, k tokenKind) int {
	for i, t := range toks {
		if t.kind == k {
			return i
		}
	}
	return -1
}

func defaultEnd(el []token, from int) int {
	depth := 0
	for k := from; k < len(el); k++ {
		switch el[k].kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
		}
		if depth == 0 && k > from && el[k].isAny("NOT", "NULL", "PRIMARY", "REFERENCES", "UNIQUE", "CHECK", "CONSTRAINT") {
			return k
		}
	}
	return len(el)
}
