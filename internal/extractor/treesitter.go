package extractor

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// TreeSitterAdapter maps route handlers of a general-purpose language onto the uniform tree.
// Only function bodies are modelled. Each module-level statement outside a handler is
// reported with a skipped_code warning instead.
type TreeSitterAdapter struct {
	g *Grammar
}

func NewTreeSitterAdapter(g *Grammar) *TreeSitterAdapter {
	return &TreeSitterAdapter{g: g}
}

func (a *TreeSitterAdapter) Dialect() Dialect { return a.g.Dialect }

func (a *TreeSitterAdapter) Parse(ctx context.Context, unit SourceUnit) (*Tree, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(a.g.Language())
	tsTree, err := parser.ParseCtx(ctx, nil, unit.Text)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ParseError{Path: unit.Path, Msg: err.Error()}
	}
	top := tsTree.RootNode()

	w := &tsWalker{g: a.g, src: unit.Text}
	root := &Node{Kind: KindUnit, Name: unit.Path, Span: w.span(top)}
	w.collect(top, root, false)

	shaped := false
	root.Walk(func(n *Node) bool {
		if n.Kind != KindUnit && n.Kind != KindOther {
			shaped = true
		}
		return !shaped
	})
	if !shaped {
		for _, warn := range w.warnings {
			if warn.Code == WarnPartialParse {
				return nil, &ParseError{Path: unit.Path, Line: warn.Span.StartLine, Msg: warn.Message}
			}
		}
	}
	return &Tree{Unit: unit, Root: root, Warnings: w.warnings}, nil
}

type tsWalker struct {
	g        *Grammar
	src      []byte
	warnings []Warning
	// inModule is set while collect descends into a module-level statement.
	inModule bool
}

func (w *tsWalker) span(n *sitter.Node) Span {
	return Span{
		StartByte: int(n.StartByte()),
		EndByte:   int(n.EndByte()),
		StartLine: int(n.StartPoint().Row) + 1,
		EndLine:   int(n.EndPoint().Row) + 1,
	}
}

func (w *tsWalker) content(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.Content(w.src))
}

func (w *tsWalker) named(n *sitter.Node) []*sitter.Node {
	if n == nil {
		return nil
	}
	out := make([]*sitter.Node, 0, n.NamedChildCount())
	for i := 0; i < int(n.NamedChildCount()); i++ {
		out = append(out, n.NamedChild(i))
	}
	return out
}

func (w *tsWalker) field(n *sitter.Node, names ...string) *sitter.Node {
	if n == nil {
		return nil
	}
	for _, name := range names {
		if c := n.ChildByFieldName(name); c != nil {
			return c
		}
	}
	return nil
}

// children returns all children attached under the given field name.
func (w *tsWalker) children(n *sitter.Node, field string) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.FieldNameForChild(i) == field {
			out = append(out, n.Child(i))
		}
	}
	return out
}

func (w *tsWalker) other(n *sitter.Node, broken bool) *Node {
	o := &Node{Kind: KindOther, Span: w.span(n), Text: w.content(n)}
	o.SetMeta("node_type", n.Type())
	if broken {
		w.warnings = append(w.warnings, Warning{Code: WarnPartialParse, Message: "syntax error near line " + strconv.Itoa(o.Span.StartLine), Span: o.Span})
	}
	return o
}

// collect finds function definitions and route registrations below n.
func (w *tsWalker) collect(n *sitter.Node, parent *Node, routesOnly bool) {
	for _, c := range w.named(n) {
		switch t := c.Type(); {
		case t == "ERROR" && !routesOnly:
			parent.Children = append(parent.Children, w.other(c, true))
		case w.g.Functions[t] && !routesOnly:
			parent.Children = append(parent.Children, w.function(c, c))
			w.collect(w.field(c, "body"), parent, true)
		case t == "decorated_definition" && !routesOnly:
			def := w.field(c, "definition")
			if def != nil && w.g.Functions[def.Type()] {
				parent.Children = append(parent.Children, w.function(def, c))
				continue
			}
			w.collect(def, parent, false)
		default:
			if method, path, lambda, ok := w.routeCall(c); ok {
				parent.Children = append(parent.Children, w.routeFunction(c, method, path, lambda))
				continue
			}
			outer := !routesOnly && !w.inModule && w.moduleStatement(c)
			if !outer {
				w.collect(c, parent, routesOnly)
				continue
			}
			before := len(parent.Children)
			w.inModule = true
			w.collect(c, parent, routesOnly)
			w.inModule = false
			if len(parent.Children) == before {
				sp := w.span(c)
				w.warnings = append(w.warnings, Warning{Code: WarnSkippedCode, Message: "module-level " + c.Type() + " at line " + strconv.Itoa(sp.StartLine) + " is outside any handler", Span: sp})
			}
		}
	}
}

// moduleStatement reports whether c is executable code rather than a declaration or import.
func (w *tsWalker) moduleStatement(c *sitter.Node) bool {
	t := c.Type()
	if w.g.Skip[t] || strings.HasPrefix(t, "import") {
		return false
	}
	return w.isStatementish(c) || w.g.Flatten[t] || isCallType(t)
}

var (
	verbAnnotation  = regexp.MustCompile(`(?i)^(?:@|#\[)\s*(?:\w+\.)*(get|post|put|patch|delete)(?:mapping)?\b`)
	routeAnnotation = regexp.MustCompile(`(?i)^@\s*(?:\w+\.)*(route|requestmapping|api_view)\b`)
	annotationVerb  = regexp.MustCompile(`(?i)(?:methods?\s*=\s*\[?\s*(?:RequestMethod\.)?["']?|api_view\(\s*\[\s*["'])(get|post|put|patch|delete)`)
	quotedText      = regexp.MustCompile(`["']([^"']*)["']`)
)

// routeFromAnnotation reads decorators like @app.post("/x"), @PostMapping("/x") or #[post("/x")].
func routeFromAnnotation(text string) (method, path string, ok bool) {
	text = strings.TrimSpace(text)
	if m := verbAnnotation.FindStringSubmatch(text); m != nil {
		method = strings.ToUpper(m[1])
	} else if m := routeAnnotation.FindStringSubmatch(text); m != nil {
		method = "ANY"
		if v := annotationVerb.FindStringSubmatch(text); v != nil {
			method = strings.ToUpper(v[1])
		}
		if strings.EqualFold(m[1], "api_view") {
			return method, "", true
		}
	} else {
		return "", "", false
	}
	if q := quotedText.FindStringSubmatch(text); q != nil {
		path = q[1]
	}
	return method, path, true
}

// annotations gathers decorator-like nodes attached to a definition.
func (w *tsWalker) annotations(def, outer *sitter.Node) []string {
	var out []string
	isAnnotation := func(t string) bool {
		switch t {
		case "decorator", "annotation", "marker_annotation", "attribute_item":
			return true
		}
		return false
	}
	for _, c := range w.named(outer) {
		if isAnnotation(c.Type()) {
			out = append(out, w.content(c))
		}
	}
	for _, c := range w.named(def) {
		if c.Type() == "modifiers" {
			for _, m := range w.named(c) {
				if isAnnotation(m.Type()) {
					out = append(out, w.content(m))
				}
			}
		}
	}
	for s := outer.PrevNamedSibling(); s != nil && (isAnnotation(s.Type()) || strings.HasSuffix(s.Type(), "comment")); s = s.PrevNamedSibling() {
		if isAnnotation(s.Type()) {
			out = append(out, w.content(s))
		}
	}
	return out
}

func (w *tsWalker) function(def, outer *sitter.Node) *Node {
	fn := &Node{Kind: KindFunction, Span: w.span(outer), Name: w.content(w.field(def, "name"))}
	body := w.field(def, "body")
	fn.Text = w.content(def)
	if body != nil {
		fn.Text = strings.TrimSpace(string(w.src[def.StartByte():body.StartByte()]))
	}
	fn.SetMeta("language", string(w.g.Dialect))
	for _, a := range w.annotations(def, outer) {
		if method, path, ok := routeFromAnnotation(a); ok {
			fn.SetMeta("route_method", method)
			fn.SetMeta("route_path", path)
			break
		}
	}
	fn.Children = append(fn.Children, w.parameters(w.field(def, "parameters"))...)
	fn.Children = append(fn.Children, w.statements(body)...)
	return fn
}

// routeCall recognizes router.post("/path", handler) style registrations with an inline handler.
func (w *tsWalker) routeCall(c *sitter.Node) (method, path string, lambda *sitter.Node, ok bool) {
	switch c.Type() {
	case "call", "call_expression", "method_invocation":
	default:
		return "", "", nil, false
	}
	callee := w.callee(c)
	m := w.g.Route.FindStringSubmatch(callee)
	if m == nil {
		return "", "", nil, false
	}
	args := w.named(w.field(c, "arguments"))
	if len(args) < 2 || !w.g.Strings[args[0].Type()] || !w.g.Lambdas[args[len(args)-1].Type()] {
		return "", "", nil, false
	}
	path = unquoteLiteral(w.content(args[0]))
	method = strings.ToUpper(m[1])
	if method == "HANDLEFUNC" || method == "HANDLE" {
		method = "ANY"
		if verb, rest, found := strings.Cut(path, " "); found && strings.ToUpper(verb) == verb {
			method, path = verb, strings.TrimSpace(rest)
		}
	}
	return method, path, args[len(args)-1], true
}

func (w *tsWalker) routeFunction(call *sitter.Node, method, path string, lambda *sitter.Node) *Node {
	fn := &Node{Kind: KindFunction, Span: w.span(call), Name: strings.TrimSpace(method + " " + path)}
	body := w.field(lambda, "body")
	fn.Text = w.content(call)
	if body != nil {
		fn.Text = strings.TrimSpace(string(w.src[call.StartByte():body.StartByte()]))
	}
	fn.SetMeta("language", string(w.g.Dialect))
	fn.SetMeta("route_method", method)
	fn.SetMeta("route_path", path)
	fn.Children = append(fn.Children, w.parameters(w.field(lambda, "parameters", "parameter"))...)
	fn.Children = append(fn.Children, w.statements(body)...)
	return fn
}

var receiverNames = map[string]bool{"self": true, "cls": true, "this": true}

func (w *tsWalker) parameters(list *sitter.Node) []*Node {
	if list == nil {
		return nil
	}
	if list.Type() == "identifier" {
		return []*Node{{Kind: KindParameter, Name: w.content(list), Span: w.span(list), Text: w.content(list)}}
	}
	var out []*Node
	for _, c := range w.named(list) {
		t := c.Type()
		if t == "self_parameter" || strings.HasSuffix(t, "comment") {
			continue
		}
		// typescript keeps the colon inside type_annotation
		typ := strings.TrimSpace(strings.TrimPrefix(w.content(w.field(c, "type")), ":"))
		value := w.content(w.field(c, "value"))
		var names []string
		for _, n := range w.children(c, "name") {
			names = append(names, w.content(n))
		}
		if len(names) == 0 {
			switch {
			case t == "identifier":
				names = []string{w.content(c)}
			case w.field(c, "pattern") != nil:
				names = []string{w.content(w.field(c, "pattern"))}
			default:
				for _, sub := range w.named(c) {
					if sub.Type() == "identifier" {
						names = []string{w.content(sub)}
						break
					}
				}
			}
		}
		for _, name := range names {
			if receiverNames[name] || name == "" {
				continue
			}
			p := &Node{Kind: KindParameter, Name: name, Type: typ, Value: value, Span: w.span(c), Text: w.content(c)}
			out = append(out, p)
		}
	}
	return out
}

// statements maps the statements of a body; a non-block body is treated as a single statement.
func (w *tsWalker) statements(body *sitter.Node) []*Node {
	if body == nil {
		return nil
	}
	if !w.g.Blocks[body.Type()] && !w.g.Flatten[body.Type()] {
		if body.Type() == "ERROR" || w.isStatementish(body) {
			return w.statement(body)
		}
		// expression body of an arrow function or closure
		ret := &Node{Kind: KindReturn, Span: w.span(body), Text: w.content(body), Value: w.content(body)}
		if w.g.ErrorReturn.MatchString(ret.Text) {
			ret.Kind = KindRaise
		}
		return []*Node{ret}
	}
	var out []*Node
	for _, c := range w.named(body) {
		out = append(out, w.statement(c)...)
	}
	return out
}

func (w *tsWalker) isStatementish(n *sitter.Node) bool {
	t := n.Type()
	g := w.g
	return g.Ifs[t] || g.Loops[t] || g.Tries[t] || g.Switches[t] || g.Returns[t] || g.Throws[t] ||
		g.Exits[t] || g.Declares[t] || g.Assigns[t] || strings.HasSuffix(t, "_statement")
}

func (w *tsWalker) statement(c *sitter.Node) []*Node {
	t := c.Type()
	g := w.g
	switch {
	case t == "ERROR":
		return []*Node{w.other(c, true)}
	case g.Skip[t]:
		return nil
	case g.Ifs[t]:
		return []*Node{w.ifNode(c)}
	case g.Loops[t]:
		return []*Node{w.loopNode(c)}
	case g.Tries[t]:
		return []*Node{w.tryNode(c)}
	case g.Switches[t]:
		return []*Node{w.switchNode(c)}
	case g.Returns[t]:
		return []*Node{w.returnNode(c)}
	case g.Throws[t]:
		n := &Node{Kind: KindRaise, Name: "exception", Span: w.span(c), Text: w.content(c)}
		if inner := w.named(c); len(inner) > 0 {
			n.Value = w.content(inner[0])
		}
		return []*Node{n}
	case g.Exits[t]:
		return []*Node{{Kind: KindExit, Name: strings.TrimSuffix(strings.TrimSuffix(t, "_statement"), "_expression"), Span: w.span(c), Text: w.content(c)}}
	case g.Declares[t]:
		return w.declarations(c)
	case g.Assigns[t]:
		return []*Node{w.assignment(c)}
	case g.Blocks[t]:
		return []*Node{{Kind: KindBlock, Span: w.span(c), Text: w.content(c), Children: w.statements(w.blockBody(c))}}
	case g.Flatten[t]:
		var out []*Node
		for _, inner := range w.named(c) {
			out = append(out, w.statement(inner)...)
		}
		if len(out) == 0 {
			return []*Node{w.other(c, false)}
		}
		return out
	case isCallType(t):
		return []*Node{w.callNode(c)}
	}
	return []*Node{w.other(c, false)}
}

func (w *tsWalker) blockBody(c *sitter.Node) *sitter.Node {
	if b := w.field(c, "body"); b != nil {
		return b
	}
	return c
}

func isCallType(t string) bool {
	switch t {
	case "call", "call_expression", "method_invocation", "macro_invocation", "object_creation_expression":
		return true
	}
	return false
}

func (w *tsWalker) callee(c *sitter.Node) string {
	var s string
	switch c.Type() {
	case "method_invocation":
		s = w.content(w.field(c, "name"))
		if obj := w.field(c, "object"); obj != nil {
			s = w.content(obj) + "." + s
		}
	case "macro_invocation":
		s = w.content(w.field(c, "macro")) + "!"
	case "object_creation_expression":
		s = "new " + w.content(w.field(c, "type"))
	default:
		s = w.content(w.field(c, "function"))
	}
	return compactCallee(s)
}

// compactCallee drops the line breaks and indentation of a chained callee while leaving
// string literals inside earlier argument lists untouched.
func compactCallee(s string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			b.WriteByte(ch)
			if ch == '\\' && i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			} else if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'' || ch == '`':
			quote = ch
			b.WriteByte(ch)
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func (w *tsWalker) callNode(c *sitter.Node) *Node {
	text := w.content(c)
	if w.g.ErrorCall.MatchString(text) {
		return &Node{Kind: KindRaise, Name: "exception", Span: w.span(c), Text: text, Value: w.content(w.field(c, "arguments"))}
	}
	if n := w.sqlNode(c); n != nil {
		n.SetMeta("via", w.callee(c))
		return n
	}
	return &Node{Kind: KindCall, Name: w.callee(c), Span: w.span(c), Text: text, Value: w.content(w.field(c, "arguments"))}
}

func (w *tsWalker) returnNode(c *sitter.Node) *Node {
	text := w.content(c)
	if w.g.ErrorReturn.MatchString(text) {
		return &Node{Kind: KindRaise, Name: "exception", Span: w.span(c), Text: text, Value: text}
	}
	if n := w.sqlNode(c); n != nil {
		n.SetMeta("returned", "true")
		return n
	}
	n := &Node{Kind: KindReturn, Span: w.span(c), Text: text}
	if inner := w.named(c); len(inner) > 0 {
		n.Value = w.content(inner[0])
	}
	return n
}

func (w *tsWalker) ifNode(c *sitter.Node) *Node {
	n := &Node{Kind: KindIf, Span: w.span(c), Text: w.content(c)}
	w.addBranch(n, c, w.field(c, "condition"), w.field(c, "consequence"))
	for _, alt := range w.children(c, "alternative") {
		w.alternative(n, alt)
	}
	if len(n.Children) > 0 {
		n.Cond = n.Children[0].Cond
	}
	return n
}

func (w *tsWalker) addBranch(n *Node, at, cond, body *sitter.Node) {
	b := &Node{Kind: KindBranch, Cond: stripParens(w.content(cond)), Span: w.span(at)}
	b.Children = w.statements(body)
	n.Children = append(n.Children, b)
}

func (w *tsWalker) alternative(n *Node, alt *sitter.Node) {
	switch t := alt.Type(); {
	case w.g.Ifs[t]:
		n.Children = append(n.Children, w.ifNode(alt).Children...)
	case t == "elif_clause":
		w.addBranch(n, alt, w.field(alt, "condition"), w.field(alt, "consequence"))
	case t == "else_clause":
		if body := w.field(alt, "body"); body != nil {
			w.addBranch(n, alt, nil, body)
			return
		}
		inner := w.named(alt)
		if len(inner) == 1 && w.g.Ifs[inner[0].Type()] {
			n.Children = append(n.Children, w.ifNode(inner[0]).Children...)
			return
		}
		b := &Node{Kind: KindBranch, Span: w.span(alt)}
		for _, s := range inner {
			if w.g.Blocks[s.Type()] {
				b.Children = append(b.Children, w.statements(s)...)
			} else {
				b.Children = append(b.Children, w.statement(s)...)
			}
		}
		n.Children = append(n.Children, b)
	default:
		w.addBranch(n, alt, nil, alt)
	}
}

func (w *tsWalker) loopNode(c *sitter.Node) *Node {
	n := &Node{Kind: KindLoop, Name: c.Type(), Span: w.span(c), Text: w.content(c)}
	body := w.field(c, "body")
	var header []string
	for _, h := range w.named(c) {
		if same(h, body) {
			continue
		}
		header = append(header, w.content(h))
		if n.SQL == nil {
			if s := w.sqlNode(h); s != nil && s.SQL != nil {
				n.SQL = s.SQL
				n.SetMeta("query_loop", "true")
			}
		}
	}
	n.Cond = stripParens(strings.Join(header, " "))
	n.Children = w.statements(body)
	return n
}

func (w *tsWalker) tryNode(c *sitter.Node) *Node {
	n := &Node{Kind: KindTry, Span: w.span(c), Text: w.content(c)}
	if body := w.field(c, "body"); body != nil {
		n.Children = append(n.Children, &Node{Kind: KindBlock, Span: w.span(body), Children: w.statements(body)})
	}
	for _, h := range w.named(c) {
		switch {
		case w.g.Catches[h.Type()]:
			hb := w.field(h, "body")
			var cond []string
			for _, sub := range w.named(h) {
				if same(sub, hb) {
					continue
				}
				if hb == nil && w.g.Blocks[sub.Type()] {
					hb = sub
					continue
				}
				cond = append(cond, w.content(sub))
			}
			n.Children = append(n.Children, &Node{Kind: KindHandler, Cond: strings.Join(cond, " "), Span: w.span(h), Text: w.content(h), Children: w.statements(hb)})
		case h.Type() == "finally_clause":
			n.Children = append(n.Children, &Node{Kind: KindBlock, Span: w.span(h), Children: w.statements(w.blockBody(h))})
			n.Children[len(n.Children)-1].SetMeta("finally", "true")
		}
	}
	return n
}

func (w *tsWalker) switchNode(c *sitter.Node) *Node {
	n := &Node{Kind: KindCase, Span: w.span(c), Text: w.content(c), Value: stripParens(w.content(w.field(c, "value", "condition", "subject")))}
	var visit func(*sitter.Node, int)
	visit = func(x *sitter.Node, depth int) {
		for _, cs := range w.named(x) {
			if w.g.Cases[cs.Type()] {
				n.Children = append(n.Children, w.caseBranch(cs))
			} else if depth < 2 && !same(cs, w.field(c, "value", "condition", "subject")) {
				visit(cs, depth+1)
			}
		}
	}
	visit(c, 0)
	return n
}

func (w *tsWalker) caseBranch(cs *sitter.Node) *Node {
	b := &Node{Kind: KindBranch, Span: w.span(cs)}
	for i := 0; i < int(cs.ChildCount()); i++ {
		sub := cs.Child(i)
		if !sub.IsNamed() {
			continue
		}
		f := cs.FieldNameForChild(i)
		isCond := f == "pattern" || sub.Type() == "switch_label" || sub.Type() == "case_pattern" ||
			(f == "value" && w.g.Dialect != DialectRust)
		switch {
		case isCond:
			if b.Cond != "" {
				b.Cond += ", "
			}
			b.Cond += w.content(sub)
		case w.g.Blocks[sub.Type()]:
			b.Children = append(b.Children, w.statements(sub)...)
		default:
			b.Children = append(b.Children, w.statement(sub)...)
		}
	}
	return b
}

func (w *tsWalker) declarations(c *sitter.Node) []*Node {
	typ := w.content(w.field(c, "type"))
	var out []*Node
	var declarators []*sitter.Node
	for _, d := range w.named(c) {
		if d.Type() == "variable_declarator" || d.Type() == "var_spec" {
			declarators = append(declarators, d)
		}
	}
	if len(declarators) == 0 {
		declarators = []*sitter.Node{c}
	}
	for _, d := range declarators {
		name := w.content(w.field(d, "name", "left", "pattern"))
		valueNode := w.field(d, "value", "right")
		t := typ
		if dt := w.content(w.field(d, "type")); dt != "" {
			t = dt
		}
		if valueNode != nil {
			if s := w.sqlNode(valueNode); s != nil {
				s.Name = name
				s.Span, s.Text = w.span(d), w.content(d)
				if s.SQL != nil && s.SQL.Verb == "SELECT" && len(s.SQL.Into) == 0 {
					s.SQL.Into = []string{strings.ToLower(name)}
				}
				out = append(out, s)
				continue
			}
		}
		out = append(out, &Node{Kind: KindDeclare, Name: name, Type: t, Value: w.content(valueNode), Span: w.span(d), Text: w.content(d)})
	}
	return out
}

func (w *tsWalker) assignment(c *sitter.Node) *Node {
	name := w.content(w.field(c, "left"))
	if name == "" {
		name = w.content(c)
	}
	right := w.field(c, "right")
	if right != nil {
		if s := w.sqlNode(right); s != nil {
			s.Name = name
			s.Span, s.Text = w.span(c), w.content(c)
			if s.SQL != nil && s.SQL.Verb == "SELECT" && len(s.SQL.Into) == 0 {
				s.SQL.Into = []string{strings.ToLower(name)}
			}
			return s
		}
	}
	n := &Node{Kind: KindAssign, Name: name, Value: w.content(right), Span: w.span(c), Text: w.content(c)}
	if t := w.content(w.field(c, "type")); t != "" {
		n.Type = t
	}
	return n
}

var sqlVerb = regexp.MustCompile(`(?i)^\s*(select|insert|update|delete|with)\b`)

// sqlNode finds the first SQL string literal below n and shapes it as a statement node.
// SQL assembled at runtime (formatted or interpolated) becomes KindDynamic.
func (w *tsWalker) sqlNode(n *sitter.Node) *Node {
	var found *Node
	var visit func(*sitter.Node)
	visit = func(x *sitter.Node) {
		if found != nil || x == nil {
			return
		}
		if w.g.Strings[x.Type()] {
			raw := w.content(x)
			text := unquoteLiteral(raw)
			if !sqlVerb.MatchString(text) {
				return
			}
			info := DecomposeSQL(text)
			interpolated := strings.HasPrefix(strings.ToLower(raw), "f") || strings.Contains(raw, "${") || x.NamedChildCount() > 0 && strings.Contains(raw, "{")
			if info == nil || len(info.Tables) == 0 || interpolated {
				found = &Node{Kind: KindDynamic, Span: w.span(n), Text: w.content(n), Value: text}
				return
			}
			found = &Node{Kind: sqlKind(info.Verb), Span: w.span(n), Text: w.content(n), Value: text, SQL: info}
			return
		}
		for _, c := range w.named(x) {
			if w.g.Lambdas[c.Type()] {
				continue
			}
			visit(c)
		}
	}
	visit(n)
	return found
}

func sqlKind(verb string) NodeKind {
	switch verb {
	case "SELECT":
		return KindSelect
	case "INSERT":
		return KindInsert
	case "DELETE":
		return KindDelete
	}
	return KindUpdate
}

var literalPrefix = regexp.MustCompile(`^[rRbBuUfF]{0,2}#*`)

// unquoteLiteral strips prefixes and quotes from a string literal in any supported language.
func unquoteLiteral(s string) string {
	s = strings.TrimSpace(s)
	s = literalPrefix.ReplaceAllString(s, "")
	for _, q := range []string{`"""`, `'''`, "`", `"`, `'`} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) {
			s = strings.TrimPrefix(s, q)
			s = strings.TrimRight(s, "#")
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}

func stripParens(s string) string {
	s = strings.TrimSpace(s)
	for len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' && balanced(s[1:len(s)-1]) {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func balanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func same(a, b *sitter.Node) bool {
	return a != nil && b != nil && a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}
