package analysis

import (
	"sort"
	"strconv"
	"strings"

	"revspec/internal/extractor"
)

type handler func(w *walker, n *extractor.Node)

// Analyzer turns a uniform syntax tree into facts with a single depth-first walk.
// The dispatch table is fixed at construction; unknown node kinds become raw_opaque facts.
type Analyzer struct {
	dispatch map[extractor.NodeKind]handler
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{dispatch: map[extractor.NodeKind]handler{
		extractor.KindUnit:      descend,
		extractor.KindBlock:     descend,
		extractor.KindBranch:    descend,
		extractor.KindFunction:  function,
		extractor.KindTable:     table,
		extractor.KindParameter: parameter,
		extractor.KindDeclare:   declaration,
		extractor.KindAssign:    assignment,
		extractor.KindSelect:    query,
		extractor.KindCursor:    cursor,
		extractor.KindInsert:    mutation("insert"),
		extractor.KindUpdate:    mutation("update"),
		extractor.KindDelete:    mutation("delete"),
		extractor.KindDynamic:   opaque("dynamic_sql"),
		extractor.KindOther:     opaque("unrecognized"),
		extractor.KindPerform:   call,
		extractor.KindCall:      call,
		extractor.KindRaise:     raise,
		extractor.KindReturn:    ret,
		extractor.KindIf:        conditional,
		extractor.KindCase:      control("case"),
		extractor.KindLoop:      loop,
		extractor.KindTry:       control("try"),
		extractor.KindHandler:   control("exception_handler"),
		extractor.KindExit:      exit,
	}}
}

// Analyze walks root once and returns facts in source order. Output depends only on the tree.
func (a *Analyzer) Analyze(root *extractor.Node) []Fact {
	w := &walker{a: a, parents: []int{-1}}
	if root != nil {
		w.visit(root)
	}
	return w.facts
}

type walker struct {
	a        *Analyzer
	facts    []Fact
	function string
	route    string
	parents  []int
}

func (w *walker) visit(n *extractor.Node) {
	h, ok := w.a.dispatch[n.Kind]
	if !ok {
		h = opaque("unknown_kind")
	}
	h(w, n)
}

func (w *walker) emit(kind FactKind, n *extractor.Node) *Fact {
	f := Fact{
		ID:         len(w.facts),
		Kind:       kind,
		Span:       n.Span,
		Function:   w.function,
		Route:      w.route,
		Text:       n.Text,
		Confidence: 1.0,
		Depth:      len(w.parents) - 1,
		Parent:     w.parents[len(w.parents)-1],
		Detail:     map[string]string{},
	}
	w.facts = append(w.facts, f)
	return &w.facts[len(w.facts)-1]
}

// within visits children with the given fact as their structural parent.
func (w *walker) within(parent int, children []*extractor.Node) {
	w.parents = append(w.parents, parent)
	for _, c := range children {
		w.visit(c)
	}
	w.parents = w.parents[:len(w.parents)-1]
}

func descend(w *walker, n *extractor.Node) {
	for _, c := range n.Children {
		w.visit(c)
	}
}

func function(w *walker, n *extractor.Node) {
	prevFn, prevRoute := w.function, w.route
	w.function = n.Name
	w.route = ""
	if m := n.Meta["route_method"]; m != "" {
		w.route = strings.TrimSpace(m + " " + n.Meta["route_path"])
	}
	descend(w, n)
	w.function, w.route = prevFn, prevRoute
}

func table(w *walker, n *extractor.Node) {
	f := w.emit(FactSchema, n)
	f.Tables = []string{n.Name}
	if n.SQL != nil {
		f.Columns = n.SQL.Columns
	}
	f.Identifiers = f.Columns
	for k, v := range n.Meta {
		f.Detail[k] = v
	}
}

func parameter(w *walker, n *extractor.Node) {
	f := w.emit(FactParameter, n)
	f.Identifiers = []string{strings.ToLower(n.Name)}
	setDetail(f, "type", n.Type)
	setDetail(f, "default", n.Value)
	setDetail(f, "mode", n.Meta["mode"])
}

func declaration(w *walker, n *extractor.Node) {
	f := w.emit(FactDeclaration, n)
	f.Identifiers = append([]string{strings.ToLower(n.Name)}, Identifiers(n.Value)...)
	setDetail(f, "name", strings.ToLower(n.Name))
	setDetail(f, "type", n.Type)
	setDetail(f, "value", n.Value)
	setDetail(f, "constant", n.Meta["constant"])
	applySQL(f, n.SQL)
}

func assignment(w *walker, n *extractor.Node) {
	f := w.emit(FactAssignment, n)
	f.Identifiers = append([]string{strings.ToLower(n.Name)}, Identifiers(n.Value)...)
	setDetail(f, "target", strings.ToLower(n.Name))
	setDetail(f, "value", n.Value)
	setDetail(f, "diagnostics", n.Meta["diagnostics"])
	applySQL(f, n.SQL)
}

func query(w *walker, n *extractor.Node) {
	f := w.emit(FactQuery, n)
	applySQL(f, n.SQL)
	if n.SQL != nil {
		f.Identifiers = append(append([]string{}, n.SQL.Into...), Identifiers(n.SQL.Where)...)
	}
	setDetail(f, "returned", n.Meta["returned"])
}

func cursor(w *walker, n *extractor.Node) {
	f := w.emit(FactQuery, n)
	setDetail(f, "cursor_op", n.Name)
	setDetail(f, "cursor", n.Meta["cursor"])
	applySQL(f, n.SQL)
}

func mutation(op string) handler {
	return func(w *walker, n *extractor.Node) {
		f := w.emit(FactMutation, n)
		f.Detail["operation"] = op
		applySQL(f, n.SQL)
		if n.SQL != nil {
			f.Identifiers = Identifiers(n.SQL.Where)
			for _, a := range n.SQL.Assignments {
				f.Detail["set."+a.Column] = a.Value
				f.Identifiers = append(f.Identifiers, Identifiers(a.Value)...)
			}
			f.Identifiers = dedupe(f.Identifiers)
		}
		setDetail(f, "via", n.Meta["via"])
	}
}

func opaque(reason string) handler {
	return func(w *walker, n *extractor.Node) {
		f := w.emit(FactRawOpaque, n)
		f.Detail["reason"] = reason
		if n.Meta["error"] != "" {
			f.Detail["reason"] = "partial_parse"
			f.Detail["error"] = n.Meta["error"]
		}
		setDetail(f, "node_type", n.Meta["node_type"])
		setDetail(f, "statement", n.Meta["statement"])
		if n.Kind == extractor.KindDynamic {
			f.Identifiers = Identifiers(n.Value)
		}
	}
}

func call(w *walker, n *extractor.Node) {
	f := w.emit(FactCall, n)
	setDetail(f, "callee", n.Name)
	if n.Kind == extractor.KindPerform {
		f.Detail["perform"] = "true"
	}
	if n.Name != "" {
		f.Identifiers = []string{strings.ToLower(n.Name)}
	}
}

func raise(w *walker, n *extractor.Node) {
	f := w.emit(FactRaise, n)
	setDetail(f, "level", n.Name)
	setDetail(f, "message", n.Value)
	setDetail(f, "errcode", n.Meta["errcode"])
	setDetail(f, "condition", n.Meta["condition"])
}

func ret(w *walker, n *extractor.Node) {
	f := w.emit(FactReturn, n)
	setDetail(f, "value", n.Value)
	setDetail(f, "mode", n.Meta["mode"])
	f.Identifiers = Identifiers(n.Value)
	applySQL(f, n.SQL)
}

func exit(w *walker, n *extractor.Node) {
	f := w.emit(FactControlFlow, n)
	f.Detail["construct"] = "exit"
	setDetail(f, "keyword", n.Name)
	setDetail(f, "condition", n.Cond)
	f.Identifiers = Identifiers(n.Cond)
}

// conditional collapses guard clauses (every branch conditional and raise-only) into a single
// validation fact; any other IF is control flow and its branches are walked.
func conditional(w *walker, n *extractor.Node) {
	if isGuard(n) {
		f := w.emit(FactValidation, n)
		var conds []string
		for _, b := range n.Children {
			conds = append(conds, b.Cond)
			f.Identifiers = append(f.Identifiers, Identifiers(b.Cond)...)
			for _, c := range b.Children {
				if c.Kind == extractor.KindRaise {
					setDetail(f, "message", c.Value)
					setDetail(f, "errcode", c.Meta["errcode"])
				}
			}
		}
		f.Identifiers = dedupe(f.Identifiers)
		f.Detail["condition"] = strings.Join(conds, " OR ")
		f.Detail["checks"] = strconv.Itoa(len(conds))
		lits := Literals(f.Detail["condition"])
		if len(lits) > 0 {
			f.Detail["literal"] = lits[0]
		}
		setDetail(f, "assert", n.Meta["assert"])
		return
	}
	f := w.emit(FactControlFlow, n)
	f.Detail["construct"] = "if"
	f.Detail["condition"] = n.Cond
	f.Detail["branches"] = strconv.Itoa(len(n.Children))
	f.Identifiers = Identifiers(n.Cond)
	w.within(f.ID, n.Children)
}

func isGuard(n *extractor.Node) bool {
	if len(n.Children) == 0 {
		return false
	}
	for _, b := range n.Children {
		if b.Cond == "" || len(b.Children) == 0 {
			return false
		}
		raised := false
		for _, c := range b.Children {
			switch {
			case c.Kind == extractor.KindRaise && (c.Name == "" || c.Name == "exception"):
				raised = true
			case c.Kind == extractor.KindReturn && raised:
			default:
				return false
			}
		}
		if !raised {
			return false
		}
	}
	return true
}

func control(construct string) handler {
	return func(w *walker, n *extractor.Node) {
		f := w.emit(FactControlFlow, n)
		f.Detail["construct"] = construct
		setDetail(f, "condition", n.Cond)
		setDetail(f, "subject", n.Value)
		f.Identifiers = Identifiers(n.Cond + " " + n.Value)
		if construct == "try" {
			// the protected block is not a separate construct
			var kids []*extractor.Node
			for _, c := range n.Children {
				if c.Kind == extractor.KindBlock {
					kids = append(kids, c.Children...)
					continue
				}
				kids = append(kids, c)
			}
			w.within(f.ID, kids)
			return
		}
		w.within(f.ID, n.Children)
	}
}

func loop(w *walker, n *extractor.Node) {
	f := w.emit(FactControlFlow, n)
	f.Detail["construct"] = "loop"
	setDetail(f, "keyword", n.Name)
	setDetail(f, "condition", n.Cond)
	setDetail(f, "variable", n.Meta["variable"])
	setDetail(f, "query_loop", n.Meta["query_loop"])
	setDetail(f, "dynamic", n.Meta["dynamic"])
	f.Identifiers = Identifiers(n.Cond)
	applySQL(f, n.SQL)
	w.within(f.ID, n.Children)
}

func applySQL(f *Fact, info *extractor.SQLInfo) {
	if info == nil {
		return
	}
	f.Tables = append([]string{}, info.Tables...)
	f.Columns = append([]string{}, info.Columns...)
	setDetail(f, "verb", strings.ToLower(info.Verb))
	setDetail(f, "where", info.Where)
	setDetail(f, "into", strings.Join(info.Into, ","))
	setDetail(f, "aggregates", strings.Join(info.Aggregates, ","))
	setDetail(f, "returning", strings.Join(info.Returning, ","))
	if info.Conflict {
		f.Detail["upsert"] = "true"
	}
}

func setDetail(f *Fact, key, value string) {
	if value != "" {
		f.Detail[key] = value
	}
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ByFunction groups fact IDs by enclosing function, preserving order. Keys are sorted.
func ByFunction(facts []Fact) ([]string, map[string][]int) {
	groups := map[string][]int{}
	for _, f := range facts {
		groups[f.Function] = append(groups[f.Function], f.ID)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, groups
}
