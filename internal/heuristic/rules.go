package heuristic

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"revspec/internal/analysis"
)

// Rule inspects the whole fact sequence of a file and reports evidence. Rules must be pure.
type Rule interface {
	Name() string
	Apply(facts []analysis.Fact) []Evidence
}

type ruleFunc struct {
	name string
	fn   func(name string, facts []analysis.Fact) []Evidence
}

func (r ruleFunc) Name() string { return r.name }

func (r ruleFunc) Apply(facts []analysis.Fact) []Evidence { return r.fn(r.name, facts) }

// DefaultRules returns the built-in rule set in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		ruleFunc{"parameter", parameterRule},
		ruleFunc{"declaration", declarationRule},
		ruleFunc{"assignment", assignmentRule},
		ruleFunc{"query", queryRule},
		ruleFunc{"control-flow", controlFlowRule},
		ruleFunc{"raise", raiseRule},
		ruleFunc{"return", returnRule},
		ruleFunc{"call", callRule},
		ruleFunc{"guard", guardRule},
		ruleFunc{"crud", crudRule},
		ruleFunc{"route-verb", routeVerbRule},
		ruleFunc{"soft-delete", softDeleteRule},
		ruleFunc{"audit-trail", auditTrailRule},
		ruleFunc{"validate-then-mutate", validateThenMutateRule},
		ruleFunc{"validation-chain", validationChainRule},
		ruleFunc{"aggregate-check", aggregateCheckRule},
		ruleFunc{"entity", entityRule},
		ruleFunc{"trinity", trinityRule},
		ruleFunc{"entity-timestamps", timestampsRule},
		ruleFunc{"audit-fields", auditFieldsRule},
	}
}

const (
	familyField      = "field"
	familyStatement  = "statement"
	familyAction     = "action"
	familyValidation = "validation"
)

var frameworkParam = regexp.MustCompile(`(?i)^(?:\*?(?:http\.)?(?:responsewriter|request)|req|res|next|ctx|context\.context|httpservletrequest|httpresponse|web::\w+<.*>|db|session|conn)$`)

func one(f analysis.Fact) []int { return []int{f.ID} }

func parameterRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactParameter {
			continue
		}
		pname := f.Identifiers[0]
		params := map[string]string{"name": pname, "type": f.Get("type"), "default": f.Get("default"), "mode": f.Get("mode")}
		if frameworkParam.MatchString(pname) || frameworkParam.MatchString(strings.ReplaceAll(f.Get("type"), " ", "")) {
			out = append(out, Evidence{Rule: name, Idiom: "framework-parameter", Shape: "framework plumbing", Family: familyField,
				Category: CategoryField, Facts: one(f), Contribution: 0.7, Params: params})
			continue
		}
		out = append(out, Evidence{Rule: name, Idiom: "input-field", Shape: "action input", Family: familyField,
			Category: CategoryField, Facts: one(f), Contribution: 0.9, Params: params})
		if f.Get("type") != "" {
			out = append(out, Evidence{Rule: name + ":typed", Idiom: "input-field", Family: familyField, Facts: one(f), Contribution: 0.3})
		}
	}
	return out
}

func declarationRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactDeclaration {
			continue
		}
		purpose := Purpose(f.Get("name"), f.Get("type"))
		params := map[string]string{"name": f.Get("name"), "type": f.Get("type"), "purpose": purpose}
		switch {
		case len(f.Tables) > 0:
			out = append(out, Evidence{Rule: name, Idiom: "cursor-declaration", Shape: "query source", Family: familyField,
				Category: CategoryQuery, Facts: one(f), Contribution: 0.88, Params: params})
		case f.Get("constant") != "":
			out = append(out, Evidence{Rule: name, Idiom: "constant", Shape: "named constant", Family: familyField,
				Category: CategoryField, Facts: one(f), Contribution: 0.92, Params: params})
		default:
			out = append(out, Evidence{Rule: name, Idiom: "local-variable", Shape: "local variable", Family: familyField,
				Category: CategoryField, Facts: one(f), Contribution: 0.85, Params: params})
			if purpose != "value" {
				out = append(out, Evidence{Rule: name + ":purpose", Idiom: "local-variable", Family: familyField, Facts: one(f), Contribution: 0.4})
			}
		}
	}
	return out
}

func assignmentRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactAssignment {
			continue
		}
		params := map[string]string{"target": f.Get("target"), "purpose": Purpose(f.Get("target"), "")}
		e := Evidence{Rule: name, Family: familyStatement, Category: CategoryField, Facts: one(f), Params: params}
		switch {
		case f.Get("diagnostics") != "":
			e.Idiom, e.Shape, e.Contribution = "row-count-check", "diagnostics read", 0.86
		case f.Get("aggregates") != "":
			e.Idiom, e.Shape, e.Contribution, e.Category = "aggregate-lookup", "computed aggregate", 0.88, CategoryQuery
			params["aggregate"] = f.Get("aggregates")
		case len(f.Tables) > 0:
			e.Idiom, e.Shape, e.Contribution, e.Category = "lookup", "select into variable", 0.86, CategoryQuery
		default:
			e.Idiom, e.Shape, e.Contribution = "compute-value", "computed value", 0.87
		}
		out = append(out, e)
	}
	return out
}

func queryRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactQuery {
			continue
		}
		params := map[string]string{"tables": strings.Join(f.Tables, ","), "into": f.Get("into")}
		e := Evidence{Rule: name, Family: familyStatement, Category: CategoryQuery, Facts: one(f), Params: params}
		switch {
		case f.Get("cursor_op") != "":
			e.Idiom, e.Shape, e.Contribution = "cursor-operation", "cursor step", 0.86
			params["cursor_op"] = f.Get("cursor_op")
		case f.Get("returned") != "":
			e.Idiom, e.Shape, e.Contribution = "return-query", "query result", 0.88
		case f.Get("aggregates") != "":
			e.Idiom, e.Shape, e.Contribution = "aggregate-lookup", "computed aggregate", 0.88
			params["aggregate"] = f.Get("aggregates")
		case f.Get("into") != "":
			e.Idiom, e.Shape, e.Contribution = "lookup", "select into variable", 0.88
		default:
			e.Idiom, e.Shape, e.Contribution = "query", "read", 0.8
		}
		out = append(out, e)
	}
	return out
}

func controlFlowRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactControlFlow {
			continue
		}
		e := Evidence{Rule: name, Family: familyStatement, Category: CategoryControlFlow, Facts: one(f),
			Params: map[string]string{"condition": f.Get("condition")}}
		switch f.Get("construct") {
		case "if":
			e.Idiom, e.Shape, e.Contribution = "conditional-branch", "conditional step", 0.86
		case "case":
			e.Idiom, e.Shape, e.Contribution = "case-dispatch", "conditional step", 0.86
		case "loop":
			switch {
			case f.Get("query_loop") != "":
				e.Idiom, e.Shape, e.Contribution = "iterate-query", "foreach over query", 0.88
				e.Template = template("iterate-query", "steps:", "  - foreach: $record in select from $entity")
				e.Params["tables"] = strings.Join(f.Tables, ",")
			case f.Get("dynamic") != "":
				e.Idiom, e.Shape, e.Contribution = "dynamic-loop", "foreach over dynamic query", 0.6
			default:
				e.Idiom, e.Shape, e.Contribution = "loop", "repeat step", 0.86
			}
		case "try":
			e.Idiom, e.Shape, e.Contribution = "exception-block", "protected steps", 0.86
		case "exception_handler":
			e.Idiom, e.Shape, e.Contribution = "exception-handler", "error handler", 0.88
			e.Template = template("exception-handler", "on_error: $condition", "steps: $handler")
		case "exit":
			e.Idiom, e.Shape, e.Contribution = "loop-exit", "loop control", 0.86
		default:
			continue
		}
		out = append(out, e)
	}
	return out
}

func raiseRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactRaise {
			continue
		}
		params := map[string]string{"message": f.Get("message"), "errcode": f.Get("errcode"), "level": f.Get("level")}
		if lvl := f.Get("level"); lvl == "" || lvl == "exception" {
			out = append(out, Evidence{Rule: name, Idiom: "raise-error", Shape: "error step", Family: familyStatement,
				Category: CategoryValidation, Facts: one(f), Contribution: 0.88, Params: params})
			continue
		}
		out = append(out, Evidence{Rule: name, Idiom: "log-message", Shape: "notify step", Family: familyStatement,
			Category: CategorySideEffect, Facts: one(f), Contribution: 0.9, Params: params})
	}
	return out
}

func returnRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactReturn {
			continue
		}
		e := Evidence{Rule: name, Family: familyStatement, Category: CategoryQuery, Facts: one(f),
			Params: map[string]string{"value": f.Get("value")}}
		if len(f.Tables) > 0 {
			e.Idiom, e.Shape, e.Contribution = "return-query", "query result", 0.88
		} else {
			e.Idiom, e.Shape, e.Contribution = "return-value", "action result", 0.9
		}
		out = append(out, e)
	}
	return out
}

func callRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactCall {
			continue
		}
		e := Evidence{Rule: name, Idiom: "procedure-call", Shape: "call step", Family: familyStatement,
			Category: CategorySideEffect, Facts: one(f), Contribution: 0.65, Params: map[string]string{"callee": f.Get("callee")}}
		if f.Get("perform") != "" {
			e.Idiom, e.Contribution = "perform-call", 0.7
		}
		out = append(out, e)
	}
	return out
}

func guardRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactValidation {
			continue
		}
		params := map[string]string{"condition": f.Get("condition"), "message": f.Get("message"), "errcode": f.Get("errcode")}
		out = append(out, Evidence{Rule: name, Idiom: "guard", Shape: "validation step", Family: familyAction,
			Category: CategoryValidation, Facts: one(f), Contribution: 0.85, Params: params})
		if f.Get("message") != "" || f.Get("errcode") != "" {
			out = append(out, Evidence{Rule: name + ":message", Idiom: "guard", Family: familyAction, Facts: one(f), Contribution: 0.2})
		}
	}
	return out
}

func crudRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactMutation {
			continue
		}
		op := f.Get("operation")
		params := map[string]string{"operation": op, "table": first(f.Tables), "fields": strings.Join(setColumns(f), ",")}
		if f.Get("upsert") != "" {
			out = append(out, Evidence{Rule: name, Idiom: "upsert", Shape: "upsert action", Family: familyAction,
				Category: CategoryMutation, Facts: one(f), Contribution: 0.85, Params: params,
				Template: template("upsert", "steps:", "  - insert: $entity", "    on_conflict: update")})
			continue
		}
		out = append(out, Evidence{Rule: name, Idiom: "crud-" + op, Shape: op + " action", Family: familyAction,
			Category: CategoryMutation, Facts: one(f), Contribution: 0.8, Params: params, Template: crudTemplate(op, setColumns(f))})
	}
	return out
}

var verbOps = map[string][]string{
	"POST":   {"insert", "upsert"},
	"PUT":    {"update", "upsert"},
	"PATCH":  {"update"},
	"DELETE": {"delete", "soft-delete"},
}

// routeVerbRule corroborates a mutation when the enclosing route's HTTP verb agrees with it.
func routeVerbRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactMutation || f.Route == "" {
			continue
		}
		verb := strings.ToUpper(strings.Fields(f.Route)[0])
		for _, op := range verbOps[verb] {
			idiom := "crud-" + op
			switch {
			case op == "upsert" && f.Get("upsert") != "":
				idiom = "upsert"
			case op == "soft-delete" && isSoftDelete(f):
				idiom = "soft-delete"
			case op != f.Get("operation"):
				continue
			}
			out = append(out, Evidence{Rule: name, Idiom: idiom, Family: familyAction, Facts: one(f), Contribution: 0.3,
				Params: map[string]string{"route": f.Route}})
		}
	}
	return out
}

var softDeleteColumns = map[string]bool{"deleted_at": true, "is_deleted": true, "deleted": true, "archived_at": true, "removed_at": true}

func isSoftDelete(f analysis.Fact) bool {
	if f.Get("operation") != "update" {
		return false
	}
	for _, c := range setColumns(f) {
		if softDeleteColumns[c] {
			return true
		}
	}
	return false
}

func softDeleteRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactMutation || !isSoftDelete(f) {
			continue
		}
		out = append(out, Evidence{Rule: name, Idiom: "soft-delete", Shape: "delete action", Family: familyAction,
			Category: CategoryMutation, Facts: one(f), Contribution: 0.85, Template: softDeleteTemplate,
			Params: map[string]string{"table": first(f.Tables)}})
	}
	return out
}

var auditTable = regexp.MustCompile(`(?i)(?:^|_)(?:audit|history|log|events?|changes?)(?:_log|s)?$`)

func auditTrailRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, scope := range scopes(facts) {
		mutations := 0
		for _, f := range scope {
			if f.Kind == analysis.FactMutation {
				mutations++
			}
		}
		for _, f := range scope {
			if f.Kind != analysis.FactMutation || f.Get("operation") != "insert" || !auditTable.MatchString(first(f.Tables)) {
				continue
			}
			out = append(out, Evidence{Rule: name, Idiom: "audit-trail", Shape: "history record", Family: familyAction,
				Category: CategorySideEffect, Facts: one(f), Contribution: 0.82, Template: auditTrailTemplate,
				Params: map[string]string{"table": first(f.Tables)}})
			if mutations > 1 {
				out = append(out, Evidence{Rule: name + ":paired", Idiom: "audit-trail", Family: familyAction, Facts: one(f), Contribution: 0.3})
			}
		}
	}
	return out
}

// validateThenMutateRule pairs each mutation with the nearest preceding guard in the same block.
func validateThenMutateRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, scope := range scopes(facts) {
		for i, m := range scope {
			if m.Kind != analysis.FactMutation {
				continue
			}
			vi := -1
			for j := i - 1; j >= 0; j-- {
				if scope[j].Kind == analysis.FactValidation && scope[j].Parent == m.Parent {
					vi = j
					break
				}
			}
			if vi < 0 {
				continue
			}
			v := scope[vi]
			op := m.Get("operation")
			idiom := "validate-then-" + op
			ids := []int{v.ID, m.ID}
			params := map[string]string{"condition": v.Get("condition"), "table": first(m.Tables)}
			transition := stateTransition(v, m)
			if transition != "" {
				params["field"] = transition
				params["from"] = v.Get("literal")
				params["to"] = unquote(m.Get("set." + transition))
			}
			out = append(out, Evidence{Rule: name, Idiom: idiom, Shape: idiom + " action", Family: familyAction,
				Category: CategoryValidation, Facts: ids, Contribution: 0.75, Params: params,
				Template: validateThenTemplate(op, setColumns(m), transition)})
			if adjacent(scope[vi+1 : i]) {
				out = append(out, Evidence{Rule: name + ":adjacent", Idiom: idiom, Family: familyAction, Facts: ids, Contribution: 0.4})
			}
			if transition != "" {
				out = append(out, Evidence{Rule: name + ":state-transition", Idiom: idiom, Family: familyAction, Facts: ids, Contribution: 0.5})
			}
		}
	}
	return out
}

// adjacent reports whether only bookkeeping statements sit between a guard and its mutation.
func adjacent(between []analysis.Fact) bool {
	for _, f := range between {
		switch f.Kind {
		case analysis.FactDeclaration, analysis.FactAssignment, analysis.FactQuery, analysis.FactValidation:
		default:
			return false
		}
	}
	return true
}

// stateTransition returns the column that a guard checks against a literal and the mutation then sets to a literal.
func stateTransition(v, m analysis.Fact) string {
	if m.Get("operation") != "update" || v.Get("literal") == "" {
		return ""
	}
	checked := map[string]bool{}
	for _, id := range v.Identifiers {
		checked[analysis.BaseName(id)] = true
	}
	for _, col := range setColumns(m) {
		if checked[col] && strings.HasPrefix(m.Get("set."+col), "'") {
			return col
		}
	}
	return ""
}

func validationChainRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, scope := range scopes(facts) {
		for i := 0; i < len(scope); {
			j := i
			for j < len(scope) && scope[j].Kind == analysis.FactValidation && scope[j].Parent == scope[i].Parent {
				j++
			}
			if n := j - i; n >= 2 {
				ids := make([]int, 0, n)
				for _, f := range scope[i:j] {
					ids = append(ids, f.ID)
				}
				out = append(out, Evidence{Rule: name, Idiom: "validation-chain", Shape: "preconditions", Family: familyValidation,
					Category: CategoryValidation, Facts: ids, Contribution: 0.7,
					Template: template("validation-chain", "checks: "+strconv.Itoa(n)),
					Params:   map[string]string{"checks": strconv.Itoa(n)}})
				out = append(out, Evidence{Rule: name + ":length", Idiom: "validation-chain", Family: familyValidation, Facts: ids,
					Contribution: clamp(0.2*float64(n-1), 0, 0.6)})
			}
			if j == i {
				j++
			}
			i = j
		}
	}
	return out
}

var comparison = regexp.MustCompile(`[<>]=?`)

// aggregateCheckRule finds an aggregate read into a variable that a later guard then tests.
func aggregateCheckRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, scope := range scopes(facts) {
		for i, q := range scope {
			if q.Get("aggregates") == "" {
				continue
			}
			target := q.Get("into")
			if q.Kind == analysis.FactAssignment {
				target = q.Get("target")
			}
			if target == "" {
				continue
			}
			vars := map[string]bool{}
			for _, t := range strings.Split(target, ",") {
				vars[strings.ToLower(strings.TrimSpace(t))] = true
			}
			for _, v := range scope[i+1:] {
				if v.Kind != analysis.FactValidation || !mentions(v, vars) {
					continue
				}
				ids := []int{q.ID, v.ID}
				agg := strings.ToLower(strings.SplitN(q.Get("aggregates"), "(", 2)[0])
				out = append(out, Evidence{Rule: name, Idiom: "aggregate-check", Shape: "threshold validation", Family: familyValidation,
					Category: CategoryValidation, Facts: ids, Contribution: 0.78,
					Template: template("aggregate-check", "steps:", "  - aggregate: "+agg+"($column) from $entity", "  - validate: $total against $threshold"),
					Params:   map[string]string{"aggregate": q.Get("aggregates"), "variable": target, "table": first(q.Tables)}})
				if comparison.MatchString(v.Get("condition")) {
					out = append(out, Evidence{Rule: name + ":threshold", Idiom: "aggregate-check", Family: familyValidation, Facts: ids, Contribution: 0.3})
				}
				break
			}
		}
	}
	return out
}

func mentions(f analysis.Fact, vars map[string]bool) bool {
	for _, id := range f.Identifiers {
		if vars[id] {
			return true
		}
	}
	return false
}

func entityRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactSchema {
			continue
		}
		out = append(out, Evidence{Rule: name, Idiom: "entity", Shape: "entity definition", Family: "entity",
			Category: CategoryEntity, Facts: one(f), Contribution: 0.95,
			Params: map[string]string{"table": first(f.Tables), "fields": strings.Join(f.Columns, ","), "primary_key": f.Get("primary_key")}})
	}
	return out
}

func trinityRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactSchema {
			continue
		}
		cols := columnSet(f)
		var pk string
		for _, c := range f.Columns {
			if strings.HasPrefix(c, "pk_") {
				pk = c
				break
			}
		}
		if pk == "" || !cols["id"] || !(cols["identifier"] || cols["slug"]) {
			continue
		}
		out = append(out, Evidence{Rule: name, Idiom: "trinity-identifiers", Shape: "identifier fields", Family: "entity-identifiers",
			Category: CategoryEntity, Facts: one(f), Contribution: 0.85, Template: trinityTemplate,
			Params: map[string]string{"table": first(f.Tables), "surrogate_key": pk}})
		if strings.HasPrefix(f.Get("type:id"), "uuid") {
			out = append(out, Evidence{Rule: name + ":uuid", Idiom: "trinity-identifiers", Family: "entity-identifiers", Facts: one(f), Contribution: 0.3})
		}
	}
	return out
}

func timestampsRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		if f.Kind != analysis.FactSchema {
			continue
		}
		cols := columnSet(f)
		if !cols["created_at"] || !cols["updated_at"] {
			continue
		}
		if cols["deleted_at"] {
			out = append(out, Evidence{Rule: name, Idiom: "soft-delete-timestamps", Shape: "lifecycle fields", Family: "entity-timestamps",
				Category: CategoryEntity, Facts: one(f), Contribution: 0.9, Template: softDeleteTimestampsTemplate,
				Params: map[string]string{"table": first(f.Tables)}})
			continue
		}
		out = append(out, Evidence{Rule: name, Idiom: "audit-timestamps", Shape: "lifecycle fields", Family: "entity-timestamps",
			Category: CategoryEntity, Facts: one(f), Contribution: 0.8, Params: map[string]string{"table": first(f.Tables)}})
	}
	return out
}

func auditFieldsRule(name string, facts []analysis.Fact) []Evidence {
	var out []Evidence
	for _, f := range facts {
		cols := columnSet(f)
		if f.Kind != analysis.FactSchema || !cols["created_by"] || !cols["updated_by"] {
			continue
		}
		out = append(out, Evidence{Rule: name, Idiom: "audit-fields", Shape: "actor fields", Family: "entity-audit",
			Category: CategoryEntity, Facts: one(f), Contribution: 0.85, Template: auditFieldsTemplate,
			Params: map[string]string{"table": first(f.Tables)}})
	}
	return out
}

// scopes splits facts into per-function runs, preserving order.
func scopes(facts []analysis.Fact) [][]analysis.Fact {
	var out [][]analysis.Fact
	for i := 0; i < len(facts); {
		j := i
		for j < len(facts) && facts[j].Function == facts[i].Function {
			j++
		}
		out = append(out, facts[i:j])
		i = j
	}
	return out
}

func setColumns(f analysis.Fact) []string {
	var cols []string
	for k := range f.Detail {
		if strings.HasPrefix(k, "set.") {
			cols = append(cols, strings.TrimPrefix(k, "set."))
		}
	}
	if len(cols) == 0 {
		return f.Columns
	}
	sort.Strings(cols)
	return cols
}

func columnSet(f analysis.Fact) map[string]bool {
	s := make(map[string]bool, len(f.Columns))
	for _, c := range f.Columns {
		s[strings.ToLower(c)] = true
	}
	return s
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}
