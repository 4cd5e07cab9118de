package extractor

import (
	"strings"
)

var aggregateFuncs = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"bool_and": true, "bool_or": true, "array_agg": true, "string_agg": true, "exists": true,
}

// clause keywords that switch the scanner when met at paren depth 0.
var clauseKeywords = map[string]string{
	"SELECT":    "select",
	"INTO":      "into",
	"FROM":      "from",
	"WHERE":     "where",
	"GROUP":     "group",
	"HAVING":    "having",
	"ORDER":     "order",
	"LIMIT":     "limit",
	"OFFSET":    "limit",
	"RETURNING": "returning",
	"SET":       "set",
	"VALUES":    "values",
	"USING":     "using",
	"FOR":       "lock",
	"UNION":     "union",
	"EXCEPT":    "union",
	"INTERSECT": "union",
	"WINDOW":    "window",
}

var fromStopWords = map[string]bool{
	"ON": true, "JOIN": true, "LEFT": true, "RIGHT": true, "FULL": true, "INNER": true,
	"OUTER": true, "CROSS": true, "NATURAL": true, "LATERAL": true, "AS": true, "USING": true,
}

// DecomposeSQL splits one SQL statement into verb, tables, columns and clauses.
// It returns nil when text does not start with a recognized DML verb.
func DecomposeSQL(text string) *SQLInfo {
	src := []byte(strings.TrimSpace(text))
	lines := newLineIndex(src)
	toks, err := lexRange("", src, lines, 0, len(src))
	if err != nil {
		return nil
	}
	toks = toks[:len(toks)-1] // EOF
	for len(toks) > 0 && toks[len(toks)-1].kind == tokSemicolon {
		toks = toks[:len(toks)-1]
	}
	return decomposeTokens(src, toks)
}

type sqlScan struct {
	src     []byte
	toks    []token
	info    *SQLInfo
	ctes    map[string]bool
	clauses map[string][][]token
}

func decomposeTokens(src []byte, toks []token) *SQLInfo {
	if len(toks) == 0 {
		return nil
	}
	s := &sqlScan{src: src, toks: toks, info: &SQLInfo{}, ctes: map[string]bool{}, clauses: map[string][][]token{}}
	i := 0
	if toks[0].is("WITH") {
		i = s.skipCTEs(1)
	}
	if i >= len(toks) {
		return nil
	}
	verb := strings.ToUpper(toks[i].text)
	switch verb {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE":
	default:
		return nil
	}
	s.info.Verb = verb
	switch verb {
	case "SELECT":
		s.scanClauses(i)
	case "INSERT":
		s.insert(i + 1)
	case "UPDATE":
		s.update(i + 1)
	case "DELETE":
		s.delete(i + 1)
	case "MERGE":
		s.merge(i + 1)
	}
	s.interpret()
	s.info.Tables = dedupe(s.info.Tables)
	s.info.Columns = dedupe(s.info.Columns)
	return s.info
}

func (s *sqlScan) text(toks []token) string {
	if len(toks) == 0 {
		return ""
	}
	return strings.TrimSpace(string(s.src[toks[0].start:toks[len(toks)-1].end]))
}

// skipCTEs consumes `name [(cols)] AS [NOT] [MATERIALIZED] (query), ...` and merges CTE tables.
func (s *sqlScan) skipCTEs(i int) int {
	if i < len(s.toks) && s.toks[i].is("RECURSIVE") {
		i++
	}
	for i < len(s.toks) {
		name := s.toks[i].ident()
		s.ctes[name] = true
		i++
		if i < len(s.toks) && s.toks[i].kind == tokLParen {
			i = matchParen(s.toks, i) + 1
		}
		for i < len(s.toks) && s.toks[i].isAny("AS", "NOT", "MATERIALIZED") {
			i++
		}
		if i < len(s.toks) && s.toks[i].kind == tokLParen {
			end := matchParen(s.toks, i)
			if inner := decomposeTokens(s.src, s.toks[i+1:end]); inner != nil {
				s.info.Tables = append(s.info.Tables, inner.Tables...)
			}
			i = end + 1
		}
		if i < len(s.toks) && s.toks[i].kind == tokComma {
			i++
			continue
		}
		break
	}
	return i
}

// scanClauses buckets the tokens from i onwards by clause keyword at depth 0.
func (s *sqlScan) scanClauses(i int) {
	current := ""
	var buf []token
	flush := func() {
		if current != "" {
			s.clauses[current] = append(s.clauses[current], buf)
		}
		buf = nil
	}
	depth := 0
	for ; i < len(s.toks); i++ {
		t := s.toks[i]
		switch t.kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
		}
		if depth == 0 && t.kind == tokIdent && current != "conflict" {
			up := strings.ToUpper(t.text)
			if up == "ON" && i+1 < len(s.toks) && s.toks[i+1].is("CONFLICT") {
				flush()
				current = "conflict"
				s.info.Conflict = true
				continue
			}
			if clause, ok := clauseKeywords[up]; ok && !(up == "SELECT" && current == "union") {
				flush()
				current = clause
				if up == "GROUP" || up == "ORDER" {
					if i+1 < len(s.toks) && s.toks[i+1].is("BY") {
						i++
					}
				}
				continue
			}
		}
		if depth == 0 && current == "conflict" && t.is("RETURNING") {
			flush()
			current = "returning"
			continue
		}
		buf = append(buf, t)
	}
	flush()
}

func (s *sqlScan) tableRef(i int) (string, int) {
	if i < len(s.toks) && s.toks[i].isAny("ONLY", "INTO", "FROM") {
		i++
	}
	name, next := qualifiedName(s.toks, i)
	if name != "" && !s.ctes[name] {
		s.info.Tables = append(s.info.Tables, name)
	}
	// alias
	if next < len(s.toks) && s.toks[next].is("AS") {
		next += 2
	} else if next < len(s.toks) && s.toks[next].kind == tokIdent {
		if _, kw := clauseKeywords[strings.ToUpper(s.toks[next].text)]; !kw && !s.toks[next].isAny("DEFAULT", "ON", "OVERRIDING", "WHEN") {
			next++
		}
	}
	return name, next
}

func (s *sqlScan) insert(i int) {
	_, i = s.tableRef(i)
	var cols []string
	if i < len(s.toks) && s.toks[i].kind == tokLParen {
		end := matchParen(s.toks, i)
		for _, part := range splitTop(s.toks[i+1 : end]) {
			if len(part) > 0 {
				cols = append(cols, lastSegment(part))
			}
		}
		i = end + 1
	}
	s.info.Columns = append(s.info.Columns, cols...)
	s.scanClauses(i)
	var values []string
	if rows := s.clauses["values"]; len(rows) > 0 && len(rows[0]) > 0 && rows[0][0].kind == tokLParen {
		row := rows[0]
		end := matchParen(row, 0)
		for _, part := range splitTop(row[1:end]) {
			values = append(values, s.text(part))
		}
	} else if sel := s.clauses["select"]; len(sel) > 0 {
		for _, part := range splitTop(sel[0]) {
			values = append(values, s.text(part))
		}
	}
	if len(values) == len(cols) {
		for k, c := range cols {
			s.info.Assignments = append(s.info.Assignments, Assignment{Column: c, Value: values[k]})
		}
	}
}

func (s *sqlScan) update(i int) {
	_, i = s.tableRef(i)
	s.scanClauses(i)
	for _, set := range s.clauses["set"] {
		for _, part := range splitTop(set) {
			eq := indexOp(part, "=")
			if eq <= 0 {
				continue
			}
			col := lastSegment(part[:eq])
			s.info.Columns = append(s.info.Columns, col)
			s.info.Assignments = append(s.info.Assignments, Assignment{Column: col, Value: s.text(part[eq+1:])})
		}
	}
}

func (s *sqlScan) delete(i int) {
	_, i = s.tableRef(i)
	s.scanClauses(i)
}

func (s *sqlScan) merge(i int) {
	_, i = s.tableRef(i)
	for ; i < len(s.toks); i++ {
		if s.toks[i].is("USING") {
			s.tableRef(i + 1)
			break
		}
	}
}

// interpret reads the bucketed clauses into the SQLInfo fields.
func (s *sqlScan) interpret() {
	for _, sel := range s.clauses["select"] {
		for _, item := range splitTop(trimSelectModifiers(sel)) {
			s.selectItem(item)
		}
	}
	for _, into := range s.clauses["into"] {
		for _, part := range splitTop(into) {
			if len(part) > 0 && part[0].is("STRICT") {
				part = part[1:]
			}
			if name, _ := qualifiedName(part, 0); name != "" {
				s.info.Into = append(s.info.Into, name)
			}
		}
	}
	for _, clause := range [...]string{"from", "using"} {
		for _, from := range s.clauses[clause] {
			s.fromClause(from)
		}
	}
	var where []string
	for _, w := range s.clauses["where"] {
		where = append(where, s.text(w))
		s.subqueries(w)
	}
	s.info.Where = strings.Join(where, " AND ")
	for _, r := range s.clauses["returning"] {
		for _, part := range splitTop(r) {
			s.info.Returning = append(s.info.Returning, lastSegment(part))
		}
	}
	for _, u := range s.clauses["union"] {
		if inner := decomposeTokens(s.src, append([]token{{kind: tokIdent, text: "SELECT"}}, u...)); inner != nil {
			s.info.Tables = append(s.info.Tables, inner.Tables...)
		}
	}
}

func trimSelectModifiers(toks []token) []token {
	for len(toks) > 0 && toks[0].isAny("DISTINCT", "ALL") {
		toks = toks[1:]
		if len(toks) > 0 && toks[0].is("ON") && len(toks) > 1 && toks[1].kind == tokLParen {
			toks = toks[matchParen(toks, 1)+1:]
		}
	}
	return toks
}

func (s *sqlScan) selectItem(item []token) {
	if len(item) == 0 {
		return
	}
	for k := 0; k+1 < len(item); k++ {
		if item[k].kind == tokIdent && item[k+1].kind == tokLParen && aggregateFuncs[strings.ToLower(item[k].text)] {
			s.info.Aggregates = append(s.info.Aggregates, strings.ToLower(item[k].text))
		}
	}
	s.subqueries(item)
	if n := len(item); n >= 2 && item[n-2].is("AS") {
		s.info.Columns = append(s.info.Columns, item[n-1].ident())
		return
	}
	if name, next := qualifiedName(item, 0); name != "" && next == len(item) {
		s.info.Columns = append(s.info.Columns, lastSegment(item))
	}
}

func (s *sqlScan) fromClause(toks []token) {
	expectTable := true
	for k := 0; k < len(toks); k++ {
		t := toks[k]
		switch {
		case t.kind == tokComma:
			expectTable = true
		case t.is("JOIN"):
			expectTable = true
		case t.kind == tokLParen:
			end := matchParen(toks, k)
			if inner := decomposeTokens(s.src, toks[k+1:end]); inner != nil {
				s.info.Tables = append(s.info.Tables, inner.Tables...)
			}
			k = end
			expectTable = false
		case expectTable && (t.kind == tokIdent || t.kind == tokQuotedIdent) && !fromStopWords[strings.ToUpper(t.text)]:
			name, next := qualifiedName(toks, k)
			if next < len(toks) && toks[next].kind == tokLParen {
				// set-returning function, not a table
				k = matchParen(toks, next)
			} else if !s.ctes[name] {
				s.info.Tables = append(s.info.Tables, name)
				k = next - 1
			}
			expectTable = false
		}
	}
}

// subqueries merges tables of parenthesized SELECTs found in toks.
func (s *sqlScan) subqueries(toks []token) {
	for k := 0; k < len(toks); k++ {
		if toks[k].kind != tokLParen {
			continue
		}
		end := matchParen(toks, k)
		if k+1 < end && (toks[k+1].is("SELECT") || toks[k+1].is("WITH")) {
			if inner := decomposeTokens(s.src, toks[k+1:end]); inner != nil {
				s.info.Tables = append(s.info.Tables, inner.Tables...)
				s.info.Aggregates = append(s.info.Aggregates, inner.Aggregates...)
			}
		} else {
			s.subqueries(toks[k+1 : end])
		}
		k = end
	}
}

// qualifiedName reads ident(.ident)* starting at i.
func qualifiedName(toks []token, i int) (string, int) {
	var parts []string
	for i < len(toks) && (toks[i].kind == tokIdent || toks[i].kind == tokQuotedIdent) {
		parts = append(parts, toks[i].ident())
		i++
		if i+1 < len(toks) && toks[i].kind == tokOp && toks[i].text == "." {
			i++
			continue
		}
		break
	}
	return strings.Join(parts, "."), i
}

func lastSegment(toks []token) string {
	for k := len(toks) - 1; k >= 0; k-- {
		if toks[k].kind == tokIdent || toks[k].kind == tokQuotedIdent {
			return toks[k].ident()
		}
		if toks[k].kind == tokOp && toks[k].text == "*" {
			return "*"
		}
	}
	return ""
}

// matchParen returns the index of the paren closing the one at i, or the last index.
func matchParen(toks []token, i int) int {
	depth := 0
	for k := i; k < len(toks); k++ {
		switch toks[k].kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return len(toks) - 1
}

func splitTop(toks []token) [][]token {
	var out [][]token
	depth, from := 0, 0
	for k, t := range toks {
		switch t.kind {
		case tokLParen, tokLBracket:
			depth++
		case tokRParen, tokRBracket:
			depth--
		case tokComma:
			if depth == 0 {
				out = append(out, toks[from:k])
				from = k + 1
			}
		}
	}
	if from < len(toks) {
		out = append(out, toks[from:])
	}
	return out
}

func indexOp(toks []token, op string) int {
	depth := 0
	for k, t := range toks {
		switch t.kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
		case tokOp:
			if depth == 0 && t.text == op {
				return k
			}
		}
	}
	return -1
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
