package extractor

import (
	"regexp"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Grammar tells the tree-sitter adapter how one language's node types map onto NodeKinds.
type Grammar struct {
	Dialect  Dialect
	Language func() *sitter.Language

	Functions  set // definitions that become KindFunction
	Lambdas    set // anonymous functions usable as route handlers
	Ifs        set
	Loops      set
	Tries      set
	Catches    set
	Switches   set
	Cases      set
	Returns    set
	Throws     set
	Exits      set
	Declares   set
	Assigns    set
	Blocks     set // containers whose children are statements
	Flatten    set // wrappers that are transparent for statement mapping
	Strings    set
	Skip       set // comments and no-ops
	Parameters set

	// Route matches the callee of a route registration call (router.post, HandleFunc).
	Route *regexp.Regexp
	// ErrorReturn marks return statements that signal failure.
	ErrorReturn *regexp.Regexp
	// ErrorCall marks calls that abort the handler (abort(400), http.Error).
	ErrorCall *regexp.Regexp
}

type set map[string]bool

func newSet(items ...string) set {
	s := make(set, len(items))
	for _, it := range items {
		s[it] = true
	}
	return s
}

var routeCallPattern = regexp.MustCompile(`(?i)(?:^|\.)(get|post|put|patch|delete|handlefunc|handle)$`)

func grammars() []*Grammar {
	common := func(g *Grammar) *Grammar {
		g.Route = routeCallPattern
		return g
	}
	js := func(d Dialect, lang func() *sitter.Language) *Grammar {
		return common(&Grammar{
			Dialect:     d,
			Language:    lang,
			Functions:   newSet("function_declaration", "method_definition", "generator_function_declaration"),
			Lambdas:     newSet("arrow_function", "function", "function_expression"),
			Ifs:         newSet("if_statement"),
			Loops:       newSet("for_statement", "for_in_statement", "while_statement", "do_statement"),
			Tries:       newSet("try_statement"),
			Catches:     newSet("catch_clause"),
			Switches:    newSet("switch_statement"),
			Cases:       newSet("switch_case", "switch_default"),
			Returns:     newSet("return_statement"),
			Throws:      newSet("throw_statement"),
			Exits:       newSet("break_statement", "continue_statement"),
			Declares:    newSet("lexical_declaration", "variable_declaration"),
			Assigns:     newSet("assignment_expression", "augmented_assignment_expression"),
			Blocks:      newSet("statement_block", "else_clause", "finally_clause"),
			Flatten:     newSet("expression_statement", "await_expression", "switch_body", "parenthesized_expression"),
			Strings:     newSet("string", "template_string"),
			Skip:        newSet("comment", "empty_statement"),
			Parameters:  newSet("formal_parameters"),
			ErrorReturn: regexp.MustCompile(`(?i)\.status\(\s*[45]\d\d\s*\)|\bnext\(\s*(?:new\s+)?\w*error`),
			ErrorCall:   regexp.MustCompile(`(?i)\.status\(\s*[45]\d\d\s*\)`),
		})
	}
	return []*Grammar{
		common(&Grammar{
			Dialect:     DialectPython,
			Language:    python.GetLanguage,
			Functions:   newSet("function_definition"),
			Lambdas:     newSet("lambda"),
			Ifs:         newSet("if_statement"),
			Loops:       newSet("for_statement", "while_statement"),
			Tries:       newSet("try_statement"),
			Catches:     newSet("except_clause"),
			Switches:    newSet("match_statement"),
			Cases:       newSet("case_clause"),
			Returns:     newSet("return_statement"),
			Throws:      newSet("raise_statement"),
			Exits:       newSet("break_statement", "continue_statement"),
			Declares:    newSet(),
			Assigns:     newSet("assignment", "augmented_assignment"),
			Blocks:      newSet("block", "else_clause", "finally_clause", "with_statement"),
			Flatten:     newSet("expression_statement", "await", "parenthesized_expression"),
			Strings:     newSet("string", "concatenated_string"),
			Skip:        newSet("comment", "pass_statement", "import_statement", "import_from_statement"),
			Parameters:  newSet("parameters"),
			ErrorReturn: regexp.MustCompile(`(?i)\b(?:abort|JSONResponse|Response)\(.*status(?:_code)?\s*=\s*[45]\d\d|\b(?:abort)\(\s*[45]\d\d`),
			ErrorCall:   regexp.MustCompile(`(?i)^abort\(|^flask\.abort\(`),
		}),
		js(DialectJavaScript, javascript.GetLanguage),
		js(DialectTypeScript, typescript.GetLanguage),
		common(&Grammar{
			Dialect:     DialectRust,
			Language:    rust.GetLanguage,
			Functions:   newSet("function_item"),
			Lambdas:     newSet("closure_expression"),
			Ifs:         newSet("if_expression", "if_let_expression"),
			Loops:       newSet("for_expression", "while_expression", "loop_expression", "while_let_expression"),
			Tries:       newSet(),
			Catches:     newSet(),
			Switches:    newSet("match_expression"),
			Cases:       newSet("match_arm"),
			Returns:     newSet("return_expression"),
			Throws:      newSet(),
			Exits:       newSet("break_expression", "continue_expression"),
			Declares:    newSet("let_declaration"),
			Assigns:     newSet("assignment_expression", "compound_assignment_expr"),
			Blocks:      newSet("block", "else_clause", "unsafe_block", "async_block"),
			Flatten:     newSet("expression_statement", "match_block", "await_expression", "try_expression", "parenthesized_expression"),
			Strings:     newSet("string_literal", "raw_string_literal"),
			Skip:        newSet("line_comment", "block_comment", "use_declaration", "attribute_item", "empty_statement"),
			Parameters:  newSet("parameters"),
			ErrorReturn: regexp.MustCompile(`\bErr\(|HttpResponse::(?:BadRequest|NotFound|Forbidden|Unauthorized|Conflict|UnprocessableEntity|InternalServerError)\b|StatusCode::(?:BAD_REQUEST|NOT_FOUND|FORBIDDEN|UNAUTHORIZED|CONFLICT)`),
			ErrorCall:   regexp.MustCompile(`^(?:panic|bail|unreachable)!`),
		}),
		common(&Grammar{
			Dialect:     DialectJava,
			Language:    java.GetLanguage,
			Functions:   newSet("method_declaration", "constructor_declaration"),
			Lambdas:     newSet("lambda_expression"),
			Ifs:         newSet("if_statement"),
			Loops:       newSet("for_statement", "enhanced_for_statement", "while_statement", "do_statement"),
			Tries:       newSet("try_statement", "try_with_resources_statement"),
			Catches:     newSet("catch_clause"),
			Switches:    newSet("switch_expression", "switch_statement"),
			Cases:       newSet("switch_block_statement_group", "switch_rule"),
			Returns:     newSet("return_statement"),
			Throws:      newSet("throw_statement"),
			Exits:       newSet("break_statement", "continue_statement"),
			Declares:    newSet("local_variable_declaration"),
			Assigns:     newSet("assignment_expression"),
			Blocks:      newSet("block", "finally_clause"),
			Flatten:     newSet("expression_statement", "switch_block", "parenthesized_expression"),
			Strings:     newSet("string_literal", "text_block"),
			Skip:        newSet("line_comment", "block_comment", "empty_statement"),
			Parameters:  newSet("formal_parameters"),
			ErrorReturn: regexp.MustCompile(`ResponseEntity\s*\.\s*(?:badRequest|notFound|status\(\s*HttpStatus\.(?:BAD_REQUEST|NOT_FOUND|FORBIDDEN|CONFLICT|UNAUTHORIZED))`),
			ErrorCall:   regexp.MustCompile(`^$`),
		}),
		common(&Grammar{
			Dialect:     DialectGo,
			Language:    golang.GetLanguage,
			Functions:   newSet("function_declaration", "method_declaration"),
			Lambdas:     newSet("func_literal"),
			Ifs:         newSet("if_statement"),
			Loops:       newSet("for_statement"),
			Tries:       newSet(),
			Catches:     newSet(),
			Switches:    newSet("expression_switch_statement", "type_switch_statement", "select_statement"),
			Cases:       newSet("expression_case", "default_case", "type_case", "communication_case"),
			Returns:     newSet("return_statement"),
			Throws:      newSet(),
			Exits:       newSet("break_statement", "continue_statement"),
			Declares:    newSet("short_var_declaration", "var_declaration"),
			Assigns:     newSet("assignment_statement", "inc_statement", "dec_statement"),
			Blocks:      newSet("block"),
			Flatten:     newSet("expression_statement", "statement_list", "defer_statement", "go_statement", "parenthesized_expression"),
			Strings:     newSet("interpreted_string_literal", "raw_string_literal"),
			Skip:        newSet("comment", "empty_statement"),
			Parameters:  newSet("parameter_list"),
			ErrorReturn: regexp.MustCompile(`\b(?:errors\.New|fmt\.Errorf)\(|\bhttp\.Status(?:BadRequest|NotFound|Forbidden|Unauthorized|Conflict|UnprocessableEntity)\b`),
			ErrorCall:   regexp.MustCompile(`^(?:http\.Error|panic|log\.Fatal\w*)\(`),
		}),
	}
}
