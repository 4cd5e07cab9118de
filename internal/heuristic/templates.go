package heuristic

import (
	"sort"
	"strings"

	"revspec/internal/patterns"
)

// Categories of discovered patterns.
const (
	CategoryValidation  = "validation"
	CategoryMutation    = "mutation"
	CategoryQuery       = "query"
	CategoryControlFlow = "control_flow"
	CategoryEntity      = "entity"
	CategoryField       = "field"
	CategorySideEffect  = "side_effect"
	CategoryObserved    = "observed"
)

func template(idiom string, lines ...string) string {
	var b strings.Builder
	b.WriteString("pattern: " + idiom + "\n")
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return b.String()
}

func fieldList(cols []string) string {
	if len(cols) == 0 {
		return "$fields"
	}
	sorted := append([]string{}, cols...)
	sort.Strings(sorted)
	return "[" + strings.Join(sorted, ", ") + "]"
}

func crudTemplate(op string, cols []string) string {
	switch op {
	case "insert":
		return template("crud-insert", "steps:", "  - insert: $entity", "    fields: "+fieldList(cols))
	case "delete":
		return template("crud-delete", "steps:", "  - delete: $entity", "    where: $key")
	default:
		return template("crud-"+op, "steps:", "  - "+op+": $entity", "    set: "+fieldList(cols))
	}
}

func validateThenTemplate(op string, cols []string, transition string) string {
	lines := []string{"steps:", "  - validate: $condition", "  - " + op + ": $entity"}
	if op == "update" {
		lines = append(lines, "    set: "+fieldList(cols))
	}
	if transition != "" {
		lines = append(lines, "transition: "+transition+" from $state to $state")
	}
	return template("validate-then-"+op, lines...)
}

var (
	trinityTemplate = template("trinity-identifiers",
		"columns:", "  - pk_$entity: integer primary key", "  - id: uuid", "  - identifier: text")
	softDeleteTimestampsTemplate = template("soft-delete-timestamps",
		"columns:", "  - created_at: timestamp", "  - updated_at: timestamp", "  - deleted_at: timestamp")
	auditFieldsTemplate = template("audit-fields",
		"columns:", "  - created_by: $actor", "  - updated_by: $actor")
	softDeleteTemplate = template("soft-delete",
		"steps:", "  - update: $entity", "    set: [deleted_at]")
	auditTrailTemplate = template("audit-trail",
		"steps:", "  - $mutation: $entity", "  - insert: $audit_entity")
)

// LanguagePrimitives are the built-in patterns seeded into every repository.
func LanguagePrimitives() []patterns.Candidate {
	seed := func(name, category, tmpl, desc string) patterns.Candidate {
		return patterns.Candidate{Name: name, Category: category, Template: tmpl, Description: desc, SourceType: patterns.SourceLanguagePrimitive}
	}
	return []patterns.Candidate{
		seed("trinity_identifiers", CategoryEntity, trinityTemplate,
			"Entity with surrogate integer key, public UUID and human-readable identifier"),
		seed("soft_delete_timestamps", CategoryEntity, softDeleteTimestampsTemplate,
			"Entity carrying created_at, updated_at and deleted_at timestamps"),
		seed("audit_fields", CategoryEntity, auditFieldsTemplate,
			"Entity recording which actor created and last updated a row"),
		seed("validate_then_update", CategoryValidation, validateThenTemplate("update", nil, ""),
			"Check a precondition and raise an error before updating a row"),
		seed("soft_delete", CategoryMutation, softDeleteTemplate,
			"Mark a row deleted by setting a timestamp instead of removing it"),
		seed("audit_trail", CategorySideEffect, auditTrailTemplate,
			"Record a history row alongside a data change"),
	}
}
