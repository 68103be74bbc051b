package store

import (
	"fmt"
	"strings"
)

// buildWhere renders a Filter into a SQL WHERE clause (OR across Groups, AND
// across each Group's Conds) plus its positional args, numbered from
// $argOffset+1.
func buildWhere(f Filter, argOffset int) (string, []any) {
	if len(f.Groups) == 0 {
		return "", nil
	}
	var args []any
	n := argOffset
	var groupClauses []string
	for _, g := range f.Groups {
		var condClauses []string
		for _, c := range g {
			clause, vals := renderCond(c, &n)
			condClauses = append(condClauses, clause)
			args = append(args, vals...)
		}
		if len(condClauses) > 0 {
			groupClauses = append(groupClauses, "("+strings.Join(condClauses, " AND ")+")")
		}
	}
	if len(groupClauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(groupClauses, " OR "), args
}

// buildWhereTombstoned composes a mandatory "deleted_at IS NULL" predicate
// with an optional caller Filter, for tables where logical deletion is
// enabled (spec.md §4.1 "per-table policy"): a tombstoned row never
// satisfies a find/count/update regardless of what the filter asks for.
func buildWhereTombstoned(f Filter, argOffset int) (string, []any) {
	filterWhere, args := buildWhere(f, argOffset)
	if filterWhere == "" {
		return " WHERE deleted_at IS NULL", args
	}
	return " WHERE deleted_at IS NULL AND (" + strings.TrimPrefix(filterWhere, " WHERE ") + ")", args
}

func renderCond(c Cond, n *int) (string, []any) {
	next := func() string {
		*n++
		return fmt.Sprintf("$%d", *n)
	}
	switch c.Op {
	case OpEq:
		return fmt.Sprintf("%s = %s", c.Field, next()), []any{c.Value}
	case OpIn:
		return fmt.Sprintf("%s = ANY(%s)", c.Field, next()), []any{c.Value}
	case OpLt:
		return fmt.Sprintf("%s < %s", c.Field, next()), []any{c.Value}
	case OpLe:
		return fmt.Sprintf("%s <= %s", c.Field, next()), []any{c.Value}
	case OpGt:
		return fmt.Sprintf("%s > %s", c.Field, next()), []any{c.Value}
	case OpGe:
		return fmt.Sprintf("%s >= %s", c.Field, next()), []any{c.Value}
	case OpContains:
		return fmt.Sprintf("%s ILIKE %s", c.Field, next()), []any{"%" + fmt.Sprint(c.Value) + "%"}
	case OpStartsWith:
		return fmt.Sprintf("%s ILIKE %s", c.Field, next()), []any{fmt.Sprint(c.Value) + "%"}
	case OpIsNull:
		return fmt.Sprintf("%s IS NULL", c.Field), nil
	default:
		return "1=1", nil
	}
}

// buildSet renders a Patch into a SQL SET clause and its args, numbered from
// $argOffset+1. Field order is stabilized by sorting so generated SQL is
// deterministic (useful in tests).
func buildSet(p Patch, argOffset int) (string, []any) {
	fields := make([]string, 0, len(p.Fields))
	for f := range p.Fields {
		fields = append(fields, f)
	}
	sortStrings(fields)

	n := argOffset
	var clauses []string
	var args []any
	for _, f := range fields {
		n++
		clauses = append(clauses, fmt.Sprintf("%s = $%d", f, n))
		args = append(args, p.Fields[f])
	}
	return strings.Join(clauses, ", "), args
}

// sortStrings avoids importing "sort" twice across the package; trivial
// insertion sort is plenty for the small field counts patches carry.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func buildPage(page Page, argOffset int) (string, []any) {
	clause := ""
	var args []any
	if page.OrderBy != "" {
		clause += " ORDER BY " + page.OrderBy
	}
	n := argOffset
	if page.Limit > 0 {
		n++
		clause += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, page.Limit)
	}
	if page.Offset > 0 {
		n++
		clause += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, page.Offset)
	}
	return clause, args
}
