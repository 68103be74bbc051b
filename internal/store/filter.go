package store

// Op is a per-field comparison operator, composed into Filters.
type Op string

const (
	OpEq         Op = "eq"
	OpIn         Op = "in"
	OpLt         Op = "lt"
	OpLe         Op = "le"
	OpGt         Op = "gt"
	OpGe         Op = "ge"
	OpContains   Op = "contains"
	OpStartsWith Op = "starts_with"
	OpIsNull     Op = "is_null"
)

// Cond is a single field/operator/value triple, e.g. {Field: "status", Op: OpEq, Value: "pending"}.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Group is a set of Conds combined with AND. A Filter is a set of Groups
// combined with OR, matching spec.md §4.1: "AND across fields, OR across
// groups".
type Group []Cond

// Filter composes field-level operators into a query predicate.
type Filter struct {
	Groups []Group
}

// And builds a single-group, all-AND filter — the common case.
func And(conds ...Cond) Filter {
	return Filter{Groups: []Group{conds}}
}

// Or combines whole groups with OR.
func Or(groups ...Group) Filter {
	return Filter{Groups: groups}
}

// Eq is a convenience constructor for the common equality condition.
func Eq(field string, value any) Cond { return Cond{Field: field, Op: OpEq, Value: value} }

func In(field string, values ...any) Cond { return Cond{Field: field, Op: OpIn, Value: values} }

func Lt(field string, value any) Cond { return Cond{Field: field, Op: OpLt, Value: value} }
func Le(field string, value any) Cond { return Cond{Field: field, Op: OpLe, Value: value} }
func Gt(field string, value any) Cond { return Cond{Field: field, Op: OpGt, Value: value} }
func Ge(field string, value any) Cond { return Cond{Field: field, Op: OpGe, Value: value} }

func Contains(field string, value string) Cond {
	return Cond{Field: field, Op: OpContains, Value: value}
}

func StartsWith(field string, value string) Cond {
	return Cond{Field: field, Op: OpStartsWith, Value: value}
}

func IsNull(field string) Cond { return Cond{Field: field, Op: OpIsNull} }

// Page bounds a find_many scan.
type Page struct {
	Limit  int
	Offset int
	// OrderBy is a comma-free single-column sort, e.g. "priority DESC".
	OrderBy string
}

// Patch is a set of column->value pairs with an explicit field mask so
// absent fields are not overwritten, per spec.md §4.1.
type Patch struct {
	Fields map[string]any
}

// NewPatch builds a Patch from field/value pairs.
func NewPatch(fields map[string]any) Patch {
	return Patch{Fields: fields}
}

// Has reports whether field is present in the patch's mask.
func (p Patch) Has(field string) bool {
	_, ok := p.Fields[field]
	return ok
}
