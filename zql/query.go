package zql

import (
	"sort"
	"strings"

	"github.com/zteradb/zteradb-go/config"
	"github.com/zteradb/zteradb-go/zterr"
)

// QueryType selects the operation a query performs.
type QueryType int

const (
	TypeNone QueryType = iota
	TypeInsert
	TypeSelect
	TypeUpdate
	TypeDelete
)

func (t QueryType) String() string {
	switch t {
	case TypeInsert:
		return "INSERT"
	case TypeSelect:
		return "SELECT"
	case TypeUpdate:
		return "UPDATE"
	case TypeDelete:
		return "DELETE"
	default:
		return "NONE"
	}
}

// reservedFields are internal names that can never be used as user
// field keys.
var reservedFields = map[string]struct{}{
	"__schema_name":       {},
	"__database_id":       {},
	"__query_type":        {},
	"__fields":            {},
	"__filters":           {},
	"__filter_conditions": {},
	"__limit":             {},
	"__sort":              {},
	"__related_fields":    {},
	"__count":             {},
	"__env":               {},
}

// ReservedField reports whether name is blocked as a user field key,
// either by the fixed internal list or by the double-underscore prefix.
func ReservedField(name string) bool {
	if _, ok := reservedFields[name]; ok {
		return true
	}
	return strings.HasPrefix(name, "__")
}

type fieldEntry struct {
	name  string
	value any
}

type sortEntry struct {
	field string
	order int
}

type relatedEntry struct {
	name  string
	query *Query
}

// Query assembles one ZTeraDB query document. All setters return the
// query for chaining and record the first validation error, which
// Generate reports.
type Query struct {
	schema     string
	databaseID string
	queryType  QueryType
	env        config.Env

	fields     []fieldEntry
	fieldIndex map[string]int
	filters    map[string]any
	conditions []any
	sorts      []sortEntry
	limit      *[2]int
	related    []relatedEntry
	count      bool

	err error
}

// NewQuery starts a query against the named schema.
func NewQuery(schema string) *Query {
	q := &Query{
		schema:     schema,
		fieldIndex: make(map[string]int),
		filters:    make(map[string]any),
	}
	if schema == "" {
		q.err = zterr.New(zterr.Value, "schema name must not be empty")
	}
	return q
}

func (q *Query) fail(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

// Err returns the first validation error recorded by the chain.
func (q *Query) Err() error { return q.err }

// Select marks the query as a SELECT.
func (q *Query) Select() *Query { q.queryType = TypeSelect; return q }

// Insert marks the query as an INSERT.
func (q *Query) Insert() *Query { q.queryType = TypeInsert; return q }

// Update marks the query as an UPDATE.
func (q *Query) Update() *Query { q.queryType = TypeUpdate; return q }

// Delete marks the query as a DELETE.
func (q *Query) Delete() *Query { q.queryType = TypeDelete; return q }

// Type returns the query type set so far.
func (q *Query) Type() QueryType { return q.queryType }

// SetField sets one user field. Reserved names (the internal list and
// anything starting with __) are rejected.
func (q *Query) SetField(name string, value any) *Query {
	if q.err != nil {
		return q
	}
	if name == "" {
		return q.fail(zterr.New(zterr.Value, "field name must not be empty"))
	}
	if ReservedField(name) {
		return q.fail(zterr.Newf(zterr.Value, "field name %q is reserved", name))
	}
	if i, ok := q.fieldIndex[name]; ok {
		q.fields[i].value = value
		return q
	}
	q.fieldIndex[name] = len(q.fields)
	q.fields = append(q.fields, fieldEntry{name: name, value: value})
	return q
}

// Fields merges a map of user fields. Map iteration order is not
// defined in Go, so keys are applied in sorted order to keep repeated
// builds deterministic; use SetField when insertion order matters.
func (q *Query) Fields(m map[string]any) *Query {
	for _, name := range sortedKeys(m) {
		q.SetField(name, m[name])
	}
	return q
}

// Filter merges equality-only field→scalar pairs. Container values are
// rejected; richer predicates belong in FilterCondition.
func (q *Query) Filter(m map[string]any) *Query {
	if q.err != nil {
		return q
	}
	for _, name := range sortedKeys(m) {
		v := m[name]
		if err := checkScalar(v); err != nil {
			return q.fail(zterr.Newf(zterr.Value, "filter %q: only scalar values are allowed", name))
		}
		q.filters[name] = v
	}
	return q
}

// FilterCondition appends a filter node's accumulated form to the
// filter-condition list. Both *Node and *Filter are accepted.
func (q *Query) FilterCondition(cond any) *Query {
	if q.err != nil {
		return q
	}
	switch t := cond.(type) {
	case *Node:
		if t == nil {
			return q.fail(zterr.New(zterr.Value, "filter condition must not be nil"))
		}
		v, err := t.Value()
		if err != nil {
			return q.fail(err)
		}
		q.conditions = append(q.conditions, v)
	case *Filter:
		if t == nil {
			return q.fail(zterr.New(zterr.Value, "filter condition must not be nil"))
		}
		v, err := t.Value()
		if err != nil {
			return q.fail(err)
		}
		q.conditions = append(q.conditions, v)
	default:
		return q.fail(zterr.Newf(zterr.Value, "filter condition must be a *zql.Node or *zql.Filter, got %T", cond))
	}
	return q
}

// SortBy appends one (field, order) pair. Order must be +1 (ascending)
// or -1 (descending).
func (q *Query) SortBy(field string, order int) *Query {
	if q.err != nil {
		return q
	}
	if field == "" {
		return q.fail(zterr.New(zterr.Value, "sort field must not be empty"))
	}
	if order != 1 && order != -1 {
		return q.fail(zterr.Newf(zterr.Value, "sort order for %q must be +1 or -1, got %d", field, order))
	}
	q.sorts = append(q.sorts, sortEntry{field: field, order: order})
	return q
}

// Sort appends (field, order) pairs from a map, applied in sorted key
// order. An empty map is rejected.
func (q *Query) Sort(m map[string]int) *Query {
	if q.err != nil {
		return q
	}
	if len(m) == 0 {
		return q.fail(zterr.New(zterr.Value, "sort map must not be empty"))
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.SortBy(k, m[k])
	}
	return q
}

// SortFields returns the accumulated sort mapping. A field sorted
// twice keeps its last order.
func (q *Query) SortFields() map[string]int {
	out := make(map[string]int, len(q.sorts))
	for _, s := range q.sorts {
		out[s.field] = s.order
	}
	return out
}

// Limit restricts the result window to [start, end). Both bounds must
// be non-negative and start strictly less than end.
func (q *Query) Limit(start, end int) *Query {
	if q.err != nil {
		return q
	}
	if start < 0 || end < 0 {
		return q.fail(zterr.Newf(zterr.Value, "limit bounds must not be negative: [%d, %d)", start, end))
	}
	if start >= end {
		return q.fail(zterr.Newf(zterr.Value, "limit start (%d) must be less than end (%d)", start, end))
	}
	q.limit = &[2]int{start, end}
	return q
}

// Count requests a row count instead of rows. Once on, it stays on.
func (q *Query) Count() *Query {
	q.count = true
	return q
}

// Related embeds a sub-query under name in the related-field map.
func (q *Query) Related(name string, sub *Query) *Query {
	if q.err != nil {
		return q
	}
	if name == "" {
		return q.fail(zterr.New(zterr.Value, "related field name must not be empty"))
	}
	if sub == nil {
		return q.fail(zterr.Newf(zterr.Value, "related field %q must carry a query", name))
	}
	if sub.err != nil {
		return q.fail(sub.err)
	}
	q.related = append(q.related, relatedEntry{name: name, query: sub})
	return q
}

// RelatedFields merges a map of related queries, applied in sorted key
// order.
func (q *Query) RelatedFields(m map[string]*Query) *Query {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Related(k, m[k])
	}
	return q
}

// SetEnv routes the query to a specific environment, overriding the
// client configuration.
func (q *Query) SetEnv(env config.Env) *Query {
	if q.err != nil {
		return q
	}
	if !env.Valid() {
		return q.fail(zterr.Newf(zterr.Value, "env %q is not one of dev, staging, qa, prod", env))
	}
	q.env = env
	return q
}

// SetDatabaseID targets a specific database, overriding the client
// configuration.
func (q *Query) SetDatabaseID(id string) *Query {
	if q.err != nil {
		return q
	}
	if id == "" {
		return q.fail(zterr.New(zterr.Value, "database id must not be empty"))
	}
	q.databaseID = id
	return q
}

// Schema returns the schema name the query targets.
func (q *Query) Schema() string { return q.schema }

// DatabaseID returns the explicit database id, if one was set.
func (q *Query) DatabaseID() string { return q.databaseID }

// Env returns the explicit environment, if one was set.
func (q *Query) Env() config.Env { return q.env }

// Generate produces the query document. It fails if the chain recorded
// a validation error or no query type was set.
func (q *Query) Generate() (map[string]any, error) {
	return q.GenerateFor(q.databaseID, q.env)
}

// GenerateFor produces the query document, filling the database id and
// environment from the given defaults where the query did not set its
// own. The query itself is not mutated, so one query value can be run
// against different clients.
func (q *Query) GenerateFor(databaseID string, env config.Env) (map[string]any, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.queryType == TypeNone {
		return nil, zterr.New(zterr.Value, "query type is not set: call Select, Insert, Update, or Delete")
	}
	if q.databaseID != "" {
		databaseID = q.databaseID
	}
	if q.env != "" {
		env = q.env
	}

	fields := make(map[string]any, len(q.fields))
	for _, f := range q.fields {
		fields[f.name] = f.value
	}

	conditions := make([]any, len(q.conditions))
	copy(conditions, q.conditions)

	related := make(map[string]any, len(q.related))
	for _, r := range q.related {
		sub, err := r.query.GenerateFor(databaseID, env)
		if err != nil {
			return nil, err
		}
		related[r.name] = sub
	}

	sorts := make(map[string]int, len(q.sorts))
	for _, s := range q.sorts {
		sorts[s.field] = s.order
	}

	var limit any
	if q.limit != nil {
		limit = []int{q.limit[0], q.limit[1]}
	}

	return map[string]any{
		"db":  databaseID,
		"sh":  q.schema,
		"qt":  int(q.queryType),
		"fl":  fields,
		"fi":  copyScalarMap(q.filters),
		"fc":  conditions,
		"rf":  related,
		"st":  sorts,
		"lt":  limit,
		"cnt": q.count,
		"env": string(env),
	}, nil
}

func copyScalarMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
