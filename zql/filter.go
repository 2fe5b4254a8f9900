// Package zql is the ZTeraDB query language: a fluent, type-checked
// builder for query documents and the filter-expression tree they
// embed. Builders validate at construction time and carry a sticky
// error, so a chain can be written straight through and checked once.
package zql

import (
	"fmt"
	"reflect"

	"github.com/zteradb/zteradb-go/zterr"
)

// Operator tokens as they appear on the wire.
const (
	OpAnd = "&&"
	OpOr  = "||"

	OpEqual    = "="
	OpNotEqual = "!="
	OpGt       = ">"
	OpGte      = ">="
	OpLt       = "<"
	OpLte      = "<="

	OpAdd = "+"
	OpSub = "-"
	OpMul = "*"
	OpDiv = "/"
	OpMod = "%"

	OpContains    = "%%"
	OpStartsWith  = "^%%"
	OpEndsWith    = "%%$"
	OpIContains   = "i%%"
	OpIStartsWith = "^i%%"
	OpIEndsWith   = "i%%$"

	OpIn = "IN"
)

// Operand is one value position inside an n-ary filter node: a scalar
// literal, a reference to a field, or a nested expression.
type Operand struct {
	kind operandKind
	val  any
	err  error
}

type operandKind int

const (
	operandLiteral operandKind = iota
	operandField
	operandNode
)

// F references a field by name.
func F(name string) Operand {
	if name == "" {
		return Operand{err: zterr.New(zterr.Value, "field reference must not be empty")}
	}
	return Operand{kind: operandField, val: name}
}

// V wraps a scalar literal.
func V(value any) Operand {
	if err := checkScalar(value); err != nil {
		return Operand{err: err}
	}
	return Operand{kind: operandLiteral, val: value}
}

// N nests a filter node as an operand.
func N(node *Node) Operand {
	if node == nil {
		return Operand{err: zterr.New(zterr.Value, "nested node must not be nil")}
	}
	return Operand{kind: operandNode, val: node, err: node.err}
}

func (o Operand) value() (any, error) {
	if o.err != nil {
		return nil, o.err
	}
	if o.kind == operandNode {
		return o.val.(*Node).Value()
	}
	return o.val, nil
}

// checkScalar enforces the operand union: literals must be plain
// scalars, never containers or functions.
func checkScalar(v any) error {
	if v == nil {
		return nil
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Func, reflect.Chan, reflect.Struct, reflect.Ptr:
		return zterr.Newf(zterr.Value, "operand %v (%T) is not a scalar value", v, v)
	}
	return nil
}

// Node is one node of the filter-expression tree. Nodes are built by
// the package constructors and are immutable afterwards.
type Node struct {
	op string

	// binary shape: {operator, operand, result}
	operand any
	result  any

	// n-ary shape: {operator, operand: [...]}
	operands []Operand
	nary     bool

	err error
}

// Err returns the validation error recorded at construction, if any.
func (n *Node) Err() error { return n.err }

// Operator returns the node's wire operator token.
func (n *Node) Operator() string { return n.op }

// Value serializes the node into its wire form.
func (n *Node) Value() (map[string]any, error) {
	if n.err != nil {
		return nil, n.err
	}
	if !n.nary {
		result, err := serializeValue(n.result)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"operator": n.op,
			"operand":  n.operand,
			"result":   result,
		}, nil
	}

	list := make([]any, 0, len(n.operands))
	for _, o := range n.operands {
		v, err := o.value()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return map[string]any{
		"operator": n.op,
		"operand":  list,
	}, nil
}

// serializeValue renders the right-hand side of a binary node: nested
// expressions descend recursively, everything else passes through.
func serializeValue(v any) (any, error) {
	switch t := v.(type) {
	case *Node:
		return t.Value()
	case *Filter:
		return t.Value()
	default:
		return v, nil
	}
}

func logicalNode(op string, nodes []*Node) *Node {
	n := &Node{op: op, nary: true}
	for _, child := range nodes {
		if child == nil {
			n.err = zterr.Newf(zterr.Value, "%s operand must not be nil", op)
			return n
		}
		if child.err != nil {
			n.err = child.err
			return n
		}
		n.operands = append(n.operands, N(child))
	}
	return n
}

// And combines nodes with the && operator.
func And(nodes ...*Node) *Node { return logicalNode(OpAnd, nodes) }

// Or combines nodes with the || operator.
func Or(nodes ...*Node) *Node { return logicalNode(OpOr, nodes) }

func binaryNode(op string, field string, value any) *Node {
	n := &Node{op: op, operand: field, result: value}
	if field == "" {
		n.err = zterr.Newf(zterr.Value, "%s requires a field name", op)
		return n
	}
	switch value.(type) {
	case *Node, *Filter:
	default:
		if err := checkScalar(value); err != nil {
			n.err = err
		}
	}
	return n
}

// Equal matches rows whose field equals value. The value may be a
// scalar or a nested expression.
func Equal(field string, value any) *Node { return binaryNode(OpEqual, field, value) }

// NotEqual matches rows whose field differs from value.
func NotEqual(field string, value any) *Node { return binaryNode(OpNotEqual, field, value) }

func orderedNode(op string, operands []Operand) *Node {
	n := &Node{op: op, nary: true, operands: operands}
	if len(operands) < 2 {
		n.err = zterr.Newf(zterr.Value, "%s requires at least two operands", op)
		return n
	}
	for _, o := range operands {
		if o.err != nil {
			n.err = o.err
			return n
		}
	}
	return n
}

// GreaterThan compares operands with the > operator. At least two
// operands are required.
func GreaterThan(operands ...Operand) *Node { return orderedNode(OpGt, operands) }

// GreaterOrEqual compares operands with the >= operator.
func GreaterOrEqual(operands ...Operand) *Node { return orderedNode(OpGte, operands) }

// LessThan compares operands with the < operator.
func LessThan(operands ...Operand) *Node { return orderedNode(OpLt, operands) }

// LessOrEqual compares operands with the <= operator.
func LessOrEqual(operands ...Operand) *Node { return orderedNode(OpLte, operands) }

func arithmeticNode(op string, operands []Operand) *Node {
	n := &Node{op: op, nary: true, operands: operands}
	for _, o := range operands {
		if o.err != nil {
			n.err = o.err
			return n
		}
	}
	return n
}

// Add sums operands with the + operator.
func Add(operands ...Operand) *Node { return arithmeticNode(OpAdd, operands) }

// Subtract combines operands with the - operator.
func Subtract(operands ...Operand) *Node { return arithmeticNode(OpSub, operands) }

// Multiply combines operands with the * operator.
func Multiply(operands ...Operand) *Node { return arithmeticNode(OpMul, operands) }

// Divide divides a by b. Division by zero is not checked client-side;
// the server rejects it at evaluation time.
func Divide(a, b Operand) *Node { return arithmeticNode(OpDiv, []Operand{a, b}) }

// Modulo computes a mod b. A zero divisor is not checked client-side.
func Modulo(a, b Operand) *Node { return arithmeticNode(OpMod, []Operand{a, b}) }

func stringNode(op, field, value string) *Node {
	n := &Node{op: op, operand: field, result: value}
	if field == "" || value == "" {
		n.err = zterr.Newf(zterr.Value, "%s requires non-empty field and value strings", op)
	}
	return n
}

// Contains matches rows whose field contains value (case-sensitive).
func Contains(field, value string) *Node { return stringNode(OpContains, field, value) }

// StartsWith matches rows whose field starts with value.
func StartsWith(field, value string) *Node { return stringNode(OpStartsWith, field, value) }

// EndsWith matches rows whose field ends with value.
func EndsWith(field, value string) *Node { return stringNode(OpEndsWith, field, value) }

// IContains is the case-insensitive Contains.
func IContains(field, value string) *Node { return stringNode(OpIContains, field, value) }

// IStartsWith is the case-insensitive StartsWith.
func IStartsWith(field, value string) *Node { return stringNode(OpIStartsWith, field, value) }

// IEndsWith is the case-insensitive EndsWith.
func IEndsWith(field, value string) *Node { return stringNode(OpIEndsWith, field, value) }

// In matches rows whose field equals any of values.
func In(field string, values ...any) *Node {
	n := &Node{op: OpIn, operand: field}
	if field == "" {
		n.err = zterr.New(zterr.Value, "IN requires a field name")
		return n
	}
	list := make([]any, 0, len(values))
	for _, v := range values {
		if err := checkScalar(v); err != nil {
			n.err = err
			return n
		}
		list = append(list, v)
	}
	n.result = list
	return n
}

// Filter accumulates filter nodes. With exactly one node its wire form
// is that node unwrapped; with more it is the list of nodes. Methods
// return the filter for chaining.
type Filter struct {
	nodes []*Node
	err   error
}

// NewFilter creates a filter seeded with the given nodes.
func NewFilter(nodes ...*Node) *Filter {
	f := &Filter{}
	return f.Append(nodes...)
}

// Append adds nodes to the filter.
func (f *Filter) Append(nodes ...*Node) *Filter {
	for _, n := range nodes {
		if f.err != nil {
			return f
		}
		if n == nil {
			f.err = zterr.New(zterr.Value, "filter node must not be nil")
			return f
		}
		if n.err != nil {
			f.err = n.err
			return f
		}
		f.nodes = append(f.nodes, n)
	}
	return f
}

// Len returns the number of accumulated nodes.
func (f *Filter) Len() int { return len(f.nodes) }

// Err returns the first validation error recorded by the chain.
func (f *Filter) Err() error { return f.err }

// Value serializes the accumulated form: a single node unwrapped, or
// the list of nodes.
func (f *Filter) Value() (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.nodes) == 0 {
		return nil, zterr.New(zterr.Value, "filter has no nodes")
	}
	if len(f.nodes) == 1 {
		return f.nodes[0].Value()
	}
	list := make([]any, 0, len(f.nodes))
	for _, n := range f.nodes {
		v, err := n.Value()
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, nil
}

// DecodeNode rebuilds a Node from its serialized wire form, the
// inverse of Value. Nested maps and lists descend recursively.
func DecodeNode(m map[string]any) (*Node, error) {
	op, ok := m["operator"].(string)
	if !ok || op == "" {
		return nil, zterr.Newf(zterr.Value, "filter node is missing an operator: %v", m)
	}

	if result, hasResult := m["result"]; hasResult {
		operand, ok := m["operand"].(string)
		if !ok {
			return nil, zterr.Newf(zterr.Value, "%s node operand must be a field name", op)
		}
		if rm, isMap := result.(map[string]any); isMap {
			nested, err := DecodeNode(rm)
			if err != nil {
				return nil, err
			}
			return &Node{op: op, operand: operand, result: nested}, nil
		}
		return &Node{op: op, operand: operand, result: result}, nil
	}

	raw, ok := m["operand"].([]any)
	if !ok {
		return nil, zterr.Newf(zterr.Value, "%s node is missing an operand list", op)
	}
	node := &Node{op: op, nary: true}
	for _, item := range raw {
		switch t := item.(type) {
		case map[string]any:
			nested, err := DecodeNode(t)
			if err != nil {
				return nil, err
			}
			node.operands = append(node.operands, N(nested))
		case string:
			node.operands = append(node.operands, F(t))
		default:
			if err := checkScalar(t); err != nil {
				return nil, err
			}
			node.operands = append(node.operands, V(t))
		}
	}
	return node, nil
}

// String renders the node's wire form, for logs and debugging.
func (n *Node) String() string {
	v, err := n.Value()
	if err != nil {
		return fmt.Sprintf("invalid filter node: %v", err)
	}
	return fmt.Sprintf("%v", v)
}
