// Package cql implements the Context Query Language: a lexer, a
// recursive-descent parser, an AST, and a set-algebra executor that
// evaluates expressions against pkg/cql/indexes (spec.md §4.5).
package cql

import "fmt"

// Field names CQL comparisons may reference (spec.md §4.4's indexed-field
// table).
type Field int

const (
	FieldID Field = iota
	FieldTag
	FieldTitle
	FieldLabel
	FieldUser
	FieldService
	FieldHost
	FieldTraceID
	FieldParent
	FieldRoot
	FieldCreated
	FieldDepth
	FieldIsLive
)

var fieldNames = map[string]Field{
	"id":       FieldID,
	"tag":      FieldTag,
	"title":    FieldTitle,
	"label":    FieldLabel,
	"user":     FieldUser,
	"service":  FieldService,
	"host":     FieldHost,
	"trace_id": FieldTraceID,
	"parent":   FieldParent,
	"root":     FieldRoot,
	"created":  FieldCreated,
	"depth":    FieldDepth,
	"is_live":  FieldIsLive,
}

var fieldStrings = func() map[Field]string {
	m := make(map[Field]string, len(fieldNames))
	for s, f := range fieldNames {
		m[f] = s
	}
	return m
}()

// ParseField resolves a lowercased identifier to a Field.
func ParseField(name string) (Field, bool) {
	f, ok := fieldNames[name]
	return f, ok
}

// AllFieldNames returns every valid field name, for UnknownField error
// messages.
func AllFieldNames() []string {
	out := make([]string, 0, len(fieldNames))
	for name := range fieldNames {
		out = append(out, name)
	}
	return out
}

func (f Field) String() string {
	if s, ok := fieldStrings[f]; ok {
		return s
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// Operator is a comparison operator (spec.md §4.5 grammar).
type Operator int

const (
	OpEq Operator = iota
	OpNeq
	OpStarts
	OpEqCI
	OpStartsCI
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn
)

func (o Operator) String() string {
	switch o {
	case OpEq:
		return "="
	case OpNeq:
		return "!="
	case OpStarts:
		return "^="
	case OpEqCI:
		return "~="
	case OpStartsCI:
		return "^~="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpIn:
		return "IN"
	default:
		return "?"
	}
}

// ValueKind tags the semantic type carried by a Value.
type ValueKind int

const (
	ValueString ValueKind = iota
	ValueNumber
	ValueDate
	ValueList
)

// Value is a parsed comparison literal (spec.md §4.5 "Value types").
type Value struct {
	Kind     ValueKind
	Str      string  // ValueString, ValueDate (raw literal, see Relative)
	Num      float64 // ValueNumber, or a Date already resolved to ms-since-epoch
	Relative bool    // ValueDate only: true if the literal matched ^-\d+[mhd]$
	List     []Value // ValueList
}

// AsString returns v's string representation for string-field comparisons.
func (v Value) AsString() (string, bool) {
	switch v.Kind {
	case ValueString:
		return v.Str, true
	default:
		return "", false
	}
}

// AsNumber returns v's numeric value, narrowing where needed.
func (v Value) AsNumber() (float64, bool) {
	switch v.Kind {
	case ValueNumber:
		return v.Num, true
	default:
		return 0, false
	}
}

// AsU64 narrows v to a u64, discarding any fractional part.
func (v Value) AsU64() (uint64, bool) {
	n, ok := v.AsNumber()
	if !ok {
		return 0, false
	}
	if n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// Expression is the AST node type: a tagged union implemented as an
// interface over concrete node structs, the idiomatic Go analogue of the
// Rust original's enum.
type Expression interface {
	isExpression()
}

// And is a conjunction of two expressions.
type And struct {
	Left, Right Expression
}

// Or is a disjunction of two expressions.
type Or struct {
	Left, Right Expression
}

// Not negates an expression (set complement against the index universe).
type Not struct {
	Inner Expression
}

// Comparison is a leaf node: field operator value.
type Comparison struct {
	Field    Field
	Operator Operator
	Value    Value
}

func (And) isExpression()        {}
func (Or) isExpression()         {}
func (Not) isExpression()        {}
func (Comparison) isExpression() {}

// Query is a parsed CQL query: the raw source text plus its AST root.
type Query struct {
	Raw string
	AST Expression
}
