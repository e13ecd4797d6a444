package cql

import (
	"time"

	"github.com/cxdbhq/cxdb/pkg/cql/indexes"
)

// Execute evaluates query's AST against idx, returning the matching set of
// context ids (spec.md §4.5 "Executor").
func Execute(query *Query, idx *indexes.SecondaryIndexes) (indexes.ContextSet, error) {
	return evalExpr(query.AST, idx)
}

func evalExpr(expr Expression, idx *indexes.SecondaryIndexes) (indexes.ContextSet, error) {
	switch e := expr.(type) {
	case And:
		left, err := evalExpr(e.Left, idx)
		if err != nil {
			return nil, err
		}
		right, err := evalExpr(e.Right, idx)
		if err != nil {
			return nil, err
		}
		return indexes.Intersect(left, right), nil
	case Or:
		left, err := evalExpr(e.Left, idx)
		if err != nil {
			return nil, err
		}
		right, err := evalExpr(e.Right, idx)
		if err != nil {
			return nil, err
		}
		return indexes.Union(left, right), nil
	case Not:
		inner, err := evalExpr(e.Inner, idx)
		if err != nil {
			return nil, err
		}
		return indexes.Difference(idx.Universe, inner), nil
	case Comparison:
		return evalComparison(e, idx)
	default:
		return nil, syntaxErr(Position{}, "unknown expression node %T", expr)
	}
}

func evalComparison(c Comparison, idx *indexes.SecondaryIndexes) (indexes.ContextSet, error) {
	switch c.Field {
	case FieldID:
		return evalID(c, idx)
	case FieldTag:
		return evalStringField(c, idx.Tag, true, idx.Universe)
	case FieldTitle:
		return evalStringField(c, idx.Title, true, idx.Universe)
	case FieldUser:
		return evalStringField(c, idx.User, true, idx.Universe)
	case FieldService:
		return evalStringField(c, idx.Service, true, idx.Universe)
	case FieldHost:
		// Host has no case-insensitive index: ~= and ^~= fall back to the
		// case-sensitive exact/prefix lookup, a quirk carried over
		// deliberately rather than "fixed" (see pkg/cql/indexes.AddContext).
		return evalStringField(c, idx.Host, false, idx.Universe)
	case FieldLabel:
		return evalExactOnly(c, idx.Label, idx.Universe)
	case FieldTraceID:
		return evalTraceID(c, idx)
	case FieldParent:
		return evalU64ExactOnly(c, idx.Parent, idx.Universe)
	case FieldRoot:
		return evalU64ExactOnly(c, idx.Root, idx.Universe)
	case FieldCreated:
		return evalCreated(c, idx)
	case FieldDepth:
		return evalDepth(c, idx)
	case FieldIsLive:
		return evalIsLive(c, idx)
	default:
		return nil, unknownFieldErr(Position{}, c.Field.String())
	}
}

func evalID(c Comparison, idx *indexes.SecondaryIndexes) (indexes.ContextSet, error) {
	switch c.Operator {
	case OpEq:
		id, ok := c.Value.AsU64()
		if !ok {
			return nil, invalidValueErr(Position{}, c.Field, "expected a numeric context id")
		}
		if _, present := idx.Universe[id]; !present {
			return indexes.ContextSet{}, nil
		}
		return indexes.ContextSet{id: struct{}{}}, nil
	case OpNeq:
		eq, err := evalID(Comparison{Field: c.Field, Operator: OpEq, Value: c.Value}, idx)
		if err != nil {
			return nil, err
		}
		return indexes.Difference(idx.Universe, eq), nil
	case OpIn:
		out := make(indexes.ContextSet)
		for _, v := range c.Value.List {
			id, ok := v.AsU64()
			if !ok {
				return nil, invalidValueErr(Position{}, c.Field, "IN list must contain numeric context ids")
			}
			if _, present := idx.Universe[id]; present {
				out[id] = struct{}{}
			}
		}
		return out, nil
	default:
		return nil, invalidOperatorErr(Position{}, c.Field, c.Operator)
	}
}

// stringFieldLike is satisfied by *indexes.stringField's exported lookup
// methods, named locally since the concrete type is unexported.
type stringFieldLike interface {
	LookupExact(string) indexes.ContextSet
	LookupExactCI(string) indexes.ContextSet
	LookupPrefix(string) indexes.ContextSet
	LookupPrefixCI(string) indexes.ContextSet
}

func evalStringField(c Comparison, field stringFieldLike, hasCI bool, universe indexes.ContextSet) (indexes.ContextSet, error) {
	str, err := stringOperand(c)
	if err != nil {
		return nil, err
	}

	switch c.Operator {
	case OpEq:
		return field.LookupExact(str), nil
	case OpNeq:
		return indexes.Difference(universe, field.LookupExact(str)), nil
	case OpStarts:
		return field.LookupPrefix(str), nil
	case OpEqCI:
		if !hasCI {
			return field.LookupExact(str), nil
		}
		return field.LookupExactCI(str), nil
	case OpStartsCI:
		if !hasCI {
			return field.LookupPrefix(str), nil
		}
		return field.LookupPrefixCI(str), nil
	case OpIn:
		out := make(indexes.ContextSet)
		for _, v := range c.Value.List {
			s, ok := v.AsString()
			if !ok {
				return nil, invalidValueErr(Position{}, c.Field, "IN list must contain strings")
			}
			for id := range field.LookupExact(s) {
				out[id] = struct{}{}
			}
		}
		return out, nil
	default:
		return nil, invalidOperatorErr(Position{}, c.Field, c.Operator)
	}
}

func stringOperand(c Comparison) (string, error) {
	if s, ok := c.Value.AsString(); ok {
		return s, nil
	}
	// A value tagged Date still carries its original string form (the
	// literal wasn't resolved to a field that wanted a date).
	if c.Value.Kind == ValueDate {
		return c.Value.Str, nil
	}
	return "", invalidValueErr(Position{}, c.Field, "expected a string value")
}

func evalExactOnly(c Comparison, field *indexes.ExactMap[string], universe indexes.ContextSet) (indexes.ContextSet, error) {
	str, err := stringOperand(c)
	if err != nil {
		return nil, err
	}
	switch c.Operator {
	case OpEq:
		return field.Lookup(str), nil
	case OpNeq:
		return indexes.Difference(universe, field.Lookup(str)), nil
	case OpIn:
		out := make(indexes.ContextSet)
		for _, v := range c.Value.List {
			s, ok := v.AsString()
			if !ok {
				return nil, invalidValueErr(Position{}, c.Field, "IN list must contain strings")
			}
			for id := range field.Lookup(s) {
				out[id] = struct{}{}
			}
		}
		return out, nil
	default:
		return nil, invalidOperatorErr(Position{}, c.Field, c.Operator)
	}
}

func evalTraceID(c Comparison, idx *indexes.SecondaryIndexes) (indexes.ContextSet, error) {
	str, err := stringOperand(c)
	if err != nil {
		return nil, err
	}
	switch c.Operator {
	case OpEq:
		return idx.TraceID.Lookup(str), nil
	case OpNeq:
		return indexes.Difference(idx.Universe, idx.TraceID.Lookup(str)), nil
	default:
		return nil, invalidOperatorErr(Position{}, c.Field, c.Operator)
	}
}

func evalU64ExactOnly(c Comparison, field *indexes.ExactMap[uint64], universe indexes.ContextSet) (indexes.ContextSet, error) {
	switch c.Operator {
	case OpEq:
		id, ok := c.Value.AsU64()
		if !ok {
			return nil, invalidValueErr(Position{}, c.Field, "expected a numeric context id")
		}
		return field.Lookup(id), nil
	case OpNeq:
		id, ok := c.Value.AsU64()
		if !ok {
			return nil, invalidValueErr(Position{}, c.Field, "expected a numeric context id")
		}
		return indexes.Difference(universe, field.Lookup(id)), nil
	case OpIn:
		out := make(indexes.ContextSet)
		for _, v := range c.Value.List {
			id, ok := v.AsU64()
			if !ok {
				return nil, invalidValueErr(Position{}, c.Field, "IN list must contain numeric context ids")
			}
			for ctxID := range field.Lookup(id) {
				out[ctxID] = struct{}{}
			}
		}
		return out, nil
	default:
		return nil, invalidOperatorErr(Position{}, c.Field, c.Operator)
	}
}

func evalCreated(c Comparison, idx *indexes.SecondaryIndexes) (indexes.ContextSet, error) {
	ms, err := resolveDateValue(c)
	if err != nil {
		return nil, err
	}
	switch c.Operator {
	case OpEq:
		return idx.Created.Eq(ms), nil
	case OpNeq:
		return indexes.Difference(idx.Universe, idx.Created.Eq(ms)), nil
	case OpGt:
		return idx.Created.Gt(ms), nil
	case OpGte:
		return idx.Created.Gte(ms), nil
	case OpLt:
		return idx.Created.Lt(ms), nil
	case OpLte:
		return idx.Created.Lte(ms), nil
	default:
		return nil, invalidOperatorErr(Position{}, c.Field, c.Operator)
	}
}

// resolveDateValue implements spec.md §4.5's date dispatch: a Date-tagged
// value resolves relative or absolute; a bare String tries relative first,
// then absolute; a Number is cast directly to ms-since-epoch.
func resolveDateValue(c Comparison) (uint64, error) {
	switch c.Value.Kind {
	case ValueNumber:
		u, _ := c.Value.AsU64()
		return u, nil
	case ValueDate:
		if c.Value.Relative {
			ms, ok := ResolveRelativeDate(c.Value.Str, time.Now())
			if !ok {
				return 0, invalidValueErr(Position{}, c.Field, "invalid relative date literal")
			}
			return ms, nil
		}
		return resolveStringAsDate(c, c.Value.Str)
	case ValueString:
		return resolveStringAsDate(c, c.Value.Str)
	default:
		return 0, invalidValueErr(Position{}, c.Field, "expected a date or number value")
	}
}

func resolveStringAsDate(c Comparison, s string) (uint64, error) {
	if ms, ok := ResolveRelativeDate(s, time.Now()); ok {
		return ms, nil
	}
	if ms, ok := ResolveAbsoluteDate(s); ok {
		return ms, nil
	}
	return 0, invalidValueErr(Position{}, c.Field, "value is not a valid date")
}

func evalDepth(c Comparison, idx *indexes.SecondaryIndexes) (indexes.ContextSet, error) {
	n, ok := c.Value.AsU64()
	if !ok {
		return nil, invalidValueErr(Position{}, c.Field, "expected a numeric depth")
	}
	depth := uint32(n)
	switch c.Operator {
	case OpEq:
		return idx.Depth.Eq(depth), nil
	case OpNeq:
		return indexes.Difference(idx.Universe, idx.Depth.Eq(depth)), nil
	case OpGt:
		return idx.Depth.Gt(depth), nil
	case OpGte:
		return idx.Depth.Gte(depth), nil
	case OpLt:
		return idx.Depth.Lt(depth), nil
	case OpLte:
		return idx.Depth.Lte(depth), nil
	default:
		return nil, invalidOperatorErr(Position{}, c.Field, c.Operator)
	}
}

// IsLiveSet is supplied by an external session tracker (spec.md §4.4:
// "external set supplied by session tracker"); the executor has no
// index of its own for is_live.
type IsLiveSet interface {
	IsLive(contextID uint64) bool
}

func evalIsLive(c Comparison, idx *indexes.SecondaryIndexes) (indexes.ContextSet, error) {
	if c.Operator != OpEq {
		return nil, invalidOperatorErr(Position{}, c.Field, c.Operator)
	}
	str, ok := c.Value.AsString()
	if !ok || (str != "true" && str != "false") {
		return nil, invalidValueErr(Position{}, c.Field, "expected true or false")
	}
	// Without a session tracker wired in, is_live has no contexts to
	// report live; callers needing this operator should evaluate it via
	// EvaluateWithLiveSet instead.
	if str == "false" {
		return idx.Universe, nil
	}
	return indexes.ContextSet{}, nil
}

// EvaluateWithLiveSet is Execute's is_live-aware counterpart: callers that
// have a live IsLiveSet (the session tracker named in spec.md §4.4) should
// call this instead so `is_live = true` resolves against real liveness
// rather than the empty-set default.
func EvaluateWithLiveSet(query *Query, idx *indexes.SecondaryIndexes, live IsLiveSet) (indexes.ContextSet, error) {
	return evalExprWithLive(query.AST, idx, live)
}

func evalExprWithLive(expr Expression, idx *indexes.SecondaryIndexes, live IsLiveSet) (indexes.ContextSet, error) {
	c, ok := expr.(Comparison)
	if ok && c.Field == FieldIsLive {
		return evalIsLiveWithTracker(c, idx, live)
	}

	switch e := expr.(type) {
	case And:
		left, err := evalExprWithLive(e.Left, idx, live)
		if err != nil {
			return nil, err
		}
		right, err := evalExprWithLive(e.Right, idx, live)
		if err != nil {
			return nil, err
		}
		return indexes.Intersect(left, right), nil
	case Or:
		left, err := evalExprWithLive(e.Left, idx, live)
		if err != nil {
			return nil, err
		}
		right, err := evalExprWithLive(e.Right, idx, live)
		if err != nil {
			return nil, err
		}
		return indexes.Union(left, right), nil
	case Not:
		inner, err := evalExprWithLive(e.Inner, idx, live)
		if err != nil {
			return nil, err
		}
		return indexes.Difference(idx.Universe, inner), nil
	default:
		return evalExpr(expr, idx)
	}
}

func evalIsLiveWithTracker(c Comparison, idx *indexes.SecondaryIndexes, live IsLiveSet) (indexes.ContextSet, error) {
	if c.Operator != OpEq {
		return nil, invalidOperatorErr(Position{}, c.Field, c.Operator)
	}
	str, ok := c.Value.AsString()
	if !ok || (str != "true" && str != "false") {
		return nil, invalidValueErr(Position{}, c.Field, "expected true or false")
	}
	want := str == "true"
	out := make(indexes.ContextSet)
	for id := range idx.Universe {
		if live.IsLive(id) == want {
			out[id] = struct{}{}
		}
	}
	return out, nil
}
