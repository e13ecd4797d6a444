package cql

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, src string) *Query {
	t.Helper()
	q, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): unexpected error: %v", src, err)
	}
	return q
}

func TestParser_SimpleEq(t *testing.T) {
	q := mustParse(t, `tag = "billing"`)
	c, ok := q.AST.(Comparison)
	if !ok {
		t.Fatalf("expected a Comparison node, got %T", q.AST)
	}
	if c.Field != FieldTag || c.Operator != OpEq {
		t.Fatalf("unexpected comparison: %+v", c)
	}
	if s, ok := c.Value.AsString(); !ok || s != "billing" {
		t.Fatalf("unexpected value: %+v", c.Value)
	}
}

func TestParser_AndExpr(t *testing.T) {
	q := mustParse(t, `tag = "billing" AND user = "alice"`)
	and, ok := q.AST.(And)
	if !ok {
		t.Fatalf("expected an And node, got %T", q.AST)
	}
	left, ok := and.Left.(Comparison)
	if !ok || left.Field != FieldTag {
		t.Fatalf("unexpected left operand: %+v", and.Left)
	}
	right, ok := and.Right.(Comparison)
	if !ok || right.Field != FieldUser {
		t.Fatalf("unexpected right operand: %+v", and.Right)
	}
}

func TestParser_OrExpr(t *testing.T) {
	q := mustParse(t, `tag = "a" OR tag = "b"`)
	if _, ok := q.AST.(Or); !ok {
		t.Fatalf("expected an Or node, got %T", q.AST)
	}
}

func TestParser_NotExpr(t *testing.T) {
	q := mustParse(t, `NOT tag = "billing"`)
	not, ok := q.AST.(Not)
	if !ok {
		t.Fatalf("expected a Not node, got %T", q.AST)
	}
	if _, ok := not.Inner.(Comparison); !ok {
		t.Fatalf("expected Not to wrap a Comparison, got %T", not.Inner)
	}
}

func TestParser_Precedence_AndBindsTighterThanOr(t *testing.T) {
	q := mustParse(t, `tag = "a" OR user = "b" AND service = "c"`)
	or, ok := q.AST.(Or)
	if !ok {
		t.Fatalf("expected top-level Or, got %T", q.AST)
	}
	if _, ok := or.Right.(And); !ok {
		t.Fatalf("expected Or's right operand to be an And, got %T", or.Right)
	}
}

func TestParser_Parentheses(t *testing.T) {
	q := mustParse(t, `(tag = "a" OR user = "b") AND service = "c"`)
	and, ok := q.AST.(And)
	if !ok {
		t.Fatalf("expected top-level And, got %T", q.AST)
	}
	if _, ok := and.Left.(Or); !ok {
		t.Fatalf("expected And's left operand to be an Or, got %T", and.Left)
	}
}

func TestParser_InOperator(t *testing.T) {
	q := mustParse(t, `tag IN ("a", "b", "c")`)
	c, ok := q.AST.(Comparison)
	if !ok || c.Operator != OpIn {
		t.Fatalf("expected an IN comparison, got %+v", q.AST)
	}
	if len(c.Value.List) != 3 {
		t.Fatalf("expected 3 values in the IN list, got %d", len(c.Value.List))
	}
}

func TestParser_UnknownField(t *testing.T) {
	_, err := Parse(`nonsense = "x"`)
	if err == nil {
		t.Fatalf("expected an UnknownField error")
	}
	cqlErr, ok := err.(*Error)
	if !ok || cqlErr.Type != UnknownField {
		t.Fatalf("expected an UnknownField *Error, got %v (%T)", err, err)
	}
}

func TestParser_NumericAndBooleanValues(t *testing.T) {
	q := mustParse(t, `depth >= 2`)
	c := q.AST.(Comparison)
	if n, ok := c.Value.AsU64(); !ok || n != 2 {
		t.Fatalf("unexpected depth value: %+v", c.Value)
	}

	q2 := mustParse(t, `is_live = true`)
	c2 := q2.AST.(Comparison)
	if s, ok := c2.Value.AsString(); !ok || s != "true" {
		t.Fatalf("unexpected is_live value: %+v", c2.Value)
	}
}

func TestParser_RelativeDateLiteralTagged(t *testing.T) {
	q := mustParse(t, `created > "-5m"`)
	c := q.AST.(Comparison)
	if c.Value.Kind != ValueDate || !c.Value.Relative || c.Value.Str != "-5m" {
		t.Fatalf("expected a tagged relative date value, got %+v", c.Value)
	}
}

func TestParseRelativeDate(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	ms, ok := ResolveRelativeDate("-5m", now)
	if !ok {
		t.Fatalf("expected -5m to resolve")
	}
	want := uint64(now.Add(-5*time.Minute).UnixMilli())
	if ms != want {
		t.Fatalf("got %d, want %d", ms, want)
	}

	if _, ok := ResolveRelativeDate("not-a-date", now); ok {
		t.Fatalf("expected a non-matching literal to fail to resolve")
	}
}

func TestParseAbsoluteDate(t *testing.T) {
	ms, ok := ResolveAbsoluteDate("2024-01-15T00:00:00Z")
	if !ok {
		t.Fatalf("expected RFC3339 date to resolve")
	}
	if ms != 1705276800000 {
		t.Fatalf("got %d, want 1705276800000", ms)
	}

	ms2, ok := ResolveAbsoluteDate("2024-01-15")
	if !ok {
		t.Fatalf("expected bare date to resolve")
	}
	if ms2 != 1705276800000 {
		t.Fatalf("got %d, want 1705276800000", ms2)
	}

	if _, ok := ResolveAbsoluteDate("not a date"); ok {
		t.Fatalf("expected an invalid date string to fail to resolve")
	}
}

func TestParser_TrailingGarbageIsSyntaxError(t *testing.T) {
	_, err := Parse(`tag = "a" garbage`)
	if err == nil {
		t.Fatalf("expected a syntax error for trailing tokens")
	}
}

func TestParser_MissingValueIsSyntaxError(t *testing.T) {
	_, err := Parse(`tag =`)
	if err == nil {
		t.Fatalf("expected a syntax error for a missing value")
	}
}
