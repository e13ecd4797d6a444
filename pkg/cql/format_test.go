package cql

import "testing"

func astEqual(a, b Expression) bool {
	switch av := a.(type) {
	case And:
		bv, ok := b.(And)
		return ok && astEqual(av.Left, bv.Left) && astEqual(av.Right, bv.Right)
	case Or:
		bv, ok := b.(Or)
		return ok && astEqual(av.Left, bv.Left) && astEqual(av.Right, bv.Right)
	case Not:
		bv, ok := b.(Not)
		return ok && astEqual(av.Inner, bv.Inner)
	case Comparison:
		bv, ok := b.(Comparison)
		if !ok || av.Field != bv.Field || av.Operator != bv.Operator {
			return false
		}
		return valueEqual(av.Value, bv.Value)
	default:
		return false
	}
}

func valueEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ValueString, ValueDate:
		return a.Str == b.Str
	case ValueNumber:
		return a.Num == b.Num
	case ValueList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !valueEqual(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	}
	return true
}

func roundTrip(t *testing.T, src string) {
	t.Helper()
	q1, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	formatted := Format(q1.AST)
	q2, err := Parse(formatted)
	if err != nil {
		t.Fatalf("re-Parse(%q) (from %q): %v", formatted, src, err)
	}
	if !astEqual(q1.AST, q2.AST) {
		t.Fatalf("round trip mismatch: %q -> %q -> different AST", src, formatted)
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	cases := []string{
		`tag = "foo"`,
		`tag != "foo"`,
		`title ^= "bar"`,
		`host ~= "FOO"`,
		`depth >= 3`,
		`created > "-5m"`,
		`tag IN ("a", "b", "c")`,
		`tag = "a" AND title = "b"`,
		`tag = "a" OR title = "b"`,
		`NOT (tag = "a")`,
		`(tag = "a" AND title = "b") OR host = "c"`,
		`id = 42`,
	}
	for _, c := range cases {
		roundTrip(t, c)
	}
}

func TestFormat_Escaping(t *testing.T) {
	roundTrip(t, `tag = "has \"quotes\" and \\backslash\\"`)
}
