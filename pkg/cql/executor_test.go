package cql

import (
	"testing"

	"github.com/cxdbhq/cxdb/pkg/cql/indexes"
)

func mustSet(t *testing.T, ids ...uint64) indexes.ContextSet {
	t.Helper()
	s := make(indexes.ContextSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func assertSetEqual(t *testing.T, got indexes.ContextSet, want indexes.ContextSet) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for id := range want {
		if _, ok := got[id]; !ok {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func buildTestIndex() *indexes.SecondaryIndexes {
	idx := indexes.New()
	idx.AddContext(indexes.ContextMetadata{
		ContextID: 1, Tag: "billing", Title: "Invoice Run", User: "alice", Service: "billing-svc",
		Host: "Web-01", TraceID: "t1", Labels: []string{"prod"}, CreatedAtUnixMs: 1000, Depth: 0,
	})
	root := uint64(1)
	idx.AddContext(indexes.ContextMetadata{
		ContextID: 2, Tag: "billing-retry", Title: "invoice follow-up", User: "bob", Service: "billing-svc",
		Host: "web-02", TraceID: "t2", Labels: []string{"prod", "urgent"},
		ParentContextID: &root, RootContextID: &root, CreatedAtUnixMs: 2000, Depth: 1,
	})
	idx.AddContext(indexes.ContextMetadata{
		ContextID: 3, Tag: "support", Title: "Ticket", User: "carol", Service: "support-svc",
		Host: "Web-01", TraceID: "t3", Labels: []string{"urgent"}, CreatedAtUnixMs: 3000, Depth: 0,
	})
	return idx
}

func execQuery(t *testing.T, idx *indexes.SecondaryIndexes, src string) indexes.ContextSet {
	t.Helper()
	q, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	set, err := Execute(q, idx)
	if err != nil {
		t.Fatalf("Execute(%q): %v", src, err)
	}
	return set
}

func TestExecutor_StringEq(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `tag = "billing"`), mustSet(t, 1))
}

func TestExecutor_StringNeq(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `tag != "billing"`), mustSet(t, 2, 3))
}

func TestExecutor_StringPrefix(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `tag ^= "billing"`), mustSet(t, 1, 2))
}

func TestExecutor_StringCaseInsensitive(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `title ~= "INVOICE RUN"`), mustSet(t, 1))
	assertSetEqual(t, execQuery(t, idx, `title ^~= "invoice"`), mustSet(t, 1, 2))
}

func TestExecutor_HostHasNoCaseInsensitiveFallback(t *testing.T) {
	idx := buildTestIndex()
	// host's ~= and ^~= fall back to case-sensitive lookups: "WEB-01" must
	// not match the stored "Web-01" the way a real CI index would.
	assertSetEqual(t, execQuery(t, idx, `host ~= "WEB-01"`), mustSet(t))
	assertSetEqual(t, execQuery(t, idx, `host ~= "Web-01"`), mustSet(t, 1, 3))
	assertSetEqual(t, execQuery(t, idx, `host ^~= "Web"`), mustSet(t, 1, 3))
	assertSetEqual(t, execQuery(t, idx, `host ^~= "web"`), mustSet(t, 2))
}

func TestExecutor_StringIn(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `tag IN ("billing", "support")`), mustSet(t, 1, 3))
}

func TestExecutor_Label(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `label = "urgent"`), mustSet(t, 2, 3))
	assertSetEqual(t, execQuery(t, idx, `label != "urgent"`), mustSet(t, 1))
	assertSetEqual(t, execQuery(t, idx, `label IN ("prod", "urgent")`), mustSet(t, 1, 2, 3))
}

func TestExecutor_TraceIDHasNoIn(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `trace_id = "t1"`), mustSet(t, 1))
	assertSetEqual(t, execQuery(t, idx, `trace_id != "t1"`), mustSet(t, 2, 3))

	q, err := Parse(`trace_id IN ("t1", "t2")`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Execute(q, idx); err == nil {
		t.Fatalf("expected trace_id IN to be rejected as an invalid operator")
	}
}

func TestExecutor_ParentAndRoot(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `parent = 1`), mustSet(t, 2))
	assertSetEqual(t, execQuery(t, idx, `parent != 1`), mustSet(t, 1, 3))
	assertSetEqual(t, execQuery(t, idx, `root = 1`), mustSet(t, 2))
}

func TestExecutor_CreatedRange(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `created > 1000`), mustSet(t, 2, 3))
	assertSetEqual(t, execQuery(t, idx, `created <= 2000`), mustSet(t, 1, 2))
}

func TestExecutor_DepthRange(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `depth = 0`), mustSet(t, 1, 3))
	assertSetEqual(t, execQuery(t, idx, `depth >= 1`), mustSet(t, 2))
}

func TestExecutor_AndOrNot(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `service = "billing-svc" AND depth = 0`), mustSet(t, 1))
	assertSetEqual(t, execQuery(t, idx, `service = "billing-svc" OR service = "support-svc"`), mustSet(t, 1, 2, 3))
	assertSetEqual(t, execQuery(t, idx, `NOT service = "billing-svc"`), mustSet(t, 3))
}

func TestExecutor_Parentheses(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `(tag = "billing" OR tag = "support") AND depth = 0`), mustSet(t, 1, 3))
}

func TestExecutor_IDEquality(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `id = 2`), mustSet(t, 2))
	assertSetEqual(t, execQuery(t, idx, `id != 2`), mustSet(t, 1, 3))
	assertSetEqual(t, execQuery(t, idx, `id IN (1, 3)`), mustSet(t, 1, 3))
}

func TestExecutor_RelativeDateAgainstCreated(t *testing.T) {
	idx := buildTestIndex()
	// Every fixture's created_at is a tiny epoch-relative timestamp, far
	// older than "1 minute ago" in wall-clock time, so none should satisfy
	// a created > "-1m" (created within the last minute) cutoff.
	got := execQuery(t, idx, `created > "-1m"`)
	assertSetEqual(t, got, mustSet(t))
}

type fakeLiveSet map[uint64]bool

func (f fakeLiveSet) IsLive(contextID uint64) bool { return f[contextID] }

func TestExecutor_IsLiveDefaultStubIsEmpty(t *testing.T) {
	idx := buildTestIndex()
	assertSetEqual(t, execQuery(t, idx, `is_live = true`), mustSet(t))
}

func TestExecutor_IsLiveWithTracker(t *testing.T) {
	idx := buildTestIndex()
	live := fakeLiveSet{1: true, 3: true}

	q, err := Parse(`is_live = true`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := EvaluateWithLiveSet(q, idx, live)
	if err != nil {
		t.Fatalf("EvaluateWithLiveSet: %v", err)
	}
	assertSetEqual(t, got, mustSet(t, 1, 3))

	q2, err := Parse(`is_live = true AND depth = 0`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got2, err := EvaluateWithLiveSet(q2, idx, live)
	if err != nil {
		t.Fatalf("EvaluateWithLiveSet: %v", err)
	}
	assertSetEqual(t, got2, mustSet(t, 1, 3))
}

func TestExecutor_UnknownFieldRejectedAtParseTime(t *testing.T) {
	_, err := Parse(`bogus = "x"`)
	if err == nil {
		t.Fatalf("expected a parse-time UnknownField error")
	}
}
