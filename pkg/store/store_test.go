package store

import (
	"testing"
	"time"

	"github.com/cxdbhq/cxdb/pkg/bus"
	"github.com/cxdbhq/cxdb/pkg/cql"
	"github.com/cxdbhq/cxdb/pkg/cxctx"
	"github.com/cxdbhq/cxdb/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), bus.NewBus())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_CreateIndexesContext(t *testing.T) {
	s := openTestStore(t)

	head, err := s.Create(cxctx.RootInput{
		Payload:        []byte(`{"client_tag":"cli-1","title":"demo","labels":["a","b"],"provenance":{"service_name":"svc","host_name":"host-1"}}`),
		DeclaredTypeID: "context_metadata",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	q, err := cql.Parse(`tag = "cli-1"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	set, err := s.Query(q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if _, ok := set[head.ContextID]; !ok {
		t.Fatalf("expected context %d in result set %v", head.ContextID, set)
	}

	q2, err := cql.Parse(`service = "svc" AND host = "host-1"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	set2, err := s.Query(q2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if _, ok := set2[head.ContextID]; !ok {
		t.Fatalf("expected context %d in provenance result set %v", head.ContextID, set2)
	}
}

func TestStore_AppendPublishesEvent(t *testing.T) {
	eventBus := bus.NewBus()
	s, err := Open(t.TempDir(), eventBus)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	mailbox := make(types.Mailbox, 4)
	if err := eventBus.Subscribe(TopicTurnAppended, "test", mailbox); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	head, err := s.Create(cxctx.RootInput{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	turn, err := s.Append(head.ContextID, cxctx.AppendInput{
		ParentTurnID: head.HeadTurnID,
		Payload:      []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Expect two events: one for Create's root turn, one for this Append.
	var gotAppend bool
	for i := 0; i < 2; i++ {
		select {
		case msg := <-mailbox:
			ev, ok := msg.Payload.(TurnAppendedEvent)
			if !ok {
				t.Fatalf("unexpected payload type %T", msg.Payload)
			}
			if ev.Turn.TurnID == turn.TurnID {
				gotAppend = true
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if !gotAppend {
		t.Fatalf("expected an event for the appended turn %d", turn.TurnID)
	}
}

func TestStore_QueryWithLiveSet(t *testing.T) {
	s := openTestStore(t)

	head, err := s.Create(cxctx.RootInput{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	q, err := cql.Parse(`is_live = true`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	empty, err := s.Query(q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected Execute's is_live stub to return empty, got %v", empty)
	}

	live := fakeLiveSet{head.ContextID: true}
	set, err := s.QueryWithLiveSet(q, live)
	if err != nil {
		t.Fatalf("QueryWithLiveSet: %v", err)
	}
	if _, ok := set[head.ContextID]; !ok {
		t.Fatalf("expected context %d live in %v", head.ContextID, set)
	}
}

func TestStore_RebuildsIndexesOnReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, bus.NewBus())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	head, err := s1.Create(cxctx.RootInput{
		Payload:        []byte(`{"client_tag":"durable"}`),
		DeclaredTypeID: "context_metadata",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(dir, bus.NewBus())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	q, err := cql.Parse(`tag = "durable"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	set, err := s2.Query(q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if _, ok := set[head.ContextID]; !ok {
		t.Fatalf("expected rebuilt index to contain context %d, got %v", head.ContextID, set)
	}
}

type fakeLiveSet map[uint64]bool

func (f fakeLiveSet) IsLive(contextID uint64) bool { return f[contextID] }
