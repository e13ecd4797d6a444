package facade

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cxdbhq/cxdb/pkg/core"
	"github.com/cxdbhq/cxdb/pkg/store"
	"github.com/cxdbhq/cxdb/pkg/types"
	"github.com/cxdbhq/cxdb/pkg/web"
)

// sseMailboxSize bounds how many pending turn_appended events an SSE client
// can fall behind by before events are dropped for it — the façade's
// subscriber is just another pkg/bus consumer, and pkg/bus.Publish already
// drops on a full mailbox rather than blocking the writer.
const sseMailboxSize = 64

// handleEvents implements GET /v1/events: a Server-Sent Events stream of
// every store.TurnAppendedEvent, fed by whatever event bus the façade was
// constructed with (pkg/core's NATS-clustered bus, or pkg/bus's in-process
// fallback — both satisfy pkg/types.Bus, which is all this handler needs).
func (f *Facade) handleEvents(ctx *web.FastRequestContext) error {
	if f.bus == nil {
		return ctx.JSON(500, errorBody{Error: "internal_error", Message: "event bus not configured"})
	}

	mailbox := make(types.Mailbox, sseMailboxSize)
	subscriberName := "sse-" + core.GenerateRequestID()
	if err := f.bus.Subscribe(store.TopicTurnAppended, subscriberName, mailbox); err != nil {
		return writeErr(ctx, err)
	}

	ctx.RequestCtx.SetContentType("text/event-stream")
	ctx.RequestCtx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.RequestCtx.Response.Header.Set("Connection", "keep-alive")

	ctx.RequestCtx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer f.bus.Unsubscribe(store.TopicTurnAppended, subscriberName, mailbox)

		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case msg, ok := <-mailbox:
				if !ok {
					return
				}
				if err := writeSSEEvent(w, msg); err != nil {
					return
				}
			case <-heartbeat.C:
				if _, err := w.WriteString(": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}

func writeSSEEvent(w *bufio.Writer, msg types.Message) error {
	event, ok := msg.Payload.(store.TurnAppendedEvent)
	if !ok {
		return nil
	}

	body, err := json.Marshal(map[string]interface{}{
		"context_id": event.ContextID,
		"turn_id":    event.Turn.TurnID,
		"depth":      event.Turn.Depth,
	})
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: turn_appended\ndata: %s\n\n", body); err != nil {
		return err
	}
	return w.Flush()
}
