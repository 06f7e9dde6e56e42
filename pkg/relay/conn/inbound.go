package conn

import (
	"time"

	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/tracked"
	"github.com/relaymsg/relay/pkg/relay/wire"
)

// respPayload is the terminal status/data pair a received envelope settles
// on, cached so a duplicate delivery can replay the exact original response
// instead of re-running the handler.
type respPayload struct {
	status int
	data   any
}

// receivedEntry is the dedup record for one inbound id: an outcome that
// starts pending and settles once the handler (possibly asynchronous)
// produces a response, plus the time it was first seen for TTL pruning.
type receivedEntry struct {
	outcome *tracked.Outcome[respPayload]
	seenAt  time.Time
}

// handleInbound runs on the mailbox goroutine for every envelope the
// transport delivers. A non-forget id seen before is a duplicate: while its
// outcome is still pending, a 202 is sent instead of re-invoking the
// handler; once settled, the original response is replayed verbatim.
func (c *Connection) handleInbound(env wire.Envelope) {
	c.pruneDedupLog()

	if c.metrics.received != nil {
		c.metrics.received.Add(c.ctx, 1)
	}

	if env.ID != wire.ForgetID && env.Msg.Type != wire.KindRes {
		if entry, dup := c.receivedMessages[env.ID]; dup {
			if c.metrics.dedup != nil {
				c.metrics.dedup.Add(c.ctx, 1)
			}
			c.replayDuplicate(env.ID, entry)
			return
		}
	}

	switch env.Msg.Type {
	case wire.KindSet:
		c.header[env.Msg.Key] = env.Msg.Value
		if c.callbacks != nil {
			c.callbacks.HandleDataSet(c, env.Msg.Key, env.Msg.Value)
		}
		c.recordAndSend(env.ID, wire.StatusOK, []any{env.Msg.Key, env.Msg.Value})

	case wire.KindPing:
		c.lastPong = time.Now()
		c.recordAndSend(env.ID, wire.StatusOK, "pong")

	case wire.KindOn:
		route := env.Msg.Route
		c.dispatchAsync(env.ID, func() (int, any) {
			if err := c.callbacks.HandleSubscribe(c.ctx, c, route); err != nil {
				return wire.StatusBadRequest, err.Error()
			}
			return wire.StatusOK, nil
		})

	case wire.KindOff:
		route := env.Msg.Route
		c.dispatchAsync(env.ID, func() (int, any) {
			if err := c.callbacks.HandleUnsubscribe(c.ctx, c, route); err != nil {
				return wire.StatusBadRequest, err.Error()
			}
			return wire.StatusOK, nil
		})

	case wire.KindRoute:
		route, verb, data, headers := env.Msg.Route, env.Msg.Verb, env.Msg.Data, env.Msg.Headers
		c.dispatchAsync(env.ID, func() (int, any) {
			return c.callbacks.HandleRoute(c.ctx, c, route, verb, data, headers)
		})

	case wire.KindRes:
		c.settlePending(env.Msg.Target, env.Msg.Status, env.Msg.Data)

	default:
		c.logger.Debug("relay connection received unknown message kind", zap.String("type", string(env.Msg.Type)))
		c.recordAndSend(env.ID, wire.StatusInternalError, "Error handling message")
	}
}

// recordAndSend handles a body whose response is synchronous and immediate
// (set, ping): the outcome is recorded already settled, then sent.
func (c *Connection) recordAndSend(id wire.MID, status int, data any) {
	if id == wire.ForgetID {
		c.sendRes(id, status, data)
		return
	}

	outcome := tracked.New[respPayload]()
	outcome.Settle(respPayload{status: status, data: data})
	c.receivedMessages[id] = &receivedEntry{outcome: outcome, seenAt: time.Now()}
	c.sendRes(id, status, data)
}

// dispatchAsync runs handle on its own goroutine so a slow application
// handler never blocks the mailbox, and any duplicate delivered while it is
// still running observes the outcome as pending rather than re-invoking
// handle. The result re-enters the mailbox through enqueue so
// receivedMessages stays owned by a single goroutine.
func (c *Connection) dispatchAsync(id wire.MID, handle func() (int, any)) {
	var outcome *tracked.Outcome[respPayload]
	if id != wire.ForgetID {
		outcome = tracked.New[respPayload]()
		c.receivedMessages[id] = &receivedEntry{outcome: outcome, seenAt: time.Now()}
	}

	go func() {
		status, data := c.safeHandle(handle)

		if id == wire.ForgetID {
			return
		}

		c.enqueue(func() {
			outcome.TrySettle(respPayload{status: status, data: data})
			c.sendRes(id, status, data)
		})
	}()
}

// safeHandle recovers a panicking handler into the generic error response,
// the way the teacher's event bus recovers a panicking subscriber inside
// its dispatch loop.
func (c *Connection) safeHandle(handle func() (int, any)) (status int, data any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("relay connection recovered from panic handling message", zap.Any("panic", r))
			status, data = wire.StatusInternalError, "Error handling message"
		}
	}()
	return handle()
}

// replayDuplicate resends the cached outcome for a duplicate delivery: a
// 202 while the original handler is still running, or the original
// response verbatim once it has settled.
func (c *Connection) replayDuplicate(id wire.MID, entry *receivedEntry) {
	if entry.outcome.IsPending() {
		c.sendRes(id, wire.StatusProcessing, "Message is being processed")
		return
	}

	resp, _ := entry.outcome.Value()
	c.sendRes(id, resp.status, resp.data)
}

// pruneDedupLog drops dedup entries past their TTL so a long-lived
// connection's receivedMessages map doesn't grow without bound.
func (c *Connection) pruneDedupLog() {
	if len(c.receivedMessages) == 0 {
		return
	}

	cutoff := time.Now().Add(-c.cfg.DedupTTL)
	for id, entry := range c.receivedMessages {
		if entry.seenAt.Before(cutoff) {
			delete(c.receivedMessages, id)
		}
	}
}
