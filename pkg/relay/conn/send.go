package conn

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaymsg/relay/pkg/relay/tracked"
	"github.com/relaymsg/relay/pkg/relay/wire"
)

// Post sends msg expecting a "res" reply, returning an Outcome that settles
// once the reply (or retry exhaustion) arrives. Post panics if msg is
// itself a "res" body: responses settle an existing Outcome, they never
// start one. Post is not rate limited: only SendToRoute, the route-sending
// entry point, counts against the advisory per-second budget.
func (c *Connection) Post(ctx context.Context, msg wire.Message) (*tracked.Outcome[wire.RouteResponse], error) {
	if msg.Type == wire.KindRes {
		panic("conn: Post called with a res body")
	}

	outcome := tracked.New[wire.RouteResponse]()
	result := make(chan error, 1)

	c.enqueue(func() {
		id := c.nextMID()
		env := wire.Envelope{ID: id, Msg: msg}
		c.messagesToAck[id] = &pendingSend{env: env, outcome: outcome, sentAt: time.Now()}
		result <- c.dispatch(env)
	})

	select {
	case err := <-result:
		if err != nil {
			return nil, err
		}
		return outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// SendToRoute sends a "route" body, subject to the advisory rate limit. It
// reports rateLimited synchronously, in this same call, when the per-second
// budget is already exceeded — the send proceeds regardless, since the
// limit is advisory, not enforced.
func (c *Connection) SendToRoute(ctx context.Context, route string, verb wire.Verb, data any, headers map[string]string) (outcome *tracked.Outcome[wire.RouteResponse], rateLimited bool, err error) {
	msg := wire.Route(route, verb, data, headers)

	outcome = tracked.New[wire.RouteResponse]()
	result := make(chan error, 1)
	limited := make(chan bool, 1)

	c.enqueue(func() {
		limited <- c.trackRate()
		id := c.nextMID()
		env := wire.Envelope{ID: id, Msg: msg}
		c.messagesToAck[id] = &pendingSend{env: env, outcome: outcome, sentAt: time.Now()}
		result <- c.dispatch(env)
	})

	select {
	case err = <-result:
		rateLimited = <-limited
		if err != nil {
			return nil, rateLimited, err
		}
		return outcome, rateLimited, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-c.ctx.Done():
		return nil, false, c.ctx.Err()
	}
}

// SendToRouteAndForget sends a "route" body with no id, no ack, no retry,
// and no rate-limit bookkeeping: it is dropped outright if disconnected,
// never buffered for replay.
func (c *Connection) SendToRouteAndForget(route string, verb wire.Verb, data any, headers map[string]string) error {
	return c.PostAndForget(wire.Route(route, verb, data, headers))
}

// PostAndForget sends msg with no id, no ack, no retry, and no dedup
// guarantee — the send-and-forget case the wire format's ForgetID exists
// for.
func (c *Connection) PostAndForget(msg wire.Message) error {
	result := make(chan error, 1)
	c.enqueue(func() {
		result <- c.sendFireAndForget(msg)
	})
	return <-result
}

func (c *Connection) sendFireAndForget(msg wire.Message) error {
	return c.dispatch(wire.Envelope{ID: wire.ForgetID, Msg: msg})
}

func (c *Connection) sendPing() {
	if time.Since(c.lastPong) > c.cfg.PongTimeout {
		c.logger.Warn("relay connection missed pong deadline, closing")
		if t, _ := c.currentTransport(); t != nil {
			_ = t.Disconnect()
		}
		return
	}

	_ = c.sendFireAndForget(wire.Ping())
}

// dispatch writes env to the current transport. If disconnected, or if the
// transport's Send fails, an id-bearing env is queued for replay on
// reconnect, while a send-and-forget env (ForgetID) is dropped and the error
// returned. It never blocks the mailbox goroutine on I/O beyond the
// transport's own Send semantics.
func (c *Connection) dispatch(env wire.Envelope) error {
	t, connected := c.currentTransport()
	if !connected || t == nil {
		if env.ID == wire.ForgetID {
			return errNotConnected
		}
		c.resendQueue = append(c.resendQueue, env)
		return nil
	}

	sendCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	if err := t.Send(sendCtx, env); err != nil {
		if env.ID == wire.ForgetID {
			return err
		}
		c.resendQueue = append(c.resendQueue, env)
		return nil
	}

	if c.metrics.sent != nil {
		c.metrics.sent.Add(sendCtx, 1)
	}

	return nil
}

// trackRate increments the per-second route-send counter and reports
// whether this call tripped the advisory limit. It runs on the mailbox
// goroutine, so the window reset and increment are inherently serialized.
func (c *Connection) trackRate() bool {
	now := time.Now()
	if now.Sub(c.rateWindowStart) >= time.Second {
		c.rateWindowStart = now
		c.messagesSentInWindow = 0
	}
	c.messagesSentInWindow++

	limited := c.messagesSentInWindow > c.cfg.RateLimit
	if limited {
		if c.metrics.rateLimited != nil {
			c.metrics.rateLimited.Add(c.ctx, 1)
		}
		c.logger.Debug("relay connection exceeded advisory rate limit",
			zap.Int("sent_this_window", c.messagesSentInWindow),
			zap.Int("limit", c.cfg.RateLimit),
		)
	}
	return limited
}

// flushResendQueue replays everything queued while disconnected, in FIFO
// order, once a transport is attached and open.
func (c *Connection) flushResendQueue() {
	queue := c.resendQueue
	c.resendQueue = nil

	for _, env := range queue {
		_ = c.dispatch(env)
	}
}

// scanRetries resends anything in messagesToAck that has waited past
// RetryTimeout, up to MaxRetries attempts (0 meaning unbounded). It does
// nothing while the transport is down. A send
// that exhausts its retry budget settles its Outcome with a synthetic
// retry-timeout response instead of hanging forever.
func (c *Connection) scanRetries() {
	if _, connected := c.currentTransport(); !connected {
		return
	}

	now := time.Now()

	for id, p := range c.messagesToAck {
		if now.Sub(p.sentAt) < c.cfg.RetryTimeout {
			continue
		}

		if c.cfg.MaxRetries > 0 && p.attempts >= c.cfg.MaxRetries {
			p.outcome.TrySettle(wire.RouteResponse{Error: "retry exhausted"})
			delete(c.messagesToAck, id)
			continue
		}

		p.attempts++
		p.sentAt = now
		if c.metrics.retried != nil {
			c.metrics.retried.Add(c.ctx, 1)
		}
		_ = c.dispatch(p.env)
	}
}

// settlePending processes an inbound "res" targeting one of our own pending
// sends. A 202 means the peer is still working the request: bookkeeping is
// left untouched and the callback does not fire. Any other status is
// terminal: the callback fires exactly once and the entry is removed.
func (c *Connection) settlePending(target wire.MID, status int, data any) {
	if status == wire.StatusProcessing {
		return
	}

	p, ok := c.messagesToAck[target]
	if !ok {
		return
	}

	delete(c.messagesToAck, target)
	p.outcome.TrySettle(wire.FromRes(status, data))
}

func (c *Connection) sendRes(target wire.MID, status int, data any) {
	if target == wire.ForgetID {
		return
	}

	_ = c.sendFireAndForget(wire.Res(target, status, data))
}
