package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nodelink/internal/nodeerr"
	"github.com/nextlevelbuilder/nodelink/pkg/protocol"
)

const (
	// ReasonSubscriptionRejected marks a subscription the node refused.
	ReasonSubscriptionRejected = "subscription_rejected"
	// ReasonResubscribeFailed marks a Connect that came up without every
	// registered subscription.
	ReasonResubscribeFailed = "resubscribe_failed"
)

// eventBuffer is the per-subscription queue between the read loop and the
// delivery goroutine. A full queue blocks the read loop.
const eventBuffer = 256

// Handler receives accepted events for one subscription. Calls for the same
// subscription never overlap and arrive in acceptance order. A handler may
// call the client, including Unsubscribe on its own subscription, but must
// not re-subscribe to its own (topic, parameter).
type Handler func(ev protocol.Event)

type subKey struct {
	topic     string
	parameter string
}

// Subscription is a live (topic, parameter) subscription. It survives
// reconnects until Unsubscribe or Close.
type Subscription struct {
	Topic     string
	Parameter string

	// regMu serializes sequencer registration changes for this
	// subscription. It is taken before Client.subMu.
	regMu sync.Mutex

	// guarded by Client.subMu
	id      string
	handler Handler

	mu      sync.Mutex
	initial *string

	events  chan protocol.Event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Initial returns the snapshot payload the node sent with its last
// subscription response, if any.
func (s *Subscription) Initial() *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initial
}

// Done is closed once the subscription has been removed and its handler has
// returned for the last time.
func (s *Subscription) Done() <-chan struct{} {
	return s.stopped
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) push(ev protocol.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (c *Client) subscriptionCount() int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return len(c.subs)
}

func (c *Client) callback(h Handler) func(int64, protocol.Event) {
	return func(_ int64, ev protocol.Event) { h(ev) }
}

// run drains the subscription's queue through the sequencer. Events are
// gated by the subscriber id they carry, so events from an earlier
// connection are dropped once the subscription has been re-sent.
func (c *Client) run(s *Subscription) {
	defer close(s.stopped)
	for {
		select {
		case ev := <-s.events:
			c.seq.Accept(ev.SubscriberID, ev.SequenceNumber, ev)
		case <-s.done:
			return
		}
	}
}

func (c *Client) dispatch(ev protocol.Event) {
	c.subMu.Lock()
	s := c.byID[ev.SubscriberID]
	c.subMu.Unlock()
	if s == nil {
		slog.Debug("transport: event for unknown subscriber dropped", "topic", ev.Topic, "seq", ev.SequenceNumber)
		return
	}
	s.push(ev)
}

// Subscribe registers handler for (topic, parameter). Subscribing again to
// the same pair replaces the handler and resets sequence tracking on the
// existing subscription; no second delivery path is created. While
// disconnected the subscription is recorded and sent on the next Connect.
// If the node rejects the subscription nothing stays registered.
func (c *Client) Subscribe(ctx context.Context, topic, parameter string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, nodeerr.New(nodeerr.KindTransport, "", "subscription handler is required")
	}
	key := subKey{topic: topic, parameter: parameter}

	c.subMu.Lock()
	if s, ok := c.subs[key]; ok {
		c.subMu.Unlock()
		s.regMu.Lock()
		c.subMu.Lock()
		s.handler = handler
		id := s.id
		c.subMu.Unlock()
		c.seq.Register(id, c.callback(handler))
		s.regMu.Unlock()
		slog.Debug("transport: subscription handler replaced", "topic", topic)
		return s, nil
	}
	s := &Subscription{
		Topic:     topic,
		Parameter: parameter,
		id:        uuid.NewString(),
		handler:   handler,
		events:    make(chan protocol.Event, eventBuffer),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	id := s.id
	c.seq.Register(id, c.callback(handler))
	c.subs[key] = s
	c.byID[id] = s
	// Read under subMu: either attach already published cn and will not see
	// s, or s is in the snapshot attach is about to take.
	cn := c.link
	c.subMu.Unlock()

	go c.run(s)

	if cn == nil {
		slog.Debug("transport: subscription queued until connected", "topic", topic)
		return s, nil
	}
	if err := c.sendSubscribe(ctx, cn, s, id); err != nil {
		c.remove(s)
		return nil, err
	}
	return s, nil
}

// Unsubscribe removes s. Once it returns the handler will not be started
// again; a call already in progress, such as the one making this call, runs
// to completion. Done reports when that has happened.
func (c *Client) Unsubscribe(ctx context.Context, s *Subscription) error {
	if !c.remove(s) {
		return nil
	}
	cn, _ := c.current()
	if cn == nil {
		return nil
	}
	data, err := json.Marshal(protocol.NewUnsubscribeRequest(uuid.NewString(), s.Topic, s.Parameter))
	if err != nil {
		return err
	}
	return cn.enqueue(ctx, data)
}

func (c *Client) remove(s *Subscription) bool {
	key := subKey{topic: s.Topic, parameter: s.Parameter}
	s.regMu.Lock()
	defer s.regMu.Unlock()

	c.subMu.Lock()
	if c.subs[key] != s {
		c.subMu.Unlock()
		return false
	}
	delete(c.subs, key)
	delete(c.byID, s.id)
	id := s.id
	c.subMu.Unlock()

	c.seq.Unregister(id)
	s.stop()
	return true
}

func (c *Client) sendSubscribe(ctx context.Context, cn *connection, s *Subscription, id string) error {
	raw, err := c.roundTrip(ctx, cn, id, protocol.NewSubscriptionRequest(id, s.Topic, s.Parameter))
	if err != nil {
		return err
	}
	var resp protocol.SubscriptionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nodeerr.Wrap(nodeerr.KindTransport, "", "malformed subscription response", err)
	}
	if resp.ErrorMessage != nil {
		return nodeerr.New(nodeerr.KindTransport, ReasonSubscriptionRejected, "node rejected subscription to "+s.Topic+": "+nodeerr.Scrub(*resp.ErrorMessage))
	}

	s.mu.Lock()
	s.initial = resp.Payload
	s.mu.Unlock()
	slog.Debug("transport: subscribed", "topic", s.Topic)
	return nil
}

// attach makes cn the connection new subscriptions are sent on and re-sends
// every subscription registered before that point under a fresh subscriber
// id with reset sequencing. Subscriptions that could not be re-sent stay
// registered and are retried on the next connection.
func (c *Client) attach(ctx context.Context, cn *connection) error {
	c.subMu.Lock()
	c.link = cn
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subMu.Unlock()

	var errs []error
	for _, s := range subs {
		id, ok := c.rotate(s)
		if !ok {
			continue
		}
		if err := c.sendSubscribe(ctx, cn, s, id); err != nil {
			slog.Warn("transport: resubscribe failed", "topic", s.Topic, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return nodeerr.Wrap(nodeerr.KindTransport, ReasonResubscribeFailed,
		"connected, but some subscriptions could not be re-established", errors.Join(errs...))
}

// detach stops new subscriptions from being sent on cn.
func (c *Client) detach(cn *connection) {
	c.subMu.Lock()
	if c.link == cn {
		c.link = nil
	}
	c.subMu.Unlock()
}

// rotate moves s to a fresh subscriber id. Events still carrying the old id
// are dropped as unknown from here on.
func (c *Client) rotate(s *Subscription) (string, bool) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	id := uuid.NewString()
	c.subMu.Lock()
	if c.subs[subKey{s.Topic, s.Parameter}] != s {
		c.subMu.Unlock()
		return "", false
	}
	old := s.id
	h := s.handler
	c.seq.Register(id, c.callback(h))
	delete(c.byID, old)
	s.id = id
	c.byID[id] = s
	c.subMu.Unlock()

	c.seq.Unregister(old)
	return id, true
}
