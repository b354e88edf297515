package nats

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrTimeout = errors.New("request timeout")

// MemoryClient is an in-process stand-in for Client. Delivery is
// synchronous: Publish returns after every matching handler has run.
// Bodies go through the same JSON encoding as on the wire.
type MemoryClient struct {
	mu      sync.RWMutex
	nextSID SubscriptionID
	subs    map[SubscriptionID]*memorySub
	rr      map[string]int // subject+queue -> round-robin cursor
	closed  atomic.Bool

	inboxSeq atomic.Uint64
}

type memorySub struct {
	sid     SubscriptionID
	subject string
	queue   string
	tracked bool
	handler Handler
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		subs: make(map[SubscriptionID]*memorySub),
		rr:   make(map[string]int),
	}
}

func (c *MemoryClient) Subscribe(subject string, handler Handler, opts ...SubscribeOption) (SubscriptionID, error) {
	if err := validateSubject(subject); err != nil {
		return 0, err
	}
	if c.closed.Load() {
		return 0, ErrClosed
	}

	o := ApplySubscribeOptions(opts...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSID++
	sid := c.nextSID
	c.subs[sid] = &memorySub{
		sid:     sid,
		subject: subject,
		queue:   o.Queue,
		tracked: !o.DoNotTrack,
		handler: handler,
	}
	return sid, nil
}

func (c *MemoryClient) Unsubscribe(sid SubscriptionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sid]; !ok {
		return ErrUnknownSubscription
	}
	delete(c.subs, sid)
	return nil
}

func (c *MemoryClient) Publish(subject string, body interface{}) error {
	return c.publish(subject, "", body)
}

func (c *MemoryClient) publish(subject, reply string, body interface{}) error {
	if err := validateSubject(subject); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}

	data, err := encodeBody(body)
	if err != nil {
		return err
	}

	for _, s := range c.receivers(subject) {
		dispatch(subject, reply, data, s.handler)
	}
	return nil
}

// receivers returns every plain subscriber of subject plus one member of
// each queue group, chosen round-robin.
func (c *MemoryClient) receivers(subject string) []*memorySub {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*memorySub
	groups := map[string][]*memorySub{}
	var order []string
	for sid := SubscriptionID(1); sid <= c.nextSID; sid++ {
		s, ok := c.subs[sid]
		if !ok || s.subject != subject {
			continue
		}
		if s.queue == "" {
			out = append(out, s)
			continue
		}
		if _, seen := groups[s.queue]; !seen {
			order = append(order, s.queue)
		}
		groups[s.queue] = append(groups[s.queue], s)
	}

	for _, queue := range order {
		members := groups[queue]
		key := subject + "\x00" + queue
		idx := c.rr[key] % len(members)
		c.rr[key] = idx + 1
		out = append(out, members[idx])
	}
	return out
}

func (c *MemoryClient) Request(subject string, body interface{}, timeout time.Duration) (*Message, error) {
	inbox := fmt.Sprintf("_INBOX.memory.%d", c.inboxSeq.Add(1))
	replies := make(chan *Message, 1)

	sid, err := c.Subscribe(inbox, func(msg *Message) error {
		select {
		case replies <- msg:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer c.Unsubscribe(sid)

	if err := c.publish(subject, inbox, body); err != nil {
		return nil, err
	}

	select {
	case msg := <-replies:
		return msg, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// SubscriptionCount reports the live subscriptions on subject.
func (c *MemoryClient) SubscriptionCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.subs {
		if s.subject == subject {
			n++
		}
	}
	return n
}

// Stop unsubscribes every tracked subscription.
func (c *MemoryClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sid, s := range c.subs {
		if s.tracked {
			delete(c.subs, sid)
		}
	}
}

func (c *MemoryClient) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.mu.Lock()
	c.subs = make(map[SubscriptionID]*memorySub)
	c.mu.Unlock()
}
