package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"

	"github.com/wulonghui/dea-ng/internal/logger"
)

type Options struct {
	URL            string
	Name           string
	ConnectTimeout time.Duration
	// ConnectRetries bounds the initial connection attempts after the first.
	ConnectRetries int
}

// Client is a JSON-speaking NATS client that hands out SubscriptionIDs and
// remembers tracked subscriptions so Stop can release them together.
type Client struct {
	conn *nats.Conn

	mu      sync.Mutex
	nextSID SubscriptionID
	subs    map[SubscriptionID]*subscription
}

type subscription struct {
	sub     *nats.Subscription
	tracked bool
}

// NewClient connects to NATS, retrying the initial connection with
// exponential backoff.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}

	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}
	if opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.ConnectTimeout))
	}

	retries := opts.ConnectRetries
	if retries < 0 {
		retries = 0
	}
	backoff := retry.WithMaxRetries(uint64(retries), retry.NewExponential(500*time.Millisecond))

	var conn *nats.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := nats.Connect(url, natsOpts...)
		if err != nil {
			logger.Logger.Warn().Err(err).Str("url", url).Msg("NATS connect attempt failed")
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return NewClientFromConn(conn), nil
}

// NewClientFromConn wraps an existing connection.
func NewClientFromConn(conn *nats.Conn) *Client {
	return &Client{
		conn: conn,
		subs: make(map[SubscriptionID]*subscription),
	}
}

// Subscribe registers handler on subject and returns its SubscriptionID.
func (c *Client) Subscribe(subject string, handler Handler, opts ...SubscribeOption) (SubscriptionID, error) {
	if err := validateSubject(subject); err != nil {
		return 0, err
	}
	if c.conn.IsClosed() {
		return 0, ErrClosed
	}

	o := ApplySubscribeOptions(opts...)
	cb := func(m *nats.Msg) {
		dispatch(m.Subject, m.Reply, m.Data, handler)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if o.Queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, o.Queue, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.nextSID++
	sid := c.nextSID
	c.subs[sid] = &subscription{sub: sub, tracked: !o.DoNotTrack}
	c.mu.Unlock()

	logger.WithSubject(subject).Debug().
		Uint64("sid", uint64(sid)).
		Str("queue", o.Queue).
		Bool("tracked", !o.DoNotTrack).
		Msg("Subscribed")
	return sid, nil
}

// Unsubscribe removes the subscription identified by sid.
func (c *Client) Unsubscribe(sid SubscriptionID) error {
	c.mu.Lock()
	s, ok := c.subs[sid]
	delete(c.subs, sid)
	c.mu.Unlock()

	if !ok {
		return ErrUnknownSubscription
	}
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe %d: %w", sid, err)
	}
	return nil
}

// Publish JSON-encodes body and publishes it on subject.
func (c *Client) Publish(subject string, body interface{}) error {
	if err := validateSubject(subject); err != nil {
		return err
	}
	if c.conn.IsClosed() {
		return ErrClosed
	}

	data, err := encodeBody(body)
	if err != nil {
		return err
	}

	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Request publishes body on subject and waits for a single reply.
func (c *Client) Request(subject string, body interface{}, timeout time.Duration) (*Message, error) {
	if err := validateSubject(subject); err != nil {
		return nil, err
	}
	if c.conn.IsClosed() {
		return nil, ErrClosed
	}

	data, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	reply, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}
	return ParseMessage(reply.Subject, reply.Reply, reply.Data)
}

// Stop unsubscribes every tracked subscription. Untracked subscriptions are
// left to their owners.
func (c *Client) Stop() {
	c.mu.Lock()
	var tracked []SubscriptionID
	for sid, s := range c.subs {
		if s.tracked {
			tracked = append(tracked, sid)
		}
	}
	c.mu.Unlock()

	for _, sid := range tracked {
		if err := c.Unsubscribe(sid); err != nil {
			logger.Logger.Warn().Err(err).Uint64("sid", uint64(sid)).Msg("Failed to unsubscribe")
		}
	}
}

// Connected reports whether the underlying connection is up.
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
