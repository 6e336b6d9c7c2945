package natsutil

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskpilot/platform/internal/contracts"
	"github.com/taskpilot/platform/internal/messaging"
)

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func ConnectJetStream(url string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureStreams(js); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

func ConnectJetStreamWithRetry(url string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ConnectJetStream(url)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// Publisher is the narrow bus surface the producer and consumers depend on.
type Publisher interface {
	Publish(topic contracts.Topic, payload []byte) error
}

type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

func (p JetStreamPublisher) Publish(topic contracts.Topic, payload []byte) error {
	_, err := p.JS.Publish(string(topic), payload)
	return err
}

// SubscribeQueue binds a durable queue consumer for one topic with the
// delivery-contract options applied.
func (c *Client) SubscribeQueue(topic contracts.Topic, group string, cb nats.MsgHandler) (*nats.Subscription, error) {
	opts := append(messaging.SubscribeOpts(), nats.Durable(group+"-"+sanitize(string(topic))))
	return c.JS.QueueSubscribe(string(topic), group, cb, opts...)
}

func sanitize(subject string) string {
	out := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		ch := subject[i]
		if ch == '.' || ch == '*' || ch == '>' {
			ch = '-'
		}
		out[i] = ch
	}
	return string(out)
}
