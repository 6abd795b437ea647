package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name("drover"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

func (c *Client) Request(topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return c.conn.Request(topic, data, timeout)
}

// Notify pings recipient's inbox topic. It satisfies bus.Notifier.
func (c *Client) Notify(recipient string) {
	if err := c.conn.Publish(TopicInbox(recipient), nil); err != nil {
		slog.Debug("inbox notify failed", "recipient", recipient, "error", err)
	}
}

// WatchInbox delivers a wake-up on ch whenever recipient, or everyone, is
// notified. Wake-ups coalesce when ch is full.
func (c *Client) WatchInbox(recipient string, ch chan<- struct{}) (func(), error) {
	wake := func(*nats.Msg) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	direct, err := c.conn.Subscribe(TopicInbox(recipient), wake)
	if err != nil {
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	all, err := c.conn.Subscribe(TopicInboxAll, wake)
	if err != nil {
		_ = direct.Unsubscribe()
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}
	return func() {
		_ = direct.Unsubscribe()
		_ = all.Unsubscribe()
	}, nil
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
