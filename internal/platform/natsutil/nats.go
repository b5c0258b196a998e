// Package natsutil connects dispatch processes to JetStream.
package natsutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/depannage/dispatch/internal/messaging"
)

// Options names the connection and tunes reconnects. The zero value
// reconnects forever every two seconds and logs nothing.
type Options struct {
	Name          string
	ReconnectWait time.Duration
	// RetryEvery spaces initial dial attempts in ConnectWithRetry.
	RetryEvery time.Duration
	Logger     *slog.Logger
}

func (o Options) natsOptions() []nats.Option {
	wait := o.ReconnectWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name(o.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
	}
	if logger := o.Logger; logger != nil {
		logger = logger.With("nats_client", o.Name)
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.Warn("nats disconnected", "err", err)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", "url", c.ConnectedUrl())
			}),
			nats.ClosedHandler(func(*nats.Conn) {
				logger.Info("nats connection closed")
			}),
		)
	}
	return opts
}

// Client is a NATS connection with the domain event stream ensured.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func Connect(url string, o Options) (*Client, error) {
	conn, err := nats.Connect(url, o.natsOptions()...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err == nil {
		err = messaging.EnsureStreams(js)
	}
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

// ConnectWithRetry dials until it succeeds, ctx ends or timeout passes.
func ConnectWithRetry(ctx context.Context, url string, o Options, timeout time.Duration) (*Client, error) {
	every := o.RetryEvery
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		client, err := Connect(url, o)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if o.Logger != nil {
			o.Logger.Warn("nats not ready", "nats_client", o.Name, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect jetstream %s within %s: %w", o.Name, timeout, lastErr)
		case <-time.After(every):
		}
	}
}

// Publish appends one event to JetStream and waits for the ack.
func (c *Client) Publish(subject string, payload []byte) error {
	_, err := c.JS.Publish(subject, payload)
	return err
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}
