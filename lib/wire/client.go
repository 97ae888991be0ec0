// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/quarry-build/quarry/lib/change"
	"github.com/quarry-build/quarry/lib/clock"
	"github.com/quarry-build/quarry/lib/codec"
	"github.com/quarry-build/quarry/lib/event"
	"github.com/quarry-build/quarry/lib/resource"
	"github.com/quarry-build/quarry/lib/version"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultCallTimeout = 30 * time.Second

	// Subscription reconnect backoff bounds.
	backoffFloor = 500 * time.Millisecond
	backoffCeil  = 30 * time.Second
)

// ClientConfig configures a Client. Address selects the transport by
// shape: an address containing a slash is a Unix socket path,
// everything else is a TCP "host:port".
type ClientConfig struct {
	Address string

	// DialTimeout bounds connection establishment. Zero means 5s.
	DialTimeout time.Duration

	// CallTimeout bounds one whole request/response exchange. Zero
	// means 30s. An earlier context deadline wins.
	CallTimeout time.Duration

	// Logger receives reconnect logs. Nil means slog.Default().
	Logger *slog.Logger

	// Clock paces subscription reconnect backoff. Nil means the real
	// clock.
	Clock clock.Clock
}

// Client talks the frame protocol to one daemon. It dials a fresh
// connection per call, so a Client is safe for concurrent use and
// holds no resources between calls.
type Client struct {
	network     string
	address     string
	dialTimeout time.Duration
	callTimeout time.Duration
	logger      *slog.Logger
	clock       clock.Clock
}

// NewClient builds a Client for the daemon at cfg.Address.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("wire: client needs an address")
	}
	network := "tcp"
	if strings.Contains(cfg.Address, "/") {
		network = "unix"
	}
	c := &Client{
		network:     network,
		address:     cfg.Address,
		dialTimeout: cfg.DialTimeout,
		callTimeout: cfg.CallTimeout,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = defaultDialTimeout
	}
	if c.callTimeout <= 0 {
		c.callTimeout = defaultCallTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	return c, nil
}

// Address returns the address the client dials.
func (c *Client) Address() string { return c.address }

// Call performs one request/response exchange on a fresh connection.
// A nil req sends an empty payload; a nil resp discards the OK
// payload. Dial failures and transport errors wrap
// resource.ErrUnavailable, so an unreachable daemon is always
// distinguishable from a NOT_FOUND answer.
func (c *Client) Call(ctx context.Context, op Opcode, req, resp any) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("wire: %s: %w", op, err)
	}

	var body []byte
	if req != nil {
		if body, err = codec.Marshal(req); err != nil {
			return fmt.Errorf("wire: encode %s request: %w", op, err)
		}
	}
	if err := writeFrame(conn, byte(op), body); err != nil {
		return fmt.Errorf("wire: send %s: %w", op, unavailable(err))
	}
	tag, payload, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("wire: %s response: %w", op, unavailable(err))
	}

	status := Status(tag)
	switch status {
	case StatusOK:
		if resp == nil || len(payload) == 0 {
			return nil
		}
		if err := codec.Unmarshal(payload, resp); err != nil {
			return fmt.Errorf("wire: decode %s response: %v: %w", op, err, resource.ErrProtocol)
		}
		return nil
	case StatusEvent:
		return fmt.Errorf("wire: event frame answering %s: %w", op, resource.ErrProtocol)
	default:
		return decodeError(status, payload)
	}
}

// Hello exchanges protocol versions with the daemon. It doubles as a
// liveness probe.
func (c *Client) Hello(ctx context.Context) (*Hello, error) {
	var resp Hello
	req := Hello{Protocol: ProtocolVersion, Software: "quarry/" + version.Short()}
	if err := c.Call(ctx, OpHello, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe opens a push subscription and returns its event channel.
// The channel survives connection failures: the client redials with
// capped exponential backoff and delivers a synthetic Resync after
// every gap, because events missed while disconnected are unknowable.
// The channel closes when ctx ends.
//
// Delivery applies backpressure: a consumer that stops draining the
// channel eventually stalls the read loop, the daemon drops the
// subscriber, and the next events arrive behind a Resync.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) <-chan change.Event {
	out := make(chan change.Event, event.DefaultBuffer)
	go c.subscribeLoop(ctx, req, out)
	return out
}

func (c *Client) subscribeLoop(ctx context.Context, req SubscribeRequest, out chan<- change.Event) {
	defer close(out)
	backoff := backoffFloor
	resync := false
	for {
		if ctx.Err() != nil {
			return
		}
		established, err := c.runSubscription(ctx, req, out, resync)
		if ctx.Err() != nil {
			return
		}
		if established {
			backoff = backoffFloor
			resync = true
		}
		if err != nil {
			c.logger.Debug("subscription dropped", "address", c.address, "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(backoff):
		}
		backoff = min(backoff*2, backoffCeil)
	}
}

// runSubscription drives one subscription connection to completion.
// The returned bool reports whether the subscription was established
// (the server answered OK), which resets backoff and arms the Resync
// for the next attempt.
func (c *Client) runSubscription(ctx context.Context, req SubscribeRequest, out chan<- change.Event, resync bool) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	body, err := codec.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("wire: encode subscribe: %w", err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return false, err
	}
	if err := writeFrame(conn, byte(OpSubscribe), body); err != nil {
		return false, unavailable(err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return false, err
	}
	tag, payload, err := readFrame(conn)
	if err != nil {
		return false, unavailable(err)
	}
	if Status(tag) != StatusOK {
		return false, decodeError(Status(tag), payload)
	}

	// Established. Event frames arrive whenever the daemon has
	// something to say, so reads no longer carry a deadline.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return true, err
	}
	if resync {
		if !deliver(ctx, out, change.Event{Kind: change.Resync}) {
			return true, nil
		}
	}
	for {
		tag, payload, err := readFrame(conn)
		if err != nil {
			return true, unavailable(err)
		}
		if Status(tag) != StatusEvent {
			return true, fmt.Errorf("wire: status %s on a subscription: %w", Status(tag), resource.ErrProtocol)
		}
		var ev change.Event
		if err := codec.Unmarshal(payload, &ev); err != nil {
			return true, fmt.Errorf("wire: decode event: %v: %w", err, resource.ErrProtocol)
		}
		if !deliver(ctx, out, ev) {
			return true, nil
		}
	}
}

func deliver(ctx context.Context, out chan<- change.Event, ev change.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("wire: dial: %v: %w", err, resource.ErrUnavailable)
	}
	return conn, nil
}

// unavailable maps a transport failure onto ErrUnavailable. Protocol
// violations keep their identity.
func unavailable(err error) error {
	if errors.Is(err, resource.ErrProtocol) {
		return err
	}
	return fmt.Errorf("%v: %w", err, resource.ErrUnavailable)
}
