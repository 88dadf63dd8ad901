package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"lukechampine.com/frand"

	"dimy/internal/filter"
	"dimy/internal/wire"
)

var (
	// ErrTransport covers failures to reach the backend or exchange a frame
	// with it. The request may or may not have been applied.
	ErrTransport = errors.New("backend: transport failure")
	// ErrRemote is a request the backend answered with an error status.
	ErrRemote = errors.New("backend: request rejected")
)

type ClientConfig struct {
	Addr        string
	DialTimeout time.Duration
	IOTimeout   time.Duration
	// MaxElapsed bounds retries of transport failures; zero means a single
	// attempt. Rejected requests are never retried.
	MaxElapsed time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:        "127.0.0.1:55000",
		DialTimeout: 5 * time.Second,
		IOTimeout:   30 * time.Second,
	}
}

// Client opens one connection per operation.
type Client struct {
	cfg ClientConfig
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg}
}

// RegisterContact uploads f as a contact filter under a fresh request id.
func (c *Client) RegisterContact(ctx context.Context, f *filter.Filter) error {
	return c.RegisterContactID(ctx, NewRequestID(), f)
}

// RegisterContactID uploads f under id. The backend stores f once however
// often a request with the same id is resent.
func (c *Client) RegisterContactID(ctx context.Context, id wire.RequestID, f *filter.Filter) error {
	resp, err := c.roundTrip(ctx, wire.OpRegister, id, f)
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusRegistered {
		return fmt.Errorf("%w: unexpected %s", ErrRemote, resp.Status)
	}
	return nil
}

// QueryExposure asks whether f overlaps any registered contact filter.
func (c *Client) QueryExposure(ctx context.Context, f *filter.Filter) (bool, error) {
	resp, err := c.roundTrip(ctx, wire.OpQuery, wire.RequestID{}, f)
	if err != nil {
		return false, err
	}
	switch resp.Status {
	case wire.StatusMatched:
		return true, nil
	case wire.StatusNotMatched:
		return false, nil
	}
	return false, fmt.Errorf("%w: unexpected %s", ErrRemote, resp.Status)
}

func NewRequestID() wire.RequestID {
	var id wire.RequestID
	frand.Read(id[:])
	return id
}

func (c *Client) roundTrip(ctx context.Context, op wire.Op, id wire.RequestID, f *filter.Filter) (wire.Response, error) {
	body, err := f.MarshalBinary()
	if err != nil {
		return wire.Response{}, err
	}
	req := wire.Request{Op: op, ID: id, Filter: body}

	var resp wire.Response
	attempt := func() error {
		var err error
		resp, err = c.exchange(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if resp.Status == wire.StatusError {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrRemote, resp.Message))
		}
		return nil
	}
	return resp, backoff.Retry(attempt, backoff.WithContext(c.backOff(), ctx))
}

func (c *Client) backOff() backoff.BackOff {
	if c.cfg.MaxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.MaxElapsed
	return b
}

func (c *Client) exchange(ctx context.Context, req wire.Request) (wire.Response, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return wire.Response{}, err
	}
	defer conn.Close()
	if c.cfg.IOTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.cfg.IOTimeout)); err != nil {
			return wire.Response{}, fmt.Errorf("set deadline: %w", err)
		}
	}
	// unblocks the exchange; its error surfaces as the read or write failure
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := wire.WriteRequest(conn, req); err != nil {
		return wire.Response{}, err
	}
	return wire.ReadResponse(conn)
}
