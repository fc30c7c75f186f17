package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Retry defaults for engine connection establishment. The engine's first
// boot loads models and can be slow, so the backoff unit is coarse and grows
// linearly per attempt.
const (
	defaultDialRetries = 5
	defaultRetryDelay  = 2 * time.Second
)

// Dialer establishes control and event connections to a running engine.
// The zero value uses the package defaults.
type Dialer struct {
	MaxRetries int           // connection attempts before giving up
	RetryDelay time.Duration // backoff unit: the wait grows linearly with the attempt number
}

func (d Dialer) normalized() Dialer {
	if d.MaxRetries <= 0 {
		d.MaxRetries = defaultDialRetries
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = defaultRetryDelay
	}
	return d
}

// dialRetry dials addr with bounded retries and linear backoff.
func (d Dialer) dialRetry(ctx context.Context, addr string) (net.Conn, error) {
	d = d.normalized()
	dialer := net.Dialer{}

	var lastErr error
	for attempt := 1; attempt <= d.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial engine: %w", ctx.Err())
		default:
		}

		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < d.MaxRetries {
			select {
			case <-time.After(d.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial engine: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("dial engine %s after %d attempts: %w", addr, d.MaxRetries, lastErr)
}

// DialControl connects to the engine's control endpoint.
func (d Dialer) DialControl(ctx context.Context, addr string) (*ControlConn, error) {
	conn, err := d.dialRetry(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &ControlConn{conn: conn}, nil
}

// DialEvents connects to the engine's event endpoint and completes the
// subscribe handshake. Events begin flowing after the engine's welcome frame.
func (d Dialer) DialEvents(ctx context.Context, addr, clientID string) (*EventConn, error) {
	conn, err := d.dialRetry(ctx, addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	sub := SubscribeRequest{Type: MsgTypeSubscribe, ClientID: clientID}
	if err := WriteMessage(conn, &sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	var welcome Welcome
	if err := ReadMessage(conn, &welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != MsgTypeWelcome || welcome.SID == "" {
		conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", welcome.Type)
	}

	// Handshake done; reads from here on block until the engine emits.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	return &EventConn{conn: conn, sid: welcome.SID}, nil
}

// ControlConn is a request/response connection to the engine's control port.
// One request is in flight at a time; concurrent callers queue on an
// internal lock.
type ControlConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// roundTrip sends a request and reads the engine's reply. A context deadline
// bounds the whole exchange.
func (c *ControlConn) roundTrip(ctx context.Context, req ControlRequest) (ControlResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return ControlResponse{}, fmt.Errorf("set deadline: %w", err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := WriteMessage(c.conn, &req); err != nil {
		return ControlResponse{}, fmt.Errorf("send %s: %w", req.Type, err)
	}

	var resp ControlResponse
	if err := ReadMessage(c.conn, &resp); err != nil {
		return ControlResponse{}, fmt.Errorf("read %s reply: %w", req.Type, err)
	}
	return resp, nil
}

// Submit sends a bound graph for execution. The engine either accepts it or
// rejects it with a reason; rejection is not an error on the connection.
func (c *ControlConn) Submit(ctx context.Context, jobID string, graph any) (bool, string, error) {
	resp, err := c.roundTrip(ctx, ControlRequest{Type: MsgTypeSubmit, JobID: jobID, Graph: graph})
	if err != nil {
		return false, "", err
	}
	if resp.Type != MsgTypeSubmitResult {
		return false, "", fmt.Errorf("unexpected reply type %q to submit", resp.Type)
	}
	return resp.Accepted, resp.Reason, nil
}

// Ping checks engine liveness over the control connection.
func (c *ControlConn) Ping(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, ControlRequest{Type: MsgTypePing})
	if err != nil {
		return err
	}
	if resp.Type != MsgTypePong {
		return fmt.Errorf("unexpected reply type %q to ping", resp.Type)
	}
	return nil
}

// Close closes the underlying connection.
func (c *ControlConn) Close() error {
	return c.conn.Close()
}

// EventConn is a subscription to the engine's event stream.
type EventConn struct {
	conn net.Conn
	sid  string
}

// SID returns the subscription id assigned by the engine.
func (c *EventConn) SID() string {
	return c.sid
}

// Next blocks until the engine emits the next event or the connection fails.
func (c *EventConn) Next() (Event, error) {
	var ev Event
	if err := ReadMessage(c.conn, &ev); err != nil {
		return Event{}, fmt.Errorf("read event: %w", err)
	}
	return ev, nil
}

// Close closes the underlying connection.
func (c *EventConn) Close() error {
	return c.conn.Close()
}
