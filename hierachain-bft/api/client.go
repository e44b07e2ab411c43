package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/goccy/go-json"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// ErrRejected is returned by Client.Submit when the replica refuses a batch.
var ErrRejected = errors.New("batch rejected")

// Client submits request batches to one replica's admission server.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to address. A non-empty token is presented before the first
// batch.
func Dial(ctx context.Context, address, token string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	c := &Client{conn: conn}
	if token != "" {
		if err := c.login(ctx, token); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) login(ctx context.Context, token string) error {
	body, err := json.Marshal(AuthMessage{Type: "auth", Token: token})
	if err != nil {
		return err
	}
	frame, err := c.roundTrip(ctx, body)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	var resp AuthResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", ErrAuthTokenMismatch, resp.Error)
	}
	return nil
}

// Submit sends reqs as one batch and waits for the verdict. A rejection
// wraps ErrRejected and carries the server's reason.
func (c *Client) Submit(ctx context.Context, reqs []message.Request) error {
	body, err := EncodeBatch(reqs)
	if err != nil {
		return err
	}
	frame, err := c.roundTrip(ctx, body)
	if err != nil {
		return err
	}
	ok, reason, err := ParseReply(frame)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A context without deadline clears the one left by an earlier call.
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := WriteMessage(c.conn, body); err != nil {
		return nil, err
	}
	return ReadMessage(c.conn)
}

// Close hangs up.
func (c *Client) Close() error {
	return c.conn.Close()
}
