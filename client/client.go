// Package client talks to a kvs server over its TCP protocol.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sajjad-MoBe/kvs/internal/protocol"
)

// Config defines connection and retry behavior
type Config struct {
	// MaxRetries bounds connection attempts made by Dial
	MaxRetries int
	RetryDelay time.Duration
	// Timeout applies to dialing and to each request round trip
	Timeout time.Duration
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

// ServerError is an Err response sent by the server
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

// Client represents one connection to a kvs server. It is safe for
// concurrent use; requests on the connection are serialized.
type Client struct {
	addr   string
	config Config
	conn   net.Conn
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	mu     sync.Mutex
	broken error
}

// Dial connects to the server at addr, retrying up to config.MaxRetries times
func Dial(addr string, config Config) (*Client, error) {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}

	var lastErr error
	for i := 0; i < config.MaxRetries; i++ {
		conn, err := net.DialTimeout("tcp", addr, config.Timeout)
		if err == nil {
			return &Client{
				addr:   addr,
				config: config,
				conn:   conn,
				enc:    protocol.NewEncoder(conn),
				dec:    protocol.NewDecoder(conn),
			}, nil
		}
		lastErr = err

		// Wait before retry
		if i+1 < config.MaxRetries {
			time.Sleep(config.RetryDelay)
		}
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", addr, lastErr)
}

// Addr returns the server address
func (c *Client) Addr() string {
	return c.addr
}

// Get retrieves the value for key. A missing key returns ok=false.
func (c *Client) Get(key string) (string, bool, error) {
	resp, err := c.roundTrip(protocol.Get(key))
	if err != nil {
		return "", false, err
	}
	if resp.Value == nil {
		return "", false, nil
	}
	return *resp.Value, true, nil
}

// Set stores value under key
func (c *Client) Set(key, value string) error {
	_, err := c.roundTrip(protocol.Set(key, value))
	return err
}

// Remove deletes key. Removing a missing key returns a *ServerError.
func (c *Client) Remove(key string) error {
	_, err := c.roundTrip(protocol.Remove(key))
	return err
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = net.ErrClosed
	}
	return c.conn.Close()
}

func (c *Client) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, fmt.Errorf("connection unusable: %w", c.broken)
	}

	if c.config.Timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.config.Timeout)); err != nil {
			return nil, err
		}
	}

	if err := c.enc.WriteRequest(req); err != nil {
		c.broken = err
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	resp, err := c.dec.ReadResponse()
	if err != nil {
		var msgErr *protocol.MessageError
		if !errors.As(err, &msgErr) {
			c.broken = err
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.IsErr() {
		return nil, &ServerError{Message: resp.Error()}
	}
	return resp, nil
}
