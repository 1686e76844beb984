// Package client provides a Go client for the FDB key-value server.
//
// The client keeps a small pool of TCP connections to one server, speaks the
// framed binary protocol from pkg/protocol and retries commands that fail at
// the transport level. Server-side errors are returned as *ServerError and are
// never retried.
//
// Key Features:
//   - Connection pooling with a configurable upper bound
//   - Automatic retry on broken or stale connections
//   - Read and write deadlines on every command
//   - Thread-safe operations
//
// Basic Usage:
//
//	c := client.New("localhost:6380")
//	defer c.Close()
//
//	err := c.Set("user:1", value.Map(map[string]value.Value{
//		"name": value.String("alice"),
//		"age":  value.Int(30),
//	}))
//	v, ok, err := c.Get("user:1")
//
//	keys, err := c.Keys("user:*")
//	n, err := c.Save()
//
// Advanced Configuration:
//
//	cfg := config.LoadClientConfig()
//	cfg.MaxConns = 32
//	cfg.RetryAttempts = 5
//	c, err := client.NewWithConfig(cfg)
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/fdbkv/fdb/pkg/config"
	"github.com/fdbkv/fdb/pkg/protocol"
	"github.com/fdbkv/fdb/pkg/value"
)

var (
	// ErrClosed is returned by commands issued after Close.
	ErrClosed = errors.New("client is closed")

	// ErrPoolTimeout is returned when no pooled connection frees up within
	// the connection timeout.
	ErrPoolTimeout = errors.New("connection pool timeout")
)

// ServerError is an error reply sent by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Busy reports whether the server refused the connection because it was at
// its connection limit.
func (e *ServerError) Busy() bool {
	return e.Message == protocol.RejectMessage
}

// Client is a connection-pooled FDB client.
//
// The client is safe for concurrent use. Each command borrows one connection
// for the duration of its request and response.
//
// Example:
//
//	c := client.New("localhost:6380")
//	defer c.Close()
//
//	if err := c.Ping(); err != nil {
//		log.Fatal(err)
//	}
type Client struct {
	config *config.ClientConfig
	pool   *ConnectionPool
}

// ConnectionPool manages the connections to the server.
//
// Connections are dialed on demand up to maxConns and parked in a buffered
// channel between commands. When every connection is in use, Get waits up to
// the connection timeout for one to be returned.
type ConnectionPool struct {
	connections chan net.Conn // Idle connections
	address     string        // Server address (host:port)
	connTimeout time.Duration // Dial and wait timeout
	mu          sync.Mutex    // Protects created and closed
	maxConns    int           // Maximum number of connections
	created     int           // Connections currently open
	closed      bool
}

// New creates a Client for the server at addr using default settings.
//
// Example:
//
//	c := client.New("localhost:6380")
//	defer c.Close()
//
// Parameters:
//   - addr: Server address in "host:port" format
//
// Returns:
//   - A new Client instance ready for use
func New(addr string) *Client {
	cfg := config.LoadClientConfig()
	cfg.Addr = addr
	return newClient(cfg)
}

// NewWithConfig creates a Client with custom configuration.
//
// Example:
//
//	cfg := &config.ClientConfig{
//		Addr:          "db.internal:6380",
//		MaxConns:      20,
//		ConnTimeout:   5,
//		ReadTimeout:   30,
//		WriteTimeout:  10,
//		RetryAttempts: 3,
//	}
//	c, err := client.NewWithConfig(cfg)
//
// Parameters:
//   - cfg: Client configuration
//
// Returns:
//   - A new Client, or an error if cfg is invalid
func NewWithConfig(cfg *config.ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	return newClient(cfg), nil
}

func newClient(cfg *config.ClientConfig) *Client {
	maxConns := cfg.MaxConns
	if maxConns < 1 {
		maxConns = config.DefaultMaxConns
	}
	return &Client{
		config: cfg,
		pool: &ConnectionPool{
			connections: make(chan net.Conn, maxConns),
			address:     cfg.Addr,
			connTimeout: seconds(cfg.ConnTimeout, config.DefaultConnTimeoutSecs),
			maxConns:    maxConns,
		},
	}
}

func seconds(n, fallback int) time.Duration {
	if n < 1 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

// Do sends cmd and returns the server's response. Transport failures are
// retried on a fresh connection up to RetryAttempts times. An error reply is
// returned as a response, not as an error.
func (c *Client) Do(cmd *protocol.Command) (*protocol.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		conn, err := c.pool.Get()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil, err
			}
			lastErr = err
			continue
		}

		resp, err := c.roundTrip(conn, cmd)
		if err != nil {
			c.pool.Discard(conn)
			lastErr = err
			continue
		}

		// The server closes a rejected connection right after the reply.
		if resp.Type == protocol.RespError && resp.Error == protocol.RejectMessage {
			c.pool.Discard(conn)
		} else {
			c.pool.Put(conn)
		}
		return resp, nil
	}

	return nil, fmt.Errorf("command %s failed after %d attempts: %w", cmd.Type, c.config.RetryAttempts+1, lastErr)
}

func (c *Client) roundTrip(conn net.Conn, cmd *protocol.Command) (*protocol.Response, error) {
	writeTimeout := seconds(c.config.WriteTimeout, config.DefaultWriteTimeoutSecs)
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return nil, err
	}
	if err := protocol.WriteCommand(conn, cmd); err != nil {
		return nil, err
	}

	readTimeout := seconds(c.config.ReadTimeout, config.DefaultReadTimeoutSecs)
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, err
	}
	return protocol.ReadResponse(conn)
}

// call runs a command and converts error replies into *ServerError.
func (c *Client) call(t protocol.CommandType, args ...interface{}) (*protocol.Response, error) {
	resp, err := c.Do(protocol.NewCommand(t, args...))
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.RespError {
		return nil, &ServerError{Message: resp.Error}
	}
	return resp, nil
}

func unexpected(t protocol.CommandType, resp *protocol.Response) error {
	return fmt.Errorf("unexpected %s response to %s", resp.Type, t)
}

func (c *Client) intCommand(t protocol.CommandType, args ...interface{}) (int64, error) {
	resp, err := c.call(t, args...)
	if err != nil {
		return 0, err
	}
	n, ok := resp.Data.(int64)
	if resp.Type != protocol.RespInt || !ok {
		return 0, unexpected(t, resp)
	}
	return n, nil
}

func (c *Client) okCommand(t protocol.CommandType, args ...interface{}) error {
	resp, err := c.call(t, args...)
	if err != nil {
		return err
	}
	if resp.Type != protocol.RespOK {
		return unexpected(t, resp)
	}
	return nil
}

// Ping checks that the server is reachable and answering.
//
// Example:
//
//	if err := c.Ping(); err != nil {
//		log.Printf("server unreachable: %v", err)
//	}
func (c *Client) Ping() error {
	resp, err := c.call(protocol.CmdPing)
	if err != nil {
		return err
	}
	if resp.Type != protocol.RespString {
		return unexpected(protocol.CmdPing, resp)
	}
	return nil
}

// Set stores v under key, replacing any previous value.
//
// Example:
//
//	err := c.Set("config:limits", value.List(value.Int(10), value.Int(20)))
//
// Parameters:
//   - key: Key to store the value under
//   - v: Value to store
//
// Returns:
//   - Error if the key is invalid or the command failed
func (c *Client) Set(key string, v value.Value) error {
	return c.okCommand(protocol.CmdSet, key, v)
}

// Get retrieves the value stored under key.
//
// Example:
//
//	v, ok, err := c.Get("user:1")
//	if err != nil {
//		return err
//	}
//	if !ok {
//		fmt.Println("not found")
//	}
//
// Parameters:
//   - key: Key to look up
//
// Returns:
//   - The stored value and true, or a null value and false if the key is absent
//   - Error if the command failed
func (c *Client) Get(key string) (value.Value, bool, error) {
	resp, err := c.call(protocol.CmdGet, key)
	if err != nil {
		return value.Null(), false, err
	}

	switch resp.Type {
	case protocol.RespNil:
		return value.Null(), false, nil
	case protocol.RespValue:
		if v, ok := resp.Data.(value.Value); ok {
			return v, true, nil
		}
	}
	return value.Null(), false, unexpected(protocol.CmdGet, resp)
}

// Del deletes key and reports whether it existed.
func (c *Client) Del(key string) (bool, error) {
	n, err := c.intCommand(protocol.CmdDel, key)
	return n == 1, err
}

// Exists reports whether key is stored.
func (c *Client) Exists(key string) (bool, error) {
	n, err := c.intCommand(protocol.CmdExists, key)
	return n == 1, err
}

// Keys lists the keys matching a glob pattern. "*" matches every key.
//
// Example:
//
//	keys, err := c.Keys("session:*")
//
// Returns:
//   - Matching keys in sorted order
//   - Error if the command failed
func (c *Client) Keys(pattern string) ([]string, error) {
	resp, err := c.call(protocol.CmdKeys, pattern)
	if err != nil {
		return nil, err
	}
	keys, ok := resp.Data.([]string)
	if resp.Type != protocol.RespArray || !ok {
		return nil, unexpected(protocol.CmdKeys, resp)
	}
	return keys, nil
}

// DBSize returns the number of stored keys.
func (c *Client) DBSize() (int64, error) {
	return c.intCommand(protocol.CmdDBSize)
}

// FlushDB removes every key from the server.
func (c *Client) FlushDB() error {
	return c.okCommand(protocol.CmdFlushDB)
}

// Save asks the server to write every dirty entry to disk now and returns the
// number of entries written.
func (c *Client) Save() (int64, error) {
	return c.intCommand(protocol.CmdSave)
}

// Info returns the server statistics.
//
// Example:
//
//	info, err := c.Info()
//	entries, _ := info["cache_entries"].AsInt()
func (c *Client) Info() (map[string]value.Value, error) {
	resp, err := c.call(protocol.CmdInfo)
	if err != nil {
		return nil, err
	}
	if v, ok := resp.Data.(value.Value); ok && resp.Type == protocol.RespValue {
		if m, ok := v.AsMap(); ok {
			return m, nil
		}
	}
	return nil, unexpected(protocol.CmdInfo, resp)
}

// Close closes every pooled connection. Commands issued after Close return
// ErrClosed.
func (c *Client) Close() error {
	return c.pool.Close()
}

// Get obtains a connection from the pool, dialing a new one if the pool is
// below its limit. At the limit it waits for a connection to be returned.
func (cp *ConnectionPool) Get() (net.Conn, error) {
	select {
	case conn, ok := <-cp.connections:
		if !ok {
			return nil, ErrClosed
		}
		return conn, nil
	default:
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrClosed
	}
	if cp.created < cp.maxConns {
		cp.created++
		cp.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), cp.connTimeout)
		defer cancel()
		dialer := &net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", cp.address)
		if err != nil {
			cp.release()
			return nil, err
		}
		return conn, nil
	}
	cp.mu.Unlock()

	timer := time.NewTimer(cp.connTimeout)
	defer timer.Stop()
	select {
	case conn, ok := <-cp.connections:
		if !ok {
			return nil, ErrClosed
		}
		return conn, nil
	case <-timer.C:
		return nil, ErrPoolTimeout
	}
}

// Put returns a healthy connection to the pool for reuse.
func (cp *ConnectionPool) Put(conn net.Conn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		_ = conn.Close()
		cp.created--
		return
	}
	select {
	case cp.connections <- conn:
	default:
		_ = conn.Close()
		cp.created--
	}
}

// Discard closes a connection that failed mid-command and frees its slot.
func (cp *ConnectionPool) Discard(conn net.Conn) {
	_ = conn.Close()
	cp.release()
}

func (cp *ConnectionPool) release() {
	cp.mu.Lock()
	cp.created--
	cp.mu.Unlock()
}

// Close closes the idle connections. Connections still borrowed are closed
// when they are returned.
func (cp *ConnectionPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.connections)
	cp.mu.Unlock()

	var err error
	for conn := range cp.connections {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
		cp.release()
	}
	return err
}
