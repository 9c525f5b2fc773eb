// Package client is a reconnecting client for the chat wire protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"lanchat/protocol"
)

// Pseudo message types delivered to handlers on connection changes.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultDialTimeout    = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("client closed")
)

type Handler func(*protocol.Response)

type Option func(*Client)

// WithReconnectDelay sets the fixed wait between reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// WithReauth makes the client repeat its last login after reconnecting.
func WithReauth() Option {
	return func(c *Client) { c.reauth = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// Client keeps one connection open, reconnecting after unexpected loss
// until Close is called or the Connect context ends.
type Client struct {
	addr           string
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	reauth         bool
	log            *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	handlers  map[string][]Handler
	waiters   map[string][]chan *protocol.Response
	token     string
	username  string
	password  string
	connected bool

	sendMu    sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:           addr,
		reconnectDelay: DefaultReconnectDelay,
		dialTimeout:    DefaultDialTimeout,
		log:            slog.Default(),
		handlers:       make(map[string][]Handler),
		waiters:        make(map[string][]chan *protocol.Response),
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "client", "server", addr)
	return c
}

// Connect dials the server. After a successful first dial, connection loss
// triggers the reconnect loop for as long as ctx lives.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if !c.attach(ctx, conn) {
		return ErrClosed
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	return d.DialContext(ctx, "tcp", c.addr)
}

// attach installs conn and starts its read loop. It reports false and
// closes conn when Close has already run.
func (c *Client) attach(ctx context.Context, conn net.Conn) bool {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		conn.Close()
		return false
	default:
	}
	c.conn = conn
	c.connected = true
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info("connected")
	c.notify(&protocol.Response{Type: EventConnected})

	go c.readLoop(ctx, conn)
	return true
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Token returns the session token from the most recent successful login.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// On registers a handler for a response, push or event type. Handlers run
// on the read goroutine in arrival order.
func (c *Client) On(typ string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[typ] = append(c.handlers[typ], h)
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	defer c.wg.Done()

	dec := protocol.NewDecoder(protocol.WithDropHook(func(region []byte) {
		c.log.Warn("dropped malformed frame", "bytes", len(region))
	}))
	buf := make([]byte, 32<<10)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, _ := dec.Decode(buf[:n])
			for _, frame := range frames {
				c.handleFrame(frame)
			}
		}
		if err != nil {
			c.connectionLost(ctx, conn, err)
			return
		}
	}
}

func (c *Client) handleFrame(frame json.RawMessage) {
	var resp protocol.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		c.log.Warn("undecodable frame", "error", err)
		return
	}
	if resp.Type == protocol.TypeLogin && resp.Success {
		var token string
		if err := resp.Field("session_token", &token); err == nil {
			c.mu.Lock()
			c.token = token
			c.mu.Unlock()
		}
	}
	if !resp.IsPush() {
		c.wake(&resp)
	}
	c.notify(&resp)
}

func (c *Client) notify(resp *protocol.Response) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[resp.Type]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(resp)
	}
}

func (c *Client) wake(resp *protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.waiters[resp.Type]
	if len(queue) == 0 {
		return
	}
	ch := queue[0]
	c.waiters[resp.Type] = queue[1:]
	ch <- resp
}

func (c *Client) connectionLost(ctx context.Context, conn net.Conn, err error) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()

	select {
	case <-c.closed:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		c.log.Info("server closed connection")
	} else {
		c.log.Warn("connection lost", "error", err)
	}
	c.notify(&protocol.Response{Type: EventDisconnected})

	c.wg.Add(1)
	go c.reconnectLoop(ctx)
}

func (c *Client) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()
	timer := time.NewTimer(c.reconnectDelay)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("reconnect failed", "attempt", attempt, "retry_in", c.reconnectDelay, "error", err)
			timer.Reset(c.reconnectDelay)
			continue
		}
		if !c.attach(ctx, conn) {
			return
		}

		c.mu.Lock()
		username, password := c.username, c.password
		c.mu.Unlock()
		if c.reauth && username != "" {
			if err := c.Login(username, password); err != nil {
				c.log.Warn("re-login failed", "error", err)
			}
		}
		return
	}
}

// Send writes one request. The current session token is filled in when
// the request carries none.
func (c *Client) Send(req *protocol.Request) error {
	if req.SessionToken == "" {
		req.SessionToken = c.Token()
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.dialTimeout))
	if err := protocol.Encode(conn, req); err != nil {
		return fmt.Errorf("send %s: %w", req.Type, err)
	}
	return nil
}

// Call sends req and waits for the reply of type respType.
func (c *Client) Call(ctx context.Context, req *protocol.Request, respType string) (*protocol.Response, error) {
	ch := make(chan *protocol.Response, 1)
	c.mu.Lock()
	c.waiters[respType] = append(c.waiters[respType], ch)
	c.mu.Unlock()

	if err := c.Send(req); err != nil {
		c.dropWaiter(respType, ch)
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.dropWaiter(respType, ch)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Client) dropWaiter(typ string, ch chan *protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.waiters[typ]
	for i, w := range queue {
		if w == ch {
			c.waiters[typ] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// Close stops reconnecting and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		conn := c.conn
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	c.wg.Wait()
	return err
}

// Login sends the credentials and remembers them for re-login.
func (c *Client) Login(username, password string) error {
	c.mu.Lock()
	c.username, c.password = username, password
	c.mu.Unlock()
	return c.Send(&protocol.Request{Type: protocol.TypeLogin, Username: username, Password: password})
}

func (c *Client) Register(username, password, displayName, email string) error {
	return c.Send(&protocol.Request{
		Type:        protocol.TypeRegister,
		Username:    username,
		Password:    password,
		DisplayName: displayName,
		Email:       email,
	})
}

// Logout ends the session and forgets the stored credentials.
func (c *Client) Logout() error {
	err := c.Send(&protocol.Request{Type: protocol.TypeLogout})
	c.mu.Lock()
	c.token, c.username, c.password = "", "", ""
	c.mu.Unlock()
	return err
}

func (c *Client) Ping() error {
	return c.Send(&protocol.Request{Type: protocol.TypePing})
}

// SendPrivate sends a direct message. clientMessageID is echoed back so
// an optimistic local copy can be matched with the stored one.
func (c *Client) SendPrivate(receiver, content, clientMessageID string) error {
	return c.Send(&protocol.Request{
		Type:            protocol.TypeSendPrivateMessage,
		Receiver:        receiver,
		Content:         content,
		ClientMessageID: clientMessageID,
	})
}

func (c *Client) SendGroup(groupID int64, content, clientMessageID string) error {
	return c.Send(&protocol.Request{
		Type:            protocol.TypeSendMessage,
		GroupID:         groupID,
		Content:         content,
		ClientMessageID: clientMessageID,
	})
}

// GetMessages requests a history page; offset skips the newest messages.
func (c *Client) GetMessages(otherUser string, groupID int64, limit, offset int) error {
	return c.Send(&protocol.Request{
		Type:      protocol.TypeGetMessages,
		OtherUser: otherUser,
		GroupID:   groupID,
		Limit:     limit,
		Offset:    offset,
	})
}

func (c *Client) GetContacts() error {
	return c.Send(&protocol.Request{Type: protocol.TypeGetContacts})
}

func (c *Client) GetConversations() error {
	return c.Send(&protocol.Request{Type: protocol.TypeGetConversations})
}

func (c *Client) MarkRead(sender string) error {
	return c.Send(&protocol.Request{Type: protocol.TypeMarkRead, Sender: sender})
}

// StartTyping and StopTyping address a private conversation when groupID
// is zero.
func (c *Client) StartTyping(otherUser string, groupID int64) error {
	return c.Send(&protocol.Request{
		Type:      protocol.TypeTypingStart,
		OtherUser: otherUser,
		GroupID:   groupID,
		IsGroup:   groupID != 0,
	})
}

func (c *Client) StopTyping(otherUser string, groupID int64) error {
	return c.Send(&protocol.Request{
		Type:      protocol.TypeTypingStop,
		OtherUser: otherUser,
		GroupID:   groupID,
		IsGroup:   groupID != 0,
	})
}

func (c *Client) UpdateStatus(status, statusMessage string) error {
	return c.Send(&protocol.Request{Type: protocol.TypeUpdateStatus, Status: status, StatusMessage: statusMessage})
}

func (c *Client) CreateGroup(name string, memberIDs []int64) error {
	return c.Send(&protocol.Request{Type: protocol.TypeCreateGroup, GroupName: name, MemberIDs: memberIDs})
}
