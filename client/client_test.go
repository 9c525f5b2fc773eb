package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lanchat/db"
	"lanchat/models"
	"lanchat/protocol"
	"lanchat/server"
)

const testTimeout = 5 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// readRequest reads one request frame from a raw server-side stream.
func readRequest(t *testing.T, conn net.Conn, dec *protocol.Decoder) *protocol.Request {
	t.Helper()
	buf := make([]byte, 4096)
	for {
		if frame, ok := dec.Next(); ok {
			req, err := protocol.ParseRequest(frame)
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			return req
		}
		conn.SetReadDeadline(time.Now().Add(testTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Failed to read request: %v", err)
		}
		dec.Write(buf[:n])
	}
}

func acceptOne(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Accept: %v", r.err)
		}
		return r.conn
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for a connection")
		return nil
	}
}

func TestReconnectAndReauth(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var connects, disconnects atomic.Int32
	c := New(ln.Addr().String(), WithReconnectDelay(50*time.Millisecond), WithReauth(), WithLogger(quietLogger()))
	c.On(EventConnected, func(*protocol.Response) { connects.Add(1) })
	c.On(EventDisconnected, func(*protocol.Response) { disconnects.Add(1) })
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := acceptOne(t, ln)
	if err := c.Login("alice", "secret123"); err != nil {
		t.Fatal(err)
	}
	req := readRequest(t, first, protocol.NewDecoder())
	if req.Type != protocol.TypeLogin || req.Username != "alice" {
		t.Fatalf("Unexpected first request %+v", req)
	}
	protocol.Encode(first, protocol.OK(protocol.TypeLogin).With("session_token", "tok-1"))

	deadline := time.Now().Add(testTimeout)
	for c.Token() != "tok-1" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Token() != "tok-1" {
		t.Fatalf("Session token not captured, got %q", c.Token())
	}

	// Drop the stream; the client should dial again and repeat its login.
	first.Close()
	second := acceptOne(t, ln)
	defer second.Close()
	req = readRequest(t, second, protocol.NewDecoder())
	if req.Type != protocol.TypeLogin || req.Username != "alice" || req.Password != "secret123" {
		t.Fatalf("Expected re-login, got %+v", req)
	}
	if connects.Load() != 2 || disconnects.Load() != 1 {
		t.Errorf("connects=%d disconnects=%d, want 2 and 1", connects.Load(), disconnects.Load())
	}
}

func TestCloseStopsReconnecting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	c := New(addr, WithReconnectDelay(20*time.Millisecond), WithLogger(quietLogger()))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	conn := acceptOne(t, ln)
	ln.Close()
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	if c.IsConnected() {
		t.Error("Client reports connected with the server gone")
	}
	if err := c.Ping(); err != ErrNotConnected {
		t.Errorf("Ping while disconnected = %v, want ErrNotConnected", err)
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Close did not stop the reconnect loop")
	}
	if err := c.Connect(context.Background()); err != ErrClosed {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestClientAgainstServer(t *testing.T) {
	store, err := db.Open(db.DriverSQLite, filepath.Join(t.TempDir(), "chat.db"), db.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	srv := server.New(store, server.ServerConfig{PollInterval: 50 * time.Millisecond}, server.WithLogger(quietLogger()))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	newClient := func() *Client {
		c := New(ln.Addr().String(), WithLogger(quietLogger()))
		if err := c.Connect(ctx); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { c.Close() })
		return c
	}
	call := func(c *Client, req *protocol.Request, respType string) *protocol.Response {
		t.Helper()
		callCtx, stop := context.WithTimeout(ctx, testTimeout)
		defer stop()
		resp, err := c.Call(callCtx, req, respType)
		if err != nil {
			t.Fatalf("%s: %v", req.Type, err)
		}
		if !resp.Success {
			t.Fatalf("%s failed: %s", req.Type, resp.Error)
		}
		return resp
	}

	alice, bob := newClient(), newClient()
	for _, name := range []string{"alice", "bob"} {
		call(alice, &protocol.Request{Type: protocol.TypeRegister, Username: name, Password: "secret123"}, protocol.TypeRegister)
	}
	call(alice, &protocol.Request{Type: protocol.TypeLogin, Username: "alice", Password: "secret123"}, protocol.TypeLogin)
	call(bob, &protocol.Request{Type: protocol.TypeLogin, Username: "bob", Password: "secret123"}, protocol.TypeLogin)
	if alice.Token() == "" || alice.Token() == bob.Token() {
		t.Fatalf("Unexpected tokens %q / %q", alice.Token(), bob.Token())
	}

	received := make(chan models.Message, 1)
	bob.On(protocol.PushNewMessage, func(resp *protocol.Response) {
		var msg models.Message
		if err := resp.Field("message", &msg); err == nil {
			received <- msg
		}
	})

	resp := call(alice, &protocol.Request{
		Type:            protocol.TypeSendPrivateMessage,
		Receiver:        "bob",
		Content:         "lunch?",
		ClientMessageID: "local-1",
	}, protocol.TypeSendPrivateMessage)
	var echoed json.RawMessage
	resp.Field("client_message_id", &echoed)
	if string(echoed) != `"local-1"` {
		t.Errorf("Expected echoed client_message_id, got %s", echoed)
	}

	select {
	case msg := <-received:
		if msg.Content != "lunch?" || msg.ClientMessageID != "local-1" || msg.Sender.Username != "alice" {
			t.Errorf("Unexpected push %+v", msg)
		}
	case <-time.After(testTimeout):
		t.Fatal("bob never received the message")
	}
}

func TestAttachAfterCloseDropsConnection(t *testing.T) {
	c := New("127.0.0.1:1", WithLogger(quietLogger()))
	c.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	if c.attach(context.Background(), local) {
		t.Fatal("attach installed a connection after Close")
	}
	if c.IsConnected() {
		t.Error("Client reports connected after Close")
	}

	remote.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := remote.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Expected the late connection to be closed, read err = %v", err)
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Close blocked on a late connection")
	}
}
