package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lanchat/protocol"
)

const (
	readBufferSize = 32 << 10

	DefaultSendQueueSize = 256
)

// ErrSlowConsumer is returned by SendFrame when the peer's outbound queue
// is full.
var ErrSlowConsumer = errors.New("outbound queue full")

// Conn is one accepted client stream. UserID is zero until a login on
// this stream succeeds.
type Conn struct {
	id           string
	conn         net.Conn
	remote       string
	writeTimeout time.Duration
	log          *slog.Logger

	userID atomic.Int64

	out       chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(nc net.Conn, writeTimeout time.Duration, queueSize int, log *slog.Logger) *Conn {
	id := uuid.NewString()
	remote := "pipe"
	if addr := nc.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Conn{
		id:           id,
		conn:         nc,
		remote:       remote,
		writeTimeout: writeTimeout,
		log:          log.With("conn", id, "remote", remote),
		out:          make(chan []byte, queueSize),
		closed:       make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string { return c.remote }

func (c *Conn) UserID() int64 { return c.userID.Load() }

func (c *Conn) setUser(id int64) { c.userID.Store(id) }

// Send queues a response, waiting for room. Responses share the queue
// with pushes so a client sees them in the order they were produced.
func (c *Conn) Send(r *protocol.Response) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	select {
	case c.out <- b:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

// SendFrame queues an encoded push without blocking. A full queue returns
// ErrSlowConsumer.
func (c *Conn) SendFrame(frame []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// writeLoop drains the outbound queue until the connection closes. A
// failed or timed out write closes the connection.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.out:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.Close()
				return
			}
			if _, err := c.conn.Write(frame); err != nil {
				c.log.Info("write failed, closing", "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) Done() <-chan struct{} { return c.closed }

// handleConnection runs the read loop of one stream. Requests are decoded,
// dispatched and answered strictly in arrival order.
func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	c := newConn(nc, s.cfg.WriteTimeout, s.cfg.SendQueueSize, s.log)
	go c.writeLoop()
	s.trackConn(c, true)
	s.metrics.ConnectedClients.Inc()
	c.log.Info("client connected")

	defer func() {
		s.disconnect(ctx, c)
		s.trackConn(c, false)
		s.metrics.ConnectedClients.Dec()
	}()

	dec := protocol.NewDecoder(
		protocol.WithMaxFrameSize(s.cfg.MaxFrameSize),
		protocol.WithPolicy(s.cfg.DecoderPolicy),
		protocol.WithDropHook(func(region []byte) {
			s.metrics.DroppedFrames.Inc()
			c.log.Warn("dropped malformed frame", "bytes", len(region))
		}),
	)
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		if err := nc.SetReadDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil {
			c.log.Debug("set read deadline", "error", err)
			return
		}
		n, err := nc.Read(buf)
		if n > 0 {
			if _, derr := dec.Write(buf[:n]); derr != nil {
				c.log.Warn("frame rejected", "error", derr)
			}
			for {
				frame, ok := dec.Next()
				if !ok {
					break
				}
				resp := s.dispatch(ctx, c, frame)
				if err := c.Send(resp); err != nil {
					return
				}
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			s.logReadError(c, err)
			return
		}
	}
}

// disconnect runs the offline path for the stream's user, unless a newer
// login has already taken over the user's binding.
func (s *Server) disconnect(ctx context.Context, c *Conn) {
	c.Close()
	userID := c.UserID()
	if userID == 0 {
		c.log.Info("client disconnected")
		return
	}
	if !s.registry.Unbind(userID, c) {
		c.log.Info("replaced connection closed", "user", userID)
		return
	}
	s.refreshOnlineGauge()
	s.goOffline(context.WithoutCancel(ctx), userID)
	c.log.Info("client disconnected", "user", userID)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func (s *Server) logReadError(c *Conn, err error) {
	switch {
	case errors.Is(err, io.EOF):
		c.log.Debug("client closed stream")
	case isNetClosedError(err):
		c.log.Debug("connection closed")
	default:
		c.log.Warn("read error", "error", err)
	}
}
