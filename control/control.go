// Package control serves line commands on a unix socket for local
// administration of a running server.
//
// Commands are "stats" and "shutdown|reason". Replies are "OK|payload" or
// "ERROR|description", one line each.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

const (
	CmdStats    = "stats"
	CmdShutdown = "shutdown"

	defaultReason = "maintenance"
	ioTimeout     = 5 * time.Second
)

// Target is the server being administered.
type Target interface {
	GetStats() string
	Stop(reason string)
}

type Server struct {
	path   string
	target Target
	log    *slog.Logger
}

func NewServer(path string, target Target, log *slog.Logger) *Server {
	return &Server{path: path, target: target, log: log.With("component", "control", "socket", path)}
}

// ListenAndServe removes any stale socket file, listens, and serves until
// ctx is done. The socket file is removed on return.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer os.Remove(s.path)
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.log.Info("control socket listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("control accept", "error", err)
			continue
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case CmdStats:
		reply(conn, "OK", s.target.GetStats())
	case CmdShutdown:
		reason := defaultReason
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		s.log.Info("shutdown via control socket", "reason", reason)
		s.target.Stop(reason)
		reply(conn, "OK", "Shutting down")
	case "":
		reply(conn, "ERROR", "Invalid command")
	default:
		reply(conn, "ERROR", "Unknown command")
	}
}

func reply(conn net.Conn, status, payload string) {
	conn.Write([]byte(status + "|" + payload + "\n"))
}

// Send runs one command against the socket at path and returns the reply
// payload. An ERROR reply is returned as an error.
func Send(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, ioTimeout)
	if err != nil {
		return "", fmt.Errorf("connect to control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", err
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read control reply: %w", err)
	}
	status, payload, _ := strings.Cut(strings.TrimSpace(line), "|")
	if status != "OK" {
		return "", errors.New(payload)
	}
	return payload, nil
}
