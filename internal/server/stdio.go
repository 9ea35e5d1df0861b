package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// stdioConn serializes writes to the stdio peer so responses and event
// notifications never interleave mid-line.
type stdioConn struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *stdioConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.w.Write(append(data, '\n'))
	return err
}

func (c *stdioConn) notify(method string, params any) {
	_ = c.send(Notification{JSONRPC: "2.0", Method: method, Params: params})
}

// ServeStdio reads newline-framed JSON-RPC requests from r and writes one
// response per line to w, until EOF or context cancellation. While the
// loop runs, coordinator events are pushed to the peer as "event"
// notifications.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	conn := &stdioConn{w: w}

	s.mu.Lock()
	s.notify = conn.notify
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.notify = nil
		s.mu.Unlock()
	}()

	s.logger.Info("serving on stdio")

	reader := bufio.NewReader(r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return fmt.Errorf("reading request: %w", err)
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			s.serveLine(ctx, conn, trimmed)
		}
		if eof {
			return nil
		}
	}
}

func (s *Server) serveLine(ctx context.Context, conn *stdioConn, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = conn.send(errorResponse(nil, &Error{Code: ParseError, Message: "parse error", Data: err.Error()}))
		return
	}

	if resp := s.serveRequest(ctx, &req); resp != nil {
		if err := conn.send(resp); err != nil {
			s.logger.Errorf("writing response: %v", err)
		}
	}
}
