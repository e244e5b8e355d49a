package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// maxLine bounds a single request line.
const maxLine = 4 * 1024 * 1024

// StdioTransport reads line-delimited JSON-RPC 2.0 requests from in and
// writes one response line per request to out. Nothing else may be
// written to out.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// NewStdioTransport constructs a StdioTransport. logger must not write to
// out; nil means slog.Default().
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{server: srv, in: in, out: out, logger: logger}
}

// Serve handles requests in arrival order until in is closed or ctx is
// done. A clean EOF returns nil.
func (t *StdioTransport) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, 64*1024), maxLine)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("mcp transport stopping", "reason", ctx.Err())
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("stdin scanner: %w", err)
					}
				default:
				}
				t.logger.Info("stdin closed, mcp transport stopping")
				return nil
			}
			if len(line) == 0 {
				continue
			}

			resp, err := t.server.HandleRequest(ctx, line)
			if err != nil {
				t.logger.Error("mcp handler error", "error", err)
				resp = internalErrorResponse(line, err)
			}
			if resp == nil {
				continue
			}
			if _, err := fmt.Fprintf(t.out, "%s\n", resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	}
}

// internalErrorResponse builds a best-effort error frame, recovering the
// request ID when it can.
func internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	data, err := json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: handlerErr.Error()},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
