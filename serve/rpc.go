// Line-delimited JSON-RPC 2.0 over stdio. One JSON object (or a single-line
// array batch) per line. Requests without an id are notifications and never
// receive a response, including on error. The per-message size ceiling is
// enforced BEFORE concatenating a new line into the buffer, so resident
// buffer bytes never exceed the limit even transiently.

package serve

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// rpcRequest is one parsed JSON-RPC message. ID keeps the raw JSON so null,
// number and string ids round-trip unchanged; hasID distinguishes requests
// from notifications.
type rpcRequest struct {
	Method string
	Params json.RawMessage
	ID     json.RawMessage
	hasID  bool
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server pumps the stdio transport for a RuntimeServer.
type Server struct {
	rt  *RuntimeServer
	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	log     *logrus.Entry
}

// NewServer wires a runtime to a transport pair (stdin/stdout in production,
// byte buffers in tests). The runtime's notification sink is pointed at the
// server's writer.
func NewServer(rt *RuntimeServer, in io.Reader, out io.Writer) *Server {
	s := &Server{
		rt:  rt,
		in:  in,
		out: out,
		log: logrus.WithField("component", "rpc"),
	}
	rt.SetNotify(s.writeNotification)
	return s
}

// writeLine serializes one JSON value to the transport under the write lock,
// so responses and notifications from concurrent streams never interleave.
func (s *Server) writeLine(value any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		s.log.Errorf("failed to encode outbound message: %v", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(encoded, '\n')); err != nil {
		s.log.Errorf("failed to write outbound message: %v", err)
	}
}

func (s *Server) writeNotification(method string, params map[string]any) {
	s.writeLine(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (s *Server) writeErrorResponse(id json.RawMessage, code int, message string) {
	if id == nil {
		id = json.RawMessage("null")
	}
	s.writeLine(&rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}

// Run reads the transport until EOF or shutdown. Partial lines accumulate in
// the buffer until they parse as complete JSON.
func (s *Server) Run() error {
	s.rt.Start()

	reader := bufio.NewReaderSize(s.in, 64*1024)
	maxBufferSize := s.rt.cfg.Bridge.MaxBufferSize
	var buffer []byte

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if err != io.EOF {
				s.log.Errorf("transport read error: %v", err)
			}
			if len(bytes.TrimSpace(buffer)) > 0 {
				s.writeErrorResponse(nil, CodeParseError, "Parse error: unexpected end of input")
			}
			return nil
		}

		// Size check happens BEFORE append; a line that would push the
		// buffer past the ceiling produces an error response and resets the
		// buffer, and is never concatenated.
		if len(buffer)+len(line) > maxBufferSize {
			var id json.RawMessage
			var partial map[string]json.RawMessage
			if jsonErr := json.Unmarshal(buffer, &partial); jsonErr == nil {
				id = partial["id"]
			}
			s.writeErrorResponse(id, CodeInvalidRequest,
				fmt.Sprintf("Buffer overflow: would exceed %d bytes", maxBufferSize))
			buffer = buffer[:0]
			if err == io.EOF {
				return nil
			}
			continue
		}

		buffer = append(buffer, line...)

		trimmed := bytes.TrimSpace(buffer)
		if len(trimmed) == 0 {
			buffer = buffer[:0]
			continue
		}

		if !json.Valid(trimmed) {
			// Incomplete message: keep accumulating.
			if err == io.EOF {
				s.writeErrorResponse(nil, CodeParseError, "Parse error: unexpected end of input")
				return nil
			}
			continue
		}

		s.handlePayload(trimmed)
		buffer = buffer[:0]

		if s.rt.ShutdownRequested() {
			return nil
		}
		if err == io.EOF {
			return nil
		}
	}
}

// handlePayload dispatches one complete JSON value: a single request or a
// batch array.
func (s *Server) handlePayload(payload []byte) {
	if payload[0] == '[' {
		var rawBatch []json.RawMessage
		if err := json.Unmarshal(payload, &rawBatch); err != nil {
			s.writeErrorResponse(nil, CodeParseError, fmt.Sprintf("Parse error: %v", err))
			return
		}
		responses := make([]*rpcResponse, 0, len(rawBatch))
		for _, raw := range rawBatch {
			if response := s.handleSingle(raw); response != nil {
				responses = append(responses, response)
			}
		}
		if len(responses) > 0 {
			s.writeLine(responses)
		}
		return
	}

	if response := s.handleSingle(payload); response != nil {
		s.writeLine(response)
	}
}

// handleSingle parses and dispatches one message, returning nil for
// notifications.
func (s *Server) handleSingle(raw json.RawMessage) *rpcResponse {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		s.writeErrorResponse(nil, CodeParseError, fmt.Sprintf("Parse error: %v", err))
		return nil
	}

	req := rpcRequest{Params: fields["params"]}
	if idRaw, ok := fields["id"]; ok {
		req.ID = idRaw
		req.hasID = true
	}
	if methodRaw, ok := fields["method"]; ok {
		if err := json.Unmarshal(methodRaw, &req.Method); err != nil || req.Method == "" {
			if !req.hasID {
				return nil
			}
			return &rpcResponse{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &rpcError{Code: CodeInvalidRequest, Message: "method must be a non-empty string"},
			}
		}
	} else {
		if !req.hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: CodeInvalidRequest, Message: "method is required"},
		}
	}
	if req.Params == nil {
		req.Params = json.RawMessage("{}")
	}

	result, err := s.rt.Dispatch(req.Method, req.Params)
	if err != nil {
		// Notifications never produce a response, including on error.
		if !req.hasID {
			s.log.Warnf("error in notification %s: %v", req.Method, err)
			return nil
		}
		code, message, data := SerializeError(err)
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: code, Message: message, Data: data},
		}
	}

	if !req.hasID {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}
