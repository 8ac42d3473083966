// Package protocol defines the bridge wire format: inbound requests decoded
// into typed commands, and outbound responses split into frames.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Cmd identifies the kind of request.
type Cmd string

const (
	CmdTable       Cmd = "table"
	CmdView        Cmd = "view"
	CmdMethod      Cmd = "method"
	CmdSubscribe   Cmd = "subscribe"
	CmdUnsubscribe Cmd = "unsubscribe"
	CmdDelete      Cmd = "delete"
)

// Kind selects whether a name refers to a table or a view.
type Kind string

const (
	KindTable Kind = "table"
	KindView  Kind = "view"
)

// Error codes carried on error responses.
const (
	CodeNotFound = "not-found"
	CodeBusy     = "busy"
	CodeEngine   = "engine"
	CodeShutdown = "shutdown"
	CodeProtocol = "protocol"
)

// Request is one inbound message.
type Request struct {
	ID     int64             `json:"id"`
	Cmd    Cmd               `json:"cmd"`
	Method string            `json:"method,omitempty"`
	Name   string            `json:"name,omitempty"`
	Kind   Kind              `json:"kind,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// Response is one outbound frame. More marks every frame of a response but
// the last.
type Response struct {
	ID    int64           `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
	More  bool            `json:"more,omitempty"`
}

// Final reports whether r terminates its exchange.
func (r Response) Final() bool {
	return !r.More
}

// Encode serializes a response to JSON.
func (r Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// ErrorResponse builds the terminal error frame for id.
func ErrorResponse(id int64, code, message string) Response {
	return Response{ID: id, Error: message, Code: code}
}

// Event is the payload of a subscription push.
type Event struct {
	Event string          `json:"event"`
	Delta json.RawMessage `json:"delta,omitempty"`
}

const (
	EventSubscribed   = "subscribed"
	EventUpdate       = "update"
	EventDelete       = "delete"
	EventUnsubscribed = "unsubscribed"
)

// DecodeRequest parses one inbound frame.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &Error{Message: fmt.Sprintf("malformed request: %v", err)}
	}
	return &req, nil
}

// DecodeResponse parses one outbound frame.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Error is a request that could not be decoded into a command.
type Error struct {
	ID      int64
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
