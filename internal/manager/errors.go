package manager

import (
	"errors"
	"fmt"

	"github.com/zot/tablebridge/internal/dispatch"
	"github.com/zot/tablebridge/internal/engine"
	"github.com/zot/tablebridge/internal/protocol"
)

// Error is a failure reported to a client. Code is one of the protocol
// error codes; ID is the request it belongs to, when known.
type Error struct {
	ID      int64
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches errors of the same code, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound = &Error{Code: protocol.CodeNotFound}
	ErrBusy     = &Error{Code: protocol.CodeBusy}
	ErrEngine   = &Error{Code: protocol.CodeEngine}
	ErrShutdown = &Error{Code: protocol.CodeShutdown}
	ErrProtocol = &Error{Code: protocol.CodeProtocol}
)

func notFound(format string, args ...any) *Error {
	return &Error{Code: protocol.CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func busy(format string, args ...any) *Error {
	return &Error{Code: protocol.CodeBusy, Message: fmt.Sprintf(format, args...)}
}

func shutdown() *Error {
	return &Error{Code: protocol.CodeShutdown, Message: "manager is shut down"}
}

// classify maps any error onto the client taxonomy. Engine messages pass
// through verbatim.
func classify(err error) *Error {
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return &Error{ID: pe.ID, Code: protocol.CodeProtocol, Message: pe.Message}
	}
	if errors.Is(err, dispatch.ErrShutdown) {
		return shutdown()
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return &Error{Code: protocol.CodeEngine, Message: ee.Message}
	}
	return &Error{Code: protocol.CodeEngine, Message: err.Error()}
}

// Response renders err as the terminal error frame for id.
func Response(id int64, err error) protocol.Response {
	e := classify(err)
	return protocol.ErrorResponse(id, e.Code, e.Message)
}
