package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrProcedureNotFound = errors.New("procedure not found")
	ErrDuplicate         = errors.New("procedure already registered")
	ErrTypeMismatch      = errors.New("procedure output type mismatch")
	ErrBadInput          = errors.New("bad procedure input")
	ErrBadHandler        = errors.New("unsupported procedure input type")
)

// Error kinds carried in remote error payloads.
const (
	KindProcedureNotFound = "procedure_not_found"
	KindBadInput          = "bad_input"
	KindInternal          = "internal"
)

// RemoteCallError is any failure of a call routed over the network, whether
// the transport failed or the remote handler returned an error.
type RemoteCallError struct {
	Module    string
	Procedure string
	URL       string
	Status    int    // 0 when no response arrived
	Kind      string // error kind reported by the server, if any
	Message   string
	Err       error // known sentinel for Kind, or the transport error
}

func (e *RemoteCallError) Error() string {
	target := e.Module + "." + e.Procedure
	switch {
	case e.Status == 0:
		return fmt.Sprintf("remote call %s: %v", target, e.Err)
	case e.Message != "":
		return fmt.Sprintf("remote call %s: status %d: %s", target, e.Status, e.Message)
	default:
		return fmt.Sprintf("remote call %s: status %d", target, e.Status)
	}
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

// errorPayload is the body the server writes for a failed call.
type errorPayload struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
