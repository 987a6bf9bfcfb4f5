package control

import (
	"errors"
	"fmt"

	"github.com/netsys-lab/edge-trace-client/packets"
)

var (
	ErrConnectionLost     = errors.New("lost connection to control server")
	ErrClockSync          = errors.New("error polling time server")
	ErrBackendUnreachable = errors.New("could not connect to the application backend")
	ErrStats              = errors.New("error while recording stats for experiment")
)

// ProtocolError is a violation of the command sequence by the control
// server. It is fatal for the session.
type ProtocolError struct {
	State   State
	Command packets.Command
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol violation in state %s: %s", e.State, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func unexpectedCommand(state State, got, expected packets.Command) *ProtocolError {
	return &ProtocolError{
		State:   state,
		Command: got,
		Reason:  fmt.Sprintf("unexpected command %s, expected %s or %s", got, expected, packets.CmdShutdown),
	}
}

// describe turns a session error into the message of the summary
func describe(err error) string {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		return "Protocol violation: " + pe.Reason
	case errors.Is(err, ErrClockSync):
		return "Error polling time server!"
	case errors.Is(err, ErrBackendUnreachable):
		return "Error while trying to connect to the application backend!"
	case errors.Is(err, ErrStats):
		return "Error while recording stats for experiment!"
	case errors.Is(err, ErrConnectionLost):
		return "Lost connection to Control Server!"
	}
	return "Unexpected error: " + err.Error()
}
