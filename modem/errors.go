package modem

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// whose transport has not been established.
	//
	// This can occur if the Dialer returned no transport or if Loop is
	// started before Open.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrSIMPinRequired is returned when the SIM card requires a PIN and no
	// PIN was provided in the Config.
	//
	// Callers may handle this error specially (for example, by prompting
	// the user for a PIN) and retry initialization.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")

	// ErrLoopRunning is returned when Loop is called while another Loop is
	// still running for the same Modem.
	ErrLoopRunning = errors.New("modem loop already running")

	// ErrNotOpen is returned by Execute when the session has no open
	// transport. The command is dropped.
	ErrNotOpen = errors.New("modem not open")

	// ErrClosed is wrapped into the response of every job that was pending
	// or running when the transport went away.
	ErrClosed = errors.New("modem connection closed")

	// ErrTimedOut is the response error of a job whose final result did not
	// arrive within its timeout.
	ErrTimedOut = errors.New("timedout")

	// ErrNoPrompt is returned by the SMS workflow when the modem answers a
	// length announcement with anything but the PDU prompt.
	ErrNoPrompt = errors.New("no PDU prompt")
)

// CommandError describes a command that completed with an error result
// (ERROR, +CME ERROR, +CMS ERROR).
type CommandError struct {
	Command    string
	Terminator string
	Body       string
}

func (e *CommandError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Terminator)
	}
	return fmt.Sprintf("%s: %s %s", e.Command, body, e.Terminator)
}
