package bcvtb

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrProtocolFormat marks messages that break the fixed token layout.
	// The two sides have diverged and the run cannot continue.
	ErrProtocolFormat = errors.New("protocol format error")

	// ErrCountMismatch is returned when a message carries fewer value slots
	// than there are registered outputs.
	ErrCountMismatch = fmt.Errorf("%w: count mismatch", ErrProtocolFormat)

	// ErrValueParse is returned when a value slot is not a number.
	ErrValueParse = fmt.Errorf("%w: value parse", ErrProtocolFormat)

	// ErrTransport wraps send and receive failures on the peer socket.
	ErrTransport = errors.New("transport error")
)

// Flag codes carried in the second token of every message.
const (
	FlagContinue          = 0
	FlagNormalEnd         = 1
	FlagUnspecifiedError  = -1
	FlagInitializationErr = -10
	FlagIntegrationErr    = -20
)

// TerminationError reports a nonzero flag: the simulation engine is ending
// the run, normally or because of an error.
type TerminationError struct {
	Flag   string
	Reason string
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("simulation stopped: %s (flag %s)", e.Reason, e.Flag)
}

// Normal reports whether the engine reached the end of the simulation period.
func (e *TerminationError) Normal() bool {
	return e.Flag == strconv.Itoa(FlagNormalEnd)
}

// Reason maps a flag token to a human readable termination reason.
func Reason(flag string) string {
	switch flag {
	case "1":
		return "normal end"
	case "-1":
		return "unspecified error"
	case "-10":
		return "initialization error"
	case "-20":
		return "integration error"
	default:
		return "error code " + flag
	}
}
