package cosim

import (
	"errors"
	"fmt"

	"github.com/KevinKickass/CoSimBridge/internal/types"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("simulation run already started")

	// ErrSetPointFailed is wrapped by every rejected point write.
	ErrSetPointFailed = errors.New("failed to set value")
)

// SetPointError carries the registry result of a rejected write.
type SetPointError struct {
	Topic  string
	Result types.Result
}

func (e *SetPointError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrSetPointFailed, e.Result, e.Topic)
}

func (e *SetPointError) Unwrap() error {
	return ErrSetPointFailed
}
