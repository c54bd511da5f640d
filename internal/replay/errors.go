package replay

import (
	"errors"
	"fmt"

	"github.com/stagehand-project/stagehand/internal/script"
)

var (
	// ErrWaitTimeout is returned when an expected client packet does not
	// arrive within the wait timeout.
	ErrWaitTimeout = errors.New("timed out waiting for client packet")
	// ErrUnknownExport is returned for an export name missing from the catalog.
	ErrUnknownExport = errors.New("unknown export")
	// ErrDisconnected is returned to pending waits when the peer goes away.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrAlreadyStarted is returned when Run is called twice on a session.
	ErrAlreadyStarted = errors.New("session already started")
)

// StepError reports which script step failed.
type StepError struct {
	Index  int
	Action script.Action
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d %s: %v", e.Index, e.Action, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
