package chunk

import (
	"context"
	"errors"
	"fmt"

	"github.com/milk9111/roomstream/levels"
)

var (
	// ErrLoadAborted marks a load cancelled before it finished.
	ErrLoadAborted = errors.New("chunk: load aborted")
	// ErrLoadFailed marks a network, parse or timeout failure.
	ErrLoadFailed = errors.New("chunk: load failed")
	// ErrInvalidTransition marks an operation not allowed from the room's
	// current state. It signals a caller bug and is never fatal.
	ErrInvalidTransition = errors.New("chunk: invalid transition")
	// ErrStaleReference marks a load that resolved after its room moved on.
	ErrStaleReference = errors.New("chunk: stale load result")
	ErrUnknownRoom    = errors.New("chunk: unknown room")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	Room levels.RoomID
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("chunk: room %s cannot go from %s to %s", e.Room, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ClassifyLoadError maps a loader error onto ErrLoadAborted or ErrLoadFailed.
// A timeout counts as a failure, not an abort.
func ClassifyLoadError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLoadAborted), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrLoadAborted, err)
	default:
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
}
