package ops

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownOperation is returned for ids the engine never issued.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrNoConflict is returned when a decision arrives while the
	// operation is not waiting for one.
	ErrNoConflict = errors.New("no conflict pending")
	// ErrShutdown is returned by Submit after Shutdown.
	ErrShutdown = errors.New("engine shut down")
)

func joinErrors(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("%d failures: %w", len(errs), errors.Join(errs...))
}
