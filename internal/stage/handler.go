// Package stage defines the contract between the run controller and the
// pipeline's phase handlers.
package stage

import (
	"context"

	"lode/internal/runstate"
)

// Handler is one pipeline phase. Prepare validates inputs without mutating,
// Execute performs the phase's mutation through the run's writer, and Verify
// is the re-runnable check the controller uses both after Execute and when
// reconciling a crash that interrupted the phase mid-mutation.
type Handler interface {
	Name() string
	Prepare(context.Context, *runstate.Run) error
	Execute(context.Context, *runstate.Run) error
	Verify(context.Context, *runstate.Run) error
	HealthCheck(context.Context) Health
}
