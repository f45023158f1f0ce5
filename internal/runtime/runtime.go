// Package runtime abstracts the container runtime control interface so the
// lifecycle manager can be exercised against a fake in tests.
package runtime

import (
	"context"

	"github.com/Is-a-space/discord-vps-creator/internal/models"
)

// Status is the runtime's view of an instance.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusUnknown Status = "unknown"
)

// CreateSpec describes the instance to create: a base image, the bootstrap
// run as PID 1, and the process-wide resource limits.
type CreateSpec struct {
	Image   string
	Command []string
	Limits  models.ResourceLimits
}

// Runtime is the consumed container control interface. Implementations are
// safe for concurrent use. Operations on instances that no longer exist
// return an error matching models.ErrNotFound.
type Runtime interface {
	// Ping verifies the control interface is reachable.
	Ping(ctx context.Context) error

	// Create creates and starts a detached instance with a TTY and returns
	// its runtime-assigned name.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error

	// Status reports the instance's current state.
	Status(ctx context.Context, name string) (Status, error)

	// Logs returns the instance's combined output so far.
	Logs(ctx context.Context, name string) ([]byte, error)

	// Exec runs a detached command inside the instance.
	Exec(ctx context.Context, name string, cmd []string) error
}
