package compute

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCapability is returned when a device can not report the limits needed to size a dispatch.
	ErrCapability = errors.New("device capability query failed")

	// ErrOutOfResources is returned when the device can not hold another memory object.
	ErrOutOfResources = errors.New("device out of resources")

	// ErrInvalidWorkGroup is returned when a dispatch uses a work-group the device can not run.
	ErrInvalidWorkGroup = errors.New("invalid work-group size")

	// ErrInvalidArg is returned for unbound or mistyped kernel arguments.
	ErrInvalidArg = errors.New("invalid kernel argument")

	// ErrReleased is returned when a released object is used again.
	ErrReleased = errors.New("object already released")
)

// BuildError carries the compiler output of a failed program build.
type BuildError struct {
	Device string
	Log    string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("program build failed on %q:\n%s", e.Device, e.Log)
}
