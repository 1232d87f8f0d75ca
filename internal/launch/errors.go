package launch

import (
	"errors"
	"strconv"
)

var (
	ErrLaunch         = errors.New("launch failed")
	ErrPortInUse      = errors.New("port already in use")
	ErrInvalidPort    = errors.New("invalid port")
	ErrInvalidProfile = errors.New("invalid profile")
	ErrNoCommand      = errors.New("no launch command")
)

// Reports a non-zero exit of the launched process.
type ExitError struct {
	Code int // Exit status of the child process.
}

func (e *ExitError) Error() string {
	return "process exited with status " + strconv.Itoa(e.Code)
}
