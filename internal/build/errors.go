package build

import "errors"

var (
	ErrBuild               = errors.New("build failed")
	ErrBaseImage           = errors.New("base image")
	ErrUnpinned            = errors.New("base image is not pinned to a version")
	ErrInstall             = errors.New("dependency install failed")
	ErrCommandFailed       = errors.New("command failed")
	ErrCopy                = errors.New("copy failed")
	ErrFileSystemOperation = errors.New("file system operation failed")
	ErrDependencyMissing   = errors.New("dependency missing")
	ErrPortContract        = errors.New("declared ports do not include the launch port")
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrExecutor            = errors.New("executor")
)
