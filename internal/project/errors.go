package project

import "errors"

var (
	ErrConfig = errors.New("invalid project configuration")
	ErrRead   = errors.New("failed to read project configuration")
)
