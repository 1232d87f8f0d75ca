package store

import "errors"

var (
	ErrStore     = errors.New("image store")
	ErrNotFound  = errors.New("image not found")
	ErrReference = errors.New("invalid image reference")
	ErrPublish   = errors.New("publish failed")
)
