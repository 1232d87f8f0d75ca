package manifest

import "errors"

var (
	ErrParse        = errors.New("invalid manifest")
	ErrUnsupported  = errors.New("unsupported instruction")
	ErrMultiStage   = errors.New("multi-stage builds are not supported")
	ErrNoBase       = errors.New("manifest must start with FROM")
	ErrRequirements = errors.New("invalid requirements")
	ErrGenerate     = errors.New("cannot generate manifest")
)
