package ramp

import "errors"

var (
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrUnsupportedCorridor = errors.New("unsupported ramp corridor")
	ErrMissingEphemeral    = errors.New("missing ephemeral account")
	ErrInvalidRequest      = errors.New("invalid registration request")
	ErrRequiredStepSkipped = errors.New("required step skipped by builder")
)
