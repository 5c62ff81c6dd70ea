package models

import "errors"

// Validation errors for models
var (
	// Loop execution errors
	ErrInvalidLoopName          = errors.New("loop name is required")
	ErrInvalidLoopRepoPath      = errors.New("loop repo path is required")
	ErrInvalidValidationCommand = errors.New("validation command is required")
	ErrInvalidPrompt            = errors.New("prompt template or prompt path is required")
	ErrInvalidLoopStatus        = errors.New("invalid loop status")

	// Coordination message errors
	ErrInvalidMessageKind   = errors.New("invalid message kind")
	ErrInvalidMessageTarget = errors.New("message target is required")

	// Control queue errors
	ErrInvalidControlAction = errors.New("invalid control action")
	ErrEmptyControlQueue    = errors.New("control queue is empty")
)
