package pipeline

import "errors"

// Errors returned by Registry operations. They are wrapped with details, so
// compare with errors.Is. A call that returns one of these has changed
// nothing and published nothing.
var (
	ErrUnknownPipeline           = errors.New("unknown pipeline")
	ErrUnknownStep               = errors.New("unknown step")
	ErrDependencyNotMet          = errors.New("dependency not met")
	ErrNotAwaitingAcknowledgment = errors.New("step is not awaiting acknowledgment")
	ErrInvalidTransition         = errors.New("invalid transition")
)
