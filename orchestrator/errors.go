package orchestrator

import (
	"errors"
	"fmt"
)

// Stage names the deployment step that failed.
type Stage string

const (
	StageDiscovery    Stage = "discovery"
	StageResolution   Stage = "resolution"
	StageRegistration Stage = "registration"
	StageRouting      Stage = "routing"
	StageOutput       Stage = "output"
)

var (
	// ErrEmptyResolution means the resolver returned its failure shape.
	ErrEmptyResolution = errors.New("resolver returned no addresses")

	// ErrPartialResolution means fewer addresses than registration needs.
	ErrPartialResolution = errors.New("partial resolution")

	ErrMissingAggregate = errors.New("aggregate address list missing")

	// ErrFunctionError means the resolver function raised instead of answering.
	ErrFunctionError = errors.New("resolver function error")
)

// StageError attributes a deployment failure to one stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// FailedStage returns the stage recorded in err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
