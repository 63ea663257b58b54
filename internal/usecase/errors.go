package usecase

import (
	"context"
	"errors"
	"fmt"
)

// Stage names the pipeline step a request failed in.
type Stage string

const (
	StageValidation Stage = "validation"
	StageGeneration Stage = "generation"
	StageRender     Stage = "render"
	StagePublish    Stage = "publish"
)

// ErrRenderBusy is wrapped when no render slot frees up within the queue wait.
var ErrRenderBusy = errors.New("render capacity exhausted")

type Error struct {
	Stage  Stage
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Stage, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Stage, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Timeout reports whether the stage ran out of time.
func (e *Error) Timeout() bool {
	return e != nil && errors.Is(e.Err, context.DeadlineExceeded)
}

// Busy reports whether the request was turned away by the render gate.
func (e *Error) Busy() bool {
	return e != nil && errors.Is(e.Err, ErrRenderBusy)
}

// Detail is the diagnostic text surfaced to clients.
func (e *Error) Detail() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Reason
	}
	return e.Err.Error()
}

func newError(stage Stage, reason string, err error) *Error {
	return &Error{Stage: stage, Reason: reason, Err: err}
}
