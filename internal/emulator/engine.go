// Package emulator runs emulation steps. The engine itself is an external
// collaborator: given a ROM, a prior save state and an ordered list of input
// events it produces a new save state, a recording and a warm handle that can
// be passed back to skip reloading on the next step.
package emulator

import (
	"context"
	"fmt"

	"github.com/beanpuppy/retrobot/internal/corecache"
	"github.com/beanpuppy/retrobot/internal/model"
)

// Handle is a warm engine instance bound to one session.
type Handle = corecache.Handle

type Request struct {
	Platform model.Platform
	// ROM and State are ignored when Handle is set.
	ROM    []byte
	State  []byte
	Handle Handle
	Events []model.InputEvent
}

type Result struct {
	State     []byte
	Recording model.Recording
	Handle    Handle
}

// Engine runs one step. On error the caller keeps ownership of req.Handle
// and must not reuse it.
type Engine interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// EngineError carries the engine's diagnostic output. It matches
// model.ErrEngine under errors.Is.
type EngineError struct {
	Diagnostic string
	Err        error
}

func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("engine error: %v", e.Err)
	}
	return "engine error"
}

func (e *EngineError) Unwrap() []error {
	if e.Err == nil {
		return []error{model.ErrEngine}
	}
	return []error{model.ErrEngine, e.Err}
}
