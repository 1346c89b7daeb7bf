// Package executor defines the contract for running an automation action
// against a set of network devices.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
)

// Request is everything an executor needs to run one job.
type Request struct {
	JobID           string
	ActionReference string
	TargetSelector  string
	Parameters      models.Parameters
	Secret          string
	Inventory       models.InventorySnapshot
	Username        string
	Verbosity       int
}

// RequestFor builds the request for a claimed job.
func RequestFor(job models.Job) Request {
	return Request{
		JobID:           job.ID,
		ActionReference: job.ActionReference,
		TargetSelector:  job.TargetSelector,
		Parameters:      job.Parameters,
		Secret:          job.Secret,
		Inventory:       job.InventorySnapshot,
		Username:        job.Username,
		Verbosity:       job.Verbosity,
	}
}

// Executor runs a request to completion. Per-host failures are reported in
// the Outcome; a non-nil error means the run itself could not happen.
type Executor interface {
	Execute(ctx context.Context, req Request) (models.Outcome, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req Request) (models.Outcome, error)

func (f Func) Execute(ctx context.Context, req Request) (models.Outcome, error) {
	return f(ctx, req)
}

// Error reports that the executor failed before producing a usable result.
type Error struct {
	Reference string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("executor failed for %q: %v", e.Reference, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsExecutorError reports whether err is or wraps an *Error.
func IsExecutorError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
