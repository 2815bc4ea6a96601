// Package dispatcher resolves a Task's command to the handler that runs
// it, enforcing the single-writer invariant spec.md §4.3 requires for
// every command except fuzz and corpus_pruning.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
)

// Handler runs one task command to completion.
type Handler func(ctx context.Context, task *api.Task, job *api.Job) error

// MultiInstanceCommands are the commands exempt from the single-writer
// invariant because they are multi-instance by design (spec.md §4.3).
var MultiInstanceCommands = map[string]bool{
	"fuzz":           true,
	"corpus_pruning": true,
}

// Dispatcher maps task commands to handlers.
type Dispatcher struct {
	handlers map[string]Handler
	client   api.Client
}

// New constructs a Dispatcher that enforces the single-writer invariant via
// client.UpdateTaskStatus.
func New(client api.Client) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), client: client}
}

// Register binds command to handler.
func (d *Dispatcher) Register(command string, handler Handler) {
	d.handlers[command] = handler
}

// Dispatch resolves task.Command and runs its handler, enforcing the
// single-writer invariant first for any command not in
// MultiInstanceCommands: it calls UpdateTaskStatus(STARTED) and aborts with
// *boterrors.AlreadyRunning if another bot already holds it.
func (d *Dispatcher) Dispatch(ctx context.Context, task *api.Task, job *api.Job) error {
	handler, ok := d.handlers[task.Command]
	if !ok {
		return fmt.Errorf("dispatcher: no handler registered for command %q", task.Command)
	}

	if !MultiInstanceCommands[task.Command] {
		started, err := d.client.UpdateTaskStatus(ctx, task.ID, api.TaskStatusStarted)
		if err != nil {
			return &boterrors.APIError{Op: "UpdateTaskStatus", Err: err}
		}
		if !started {
			return &boterrors.AlreadyRunning{
				Command: task.Command, Argument: task.Argument, JobID: task.JobID,
			}
		}
	}

	return handler(ctx, task, job)
}
