package process

import "context"

// SandboxRunner runs opts to completion and reports the same Result shape
// Run does. It lets a caller swap an unsandboxed local subprocess for one
// confined to an external sandbox (Docker, a Kubernetes Job) without
// changing the call site.
type SandboxRunner interface {
	Run(ctx context.Context, opts Options) (Result, error)
}

// DirectRunner runs opts via Run, unsandboxed. It is the SandboxRunner a
// session uses for its blackbox fuzzer runs when no container-backed runner
// is configured.
type DirectRunner struct{}

// Run implements SandboxRunner.
func (DirectRunner) Run(ctx context.Context, opts Options) (Result, error) {
	return Run(ctx, opts)
}
