package container

import "testing"

// TestStart and TestWait against a live Docker daemon are integration
// tests requiring a running daemon and the pingubot-runner image; they are
// not included here since this module's tests must run without external
// services. What is covered here is that a Spec built without resource
// limits carries zero MemoryBytes and NanoCPUs until Start fills them in.

func TestSpecResourceLimitsUnsetBeforeStart(t *testing.T) {
	spec := Spec{Argv: []string{"true"}}
	if spec.MemoryBytes != 0 || spec.NanoCPUs != 0 {
		t.Fatalf("expected zero-value defaults before Start fills them in")
	}
}
