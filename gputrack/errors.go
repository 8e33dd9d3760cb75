package gputrack

import "fmt"

// Fault represents an invariant violation: a null command-buffer
// handle, a mismatched device on untrack, an end-slot recorded without
// a begin-slot, a pop from an empty marker stack, slot-pool
// exhaustion, or a non-success query read during completion. These
// indicate a bug in the interception shim or a resource-sizing
// problem, not a condition the tracker can recover from; callers are
// expected to log a Fault and abort rather than try to continue.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("gputrack: invariant violation in %s", f.Op)
	}
	return fmt.Sprintf("gputrack: invariant violation in %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func fault(op string, err error) *Fault {
	return &Fault{Op: op, Err: err}
}

func faultf(op, format string, args ...any) *Fault {
	return &Fault{Op: op, Err: fmt.Errorf(format, args...)}
}
