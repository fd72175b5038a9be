package batch

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/jobs"
	"github.com/gluk-w/claworc/console-gateway/internal/transport"
)

// StepError reports which operation of a batch was rejected.
type StepError struct {
	Index int
	Kind  Kind
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("operation %d (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Validate checks every operation of the batch without side effects. Targets
// must resolve and patterns must compile. Topology batches are simulated
// against one snapshot of the platform so conflicts between operations of
// the same batch are caught too. A batch may not mix session and topology
// operations.
func (e *Executor) Validate(ctx context.Context, ops []Operation) error {
	if len(ops) == 0 {
		return errcodes.New(errcodes.InvalidParameter, "batch has no operations")
	}
	topology := ops[0].Kind().Topology()
	for i, op := range ops {
		if op.Kind().Topology() != topology {
			return &StepError{Index: i, Kind: op.Kind(), Err: errcodes.New(errcodes.InvalidParameter,
				"session and topology operations cannot be mixed in one batch")}
		}
	}
	if topology {
		return e.validateTopology(ctx, ops)
	}

	resolved := make(map[string]error)
	for i, op := range ops {
		err := validateOp(op)
		if err == nil {
			err = e.checkTarget(ctx, op.TargetName(), resolved)
		}
		if err != nil {
			return &StepError{Index: i, Kind: op.Kind(), Err: err}
		}
	}
	return nil
}

// checkTarget verifies the target resolves, caching results per batch.
func (e *Executor) checkTarget(ctx context.Context, target string, seen map[string]error) error {
	if err, ok := seen[target]; ok {
		return err
	}
	var err error
	if _, live := e.sessions.Lookup(target); !live {
		_, err = e.resolver.Resolve(ctx, target)
	}
	seen[target] = err
	return err
}

func requireTarget(target string) error {
	if strings.TrimSpace(target) == "" {
		return errcodes.New(errcodes.InvalidParameter, "target is required")
	}
	return nil
}

func compilePattern(pattern string, caseInsensitive bool) error {
	if pattern == "" {
		return nil
	}
	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return errcodes.Wrap(errcodes.PatternSyntaxError, err, "invalid pattern %q", pattern)
	}
	return nil
}

func validateOp(op Operation) error {
	if err := requireTarget(op.TargetName()); err != nil {
		return err
	}
	switch o := op.(type) {
	case *SendOp:
		if o.Data == "" {
			return errcodes.New(errcodes.InvalidParameter, "data is required")
		}
	case *ReadOp:
		return o.ReadOptions().Validate()
	case *WaitOp:
		if o.Timeout < 0 {
			return errcodes.New(errcodes.InvalidParameter, "timeout must not be negative")
		}
		return compilePattern(o.Pattern, o.CaseInsensitive)
	case *KeystrokeOp:
		if _, err := transport.Keystroke(o.Key); err != nil {
			return err
		}
	case *DisconnectOp:
	case *CommandOp:
		if o.WaitTimeout < 0 {
			return errcodes.New(errcodes.InvalidParameter, "wait_timeout must not be negative")
		}
		return o.request().Validate()
	default:
		return errcodes.New(errcodes.InvalidParameter, "unsupported operation %s", op.Kind())
	}
	return nil
}

func (e *Executor) validateTopology(ctx context.Context, ops []Operation) error {
	if e.topology == nil {
		return errcodes.New(errcodes.InvalidParameter, "no topology backend is configured")
	}
	snap, err := e.topology.Snapshot(ctx)
	if err != nil {
		return errcodes.Wrap(errcodes.UpstreamError, err, "read topology")
	}
	sim := newSimulation(snap)
	for i, op := range ops {
		switch o := op.(type) {
		case *ConnectLinkOp:
			o.planned, err = sim.connect(o.A, o.B)
		case *DisconnectLinkOp:
			o.resolved, err = sim.disconnect(o)
		default:
			err = errcodes.New(errcodes.InvalidParameter, "unsupported operation %s", op.Kind())
		}
		if err != nil {
			return &StepError{Index: i, Kind: op.Kind(), Err: err}
		}
	}
	return nil
}

func (o *CommandOp) request() jobs.SubmitRequest {
	return jobs.SubmitRequest{
		Target:      o.Target,
		Command:     o.Command,
		Commands:    o.Commands,
		WaitTimeout: secondsOr(o.WaitTimeout, DefaultCommandWait),
	}
}
