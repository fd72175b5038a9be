package batch

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/buffer"
	"github.com/gluk-w/claworc/console-gateway/internal/console"
	"github.com/gluk-w/claworc/console-gateway/internal/database"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/jobs"
	"github.com/gluk-w/claworc/console-gateway/internal/logutil"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
)

// DefaultCommandWait is how long a command operation waits for its job
// before reporting the job ID instead.
const DefaultCommandWait = 30 * time.Second

// Sessions is the session surface a batch drives.
type Sessions interface {
	Lookup(target string) (*console.Session, bool)
	Send(ctx context.Context, target, data string, raw bool) error
	SendAndWait(ctx context.Context, target, data string, opts console.WaitOptions) (console.WaitResult, error)
	WaitFor(ctx context.Context, target string, opts console.WaitOptions) (console.WaitResult, error)
	Keystroke(ctx context.Context, target, key string) error
	Read(ctx context.Context, target string, opts buffer.ReadOptions) (string, error)
	Disconnect(target string) error
	HasBeenRead(target string) bool
}

// Jobs submits commands to command-oriented targets.
type Jobs interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (jobs.Result, error)
}

// Status is the outcome of one operation.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// StepResult is the outcome of one operation, in input order.
type StepResult struct {
	Index  int           `json:"index"`
	Type   Kind          `json:"type"`
	Target string        `json:"target,omitempty"`
	Status Status        `json:"status"`
	Output string        `json:"output,omitempty"`
	Error  string        `json:"error,omitempty"`
	Code   errcodes.Code `json:"code,omitempty"`
	// Reason explains a skip.
	Reason string `json:"reason,omitempty"`

	PatternFound *bool  `json:"pattern_found,omitempty"`
	TimedOut     bool   `json:"timed_out,omitempty"`
	JobID        string `json:"job_id,omitempty"`
	LinkID       string `json:"link_id,omitempty"`
}

// Result summarizes a batch run.
type Result struct {
	Completed       []int        `json:"completed"`
	Failed          []int        `json:"failed"`
	Skipped         []int        `json:"skipped"`
	Results         []StepResult `json:"results"`
	TotalOperations int          `json:"total_operations"`
	ExecutionTime   float64      `json:"execution_time"`
}

func (r *Result) add(sr StepResult) {
	switch sr.Status {
	case StatusCompleted:
		r.Completed = append(r.Completed, sr.Index)
	case StatusFailed:
		r.Failed = append(r.Failed, sr.Index)
	case StatusSkipped:
		r.Skipped = append(r.Skipped, sr.Index)
	}
	r.Results = append(r.Results, sr)
}

// Executor validates and runs batches.
type Executor struct {
	sessions Sessions
	jobs     Jobs
	resolver targets.Resolver
	topology Topology
}

// NewExecutor creates an executor. topology may be nil, in which case
// topology batches are rejected.
func NewExecutor(sessions Sessions, runner Jobs, resolver targets.Resolver, topology Topology) *Executor {
	return &Executor{sessions: sessions, jobs: runner, resolver: resolver, topology: topology}
}

// Execute validates the whole batch and, if every operation is valid, runs
// the operations in order. A validation failure is returned as an error and
// nothing runs. Session batches run every operation regardless of earlier
// failures; topology batches stop at the first failure and report the rest
// as skipped.
func (e *Executor) Execute(ctx context.Context, ops []Operation) (*Result, error) {
	start := time.Now()
	if err := e.Validate(ctx, ops); err != nil {
		log.Printf("[batch] rejected batch of %d operations: %v", len(ops), err)
		return nil, err
	}

	res := &Result{
		Completed:       []int{},
		Failed:          []int{},
		Skipped:         []int{},
		Results:         make([]StepResult, 0, len(ops)),
		TotalOperations: len(ops),
	}
	if ops[0].Kind().Topology() {
		e.runTopology(ctx, ops, res)
	} else {
		for i, op := range ops {
			res.add(e.runSession(ctx, i, op))
		}
	}
	res.ExecutionTime = time.Since(start).Seconds()
	log.Printf("[batch] %d operations: %d completed, %d failed, %d skipped in %.2fs",
		len(ops), len(res.Completed), len(res.Failed), len(res.Skipped), res.ExecutionTime)
	return res, nil
}

// needsRead reports whether op writes to its session and so requires the
// session to have been read first.
func needsRead(op Operation) bool {
	switch o := op.(type) {
	case *SendOp, *KeystrokeOp, *CommandOp:
		return true
	case *WaitOp:
		return o.SendsData()
	}
	return false
}

func (e *Executor) runSession(ctx context.Context, i int, op Operation) StepResult {
	target := op.TargetName()
	sr := StepResult{Index: i, Type: op.Kind(), Target: target}

	if needsRead(op) && !e.sessions.HasBeenRead(target) {
		sr.Status = StatusSkipped
		sr.Code = errcodes.ReadRequired
		sr.Reason = "session " + target + " has not been read; read its output before sending input"
		log.Printf("[batch] op %d (%s) on %s skipped: not read yet", i, op.Kind(), logutil.SanitizeForLog(target))
		return sr
	}

	var err error
	switch o := op.(type) {
	case *SendOp:
		err = e.sessions.Send(ctx, o.Target, o.Data, o.Raw)
	case *ReadOp:
		sr.Output, err = e.sessions.Read(ctx, o.Target, o.ReadOptions())
	case *WaitOp:
		opts := console.WaitOptions{Pattern: o.Pattern, CaseInsensitive: o.CaseInsensitive, Timeout: o.timeout(), Raw: o.Raw}
		var wr console.WaitResult
		if o.SendsData() {
			wr, err = e.sessions.SendAndWait(ctx, o.Target, o.Data, opts)
		} else {
			wr, err = e.sessions.WaitFor(ctx, o.Target, opts)
		}
		if err == nil {
			found := wr.PatternFound
			sr.Output, sr.PatternFound, sr.TimedOut = wr.Output, &found, wr.TimedOut
		}
	case *KeystrokeOp:
		err = e.sessions.Keystroke(ctx, o.Target, o.Key)
	case *DisconnectOp:
		err = e.sessions.Disconnect(o.Target)
	case *CommandOp:
		var jr jobs.Result
		jr, err = e.jobs.Submit(ctx, o.request())
		if err == nil {
			sr.JobID, sr.Output = jr.JobID, jr.Output
			if jr.Status == database.JobFailed {
				err = jobError(jr.Error)
			} else if !jr.Completed {
				sr.Reason = "job still running; poll it by job_id"
			}
		}
	}

	if err != nil {
		sr.Status = StatusFailed
		sr.Error = err.Error()
		sr.Code = errcodes.CodeOf(err)
		log.Printf("[batch] op %d (%s) on %s failed: %v", i, op.Kind(), logutil.SanitizeForLog(target), err)
		return sr
	}
	sr.Status = StatusCompleted
	return sr
}

// jobError rebuilds a classified error from a stored job error, which is
// formatted "CODE: message".
func jobError(msg string) error {
	code, rest, ok := strings.Cut(msg, ": ")
	if c := errcodes.Code(code); ok && (c == errcodes.Timeout || c == errcodes.SessionDisconnected) {
		return errcodes.New(c, "%s", rest)
	}
	return errcodes.New(errcodes.Internal, "%s", msg)
}

func (e *Executor) runTopology(ctx context.Context, ops []Operation, res *Result) {
	links := make(map[string]string)
	for i, op := range ops {
		sr := StepResult{Index: i, Type: op.Kind()}
		var err error
		switch o := op.(type) {
		case *ConnectLinkOp:
			sr.LinkID, err = e.topology.ConnectLink(ctx, o.A, o.B)
			if err == nil {
				links[o.planned] = sr.LinkID
			}
		case *DisconnectLinkOp:
			id := o.resolved
			if real, ok := links[id]; ok {
				id = real
			}
			sr.LinkID = id
			err = e.topology.DisconnectLink(ctx, id)
		}
		if err != nil {
			sr.Status = StatusFailed
			sr.Error = err.Error()
			sr.Code = errcodes.CodeOf(err)
			res.add(sr)
			log.Printf("[batch] topology op %d (%s) failed, halting: %v", i, op.Kind(), err)
			for j := i + 1; j < len(ops); j++ {
				res.add(StepResult{
					Index:  j,
					Type:   ops[j].Kind(),
					Status: StatusSkipped,
					Code:   errcodes.BatchHalted,
					Reason: "not attempted: the batch stopped at the failure of an earlier operation",
				})
			}
			return
		}
		sr.Status = StatusCompleted
		res.add(sr)
	}
}

func secondsOr(sec float64, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec * float64(time.Second))
}
