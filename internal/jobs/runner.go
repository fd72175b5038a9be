package jobs

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/console"
	"github.com/gluk-w/claworc/console-gateway/internal/database"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/logutil"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// DefaultCommandTimeout bounds a single job when the submitter sets none.
const DefaultCommandTimeout = 10 * time.Minute

// Runner dispatches commands to sessions and records them as jobs.
type Runner struct {
	store    *Store
	sessions *console.Manager

	// CommandTimeout bounds how long a job may run before it is failed.
	CommandTimeout time.Duration

	wg sync.WaitGroup
}

// NewRunner creates a runner.
func NewRunner(store *Store, sessions *console.Manager) *Runner {
	return &Runner{store: store, sessions: sessions, CommandTimeout: DefaultCommandTimeout}
}

// Store returns the underlying job store.
func (r *Runner) Store() *Store {
	return r.store
}

// SubmitRequest describes one submission. Exactly one of Command and
// Commands is set.
type SubmitRequest struct {
	Target   string
	Command  string
	Commands []string
	// WaitTimeout is how long Submit blocks for completion before handing
	// back a job ID. Zero returns immediately.
	WaitTimeout time.Duration
	// CommandTimeout overrides the runner default for this job.
	CommandTimeout time.Duration
}

// Validate checks the request without dispatching it.
func (req SubmitRequest) Validate() error {
	_, err := req.commands()
	return err
}

func (req SubmitRequest) commands() ([]string, error) {
	if req.Target == "" {
		return nil, errcodes.New(errcodes.InvalidParameter, "target is required")
	}
	if (req.Command == "") == (len(req.Commands) == 0) {
		return nil, errcodes.New(errcodes.InvalidParameter, "exactly one of command or commands is required")
	}
	if req.Command != "" {
		return []string{req.Command}, nil
	}
	var cmds []string
	for _, c := range req.Commands {
		if strings.TrimSpace(c) != "" {
			cmds = append(cmds, c)
		}
	}
	if len(cmds) == 0 {
		return nil, errcodes.New(errcodes.InvalidParameter, "command set is empty")
	}
	return cmds, nil
}

// Result describes a job as seen by a submitter or poller.
type Result struct {
	JobID         string  `json:"job_id"`
	Target        string  `json:"target"`
	Sequence      int64   `json:"sequence"`
	Command       string  `json:"command"`
	Completed     bool    `json:"completed"`
	Status        string  `json:"status"`
	Output        string  `json:"output,omitempty"`
	Error         string  `json:"error,omitempty"`
	ExecutionTime float64 `json:"execution_time"`
}

func resultOf(job *database.Job) Result {
	return Result{
		JobID:         job.ID,
		Target:        job.Target,
		Sequence:      job.Sequence,
		Command:       job.Command,
		Completed:     job.Done(),
		Status:        job.Status,
		Output:        job.Output,
		Error:         job.Error,
		ExecutionTime: job.ExecutionTime,
	}
}

// Submit records a job and starts it. It blocks up to WaitTimeout: a job
// that finishes in time is returned completed with its output, otherwise
// the pending job is returned for polling. The job keeps running after
// Submit returns.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	cmds, err := req.commands()
	if err != nil {
		return Result{}, err
	}
	s, err := r.sessions.GetOrCreate(ctx, req.Target, console.ConnectOptions{})
	if err != nil {
		return Result{}, err
	}

	job := &database.Job{
		ID:         uuid.NewString(),
		SessionID:  s.ID,
		Target:     req.Target,
		Command:    strings.Join(cmds, "\n"),
		CommandSet: len(cmds) > 1,
	}
	if err := r.store.Create(job); err != nil {
		return Result{}, err
	}
	log.Printf("[jobs] %s #%d on %s: %s", job.ID, job.Sequence, logutil.SanitizeForLog(req.Target), logutil.Truncate(logutil.SanitizeForLog(job.Command)))

	timeout := req.CommandTimeout
	if timeout <= 0 {
		timeout = r.CommandTimeout
	}
	done := make(chan *database.Job, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		done <- r.run(job, s, cmds, timeout)
	}()

	if req.WaitTimeout > 0 {
		timer := time.NewTimer(req.WaitTimeout)
		defer timer.Stop()
		select {
		case finished := <-done:
			if finished != nil {
				return resultOf(finished), nil
			}
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	return resultOf(job), nil
}

// run executes the job and stores its outcome. It returns the finished job,
// or nil if the outcome could not be stored.
func (r *Runner) run(job *database.Job, s *console.Session, cmds []string, timeout time.Duration) *database.Job {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	output, runErr := r.sessions.Exec(ctx, s, cmds)
	finished, err := r.store.Finish(job.ID, output, runErr)
	if err != nil {
		log.Printf("[jobs] %s: store result: %v", job.ID, err)
		return nil
	}
	if runErr != nil {
		log.Printf("[jobs] %s failed after %.2fs: %v", job.ID, finished.ExecutionTime, runErr)
	} else {
		log.Printf("[jobs] %s completed in %.2fs", job.ID, finished.ExecutionTime)
	}
	return finished
}

// Poll returns the current state of a job.
func (r *Runner) Poll(id string) (Result, error) {
	job, err := r.store.Get(id)
	if err != nil {
		return Result{}, err
	}
	return resultOf(job), nil
}

// Summary is one history entry.
type Summary struct {
	JobID         string     `json:"job_id"`
	Sequence      int64      `json:"sequence"`
	Command       string     `json:"command"`
	Status        string     `json:"status"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExecutionTime float64    `json:"execution_time"`
	OutputPreview string     `json:"output_preview,omitempty"`
}

// History returns the jobs of the target's current session, newest first.
// With no live session, the most recent session's history is returned.
func (r *Runner) History(target string, limit int, search string) ([]Summary, error) {
	if target == "" {
		return nil, errcodes.New(errcodes.InvalidParameter, "target is required")
	}
	var sessionID string
	if s, ok := r.sessions.Lookup(target); ok {
		sessionID = s.ID
	} else {
		id, err := r.store.LatestSession(target)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return []Summary{}, nil
		}
		sessionID = id
	}

	found, err := r.store.Query(QueryOptions{SessionID: sessionID, Search: search, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(found))
	for _, j := range found {
		out = append(out, Summary{
			JobID:         j.ID,
			Sequence:      j.Sequence,
			Command:       j.Command,
			Status:        j.Status,
			SubmittedAt:   j.SubmittedAt,
			CompletedAt:   j.CompletedAt,
			ExecutionTime: j.ExecutionTime,
			OutputPreview: logutil.Truncate(j.Output),
		})
	}
	return out, nil
}

// ScheduleRetention registers the history purge on c.
func (r *Runner) ScheduleRetention(c *cron.Cron, spec string, retention time.Duration) error {
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.store.PurgeOlderThan(retention); err != nil {
			log.Printf("[jobs] retention sweep: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule job retention %q: %w", spec, err)
	}
	return nil
}

// Wait blocks until running jobs finish or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
