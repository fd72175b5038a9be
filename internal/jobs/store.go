// Package jobs records commands dispatched to command-oriented sessions and
// runs them with adaptive synchronous or poll-based completion.
package jobs

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/database"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"gorm.io/gorm"
)

// DefaultRetention is how long finished jobs are kept.
const DefaultRetention = 24 * time.Hour

// Store persists jobs. Sequence numbers are allocated under mu from a
// per-session counter, so they keep increasing after older rows are purged.
type Store struct {
	mu    sync.Mutex
	db    *gorm.DB
	seq   map[string]int64
	nowFn func() time.Time
}

// NewStore creates a store over db, which must already be migrated.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, seq: make(map[string]int64), nowFn: time.Now}
}

// SetNowFunc sets the clock used for timestamps and purges.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.nowFn = fn
}

// Create inserts a pending job, assigning its sequence number and
// submission time.
func (s *Store) Create(job *database.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.seq[job.SessionID]
	if !ok {
		if err := s.db.Model(&database.Job{}).
			Where("session_id = ?", job.SessionID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&last).Error; err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
	}
	job.Sequence = last + 1
	job.Status = database.JobPending
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = s.nowFn()
	}
	if err := s.db.Create(job).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	s.seq[job.SessionID] = job.Sequence
	return nil
}

// Finish records the outcome of a job. A non-nil runErr marks it failed.
func (s *Store) Finish(id, output string, runErr error) (*database.Job, error) {
	job, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	updates := map[string]any{
		"output":         output,
		"status":         database.JobCompleted,
		"completed_at":   now,
		"execution_time": now.Sub(job.SubmittedAt).Seconds(),
	}
	if runErr != nil {
		updates["status"] = database.JobFailed
		updates["error"] = runErr.Error()
	}
	if err := s.db.Model(&database.Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("finish job %s: %w", id, err)
	}
	return s.Get(id)
}

// Get returns a job by ID.
func (s *Store) Get(id string) (*database.Job, error) {
	var job database.Job
	err := s.db.First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errcodes.New(errcodes.JobNotFound, "no job with id %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

// QueryOptions filters History.
type QueryOptions struct {
	SessionID string
	Target    string
	// Search matches command or output, case-insensitively.
	Search string
	Limit  int
}

// Query returns jobs matching opts, newest first.
func (s *Store) Query(opts QueryOptions) ([]database.Job, error) {
	tx := s.db.Model(&database.Job{})
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.Target != "" {
		tx = tx.Where("target = ?", opts.Target)
	}
	if opts.Search != "" {
		like := "%" + escapeLike(strings.ToLower(opts.Search)) + "%"
		tx = tx.Where(`(LOWER(command) LIKE ? ESCAPE '\' OR LOWER(output) LIKE ? ESCAPE '\')`, like, like)
	}

	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var jobs []database.Job
	if err := tx.Order("submitted_at DESC, sequence DESC").Limit(opts.Limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return jobs, nil
}

// LatestSession returns the session ID of the most recent job for target,
// or "" if there is none.
func (s *Store) LatestSession(target string) (string, error) {
	var jobs []database.Job
	if err := s.db.Where("target = ?", target).Order("submitted_at DESC").Limit(1).Find(&jobs).Error; err != nil {
		return "", fmt.Errorf("latest session for %s: %w", target, err)
	}
	if len(jobs) == 0 {
		return "", nil
	}
	return jobs[0].SessionID, nil
}

// PurgeOlderThan removes finished jobs submitted before now-retention.
// Pending jobs are never purged.
func (s *Store) PurgeOlderThan(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := s.nowFn().Add(-retention)
	result := s.db.Where("submitted_at < ? AND status <> ?", cutoff, database.JobPending).Delete(&database.Job{})
	if result.Error != nil {
		log.Printf("[jobs] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[jobs] purged %d jobs older than %s", result.RowsAffected, retention)
	}
	return result.RowsAffected, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
