package database

import "time"

// Job statuses.
const (
	JobPending   = "pending"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job records one command (or command set) dispatched to a session.
type Job struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	SessionID     string     `gorm:"not null;size:36;uniqueIndex:idx_session_seq" json:"session_id"`
	Sequence      int64      `gorm:"not null;uniqueIndex:idx_session_seq" json:"sequence"`
	Target        string     `gorm:"not null;index" json:"target"`
	Command       string     `gorm:"type:text;not null" json:"command"`
	CommandSet    bool       `gorm:"not null;default:false" json:"command_set"`
	Output        string     `gorm:"type:text" json:"output"`
	Status        string     `gorm:"not null;default:pending;index" json:"status"`
	Error         string     `json:"error,omitempty"`
	SubmittedAt   time.Time  `gorm:"not null;index" json:"submitted_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExecutionTime float64    `gorm:"not null;default:0" json:"execution_time"`
}

// Done reports whether the job has reached a final status.
func (j *Job) Done() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
