package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAssignmentsExpire deactivates role assignments whose expiry has passed.
	TaskAssignmentsExpire = "rbac:assignments:expire"
)

// ExpireAssignmentsPayload optionally pins the sweep instant. A zero At means "now".
type ExpireAssignmentsPayload struct {
	At time.Time `json:"at,omitempty"`
}

// NewExpireAssignmentsTask constructs an Asynq task for the assignment sweep.
func NewExpireAssignmentsTask(payload ExpireAssignmentsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAssignmentsExpire, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}
