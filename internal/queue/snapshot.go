package queue

import "github.com/samanakhatri365/samana-khatri-QueueEase/internal/models"

// Snapshot is the authoritative queue state for one department on one date.
// Waiting is ordered by token number ascending. Serving holds at most one
// token per doctor.
type Snapshot struct {
	DepartmentID string         `json:"department_id"`
	Date         string         `json:"date"`
	Waiting      []models.Token `json:"waiting"`
	Serving      []models.Token `json:"serving"`
}

// Publisher fans a snapshot out to connected subscribers after a committed
// state change. Implementations must not block the caller.
type Publisher interface {
	Publish(snapshot Snapshot)
}
