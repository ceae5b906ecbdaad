package store

import (
	"context"
	"time"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/models"
)

type CreateTokenInput struct {
	TokenID       string
	TokenNumber   int
	DisplayNumber string
	PatientID     string
	DepartmentID  string
	DoctorID      string
	Date          string
	CreatedAt     time.Time
}

// TransitionInput drives a compare-and-set status update. FromStatus, when
// non-empty, guards the write: it only commits if the stored status still
// equals it. TimestampColumn optionally stamps called_at or completed_at.
type TransitionInput struct {
	TokenID         string
	FromStatus      string
	ToStatus        string
	OccurredAt      time.Time
	TimestampColumn string
}

type CreateDepartmentInput struct {
	DepartmentID string
	Code         string
	Name         string
	Description  string
}

type HistoryPage struct {
	Tokens []models.Token `json:"tokens"`
	Total  int            `json:"total"`
}

type TokenStore interface {
	CreateToken(ctx context.Context, input CreateTokenInput) (models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	FindActiveToken(ctx context.Context, patientID, doctorID, date string) (models.Token, bool, error)
	ListWaiting(ctx context.Context, departmentID, doctorID, date string) ([]models.Token, error)
	ListServing(ctx context.Context, departmentID, date string) ([]models.Token, error)
	ListTokensForPatient(ctx context.Context, patientID, date string) ([]models.Token, error)
	ListHistory(ctx context.Context, departmentID string, limit, offset int) (HistoryPage, error)
	Transition(ctx context.Context, input TransitionInput) (models.Token, error)
	BulkCancel(ctx context.Context, departmentID, date string) (int64, error)
	ListTokenEvents(ctx context.Context, tokenID string) ([]TokenEvent, error)
}

type CounterStore interface {
	NextTokenNumber(ctx context.Context, departmentID, doctorID, date string) (int, error)
	SetNowServing(ctx context.Context, departmentID, doctorID, date string, tokenNumber int) error
	ResetCounters(ctx context.Context, departmentID, date string) error
	ListCounters(ctx context.Context, departmentID, date string) ([]models.Counter, error)
}

type DirectoryStore interface {
	CreateDepartment(ctx context.Context, input CreateDepartmentInput) (models.Department, error)
	GetDepartment(ctx context.Context, departmentID string) (models.Department, error)
	ListDepartments(ctx context.Context, activeOnly bool) ([]models.Department, error)
	DeactivateDepartment(ctx context.Context, departmentID string) error
	GetUser(ctx context.Context, userID string) (models.User, error)
}

// Store is the full surface the queue engine operates against.
type Store interface {
	TokenStore
	CounterStore
	DirectoryStore
}
