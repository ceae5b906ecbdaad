package models

import "time"

type Token struct {
	TokenID       string     `json:"token_id"`
	TokenNumber   int        `json:"token_number"`
	DisplayNumber string     `json:"display_number"`
	PatientID     string     `json:"patient_id,omitempty"`
	DepartmentID  string     `json:"department_id,omitempty"`
	DoctorID      string     `json:"doctor_id,omitempty"`
	Date          string     `json:"date"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	CalledAt      *time.Time `json:"called_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusCancelled = "cancelled"
)
