package models

import "time"

type Department struct {
	DepartmentID string    `json:"department_id"`
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Counter tracks per doctor-day token numbering and the serving pointer.
// One row exists per (department, doctor, date) that has seen traffic.
type Counter struct {
	DepartmentID string `json:"department_id"`
	DoctorID     string `json:"doctor_id"`
	Date         string `json:"date"`
	CurrentToken int    `json:"current_token"`
	NowServing   int    `json:"now_serving"`
}

type User struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
	Available bool   `json:"available"`
}

const (
	RolePatient = "patient"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)
