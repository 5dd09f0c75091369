package sessions

import "time"

// Status is the pipeline state of a Session.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusExtracting Status = "extracting"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusExtracting, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Session is one uploaded recording and its processing state.
// Transcript and Notes are nil until the matching stage succeeds.
type Session struct {
	ID              string
	PatientID       string
	OperatorID      string
	ClinicID        string
	AudioURL        string
	AudioPath       string
	Filename        string
	DurationSeconds *int
	Transcript      *string
	Notes           *string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Degraded reports a completed session whose extraction stage produced nothing.
func (s Session) Degraded() bool {
	return s.Status == StatusCompleted && s.Notes == nil
}

type Clinic struct {
	ID        string
	Name      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Operator is the clinic staff member who recorded a session.
type Operator struct {
	ID        string
	ClinicID  string
	Email     string
	FirstName string
	LastName  string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        string
	ClinicID  string
	Name      string
	Phone     string
	LastVisit *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Update carries an administrative replacement of session fields. Nil fields are left alone.
type Update struct {
	Transcript *string
	Notes      *string
	Status     *Status
}
