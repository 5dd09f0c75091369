package protocol

import "time"

// SessionStatus is broadcast on the bus whenever a session changes state.
type SessionStatus struct {
	SessionID     string    `json:"sessionId"`
	ClinicID      string    `json:"clinicId"`
	Status        string    `json:"status"`
	HasTranscript bool      `json:"hasTranscript"`
	HasNotes      bool      `json:"hasNotes"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	SubjectSessionStatusPrefix = "session.status"
	StreamSessionStatus        = "SESSION_STATUS"
)

// SessionStatusSubject is session.status.<clinicId>.<sessionId>.
func SessionStatusSubject(clinicID, sessionID string) string {
	return SubjectSessionStatusPrefix + "." + clinicID + "." + sessionID
}

// ClinicStatusSubject matches every status message of one clinic.
func ClinicStatusSubject(clinicID string) string {
	return SubjectSessionStatusPrefix + "." + clinicID + ".*"
}
