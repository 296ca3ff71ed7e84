package store

import "time"

type EmployeeRecord struct {
	Code         string    `json:"code"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Department   string    `json:"department"`
	Position     string    `json:"position"`
	Areas        []string  `json:"areas"`
	IsActive     bool      `json:"isActive"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// AttendanceTransaction is one biometric punch. Identity is the composite
// (SourceID, EmployeeCode, PunchTime) so re-ingesting the same punch is a
// no-op. Rows are immutable once persisted.
type AttendanceTransaction struct {
	SourceID     int64      `json:"sourceId"`
	EmployeeCode string     `json:"employeeCode"`
	PunchTime    time.Time  `json:"punchTime"`
	Direction    string     `json:"direction"`
	Location     string     `json:"location"`
	DeviceID     string     `json:"deviceId"`
	VerifyMethod string     `json:"verifyMethod"`
	Temperature  *float64   `json:"temperature,omitempty"`
	UploadedAt   *time.Time `json:"uploadedAt,omitempty"`
	Orphaned     bool       `json:"orphaned"`
}

const (
	DirectionCheckIn  = "CheckIn"
	DirectionCheckOut = "CheckOut"
	DirectionUnknown  = "Unknown"
)

// DailyAttendance is a grouping view over transactions, never persisted as
// its own fact: earliest check-in and latest check-out per employee-date.
type DailyAttendance struct {
	EmployeeCode string     `json:"employeeCode"`
	Date         string     `json:"date"`
	CheckIn      *time.Time `json:"checkIn,omitempty"`
	CheckOut     *time.Time `json:"checkOut,omitempty"`
	Location     string     `json:"location"`
	PunchCount   int        `json:"punchCount"`
}

// BatchResult reports a partial-failure-tolerant upsert: each record was
// attempted independently.
type BatchResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (r BatchResult) Total() int {
	return r.Succeeded + r.Failed
}
