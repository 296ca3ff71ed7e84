package zkbio

import (
	"encoding/json"
	"strings"
	"time"
)

// punchTime handles the appliance's "2006-01-02 15:04:05" timestamps,
// falling back to RFC3339 for endpoints that already return ISO strings.
type punchTime struct {
	time.Time
}

const applianceTimeLayout = "2006-01-02 15:04:05"

func (t *punchTime) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}

	parsed, err := time.Parse(applianceTimeLayout, raw)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			t.Time = time.Time{}
			return nil
		}
	}
	t.Time = parsed
	return nil
}

type listEnvelope[T any] struct {
	Data  []T    `json:"data"`
	Count int    `json:"count"`
	Next  string `json:"next"`
}

type departmentRef struct {
	ID       int    `json:"id"`
	DeptCode string `json:"dept_code"`
	DeptName string `json:"dept_name"`
}

type positionRef struct {
	ID           int    `json:"id"`
	PositionCode string `json:"position_code"`
	PositionName string `json:"position_name"`
}

type areaRef struct {
	ID       int    `json:"id"`
	AreaCode string `json:"area_code"`
	AreaName string `json:"area_name"`
}

type Employee struct {
	ID         int           `json:"id"`
	EmpCode    string        `json:"emp_code"`
	FirstName  string        `json:"first_name"`
	LastName   string        `json:"last_name"`
	FullName   string        `json:"full_name"`
	Department departmentRef `json:"department"`
	Position   positionRef   `json:"position"`
	Areas      []areaRef     `json:"area"`
	HireDate   string        `json:"hire_date"`
	UpdateTime punchTime     `json:"update_time"`
}

func (e Employee) Code() string {
	return strings.TrimSpace(e.EmpCode)
}

func (e Employee) AreaNames() []string {
	names := make([]string, 0, len(e.Areas))
	for _, area := range e.Areas {
		if area.AreaName != "" {
			names = append(names, area.AreaName)
		}
	}
	return names
}

type Transaction struct {
	ID                int64     `json:"id"`
	EmpCode           string    `json:"emp_code"`
	PunchTime         punchTime `json:"punch_time"`
	PunchStateDisplay string    `json:"punch_state_display"`
	AreaAlias         string    `json:"area_alias"`
	TerminalSN        string    `json:"terminal_sn"`
	VerifyTypeDisplay string    `json:"verify_type_display"`
	Temperature       *float64  `json:"temperature"`
	UploadTime        punchTime `json:"upload_time"`
}

func (t Transaction) Code() string {
	return strings.TrimSpace(t.EmpCode)
}

// Direction classifies a punch. The appliance reports free-form display
// strings; anything unrecognized stays Unknown rather than guessing.
type Direction string

const (
	DirectionCheckIn  Direction = "CheckIn"
	DirectionCheckOut Direction = "CheckOut"
	DirectionUnknown  Direction = "Unknown"
)

func ParseDirection(display string) Direction {
	switch strings.ToLower(strings.TrimSpace(display)) {
	case "check in", "checkin", "in":
		return DirectionCheckIn
	case "check out", "checkout", "out":
		return DirectionCheckOut
	default:
		return DirectionUnknown
	}
}

func (t Transaction) Direction() Direction {
	return ParseDirection(t.PunchStateDisplay)
}

func (t Transaction) Location() string {
	if strings.TrimSpace(t.AreaAlias) == "" {
		return "Unknown"
	}
	return t.AreaAlias
}

type Department struct {
	ID       int    `json:"id"`
	DeptCode string `json:"dept_code"`
	DeptName string `json:"dept_name"`
}

type Area struct {
	ID       int    `json:"id"`
	AreaCode string `json:"area_code"`
	AreaName string `json:"area_name"`
}

// TransactionFilter narrows a punch listing. Zero values mean "no filter".
type TransactionFilter struct {
	EmpCode   string
	StartTime time.Time
	EndTime   time.Time
}
