// Package payroll derives presence and deduction figures from stored
// attendance. Summaries are computed on demand and are always re-derivable
// from transactions plus a caller-supplied salary.
package payroll

import (
	"context"
	"log"
	"time"

	"github.com/shehrozeikram/ERP-sub020/internal/store"
)

const (
	StatusOnline  = "Online"
	StatusOffline = "Offline"
	StatusError   = "Error"
)

type AttendanceSummary struct {
	EmployeeCode     string  `json:"employeeCode"`
	Month            int     `json:"month"`
	Year             int     `json:"year"`
	PresentDays      int     `json:"presentDays"`
	AbsentDays       int     `json:"absentDays"`
	LeaveDays        int     `json:"leaveDays"`
	TotalWorkingDays int     `json:"totalWorkingDays"`
	DailyRate        float64 `json:"dailyRate"`
	DeductionAmount  float64 `json:"deductionAmount"`
	ServerStatus     string  `json:"serverStatus"`
}

// AttendanceSource provides the month's punches for one employee or for
// everyone at once.
type AttendanceSource interface {
	GetTransactionsForEmployee(ctx context.Context, code string, start, end time.Time) ([]store.AttendanceTransaction, error)
	GetTransactionsByRange(ctx context.Context, start, end time.Time) ([]store.AttendanceTransaction, error)
}

// LeaveSource supplies approved leave day counts. The zero default reports
// none; payroll systems with a leave module plug in here.
type LeaveSource interface {
	LeaveDays(ctx context.Context, code string, year int, month time.Month) (int, error)
}

type noLeave struct{}

func (noLeave) LeaveDays(context.Context, string, int, time.Month) (int, error) { return 0, nil }

type Calculator struct {
	attendance AttendanceSource
	leave      LeaveSource
}

func NewCalculator(attendance AttendanceSource, leave LeaveSource) *Calculator {
	if leave == nil {
		leave = noLeave{}
	}
	return &Calculator{attendance: attendance, leave: leave}
}

// WorkingDays counts the calendar days in a month that are not Sundays.
// It depends on nothing but the calendar.
func WorkingDays(year int, month time.Month) int {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, 0)

	days := 0
	for d := first; d.Before(last); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Sunday {
			days++
		}
	}
	return days
}

// MonthBounds returns the [start, end) window covering a month.
func MonthBounds(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Summarize computes one employee's monthly summary. When the appliance is
// offline, or attendance data cannot be read, the employee is assumed fully
// present with zero deduction. An outage must never be billed against the
// employee.
func (c *Calculator) Summarize(ctx context.Context, code string, grossSalary float64, year int, month time.Month, serverOnline bool) AttendanceSummary {
	totalWorkingDays := WorkingDays(year, month)

	summary := AttendanceSummary{
		EmployeeCode:     code,
		Month:            int(month),
		Year:             year,
		TotalWorkingDays: totalWorkingDays,
	}

	if !serverOnline {
		return failOpen(summary, StatusOffline)
	}

	start, end := MonthBounds(year, month)
	transactions, err := c.attendance.GetTransactionsForEmployee(ctx, code, start, end)
	if err != nil {
		log.Printf("attendance summary fell back to fail-open code=%s month=%d-%02d err=%v", code, year, month, err)
		return failOpen(summary, StatusError)
	}

	leaveDays, err := c.leave.LeaveDays(ctx, code, year, month)
	if err != nil {
		log.Printf("leave lookup failed, assuming zero code=%s err=%v", code, err)
		leaveDays = 0
	}

	return fill(summary, transactions, leaveDays, grossSalary)
}

// SummarizeBulk derives summaries for many employees in one pass: one
// working-day computation and one month-wide transaction fetch, grouped in
// memory. Salaries maps employee code to gross monthly salary. Output order
// follows codes.
func (c *Calculator) SummarizeBulk(ctx context.Context, codes []string, salaries map[string]float64, year int, month time.Month, serverOnline bool) []AttendanceSummary {
	totalWorkingDays := WorkingDays(year, month)

	base := func(code string) AttendanceSummary {
		return AttendanceSummary{
			EmployeeCode:     code,
			Month:            int(month),
			Year:             year,
			TotalWorkingDays: totalWorkingDays,
		}
	}

	summaries := make([]AttendanceSummary, 0, len(codes))

	if !serverOnline {
		for _, code := range codes {
			summaries = append(summaries, failOpen(base(code), StatusOffline))
		}
		return summaries
	}

	start, end := MonthBounds(year, month)
	transactions, err := c.attendance.GetTransactionsByRange(ctx, start, end)
	if err != nil {
		log.Printf("bulk attendance summary fell back to fail-open month=%d-%02d err=%v", year, month, err)
		for _, code := range codes {
			summaries = append(summaries, failOpen(base(code), StatusError))
		}
		return summaries
	}

	byEmployee := make(map[string][]store.AttendanceTransaction)
	for _, tx := range transactions {
		byEmployee[tx.EmployeeCode] = append(byEmployee[tx.EmployeeCode], tx)
	}

	for _, code := range codes {
		leaveDays, err := c.leave.LeaveDays(ctx, code, year, month)
		if err != nil {
			leaveDays = 0
		}
		summaries = append(summaries, fill(base(code), byEmployee[code], leaveDays, salaries[code]))
	}
	return summaries
}

func fill(summary AttendanceSummary, transactions []store.AttendanceTransaction, leaveDays int, grossSalary float64) AttendanceSummary {
	present := store.DistinctDates(store.GroupDaily(transactions))

	summary.PresentDays = len(present)
	summary.AbsentDays = summary.TotalWorkingDays - summary.PresentDays
	if summary.AbsentDays < 0 {
		summary.AbsentDays = 0
	}
	summary.LeaveDays = leaveDays
	if summary.TotalWorkingDays > 0 {
		summary.DailyRate = grossSalary / float64(summary.TotalWorkingDays)
	}
	summary.DeductionAmount = float64(summary.AbsentDays+summary.LeaveDays) * summary.DailyRate
	summary.ServerStatus = StatusOnline
	return summary
}

func failOpen(summary AttendanceSummary, status string) AttendanceSummary {
	summary.PresentDays = summary.TotalWorkingDays
	summary.AbsentDays = 0
	summary.LeaveDays = 0
	summary.DailyRate = 0
	summary.DeductionAmount = 0
	summary.ServerStatus = status
	return summary
}
