package store

import (
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// GroupDaily collapses raw punches into per-employee per-date pairs. The
// earliest CheckIn (or earliest punch when directions are ambiguous)
// becomes the check-in; the latest CheckOut (or latest punch) becomes the
// check-out. A single-punch day yields a check-in with no check-out.
// Output is ordered newest date first, then by employee code.
func GroupDaily(transactions []AttendanceTransaction) []DailyAttendance {
	type dayKey struct {
		code string
		date string
	}

	groups := make(map[dayKey][]AttendanceTransaction)
	for _, tx := range transactions {
		key := dayKey{code: tx.EmployeeCode, date: tx.PunchTime.Format(dateLayout)}
		groups[key] = append(groups[key], tx)
	}

	out := make([]DailyAttendance, 0, len(groups))
	for key, punches := range groups {
		sort.Slice(punches, func(i, j int) bool {
			return punches[i].PunchTime.Before(punches[j].PunchTime)
		})

		day := DailyAttendance{
			EmployeeCode: key.code,
			Date:         key.date,
			PunchCount:   len(punches),
		}

		checkIn := earliestTagged(punches, DirectionCheckIn)
		if checkIn == nil {
			checkIn = &punches[0]
		}
		in := checkIn.PunchTime
		day.CheckIn = &in
		day.Location = checkIn.Location

		if len(punches) > 1 {
			checkOut := latestTagged(punches, DirectionCheckOut)
			if checkOut == nil {
				checkOut = &punches[len(punches)-1]
			}
			if checkOut.PunchTime.After(in) {
				coTime := checkOut.PunchTime
				day.CheckOut = &coTime
			}
		}

		out = append(out, day)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].EmployeeCode < out[j].EmployeeCode
	})

	return out
}

func earliestTagged(punches []AttendanceTransaction, direction string) *AttendanceTransaction {
	for i := range punches {
		if punches[i].Direction == direction {
			return &punches[i]
		}
	}
	return nil
}

func latestTagged(punches []AttendanceTransaction, direction string) *AttendanceTransaction {
	for i := len(punches) - 1; i >= 0; i-- {
		if punches[i].Direction == direction {
			return &punches[i]
		}
	}
	return nil
}

// DistinctDates returns the set of calendar dates present in a slice of
// grouped days, used for present-day counting.
func DistinctDates(days []DailyAttendance) map[string]bool {
	dates := make(map[string]bool, len(days))
	for _, day := range days {
		dates[day.Date] = true
	}
	return dates
}

// DayBounds returns the [start, end) window covering a calendar date.
func DayBounds(date time.Time) (time.Time, time.Time) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	return start, start.AddDate(0, 0, 1)
}
