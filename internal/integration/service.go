// Package integration ties the appliance client, the local store, the
// query cache and the snapshot archive into the read and sync operations
// the rest of the system consumes.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shehrozeikram/ERP-sub020/internal/archive"
	"github.com/shehrozeikram/ERP-sub020/internal/cache"
	"github.com/shehrozeikram/ERP-sub020/internal/store"
	"github.com/shehrozeikram/ERP-sub020/internal/zkbio"
)

// Source tells callers where a result came from.
const (
	SourceCache    = "Cache"
	SourceDatabase = "Database"
	SourceLiveAPI  = "LiveAPI"
	SourceNone     = "None"
)

type Fetcher interface {
	ListEmployees(ctx context.Context) ([]zkbio.Employee, error)
	ListDepartments(ctx context.Context) ([]zkbio.Department, error)
	ListAreas(ctx context.Context) ([]zkbio.Area, error)
	ListTransactions(ctx context.Context, filter zkbio.TransactionFilter) ([]zkbio.Transaction, error)
	ListEmployeeHistory(ctx context.Context, empCode string) ([]zkbio.Transaction, error)
}

type Storage interface {
	UpsertEmployees(ctx context.Context, records []store.EmployeeRecord) (store.BatchResult, error)
	UpsertTransactions(ctx context.Context, records []store.AttendanceTransaction) (store.BatchResult, error)
	GetTransactionsByRange(ctx context.Context, start, end time.Time) ([]store.AttendanceTransaction, error)
	GetTransactionsForEmployee(ctx context.Context, code string, start, end time.Time) ([]store.AttendanceTransaction, error)
	DeactivateMissingEmployees(ctx context.Context, presentCodes []string) (int, error)
	ListEmployees(ctx context.Context, onlyActive bool) ([]store.EmployeeRecord, error)
	EmployeeCodesWithPunchOn(ctx context.Context, date time.Time) (map[string]bool, error)
}

type QueryCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	SetQuery(ctx context.Context, key string, payload []byte)
	SetDirectory(ctx context.Context, key string, payload []byte)
	Invalidate(ctx context.Context, scope string) error
}

type Service struct {
	fetcher Fetcher
	storage Storage
	cache   QueryCache
	archive archive.Store
	now     func() time.Time
}

func NewService(fetcher Fetcher, storage Storage, queryCache QueryCache, snapshots archive.Store) *Service {
	if snapshots == nil {
		snapshots = archive.NewNoopStore()
	}
	return &Service{
		fetcher: fetcher,
		storage: storage,
		cache:   queryCache,
		archive: snapshots,
		now:     time.Now,
	}
}

type TodayAttendance struct {
	Records []store.AttendanceTransaction `json:"records"`
	Count   int                           `json:"count"`
	Source  string                        `json:"source"`
}

// GetTodayAttendance prefers the cache, then the local store, then the
// live appliance. A live query that returns nothing for today is retried
// once without the date filter so callers still see the latest punches.
func (s *Service) GetTodayAttendance(ctx context.Context) (TodayAttendance, error) {
	today := s.now()
	start, end := store.DayBounds(today)

	key := cache.Key(cache.ScopeQuery, "today", map[string]string{"date": today.Format("2006-01-02")})
	if s.cache != nil {
		if payload, ok := s.cache.Get(ctx, key); ok {
			var cached TodayAttendance
			if err := json.Unmarshal(payload, &cached); err == nil {
				cached.Source = SourceCache
				return cached, nil
			}
		}
	}

	records, err := s.storage.GetTransactionsByRange(ctx, start, end)
	if err != nil {
		log.Printf("today attendance: store read failed, trying live err=%v", err)
	} else if len(records) > 0 {
		result := TodayAttendance{Records: records, Count: len(records), Source: SourceDatabase}
		s.cacheToday(ctx, key, result)
		return result, nil
	}

	live, err := s.fetcher.ListTransactions(ctx, zkbio.TransactionFilter{StartTime: start, EndTime: end})
	if err != nil {
		return TodayAttendance{Records: []store.AttendanceTransaction{}, Source: SourceNone}, err
	}
	if len(live) == 0 {
		live, err = s.fetcher.ListTransactions(ctx, zkbio.TransactionFilter{})
		if err != nil {
			return TodayAttendance{Records: []store.AttendanceTransaction{}, Source: SourceNone}, err
		}
	}

	result := TodayAttendance{
		Records: normalizeTransactions(live),
		Count:   len(live),
		Source:  SourceLiveAPI,
	}
	if len(live) == 0 {
		result.Source = SourceNone
	}
	s.cacheToday(ctx, key, result)
	return result, nil
}

func (s *Service) cacheToday(ctx context.Context, key string, result TodayAttendance) {
	if s.cache == nil || result.Count == 0 {
		return
	}
	if payload, err := json.Marshal(result); err == nil {
		s.cache.SetQuery(ctx, key, payload)
	}
}

type SyncRequest struct {
	SyncEmployees  bool       `json:"syncEmployees"`
	SyncAttendance bool       `json:"syncAttendance"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
}

type SyncOutcome struct {
	Count  int `json:"count"`
	Failed int `json:"failed"`
}

type SyncResult struct {
	CycleID    string      `json:"cycleId"`
	Employees  SyncOutcome `json:"employees"`
	Attendance SyncOutcome `json:"attendance"`
}

// SyncNow pulls the requested data from the appliance and persists it.
// Partial persistence failures are reported as counts, never as an error.
// The raw attendance payload is archived best effort.
func (s *Service) SyncNow(ctx context.Context, req SyncRequest) (SyncResult, error) {
	result := SyncResult{CycleID: uuid.NewString()}

	if req.SyncEmployees {
		employees, err := s.fetcher.ListEmployees(ctx)
		if err != nil {
			return result, fmt.Errorf("fetch employees: %w", err)
		}
		batch, err := s.storage.UpsertEmployees(ctx, normalizeEmployees(employees, s.now()))
		if err != nil {
			return result, fmt.Errorf("persist employees: %w", err)
		}
		result.Employees = SyncOutcome{Count: batch.Succeeded, Failed: batch.Failed}

		codes := make([]string, 0, len(employees))
		for _, employee := range employees {
			if code := employee.Code(); code != "" {
				codes = append(codes, code)
			}
		}
		deactivated, err := s.storage.DeactivateMissingEmployees(ctx, codes)
		if err != nil {
			log.Printf("directory deactivation failed err=%v", err)
		} else if deactivated > 0 {
			log.Printf("directory sync deactivated %d departed employees", deactivated)
		}

		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, cache.ScopeDirectory); err != nil {
				log.Printf("directory cache invalidation failed err=%v", err)
			}
			s.warmDirectoryCache(ctx)
		}
	}

	if req.SyncAttendance {
		filter := zkbio.TransactionFilter{}
		if req.StartTime != nil {
			filter.StartTime = *req.StartTime
		}
		if req.EndTime != nil {
			filter.EndTime = *req.EndTime
		}

		transactions, err := s.fetcher.ListTransactions(ctx, filter)
		if err != nil {
			return result, fmt.Errorf("fetch transactions: %w", err)
		}
		batch, err := s.storage.UpsertTransactions(ctx, normalizeTransactions(transactions))
		if err != nil {
			return result, fmt.Errorf("persist transactions: %w", err)
		}
		result.Attendance = SyncOutcome{Count: batch.Succeeded, Failed: batch.Failed}

		s.archiveSnapshot(ctx, result.CycleID, transactions)

		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, cache.ScopeQuery); err != nil {
				log.Printf("query cache invalidation failed err=%v", err)
			}
		}
	}

	return result, nil
}

// warmDirectoryCache repopulates the slow-moving directory listings after a
// sync so the next filter-surface read is served without an appliance trip.
func (s *Service) warmDirectoryCache(ctx context.Context) {
	departments, err := s.fetcher.ListDepartments(ctx)
	if err == nil && len(departments) > 0 {
		if payload, err := json.Marshal(departments); err == nil {
			s.cache.SetDirectory(ctx, cache.Key(cache.ScopeDirectory, "departments", nil), payload)
		}
	}

	areas, err := s.fetcher.ListAreas(ctx)
	if err == nil && len(areas) > 0 {
		if payload, err := json.Marshal(areas); err == nil {
			s.cache.SetDirectory(ctx, cache.Key(cache.ScopeDirectory, "areas", nil), payload)
		}
	}
}

func (s *Service) archiveSnapshot(ctx context.Context, cycleID string, transactions []zkbio.Transaction) {
	if len(transactions) == 0 {
		return
	}
	payload, err := json.Marshal(transactions)
	if err != nil {
		return
	}
	if err := s.archive.StoreSnapshot(ctx, s.now(), cycleID, payload); err != nil {
		if !errors.Is(err, archive.ErrNotConfigured) {
			log.Printf("snapshot archive failed cycle=%s err=%v", cycleID, err)
		}
	}
}

// GetSyncSnapshot reads back the raw punches archived by a past sync
// cycle, addressed by capture date and cycle id.
func (s *Service) GetSyncSnapshot(ctx context.Context, date time.Time, cycleID string) (json.RawMessage, error) {
	return s.archive.LoadSnapshot(ctx, archive.SnapshotKey(date, cycleID))
}

// GetEmployeeAttendanceHistory returns one employee's daily attendance,
// newest date first, fetched live from the appliance.
func (s *Service) GetEmployeeAttendanceHistory(ctx context.Context, code string) ([]store.DailyAttendance, error) {
	key := cache.Key(cache.ScopeQuery, "history", map[string]string{"code": code})
	if s.cache != nil {
		if payload, ok := s.cache.Get(ctx, key); ok {
			var cached []store.DailyAttendance
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, nil
			}
		}
	}

	transactions, err := s.fetcher.ListEmployeeHistory(ctx, code)
	if err != nil {
		return nil, err
	}

	days := store.GroupDaily(normalizeTransactions(transactions))
	if s.cache != nil && len(days) > 0 {
		if payload, err := json.Marshal(days); err == nil {
			s.cache.SetQuery(ctx, key, payload)
		}
	}
	return days, nil
}

func (s *Service) GetAttendanceByDateRange(ctx context.Context, start, end time.Time) ([]store.AttendanceTransaction, error) {
	return s.storage.GetTransactionsByRange(ctx, start, end)
}

type AbsentOptions struct {
	ExcludeWeekends     bool
	OnlyActiveEmployees bool
}

type Absentee struct {
	Code       string `json:"code"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Department string `json:"department"`
}

type AbsentReport struct {
	Date      string     `json:"date"`
	Absentees []Absentee `json:"absentees"`
	Summary   string     `json:"summary"`
}

// GetAbsentEmployees lists directory members with no punch on the given
// date. Sundays short-circuit to an empty list when weekends are excluded.
func (s *Service) GetAbsentEmployees(ctx context.Context, date time.Time, opts AbsentOptions) (AbsentReport, error) {
	report := AbsentReport{Date: date.Format("2006-01-02"), Absentees: []Absentee{}}

	if opts.ExcludeWeekends && date.Weekday() == time.Sunday {
		report.Summary = "weekend excluded from absence reporting"
		return report, nil
	}

	employees, err := s.storage.ListEmployees(ctx, opts.OnlyActiveEmployees)
	if err != nil {
		return report, err
	}
	present, err := s.storage.EmployeeCodesWithPunchOn(ctx, date)
	if err != nil {
		return report, err
	}

	for _, employee := range employees {
		if present[employee.Code] {
			continue
		}
		report.Absentees = append(report.Absentees, Absentee{
			Code:       employee.Code,
			FirstName:  employee.FirstName,
			LastName:   employee.LastName,
			Department: employee.Department,
		})
	}
	report.Summary = strconv.Itoa(len(report.Absentees)) + " of " + strconv.Itoa(len(employees)) + " employees absent"
	return report, nil
}

func normalizeEmployees(employees []zkbio.Employee, syncedAt time.Time) []store.EmployeeRecord {
	records := make([]store.EmployeeRecord, 0, len(employees))
	for _, employee := range employees {
		records = append(records, store.EmployeeRecord{
			Code:         employee.Code(),
			FirstName:    employee.FirstName,
			LastName:     employee.LastName,
			Department:   employee.Department.DeptName,
			Position:     employee.Position.PositionName,
			Areas:        employee.AreaNames(),
			IsActive:     true,
			LastSyncedAt: syncedAt,
		})
	}
	return records
}

func normalizeTransactions(transactions []zkbio.Transaction) []store.AttendanceTransaction {
	records := make([]store.AttendanceTransaction, 0, len(transactions))
	for _, tx := range transactions {
		record := store.AttendanceTransaction{
			SourceID:     tx.ID,
			EmployeeCode: tx.Code(),
			PunchTime:    tx.PunchTime.Time,
			Direction:    string(tx.Direction()),
			Location:     tx.Location(),
			DeviceID:     tx.TerminalSN,
			VerifyMethod: tx.VerifyTypeDisplay,
			Temperature:  tx.Temperature,
		}
		if !tx.UploadTime.IsZero() {
			uploaded := tx.UploadTime.Time
			record.UploadedAt = &uploaded
		}
		records = append(records, record)
	}
	return records
}
