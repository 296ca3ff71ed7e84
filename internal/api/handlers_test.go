package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shehrozeikram/ERP-sub020/internal/archive"
	"github.com/shehrozeikram/ERP-sub020/internal/integration"
	"github.com/shehrozeikram/ERP-sub020/internal/payroll"
	"github.com/shehrozeikram/ERP-sub020/internal/scheduler"
	"github.com/shehrozeikram/ERP-sub020/internal/store"
	"github.com/shehrozeikram/ERP-sub020/internal/zkbio"
)

type fakeService struct {
	today      integration.TodayAttendance
	todayErr   error
	syncResult integration.SyncResult
	syncErr    error
	lastSync   integration.SyncRequest
	rangeRows  []store.AttendanceTransaction
	history    []store.DailyAttendance
	absent     integration.AbsentReport

	snapshot     json.RawMessage
	snapshotErr  error
	snapshotDate time.Time
	snapshotID   string
}

func (f *fakeService) GetTodayAttendance(context.Context) (integration.TodayAttendance, error) {
	return f.today, f.todayErr
}

func (f *fakeService) SyncNow(_ context.Context, req integration.SyncRequest) (integration.SyncResult, error) {
	f.lastSync = req
	return f.syncResult, f.syncErr
}

func (f *fakeService) GetEmployeeAttendanceHistory(context.Context, string) ([]store.DailyAttendance, error) {
	return f.history, nil
}

func (f *fakeService) GetAttendanceByDateRange(context.Context, time.Time, time.Time) ([]store.AttendanceTransaction, error) {
	return f.rangeRows, nil
}

func (f *fakeService) GetAbsentEmployees(context.Context, time.Time, integration.AbsentOptions) (integration.AbsentReport, error) {
	return f.absent, nil
}

func (f *fakeService) GetSyncSnapshot(_ context.Context, date time.Time, cycleID string) (json.RawMessage, error) {
	f.snapshotDate = date
	f.snapshotID = cycleID
	return f.snapshot, f.snapshotErr
}

type fakeSyncControl struct {
	state   scheduler.SyncState
	started bool
	stopped bool
}

func (f *fakeSyncControl) Start() { f.started = true; f.state.IsRunning = true }
func (f *fakeSyncControl) Stop()  { f.stopped = true; f.state.IsRunning = false }
func (f *fakeSyncControl) Status() scheduler.SyncState {
	return f.state
}
func (f *fakeSyncControl) UpdateInterval(minutes int) { f.state.IntervalMinutes = minutes }

type fakeSummarizer struct {
	lastOnline bool
}

func (f *fakeSummarizer) SummarizeBulk(_ context.Context, codes []string, salaries map[string]float64, year int, month time.Month, serverOnline bool) []payroll.AttendanceSummary {
	f.lastOnline = serverOnline
	summaries := make([]payroll.AttendanceSummary, 0, len(codes))
	for _, code := range codes {
		summaries = append(summaries, payroll.AttendanceSummary{
			EmployeeCode: code,
			Month:        int(month),
			Year:         year,
			ServerStatus: payroll.StatusOnline,
		})
	}
	return summaries
}

type fakeAppliance struct {
	valid     bool
	refreshed bool
}

func (f *fakeAppliance) Stats() zkbio.HeartbeatStats {
	return zkbio.HeartbeatStats{IsSessionValid: f.valid, Running: true}
}

func (f *fakeAppliance) ForceRefresh(context.Context) bool {
	f.refreshed = true
	return f.valid
}

type fakeHealth struct {
	err error
}

func (f *fakeHealth) Health(context.Context) error { return f.err }

func newTestHandler(service *fakeService, control *fakeSyncControl, summarizer *fakeSummarizer, appliance *fakeAppliance, health *fakeHealth) *Handler {
	return NewHandler(service, control, summarizer, appliance, health, []string{"*"}, 0, 0)
}

func TestHealthzReportsApplianceSession(t *testing.T) {
	h := newTestHandler(&fakeService{}, &fakeSyncControl{}, &fakeSummarizer{}, &fakeAppliance{valid: true}, &fakeHealth{})

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["applianceSessionValid"] != true {
		t.Fatalf("applianceSessionValid = %v, want true", body["applianceSessionValid"])
	}
}

func TestHealthzDownWhenDatabaseUnreachable(t *testing.T) {
	h := newTestHandler(&fakeService{}, &fakeSyncControl{}, &fakeSummarizer{}, &fakeAppliance{}, &fakeHealth{err: errors.New("refused")})

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestGetTodayAttendance(t *testing.T) {
	service := &fakeService{today: integration.TodayAttendance{
		Records: []store.AttendanceTransaction{{EmployeeCode: "6035"}},
		Count:   1,
		Source:  integration.SourceDatabase,
	}}
	h := newTestHandler(service, &fakeSyncControl{}, &fakeSummarizer{}, &fakeAppliance{}, &fakeHealth{})

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/attendance/today", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body integration.TodayAttendance
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Source != integration.SourceDatabase || body.Count != 1 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestRangeRejectsBadDates(t *testing.T) {
	h := newTestHandler(&fakeService{}, &fakeSyncControl{}, &fakeSummarizer{}, &fakeAppliance{}, &fakeHealth{})

	cases := []string{
		"/v1/attendance/range",
		"/v1/attendance/range?start=2025-08-01",
		"/v1/attendance/range?start=bogus&end=2025-08-31",
		"/v1/attendance/range?start=2025-08-31&end=2025-08-01",
	}
	for _, path := range cases {
		rec := httptest.NewRecorder()
		h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", path, rec.Code)
		}
	}
}

func TestSyncNowDefaultsToFullSync(t *testing.T) {
	service := &fakeService{syncResult: integration.SyncResult{CycleID: "abc"}}
	h := newTestHandler(service, &fakeSyncControl{}, &fakeSummarizer{}, &fakeAppliance{}, &fakeHealth{})

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync", strings.NewReader("")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !service.lastSync.SyncEmployees || !service.lastSync.SyncAttendance {
		t.Fatalf("empty body should request a full sync, got %+v", service.lastSync)
	}
}

func TestSyncControlRoutes(t *testing.T) {
	control := &fakeSyncControl{}
	h := newTestHandler(&fakeService{}, control, &fakeSummarizer{}, &fakeAppliance{}, &fakeHealth{})
	router := h.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/start", nil))
	if rec.Code != http.StatusOK || !control.started {
		t.Fatalf("start: status=%d started=%t", rec.Code, control.started)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/interval", strings.NewReader(`{"minutes":15}`)))
	if rec.Code != http.StatusOK || control.state.IntervalMinutes != 15 {
		t.Fatalf("interval: status=%d minutes=%d", rec.Code, control.state.IntervalMinutes)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/interval", strings.NewReader(`{"minutes":0}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero interval: status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sync/stop", nil))
	if rec.Code != http.StatusOK || !control.stopped {
		t.Fatalf("stop: status=%d stopped=%t", rec.Code, control.stopped)
	}
}

func TestGetSyncSnapshot(t *testing.T) {
	service := &fakeService{snapshot: json.RawMessage(`[{"id":42}]`)}
	h := newTestHandler(service, &fakeSyncControl{}, &fakeSummarizer{}, &fakeAppliance{}, &fakeHealth{})

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sync/snapshots/2025-07-07/cycle-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `[{"id":42}]` {
		t.Fatalf("body = %q, want archived payload", got)
	}
	if service.snapshotID != "cycle-1" {
		t.Fatalf("cycleID = %q, want cycle-1", service.snapshotID)
	}
	if want := time.Date(2025, time.July, 7, 0, 0, 0, 0, time.UTC); !service.snapshotDate.Equal(want) {
		t.Fatalf("date = %v, want %v", service.snapshotDate, want)
	}
}

func TestGetSyncSnapshotErrors(t *testing.T) {
	service := &fakeService{snapshotErr: archive.ErrNotConfigured}
	h := newTestHandler(service, &fakeSyncControl{}, &fakeSummarizer{}, &fakeAppliance{}, &fakeHealth{})

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sync/snapshots/2025-07-07/cycle-1", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured archive status = %d, want 503", rec.Code)
	}

	service.snapshotErr = errors.New("NoSuchKey")
	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sync/snapshots/2025-07-07/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing snapshot status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sync/snapshots/07-2025/cycle-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed date status = %d, want 400", rec.Code)
	}
}

func TestHeartbeatRefresh(t *testing.T) {
	appliance := &fakeAppliance{valid: true}
	h := newTestHandler(&fakeService{}, &fakeSyncControl{}, &fakeSummarizer{}, appliance, &fakeHealth{})

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/heartbeat/refresh", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !appliance.refreshed {
		t.Fatal("refresh not forwarded to the heartbeat")
	}
}

func TestPayrollSummariesPassesApplianceState(t *testing.T) {
	summarizer := &fakeSummarizer{}
	h := newTestHandler(&fakeService{}, &fakeSyncControl{}, summarizer, &fakeAppliance{valid: false}, &fakeHealth{})

	body := `{"month":8,"year":2025,"employees":[{"code":"6035","grossSalary":70000}]}`
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/payroll/summaries", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if summarizer.lastOnline {
		t.Fatal("invalid appliance session should summarize offline")
	}

	var decoded struct {
		Summaries    []payroll.AttendanceSummary `json:"summaries"`
		ServerOnline bool                        `json:"serverOnline"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(decoded.Summaries) != 1 || decoded.Summaries[0].EmployeeCode != "6035" {
		t.Fatalf("unexpected summaries: %+v", decoded.Summaries)
	}
}

func TestPayrollSummariesValidation(t *testing.T) {
	h := newTestHandler(&fakeService{}, &fakeSyncControl{}, &fakeSummarizer{}, &fakeAppliance{}, &fakeHealth{})
	router := h.Router()

	cases := []string{
		`not json`,
		`{"month":13,"year":2025,"employees":[{"code":"a"}]}`,
		`{"month":8,"year":2025,"employees":[]}`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/payroll/summaries", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}
