package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/shehrozeikram/ERP-sub020/internal/archive"
	"github.com/shehrozeikram/ERP-sub020/internal/integration"
	"github.com/shehrozeikram/ERP-sub020/internal/payroll"
	"github.com/shehrozeikram/ERP-sub020/internal/scheduler"
	"github.com/shehrozeikram/ERP-sub020/internal/store"
	"github.com/shehrozeikram/ERP-sub020/internal/zkbio"
)

type AttendanceService interface {
	GetTodayAttendance(ctx context.Context) (integration.TodayAttendance, error)
	SyncNow(ctx context.Context, req integration.SyncRequest) (integration.SyncResult, error)
	GetEmployeeAttendanceHistory(ctx context.Context, code string) ([]store.DailyAttendance, error)
	GetAttendanceByDateRange(ctx context.Context, start, end time.Time) ([]store.AttendanceTransaction, error)
	GetAbsentEmployees(ctx context.Context, date time.Time, opts integration.AbsentOptions) (integration.AbsentReport, error)
	GetSyncSnapshot(ctx context.Context, date time.Time, cycleID string) (json.RawMessage, error)
}

type SyncControl interface {
	Start()
	Stop()
	Status() scheduler.SyncState
	UpdateInterval(minutes int)
}

type Summarizer interface {
	SummarizeBulk(ctx context.Context, codes []string, salaries map[string]float64, year int, month time.Month, serverOnline bool) []payroll.AttendanceSummary
}

type ApplianceStatus interface {
	Stats() zkbio.HeartbeatStats
	ForceRefresh(ctx context.Context) bool
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

type Handler struct {
	service            AttendanceService
	syncControl        SyncControl
	summarizer         Summarizer
	appliance          ApplianceStatus
	db                 HealthChecker
	corsAllowedOrigins []string
	rateLimiter        *clientLimiter
}

func NewHandler(
	service AttendanceService,
	syncControl SyncControl,
	summarizer Summarizer,
	appliance ApplianceStatus,
	db HealthChecker,
	corsAllowedOrigins []string,
	rateLimitRequestsPerSec float64,
	rateLimitBurst int,
) *Handler {
	return &Handler{
		service:            service,
		syncControl:        syncControl,
		summarizer:         summarizer,
		appliance:          appliance,
		db:                 db,
		corsAllowedOrigins: corsAllowedOrigins,
		rateLimiter:        newClientLimiter(rateLimitRequestsPerSec, rateLimitBurst),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if h.rateLimiter != nil {
		r.Use(h.rateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/attendance", func(r chi.Router) {
			r.Get("/today", h.getTodayAttendance)
			r.Get("/range", h.getAttendanceByRange)
			r.Get("/absent", h.getAbsentEmployees)
		})
		r.Get("/employees/{code}/attendance", h.getEmployeeAttendance)
		r.Route("/sync", func(r chi.Router) {
			r.Post("/", h.syncNow)
			r.Get("/status", h.syncStatus)
			r.Post("/start", h.syncStart)
			r.Post("/stop", h.syncStop)
			r.Post("/interval", h.syncInterval)
			r.Get("/snapshots/{date}/{cycleID}", h.getSyncSnapshot)
		})
		r.Post("/heartbeat/refresh", h.heartbeatRefresh)
		r.Post("/payroll/summaries", h.payrollSummaries)
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}

	status := map[string]any{"status": "ok"}
	if h.appliance != nil {
		stats := h.appliance.Stats()
		status["applianceSessionValid"] = stats.IsSessionValid
		status["heartbeatRunning"] = stats.Running
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) getTodayAttendance(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.GetTodayAttendance(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  "attendance integration unavailable",
			"source": result.Source,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) getAttendanceByRange(w http.ResponseWriter, r *http.Request) {
	start, err := parseDateParam(r, "start")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid start date, want YYYY-MM-DD"})
		return
	}
	end, err := parseDateParam(r, "end")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid end date, want YYYY-MM-DD"})
		return
	}
	if end.Before(start) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "end date precedes start date"})
		return
	}

	// End date is inclusive on the wire.
	records, err := h.service.GetAttendanceByDateRange(r.Context(), start, end.AddDate(0, 0, 1))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "attendance lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (h *Handler) getAbsentEmployees(w http.ResponseWriter, r *http.Request) {
	date, err := parseDateParam(r, "date")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid date, want YYYY-MM-DD"})
		return
	}

	opts := integration.AbsentOptions{
		ExcludeWeekends:     r.URL.Query().Get("excludeWeekends") == "true",
		OnlyActiveEmployees: r.URL.Query().Get("onlyActiveEmployees") != "false",
	}

	report, err := h.service.GetAbsentEmployees(r.Context(), date, opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "absence lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) getEmployeeAttendance(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "employee code required"})
		return
	}

	days, err := h.service.GetEmployeeAttendanceHistory(r.Context(), code)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "attendance integration unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"employeeCode": code, "days": days, "count": len(days)})
}

func (h *Handler) syncNow(w http.ResponseWriter, r *http.Request) {
	var req integration.SyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid sync request body"})
			return
		}
	}
	if !req.SyncEmployees && !req.SyncAttendance {
		req.SyncEmployees = true
		req.SyncAttendance = true
	}

	result, err := h.service.SyncNow(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "sync failed",
			"partial": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncControl.Status())
}

func (h *Handler) syncStart(w http.ResponseWriter, r *http.Request) {
	h.syncControl.Start()
	writeJSON(w, http.StatusOK, h.syncControl.Status())
}

func (h *Handler) syncStop(w http.ResponseWriter, r *http.Request) {
	h.syncControl.Stop()
	writeJSON(w, http.StatusOK, h.syncControl.Status())
}

func (h *Handler) syncInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Minutes < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "minutes must be a positive integer"})
		return
	}

	h.syncControl.UpdateInterval(req.Minutes)
	writeJSON(w, http.StatusOK, h.syncControl.Status())
}

func (h *Handler) getSyncSnapshot(w http.ResponseWriter, r *http.Request) {
	date, err := time.Parse("2006-01-02", chi.URLParam(r, "date"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid snapshot date, want YYYY-MM-DD"})
		return
	}

	payload, err := h.service.GetSyncSnapshot(r.Context(), date, chi.URLParam(r, "cycleID"))
	if err != nil {
		if errors.Is(err, archive.ErrNotConfigured) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "snapshot archive not configured"})
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshot not found"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) heartbeatRefresh(w http.ResponseWriter, r *http.Request) {
	if h.appliance == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "heartbeat not running"})
		return
	}

	ok := h.appliance.ForceRefresh(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"refreshed": ok, "stats": h.appliance.Stats()})
}

type payrollRequest struct {
	Month     int `json:"month"`
	Year      int `json:"year"`
	Employees []struct {
		Code        string  `json:"code"`
		GrossSalary float64 `json:"grossSalary"`
	} `json:"employees"`
}

func (h *Handler) payrollSummaries(w http.ResponseWriter, r *http.Request) {
	var req payrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payroll request body"})
		return
	}
	if req.Month < 1 || req.Month > 12 || req.Year < 2000 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "month must be 1-12 and year must be sensible"})
		return
	}
	if len(req.Employees) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one employee required"})
		return
	}

	codes := make([]string, 0, len(req.Employees))
	salaries := make(map[string]float64, len(req.Employees))
	for _, employee := range req.Employees {
		codes = append(codes, employee.Code)
		salaries[employee.Code] = employee.GrossSalary
	}

	serverOnline := true
	if h.appliance != nil {
		serverOnline = h.appliance.Stats().IsSessionValid
	}

	summaries := h.summarizer.SummarizeBulk(r.Context(), codes, salaries, req.Year, time.Month(req.Month), serverOnline)
	writeJSON(w, http.StatusOK, map[string]any{"summaries": summaries, "serverOnline": serverOnline})
}

func parseDateParam(r *http.Request, name string) (time.Time, error) {
	return time.Parse("2006-01-02", r.URL.Query().Get(name))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
