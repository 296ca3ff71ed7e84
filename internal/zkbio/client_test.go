package zkbio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server, pageSize, maxRecords int) *Client {
	sessions := newTestSessionManager(srv, 3)
	return NewClient(srv.URL, "", sessions, 5*time.Second, pageSize, maxRecords)
}

func employeePage(total, limit, offset int) string {
	var data []map[string]any
	for i := offset; i < total && i < offset+limit; i++ {
		data = append(data, map[string]any{
			"id":       i + 1,
			"emp_code": fmt.Sprintf("emp-%03d", i+1),
		})
	}
	next := ""
	if offset+limit < total {
		next = fmt.Sprintf("?limit=%d&offset=%d", limit, offset+limit)
	}
	page, _ := json.Marshal(map[string]any{"data": data, "count": total, "next": next})
	return string(page)
}

func TestListEmployeesPaginatesToExhaustion(t *testing.T) {
	const total = 5
	var pages atomic.Int64

	appliance := newFakeAppliance()
	appliance.handle(employeesPath, func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, employeePage(total, limit, offset))
	})
	srv := appliance.server(t)
	c := newTestClient(srv, 2, 100)

	employees, err := c.ListEmployees(context.Background())
	if err != nil {
		t.Fatalf("list employees: %v", err)
	}
	if len(employees) != total {
		t.Fatalf("employees = %d, want %d", len(employees), total)
	}
	if employees[4].Code() != "emp-005" {
		t.Fatalf("last employee = %q", employees[4].Code())
	}
	if pages.Load() != 3 {
		t.Fatalf("page fetches = %d, want 3", pages.Load())
	}
}

func TestFetchCapsRunawayCursors(t *testing.T) {
	appliance := newFakeAppliance()
	appliance.handle(employeesPath, func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		// Claims far more records than the cap allows.
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, employeePage(1000, limit, offset))
	})
	srv := appliance.server(t)
	c := newTestClient(srv, 2, 5)

	employees, err := c.ListEmployees(context.Background())
	if err != nil {
		t.Fatalf("list employees: %v", err)
	}
	if len(employees) != 5 {
		t.Fatalf("cap not applied, got %d records", len(employees))
	}
}

func TestListTransactionsForwardsFilter(t *testing.T) {
	var gotQuery atomic.Value

	appliance := newFakeAppliance()
	appliance.handle(transactionsPath, func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Encode())
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"id":9,"emp_code":"6035","punch_time":"2025-08-14 09:05:00","punch_state_display":"Check In","area_alias":"Head Office"}],"count":1,"next":""}`)
	})
	srv := appliance.server(t)
	c := newTestClient(srv, 100, 1000)

	start := time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)
	transactions, err := c.ListTransactions(context.Background(), TransactionFilter{
		EmpCode:   "6035",
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(transactions) != 1 {
		t.Fatalf("transactions = %d, want 1", len(transactions))
	}

	tx := transactions[0]
	if tx.Code() != "6035" || tx.Direction() != DirectionCheckIn || tx.Location() != "Head Office" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if tx.PunchTime.Hour() != 9 || tx.PunchTime.Minute() != 5 {
		t.Fatalf("punch time not parsed: %v", tx.PunchTime.Time)
	}

	query := gotQuery.Load().(string)
	for _, want := range []string{"emp_code=6035", "ordering=-punch_time", "start_time=2025-08-01+00%3A00%3A00"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query %q missing %q", query, want)
		}
	}
}

func TestSessionExpiryMidRequestReplaysOnce(t *testing.T) {
	// The first fetch gets the login page instead of JSON even though the
	// pre-flight probe passed, simulating an expiry race mid-request. The
	// client must re-login and replay the call exactly once.
	var served atomic.Int64

	appliance := newFakeAppliance()
	appliance.handle(employeesPath, func(w http.ResponseWriter, r *http.Request) {
		if served.Add(1) == 1 {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, loginPageHTML)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, employeePage(1, 10, 0))
	})
	srv := appliance.server(t)
	c := newTestClient(srv, 10, 100)

	employees, err := c.ListEmployees(context.Background())
	if err != nil {
		t.Fatalf("list employees after expiry: %v", err)
	}
	if len(employees) != 1 {
		t.Fatalf("employees = %d, want 1", len(employees))
	}
	if got := appliance.loginPosts.Load(); got != 2 {
		t.Fatalf("login posts = %d, want 2 (initial + replay)", got)
	}
}
