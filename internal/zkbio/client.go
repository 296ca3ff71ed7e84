package zkbio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"
)

const (
	employeesPath    = "/personnel/api/employees/"
	departmentsPath  = "/personnel/api/departments/"
	areasPath        = "/personnel/api/areas/"
	transactionsPath = "/iclock/api/transactions/"
)

// ErrSessionExpired marks a call that got the login page where JSON was
// expected. The fetcher re-authenticates and replays such calls once.
var ErrSessionExpired = errors.New("zkbio: session expired mid-request")

// Client pulls employee-directory and punch-transaction pages from the
// appliance, following limit/offset pagination until exhaustion. A single
// logical call is capped at maxRecords to contain runaway cursors.
type Client struct {
	baseURL     string
	fallbackURL string
	http        *http.Client
	sessions    *SessionManager
	pageSize    int
	maxRecords  int
}

func NewClient(baseURL, fallbackURL string, sessions *SessionManager, timeout time.Duration, pageSize, maxRecords int) *Client {
	if pageSize <= 0 {
		pageSize = 500
	}
	if maxRecords <= 0 {
		maxRecords = 10000
	}

	return &Client{
		baseURL:     trimBase(baseURL),
		fallbackURL: trimBase(fallbackURL),
		http:        &http.Client{Timeout: timeout},
		sessions:    sessions,
		pageSize:    pageSize,
		maxRecords:  maxRecords,
	}
}

func trimBase(base string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base
}

func (c *Client) ListEmployees(ctx context.Context) ([]Employee, error) {
	return fetchAll[Employee](ctx, c, employeesPath, url.Values{})
}

func (c *Client) ListDepartments(ctx context.Context) ([]Department, error) {
	return fetchAll[Department](ctx, c, departmentsPath, url.Values{})
}

func (c *Client) ListAreas(ctx context.Context) ([]Area, error) {
	return fetchAll[Area](ctx, c, areasPath, url.Values{})
}

func (c *Client) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	query := url.Values{}
	query.Set("ordering", "-punch_time")
	if filter.EmpCode != "" {
		query.Set("emp_code", filter.EmpCode)
	}
	if !filter.StartTime.IsZero() {
		query.Set("start_time", filter.StartTime.Format(applianceTimeLayout))
	}
	if !filter.EndTime.IsZero() {
		query.Set("end_time", filter.EndTime.Format(applianceTimeLayout))
	}

	return fetchAll[Transaction](ctx, c, transactionsPath, query)
}

func (c *Client) ListEmployeeHistory(ctx context.Context, empCode string) ([]Transaction, error) {
	return c.ListTransactions(ctx, TransactionFilter{EmpCode: empCode})
}

// fetchAll walks pages until the appliance stops returning a next cursor or
// a page comes back short, whichever happens first. Hitting the record cap
// is logged as a warning and returns the partial result.
func fetchAll[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	var out []T
	offset := 0

	for {
		pageQuery := url.Values{}
		for key, values := range query {
			pageQuery[key] = values
		}
		pageQuery.Set("limit", strconv.Itoa(c.pageSize))
		pageQuery.Set("offset", strconv.Itoa(offset))

		body, err := c.getJSON(ctx, path, pageQuery)
		if err != nil {
			return nil, err
		}

		var envelope listEnvelope[T]
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("decode %s page: %w", path, err)
		}

		out = append(out, envelope.Data...)

		if len(out) >= c.maxRecords {
			log.Printf("zkbio fetch hit record cap path=%s cap=%d, returning partial results", path, c.maxRecords)
			return out[:c.maxRecords], nil
		}
		if len(envelope.Data) < c.pageSize || envelope.Next == "" {
			return out, nil
		}
		if envelope.Count > 0 && len(out) >= envelope.Count {
			return out, nil
		}

		offset += c.pageSize
	}
}

// getJSON is the one network path for every fetch: ensure a session, issue
// the request, replay once on session expiry, and try the fallback relay
// once on a low-level connection failure.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.sessions.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	body, err := c.doJSON(ctx, c.baseURL, path, query)
	if errors.Is(err, ErrSessionExpired) {
		c.sessions.Invalidate()
		if err := c.sessions.EnsureAuthenticated(ctx); err != nil {
			return nil, err
		}
		body, err = c.doJSON(ctx, c.baseURL, path, query)
	}

	if err != nil && c.fallbackURL != "" && isTransientNetworkErr(err) {
		log.Printf("zkbio primary path failed, retrying via fallback relay path=%s err=%v", path, err)
		body, err = c.doJSON(ctx, c.fallbackURL, path, query)
	}

	return body, err
}

func (c *Client) doJSON(ctx context.Context, base, path string, query url.Values) ([]byte, error) {
	endpoint := base + path
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	c.sessions.ApplyAuth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if LooksLikeHTML(resp.Header.Get("Content-Type"), body) {
		return nil, ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("zkbio %s returned status %d", path, resp.StatusCode)
	}

	return body, nil
}

func isTransientNetworkErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED)
}
