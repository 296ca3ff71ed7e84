package zkbio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	ErrTokenExtraction  = errors.New("zkbio: anti-forgery token not found on login page")
	ErrNoSessionCookies = errors.New("zkbio: login response carried no session cookies")
	ErrVerification     = errors.New("zkbio: session verification failed")
)

// AuthError wraps a login failure after all retry attempts were spent.
// Callers treat it as "integration temporarily unavailable".
type AuthError struct {
	Attempts int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("zkbio: authentication failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

var csrfTokenPattern = regexp.MustCompile(`name=['"]csrfmiddlewaretoken['"] value=['"]([^'"]+)['"]`)

// Session is the cookie + anti-forgery state that substitutes for an API
// key on the appliance. It is owned by the SessionManager and only ever
// replaced wholesale or extended through cookie rotation.
type Session struct {
	Cookies    []*http.Cookie
	CSRFToken  string
	Valid      bool
	ObtainedAt time.Time
}

func (s Session) CookieHeader() string {
	parts := make([]string, 0, len(s.Cookies))
	for _, cookie := range s.Cookies {
		parts = append(parts, cookie.Name+"="+cookie.Value)
	}
	return strings.Join(parts, "; ")
}

type Credentials struct {
	Username string
	Password string
}

const (
	loginPath     = "/login/"
	dashboardPath = "/dashboard/"
)

// SessionManager performs the login handshake and guards the one piece of
// shared mutable state in the integration. Re-authentication is collapsed
// through a singleflight group so concurrent expiry observers trigger a
// single login POST.
type SessionManager struct {
	baseURL     string
	credentials Credentials
	client      *http.Client
	maxAttempts int
	backoffBase time.Duration

	mu      sync.RWMutex
	session Session

	authGroup singleflight.Group
}

func NewSessionManager(baseURL string, credentials Credentials, timeout time.Duration, maxAttempts int, backoffBase time.Duration) *SessionManager {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &SessionManager{
		baseURL:     strings.TrimRight(baseURL, "/"),
		credentials: credentials,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
	}
}

func (m *SessionManager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	m.session.Valid = false
	m.mu.Unlock()
}

// MergeCookies folds rotated cookies into the session, replacing by name
// and preserving the original order for the rest.
func (m *SessionManager) MergeCookies(rotated []*http.Cookie) {
	if len(rotated) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byName := make(map[string]*http.Cookie, len(rotated))
	for _, cookie := range rotated {
		byName[cookie.Name] = cookie
	}

	merged := make([]*http.Cookie, 0, len(m.session.Cookies)+len(rotated))
	for _, cookie := range m.session.Cookies {
		if replacement, ok := byName[cookie.Name]; ok {
			merged = append(merged, replacement)
			delete(byName, cookie.Name)
			continue
		}
		merged = append(merged, cookie)
	}
	for _, cookie := range rotated {
		if _, pending := byName[cookie.Name]; pending {
			merged = append(merged, cookie)
			delete(byName, cookie.Name)
		}
	}

	m.session.Cookies = merged
}

// ApplyAuth decorates an outbound request with the session cookie set and
// anti-forgery header.
func (m *SessionManager) ApplyAuth(req *http.Request) {
	session := m.Current()
	if header := session.CookieHeader(); header != "" {
		req.Header.Set("Cookie", header)
	}
	if session.CSRFToken != "" {
		req.Header.Set("X-CSRFToken", session.CSRFToken)
	}
	req.Header.Set("Referer", m.baseURL+dashboardPath)
}

// EnsureAuthenticated is the idempotent entry point used by the fetcher and
// the heartbeat. A valid-looking session is probed cheaply; a missing or
// rejected one triggers a single shared re-authentication.
func (m *SessionManager) EnsureAuthenticated(ctx context.Context) error {
	session := m.Current()
	if session.Valid {
		stale, err := m.probe(ctx)
		if err == nil && !stale {
			return nil
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		m.Invalidate()
	}

	_, err, _ := m.authGroup.Do("authenticate", func() (any, error) {
		// Another caller may have won the race while we queued.
		if m.Current().Valid {
			return nil, nil
		}
		return nil, m.authenticateWithRetry(ctx)
	})
	return err
}

func (m *SessionManager) authenticateWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lastErr = m.authenticate(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt < m.maxAttempts {
			delay := m.backoffBase * time.Duration(1<<(attempt-1))
			log.Printf("zkbio authentication attempt %d/%d failed, retrying in %s: %v", attempt, m.maxAttempts, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return &AuthError{Attempts: m.maxAttempts, Err: lastErr}
}

// authenticate runs the full handshake: token extraction, form login
// without following redirects, cookie capture, and a dashboard probe to
// confirm the session actually works.
func (m *SessionManager) authenticate(ctx context.Context) error {
	loginURL := m.baseURL + loginPath

	pageReq, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return err
	}
	pageResp, err := m.client.Do(pageReq)
	if err != nil {
		return fmt.Errorf("fetch login page: %w", err)
	}
	pageBody, err := io.ReadAll(pageResp.Body)
	pageResp.Body.Close()
	if err != nil {
		return fmt.Errorf("read login page: %w", err)
	}

	tokenMatch := csrfTokenPattern.FindSubmatch(pageBody)
	if tokenMatch == nil {
		return ErrTokenExtraction
	}
	csrfToken := string(tokenMatch[1])

	form := url.Values{}
	form.Set("username", m.credentials.Username)
	form.Set("password", m.credentials.Password)
	form.Set("csrfmiddlewaretoken", csrfToken)

	loginReq, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	loginReq.Header.Set("Referer", loginURL)
	loginReq.Header.Set("Origin", m.baseURL)
	loginReq.Header.Set("Cookie", cookieHeaderFrom(pageResp.Cookies(), "csrftoken="+csrfToken))

	loginResp, err := m.client.Do(loginReq)
	if err != nil {
		return fmt.Errorf("login post: %w", err)
	}
	io.Copy(io.Discard, loginResp.Body)
	loginResp.Body.Close()

	if loginResp.StatusCode >= 400 {
		return fmt.Errorf("login post returned status %d", loginResp.StatusCode)
	}

	cookies := loginResp.Cookies()
	if len(cookies) == 0 {
		return ErrNoSessionCookies
	}

	candidate := Session{
		Cookies:    cookies,
		CSRFToken:  csrfToken,
		ObtainedAt: time.Now().UTC(),
	}

	if err := m.verify(ctx, candidate); err != nil {
		return err
	}

	candidate.Valid = true
	m.mu.Lock()
	m.session = candidate
	m.mu.Unlock()

	return nil
}

func (m *SessionManager) verify(ctx context.Context, candidate Session) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+dashboardPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Cookie", candidate.CookieHeader())

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("verify session: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read verification page: %w", err)
	}

	if resp.StatusCode != http.StatusOK || IsLoginPage(body) {
		return ErrVerification
	}
	return nil
}

// probe issues a cheap authenticated request. stale=true means the
// appliance redirected us back to the login form.
func (m *SessionManager) probe(ctx context.Context) (stale bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+dashboardPath, nil)
	if err != nil {
		return false, err
	}
	m.ApplyAuth(req)

	resp, err := m.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		if strings.Contains(location, "login") {
			return true, nil
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	if IsLoginPage(body) {
		return true, nil
	}
	return false, nil
}

// IsLoginPage reports whether an HTML body is the appliance's login form,
// the signal that a session silently expired.
func IsLoginPage(body []byte) bool {
	lowered := strings.ToLower(string(body))
	return strings.Contains(lowered, "csrfmiddlewaretoken") ||
		(strings.Contains(lowered, "<form") && strings.Contains(lowered, "password"))
}

// LooksLikeHTML reports whether a payload that should have been JSON is
// actually an HTML document.
func LooksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "<")
}

func cookieHeaderFrom(cookies []*http.Cookie, extra string) string {
	parts := make([]string, 0, len(cookies)+1)
	seen := map[string]bool{}
	for _, cookie := range cookies {
		parts = append(parts, cookie.Name+"="+cookie.Value)
		seen[cookie.Name] = true
	}
	if extra != "" {
		name := strings.SplitN(extra, "=", 2)[0]
		if !seen[name] {
			parts = append(parts, extra)
		}
	}
	return strings.Join(parts, "; ")
}
