package zkbio

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// HeartbeatStats is a snapshot of keep-alive health.
type HeartbeatStats struct {
	LastSuccessAt  time.Time `json:"lastSuccessAt"`
	SuccessCount   int64     `json:"successCount"`
	IsSessionValid bool      `json:"isSessionValid"`
	Running        bool      `json:"running"`
}

// Heartbeat keeps the appliance session warm during idle periods. It runs
// independently of the sync scheduler so session freshness never depends on
// sync cadence.
type Heartbeat struct {
	sessions  *SessionManager
	client    *http.Client
	baseURL   string
	endpoints []string

	mu            sync.Mutex
	lastSuccessAt time.Time
	successCount  int64
	running       bool
	stop          chan struct{}
	done          chan struct{}
}

func NewHeartbeat(baseURL string, sessions *SessionManager, timeout time.Duration) *Heartbeat {
	return &Heartbeat{
		sessions: sessions,
		client:   &http.Client{Timeout: timeout},
		baseURL:  trimBase(baseURL),
		endpoints: []string{
			dashboardPath,
			employeesPath + "?limit=1",
			transactionsPath + "?limit=1",
		},
	}
}

func (h *Heartbeat) Start(interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}

	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	h.running = true

	go h.run(h.stop, interval, h.done)
}

// Stop ends the keep-alive loop and waits for any in-flight tick to
// complete. Ticks are never cancelled mid-probe; the stop signal is only
// consulted between them.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	stop := h.stop
	done := h.done
	h.running = false
	h.stop = nil
	h.mu.Unlock()

	close(stop)
	<-done
}

func (h *Heartbeat) run(stop <-chan struct{}, interval time.Duration, done chan struct{}) {
	defer close(done)

	ctx := context.Background()

	h.Tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick probes the authenticated endpoints in order and stops at the first
// success, merging any rotated cookies into the session. All-endpoints
// failure falls back to a full re-authentication.
func (h *Heartbeat) Tick(ctx context.Context) bool {
	for _, endpoint := range h.endpoints {
		ok, rotated := h.touch(ctx, endpoint)
		if !ok {
			continue
		}

		h.sessions.MergeCookies(rotated)
		h.mu.Lock()
		h.lastSuccessAt = time.Now().UTC()
		h.successCount++
		h.mu.Unlock()
		return true
	}

	if ctx.Err() != nil {
		return false
	}

	log.Printf("keep-alive probes exhausted, re-authenticating")
	h.sessions.Invalidate()
	if err := h.sessions.EnsureAuthenticated(ctx); err != nil {
		log.Printf("keep-alive re-authentication failed: %v", err)
		return false
	}

	h.mu.Lock()
	h.lastSuccessAt = time.Now().UTC()
	h.successCount++
	h.mu.Unlock()
	return true
}

// ForceRefresh runs one immediate probe cycle, regardless of the timer.
func (h *Heartbeat) ForceRefresh(ctx context.Context) bool {
	return h.Tick(ctx)
}

func (h *Heartbeat) Stats() HeartbeatStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return HeartbeatStats{
		LastSuccessAt:  h.lastSuccessAt,
		SuccessCount:   h.successCount,
		IsSessionValid: h.sessions.Current().Valid,
		Running:        h.running,
	}
}

func (h *Heartbeat) touch(ctx context.Context, endpoint string) (bool, []*http.Cookie) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+endpoint, nil)
	if err != nil {
		return false, nil
	}
	h.sessions.ApplyAuth(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		return false, nil
	}
	if LooksLikeHTML(resp.Header.Get("Content-Type"), body) && IsLoginPage(body) {
		return false, nil
	}

	return true, resp.Cookies()
}
