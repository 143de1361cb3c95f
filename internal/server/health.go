package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"

	"github.com/voicemesh/voicemesh/internal/wire"
)

// reportInterval is how often a controller-connected worker reports its
// capacity.
const reportInterval = 5 * time.Second

// Health tracks the worker's local session count and, in
// controller-connected mode, exchanges capacity information with the
// controller. The counter is the single source of truth for the local
// capacity invariant; handlers acquire and release through it exactly once
// per lifecycle.
type Health interface {
	// CanAcceptSession reports whether a new local session would fit.
	CanAcceptSession() bool
	// TryAddSession atomically checks capacity and counts a new local
	// session. Admission uses this so concurrent connections cannot
	// overshoot max_sessions between check and count.
	TryAddSession() bool
	// RemoveSession releases one local session slot.
	RemoveSession()
	// AvailablePeers returns candidate workers for forwarding, most slack
	// first, never including this worker. Standalone mode and controller
	// failures both yield an empty list.
	AvailablePeers(ctx context.Context) []wire.WorkerReport
	// Run drives background reporting until ctx is done.
	Run(ctx context.Context) error
}

// sessionCounter is the shared bookkeeping of both health modes.
type sessionCounter struct {
	mu          sync.Mutex
	sessions    int
	maxSessions int
}

func (c *sessionCounter) CanAcceptSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions < c.maxSessions
}

func (c *sessionCounter) TryAddSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions >= c.maxSessions {
		return false
	}
	c.sessions++
	return true
}

func (c *sessionCounter) RemoveSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions > 0 {
		c.sessions--
	}
}

func (c *sessionCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions
}

// NewStandaloneHealth returns a health agent with no controller: local
// counting only, no peers, no reporting.
func NewStandaloneHealth(cfg Config) Health {
	return &standaloneHealth{
		sessionCounter: sessionCounter{maxSessions: cfg.MaxSessions},
	}
}

type standaloneHealth struct {
	sessionCounter
}

func (h *standaloneHealth) AvailablePeers(context.Context) []wire.WorkerReport {
	return nil
}

func (h *standaloneHealth) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// NewControllerHealth returns a health agent that reports capacity to the
// controller every reportInterval and queries it for forwarding candidates.
func NewControllerHealth(cfg Config, logger log.Logger) Health {
	return &controllerHealth{
		sessionCounter: sessionCounter{maxSessions: cfg.MaxSessions},
		cfg:            cfg,
		client:         &http.Client{Timeout: 5 * time.Second},
		kick:           make(chan struct{}, 1),
		Logger:         logger.New("obj", "health"),
	}
}

type controllerHealth struct {
	sessionCounter
	cfg    Config
	client *http.Client
	// kick nudges the reporter after a counter change so the controller's
	// view stays fresh without the counter ever blocking on network I/O.
	kick chan struct{}
	log.Logger
}

func (h *controllerHealth) TryAddSession() bool {
	if !h.sessionCounter.TryAddSession() {
		return false
	}
	h.nudge()
	return true
}

func (h *controllerHealth) RemoveSession() {
	h.sessionCounter.RemoveSession()
	h.nudge()
}

func (h *controllerHealth) nudge() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// Run posts the worker's report on a fixed cadence, sooner when nudged, and
// backs off after controller failures.
func (h *controllerHealth) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Jitter: true}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.kick:
		case <-timer.C:
		}
		if err := h.report(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d := b.Duration()
			h.Warn("health report failed", "err", err, "retry_in", d)
			resetTimer(timer, d)
			continue
		}
		b.Reset()
		resetTimer(timer, reportInterval)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (h *controllerHealth) report(ctx context.Context) error {
	report := wire.WorkerReport{
		URL:         h.cfg.AdvertiseURL,
		Sessions:    h.count(),
		MaxSessions: h.cfg.MaxSessions,
	}
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.cfg.ControllerURL+"/health/report", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	h.authorize(req)
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controller returned %s", resp.Status)
	}
	return nil
}

func (h *controllerHealth) AvailablePeers(ctx context.Context) []wire.WorkerReport {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		h.cfg.ControllerURL+"/health/available_servers", nil)
	if err != nil {
		h.Error("building peer query", "err", err)
		return nil
	}
	h.authorize(req)
	resp, err := h.client.Do(req)
	if err != nil {
		h.Warn("querying available peers", "err", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		h.Warn("querying available peers", "status", resp.Status)
		return nil
	}
	var statuses []wire.ServerStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		h.Warn("decoding available peers", "err", err)
		return nil
	}
	peers := make([]wire.WorkerReport, 0, len(statuses))
	for _, s := range statuses {
		if s.ServerHealth.URL == h.cfg.AdvertiseURL {
			continue
		}
		peers = append(peers, s.ServerHealth)
	}
	return peers
}

func (h *controllerHealth) authorize(req *http.Request) {
	if h.cfg.Password != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Password)
	}
}
