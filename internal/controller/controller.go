package controller

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/voicemesh/voicemesh/internal/wire"
)

//go:embed admin.html.tmpl
var adminTemplateText string

var adminTemplate = template.Must(template.New("admin").Parse(adminTemplateText))

// Config carries the controller's listen address and the shared bearer
// token. An empty Password disables authentication.
type Config struct {
	ListenIP   string
	ListenPort int
	Password   string
}

// Addr is the TCP address the controller binds.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.ListenPort)
}

// Controller serves the fleet health API and the admin dashboard over one
// HTTP listener.
type Controller struct {
	cfg      Config
	registry *Registry
	log.Logger
}

// New creates a controller around a fresh registry.
func New(cfg Config, logger log.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		registry: NewRegistry(logger),
		Logger:   logger.New("obj", "controller"),
	}
}

// Registry exposes the capacity registry, mainly for tests.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Handler builds the route table. Health routes require the bearer token
// when one is configured; the admin page stays readable without it.
func (c *Controller) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/report", c.requireAuth(c.handleReport))
	mux.HandleFunc("/health/available_servers", c.requireAuth(c.handleAvailable))
	mux.HandleFunc("/health/all_servers", c.requireAuth(c.handleAll))
	mux.HandleFunc("/admin", c.handleAdmin)
	mux.HandleFunc("/ws", c.handleEntrypoint)
	return mux
}

// Run binds the listener, then serves until ctx is canceled. The registry
// sweep loop runs alongside the server.
func (c *Controller) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.Addr())
	if err != nil {
		return fmt.Errorf("controller: bind %s: %w", c.cfg.Addr(), err)
	}
	c.Info("controller started", "addr", ln.Addr().String())

	srv := &http.Server{Handler: c.Handler()}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.registry.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	c.Info("controller stopped")
	return err
}

func (c *Controller) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.Password != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token != c.cfg.Password {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (c *Controller) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var report wire.WorkerReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		c.Warn("rejecting malformed health report", "err", err)
		http.Error(w, "malformed report", http.StatusBadRequest)
		return
	}
	if report.URL == "" {
		http.Error(w, "report missing url", http.StatusBadRequest)
		return
	}
	c.registry.Update(report)
	fmt.Fprint(w, "OK")
}

func (c *Controller) handleAvailable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.registry.Available())
}

func (c *Controller) handleAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, c.registry.All())
}

// handleEntrypoint lets naive clients connect to the controller itself: it
// redirects to the most available worker, or 503s when the fleet is full.
func (c *Controller) handleEntrypoint(w http.ResponseWriter, r *http.Request) {
	servers := c.registry.Available()
	if len(servers) == 0 {
		http.Error(w, "no workers available", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, servers[0].ServerHealth.URL+"/ws", http.StatusFound)
}

type adminRow struct {
	URL         string
	Slack       int
	LastUpdated string
}

func (c *Controller) handleAdmin(w http.ResponseWriter, r *http.Request) {
	servers := c.registry.All()
	rows := make([]adminRow, len(servers))
	for i, s := range servers {
		sec := int64(s.LastUpdated)
		nsec := int64((s.LastUpdated - float64(sec)) * float64(time.Second))
		rows[i] = adminRow{
			URL:         s.ServerHealth.URL,
			Slack:       s.ServerHealth.Slack(),
			LastUpdated: time.Unix(sec, nsec).Format("2006-01-02 15:04:05"),
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := adminTemplate.Execute(w, rows); err != nil {
		c.Error("rendering admin page", "err", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
